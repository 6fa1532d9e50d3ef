package response

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/wessley-companion/engine/domain"
)

func quietParser() *Parser {
	return NewParser(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func TestParseTextSection(t *testing.T) {
	p, err := quietParser().Parse([]byte(`{"sections":[{"type":"text","title":"T","content":"C"}],"base_used":null,"disclaimer":null}`))
	require.NoError(t, err)

	ai, ok := p.(*AIResponse)
	require.True(t, ok)
	require.Len(t, ai.Sections, 1)
	require.Equal(t, TypeText, ai.Sections[0].Type())
	require.Empty(t, ai.BaseUsed)
	require.Empty(t, ai.Disclaimer)

	out := Markdown(p)
	require.Contains(t, out, "T")
	require.Contains(t, out, "C")
	require.NotContains(t, out, "Source")
	require.NotContains(t, out, ">")
}

func TestParseDropsUnknownSections(t *testing.T) {
	var logs bytes.Buffer
	parser := NewParser(slog.New(slog.NewTextHandler(&logs, nil)))

	p, err := parser.Parse([]byte(`{"sections":[
		{"type":"list","title":"Causes","content":["a","b"]},
		{"type":"unknown","title":"X","content":"?"},
		{"type":"text","title":"Bad","content":["not","a","string"]},
		{"type":"checklist","title":"Also bad","content":"nope"},
		42
	]}`))
	require.NoError(t, err)

	ai := p.(*AIResponse)
	require.Len(t, ai.Sections, 1)
	require.Equal(t, ListSection{Title: "Causes", Items: []string{"a", "b"}}, ai.Sections[0])
	require.Contains(t, logs.String(), "dropped section")
}

func TestParseChatReply(t *testing.T) {
	p, err := quietParser().Parse([]byte(`{"content":"Troque o óleo a cada 10 mil km."}`))
	require.NoError(t, err)
	require.Equal(t, &ChatReply{Content: "Troque o óleo a cada 10 mil km."}, p)
	require.Equal(t, "Troque o óleo a cada 10 mil km.", Markdown(p))
}

func TestParseRejectsUnknownShapes(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`null`,
		`[]`,
		`"text"`,
		`{"content":null}`,
		`{"content":12}`,
		`{"sections":"nope"}`,
		`not json`,
	} {
		_, err := quietParser().Parse([]byte(raw))
		var pe *domain.ParseError
		require.True(t, errors.As(err, &pe), "input %s", raw)
	}
}

func TestParseEmptySections(t *testing.T) {
	p, err := quietParser().Parse([]byte(`{"sections":[]}`))
	require.NoError(t, err)
	require.Empty(t, p.(*AIResponse).Sections)
	require.Equal(t, "", Markdown(p))
}

func TestBaseUsedNonString(t *testing.T) {
	p, err := quietParser().Parse([]byte(`{"sections":[],"base_used":{ "doc": "manual.pdf", "pages": [3, 4] }}`))
	require.NoError(t, err)
	require.Equal(t, `{"doc":"manual.pdf","pages":[3,4]}`, p.(*AIResponse).BaseUsed)

	p, err = quietParser().Parse([]byte(`{"sections":[],"base_used":"manual","disclaimer":"Consulte um mecânico."}`))
	require.NoError(t, err)
	out := Markdown(p)
	require.Contains(t, out, "_Source: manual_")
	require.Contains(t, out, "> Consulte um mecânico.")
}

func TestMarkdownDiagnosis(t *testing.T) {
	p, err := quietParser().Parse([]byte(`{"sections":[
		{"type":"list","title":"Hipóteses","content":["Vela de ignição","Bobina de ignição"]},
		{"type":"checklist","title":"Checklist","content":["Verifique velas","Verifique bobinas"]}
	]}`))
	require.NoError(t, err)
	require.Len(t, p.(*AIResponse).Sections, 2)

	want := "## Hipóteses\n\n1. Vela de ignição\n2. Bobina de ignição\n\n" +
		"## Checklist\n\n- [ ] Verifique velas\n- [ ] Verifique bobinas"
	require.Equal(t, want, Markdown(p))
}

func TestHTML(t *testing.T) {
	p := &AIResponse{Sections: []Section{
		TextSection{Title: "Resumo", Content: "Tudo **ok**"},
		ChecklistSection{Title: "Checklist", Items: []string{"Pneus"}},
	}}
	out, err := HTML(p)
	require.NoError(t, err)
	require.Contains(t, out, "<h2>Resumo</h2>")
	require.Contains(t, out, "<strong>ok</strong>")
	require.Contains(t, out, `type="checkbox"`)
}

func TestSectionJSON(t *testing.T) {
	b, err := json.Marshal(&AIResponse{Sections: []Section{
		TextSection{Title: "T", Content: "C"},
		ListSection{Title: "L"},
	}})
	require.NoError(t, err)
	require.JSONEq(t, `{"sections":[
		{"type":"text","title":"T","content":"C"},
		{"type":"list","title":"L","content":[]}
	]}`, string(b))

	p, err := quietParser().Parse(b)
	require.NoError(t, err)
	require.Len(t, p.(*AIResponse).Sections, 2)
}

func TestSummary(t *testing.T) {
	require.Equal(t, "A · B", Summary(&AIResponse{Sections: []Section{
		TextSection{Title: "A"}, ListSection{Title: "B"}, TextSection{},
	}}))
	require.Equal(t, "one two", Summary(&ChatReply{Content: "one\n  two"}))

	long := Summary(&ChatReply{Content: strings.Repeat("x", 500)})
	require.Equal(t, 140, len([]rune(long)))
	require.True(t, strings.HasSuffix(long, "…"))
}
