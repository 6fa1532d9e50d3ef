package response

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Markdown renders a payload. Chat replies render verbatim.
func Markdown(p Payload) string {
	switch v := p.(type) {
	case *AIResponse:
		return markdownAnswer(v)
	case *ChatReply:
		return v.Content
	default:
		return ""
	}
}

func markdownAnswer(r *AIResponse) string {
	var blocks []string
	for _, s := range r.Sections {
		if b := markdownSection(s); b != "" {
			blocks = append(blocks, b)
		}
	}
	if r.BaseUsed != "" {
		blocks = append(blocks, fmt.Sprintf("_Source: %s_", r.BaseUsed))
	}
	if r.Disclaimer != "" {
		blocks = append(blocks, "> "+strings.ReplaceAll(r.Disclaimer, "\n", "\n> "))
	}
	return strings.Join(blocks, "\n\n")
}

func markdownSection(s Section) string {
	var b strings.Builder
	if s.Heading() != "" {
		fmt.Fprintf(&b, "## %s\n\n", s.Heading())
	}
	switch v := s.(type) {
	case TextSection:
		b.WriteString(v.Content)
	case ListSection:
		for i, item := range v.Items {
			fmt.Fprintf(&b, "%d. %s\n", i+1, item)
		}
	case ChecklistSection:
		for _, item := range v.Items {
			fmt.Fprintf(&b, "- [ ] %s\n", item)
		}
	default:
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders a payload through its Markdown form. Raw HTML coming from
// the backend is not passed through.
func HTML(p Payload) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(Markdown(p)), &buf); err != nil {
		return "", fmt.Errorf("response: render html: %w", err)
	}
	return buf.String(), nil
}

// Summary is a one-line description of a payload for history listings.
func Summary(p Payload) string {
	const maxRunes = 140
	var s string
	switch v := p.(type) {
	case *AIResponse:
		titles := make([]string, 0, len(v.Sections))
		for _, sec := range v.Sections {
			if sec.Heading() != "" {
				titles = append(titles, sec.Heading())
			}
		}
		s = strings.Join(titles, " · ")
	case *ChatReply:
		s = strings.Join(strings.Fields(v.Content), " ")
	}
	if utf8.RuneCountInString(s) > maxRunes {
		s = string([]rune(s)[:maxRunes-1]) + "…"
	}
	return s
}
