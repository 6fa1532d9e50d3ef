package response

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/WessleyAI/wessley-companion/engine/domain"
	"github.com/WessleyAI/wessley-companion/pkg/fn"
)

// Parser turns raw backend data into a Payload.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a Parser. A nil logger uses slog.Default().
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// Parse detects the response shape. A "sections" array yields *AIResponse;
// otherwise a "content" string yields *ChatReply. Sections of unknown type
// or with mismatched content are dropped with a warning. Anything else is a
// *domain.ParseError. Parse does not panic on any input.
func (p *Parser) Parse(raw []byte) (Payload, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &domain.ParseError{Reason: "response is not a JSON object", Err: err}
	}
	if top == nil {
		return nil, &domain.ParseError{Reason: "response is null"}
	}

	if rawSections, ok := top["sections"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(rawSections, &items); err == nil && items != nil {
			return &AIResponse{
				Sections:   fn.FilterMap(items, p.section),
				BaseUsed:   p.baseUsed(top["base_used"]),
				Disclaimer: p.optionalString("disclaimer", top["disclaimer"]),
			}, nil
		}
	}

	if rawContent, ok := top["content"]; ok {
		var content string
		if err := json.Unmarshal(rawContent, &content); err == nil && !isNull(rawContent) {
			return &ChatReply{Content: content}, nil
		}
	}

	return nil, &domain.ParseError{Reason: "neither sections nor content present"}
}

type rawSection struct {
	Type    SectionType     `json:"type"`
	Title   *string         `json:"title"`
	Content json.RawMessage `json:"content"`
}

func (p *Parser) section(raw json.RawMessage) (Section, bool) {
	var rs rawSection
	if err := json.Unmarshal(raw, &rs); err != nil {
		p.logger.Warn("response: dropped malformed section", "err", err)
		return nil, false
	}
	title := ""
	if rs.Title != nil {
		title = *rs.Title
	}

	switch rs.Type {
	case TypeText:
		var s string
		if err := json.Unmarshal(rs.Content, &s); err != nil || isNull(rs.Content) {
			p.dropped(rs, "content is not a string")
			return nil, false
		}
		return TextSection{Title: title, Content: s}, true
	case TypeList, TypeChecklist:
		var items []string
		if err := json.Unmarshal(rs.Content, &items); err != nil || items == nil {
			p.dropped(rs, "content is not a list of strings")
			return nil, false
		}
		if rs.Type == TypeList {
			return ListSection{Title: title, Items: items}, true
		}
		return ChecklistSection{Title: title, Items: items}, true
	default:
		p.dropped(rs, "unknown section type")
		return nil, false
	}
}

func (p *Parser) dropped(rs rawSection, reason string) {
	title := ""
	if rs.Title != nil {
		title = *rs.Title
	}
	p.logger.Warn("response: dropped section", "type", rs.Type, "title", title, "reason", reason)
}

// baseUsed keeps strings as-is and renders other non-null values as compact JSON.
func (p *Parser) baseUsed(raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return ""
	}
	return buf.String()
}

func (p *Parser) optionalString(field string, raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		p.logger.Warn("response: ignored non-string field", "field", field)
		return ""
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
