// Package response models what the AI backend returns: either a structured
// answer made of typed sections, or a free-form chat reply.
package response

import "encoding/json"

// SectionType tags a section variant on the wire.
type SectionType string

const (
	TypeText      SectionType = "text"
	TypeList      SectionType = "list"
	TypeChecklist SectionType = "checklist"
)

// Section is one titled block of a structured answer. The set of variants is
// closed: TextSection, ListSection and ChecklistSection.
type Section interface {
	Type() SectionType
	Heading() string
	isSection()
}

// TextSection is a paragraph.
type TextSection struct {
	Title   string
	Content string
}

// ListSection is an ordered list of items.
type ListSection struct {
	Title string
	Items []string
}

// ChecklistSection is an ordered list of things to check.
type ChecklistSection struct {
	Title string
	Items []string
}

func (TextSection) Type() SectionType      { return TypeText }
func (ListSection) Type() SectionType      { return TypeList }
func (ChecklistSection) Type() SectionType { return TypeChecklist }

func (s TextSection) Heading() string      { return s.Title }
func (s ListSection) Heading() string      { return s.Title }
func (s ChecklistSection) Heading() string { return s.Title }

func (TextSection) isSection()      {}
func (ListSection) isSection()      {}
func (ChecklistSection) isSection() {}

type wireSection struct {
	Type    SectionType `json:"type"`
	Title   string      `json:"title"`
	Content any         `json:"content"`
}

func (s TextSection) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSection{Type: TypeText, Title: s.Title, Content: s.Content})
}

func (s ListSection) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSection{Type: TypeList, Title: s.Title, Content: nonNil(s.Items)})
}

func (s ChecklistSection) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSection{Type: TypeChecklist, Title: s.Title, Content: nonNil(s.Items)})
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// Payload is a parsed backend answer: *AIResponse or *ChatReply.
type Payload interface {
	isPayload()
}

// AIResponse is the structured answer shape.
type AIResponse struct {
	Sections []Section `json:"sections"`
	// BaseUsed names the document or knowledge base that grounded the answer.
	BaseUsed   string `json:"base_used,omitempty"`
	Disclaimer string `json:"disclaimer,omitempty"`
}

// ChatReply is the conversational answer shape.
type ChatReply struct {
	Content string `json:"content"`
}

func (*AIResponse) isPayload() {}
func (*ChatReply) isPayload()  {}
