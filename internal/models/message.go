package models

import "time"

// Role identifies who authored a message in a transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Rating is the thumbs up/down verdict a user leaves on an assistant reply.
type Rating string

const (
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
)

type Feedback struct {
	Rating  Rating `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Variant is one alternative answer produced by regenerating an assistant message.
type Variant struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	ContentMD string     `json:"content_md,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Message is a single transcript entry. Content mirrors the selected variant
// when the message has variants.
type Message struct {
	ID                string     `json:"id"`
	Role              Role       `json:"role"`
	Content           string     `json:"content"`
	ContentMD         string     `json:"content_md,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
	Variants          []Variant  `json:"variants,omitempty"`
	SelectedVariantID string     `json:"selected_variant_id,omitempty"`
	Feedback          *Feedback  `json:"feedback,omitempty"`
	Citations         []Citation `json:"citations,omitempty"`
	Pinned            bool       `json:"pinned,omitempty"`
	IsError           bool       `json:"is_error,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Variants != nil {
		out.Variants = make([]Variant, len(m.Variants))
		for i, v := range m.Variants {
			v.Citations = cloneCitations(v.Citations)
			out.Variants[i] = v
		}
	}
	if m.Feedback != nil {
		fb := *m.Feedback
		out.Feedback = &fb
	}
	out.Citations = cloneCitations(m.Citations)
	return out
}

// SelectVariant points the message at the given variant and mirrors its content.
func (m *Message) SelectVariant(variantID string) bool {
	for _, v := range m.Variants {
		if v.ID == variantID {
			m.SelectedVariantID = v.ID
			m.Content = v.Content
			m.ContentMD = v.ContentMD
			m.Citations = cloneCitations(v.Citations)
			return true
		}
	}
	return false
}

func cloneCitations(in []Citation) []Citation {
	if in == nil {
		return nil
	}
	out := make([]Citation, len(in))
	copy(out, in)
	return out
}
