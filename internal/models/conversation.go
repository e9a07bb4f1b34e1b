package models

import (
	"sort"
	"time"
)

// PlaceholderTitle is the title given to a conversation before the first
// user message names it.
const PlaceholderTitle = "New Chat"

// Tool is a capability flag that can be switched on for a conversation.
type Tool string

const (
	ToolWebSearch Tool = "web_search"
	ToolCitations Tool = "citations"
)

// Conversation is one chat thread owned by the conversation store.
type Conversation struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Pinned          bool          `json:"pinned"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Messages        []Message     `json:"messages"`
	Tools           map[Tool]bool `json:"tools,omitempty"`
	MemoryEnabled   bool          `json:"memory"`
	FolderID        string        `json:"folder_id,omitempty"`
	SchoolName      string        `json:"school_name,omitempty"`
	Subject         string        `json:"subject,omitempty"`
	RemoteSessionID string        `json:"session_id,omitempty"`
	Dirty           bool          `json:"-"`
}

// Clone returns a deep copy safe to hand out of the store.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if c.Tools != nil {
		out.Tools = make(map[Tool]bool, len(c.Tools))
		for k, v := range c.Tools {
			out.Tools[k] = v
		}
	}
	return &out
}

// HasTool reports whether the capability flag is enabled.
func (c *Conversation) HasTool(t Tool) bool {
	return c != nil && c.Tools[t]
}

// ToolList returns the enabled flags in a stable order.
func (c *Conversation) ToolList() []Tool {
	var out []Tool
	for t, on := range c.Tools {
		if on {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MessageIndex returns the position of the message or -1.
func (c *Conversation) MessageIndex(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// HasPlaceholderTitle reports whether the title was never set from content.
func (c *Conversation) HasPlaceholderTitle() bool {
	return c.Title == "" || c.Title == PlaceholderTitle
}
