package conversation

import (
	"fmt"

	"edubot/internal/models"
)

// Patch changes top-level conversation fields. Nil fields are left alone.
type Patch struct {
	Title         *string
	Pinned        *bool
	MemoryEnabled *bool
	FolderID      *string
	SchoolName    *string
	Subject       *string
	SessionID     *string
	Tools         map[models.Tool]bool
}

func (p Patch) apply(c *models.Conversation) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Pinned != nil {
		c.Pinned = *p.Pinned
	}
	if p.MemoryEnabled != nil {
		c.MemoryEnabled = *p.MemoryEnabled
	}
	if p.FolderID != nil {
		c.FolderID = *p.FolderID
	}
	if p.SchoolName != nil {
		c.SchoolName = *p.SchoolName
	}
	if p.Subject != nil {
		c.Subject = *p.Subject
	}
	if p.SessionID != nil {
		c.RemoteSessionID = *p.SessionID
	}
	if p.Tools != nil {
		if c.Tools == nil {
			c.Tools = make(map[models.Tool]bool, len(p.Tools))
		}
		for t, on := range p.Tools {
			c.Tools[t] = on
		}
	}
}

// AppendMessage adds msg to the end of the transcript.
func (s *Store) AppendMessage(id string, msg models.Message) error {
	return s.mutate(id, func(c *models.Conversation) error {
		if msg.ID != "" && c.MessageIndex(msg.ID) >= 0 {
			return fmt.Errorf("message %s already in conversation %s", msg.ID, id)
		}
		c.Messages = append(c.Messages, msg.Clone())
		return nil
	})
}

// PatchConversation applies p to the record.
func (s *Store) PatchConversation(id string, p Patch) error {
	return s.mutate(id, func(c *models.Conversation) error {
		p.apply(c)
		return nil
	})
}

// PatchMessage runs fn against one message of the record.
func (s *Store) PatchMessage(id, messageID string, fn func(*models.Message) error) error {
	return s.mutate(id, func(c *models.Conversation) error {
		i := c.MessageIndex(messageID)
		if i < 0 {
			return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return fn(&c.Messages[i])
	})
}

// mutate applies fn to a scratch copy and commits it only on success.
func (s *Store) mutate(id string, fn func(*models.Conversation) error) error {
	s.mu.Lock()
	current, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	next.UpdatedAt = s.now().UTC()
	s.records[id] = next
	s.revs[id]++
	s.mu.Unlock()

	s.publish(Event{Kind: EventChanged, ConversationID: id})
	return nil
}
