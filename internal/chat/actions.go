package chat

import (
	"context"
	"errors"
	"fmt"

	"edubot/internal/conversation"
	"edubot/internal/models"
)

var ErrNotAssistant = errors.New("only assistant replies support this action")

// Regenerate asks the model again for the reply messageID and stores the
// answer as a new selected variant.
func (o *Orchestrator) Regenerate(ctx context.Context, messageID string) error {
	convID := o.store.Selected()
	conv, ok := o.store.Get(convID)
	if !ok {
		return fmt.Errorf("no conversation selected: %w", conversation.ErrNotFound)
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return fmt.Errorf("message %s: %w", messageID, conversation.ErrNotFound)
	}
	target := conv.Messages[idx]
	if target.Role != models.RoleAssistant {
		return ErrNotAssistant
	}
	var prompt *models.Message
	for i := idx - 1; i >= 0; i-- {
		if conv.Messages[i].Role == models.RoleUser {
			prompt = &conv.Messages[i]
			break
		}
	}
	if prompt == nil {
		return errors.New("no user message to answer")
	}

	o.mu.Lock()
	if busy(o.state) {
		o.mu.Unlock()
		return ErrBusy
	}
	o.mu.Unlock()

	req := o.modelRequest(conv, *prompt)
	reply, stopped, err := o.invoke(ctx, convID, req)
	if stopped {
		return nil
	}
	if err != nil {
		o.ui.Toast("Could not regenerate the answer: " + err.Error())
		return fmt.Errorf("regenerate: %w", err)
	}

	variant := models.Variant{
		ID:        o.newID(),
		Content:   reply.Content,
		ContentMD: reply.ContentMD,
		Citations: reply.Citations,
		Timestamp: o.now().UTC(),
	}
	err = o.store.PatchMessage(convID, messageID, func(m *models.Message) error {
		if len(m.Variants) == 0 && !m.IsError {
			// the original answer becomes the first variant
			m.Variants = append(m.Variants, models.Variant{
				ID:        m.ID,
				Content:   m.Content,
				ContentMD: m.ContentMD,
				Citations: m.Citations,
				Timestamp: m.Timestamp,
			})
		}
		m.Variants = append(m.Variants, variant)
		m.IsError = false
		m.Feedback = nil
		m.SelectVariant(variant.ID)
		return nil
	})
	if err != nil {
		return err
	}
	o.store.SyncLater(convID)
	if updated, ok := o.store.Get(convID); ok {
		if i := updated.MessageIndex(messageID); i >= 0 {
			o.ui.ShowMessage(convID, updated.Messages[i])
		}
	}
	return nil
}

// SelectVariant switches which variant of an assistant reply is shown.
func (o *Orchestrator) SelectVariant(messageID, variantID string) error {
	convID := o.store.Selected()
	err := o.store.PatchMessage(convID, messageID, func(m *models.Message) error {
		if !m.SelectVariant(variantID) {
			return fmt.Errorf("variant %s: %w", variantID, conversation.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.store.SyncLater(convID)
	return nil
}

// SetFeedback records a rating on an assistant reply. Sending the same
// rating again without a comment clears it.
func (o *Orchestrator) SetFeedback(messageID string, rating models.Rating, comment string) error {
	if rating != models.RatingUp && rating != models.RatingDown {
		return fmt.Errorf("unknown rating %q", rating)
	}
	convID := o.store.Selected()
	err := o.store.PatchMessage(convID, messageID, func(m *models.Message) error {
		if m.Role != models.RoleAssistant {
			return ErrNotAssistant
		}
		if m.Feedback != nil && m.Feedback.Rating == rating && comment == "" {
			m.Feedback = nil
			return nil
		}
		m.Feedback = &models.Feedback{Rating: rating, Comment: comment}
		return nil
	})
	if err != nil {
		return err
	}
	o.store.SyncLater(convID)
	return nil
}

// TogglePin flips the pinned flag of a conversation and returns the new value.
func (o *Orchestrator) TogglePin(conversationID string) (bool, error) {
	conv, ok := o.store.Get(conversationID)
	if !ok {
		return false, fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
	}
	pinned := !conv.Pinned
	if err := o.store.PatchConversation(conversationID, conversation.Patch{Pinned: &pinned}); err != nil {
		return false, err
	}
	o.store.SyncLater(conversationID)
	return pinned, nil
}

// SetTool switches a capability flag on the selected conversation.
func (o *Orchestrator) SetTool(tool models.Tool, on bool) error {
	convID := o.store.Selected()
	if err := o.store.PatchConversation(convID, conversation.Patch{Tools: map[models.Tool]bool{tool: on}}); err != nil {
		return err
	}
	o.store.SyncLater(convID)
	return nil
}
