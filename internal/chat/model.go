package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"edubot/internal/models"
	"edubot/internal/session"
)

// ModelRequest is everything the model needs for one reply.
type ModelRequest struct {
	UserInput      string           `json:"userInput"`
	ConversationID string           `json:"conversationId"`
	Role           string           `json:"role"`
	SchoolName     string           `json:"schoolName"`
	Grade          string           `json:"grade"`
	Subject        string           `json:"subject"`
	Topic          string           `json:"topic"`
	PreviousChat   []models.Message `json:"previousChat"`
	Tools          []models.Tool    `json:"-"`
}

// ModelReply is the assistant message produced by the model.
type ModelReply struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ContentMD string            `json:"contentMd"`
	Citations []models.Citation `json:"citations"`
	SessionID string            `json:"sessionId"`
}

// ModelInvoker performs the chat-completion round trip. Implementations must
// return promptly once ctx is cancelled.
type ModelInvoker interface {
	Invoke(ctx context.Context, req ModelRequest) (ModelReply, error)
}

// Sender is the session client surface used by BackendModel.
type Sender interface {
	Send(ctx context.Context, req *session.Request) (*session.Response, error)
}

// BackendModel asks the backend's /chat endpoint.
type BackendModel struct {
	client Sender
}

func NewBackendModel(client Sender) *BackendModel {
	return &BackendModel{client: client}
}

func (b *BackendModel) Invoke(ctx context.Context, req ModelRequest) (ModelReply, error) {
	if req.PreviousChat == nil {
		req.PreviousChat = []models.Message{}
	}
	resp, err := b.client.Send(ctx, &session.Request{Method: http.MethodPost, Path: "/chat", Body: req})
	if err != nil {
		return ModelReply{}, fmt.Errorf("chat request: %w", err)
	}
	var reply ModelReply
	if err := resp.Decode(&reply); err != nil {
		return ModelReply{}, err
	}
	if reply.Content == "" && reply.ContentMD == "" {
		return ModelReply{}, errors.New("model returned an empty answer")
	}
	return reply, nil
}
