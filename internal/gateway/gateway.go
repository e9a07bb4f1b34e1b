package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"edubot/internal/models"
	"edubot/internal/session"
)

const conversationsPath = "/conversations"

// Sender is the session client surface used by the gateway.
type Sender interface {
	Send(ctx context.Context, req *session.Request) (*session.Response, error)
}

// Gateway maps conversations to the backend wire shape and issues CRUD calls.
type Gateway struct {
	client Sender
	logger *slog.Logger
}

func New(client Sender, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, logger: logger.With("component", "gateway")}
}

// wireConversation is the backend's JSON shape.
type wireConversation struct {
	ID         string           `json:"id,omitempty"`
	Title      string           `json:"title"`
	Pinned     bool             `json:"pinned"`
	Messages   []models.Message `json:"messages"`
	Tools      []string         `json:"tools"`
	Memory     bool             `json:"memory"`
	FolderID   *string          `json:"folder_id"`
	SchoolName *string          `json:"school_name"`
	Subject    *string          `json:"subject"`
	SessionID  string           `json:"session_id,omitempty"`
	CreatedAt  *time.Time       `json:"created_at,omitempty"`
	UpdatedAt  *time.Time       `json:"updated_at,omitempty"`
}

func toWire(c *models.Conversation) wireConversation {
	w := wireConversation{
		ID:         c.ID,
		Title:      c.Title,
		Pinned:     c.Pinned,
		Messages:   c.Messages,
		Tools:      []string{},
		Memory:     c.MemoryEnabled,
		FolderID:   optional(c.FolderID),
		SchoolName: optional(c.SchoolName),
		Subject:    optional(c.Subject),
		SessionID:  c.RemoteSessionID,
	}
	if w.Messages == nil {
		w.Messages = []models.Message{}
	}
	for _, t := range c.ToolList() {
		w.Tools = append(w.Tools, string(t))
	}
	return w
}

func fromWire(w wireConversation) *models.Conversation {
	c := &models.Conversation{
		ID:              w.ID,
		Title:           w.Title,
		Pinned:          w.Pinned,
		Messages:        w.Messages,
		MemoryEnabled:   w.Memory,
		FolderID:        deref(w.FolderID),
		SchoolName:      deref(w.SchoolName),
		Subject:         deref(w.Subject),
		RemoteSessionID: w.SessionID,
	}
	if w.CreatedAt != nil {
		c.CreatedAt = *w.CreatedAt
	}
	if w.UpdatedAt != nil {
		c.UpdatedAt = *w.UpdatedAt
	} else {
		c.UpdatedAt = c.CreatedAt
	}
	if len(w.Tools) > 0 {
		c.Tools = make(map[models.Tool]bool, len(w.Tools))
		for _, t := range w.Tools {
			c.Tools[models.Tool(t)] = true
		}
	}
	return c
}

// List fetches every conversation of the signed-in user.
func (g *Gateway) List(ctx context.Context) ([]*models.Conversation, error) {
	resp, err := g.client.Send(ctx, &session.Request{Method: http.MethodGet, Path: conversationsPath})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	wires, err := decodeList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]*models.Conversation, 0, len(wires))
	for _, w := range wires {
		out = append(out, fromWire(w))
	}
	return out, nil
}

// Get fetches one conversation.
func (g *Gateway) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id required")
	}
	var w wireConversation
	if err := g.do(ctx, http.MethodGet, itemPath(id), nil, &w); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return fromWire(w), nil
}

// Create persists a new conversation and returns the server's canonical copy.
func (g *Gateway) Create(ctx context.Context, c *models.Conversation) (*models.Conversation, error) {
	if c == nil {
		return nil, errors.New("conversation required")
	}
	body := toWire(c)
	body.ID = ""
	var w wireConversation
	if err := g.do(ctx, http.MethodPost, conversationsPath, body, &w); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	created := fromWire(w)
	g.logger.Debug("conversation created", "id", created.ID, "messages", len(created.Messages))
	return created, nil
}

// Update replaces the remote record with c, message sequence included.
func (g *Gateway) Update(ctx context.Context, c *models.Conversation) (*models.Conversation, error) {
	if c == nil || c.ID == "" {
		return nil, errors.New("conversation id required")
	}
	var w wireConversation
	if err := g.do(ctx, http.MethodPut, itemPath(c.ID), toWire(c), &w); err != nil {
		return nil, fmt.Errorf("update conversation %s: %w", c.ID, err)
	}
	if w.ID == "" {
		// some deployments answer 204; the local copy is then canonical
		return c.Clone(), nil
	}
	return fromWire(w), nil
}

// Delete removes the remote record.
func (g *Gateway) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("conversation id required")
	}
	if err := g.do(ctx, http.MethodDelete, itemPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

func (g *Gateway) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := g.client.Send(ctx, &session.Request{Method: method, Path: path, Body: in})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func itemPath(id string) string {
	return conversationsPath + "/" + url.PathEscape(id)
}

// decodeList accepts a bare array or an object wrapping it.
func decodeList(body []byte) ([]wireConversation, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var list []wireConversation
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Conversations []wireConversation `json:"conversations"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return wrapped.Conversations, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
