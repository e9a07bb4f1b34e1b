// Package ai produces assistant replies by calling a model provider directly
// through eino, instead of going through the backend chat endpoint.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"google.golang.org/genai"

	"edubot/internal/chat"
	"edubot/internal/config"
	"edubot/internal/models"
)

// Options configures the direct model.
type Options struct {
	// Tools are offered to the model when a conversation enables web_search.
	Tools  []tool.BaseTool
	Logger *slog.Logger
	// OnDelta receives the accumulated answer while it streams.
	OnDelta func(conversationID, content string)
}

// Model implements chat.ModelInvoker on top of an eino chat model.
type Model struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	onDelta   func(string, string)
	logger    *slog.Logger
}

var _ chat.ModelInvoker = (*Model)(nil)

// NewProviderModel builds the chat model for the configured provider.
func NewProviderModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	provider := cfg.Model.Provider
	provCfg := cfg.Providers[provider]
	modelType := cfg.Model.Model
	if modelType == "" {
		modelType = provCfg.Model
	}
	token := cfg.Model.APIKey
	if token == "" {
		token = provCfg.APIKey
	}
	if token == "" {
		return nil, fmt.Errorf("provider %s: api key not configured", provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  token,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{APIKey: token})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     modelType,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("start %s model: %w", provider, err)
	}
	return chatModel, nil
}

// New wraps chatModel. A react agent is built when tools are given.
func New(ctx context.Context, chatModel model.ToolCallingChatModel, opts Options) (*Model, error) {
	if chatModel == nil {
		return nil, errors.New("chat model required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Model{
		chatModel: chatModel,
		onDelta:   opts.OnDelta,
		logger:    logger.With("component", "ai"),
	}
	if len(opts.Tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig:      compose.ToolsNodeConfig{Tools: opts.Tools},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		m.agent = agent
	}
	return m, nil
}

// Invoke streams one answer for req.
func (m *Model) Invoke(ctx context.Context, req chat.ModelRequest) (chat.ModelReply, error) {
	messages := buildMessages(req)
	ctx = WithConversation(ctx, req.ConversationID)

	var (
		stream *schema.StreamReader[*schema.Message]
		err    error
	)
	if m.agent != nil && hasTool(req.Tools, models.ToolWebSearch) {
		stream, err = m.agent.Stream(ctx, messages)
	} else {
		stream, err = m.chatModel.Stream(ctx, messages)
	}
	if err != nil {
		return chat.ModelReply{}, fmt.Errorf("generate stream: %w", err)
	}
	defer stream.Close()

	var content strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return chat.ModelReply{}, fmt.Errorf("read stream: %w", err)
		}
		if chunk == nil {
			continue
		}
		content.WriteString(chunk.Content)
		if m.onDelta != nil {
			m.onDelta(req.ConversationID, content.String())
		}
	}
	answer := strings.TrimSpace(content.String())
	if answer == "" {
		return chat.ModelReply{}, errors.New("model returned an empty answer")
	}
	m.logger.Debug("model answered", "conversation", req.ConversationID, "chars", len(answer))
	return chat.ModelReply{
		ID:      uuid.NewString(),
		Role:    string(models.RoleAssistant),
		Content: answer,
	}, nil
}

func buildMessages(req chat.ModelRequest) []*schema.Message {
	out := make([]*schema.Message, 0, len(req.PreviousChat)+2)
	out = append(out, schema.SystemMessage(systemPrompt(req)))
	for _, msg := range req.PreviousChat {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	out = append(out, schema.UserMessage(req.UserInput))
	return out
}

func systemPrompt(req chat.ModelRequest) string {
	role := req.Role
	if role == "" {
		role = "student"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are a patient tutor helping a %s.", role)
	if req.SchoolName != "" {
		fmt.Fprintf(&b, " They attend %s.", req.SchoolName)
	}
	if req.Grade != "" {
		fmt.Fprintf(&b, " They are in grade %s.", req.Grade)
	}
	if req.Subject != "" {
		fmt.Fprintf(&b, " The subject is %s.", req.Subject)
	}
	if req.Topic != "" {
		fmt.Fprintf(&b, " Focus on %s.", req.Topic)
	}
	b.WriteString(" Explain step by step and check understanding instead of only giving final answers.")
	return b.String()
}

func hasTool(tools []models.Tool, want models.Tool) bool {
	for _, t := range tools {
		if t == want {
			return true
		}
	}
	return false
}
