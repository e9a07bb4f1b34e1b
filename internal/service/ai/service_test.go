package ai

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edubot/internal/chat"
	"edubot/internal/models"
)

type fakeChatModel struct {
	mu     sync.Mutex
	chunks []string
	err    error
	inputs [][]*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.record(in)
	if f.err != nil {
		return nil, f.err
	}
	var content string
	for _, c := range f.chunks {
		content += c
	}
	return schema.AssistantMessage(content, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.record(in)
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, len(f.chunks))
	for i, c := range f.chunks {
		msgs[i] = schema.AssistantMessage(c, nil)
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (f *fakeChatModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

func (f *fakeChatModel) record(in []*schema.Message) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
}

func TestInvokeStreamsAnswer(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Photosynthesis ", "turns light ", "into sugar."}}
	var deltas []string
	m, err := New(context.Background(), fake, Options{
		OnDelta: func(_ string, content string) { deltas = append(deltas, content) },
	})
	require.NoError(t, err)

	reply, err := m.Invoke(context.Background(), chat.ModelRequest{
		UserInput:      "How do plants eat?",
		ConversationID: "c1",
		Role:           "student",
		SchoolName:     "Lincoln High",
		Grade:          "7",
		Subject:        "Biology",
		PreviousChat: []models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Photosynthesis turns light into sugar.", reply.Content)
	assert.Equal(t, string(models.RoleAssistant), reply.Role)
	assert.NotEmpty(t, reply.ID)
	assert.Len(t, deltas, 3)

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	require.Len(t, in, 4)
	assert.Equal(t, schema.System, in[0].Role)
	assert.Contains(t, in[0].Content, "Lincoln High")
	assert.Contains(t, in[0].Content, "grade 7")
	assert.Contains(t, in[0].Content, "Biology")
	assert.Equal(t, schema.User, in[1].Role)
	assert.Equal(t, schema.Assistant, in[2].Role)
	assert.Equal(t, "How do plants eat?", in[3].Content)
}

func TestInvokeFailures(t *testing.T) {
	boom := errors.New("provider down")
	m, err := New(context.Background(), &fakeChatModel{err: boom}, Options{})
	require.NoError(t, err)
	_, err = m.Invoke(context.Background(), chat.ModelRequest{UserInput: "q"})
	assert.ErrorIs(t, err, boom)

	m, err = New(context.Background(), &fakeChatModel{chunks: []string{"  "}}, Options{})
	require.NoError(t, err)
	_, err = m.Invoke(context.Background(), chat.ModelRequest{UserInput: "q"})
	assert.Error(t, err)

	_, err = New(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestSystemPromptDefaults(t *testing.T) {
	prompt := systemPrompt(chat.ModelRequest{})
	assert.Contains(t, prompt, "helping a student")
	assert.NotContains(t, prompt, "grade")
}
