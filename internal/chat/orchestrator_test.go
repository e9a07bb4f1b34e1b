package chat

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edubot/internal/models"
)

func TestFirstSendWaitsForSchool(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	out, err := h.orch.Send(ctx, "How do plants make food?")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsSchool, out)
	assert.Equal(t, 1, h.ui.pickers)
	assert.IsType(t, AwaitingSchool{}, h.orch.State())
	assert.Zero(t, h.fake.Calls(http.MethodPost, "/conversations"))
	assert.Zero(t, h.used(t))
	assert.Empty(t, h.model.Calls())

	out, err = h.orch.ChooseSchool(ctx, "Lincoln High")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, Idle{}, h.orch.State())
	assert.Equal(t, 1, h.fake.Calls(http.MethodPost, "/conversations"))
	assert.Equal(t, 1, h.used(t))

	conv, ok := h.store.SelectedConversation()
	require.True(t, ok)
	assert.Equal(t, "Lincoln High", conv.SchoolName)
	assert.Equal(t, "How do plants make food?", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "answer to How do plants make food?", conv.Messages[1].Content)
	assert.NotEmpty(t, conv.RemoteSessionID, "server session id is kept")

	calls := h.model.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Lincoln High", calls[0].SchoolName)
	assert.Equal(t, "student", calls[0].Role)
	assert.Empty(t, calls[0].PreviousChat)

	h.flush(t)
	assert.Len(t, h.fake.Messages(conv.ID), 2)
}

func TestCreateFailureAbortsSend(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	h.fake.FailNext(http.MethodPost, "/conversations", http.StatusInternalServerError, 1)

	_, err := h.orch.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Zero(t, h.used(t), "quota is not charged for a failed send")
	assert.Empty(t, h.store.List())
	assert.Empty(t, h.store.Selected())
	assert.Len(t, h.ui.toasts, 1)
	assert.Equal(t, Idle{}, h.orch.State())
	assert.Empty(t, h.model.Calls())
}

func TestQuotaExhaustedBlocksSend(t *testing.T) {
	h := newHarness(t, 2)
	h.rememberSchool(t, "Lincoln High")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := h.orch.Send(ctx, "question")
		require.NoError(t, err)
		require.Equal(t, OutcomeSent, out)
	}
	before := len(h.transcript(t))

	out, err := h.orch.Send(ctx, "one more")
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuotaBlocked, out)
	assert.Equal(t, 1, h.ui.upgrades)
	assert.Len(t, h.transcript(t), before)
	assert.Equal(t, 2, h.used(t))
}

func TestSendAppendsToSelectedConversation(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	ctx := context.Background()

	_, err := h.orch.Send(ctx, "first")
	require.NoError(t, err)
	_, err = h.orch.Send(ctx, "second")
	require.NoError(t, err)

	msgs := h.transcript(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "second", msgs[2].Content)
	assert.Equal(t, 1, h.fake.Calls(http.MethodPost, "/conversations"))
	assert.Equal(t, 2, h.used(t))

	calls := h.model.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].PreviousChat, 2)

	h.flush(t)
	conv, _ := h.store.SelectedConversation()
	assert.Len(t, h.fake.Messages(conv.ID), 4)
}

func TestGuidedIntakeExitsOnThirdAnswer(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	ctx := context.Background()

	require.NoError(t, h.orch.StartGuidedIntake(ctx))
	assert.Equal(t, Intake{Step: 1}, h.orch.State())

	out, err := h.orch.Send(ctx, "Math, grade 7")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIntake, out)
	assert.Equal(t, 2, h.orch.State().(Intake).Step)

	out, err = h.orch.Send(ctx, "fractions")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIntake, out)
	assert.Equal(t, 3, h.orch.State().(Intake).Step)
	assert.Empty(t, h.model.Calls(), "intake answers are handled locally")

	out, err = h.orch.Send(ctx, "How do I add 1/2 and 1/3?")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, Idle{}, h.orch.State())

	calls := h.model.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Math", calls[0].Subject)
	assert.Equal(t, "7", calls[0].Grade)
	assert.Equal(t, "fractions", calls[0].Topic)

	out, err = h.orch.Send(ctx, "And 1/4?")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Len(t, h.model.Calls(), 2)
	assert.Equal(t, 4, h.used(t))

	conv, _ := h.store.SelectedConversation()
	assert.Equal(t, "Math", conv.Subject)
	// answer1, canned, answer2, canned, question, reply, question, reply
	assert.Len(t, conv.Messages, 8)
}

func TestModelFailureShowsInTranscript(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	h.model.fn = func(context.Context, ModelRequest) (ModelReply, error) {
		return ModelReply{}, errModelDown
	}

	out, err := h.orch.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsError)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, errModelDown.Error())
	assert.Equal(t, Idle{}, h.orch.State())

	// error messages are not sent back as context
	h.model.fn = nil
	_, err = h.orch.Send(context.Background(), "again")
	require.NoError(t, err)
	calls := h.model.Calls()
	assert.Len(t, calls[1].PreviousChat, 1)
}

func TestStopDiscardsReply(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	started := make(chan struct{})
	h.model.fn = func(ctx context.Context, _ ModelRequest) (ModelReply, error) {
		close(started)
		<-ctx.Done()
		return ModelReply{}, ctx.Err()
	}

	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.orch.Send(context.Background(), "long question")
		done <- out
	}()
	<-started
	assert.IsType(t, AwaitingModel{}, h.orch.State())
	_, err := h.orch.Send(context.Background(), "impatient")
	assert.ErrorIs(t, err, ErrBusy)
	require.True(t, h.orch.Stop())

	select {
	case out := <-done:
		assert.Equal(t, OutcomeStopped, out)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after stop")
	}
	msgs := h.transcript(t)
	require.Len(t, msgs, 1, "nothing is appended for a stopped reply")
	assert.Equal(t, Idle{}, h.orch.State())
	assert.False(t, h.orch.Stop())
}

func TestRegenerateAddsVariants(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	ctx := context.Background()
	_, err := h.orch.Send(ctx, "explain gravity")
	require.NoError(t, err)
	reply := h.transcript(t)[1]

	h.model.fn = func(context.Context, ModelRequest) (ModelReply, error) {
		return ModelReply{Content: "a better answer"}, nil
	}
	require.NoError(t, h.orch.Regenerate(ctx, reply.ID))

	msg := h.transcript(t)[1]
	require.Len(t, msg.Variants, 2)
	assert.Equal(t, "a better answer", msg.Content)
	assert.Equal(t, msg.Variants[1].ID, msg.SelectedVariantID)

	require.NoError(t, h.orch.SelectVariant(reply.ID, msg.Variants[0].ID))
	assert.Equal(t, reply.Content, h.transcript(t)[1].Content)
	assert.Error(t, h.orch.SelectVariant(reply.ID, "missing"))

	assert.ErrorIs(t, h.orch.Regenerate(ctx, h.transcript(t)[0].ID), ErrNotAssistant)
	calls := h.model.Calls()
	assert.Equal(t, "explain gravity", calls[len(calls)-1].UserInput)
}

func TestFeedbackAndPin(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	ctx := context.Background()
	_, err := h.orch.Send(ctx, "hi")
	require.NoError(t, err)
	msgs := h.transcript(t)

	require.NoError(t, h.orch.SetFeedback(msgs[1].ID, models.RatingUp, ""))
	assert.Equal(t, models.RatingUp, h.transcript(t)[1].Feedback.Rating)
	require.NoError(t, h.orch.SetFeedback(msgs[1].ID, models.RatingUp, ""))
	assert.Nil(t, h.transcript(t)[1].Feedback, "same rating toggles off")
	assert.ErrorIs(t, h.orch.SetFeedback(msgs[0].ID, models.RatingDown, ""), ErrNotAssistant)

	convID := h.store.Selected()
	pinned, err := h.orch.TogglePin(convID)
	require.NoError(t, err)
	assert.True(t, pinned)

	h.flush(t)
	stored, ok := h.fake.Conversation("guest:anon_chat", convID)
	require.True(t, ok)
	assert.True(t, stored.Pinned)
}

func TestNewChatCreatesAnotherConversation(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	ctx := context.Background()

	_, err := h.orch.Send(ctx, "first chat")
	require.NoError(t, err)
	first := h.store.Selected()

	h.orch.NewChat()
	assert.Empty(t, h.store.Selected())
	_, err = h.orch.Send(ctx, "second chat")
	require.NoError(t, err)
	assert.NotEqual(t, first, h.store.Selected())
	assert.Len(t, h.store.List(), 2)
}

type orderedModel struct {
	inner       ModelInvoker
	createsSeen []int
	fakeBackend interface {
		Calls(method, route string) int
	}
}

func (m *orderedModel) Invoke(ctx context.Context, req ModelRequest) (ModelReply, error) {
	m.createsSeen = append(m.createsSeen, m.fakeBackend.Calls(http.MethodPost, "/conversations"))
	return m.inner.Invoke(ctx, req)
}

func TestGatedFirstSendAgainstBackend(t *testing.T) {
	h := newHarness(t, 10)
	model := &orderedModel{inner: NewBackendModel(h.client), fakeBackend: h.fake}
	orch := New(h.store, model, h.meter, Options{UI: h.ui, Prefs: h.prefs})
	ctx := context.Background()

	out, err := orch.Send(ctx, "What is a noun?")
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsSchool, out)
	assert.Zero(t, h.fake.Calls(http.MethodPost, "/chat"))

	out, err = orch.ChooseSchool(ctx, "Hillside Primary")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, 1, h.fake.Calls(http.MethodPost, "/conversations"))
	assert.Equal(t, 1, h.fake.Calls(http.MethodPost, "/chat"))
	assert.Equal(t, []int{1}, model.createsSeen, "conversation is created before the model call")

	reqs := h.fake.ChatRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "What is a noun?", reqs[0].UserInput)
	assert.Equal(t, "Hillside Primary", reqs[0].SchoolName)
	assert.Equal(t, h.store.Selected(), reqs[0].ConversationID)

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "You said: What is a noun?")
}

func TestRegenerateKeepsIntakeStep(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	ctx := context.Background()
	_, err := h.orch.Send(ctx, "explain gravity")
	require.NoError(t, err)
	reply := h.transcript(t)[1]

	require.NoError(t, h.orch.StartGuidedIntake(ctx))
	require.NoError(t, h.orch.Regenerate(ctx, reply.ID))
	assert.Equal(t, Intake{Step: 1}, h.orch.State())
	require.Len(t, h.model.Calls(), 2)

	out, err := h.orch.Send(ctx, "Math, grade 7")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIntake, out)
	assert.Equal(t, 2, h.orch.State().(Intake).Step)
	assert.Len(t, h.model.Calls(), 2, "intake answer stays local")
}

func TestStoppedRegenerateKeepsIntakeStep(t *testing.T) {
	h := newHarness(t, 10)
	h.rememberSchool(t, "Lincoln High")
	ctx := context.Background()
	_, err := h.orch.Send(ctx, "explain gravity")
	require.NoError(t, err)
	reply := h.transcript(t)[1]
	require.NoError(t, h.orch.StartGuidedIntake(ctx))

	started := make(chan struct{})
	h.model.fn = func(ctx context.Context, _ ModelRequest) (ModelReply, error) {
		close(started)
		<-ctx.Done()
		return ModelReply{}, ctx.Err()
	}
	done := make(chan error, 1)
	go func() { done <- h.orch.Regenerate(ctx, reply.ID) }()
	<-started
	assert.IsType(t, AwaitingModel{}, h.orch.State())
	require.True(t, h.orch.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("regenerate did not return after stop")
	}
	assert.Equal(t, Intake{Step: 1}, h.orch.State())
	assert.Empty(t, h.transcript(t)[1].Variants)
}

func TestChooseSchoolKeepsTextWhenCreateFails(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	out, err := h.orch.Send(ctx, "What is osmosis?")
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsSchool, out)

	h.fake.FailNext(http.MethodPost, "/conversations", http.StatusInternalServerError, 1)
	_, err = h.orch.ChooseSchool(ctx, "Lincoln High")
	require.Error(t, err)
	assert.Equal(t, AwaitingSchool{PendingText: "What is osmosis?", Resume: Idle{}}, h.orch.State())
	assert.Zero(t, h.used(t))

	out, err = h.orch.ChooseSchool(ctx, "Lincoln High")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, Idle{}, h.orch.State())
	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "What is osmosis?", msgs[0].Content)
}
