// Package chat turns user input into conversation updates: quota gate,
// conversation creation, guided intake, the model round trip and the
// follow-up actions on assistant replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"edubot/internal/conversation"
	"edubot/internal/kv"
	"edubot/internal/models"
)

// SchoolKey is where the remembered school name is stored.
const SchoolKey = "school_name"

const (
	titleRunes      = 48
	previousChatMax = 20
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a reply is still in progress")
	ErrNoSchool     = errors.New("school name is empty")
)

// Outcome describes how a Send ended when it did not fail.
type Outcome int

const (
	OutcomeSent Outcome = iota + 1
	OutcomeQuotaBlocked
	OutcomeNeedsSchool
	OutcomeIntake
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeQuotaBlocked:
		return "quota blocked"
	case OutcomeNeedsSchool:
		return "needs school"
	case OutcomeIntake:
		return "intake"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Meter is the quota surface the orchestrator needs.
type Meter interface {
	Allow(ctx context.Context) bool
	RecordUse(ctx context.Context) error
	State(ctx context.Context) (models.QuotaState, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Role is sent to the model, e.g. "student" or "teacher".
	Role   string
	UI     UI
	Prefs  kv.Store
	Logger *slog.Logger
	// DefaultTools are enabled on conversations created here.
	DefaultTools []models.Tool
}

// Orchestrator is one chat screen's controller.
type Orchestrator struct {
	store  *conversation.Store
	model  ModelInvoker
	meter  Meter
	ui     UI
	prefs  kv.Store
	role   string
	tools  []models.Tool
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	callSeq    uint64
	stoppedSeq uint64
	intake     map[string]IntakeAnswers
}

func New(store *conversation.Store, model ModelInvoker, meter Meter, opts Options) *Orchestrator {
	ui := opts.UI
	if ui == nil {
		ui = NopUI{}
	}
	prefs := opts.Prefs
	if prefs == nil {
		prefs = kv.NewMemory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	role := opts.Role
	if role == "" {
		role = "student"
	}
	return &Orchestrator{
		store:  store,
		model:  model,
		meter:  meter,
		ui:     ui,
		prefs:  prefs,
		role:   role,
		tools:  opts.DefaultTools,
		logger: logger.With("component", "chat"),
		now:    time.Now,
		newID:  uuid.NewString,
		state:  Idle{},
		intake: make(map[string]IntakeAnswers),
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) fire(e event) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fireLocked(e)
}

func (o *Orchestrator) fireLocked(e event) State {
	prev := o.state
	o.state = transition(o.state, e)
	if prev != o.state {
		o.logger.Debug("state change", "from", prev.String(), "to", o.state.String())
	}
	return o.state
}

// Send handles one submitted message.
func (o *Orchestrator) Send(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyMessage
	}

	o.mu.Lock()
	if busy(o.state) {
		o.mu.Unlock()
		return 0, ErrBusy
	}
	o.mu.Unlock()

	if !o.meter.Allow(ctx) {
		st, err := o.meter.State(ctx)
		if err != nil {
			o.logger.Warn("quota state", "error", err)
		}
		o.ui.ShowUpgradePrompt(st)
		return OutcomeQuotaBlocked, nil
	}

	o.mu.Lock()
	if busy(o.state) {
		o.mu.Unlock()
		return 0, ErrBusy
	}
	o.fireLocked(sendStarted{})
	o.mu.Unlock()

	msg := models.Message{
		ID:        o.newID(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: o.now().UTC(),
	}

	convID, outcome, err := o.persistUserMessage(ctx, msg)
	if err != nil || outcome != 0 {
		return outcome, err
	}
	o.fire(sendPersisted{})
	o.ui.ShowMessage(convID, msg)

	if err := o.meter.RecordUse(ctx); err != nil {
		o.logger.Warn("record quota use", "error", err)
	}

	o.mu.Lock()
	in, inIntake := o.state.(Intake)
	o.mu.Unlock()
	if inIntake {
		if in.Step < 3 {
			o.answerIntake(convID, in, text)
			return OutcomeIntake, nil
		}
		o.finishIntake(convID, in)
	}

	return o.respond(ctx, convID, msg)
}

// persistUserMessage stores msg in the selected conversation or creates one.
// A non-zero outcome or an error ends the send.
func (o *Orchestrator) persistUserMessage(ctx context.Context, msg models.Message) (string, Outcome, error) {
	if conv, ok := o.store.SelectedConversation(); ok {
		if err := o.store.AppendMessage(conv.ID, msg); err != nil {
			o.fire(sendAborted{})
			return "", 0, err
		}
		if conv.HasPlaceholderTitle() {
			title := titleFrom(msg.Content)
			if err := o.store.PatchConversation(conv.ID, conversation.Patch{Title: &title}); err != nil {
				o.logger.Warn("rename conversation", "error", err)
			}
		}
		o.store.SyncLater(conv.ID)
		return conv.ID, 0, nil
	}

	school, err := o.rememberedSchool(ctx)
	if err != nil {
		o.logger.Warn("read remembered school", "error", err)
	}
	if school == "" {
		o.fire(needSchool{text: msg.Content})
		o.ui.OpenSchoolPicker()
		return "", OutcomeNeedsSchool, nil
	}

	draft := &models.Conversation{
		Title:      titleFrom(msg.Content),
		SchoolName: school,
		CreatedAt:  msg.Timestamp,
		UpdatedAt:  msg.Timestamp,
		Messages:   []models.Message{msg},
	}
	if len(o.tools) > 0 {
		draft.Tools = make(map[models.Tool]bool, len(o.tools))
		for _, t := range o.tools {
			draft.Tools[t] = true
		}
	}
	o.mu.Lock()
	if in, ok := resumable(o.state).(Intake); ok && in.Collected.Subject != "" {
		draft.Subject = in.Collected.Subject
	}
	o.mu.Unlock()

	created, err := o.store.Create(ctx, draft)
	if err != nil {
		o.fire(sendAborted{})
		o.ui.Toast("Could not start the conversation: " + err.Error())
		return "", 0, fmt.Errorf("create conversation: %w", err)
	}
	o.store.Select(created.ID)
	return created.ID, 0, nil
}

// ChooseSchool remembers the school and replays the text that was waiting.
func (o *Orchestrator) ChooseSchool(ctx context.Context, name string) (Outcome, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrNoSchool
	}
	if err := o.prefs.Set(ctx, SchoolKey, name, 0); err != nil {
		return 0, fmt.Errorf("remember school: %w", err)
	}

	o.mu.Lock()
	pending, ok := o.state.(AwaitingSchool)
	o.fireLocked(schoolChosen{})
	o.mu.Unlock()
	if !ok || pending.PendingText == "" {
		return OutcomeSent, nil
	}
	outcome, err := o.Send(ctx, pending.PendingText)
	if err != nil && !errors.Is(err, ErrBusy) {
		// keep the text so the user can pick again and retry
		o.mu.Lock()
		if !busy(o.state) {
			o.fireLocked(needSchool{text: pending.PendingText})
		}
		o.mu.Unlock()
	}
	return outcome, err
}

// School returns the remembered school name.
func (o *Orchestrator) School(ctx context.Context) string {
	school, _ := o.rememberedSchool(ctx)
	return school
}

func (o *Orchestrator) rememberedSchool(ctx context.Context) (string, error) {
	school, err := o.prefs.Get(ctx, SchoolKey)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	return school, err
}

// StartGuidedIntake begins the three-step setup with a canned prompt.
func (o *Orchestrator) StartGuidedIntake(ctx context.Context) error {
	o.mu.Lock()
	if busy(o.state) {
		o.mu.Unlock()
		return ErrBusy
	}
	o.fireLocked(intakeStarted{})
	o.mu.Unlock()

	prompt := o.assistantMessage(intakePrompt)
	if id := o.store.Selected(); id != "" {
		if err := o.store.AppendMessage(id, prompt); err == nil {
			o.store.SyncLater(id)
		}
		o.ui.ShowMessage(id, prompt)
		return nil
	}
	// no conversation yet; the prompt is shown but only persisted answers count
	o.ui.ShowMessage("", prompt)
	return nil
}

func (o *Orchestrator) answerIntake(convID string, in Intake, text string) {
	reply, collected := intakeReply(in.Step, text, in.Collected)
	o.fire(intakeAnswered{collected: collected})
	if in.Step == 1 && collected.Subject != "" {
		subject := collected.Subject
		if err := o.store.PatchConversation(convID, conversation.Patch{Subject: &subject}); err != nil {
			o.logger.Warn("store intake subject", "error", err)
		}
	}
	o.appendAssistant(convID, o.assistantMessage(reply))
}

func (o *Orchestrator) finishIntake(convID string, in Intake) {
	o.fire(intakeAnswered{collected: in.Collected})
	o.mu.Lock()
	o.intake[convID] = in.Collected
	o.mu.Unlock()
}

// respond runs the model round trip. Model failures become an error message
// in the transcript and are not returned.
func (o *Orchestrator) respond(ctx context.Context, convID string, userMsg models.Message) (Outcome, error) {
	conv, ok := o.store.Get(convID)
	if !ok {
		return 0, fmt.Errorf("%s: %w", convID, conversation.ErrNotFound)
	}
	req := o.modelRequest(conv, userMsg)

	reply, stopped, err := o.invoke(ctx, convID, req)
	if stopped {
		return OutcomeStopped, nil
	}
	if err != nil {
		o.logger.Warn("model call failed", "conversation", convID, "error", err)
		failed := o.assistantMessage(err.Error())
		failed.IsError = true
		o.appendAssistant(convID, failed)
		return OutcomeSent, nil
	}

	answer := o.assistantMessage(reply.Content)
	answer.ContentMD = reply.ContentMD
	answer.Citations = reply.Citations
	if reply.SessionID != "" && conv.RemoteSessionID == "" {
		sid := reply.SessionID
		if err := o.store.PatchConversation(convID, conversation.Patch{SessionID: &sid}); err != nil {
			o.logger.Warn("store session id", "error", err)
		}
	}
	o.appendAssistant(convID, answer)
	return OutcomeSent, nil
}

// invoke calls the model with a context Stop can cancel.
func (o *Orchestrator) invoke(ctx context.Context, convID string, req ModelRequest) (ModelReply, bool, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.callSeq++
	seq := o.callSeq
	o.cancel = cancel
	o.fireLocked(modelStarted{conversationID: convID})
	o.mu.Unlock()

	reply, err := o.model.Invoke(callCtx, req)

	o.mu.Lock()
	stopped := o.stoppedSeq == seq
	o.cancel = nil
	o.fireLocked(modelFinished{})
	o.mu.Unlock()
	return reply, stopped, err
}

// Stop cancels the in-flight model call. Its result is discarded.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.stoppedSeq = o.callSeq
	o.cancel()
	o.cancel = nil
	o.logger.Info("generation stopped")
	return true
}

func (o *Orchestrator) modelRequest(conv *models.Conversation, userMsg models.Message) ModelRequest {
	o.mu.Lock()
	answers := o.intake[conv.ID]
	o.mu.Unlock()

	subject := answers.Subject
	if subject == "" {
		subject = conv.Subject
	}
	return ModelRequest{
		UserInput:      userMsg.Content,
		ConversationID: conv.ID,
		Role:           o.role,
		SchoolName:     conv.SchoolName,
		Grade:          answers.Grade,
		Subject:        subject,
		Topic:          answers.Topic,
		PreviousChat:   previousChat(conv.Messages, userMsg.ID),
		Tools:          conv.ToolList(),
	}
}

// previousChat returns the transcript before stopID, errors excluded.
func previousChat(messages []models.Message, stopID string) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID == stopID {
			break
		}
		if m.IsError {
			continue
		}
		out = append(out, m.Clone())
	}
	if len(out) > previousChatMax {
		out = out[len(out)-previousChatMax:]
	}
	return out
}

func (o *Orchestrator) assistantMessage(content string) models.Message {
	return models.Message{
		ID:        o.newID(),
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: o.now().UTC(),
	}
}

// appendAssistant adds msg optimistically and queues the sync.
func (o *Orchestrator) appendAssistant(convID string, msg models.Message) {
	if err := o.store.AppendMessage(convID, msg); err != nil {
		o.logger.Warn("append assistant message", "conversation", convID, "error", err)
		return
	}
	o.store.SyncLater(convID)
	o.ui.ShowMessage(convID, msg)
}

// NewChat clears the selection so the next send creates a conversation.
func (o *Orchestrator) NewChat() {
	o.Open("")
}

// Open abandons any reply in progress and switches to conversation id.
func (o *Orchestrator) Open(id string) {
	o.Stop()
	o.fire(reset{})
	o.store.Select(id)
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:titleRunes])) + "..."
}
