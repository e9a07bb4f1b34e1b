package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edubot/internal/backendfake"
	"edubot/internal/conversation"
	"edubot/internal/credentials"
	"edubot/internal/gateway"
	"edubot/internal/kv"
	"edubot/internal/models"
	"edubot/internal/quota"
	"edubot/internal/session"
	"edubot/internal/worker"
)

type recordingUI struct {
	mu       sync.Mutex
	toasts   []string
	shown    []models.Message
	pickers  int
	upgrades int
}

func (u *recordingUI) Toast(m string) {
	u.mu.Lock()
	u.toasts = append(u.toasts, m)
	u.mu.Unlock()
}

func (u *recordingUI) ShowMessage(_ string, m models.Message) {
	u.mu.Lock()
	u.shown = append(u.shown, m)
	u.mu.Unlock()
}

func (u *recordingUI) OpenSchoolPicker() {
	u.mu.Lock()
	u.pickers++
	u.mu.Unlock()
}

func (u *recordingUI) ShowUpgradePrompt(models.QuotaState) {
	u.mu.Lock()
	u.upgrades++
	u.mu.Unlock()
}

type stubModel struct {
	mu    sync.Mutex
	calls []ModelRequest
	fn    func(ctx context.Context, req ModelRequest) (ModelReply, error)
}

func (m *stubModel) Invoke(ctx context.Context, req ModelRequest) (ModelReply, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return ModelReply{Content: "answer to " + req.UserInput, SessionID: "sess-model"}, nil
}

func (m *stubModel) Calls() []ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelRequest(nil), m.calls...)
}

type userIdentity struct{}

func (userIdentity) Key(context.Context) (string, error) { return "user", nil }
func (userIdentity) Guest(context.Context) bool          { return false }

type harness struct {
	fake   *backendfake.Server
	client *session.Client
	store  *conversation.Store
	meter  *quota.Meter
	model  *stubModel
	ui     *recordingUI
	prefs  kv.Store
	orch   *Orchestrator
}

func newHarness(t *testing.T, freeLimit int) *harness {
	t.Helper()
	h := &harness{
		fake:  backendfake.New(backendfake.Options{}),
		model: &stubModel{},
		ui:    &recordingUI{},
		prefs: kv.NewMemory(),
	}
	srv := httptest.NewServer(h.fake.Handler())
	t.Cleanup(srv.Close)

	client, err := session.NewClient(session.Options{
		BaseURL: srv.URL,
		Header:  http.Header{"X-Guest-Id": []string{"anon_chat"}},
	}, credentials.NewStore(kv.NewMemory(), time.Hour, time.Hour), session.NewPathTracker("/chat"))
	require.NoError(t, err)

	h.client = client

	d := worker.NewDispatcher(worker.Config{MaxWorkers: 2})
	t.Cleanup(d.Close)
	h.store = conversation.New(gateway.New(client, nil), conversation.Options{Sync: d})
	h.meter = quota.NewMeter(kv.NewMemory(), nil, userIdentity{}, quota.Options{FreeLimit: freeLimit})
	h.orch = New(h.store, h.model, h.meter, Options{UI: h.ui, Prefs: h.prefs})
	return h
}

func (h *harness) rememberSchool(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, h.prefs.Set(context.Background(), SchoolKey, name, 0))
}

func (h *harness) used(t *testing.T) int {
	t.Helper()
	st, err := h.meter.State(context.Background())
	require.NoError(t, err)
	return st.Used
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.store.Flush(ctx))
}

func (h *harness) transcript(t *testing.T) []models.Message {
	t.Helper()
	conv, ok := h.store.SelectedConversation()
	require.True(t, ok, "no conversation selected")
	return conv.Messages
}

var errModelDown = errors.New("model backend unavailable")
