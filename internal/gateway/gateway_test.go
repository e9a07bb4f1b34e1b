package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edubot/internal/backendfake"
	"edubot/internal/credentials"
	"edubot/internal/kv"
	"edubot/internal/models"
	"edubot/internal/session"
)

func newGateway(t *testing.T) (*Gateway, *backendfake.Server) {
	t.Helper()
	fake := backendfake.New(backendfake.Options{})
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	client, err := session.NewClient(session.Options{
		BaseURL: srv.URL,
		Header:  http.Header{"X-Guest-Id": []string{"anon_test"}},
	}, credentials.NewStore(kv.NewMemory(), time.Hour, time.Hour), session.NewPathTracker("/chat"))
	require.NoError(t, err)
	return New(client, nil), fake
}

func TestCreateReturnsCanonicalRecord(t *testing.T) {
	gw, _ := newGateway(t)
	ctx := context.Background()

	local := &models.Conversation{
		ID:         "local-id",
		Title:      "Photosynthesis",
		SchoolName: "Lincoln High",
		Tools:      map[models.Tool]bool{models.ToolWebSearch: true, models.ToolCitations: false},
		Messages: []models.Message{
			{ID: "m1", Role: models.RoleUser, Content: "What is chlorophyll?", Timestamp: time.Now().UTC()},
		},
	}
	created, err := gw.Create(ctx, local)
	require.NoError(t, err)
	assert.NotEqual(t, "local-id", created.ID)
	assert.NotEmpty(t, created.RemoteSessionID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, "Lincoln High", created.SchoolName)
	assert.Equal(t, []models.Tool{models.ToolWebSearch}, created.ToolList())
	require.Len(t, created.Messages, 1)
	assert.Equal(t, "m1", created.Messages[0].ID)

	list, err := gw.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestUpdateAndDelete(t *testing.T) {
	gw, fake := newGateway(t)
	ctx := context.Background()

	created, err := gw.Create(ctx, &models.Conversation{Title: models.PlaceholderTitle})
	require.NoError(t, err)

	created.Title = "Algebra"
	created.Pinned = true
	created.Messages = append(created.Messages, models.Message{ID: "m1", Role: models.RoleUser, Content: "x+1=2"})
	updated, err := gw.Update(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "Algebra", updated.Title)
	assert.True(t, updated.Pinned)
	assert.Len(t, fake.Messages(created.ID), 1)

	got, err := gw.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Algebra", got.Title)

	require.NoError(t, gw.Delete(ctx, created.ID))
	_, err = gw.Get(ctx, created.ID)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, session.StatusCode(err))
}

func TestGatewayErrorsCarryStatus(t *testing.T) {
	gw, fake := newGateway(t)
	fake.FailNext(http.MethodPost, "/conversations", http.StatusServiceUnavailable, 1)

	_, err := gw.Create(context.Background(), &models.Conversation{})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, session.StatusCode(err))

	_, err = gw.Update(context.Background(), &models.Conversation{})
	assert.Error(t, err)
}

func TestWireMappingRoundTrip(t *testing.T) {
	folder := "f1"
	w := wireConversation{
		ID:        "c1",
		Title:     "t",
		Tools:     []string{"citations"},
		Memory:    true,
		FolderID:  &folder,
		SessionID: "sess",
	}
	c := fromWire(w)
	assert.True(t, c.MemoryEnabled)
	assert.Equal(t, "f1", c.FolderID)
	assert.True(t, c.HasTool(models.ToolCitations))
	assert.Equal(t, "sess", c.RemoteSessionID)

	back := toWire(c)
	assert.Equal(t, []string{"citations"}, back.Tools)
	require.NotNil(t, back.FolderID)
	assert.Nil(t, back.SchoolName)
	assert.NotNil(t, back.Messages)
}
