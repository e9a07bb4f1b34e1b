package backendfake

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func TestAuthLifecycle(t *testing.T) {
	srv := New(Options{})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/auth/register", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "pw",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var tokens tokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	require.NotEmpty(t, tokens.AccessToken)

	bearer := map[string]string{"Authorization": "Bearer " + tokens.AccessToken}
	rec = doJSON(t, h, http.MethodGet, "/conversations", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.ExpireAccessTokens()
	rec = doJSON(t, h, http.MethodGet, "/conversations", nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var renewed tokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &renewed))
	assert.NotEqual(t, tokens.RefreshToken, renewed.RefreshToken)
	assert.Equal(t, 1, srv.Refreshes())

	// refresh tokens rotate
	rec = doJSON(t, h, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/auth/login", map[string]string{"email": "ada@example.com", "password": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationCRUDAndFaults(t *testing.T) {
	srv := New(Options{Prefix: "/api"})
	h := srv.Handler()
	guest := map[string]string{"X-Guest-Id": "anon_1"}

	rec := doJSON(t, h, http.MethodPost, "/api/conversations", map[string]any{
		"title": "Fractions", "messages": []map[string]any{{"id": "m1", "role": "user", "content": "hi"}},
	}, guest)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created StoredConversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.SessionID)
	assert.Len(t, created.Messages, 1)

	srv.FailNext(http.MethodPut, "/conversations/:id", http.StatusInternalServerError, 1)
	rec = doJSON(t, h, http.MethodPut, "/api/conversations/"+created.ID, map[string]any{"title": "x"}, guest)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec = doJSON(t, h, http.MethodPut, "/api/conversations/"+created.ID, map[string]any{"title": "x"}, guest)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, srv.Calls(http.MethodPut, "/conversations/:id"))

	// other owners cannot see it
	rec = doJSON(t, h, http.MethodGet, "/api/conversations/"+created.ID, nil, map[string]string{"X-Guest-Id": "anon_2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/conversations/"+created.ID, nil, guest)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := srv.Conversation("guest:anon_1", created.ID)
	assert.False(t, ok)
}

func TestGuestUsageAndBonus(t *testing.T) {
	srv := New(Options{GuestLimit: 1, BonusMessages: 3})
	h := srv.Handler()
	guest := map[string]string{"X-Guest-Id": "anon_9"}

	rec := doJSON(t, h, http.MethodPost, "/guest-usage/add-usage", nil, guest)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/guest-usage/add-usage", nil, guest)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/guest-usage/claim-bonus", nil, guest)
	require.Equal(t, http.StatusOK, rec.Code)
	var claim struct {
		Success        bool `json:"success"`
		AlreadyClaimed bool `json:"alreadyClaimed"`
		Limit          int  `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.True(t, claim.Success)
	assert.Equal(t, 4, claim.Limit)

	rec = doJSON(t, h, http.MethodPost, "/guest-usage/claim-bonus", nil, guest)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.True(t, claim.AlreadyClaimed)

	current, limit, ok := srv.GuestUsage("anon_9")
	require.True(t, ok)
	assert.Equal(t, 1, current)
	assert.Equal(t, 4, limit)
}

func TestChatEchoAndAdminGate(t *testing.T) {
	srv := New(Options{})
	h := srv.Handler()
	guest := map[string]string{"X-Guest-Id": "anon_3"}

	rec := doJSON(t, h, http.MethodPost, "/chat", ChatRequest{UserInput: "2+2?", Subject: "Math"}, guest)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply ChatReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "assistant", reply.Role)
	assert.Contains(t, reply.Content, "[Math]")
	assert.Len(t, srv.ChatRequests(), 1)

	rec = doJSON(t, h, http.MethodGet, "/admin/ping", nil, guest)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
