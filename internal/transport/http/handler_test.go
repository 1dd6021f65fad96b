package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kasa-chat/kasa/internal/auth"
	"github.com/kasa-chat/kasa/internal/chat"
	"github.com/kasa-chat/kasa/internal/config"
	"github.com/kasa-chat/kasa/internal/domain"
	"github.com/kasa-chat/kasa/internal/llm"
	"github.com/kasa-chat/kasa/internal/quota"
	"github.com/kasa-chat/kasa/internal/store"
)

// fakeBridge answers every turn with a short text completion.
type fakeBridge struct{}

func (fakeBridge) StreamTurn(ctx context.Context, turns []domain.Turn, tools []llm.Tool, system string, fn llm.StreamFunc) error {
	if err := fn(llm.Event{Type: llm.EventTextFragment, Text: "Hello from the model."}); err != nil {
		return err
	}
	return fn(llm.Event{Type: llm.EventTurnEnd})
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, query string) string { return "no results" }

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, content string) (string, error) {
	return "Test Chat", nil
}

type testServer struct {
	e  *echo.Echo
	db *store.SQLiteStore
}

func newTestServer(t *testing.T, freeLimit int) *testServer {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.CreateUser(ctx, &domain.User{UserID: "u1", Email: "ama@example.com", CreatedAt: time.Now()}))
	require.NoError(t, db.CreateUser(ctx, &domain.User{UserID: "u2", Email: "kojo@example.com", CreatedAt: time.Now()}))
	require.NoError(t, db.CreateSession(ctx, "tok1", "u1"))
	require.NoError(t, db.CreateSession(ctx, "tok2", "u2"))

	plans := config.PlansConfig{
		BaseTier: "free",
		TopTier:  "pro",
		Limits:   map[string]int{"free": freeLimit, "pro": 200},
	}
	policy, err := quota.NewPlanPolicy(ctx, quota.DefaultPlanPolicy)
	require.NoError(t, err)
	guard := quota.NewGuard(db, policy, plans, "UTC", zap.NewNop())

	orch := chat.New(db, guard, fakeBridge{}, fakeExecutor{}, fakeSummarizer{}, nil,
		chat.Options{SystemPrompt: "be helpful"}, zap.NewNop())
	h := NewHandler(db, orch, guard, auth.NewStoreResolver(db), 4000, zap.NewNop())

	e := echo.New()
	h.RegisterRoutes(e)
	return &testServer{e: e, db: db}
}

func (s *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createConversation(t *testing.T, token string) string {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/conversations", token, `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var conv domain.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return conv.ConversationID
}

func decodeStream(t *testing.T, rec *httptest.ResponseRecorder) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t, 10)

	rec := s.do(http.MethodGet, "/api/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/api/conversations", "bogus", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, 10)
	rec := s.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConversationCRUD(t *testing.T) {
	s := newTestServer(t, 10)
	id := s.createConversation(t, "tok1")

	rec := s.do(http.MethodGet, "/api/conversations", "tok1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)

	rec = s.do(http.MethodPatch, "/api/conversations/"+id, "tok1", `{"title":"renamed"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodPatch, "/api/conversations/"+id, "tok1", `{"title":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Another user's rename and delete both read as not found.
	rec = s.do(http.MethodPatch, "/api/conversations/"+id, "tok2", `{"title":"stolen"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(http.MethodDelete, "/api/conversations/"+id, "tok2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodDelete, "/api/conversations/"+id, "tok1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/conversations", "tok1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Conversations)
}

func TestGetMessagesOwnership(t *testing.T) {
	s := newTestServer(t, 10)
	id := s.createConversation(t, "tok1")

	rec := s.do(http.MethodGet, "/api/conversations/"+id+"/messages", "tok2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/conversations/not-a-uuid/messages", "tok1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/conversations/"+id+"/messages", "tok1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Messages)
}

func TestChatStreamsNDJSON(t *testing.T) {
	s := newTestServer(t, 10)
	id := s.createConversation(t, "tok1")

	rec := s.do(http.MethodPost, "/api/chat", "tok1", `{"chatId":"`+id+`","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get(echo.HeaderContentType))

	events := decodeStream(t, rec)
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Done, "last event must be done")

	var textParts, title string
	for _, ev := range events {
		textParts += ev.Text
		if ev.Title != "" {
			title = ev.Title
		}
	}
	assert.Equal(t, "Hello from the model.", textParts)
	assert.Equal(t, "Test Chat", title)

	rec = s.do(http.MethodGet, "/api/conversations/"+id+"/messages", "tok1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, domain.RoleUser, body.Messages[0].Role)
	assert.Equal(t, domain.RoleAssistant, body.Messages[1].Role)
}

func TestChatValidation(t *testing.T) {
	s := newTestServer(t, 10)
	id := s.createConversation(t, "tok1")

	rec := s.do(http.MethodPost, "/api/chat", "tok1", `{"chatId":"`+id+`","message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	long := strings.Repeat("x", 5000)
	rec = s.do(http.MethodPost, "/api/chat", "tok1", `{"chatId":"`+id+`","message":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/chat", "tok1",
		`{"chatId":"`+id+`","message":"hi","regenerate":true,"regenerateFromIndex":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatUnknownConversation(t *testing.T) {
	s := newTestServer(t, 10)

	rec := s.do(http.MethodPost, "/api/chat", "tok1",
		`{"chatId":"3b9e4a66-7c1d-4b42-9f0a-0d5a3a1d2c11","message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Another user's conversation looks identical to a missing one.
	id := s.createConversation(t, "tok1")
	rec = s.do(http.MethodPost, "/api/chat", "tok2", `{"chatId":"`+id+`","message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatQuotaExceeded(t *testing.T) {
	s := newTestServer(t, 1)
	id := s.createConversation(t, "tok1")

	rec := s.do(http.MethodPost, "/api/chat", "tok1", `{"chatId":"`+id+`","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/chat", "tok1", `{"chatId":"`+id+`","message":"hi again"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestUsageEndpoint(t *testing.T) {
	s := newTestServer(t, 10)
	id := s.createConversation(t, "tok1")

	rec := s.do(http.MethodGet, "/api/usage", "tok1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var usage struct {
		Plan  string `json:"plan"`
		Limit int    `json:"limit"`
		Used  int    `json:"used"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, "free", usage.Plan)
	assert.Equal(t, 10, usage.Limit)
	assert.Equal(t, 0, usage.Used)

	rec = s.do(http.MethodPost, "/api/chat", "tok1", `{"chatId":"`+id+`","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/usage", "tok1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, 1, usage.Used)
}
