package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiclens/civiclens/internal/auth"
	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/core"
	"github.com/civiclens/civiclens/internal/extract"
	"github.com/civiclens/civiclens/internal/store"
	"github.com/civiclens/civiclens/internal/workflow"
)

const testJWTSecret = "api-test-secret"

// fakeModel answers every request with a fixed text, streamed word by word.
type fakeModel struct {
	mu     sync.Mutex
	answer string
	err    error
}

func (m *fakeModel) set(answer string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answer, m.err = answer, err
}

func (m *fakeModel) get() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answer, m.err
}

func (m *fakeModel) Complete(ctx context.Context, req core.CompletionRequest) (string, error) {
	return m.get()
}

func (m *fakeModel) Available(context.Context) bool { return true }

func (m *fakeModel) Stream(ctx context.Context, req core.CompletionRequest, emit func(string) error) error {
	answer, err := m.get()
	if err != nil {
		return err
	}
	for _, w := range strings.SplitAfter(answer, " ") {
		if err := emit(w); err != nil {
			return err
		}
	}
	return nil
}

type apiFixture struct {
	store  *store.SQLiteStore
	dbPath string
	model  *fakeModel
	cfg    *config.Config
	router http.Handler
}

func newAPIFixture(t *testing.T, configure ...func(*config.Config)) *apiFixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "api.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		JWTSecret:         testJWTSecret,
		AdminEmails:       []string{"admin@example.com"},
		WorkflowURL:       "http://127.0.0.1:1",
		WorkflowNamespace: "civiclens",
		CORSOrigin:        "http://localhost:3000",
	}
	for _, fn := range configure {
		fn(cfg)
	}

	tokens, err := auth.NewVerifier(cfg.JWTSecret, "", "")
	require.NoError(t, err)
	var hooks *auth.WebhookVerifier
	if cfg.WebhookSecret != "" {
		hooks, err = auth.NewWebhookVerifier(cfg.WebhookSecret)
		require.NoError(t, err)
	}

	model := &fakeModel{answer: "PM-KISAN pays eligible farmers."}
	gw := core.NewGateway(model, nil, false)
	params := config.DefaultAIParams()

	h := NewAPIHandler(Services{
		Config:    cfg,
		Store:     st,
		Chats:     core.NewChatService(st, extract.New(st, nil), gw, params),
		Files:     core.NewFileService(st),
		AI:        core.NewAIService(model, gw, nil, params),
		Workflows: workflow.New(cfg.WorkflowURL, cfg.WorkflowAuth, cfg.WorkflowNamespace),
		Tokens:    tokens,
		Webhooks:  hooks,
	})
	return &apiFixture{store: st, dbPath: dbPath, model: model, cfg: cfg, router: NewRouter(h)}
}

func token(t *testing.T, subject, email string) string {
	t.Helper()
	tok, err := auth.GenerateJWT(testJWTSecret, auth.Identity{Subject: subject, Email: email, Name: "Test User"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (f *apiFixture) createChat(t *testing.T, tok string) store.Chat {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/chats", tok, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Chat store.Chat `json:"chat"`
	}
	decodeBody(t, rec, &out)
	return out.Chat
}

func (f *apiFixture) chatDetails(t *testing.T, tok, chatID string) chatDetailsResponse {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/api/chats/"+chatID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out chatDetailsResponse
	decodeBody(t, rec, &out)
	return out
}

type sseEvent struct {
	Chunk     string `json:"chunk"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// parseSSE splits a recorded event stream. done reports whether the stream
// ended with the [DONE] marker.
func parseSSE(t *testing.T, body string) (events []sseEvent, done bool) {
	t.Helper()
	for _, block := range strings.Split(body, "\n\n") {
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), block)
		data := strings.TrimPrefix(block, "data: ")
		if data == "[DONE]" {
			done = true
			continue
		}
		var evt sseEvent
		require.NoError(t, json.Unmarshal([]byte(data), &evt))
		events = append(events, evt)
	}
	return events, done
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/health", "/api/health"} {
		rec := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}
}

func TestAuthentication(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/chats", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/chats", token(t, "user_noemail", ""), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The session cookie is accepted as well as the header
	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token(t, "user_cookie", "cookie@example.com")})
	cookieRec := httptest.NewRecorder()
	f.router.ServeHTTP(cookieRec, req)
	assert.Equal(t, http.StatusOK, cookieRec.Code)
}

func TestRequireUser_UpsertsWithRole(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chats", token(t, "user_admin", "admin@example.com"), nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chats", token(t, "user_plain", "plain@example.com"), nil).Code)

	admin, err := f.store.GetUserByExternalID(ctx, "user_admin")
	require.NoError(t, err)
	assert.Equal(t, store.UserRoleAdmin, admin.Role)
	assert.Equal(t, "Test User", admin.Name)

	plain, err := f.store.GetUserByExternalID(ctx, "user_plain")
	require.NoError(t, err)
	assert.Equal(t, store.UserRoleUser, plain.Role)
}

func TestRequireUser_DatabaseDown(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.Close())

	rec := f.do(t, http.MethodGet, "/api/chats", token(t, "user_1", "a@example.com"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Database connection failed"}`, rec.Body.String())
}

func TestChatLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	owner := token(t, "user_owner", "owner@example.com")
	other := token(t, "user_other", "other@example.com")

	chat := f.createChat(t, owner)
	assert.Equal(t, config.DefaultChatTitle, chat.Title)

	rec := f.do(t, http.MethodGet, "/api/chats", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Chats []store.Chat `json:"chats"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Chats, 1)
	assert.Equal(t, chat.ID, list.Chats[0].ID)

	details := f.chatDetails(t, owner, chat.ID)
	assert.Equal(t, chat.ID, details.Chat.ID)
	assert.Empty(t, details.Messages)

	rec = f.do(t, http.MethodPatch, "/api/chats/"+chat.ID, owner, map[string]string{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/chats/"+chat.ID, owner, map[string]string{"title": "Farm support"})
	require.Equal(t, http.StatusOK, rec.Code)
	var renamed struct {
		Chat store.Chat `json:"chat"`
	}
	decodeBody(t, rec, &renamed)
	assert.Equal(t, "Farm support", renamed.Chat.Title)

	// Someone else's chat looks exactly like a missing one
	for _, method := range []string{http.MethodGet, http.MethodPatch, http.MethodDelete} {
		rec := f.do(t, method, "/api/chats/"+chat.ID, other, map[string]string{"title": "mine now"})
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
		missing := f.do(t, method, "/api/chats/does-not-exist", other, map[string]string{"title": "mine now"})
		assert.Equal(t, missing.Body.String(), rec.Body.String(), method)
	}
	assert.Equal(t, "Farm support", f.chatDetails(t, owner, chat.ID).Chat.Title)

	rec = f.do(t, http.MethodDelete, "/api/chats/"+chat.ID, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/chats/"+chat.ID, owner, nil).Code)
}

func TestPostMessage_NonStreaming(t *testing.T) {
	f := newAPIFixture(t)
	owner := token(t, "user_owner", "owner@example.com")
	chat := f.createChat(t, owner)

	rec := f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, map[string]any{
		"content": "What is PM-KISAN?",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res core.TurnResult
	decodeBody(t, rec, &res)
	require.NotNil(t, res.UserMessage)
	require.NotNil(t, res.AssistantMessage)
	assert.Equal(t, "What is PM-KISAN?", res.UserMessage.Content)
	assert.Equal(t, "PM-KISAN pays eligible farmers.", res.AssistantMessage.Content)

	details := f.chatDetails(t, owner, chat.ID)
	assert.Equal(t, "What is PM-KISAN?", details.Chat.Title)
	require.Len(t, details.Messages, 2)
	assert.Equal(t, store.RoleUser, details.Messages[0].Role)
	assert.Equal(t, store.RoleAssistant, details.Messages[1].Role)

	// A later message leaves the title alone
	rec = f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, map[string]any{"content": "How do I apply?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "What is PM-KISAN?", f.chatDetails(t, owner, chat.ID).Chat.Title)
}

func TestPostMessage_RejectedTurnsPersistNothing(t *testing.T) {
	f := newAPIFixture(t)
	owner := token(t, "user_owner", "owner@example.com")
	other := token(t, "user_other", "other@example.com")
	chat := f.createChat(t, owner)

	for _, stream := range []bool{false, true} {
		rec := f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, map[string]any{
			"content": "   ",
			"stream":  stream,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Content or files are required"}`, rec.Body.String())

		rec = f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", other, map[string]any{
			"content": "hello",
			"stream":  stream,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}

	rec := f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, f.chatDetails(t, owner, chat.ID).Messages)
}

func TestPostMessage_Streaming(t *testing.T) {
	f := newAPIFixture(t)
	owner := token(t, "user_owner", "owner@example.com")
	chat := f.createChat(t, owner)

	rec := f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, map[string]any{
		"content": "What is PM-KISAN?",
		"stream":  true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events, done := parseSSE(t, rec.Body.String())
	require.True(t, done)
	require.NotEmpty(t, events)

	var text strings.Builder
	messageID := events[0].MessageID
	for _, evt := range events {
		assert.Empty(t, evt.Error)
		assert.Equal(t, messageID, evt.MessageID)
		text.WriteString(evt.Chunk)
	}
	assert.Equal(t, "PM-KISAN pays eligible farmers.", text.String())

	details := f.chatDetails(t, owner, chat.ID)
	require.Len(t, details.Messages, 2)
	assert.Equal(t, messageID, details.Messages[1].ID)
	assert.Equal(t, text.String(), details.Messages[1].Content)
	assert.Equal(t, "What is PM-KISAN?", details.Chat.Title)
}

func TestPostMessage_StreamingModelFailure(t *testing.T) {
	f := newAPIFixture(t)
	owner := token(t, "user_owner", "owner@example.com")
	chat := f.createChat(t, owner)
	f.model.set("", assert.AnError)

	rec := f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, map[string]any{
		"content": "What is PM-KISAN?",
		"stream":  true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	events, done := parseSSE(t, rec.Body.String())
	assert.False(t, done)
	require.Len(t, events, 1)
	assert.Equal(t, "Failed to generate response", events[0].Error)
	assert.NotEmpty(t, events[0].MessageID)

	// The thread still shows an answer
	details := f.chatDetails(t, owner, chat.ID)
	require.Len(t, details.Messages, 2)
	assert.Equal(t, events[0].MessageID, details.Messages[1].ID)
	assert.Equal(t, core.Apology, details.Messages[1].Content)
}

func TestPostMessage_NonStreamingModelFailure(t *testing.T) {
	f := newAPIFixture(t)
	owner := token(t, "user_owner", "owner@example.com")
	chat := f.createChat(t, owner)
	f.model.set("", assert.AnError)

	rec := f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, map[string]any{"content": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res core.TurnResult
	decodeBody(t, rec, &res)
	assert.Equal(t, core.Apology, res.AssistantMessage.Content)
}

func TestPostMessage_RateLimited(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) { c.RateLimitPerMinute = 1 })
	owner := token(t, "user_owner", "owner@example.com")
	other := token(t, "user_other", "other@example.com")
	chat := f.createChat(t, owner)
	otherChat := f.createChat(t, other)

	rec := f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, map[string]any{"content": "one"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", owner, map[string]any{"content": "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, f.chatDetails(t, owner, chat.ID).Messages, 2)

	// Buckets are per user
	rec = f.do(t, http.MethodPost, "/api/chats/"+otherChat.ID+"/messages", other, map[string]any{"content": "one"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reading is not limited
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/chats", owner, nil).Code)
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sse := newSSEWriter(rec)
	assert.False(t, sse.Started())

	require.NoError(t, sse.Chunk("Hel", "m1"))
	require.NoError(t, sse.Chunk("lo", "m1"))
	sse.Done()

	assert.True(t, sse.Started())
	assert.True(t, rec.Flushed)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t,
		"data: {\"chunk\":\"Hel\",\"messageId\":\"m1\"}\n\n"+
			"data: {\"chunk\":\"lo\",\"messageId\":\"m1\"}\n\n"+
			"data: [DONE]\n\n",
		rec.Body.String())
}
