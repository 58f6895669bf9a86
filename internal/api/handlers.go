package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/civiclens/civiclens/internal/auth"
	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/core"
	"github.com/civiclens/civiclens/internal/store"
	"github.com/civiclens/civiclens/internal/workflow"
)

// Services are the dependencies of the HTTP layer. Webhooks may be nil when no
// webhook secret is configured.
type Services struct {
	Config    *config.Config
	Store     store.Store
	Chats     *core.ChatService
	Files     *core.FileService
	AI        *core.AIService
	Workflows *workflow.Client
	Tokens    *auth.Verifier
	Webhooks  *auth.WebhookVerifier
}

type APIHandler struct {
	cfg       *config.Config
	db        store.Store
	chats     *core.ChatService
	files     *core.FileService
	ai        *core.AIService
	workflows *workflow.Client
	tokens    *auth.Verifier
	webhooks  *auth.WebhookVerifier
	limiter   *userLimiter
}

func NewAPIHandler(s Services) *APIHandler {
	return &APIHandler{
		cfg:       s.Config,
		db:        s.Store,
		chats:     s.Chats,
		files:     s.Files,
		ai:        s.AI,
		workflows: s.Workflows,
		tokens:    s.Tokens,
		webhooks:  s.Webhooks,
		limiter:   newUserLimiter(s.Config.RateLimitPerMinute),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &core.ValidationError{Msg: "Invalid request body"}
	}
	return nil
}

// writeError maps service errors onto status codes. msg is what the client
// sees for unexpected failures; the error itself is only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var (
		verr   *core.ValidationError
		status *workflow.StatusError
	)
	switch {
	case errors.As(err, &verr):
		errorJSON(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, core.ErrNotFound), errors.Is(err, store.ErrNotFound):
		errorJSON(w, http.StatusNotFound, "Not found")
	case errors.Is(err, core.ErrUnauthenticated):
		errorJSON(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, core.ErrUpstreamUnavailable):
		slog.Warn(msg, "request_id", middleware.GetReqID(r.Context()), "error", err)
		errorJSON(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	case errors.Is(err, workflow.ErrNotConfigured):
		errorJSON(w, http.StatusServiceUnavailable, "Workflow runner not configured")
	case errors.As(err, &status):
		slog.Warn(msg, "request_id", middleware.GetReqID(r.Context()), "status", status.StatusCode, "body", status.Body)
		errorJSON(w, status.StatusCode, msg)
	default:
		slog.Error(msg, "request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path, "error", err)
		errorJSON(w, http.StatusInternalServerError, msg)
	}
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	chat, err := h.chats.CreateChat(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err, "Failed to create chat")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"chat": chat})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	chats, err := h.chats.ListChats(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err, "Failed to list chats")
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

type chatDetailsResponse struct {
	Chat     *store.Chat     `json:"chat"`
	Messages []store.Message `json:"messages"`
}

func (h *APIHandler) GetChatDetailsHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	chatID := chi.URLParam(r, "chatID")

	chat, messages, err := h.chats.GetChatDetails(r.Context(), chatID, user.ID)
	if err != nil {
		writeError(w, r, err, "Failed to get chat")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, chatDetailsResponse{Chat: chat, Messages: messages})
}

type renameChatRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	chatID := chi.URLParam(r, "chatID")

	var req renameChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	chat, err := h.chats.RenameChat(r.Context(), chatID, user.ID, req.Title)
	if err != nil {
		writeError(w, r, err, "Failed to update chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": chat})
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	chatID := chi.URLParam(r, "chatID")

	if err := h.chats.DeleteChat(r.Context(), chatID, user.ID); err != nil {
		writeError(w, r, err, "Failed to delete chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type postMessageRequest struct {
	Content string   `json:"content"`
	Stream  bool     `json:"stream"`
	FileIDs []string `json:"fileIds"`
}

// PostMessageHandler runs one chat turn. Streaming turns answer with server
// sent events; errors found before the first event still get a plain JSON
// error with a status code.
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	chatID := chi.URLParam(r, "chatID")

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	turn := core.TurnRequest{
		ChatID:  chatID,
		UserID:  user.ID,
		Content: req.Content,
		FileIDs: req.FileIDs,
	}

	if !req.Stream {
		res, err := h.chats.RunTurn(r.Context(), turn, nil)
		if errors.Is(err, core.ErrClientGone) {
			slog.Info("request abandoned by client", "chat_id", chatID, "request_id", middleware.GetReqID(r.Context()))
			return
		}
		if err != nil {
			writeError(w, r, err, "Failed to send message")
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	sse := newSSEWriter(w)
	res, err := h.chats.RunTurn(r.Context(), turn, sse.Chunk)
	switch {
	case err == nil:
		sse.Done()
	case errors.Is(err, core.ErrClientGone):
		slog.Info("stream abandoned by client", "chat_id", chatID, "request_id", middleware.GetReqID(r.Context()))
	case res == nil && !sse.Started():
		writeError(w, r, err, "Failed to send message")
	default:
		var messageID string
		if res != nil && res.AssistantMessage != nil {
			messageID = res.AssistantMessage.ID
		}
		slog.Error("streaming turn failed", "chat_id", chatID, "message_id", messageID, "error", err)
		sse.Fail("Failed to generate response", messageID)
	}
}
