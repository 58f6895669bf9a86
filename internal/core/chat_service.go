package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/extract"
	"github.com/civiclens/civiclens/internal/store"
)

// Apology is stored as the assistant reply when the model produced nothing.
const Apology = "I'm sorry, I encountered an error while processing your request. Please try again."

type ChatService struct {
	store     store.Store
	extractor *extract.Extractor
	gateway   *Gateway
	params    config.AIParams
	locks     *chatLocks
}

func NewChatService(st store.Store, ex *extract.Extractor, gw *Gateway, params config.AIParams) *ChatService {
	return &ChatService{
		store:     st,
		extractor: ex,
		gateway:   gw,
		params:    params,
		locks:     newChatLocks(),
	}
}

// UpsertUser creates or refreshes the user behind an authenticated request.
func (s *ChatService) UpsertUser(ctx context.Context, u *store.User) (*store.User, error) {
	return s.store.UpsertUser(ctx, u)
}

// DeleteUser removes a user and everything it owns. Unknown users are not an
// error.
func (s *ChatService) DeleteUser(ctx context.Context, externalID string) error {
	err := s.store.DeleteUserByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (s *ChatService) CreateChat(ctx context.Context, userID string) (*store.Chat, error) {
	chat, err := s.store.CreateChat(ctx, userID, config.DefaultChatTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat in DB: %w", err)
	}
	return chat, nil
}

func (s *ChatService) ListChats(ctx context.Context, userID string) ([]store.Chat, error) {
	return s.store.ListChats(ctx, userID)
}

func (s *ChatService) GetChatDetails(ctx context.Context, chatID, userID string) (*store.Chat, []store.Message, error) {
	chat, err := s.store.GetChat(ctx, chatID, userID)
	if err != nil {
		return nil, nil, fromStore(err)
	}
	messages, err := s.store.GetMessages(ctx, chatID, config.ChatMessagesPageSize, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for chat: %w", err)
	}
	return chat, messages, nil
}

func (s *ChatService) RenameChat(ctx context.Context, chatID, userID, title string) (*store.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalid("Title is required")
	}
	chat, err := s.store.RenameChat(ctx, chatID, userID, title)
	if err != nil {
		return nil, fromStore(err)
	}
	return chat, nil
}

func (s *ChatService) DeleteChat(ctx context.Context, chatID, userID string) error {
	return fromStore(s.store.DeleteChat(ctx, chatID, userID))
}

type TurnRequest struct {
	ChatID  string
	UserID  string
	Content string
	FileIDs []string
}

type TurnResult struct {
	UserMessage      *store.Message `json:"userMessage"`
	AssistantMessage *store.Message `json:"assistantMessage"`
}

// ChunkFunc receives each streamed fragment together with the id of the
// assistant message it belongs to.
type ChunkFunc func(chunk, messageID string) error

// RunTurn processes one user turn. With a nil onChunk the answer is produced
// in one piece; otherwise every fragment is passed to onChunk as it arrives.
//
// Errors returned before the user message is stored leave nothing behind.
// After that point a model failure still yields a result whose assistant
// message holds the partial text or Apology, together with an error wrapping
// ErrUpstreamUnavailable for streaming turns. A failing onChunk ends the turn
// with ErrClientGone; the text delivered so far is kept, and the empty
// assistant message is removed when nothing was delivered. A non-streaming
// turn whose request is cancelled during completion stores no reply and also
// returns ErrClientGone.
func (s *ChatService) RunTurn(ctx context.Context, req TurnRequest, onChunk ChunkFunc) (*TurnResult, error) {
	if _, err := s.store.GetChat(ctx, req.ChatID, req.UserID); err != nil {
		return nil, fromStore(err)
	}
	text := strings.TrimSpace(req.Content)
	fileIDs := uniqueIDs(req.FileIDs)
	if text == "" && len(fileIDs) == 0 {
		return nil, invalid("Content or files are required")
	}

	release, err := s.locks.acquire(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock so the title check sees earlier turns.
	chat, err := s.store.GetChat(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, fromStore(err)
	}

	content := text
	if content == "" {
		content = fmt.Sprintf("[Attached %d file(s)]", len(fileIDs))
	}
	turn := store.UserTurn{
		ChatID:  chat.ID,
		UserID:  req.UserID,
		Content: content,
		FileIDs: fileIDs,
	}
	if chat.Title == config.DefaultChatTitle {
		turn.Title = DeriveTitle(content)
	}
	rec, err := s.store.RecordUserTurn(ctx, turn)
	if err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", fromStore(err))
	}
	result := &TurnResult{UserMessage: rec.Message}

	prompt, err := s.buildPrompt(ctx, req.UserID, rec, text)
	if err != nil {
		return nil, err
	}
	modelReq := CompletionRequest{Messages: prompt, Params: s.params.For(config.PurposeChat)}

	// Finalizing writes must land even if the request is cancelled.
	fctx := context.WithoutCancel(ctx)

	if onChunk == nil {
		answer, _, err := s.gateway.Complete(ctx, modelReq, false)
		if err != nil && ctx.Err() != nil {
			slog.Info("client left before completion", "chat_id", chat.ID)
			return result, fmt.Errorf("%w: %v", ErrClientGone, err)
		}
		if err != nil {
			slog.Error("model completion failed", "chat_id", chat.ID, "error", err)
			answer = Apology
		}
		assistant := &store.Message{ChatID: chat.ID, Role: store.RoleAssistant, Content: answer}
		if err := s.store.CreateMessage(fctx, assistant); err != nil {
			return nil, fmt.Errorf("failed to store assistant message: %w", err)
		}
		result.AssistantMessage = assistant
		return result, nil
	}

	assistant := &store.Message{ChatID: chat.ID, Role: store.RoleAssistant}
	if err := s.store.CreateMessage(ctx, assistant); err != nil {
		return nil, fmt.Errorf("failed to create assistant message: %w", err)
	}
	result.AssistantMessage = assistant

	var answer strings.Builder
	streamErr := s.gateway.Stream(ctx, modelReq, false, func(chunk string) error {
		if err := onChunk(chunk, assistant.ID); err != nil {
			return err
		}
		answer.WriteString(chunk)
		return nil
	})
	assistant.Content = answer.String()

	var sinkErr *SinkError
	switch {
	case streamErr == nil:
		if err := s.store.UpdateMessageContent(fctx, assistant.ID, assistant.Content); err != nil {
			return result, fmt.Errorf("failed to store assistant message: %w", err)
		}
		return result, nil

	case errors.As(streamErr, &sinkErr) || ctx.Err() != nil:
		slog.Info("client left during stream", "chat_id", chat.ID, "message_id", assistant.ID, "received", answer.Len())
		if assistant.Content == "" {
			if err := s.store.DeleteMessage(fctx, assistant.ID); err != nil {
				slog.Error("delete abandoned assistant message", "message_id", assistant.ID, "error", err)
			}
			result.AssistantMessage = nil
		} else if err := s.store.UpdateMessageContent(fctx, assistant.ID, assistant.Content); err != nil {
			slog.Error("store partial assistant message", "message_id", assistant.ID, "error", err)
		}
		return result, fmt.Errorf("%w: %v", ErrClientGone, streamErr)

	default:
		slog.Error("model stream failed", "chat_id", chat.ID, "message_id", assistant.ID, "error", streamErr)
		if assistant.Content == "" {
			assistant.Content = Apology
		}
		if err := s.store.UpdateMessageContent(fctx, assistant.ID, assistant.Content); err != nil {
			slog.Error("finalize assistant message", "message_id", assistant.ID, "error", err)
		}
		if !errors.Is(streamErr, ErrUpstreamUnavailable) {
			streamErr = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, streamErr)
		}
		return result, streamErr
	}
}

// uniqueIDs drops empty and repeated ids, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// buildPrompt loads history, extracts the linked attachments and assembles
// the model prompt for the turn just recorded.
func (s *ChatService) buildPrompt(ctx context.Context, userID string, rec *store.RecordedTurn, text string) ([]PromptMessage, error) {
	msgs, err := s.store.GetLastNMessages(ctx, rec.Message.ChatID, config.MessageHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	history := HistoryFromMessages(msgs, rec.Message.ID)

	var attachments []extract.Result
	if len(rec.LinkedFileIDs) > 0 {
		attachments = s.extractor.ExtractAll(ctx, rec.LinkedFileIDs, userID)
	}

	query := text
	if query == "" && len(attachments) == 0 {
		query = rec.Message.Content
	}
	return Assemble(query, history, attachments), nil
}
