package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var errEmptyResponse = errors.New("model returned no text")

// GeminiBackend is the primary model backend. It streams natively.
type GeminiBackend struct {
	client    *genai.Client
	modelName string
}

func NewGeminiBackend(ctx context.Context, apiKey, modelName string) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiBackend{client: client, modelName: modelName}, nil
}

func (b *GeminiBackend) Close() {
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			slog.Error("close GenAI client", "error", err)
		}
	}
}

// Available always reports true; failures surface on the call itself.
func (b *GeminiBackend) Available(context.Context) bool { return true }

// session prepares a chat session whose history is everything but the final
// user message, which is returned separately.
func (b *GeminiBackend) session(req CompletionRequest) (*genai.ChatSession, genai.Part, error) {
	model := b.client.GenerativeModel(b.modelName)

	temp := req.Params.Temperature
	maxTokens := req.Params.MaxTokens
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temp,
		MaxOutputTokens: &maxTokens,
	}

	var system []string
	var turns []PromptMessage
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}

	if len(turns) == 0 {
		return nil, nil, fmt.Errorf("prompt is empty")
	}
	last := turns[len(turns)-1]
	if last.Role != RoleUser {
		return nil, nil, fmt.Errorf("last prompt message is from %q, want user", last.Role)
	}

	cs := model.StartChat()
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return cs, genai.Text(last.Content), nil
}

func (b *GeminiBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	cs, msg, err := b.session(req)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", errEmptyResponse
	}
	return text, nil
}

func (b *GeminiBackend) Stream(ctx context.Context, req CompletionRequest, emit func(string) error) error {
	cs, msg, err := b.session(req)
	if err != nil {
		return err
	}

	iter := cs.SendMessageStream(ctx, msg)
	produced := false
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("gemini stream failed: %w", err)
		}
		if chunk := responseText(resp); chunk != "" {
			produced = true
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}
	if !produced {
		return errEmptyResponse
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			slog.Debug("gemini response part was not text", "type", fmt.Sprintf("%T", part))
		}
	}
	return text.String()
}
