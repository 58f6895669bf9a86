package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/civiclens/civiclens/internal/config"
)

// SecondaryBackend talks to a self-hosted fine-tuned model over HTTP. It has
// no streaming support.
type SecondaryBackend struct {
	baseURL string
	apiKey  string
	enabled bool
	client  *http.Client
}

type SecondaryStatus struct {
	Available bool   `json:"available"`
	ModelURL  string `json:"modelUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewSecondaryBackend(baseURL, apiKey string, enabled bool) *SecondaryBackend {
	return &SecondaryBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		enabled: enabled,
		client:  &http.Client{Timeout: config.SecondaryTimeout},
	}
}

func (b *SecondaryBackend) Configured() bool {
	return b.enabled && b.baseURL != ""
}

func (b *SecondaryBackend) authorize(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

func (b *SecondaryBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if b.baseURL == "" {
		return "", fmt.Errorf("secondary model URL not configured")
	}

	var messages []PromptMessage
	for _, m := range req.Messages {
		if m.Role != RoleSystem {
			messages = append(messages, m)
		}
	}
	body, err := json.Marshal(map[string]any{"messages": messages})
	if err != nil {
		return "", fmt.Errorf("marshal secondary request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v1/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build secondary request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.authorize(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("secondary request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("secondary model returned %s", resp.Status)
	}

	var out struct {
		Response string `json:"response"`
		Message  string `json:"message"`
		Text     string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode secondary response: %w", err)
	}
	for _, s := range []string{out.Response, out.Message, out.Text} {
		if s != "" {
			return s, nil
		}
	}
	return "", errEmptyResponse
}

func (b *SecondaryBackend) Available(ctx context.Context) bool {
	return b.probe(ctx) == nil
}

func (b *SecondaryBackend) probe(ctx context.Context) error {
	if b.baseURL == "" {
		return fmt.Errorf("secondary model URL not set")
	}
	ctx, cancel := context.WithTimeout(ctx, config.SecondaryProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	b.authorize(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check failed: %s", resp.Status)
	}
	return nil
}

// Status reports configuration and reachability for the status endpoint.
func (b *SecondaryBackend) Status(ctx context.Context) SecondaryStatus {
	if !b.Configured() {
		return SecondaryStatus{Error: "secondary model not configured. Set SECONDARY_MODEL_URL and SECONDARY_MODEL_ENABLED=true"}
	}
	if err := b.probe(ctx); err != nil {
		return SecondaryStatus{ModelURL: b.baseURL, Error: err.Error()}
	}
	return SecondaryStatus{Available: true, ModelURL: b.baseURL}
}

// TrainingPlan tells an operator how to fine-tune the secondary model. The
// server never runs training itself.
type TrainingPlan struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	ConfigFile   string   `json:"configFile"`
	Command      string   `json:"command"`
	Instructions []string `json:"instructions"`
	Note         string   `json:"note"`
}

// NewTrainingPlan builds the instructions for configFile. A missing config
// file is reported as ErrNotFound.
func NewTrainingPlan(configFile, command string) (*TrainingPlan, error) {
	if _, err := os.Stat(configFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: training config %s", ErrNotFound, configFile)
		}
		return nil, fmt.Errorf("stat training config: %w", err)
	}
	cmd := fmt.Sprintf("%s train -c %s", command, configFile)
	return &TrainingPlan{
		Success:    true,
		Message:    "Training instructions",
		ConfigFile: configFile,
		Command:    cmd,
		Instructions: []string{
			"1. Install the training toolkit on a GPU host",
			"2. Run: " + cmd,
			"3. Training takes 30-60 minutes",
			"4. Serve the trained model over HTTP with a /health and /api/v1/chat endpoint",
			"5. Set SECONDARY_MODEL_URL to the served endpoint and restart the server",
		},
		Note: "Training runs outside this service. This endpoint provides instructions only.",
	}, nil
}
