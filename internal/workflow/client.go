// Package workflow is a thin client for the external workflow runner. The
// runner is opaque: payloads are passed through as raw JSON.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/civiclens/civiclens/internal/config"
)

// Webhook flows published by the runner in the application namespace.
var (
	EligibilityFlow   = WebhookFlow{ID: "eligibility-rule-extractor", Key: "eligibility-extractor-key"}
	AutocompleteFlow  = WebhookFlow{ID: "autocomplete-suggestions", Key: "autocomplete-suggestions-key"}
	SchemeUpdatesFlow = WebhookFlow{ID: "weekly-scheme-updates", Key: "weekly-scheme-updates-key"}
)

// ErrNotConfigured is returned by authenticated calls when no credentials are
// set.
var ErrNotConfigured = errors.New("workflow runner not configured")

// StatusError carries a non-2xx answer from the runner.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("workflow runner returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL   string
	auth      string
	namespace string
	http      *http.Client
}

// New creates a client. auth is the base64 "user:password" pair sent as Basic
// credentials.
func New(baseURL, auth, namespace string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		auth:      auth,
		namespace: namespace,
		http:      &http.Client{Timeout: config.WorkflowTimeout},
	}
}

func (c *Client) Configured() bool { return c.auth != "" }

// Trigger starts workflowID in namespace (the client default when empty).
func (c *Client) Trigger(ctx context.Context, namespace, workflowID string, inputs map[string]any) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if namespace == "" {
		namespace = c.namespace
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	path := fmt.Sprintf("/api/v1/executions/%s/%s", url.PathEscape(namespace), url.PathEscape(workflowID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"inputs": inputs}, true)
}

// Execution fetches the state of a running or finished execution.
func (c *Client) Execution(ctx context.Context, executionID string) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	return c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID), nil, true)
}

type WebhookFlow struct {
	ID  string
	Key string
}

// WebhookExecution is the runner's answer to a webhook call. Value holds
// whatever the flow is configured to return.
type WebhookExecution struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// Webhook fires a flow through its public webhook. No credentials are sent.
func (c *Client) Webhook(ctx context.Context, flow WebhookFlow, body any) (*WebhookExecution, error) {
	if body == nil {
		body = map[string]any{}
	}
	path := fmt.Sprintf("/api/v1/executions/webhook/%s/%s/%s", url.PathEscape(c.namespace), flow.ID, flow.Key)
	raw, err := c.do(ctx, http.MethodPost, path, body, false)
	if err != nil {
		return nil, err
	}
	var out WebhookExecution
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode webhook response: %w", err)
	}
	return &out, nil
}

type EligibilityRequest struct {
	PDFURL     string `json:"pdf_url"`
	SchemeName string `json:"scheme_name"`
	Country    string `json:"country"`
}

type EligibilityResult struct {
	ExecutionID string `json:"executionId"`
	OutputURI   string `json:"outputUri"`
}

// ExtractEligibility starts rule extraction for a scheme document. The result
// points at the flow output, not the extracted rules.
func (c *Client) ExtractEligibility(ctx context.Context, req EligibilityRequest) (*EligibilityResult, error) {
	if req.Country == "" {
		req.Country = "Unknown"
	}
	exec, err := c.Webhook(ctx, EligibilityFlow, req)
	if err != nil {
		return nil, err
	}
	res := &EligibilityResult{ExecutionID: exec.ID}
	if len(exec.Value) > 0 {
		if err := json.Unmarshal(exec.Value, &res.OutputURI); err != nil {
			res.OutputURI = string(exec.Value)
		}
	}
	return res, nil
}

// Autocomplete asks the runner for query suggestions.
func (c *Client) Autocomplete(ctx context.Context, userQuery string) (*WebhookExecution, error) {
	return c.Webhook(ctx, AutocompleteFlow, map[string]string{"user_query": userQuery})
}

// RefreshSchemes starts the scheme update crawl. It returns the execution id
// immediately; the crawl itself runs for minutes.
func (c *Client) RefreshSchemes(ctx context.Context) (string, error) {
	exec, err := c.Webhook(ctx, SchemeUpdatesFlow, nil)
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, authenticated bool) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal workflow request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build workflow request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		req.Header.Set("Authorization", "Basic "+c.auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read workflow response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(data), nil
}
