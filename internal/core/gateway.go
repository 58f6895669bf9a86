package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/civiclens/civiclens/internal/config"
)

const (
	ModelPrimary   = "primary"
	ModelSecondary = "secondary"
)

type CompletionRequest struct {
	Messages []PromptMessage
	Params   config.GenerationParams
}

// Backend is a model endpoint that can produce a full completion.
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Available reports whether the backend is reachable right now.
	Available(ctx context.Context) bool
}

// Streamer is implemented by backends that can deliver fragments as they are
// generated.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest, emit func(string) error) error
}

// SinkError wraps a failure of the caller's emit function, as opposed to a
// failure of the model upstream.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string { return "emit chunk: " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// Gateway selects between the primary and the optional secondary backend and
// gives both a streaming interface.
type Gateway struct {
	primary         Backend
	secondary       Backend
	preferSecondary bool
	replayDelay     time.Duration
}

// NewGateway builds a gateway. secondary may be nil. preferSecondary makes the
// secondary backend the first choice for every call, not only for calls that
// ask for it.
func NewGateway(primary, secondary Backend, preferSecondary bool) *Gateway {
	return &Gateway{
		primary:         primary,
		secondary:       secondary,
		preferSecondary: preferSecondary,
		replayDelay:     config.ReplayDelay,
	}
}

func (g *Gateway) useSecondary(ctx context.Context, requested bool) bool {
	if g.secondary == nil || !(requested || g.preferSecondary) {
		return false
	}
	return g.secondary.Available(ctx)
}

// Complete returns the full answer and which backend produced it. A failing
// secondary backend always falls back to the primary.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest, useSecondary bool) (string, string, error) {
	if g.useSecondary(ctx, useSecondary) {
		text, err := g.secondary.Complete(ctx, req)
		if err == nil {
			return text, ModelSecondary, nil
		}
		slog.Warn("secondary model failed, falling back to primary", "error", err)
	}

	text, err := g.primary.Complete(ctx, req)
	if err != nil {
		return "", ModelPrimary, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return text, ModelPrimary, nil
}

// Stream delivers the answer through emit. Errors returned by emit stop the
// stream and come back wrapped in a *SinkError.
func (g *Gateway) Stream(ctx context.Context, req CompletionRequest, useSecondary bool, emit func(string) error) error {
	var emitted strings.Builder
	sink := func(chunk string) error {
		if err := emit(chunk); err != nil {
			return &SinkError{Err: err}
		}
		emitted.WriteString(chunk)
		return nil
	}

	if g.useSecondary(ctx, useSecondary) {
		text, err := g.secondary.Complete(ctx, req)
		if err == nil {
			return g.replay(ctx, text, sink)
		}
		slog.Warn("secondary model failed, falling back to primary", "error", err)
	}

	streamer, ok := g.primary.(Streamer)
	if !ok {
		text, err := g.primary.Complete(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return g.replay(ctx, text, sink)
	}

	err := streamer.Stream(ctx, req, sink)
	if err == nil {
		return nil
	}
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) || ctx.Err() != nil {
		return err
	}
	slog.Warn("primary stream failed, retrying as completion", "emitted", emitted.Len(), "error", err)

	text, cerr := g.primary.Complete(ctx, req)
	if cerr != nil {
		return fmt.Errorf("%w: stream: %v; completion: %v", ErrUpstreamUnavailable, err, cerr)
	}
	sent := emitted.String()
	if !strings.HasPrefix(text, sent) {
		// The retry diverged from what the client already has.
		return fmt.Errorf("%w: stream interrupted: %v", ErrUpstreamUnavailable, err)
	}
	return g.replay(ctx, text[len(sent):], sink)
}

// replay emits text one character at a time with a fixed delay in between.
func (g *Gateway) replay(ctx context.Context, text string, emit func(string) error) error {
	first := true
	for _, r := range text {
		if !first && g.replayDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.replayDelay):
			}
		}
		first = false
		if err := emit(string(r)); err != nil {
			return err
		}
	}
	return nil
}
