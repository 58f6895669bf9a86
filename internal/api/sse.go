package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type chunkEvent struct {
	Chunk     string `json:"chunk"`
	MessageID string `json:"messageId"`
}

type errorEvent struct {
	Error     string `json:"error"`
	MessageID string `json:"messageId,omitempty"`
}

// sseWriter writes server sent events. Headers go out with the first event,
// so a turn that fails early can still answer with a normal status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

func (s *sseWriter) Started() bool { return s.started }

func (s *sseWriter) begin() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseWriter) write(data string) error {
	s.begin()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) event(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(string(b))
}

// Chunk matches core.ChunkFunc.
func (s *sseWriter) Chunk(chunk, messageID string) error {
	return s.event(chunkEvent{Chunk: chunk, MessageID: messageID})
}

func (s *sseWriter) Done() {
	_ = s.write("[DONE]")
}

func (s *sseWriter) Fail(msg, messageID string) {
	_ = s.event(errorEvent{Error: msg, MessageID: messageID})
}
