// Package sse writes server-sent progress streams for long operations such
// as memory imports.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

type FrameType string

const (
	FrameProgress FrameType = "progress"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
)

// Frame is one event on the wire. Data carries the frame payload and Error
// the user-facing message of an error frame.
type Frame struct {
	Type  FrameType `json:"type"`
	Data  any       `json:"data,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Stream writes frames to one response. It is not safe for concurrent use;
// callers serialize their own writes.
type Stream struct {
	log     *logger.Logger
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewStream sets the SSE headers and returns a writer. The returned error
// is non-nil when the ResponseWriter cannot flush, in which case the caller
// should fall back to a plain JSON response.
func NewStream(log *logger.Logger, w http.ResponseWriter) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &Stream{log: log.With("component", "SSEStream"), w: w, flusher: flusher}, nil
}

func (s *Stream) send(frame Frame) {
	if s.closed {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("sse frame marshal failed", "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.log.Debug("sse client gone", "error", err)
		s.closed = true
		return
	}
	s.flusher.Flush()
}

// Progress emits a progress frame.
func (s *Stream) Progress(data any) {
	s.send(Frame{Type: FrameProgress, Data: data})
}

// Complete emits the terminal success frame and closes the stream.
func (s *Stream) Complete(data any) {
	s.send(Frame{Type: FrameComplete, Data: data})
	s.closed = true
}

// Fail emits the terminal error frame and closes the stream.
func (s *Stream) Fail(userMessage string) {
	s.send(Frame{Type: FrameError, Error: userMessage})
	s.closed = true
}
