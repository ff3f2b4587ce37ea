package stream

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSEWriter frames progress as server-sent events:
//
//	event: status
//	data: Running getContacts
type SSEWriter struct {
	mu         sync.Mutex
	w          io.Writer
	flush      func()
	terminated bool
	closed     bool
}

// NewSSEWriter prepares w for an event stream and writes the headers.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
		f.Flush()
	}
	return s
}

// Emit writes one frame and flushes it to the client. Only the close event
// may follow a terminal frame.
func (s *SSEWriter) Emit(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.terminated {
		return ErrTerminated
	}
	if f.Kind.Terminal() {
		s.terminated = true
	}
	return s.write(f)
}

// Close sends the close event once; later calls are no-ops.
func (s *SSEWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.write(Frame{Kind: KindClose})
}

func (s *SSEWriter) write(f Frame) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", f.Kind)
	for _, line := range strings.Split(f.Text, "\n") {
		fmt.Fprintf(&b, "data: %s\n", strings.TrimRight(line, "\r"))
	}
	b.WriteString("\n")
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}
