// Package events mirrors agent progress frames onto a message broker so that
// other services can follow a run without holding the SSE connection.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ChainPilot/internal/stream"
	"ChainPilot/pkg/logger"
)

// Event is the broker payload for one progress frame.
type Event struct {
	RequestID string    `json:"requestId"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers a single event.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

const (
	defaultBuffer         = 256
	defaultPublishTimeout = 5 * time.Second
)

// Option 调整 Sink 行为。
type Option func(*Sink)

// WithBuffer 设置事件缓冲区大小，缓冲区满时新事件会被丢弃。
func WithBuffer(size int) Option {
	return func(s *Sink) {
		if size > 0 {
			s.buffer = size
		}
	}
}

// WithPublishTimeout 设置单次投递超时。
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Sink adapts a Publisher to stream.Sink. Send never blocks; events that do
// not fit in the buffer are dropped and counted.
type Sink struct {
	publisher Publisher
	buffer    int
	timeout   time.Duration
	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger

	mu      sync.Mutex
	dropped int
	closed  bool
	now     func() time.Time
}

// NewSink starts the delivery goroutine.
func NewSink(publisher Publisher, opts ...Option) *Sink {
	s := &Sink{
		publisher: publisher,
		buffer:    defaultBuffer,
		timeout:   defaultPublishTimeout,
		log:       logger.Named("events"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan Event, s.buffer)
	s.done = make(chan struct{})
	go s.run()
	return s
}

// Send implements stream.Sink.
func (s *Sink) Send(requestID string, f stream.Frame) {
	evt := Event{RequestID: requestID, Kind: string(f.Kind), Text: f.Text, Timestamp: s.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- evt:
	default:
		s.dropped++
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) run() {
	defer close(s.done)
	for evt := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.log.Warn("投递进度事件失败",
				slog.String("request_id", evt.RequestID),
				slog.String("kind", evt.Kind),
				slog.Any("error", err))
		}
		cancel()
	}
}

// Close drains buffered events and closes the publisher.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.done
		err = s.publisher.Close()
	})
	return err
}

var _ stream.Sink = (*Sink)(nil)
