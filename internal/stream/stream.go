// Package stream delivers ordered progress frames to the caller of one agent
// request. Every writer accepts frames until Close; Close is idempotent and
// always produces exactly one close signal.
package stream

import "errors"

// Kind identifies a frame on the wire.
type Kind string

const (
	KindStatus Kind = "status"
	KindOutput Kind = "output"
	KindError  Kind = "error"
	KindClose  Kind = "close"
)

// Terminal reports whether a frame of this kind ends the request.
func (k Kind) Terminal() bool {
	return k == KindOutput || k == KindError
}

// Frame is one short, human readable progress message.
type Frame struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

// Status builds a status frame.
func Status(text string) Frame { return Frame{Kind: KindStatus, Text: text} }

// Output builds a terminal success frame.
func Output(text string) Frame { return Frame{Kind: KindOutput, Text: text} }

// Error builds a terminal error frame.
func Error(text string) Frame { return Frame{Kind: KindError, Text: text} }

// ErrClosed is returned when emitting on a closed writer.
var ErrClosed = errors.New("stream: writer closed")

// ErrTerminated is returned when a frame follows an output or error frame.
var ErrTerminated = errors.New("stream: request already terminated")

// Writer receives frames in production order.
type Writer interface {
	Emit(f Frame) error
	Close() error
}
