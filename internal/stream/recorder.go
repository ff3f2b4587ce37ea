package stream

import "sync"

// Recorder keeps frames in memory. It backs non-streaming callers and tests.
type Recorder struct {
	mu     sync.Mutex
	frames []Frame
	closes int
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closes > 0 {
		return ErrClosed
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

// Frames returns a copy of the emitted frames.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// Count returns how many frames of kind were emitted.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Closed reports whether Close has been called at least once.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes > 0
}

// Closes reports how many times Close was called.
func (r *Recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}
