package stream

import "sync"

// Sink receives a copy of every frame for one request. Implementations must
// not block the caller.
type Sink interface {
	Send(requestID string, f Frame)
}

type tee struct {
	primary   Writer
	sink      Sink
	requestID string
	once      sync.Once
}

// Tee mirrors frames written to primary into sink, tagged with requestID.
// The primary writer decides ordering and errors; the sink is best effort.
func Tee(primary Writer, sink Sink, requestID string) Writer {
	if sink == nil {
		return primary
	}
	return &tee{primary: primary, sink: sink, requestID: requestID}
}

func (t *tee) Emit(f Frame) error {
	if err := t.primary.Emit(f); err != nil {
		return err
	}
	t.sink.Send(t.requestID, f)
	return nil
}

func (t *tee) Close() error {
	err := t.primary.Close()
	t.once.Do(func() {
		t.sink.Send(t.requestID, Frame{Kind: KindClose})
	})
	return err
}
