package llm

import (
	"context"
	"io"
)

type channelStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events <-chan Event
}

// newEventStream runs producer in its own goroutine. The producer only emits
// deltas; the terminal event is derived from its return value: nil means
// EventDone, anything else is classified into EventFailed. Nothing is emitted
// once the stream has been closed.
func newEventStream(ctx context.Context, run func(context.Context, chan<- Event) error) Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		err := run(streamCtx, ch)
		if streamCtx.Err() != nil {
			return
		}
		final := Event{Type: EventDone}
		if err != nil {
			final = Event{Type: EventFailed, Reason: Classify(err), Err: err}
		}
		select {
		case ch <- final:
		case <-streamCtx.Done():
		}
	}()
	return &channelStream{ctx: streamCtx, cancel: cancel, events: ch}
}

// emit sends ev unless ctx is done first.
func emit(ctx context.Context, ch chan<- Event, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- ev:
		return nil
	}
}

// Recv returns the next event. Once the stream is closed or its context is
// cancelled, buffered deltas are discarded and the context error is returned.
func (s *channelStream) Recv() (Event, error) {
	if err := s.ctx.Err(); err != nil {
		return Event{}, err
	}
	select {
	case <-s.ctx.Done():
		return Event{}, s.ctx.Err()
	case event, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return event, nil
	}
}

func (s *channelStream) Close() error {
	s.cancel()
	return nil
}
