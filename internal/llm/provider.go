package llm

import "context"

// Provider is a vendor backend capable of validating its credentials and
// streaming a completion.
//
// Vendor failures never surface as an error from Stream. They arrive inside
// the stream as an EventFailed. The error return is reserved for local faults
// such as an empty context or a client that cannot be constructed.
type Provider interface {
	Name() string
	// ValidateConfig performs one lightweight authenticated round-trip and
	// reports whether it succeeded. It never returns an error.
	ValidateConfig(ctx context.Context) bool
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream is a single-consumer, non-restartable sequence of events. Exactly
// one terminal event (EventDone or EventFailed) is delivered, after which
// Recv returns io.EOF. Close cancels the underlying network operation.
type Stream interface {
	Recv() (Event, error)
	Close() error
}
