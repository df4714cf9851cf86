package exchange

import (
	"context"
	"sync"

	"github.com/assischat/assischat/internal/store"
)

// Outcome is how an exchange ended.
type Outcome string

const (
	OutcomeFinalized Outcome = "finalized"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeAbandoned means the placeholder was deleted mid-stream and the
	// stream was dropped.
	OutcomeAbandoned Outcome = "abandoned"
)

// Result describes a finished exchange.
type Result struct {
	ChatID    string              `json:"chat_id"`
	MessageID string              `json:"message_id"`
	Outcome   Outcome             `json:"outcome"`
	Reason    store.FailureReason `json:"reason,omitempty"`
	// Err is set when the terminal state could not be written to disk. The
	// in-memory message is settled, but a restart recovers it as cancelled.
	Err error `json:"-"`
}

// Exchange is a handle on one in-flight send or resend.
type Exchange struct {
	ChatID    string
	MessageID string
	// UserMessageID is empty for a resend.
	UserMessageID string
	Provider      string

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	release sync.Once

	mu     sync.Mutex
	result Result
}

func newExchange(parent context.Context, chatID, messageID string) *Exchange {
	ctx, cancel := context.WithCancel(parent)
	return &Exchange{
		ChatID:    chatID,
		MessageID: messageID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		result:    Result{ChatID: chatID, MessageID: messageID},
	}
}

// Cancel asks the exchange to stop. The placeholder still ends up failed
// with ReasonCancelled before Done closes.
func (e *Exchange) Cancel() {
	e.cancel()
}

// Done is closed once terminal bookkeeping has run and the gate is released.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the exchange finishes or ctx is done.
func (e *Exchange) Wait(ctx context.Context) (Result, error) {
	select {
	case <-e.done:
		return e.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome so far; it is only meaningful after Done.
func (e *Exchange) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *Exchange) setOutcome(o Outcome, reason store.FailureReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result.Outcome = o
	e.result.Reason = reason
}

func (e *Exchange) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result.Err = err
}
