package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockTurn represents a single scripted response from the mock provider.
type MockTurn struct {
	Text       string        // Text to emit (chunked for realistic streaming) when Chunks is empty
	Chunks     []string      // Exact deltas to emit, in order
	Fail       FailureReason // Terminate with EventFailed after the deltas
	Delay      time.Duration // Optional delay before the first delta
	ChunkDelay time.Duration // Optional delay between deltas
	PauseAfter int           // Number of deltas to emit before waiting on Pause
	Pause      <-chan struct{}
	Error      error // Return this error from Stream instead of streaming
}

// MockProvider is a configurable provider for testing.
// It returns scripted responses and records all requests for verification.
type MockProvider struct {
	name      string
	valid     bool
	turns     []MockTurn
	turnIndex int
	Requests  []Request // Recorded requests for verification
	mu        sync.Mutex
}

// NewMockProvider creates a new mock provider with the given name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name, valid: true}
}

// Name returns the provider name.
func (m *MockProvider) Name() string {
	return m.name
}

// WithValid sets the ValidateConfig result.
func (m *MockProvider) WithValid(ok bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = ok
	return m
}

func (m *MockProvider) ValidateConfig(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// AddTurn adds a response turn and returns the provider for chaining.
func (m *MockProvider) AddTurn(t MockTurn) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	return m
}

// AddTextResponse is a convenience method to add a simple text response.
func (m *MockProvider) AddTextResponse(text string) *MockProvider {
	return m.AddTurn(MockTurn{Text: text})
}

// AddChunks adds a turn emitting exactly the given deltas followed by Done.
func (m *MockProvider) AddChunks(chunks ...string) *MockProvider {
	return m.AddTurn(MockTurn{Chunks: chunks})
}

// AddFailure adds a turn emitting the given deltas followed by Failed(reason).
func (m *MockProvider) AddFailure(reason FailureReason, chunks ...string) *MockProvider {
	return m.AddTurn(MockTurn{Chunks: chunks, Fail: reason})
}

// AddError adds a turn whose Stream call fails with err.
func (m *MockProvider) AddError(err error) *MockProvider {
	return m.AddTurn(MockTurn{Error: err})
}

// RequestCount returns the number of Stream calls seen.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent recorded request.
func (m *MockProvider) LastRequest() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}

// Stream implements the Provider interface.
func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)

	if m.turnIndex >= len(m.turns) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock provider: no more turns configured (expected turn %d, have %d)", m.turnIndex, len(m.turns))
	}

	turn := m.turns[m.turnIndex]
	m.turnIndex++
	m.mu.Unlock()

	if turn.Error != nil {
		return nil, turn.Error
	}

	chunks := turn.Chunks
	if len(chunks) == 0 && turn.Text != "" {
		chunks = chunkText(turn.Text, 10)
	}

	return newEventStream(ctx, func(ctx context.Context, ch chan<- Event) error {
		if err := sleepCtx(ctx, turn.Delay); err != nil {
			return err
		}
		for i, chunk := range chunks {
			if turn.Pause != nil && i == turn.PauseAfter {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-turn.Pause:
				}
			}
			if i > 0 {
				if err := sleepCtx(ctx, turn.ChunkDelay); err != nil {
					return err
				}
			}
			if err := emit(ctx, ch, Event{Type: EventTextDelta, Text: chunk}); err != nil {
				return err
			}
		}
		if turn.Pause != nil && turn.PauseAfter >= len(chunks) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-turn.Pause:
			}
		}
		if turn.Fail != "" {
			return &StreamError{Reason: turn.Fail}
		}
		return nil
	}), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// chunkText splits text into chunks of approximately the given size.
// It tries to break at word boundaries when possible.
func chunkText(text string, chunkSize int) []string {
	if len(text) == 0 {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= chunkSize {
			chunks = append(chunks, text)
			break
		}

		// Find a good break point (space) near the chunk size
		breakPoint := chunkSize
		for i := chunkSize; i > chunkSize/2; i-- {
			if text[i] == ' ' {
				breakPoint = i + 1 // include the space in current chunk
				break
			}
		}

		chunks = append(chunks, text[:breakPoint])
		text = text[breakPoint:]
	}
	return chunks
}
