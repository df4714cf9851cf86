package llm

// Role identifies who authored a message in a completion context.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the ordered context sent to a backend.
// Content is the processed text, i.e. what the backend should see.
type Message struct {
	Role    Role
	Content string
}

// UserText builds a user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantText builds an assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// Request is a single streaming completion call.
type Request struct {
	// Model overrides the provider's configured model when non-empty.
	Model    string
	Messages []Message
}

// EventType discriminates stream events.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventDone      EventType = "done"
	EventFailed    EventType = "failed"
)

// FailureReason is the coarse classification attached to a failed stream.
type FailureReason string

const (
	ReasonUnauthorized      FailureReason = "unauthorized"
	ReasonRateLimited       FailureReason = "rate_limited"
	ReasonNetwork           FailureReason = "network"
	ReasonMalformedResponse FailureReason = "malformed_response"
	ReasonUnknown           FailureReason = "unknown"
)

// Event is one unit read from a Stream.
type Event struct {
	Type   EventType
	Text   string        // EventTextDelta
	Reason FailureReason // EventFailed
	Err    error         // EventFailed, underlying cause when known
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventFailed
}
