package store

import "time"

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FailureReason is recorded on a failed assistant message.
type FailureReason string

const (
	ReasonUnauthorized       FailureReason = "unauthorized"
	ReasonRateLimited        FailureReason = "rate_limited"
	ReasonNetwork            FailureReason = "network"
	ReasonMalformedResponse  FailureReason = "malformed_response"
	ReasonUnknown            FailureReason = "unknown"
	ReasonAdapterUnavailable FailureReason = "adapter_unavailable"
	ReasonCancelled          FailureReason = "cancelled"
)

// Chat is a conversation. Receiving mirrors ownership of the chat's exchange
// gate and is never persisted.
type Chat struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Model         string    `json:"model"`
	MessagePrefix string    `json:"message_prefix,omitempty"`
	Receiving     bool      `json:"receiving"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// State is the lifecycle state derived from a message's fields.
type State string

const (
	StateReceiving State = "receiving"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// Message belongs to exactly one chat. An empty Content means no content has
// arrived yet. ProcessedContent is what was sent to the backend and is only
// set on user messages.
type Message struct {
	ID               string        `json:"id"`
	ChatID           string        `json:"chat_id"`
	Role             Role          `json:"role"`
	Timestamp        time.Time     `json:"timestamp"`
	Content          string        `json:"content,omitempty"`
	ProcessedContent string        `json:"processed_content,omitempty"`
	Receiving        bool          `json:"receiving"`
	FailedReason     FailureReason `json:"failed_reason,omitempty"`
}

// State reports which of receiving, complete or failed the message is in.
func (m Message) State() State {
	switch {
	case m.Receiving:
		return StateReceiving
	case m.FailedReason != "":
		return StateFailed
	default:
		return StateComplete
	}
}

// SentContent is the text a backend should see for this message.
func (m Message) SentContent() string {
	if m.Role == RoleUser && m.ProcessedContent != "" {
		return m.ProcessedContent
	}
	return m.Content
}

// ChatPatch updates selected chat fields; nil fields are left alone.
type ChatPatch struct {
	Name          *string `json:"name,omitempty"`
	Model         *string `json:"model,omitempty"`
	MessagePrefix *string `json:"message_prefix,omitempty"`
}
