package serve

import (
	"github.com/assischat/assischat/internal/store"
)

// WireEvent is the JSON envelope sent server->client on a watch socket.
// Seq is monotonic per connection; snapshots restart nothing and carry the
// next Seq like any other event.
type WireEvent struct {
	Seq    int64  `json:"seq"`
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`

	// snapshot
	Messages []store.Message `json:"messages,omitempty"`

	// snapshot / chat_*
	Chat *store.Chat `json:"chat,omitempty"`

	// message_*
	Message    *store.Message `json:"message,omitempty"`
	MessageIDs []string       `json:"message_ids,omitempty"`

	// accepted
	MessageID     string `json:"message_id,omitempty"`
	UserMessageID string `json:"user_message_id,omitempty"`

	// error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	wireSnapshot = "snapshot"
	wireAccepted = "accepted"
	wireError    = "error"
)

// ClientEvent is the JSON envelope sent client->server on a watch socket.
type ClientEvent struct {
	Type string `json:"type"` // send, resend, cancel

	// send
	Text string `json:"text,omitempty"`

	// resend
	MessageID string `json:"message_id,omitempty"`
}

// ToWireEvent converts a store change into a WireEvent with the supplied sequence.
func ToWireEvent(seq int64, c store.Change) WireEvent {
	return WireEvent{
		Seq:        seq,
		Type:       string(c.Kind),
		ChatID:     c.ChatID,
		Chat:       c.Chat,
		Message:    c.Message,
		MessageIDs: c.MessageIDs,
	}
}

// chatRequest is the body of chat create and update calls.
type chatRequest struct {
	Name          *string `json:"name"`
	Model         *string `json:"model"`
	MessagePrefix *string `json:"message_prefix"`
}

type sendRequest struct {
	Text string `json:"text"`
}

type acceptedResponse struct {
	ChatID        string `json:"chat_id"`
	MessageID     string `json:"message_id"`
	UserMessageID string `json:"user_message_id,omitempty"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
