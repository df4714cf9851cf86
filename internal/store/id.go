package store

import "github.com/google/uuid"

// NewID returns a random identifier for chats and messages.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns a shortened version of an ID for display.
// Example: "3f2b9c1e-8d4a-4e7b-9a61-0c5d2f7e1a90" -> "3f2b9c1e"
func ShortID(id string) string {
	if len(id) < 8 {
		return id
	}
	return id[:8]
}
