package exchange

import (
	"errors"

	"github.com/assischat/assischat/internal/store"
)

var (
	// ErrBusy means the chat already has an exchange in flight. Nothing was created.
	ErrBusy = errors.New("exchange already in progress for this chat")
	// ErrAdapterUnavailable means no usable backend is configured for the
	// chat's model. Nothing was created and no network call was made.
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrEmptyMessage       = errors.New("message is empty")

	ErrChatNotFound    = store.ErrChatNotFound
	ErrMessageNotFound = store.ErrMessageNotFound
	ErrNotResendable   = store.ErrNotResendable
)
