package store

import "errors"

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotReceiving means a delta targeted a message that is no longer
	// streaming. Correct callers never see it.
	ErrNotReceiving  = errors.New("message is not receiving")
	ErrNotResendable = errors.New("only a settled assistant message can be resent")
)
