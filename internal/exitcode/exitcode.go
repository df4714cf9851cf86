package exitcode

// Exit codes for assischat commands
const (
	Success            = 0
	Error              = 1
	Busy               = 2 // the chat already has an exchange in flight
	AdapterUnavailable = 3 // no usable backend for the chat's model
	Cancelled          = 130 // 128 + SIGINT
)

// ExitError is an error that carries a specific exit code
type ExitError struct {
	Code    int
	Message string
}

func (e ExitError) Error() string {
	return e.Message
}

// Convenience constructors
func BusyChat(msg string) ExitError    { return ExitError{Code: Busy, Message: msg} }
func Unavailable(msg string) ExitError { return ExitError{Code: AdapterUnavailable, Message: msg} }
func Cancel() ExitError                { return ExitError{Code: Cancelled, Message: "cancelled"} }
