package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	// ErrNoCredential is returned by NewProvider when the settings carry no credential.
	ErrNoCredential = errors.New("no credential configured")
	// ErrEmptyContext is returned by Stream when the request has no messages.
	ErrEmptyContext = errors.New("no messages in request")
	// ErrTruncated marks a response body that ended without a terminal marker.
	ErrTruncated = errors.New("stream ended without completion marker")
)

// HTTPError is a non-2xx response from a vendor endpoint. StatusCode is zero
// when the error arrived inside an otherwise successful stream.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.StatusCode == 0 {
		return "API error: " + msg
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, msg)
}

// Reason maps the status and vendor error code to a FailureReason.
func (e *HTTPError) Reason() FailureReason {
	return StatusReason(e.StatusCode, e.Code)
}

// StreamError pins an explicit reason onto an error.
type StreamError struct {
	Reason FailureReason
	Err    error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// StatusReason classifies an HTTP status plus an optional machine-readable
// error code. A recognised code wins over the status.
func StatusReason(status int, code string) FailureReason {
	switch code {
	case "invalid_api_key", "invalid_authentication", "authentication_error", "permission_error":
		return ReasonUnauthorized
	case "rate_limit_exceeded", "insufficient_quota", "rate_limit_error":
		return ReasonRateLimited
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ReasonUnauthorized
	case http.StatusTooManyRequests:
		return ReasonRateLimited
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ReasonNetwork
	}
	return ReasonUnknown
}

// Classify maps any producer error to a FailureReason.
func Classify(err error) FailureReason {
	if err == nil {
		return ""
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Reason
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Reason()
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ReasonMalformedResponse
	}

	if errors.Is(err, ErrTruncated) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ReasonNetwork
	}
	return ReasonUnknown
}
