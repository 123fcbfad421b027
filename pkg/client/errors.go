package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidArgument is returned for caller input rejected before any I/O.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAuthentication is returned when the credential is missing or rejected.
	ErrAuthentication = errors.New("authentication failed")

	// ErrProtocol matches every *ProtocolError via errors.Is.
	ErrProtocol = errors.New("protocol error")
)

// maxBodySnippet bounds the response body kept on a ProtocolError.
const maxBodySnippet = 512

// ProtocolError describes a malformed response or a request that kept failing
// after all retries. It carries the last observed status and body for diagnosis.
type ProtocolError struct {
	Class      ErrorClass
	StatusCode int
	Body       string
	Attempts   int
	Message    string
	Err        error
}

// newProtocolError builds a ProtocolError, truncating the body snippet.
func newProtocolError(class ErrorClass, status int, body []byte, msg string, err error) *ProtocolError {
	return &ProtocolError{
		Class:      class,
		StatusCode: status,
		Body:       truncate(body, maxBodySnippet),
		Message:    msg,
		Err:        err,
	}
}

// NewShapeError reports a decodable response that lacks a required field or
// carries a value of the wrong type.
func NewShapeError(err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Class:   ErrorClassShape,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Class, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s error (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is reports true for ErrProtocol so callers can match the whole category.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient, ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork, ErrorClassPage:
		return true
	case ErrorClassAuth, ErrorClassGraphQL, ErrorClassDecode, ErrorClassShape:
		return false
	default:
		return false
	}
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "...(truncated)"
}
