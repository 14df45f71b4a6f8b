package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Error is a classified service failure
type Error struct {
	Op         string // operation, e.g. "transcribe"
	StatusCode int    // HTTP status, 0 for transport failures
	Message    string // response body or error text
	Retryable  bool
	Err        error
}

// Error formats HTTP failures as "HTTP <code>: <body>"
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Op + " failed"
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// RetryableStatus reports whether an HTTP status warrants a retry: 5xx and 429
func RetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// FromStatus classifies a non-2xx HTTP response
func FromStatus(op string, code int, body string) *Error {
	return &Error{
		Op:         op,
		StatusCode: code,
		Message:    body,
		Retryable:  RetryableStatus(code),
	}
}

// Transport wraps a failure that happened before a response was received
func Transport(op string, err error) *Error {
	return &Error{Op: op, Message: err.Error(), Retryable: true, Err: err}
}

// Fatal wraps a failure that must not be retried
func Fatal(op string, err error) *Error {
	return &Error{Op: op, Message: err.Error(), Retryable: false, Err: err}
}

// IsRetryable reports whether err should be retried. Unclassified network
// and deadline errors are retryable; everything else is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// FromOpenAI classifies an error returned by the go-openai client
func FromOpenAI(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := FromStatus(op, apiErr.HTTPStatusCode, apiErr.Message)
		e.Err = err
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := err.Error()
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		e := FromStatus(op, reqErr.HTTPStatusCode, msg)
		e.Err = err
		return e
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return Transport(op, err)
}
