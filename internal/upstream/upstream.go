// Package upstream classifies failures returned by the remote completion and
// synthesis providers.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Kind distinguishes a provider that answered with an error status from one
// that could not be reached or returned an unusable body.
type Kind int

const (
	KindTransport Kind = iota
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	default:
		return "transport"
	}
}

// FallbackMessage is reported when a provider rejects a call without a readable message.
const FallbackMessage = "Failed to get response from API."

// maxErrorBody bounds how much of a failed response body is read.
const maxErrorBody = 8 << 10

type Error struct {
	Provider string
	Kind     Kind
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Kind == KindRejected {
		return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Rejected builds an error for a non-2xx provider response.
func Rejected(provider string, status int, message string) *Error {
	if message == "" {
		message = FallbackMessage
	}
	return &Error{Provider: provider, Kind: KindRejected, Status: status, Message: message}
}

// Transport wraps a network, timeout or decoding failure.
func Transport(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindTransport, Status: http.StatusInternalServerError, Err: err}
}

// HTTPStatus maps any pipeline error onto the status reported to the caller.
func HTTPStatus(err error) int {
	var upErr *Error
	if errors.As(err, &upErr) && upErr.Kind == KindRejected && upErr.Status >= 400 && upErr.Status <= 599 {
		return upErr.Status
	}
	return http.StatusInternalServerError
}

// ClientMessage returns the message shown to the caller. Rejections relay the
// provider's message verbatim; everything else is an internal error.
func ClientMessage(err error) string {
	var upErr *Error
	if errors.As(err, &upErr) && upErr.Kind == KindRejected {
		return upErr.Message
	}
	return "Internal Server Error: " + err.Error()
}

// Cancelled reports whether err stems from the caller going away or the
// request deadline expiring.
func Cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ReadErrorBody reads at most maxErrorBody bytes of a failed response.
func ReadErrorBody(r io.Reader) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return body
}
