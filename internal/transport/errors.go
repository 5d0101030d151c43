package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed send so callers can decide between retrying,
// waiting out a rate limit, or giving up on the recipient.
type ErrorKind int

const (
	// ErrTransient covers network faults and other retryable failures.
	ErrTransient ErrorKind = iota
	// ErrRateLimited means the platform imposed a mandatory wait (RetryAfter).
	ErrRateLimited
	// ErrForbidden means the recipient blocked the bot or the chat is unreachable.
	ErrForbidden
	// ErrBadRequest means the request itself is invalid (unknown chat,
	// oversized or malformed content). Retrying can never succeed.
	ErrBadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRateLimited:
		return "rate_limited"
	case ErrForbidden:
		return "forbidden"
	case ErrBadRequest:
		return "bad_request"
	default:
		return "transient"
	}
}

// SendError is the classified result of a failed SendText.
type SendError struct {
	Kind ErrorKind
	// RetryAfter is the mandatory wait imposed by the platform.
	// Only meaningful when Kind == ErrRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Kind == ErrRateLimited {
		return fmt.Sprintf("send %s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ClassifySend extracts the SendError classification from err.
// Unclassified errors are treated as transient.
func ClassifySend(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Kind: ErrTransient, Err: err}
}
