package transport

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassifySend(t *testing.T) {
	t.Parallel()

	if got := ClassifySend(nil); got != nil {
		t.Fatalf("ClassifySend(nil) = %v", got)
	}

	plain := errors.New("connection reset")
	se := ClassifySend(plain)
	if se.Kind != ErrTransient {
		t.Errorf("plain error classified as %v, want transient", se.Kind)
	}
	if !errors.Is(se, plain) {
		t.Error("classified error does not unwrap to the original")
	}

	limited := &SendError{Kind: ErrRateLimited, RetryAfter: 3 * time.Second, Err: errors.New("429")}
	if got := ClassifySend(limited); got != limited {
		t.Error("already-classified error was rewrapped")
	}

	wrapped := &SendError{Kind: ErrForbidden, Err: errors.New("blocked")}
	if got := ClassifySend(errors.Join(errors.New("outer"), wrapped)); got.Kind != ErrForbidden {
		t.Errorf("wrapped SendError classified as %v, want forbidden", got.Kind)
	}
}

func TestSendErrorMessage(t *testing.T) {
	t.Parallel()

	limited := &SendError{Kind: ErrRateLimited, RetryAfter: 2 * time.Second, Err: errors.New("flood")}
	if msg := limited.Error(); !strings.Contains(msg, "retry after 2s") {
		t.Errorf("rate-limited message %q does not mention the wait", msg)
	}

	bad := &SendError{Kind: ErrBadRequest, Err: errors.New("chat not found")}
	if msg := bad.Error(); !strings.Contains(msg, "bad_request") {
		t.Errorf("message %q does not name the kind", msg)
	}
}

func TestErrorKindString(t *testing.T) {
	t.Parallel()

	cases := map[ErrorKind]string{
		ErrTransient:   "transient",
		ErrRateLimited: "rate_limited",
		ErrForbidden:   "forbidden",
		ErrBadRequest:  "bad_request",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
