package transfer

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure so handlers can map it to a stable
// HTTP status without inspecting message text.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindRateLimited        Kind = "rate_limited"
	KindCircuitOpen        Kind = "circuit_open"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindInternal           Kind = "internal"
)

// Error is the transfer error type. Message is safe to return to clients;
// Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a transfer error with a formatted client-safe message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a transfer error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, defaulting to internal.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ErrCircuitOpen is returned by the breaker while the downstream dependency
// is considered unhealthy.
var ErrCircuitOpen = E(KindCircuitOpen, "object storage temporarily unavailable")

// IsRetryable reports whether err is a transient storage fault worth
// retrying. Circuit-open and client-fault errors are never retried.
func IsRetryable(err error) bool {
	return IsKind(err, KindStorageUnavailable)
}
