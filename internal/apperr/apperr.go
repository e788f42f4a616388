// Package apperr defines the closed error taxonomy shared by every
// component. Components return *apperr.Error at I/O boundaries so callers
// can branch on Kind without string matching.
package apperr

import "fmt"

// Kind is one of the error classes from the design's error handling section.
type Kind string

const (
	KindValidation                 Kind = "ValidationError"
	KindConfig                     Kind = "ConfigError"
	KindTransport                  Kind = "TransportError"
	KindRateLimited                Kind = "RateLimited"
	KindAuthExpired                Kind = "AuthExpired"
	KindRejectedByBroker           Kind = "RejectedByBroker"
	KindNotFound                   Kind = "NotFound"
	KindMalformed                  Kind = "Malformed"
	KindNoSuitableContract         Kind = "NoSuitableContract"
	KindUnreasonableSpread         Kind = "UnreasonableSpread"
	KindUnreasonableSpreadPersisted Kind = "UnreasonableSpreadPersisted"
	KindStorage                    Kind = "StorageError"
	KindShutdownRequested          Kind = "ShutdownRequested"
	KindInvalidTick                Kind = "InvalidTick"
)

// Error is the concrete error type carried across every boundary.
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

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Retryable reports whether the given Kind is transient and worth retrying
// according to the design's propagation policy.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransport, KindRateLimited, KindAuthExpired:
		return true
	default:
		return false
	}
}
