// Package errors provides the error taxonomy shared by every insight package.
//
// Errors carry a Kind so that callers can tell a misconfigured credential from an
// upstream outage or a name that simply did not resolve, without string matching.
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all insight errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "resolve.Product")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTransport
	KindValidation
	KindNotFound
	KindUnsupported
	KindInvalidInput
	KindAuthentication
	KindAuthorization
	KindRateLimit
	KindTimeout
	KindNetwork
	KindServer
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	case KindInvalidInput:
		return "invalid_input"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			if e.Message == "" {
				return fmt.Sprintf("%s: %v", e.Op, e.Err)
			}
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
// Two *Error values match when their kinds are equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Kinded is implemented by errors from other packages (for example the
// transport error) that know their own Kind.
type Kinded interface {
	error
	ErrorKind() Kind
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
			if e.Kind == KindUnknown {
				e.Kind = GetKind(a)
			}
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with the operation name, keeping its kind.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: GetKind(err), Op: op, Err: err}
}

// NotFound builds a KindNotFound error for an entity that did not resolve.
func NotFound(op, entity, name string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", entity, name)}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// IsNotFound checks if the error is an entity-resolution failure.
func IsNotFound(err error) bool {
	return GetKind(err) == KindNotFound
}

// IsUnsupported checks if the error reports an unsupported analysis.
func IsUnsupported(err error) bool {
	return GetKind(err) == KindUnsupported
}

// IsAuthenticationError checks if the error is an authentication error.
func IsAuthenticationError(err error) bool {
	return GetKind(err) == KindAuthentication
}

// IsValidation checks if the error is a per-record validation error.
func IsValidation(err error) bool {
	return GetKind(err) == KindValidation
}

// IsTransport reports whether the error came from talking to the upstream API.
func IsTransport(err error) bool {
	switch GetKind(err) {
	case KindTransport, KindAuthentication, KindAuthorization, KindRateLimit,
		KindTimeout, KindNetwork, KindServer:
		return true
	}
	return false
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrNotFound matches any KindNotFound error via errors.Is.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrUnsupportedAnalysis is returned for an analysis kind outside the closed set.
	ErrUnsupportedAnalysis = &Error{Kind: KindUnsupported, Message: "unsupported analysis type"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}

	// ErrMissingAPIKey is returned when API key is missing.
	ErrMissingAPIKey = &Error{Kind: KindAuthentication, Message: "API key is required"}
)
