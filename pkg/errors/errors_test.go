package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindUnknown, "unknown"},
		{KindTransport, "transport"},
		{KindValidation, "validation"},
		{KindNotFound, "not_found"},
		{KindUnsupported, "unsupported"},
		{KindInvalidInput, "invalid_input"},
		{KindAuthentication, "authentication"},
		{KindAuthorization, "authorization"},
		{KindRateLimit, "rate_limit"},
		{KindTimeout, "timeout"},
		{KindNetwork, "network"},
		{KindServer, "server"},
		{KindInternal, "internal"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "op and message and err",
			err:      &Error{Op: "cache.Refresh", Message: "refresh failed", Err: fmt.Errorf("connection refused")},
			expected: "cache.Refresh: refresh failed: connection refused",
		},
		{
			name:     "op and err",
			err:      &Error{Op: "cache.Refresh", Err: fmt.Errorf("connection refused")},
			expected: "cache.Refresh: connection refused",
		},
		{
			name:     "op and message",
			err:      &Error{Op: "resolve.Product", Message: "product \"x\" not found"},
			expected: "resolve.Product: product \"x\" not found",
		},
		{
			name:     "message only",
			err:      &Error{Message: "unsupported analysis type"},
			expected: "unsupported analysis type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

type kindedErr struct{ kind Kind }

func (k kindedErr) Error() string   { return "kinded" }
func (k kindedErr) ErrorKind() Kind { return k.kind }

func TestGetKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", fmt.Errorf("boom"), KindUnknown},
		{"typed", E(KindNotFound, "op", "missing"), KindNotFound},
		{"wrapped typed", fmt.Errorf("ctx: %w", E(KindUnsupported, "op")), KindUnsupported},
		{"kinded", kindedErr{KindRateLimit}, KindRateLimit},
		{"E inherits kind", E("op", kindedErr{KindServer}), KindServer},
		{"Wrap keeps kind", Wrap(kindedErr{KindAuthentication}, "op"), KindAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetKind(tt.err); got != tt.want {
				t.Errorf("GetKind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs_MatchesByKind(t *testing.T) {
	err := NotFound("resolve.Product", "product", "xyz")
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(NotFound(...), ErrNotFound) = false, want true")
	}
	if errors.Is(err, ErrUnsupportedAnalysis) {
		t.Error("errors.Is(NotFound(...), ErrUnsupportedAnalysis) = true, want false")
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound() = false, want true")
	}
}

func TestIsTransport(t *testing.T) {
	if !IsTransport(kindedErr{KindServer}) {
		t.Error("server errors should count as transport errors")
	}
	if IsTransport(E(KindValidation, "validate")) {
		t.Error("validation errors are not transport errors")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "op") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}
