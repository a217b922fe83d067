package service

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/exploopio/insight/pkg/client"
	inserrors "github.com/exploopio/insight/pkg/errors"
)

// maxFailureBody bounds the upstream body echoed back in a Failure.
const maxFailureBody = 1024

// Failure is the payload every operation returns instead of a result when it
// cannot complete. Kind is one of the errors package kind names
// ("not_found", "unsupported", "transport", "authentication", ...).
type Failure struct {
	Kind    string `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	// Status and Body are the upstream HTTP status and response body when
	// the failure came from the tracker.
	Status int    `json:"status,omitempty"`
	Body   string `json:"body,omitempty"`
}

// Error implements error so failures can be logged and wrapped.
func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("%s: %s (upstream status %d)", f.Kind, f.Message, f.Status)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// HTTPStatus maps the failure onto the status the HTTP surface answers with.
func (f *Failure) HTTPStatus() int {
	switch f.Kind {
	case inserrors.KindNotFound.String():
		return http.StatusNotFound
	case inserrors.KindUnsupported.String(), inserrors.KindInvalidInput.String():
		return http.StatusBadRequest
	case inserrors.KindAuthentication.String(), inserrors.KindAuthorization.String():
		return http.StatusBadGateway
	case inserrors.KindRateLimit.String():
		return http.StatusServiceUnavailable
	case inserrors.KindTimeout.String():
		return http.StatusGatewayTimeout
	case inserrors.KindInternal.String():
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// FailureFrom converts err into a Failure. Upstream status and body are
// carried over so a missing credential can be told apart from an outage.
func FailureFrom(op string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	kind := inserrors.GetKind(err)
	if kind == inserrors.KindUnknown {
		kind = inserrors.KindInternal
	}
	out := &Failure{Kind: kind.String(), Op: op, Message: err.Error()}

	if te, ok := client.IsTransportError(err); ok {
		out.Status = te.StatusCode
		out.Body = te.Body
		out.Body = truncateBody(out.Body)
		switch kind {
		case inserrors.KindAuthentication:
			out.Message = "the tracker rejected the API key; check upstream.api_key"
		case inserrors.KindAuthorization:
			out.Message = "the API key lacks permission for this query"
		}
	}
	return out
}

// truncateBody cuts s to at most maxFailureBody bytes without splitting a rune.
func truncateBody(s string) string {
	if len(s) <= maxFailureBody {
		return s
	}
	i := maxFailureBody
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

func notFound(op, message string) *Failure {
	return &Failure{Kind: inserrors.KindNotFound.String(), Op: op, Message: message}
}

func invalidInput(op, message string) *Failure {
	return &Failure{Kind: inserrors.KindInvalidInput.String(), Op: op, Message: message}
}
