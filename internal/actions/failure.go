package actions

import (
	"errors"

	"github.com/yungbote/supplements-backend/internal/actions/dependency"
	"github.com/yungbote/supplements-backend/internal/actions/schema"
)

// IsTerminal reports whether err will recur on every retry of the same
// request: bad input, bad provider output, configuration mismatches and
// missing upstream results. Anything else is treated as transient.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var sv *schema.SchemaViolation
	switch {
	case errors.As(err, &sv):
		return true
	case errors.Is(err, ErrInvalidAction),
		errors.Is(err, ErrInvalidQuestion),
		errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrNothingToAccept),
		errors.Is(err, ErrNothingToVerify),
		errors.Is(err, dependency.ErrUpstreamNotFound):
		return true
	}
	return false
}

// FailureMessage is the user-facing text stored for a terminal error. The
// raw error is logged, not stored.
func FailureMessage(err error) string {
	var sv *schema.SchemaViolation
	switch {
	case errors.Is(err, dependency.ErrUpstreamNotFound):
		return "The accepted result this action depends on is no longer available."
	case errors.As(err, &sv) && sv.Kind == schema.KindExternal:
		return "The external service returned an unexpected result."
	case errors.As(err, &sv):
		return "The request could not be processed."
	case errors.Is(err, ErrInvalidAction), errors.Is(err, ErrInvalidQuestion), errors.Is(err, ErrInvalidParams):
		return "The action is not configured for this question."
	default:
		return "Processing failed."
	}
}
