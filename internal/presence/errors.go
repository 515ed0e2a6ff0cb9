package presence

import (
	"errors"
	"fmt"
	"strings"

	"hotmess-kernel/internal/store"
)

var (
	ErrNotAuthenticated     = errors.New("presence: actor is not authenticated")
	ErrOnboardingIncomplete = errors.New("presence: onboarding incomplete")
	ErrBlocked              = errors.New("presence: actor is blocked")
	ErrNotLive              = errors.New("presence: actor is not live")
	ErrInvalidCoordinates   = errors.New("presence: invalid coordinates")
	ErrInvalidDuration      = errors.New("presence: invalid duration")
)

// PolicyReason names why the backend refused a write.
type PolicyReason string

const (
	ReasonOnboardingIncomplete PolicyReason = "onboarding_incomplete"
	ReasonBlocked              PolicyReason = "blocked"
	ReasonNotPermitted         PolicyReason = "not_permitted"
)

// PolicyError a server-side policy rejected the operation. It matches
// ErrOnboardingIncomplete or ErrBlocked through errors.Is when the reason says so.
type PolicyError struct {
	Reason    PolicyReason
	Procedure string
	Message   string
	Err       error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("presence: %s rejected by policy (%s): %s", e.Procedure, e.Reason, e.Message)
}

func (e *PolicyError) Unwrap() error { return e.Err }

func (e *PolicyError) Is(target error) bool {
	switch target {
	case ErrOnboardingIncomplete:
		return e.Reason == ReasonOnboardingIncomplete
	case ErrBlocked:
		return e.Reason == ReasonBlocked
	}
	return false
}

// SQLSTATEs raised by policy checks: raise_exception and insufficient_privilege.
var policyCodes = map[string]bool{
	"P0001": true,
	"42501": true,
}

// classify turns a procedure rejection into a PolicyError; other errors are wrapped as-is.
func classify(procedure string, err error) error {
	var procErr *store.ProcedureError
	if !errors.As(err, &procErr) {
		return fmt.Errorf("presence: %s failed: %w", procedure, err)
	}

	text := strings.ToLower(procErr.Message + " " + procErr.Hint + " " + procErr.Details)
	reason := PolicyReason("")
	switch {
	case strings.Contains(text, "onboarding"):
		reason = ReasonOnboardingIncomplete
	case strings.Contains(text, "blocked"), strings.Contains(text, "banned"):
		reason = ReasonBlocked
	case policyCodes[procErr.Code]:
		reason = ReasonNotPermitted
	default:
		return fmt.Errorf("presence: %s failed: %w", procedure, err)
	}

	return &PolicyError{
		Reason:    reason,
		Procedure: procedure,
		Message:   procErr.Message,
		Err:       procErr,
	}
}
