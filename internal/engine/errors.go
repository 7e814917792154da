package engine

import (
	"errors"
	"fmt"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/billing"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/repo"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrAccessDenied is indistinguishable from a missing task to callers
	// matching on repo.ErrNotFound.
	ErrAccessDenied      error = accessDenied{}
	ErrInvalidTransition       = errors.New("invalid status transition")
	// ErrUpstream marks a model failure that exhausted automatic retries.
	ErrUpstream = errors.New("upstream model failure")
)

type accessDenied struct{}

func (accessDenied) Error() string { return "not found" }

func (accessDenied) Is(target error) bool { return target == repo.ErrNotFound }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsConflict reports whether err rejects an operation because of the
// task's current status. A concurrent approval that lost the race to charge
// counts as one.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, repo.ErrStatusConflict) ||
		errors.Is(err, billing.ErrAlreadyCharged)
}
