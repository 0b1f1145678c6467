package practice

import (
	"errors"
	"fmt"
)

// Error categories. Subsystems wrap these with context; callers classify
// with [errors.Is].
var (
	// ErrValidation marks a request rejected synchronously without retry.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing session, scenario, turn or evaluation.
	ErrNotFound = errors.New("not found")

	// ErrCapacity marks an admission-control denial.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrConflict marks an operation that is not allowed in the current state.
	ErrConflict = errors.New("conflict")
)

// Validation sub-categories. Each also matches [ErrValidation].
var (
	ErrAudioTooLarge       = validationKind("audio exceeds 128 KB; shorten or split the turn")
	ErrAudioDecode         = validationKind("invalid audio payload")
	ErrInvalidSequence     = validationKind("invalid sequence")
	ErrScenarioUnavailable = validationKind("scenario unavailable")
	ErrClockDrift          = validationKind("timestamp drift")
)

type kindError struct{ msg string }

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == ErrValidation }

func validationKind(msg string) error { return &kindError{msg: msg} }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
