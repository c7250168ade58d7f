package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the runtime. Callers use errors.Is to
// distinguish not-found and back-pressure conditions from hard failures.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMemoryNotFound  = errors.New("memory not found")
	ErrQueueFull       = errors.New("pending queue full")
	ErrQueueEmpty      = errors.New("pending queue empty")
	ErrTimeout         = errors.New("operation timed out")
	ErrSessionClosed   = errors.New("session is terminated")
)

// InvalidTransitionError reports a rejected session state transition.
// The state is left unchanged when this error is returned.
type InvalidTransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// MissingFieldsError reports validation failures with the offending fields.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// IsMissingFields reports whether err is a MissingFieldsError.
func IsMissingFields(err error) bool {
	var mfe *MissingFieldsError
	return errors.As(err, &mfe)
}
