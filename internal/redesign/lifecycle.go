package redesign

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record matches an id or token.
	ErrNotFound = errors.New("redesign not found")
	// ErrInvalidTransition is returned when a status update loses its
	// compare-and-swap: the record was not in the state the update expected.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions lists the moves the generation pipeline may make. EXPIRED is not
// listed because it is reachable from every status once the token lapses.
var transitions = map[Status][]Status{
	StatusUploading:  {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a record in from may move to to.
func CanTransition(from, to Status) bool {
	if to == StatusExpired {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("redesign %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

// Unwrap lets callers match the error with errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
