// Package lifecycle holds the pure service-request state machine. It knows
// nothing about persistence or transport; the engine consults it before any
// write.
package lifecycle

import (
	"fmt"

	"guichet/internal/domain"
)

// transitions is the full legal transition table. Anything absent is illegal;
// in particular a pending request cannot jump straight to validated, and
// awaiting_documents is only reachable from (and returns to) in_progress.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusPending:           {domain.StatusInProgress},
	domain.StatusInProgress:        {domain.StatusValidated, domain.StatusRejected, domain.StatusAwaitingDocuments},
	domain.StatusAwaitingDocuments: {domain.StatusInProgress},
	domain.StatusValidated:         {domain.StatusCompleted},
	domain.StatusRejected:          {},
	domain.StatusCompleted:         {},
}

// InvalidTransitionError reports an attempt to move a request along an edge
// that is not in the transition table. No partial effect may be applied when
// it is returned.
type InvalidTransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid request status transition %s -> %s", e.From, e.To)
}

// Known reports whether s is one of the defined statuses.
func Known(s domain.Status) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s has no outbound transitions.
func Terminal(s domain.Status) bool {
	targets, ok := transitions[s]
	return ok && len(targets) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to domain.Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EnsureTransition validates from -> to, returning *InvalidTransitionError
// when the edge is illegal or either status is unknown.
func EnsureTransition(from, to domain.Status) error {
	if !Known(from) || !Known(to) || !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Targets returns the legal targets from a given status, in table order.
func Targets(from domain.Status) []domain.Status {
	targets := transitions[from]
	out := make([]domain.Status, len(targets))
	copy(out, targets)
	return out
}
