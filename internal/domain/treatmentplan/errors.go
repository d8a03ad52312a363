package treatmentplan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinels returned by repository implementations. The service translates
// them into the typed errors below.
var (
	ErrNotFound = errors.New("record not found")
	ErrStale    = errors.New("plan revision changed")
)

// ValidationError reports malformed input. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IllegalTransitionError reports a lifecycle move that is not in the
// transition table or whose preconditions are unmet. Event is empty when a
// ledger operation was refused because of the plan's status.
type IllegalTransitionError struct {
	From   PlanStatus
	Event  Event
	To     PlanStatus
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("plan is %s: %s", e.From, e.Reason)
	}
	if e.To == "" {
		return fmt.Sprintf("cannot %s a %s plan: %s", e.Event, e.From, e.Reason)
	}
	return fmt.Sprintf("cannot move plan %s -> %s (%s): %s", e.From, e.To, e.Event, e.Reason)
}

// IncompleteProceduresError is returned when completing a plan whose
// non-cancelled procedures are not all completed.
type IncompleteProceduresError struct {
	ProcedureIDs []uuid.UUID
}

func (e *IncompleteProceduresError) Error() string {
	ids := make([]string, len(e.ProcedureIDs))
	for i, id := range e.ProcedureIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("procedures not completed: %s", strings.Join(ids, ", "))
}

func (e *IncompleteProceduresError) Unwrap() error {
	return &IllegalTransitionError{
		From:   PlanInProgress,
		Event:  EventComplete,
		To:     PlanCompleted,
		Reason: "unfinished procedures",
	}
}

// StaleVersionError is an optimistic-concurrency conflict. Actual is zero
// when the conflict was detected at commit time.
type StaleVersionError struct {
	PlanID   uuid.UUID
	Expected int
	Actual   int
}

func (e *StaleVersionError) Error() string {
	if e.Actual == 0 {
		return fmt.Sprintf("plan %s was modified concurrently (read revision %d); re-fetch and retry", e.PlanID, e.Expected)
	}
	return fmt.Sprintf("plan %s is at revision %d, expected %d; re-fetch and retry", e.PlanID, e.Actual, e.Expected)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// PersistenceError wraps a storage failure. The operation was rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorKind returns a stable label for err, used in API responses and metrics.
func ErrorKind(err error) string {
	var (
		ve  *ValidationError
		ipe *IncompleteProceduresError
		ite *IllegalTransitionError
		se  *StaleVersionError
		nfe *NotFoundError
		pe  *PersistenceError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ipe):
		return "incomplete_procedures"
	case errors.As(err, &ite):
		return "illegal_transition"
	case errors.As(err, &se):
		return "stale_version"
	case errors.As(err, &nfe):
		return "not_found"
	case errors.As(err, &pe):
		return "persistence"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
