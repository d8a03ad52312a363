package treatmentplan

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle command applied to a plan.
type Event string

const (
	EventSubmit          Event = "submit"
	EventApprove         Event = "approve"
	EventRequestRevision Event = "request_revision"
	EventSignConsent     Event = "sign_consent"
	EventComplete        Event = "complete"
	EventCancel          Event = "cancel"
)

var allEvents = []Event{
	EventSubmit, EventApprove, EventRequestRevision,
	EventSignConsent, EventComplete, EventCancel,
}

type transitionKey struct {
	from  PlanStatus
	event Event
}

// planTransitions is the only place plan statuses are allowed to change.
var planTransitions = map[transitionKey]PlanStatus{
	{PlanDraft, EventSubmit}:             PlanProposed,
	{PlanRevisionRequested, EventSubmit}: PlanProposed,
	{PlanProposed, EventApprove}:         PlanApproved,
	{PlanProposed, EventRequestRevision}: PlanRevisionRequested,
	{PlanApproved, EventRequestRevision}: PlanRevisionRequested,
	{PlanApproved, EventSignConsent}:     PlanInProgress,
	{PlanInProgress, EventComplete}:      PlanCompleted,
	{PlanDraft, EventCancel}:             PlanCancelled,
	{PlanProposed, EventCancel}:          PlanCancelled,
	{PlanApproved, EventCancel}:          PlanCancelled,
	{PlanRevisionRequested, EventCancel}: PlanCancelled,
	{PlanInProgress, EventCancel}:        PlanCancelled,
}

// snapshotStatuses are the targets that capture a PlanVersion.
var snapshotStatuses = map[PlanStatus]bool{
	PlanProposed:   true,
	PlanApproved:   true,
	PlanInProgress: true,
	PlanCompleted:  true,
	PlanCancelled:  true,
}

// RequiresSnapshot reports whether entering status captures a version.
func RequiresSnapshot(status PlanStatus) bool {
	return snapshotStatuses[status]
}

// NextStatus looks up the transition table.
func NextStatus(from PlanStatus, event Event) (PlanStatus, bool) {
	to, ok := planTransitions[transitionKey{from, event}]
	return to, ok
}

// AllowedEvents lists the events that have an edge out of status.
func AllowedEvents(status PlanStatus) []Event {
	events := []Event{}
	for _, ev := range allEvents {
		if _, ok := NextStatus(status, ev); ok {
			events = append(events, ev)
		}
	}
	return events
}

// TransitionInput carries the actor and event-specific arguments.
type TransitionInput struct {
	Actor  string
	Note   string
	Signer string
	At     time.Time
}

// Transition validates event against the table and its preconditions and
// returns the plan as it looks after the move. plan is not modified.
func Transition(plan *TreatmentPlan, procedures []*Procedure, event Event, in TransitionInput) (*TreatmentPlan, error) {
	to, ok := NextStatus(plan.Status, event)
	if !ok {
		return nil, &IllegalTransitionError{
			From:   plan.Status,
			Event:  event,
			Reason: "transition not permitted from this status",
		}
	}
	if strings.TrimSpace(in.Actor) == "" {
		return nil, invalid("actor", "is required")
	}

	next := plan.Clone()
	next.Status = to
	next.UpdatedAt = in.At

	switch event {
	case EventSubmit:
		if countActive(procedures) == 0 {
			return nil, &IllegalTransitionError{
				From: plan.Status, Event: event, To: to,
				Reason: "plan has no procedures",
			}
		}
	case EventApprove:
		actor, at := in.Actor, in.At
		next.ApprovedBy = &actor
		next.ApprovedAt = &at
	case EventRequestRevision:
		if strings.TrimSpace(in.Note) == "" {
			return nil, invalid("note", "a reason is required when requesting a revision")
		}
		next.ApprovedBy = nil
		next.ApprovedAt = nil
	case EventSignConsent:
		if strings.TrimSpace(in.Signer) == "" {
			return nil, invalid("signed_by", "signer identity is required")
		}
		signer, at := in.Signer, in.At
		next.ConsentSignedBy = &signer
		next.ConsentSignedAt = &at
	case EventComplete:
		if open := unfinishedProcedures(procedures); len(open) > 0 {
			return nil, &IncompleteProceduresError{ProcedureIDs: open}
		}
	}
	return next, nil
}

func countActive(procedures []*Procedure) int {
	n := 0
	for _, p := range procedures {
		if p.Status != ProcedureCancelled {
			n++
		}
	}
	return n
}

func unfinishedProcedures(procedures []*Procedure) []uuid.UUID {
	var ids []uuid.UUID
	for _, p := range procedures {
		if !p.Status.Terminal() {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
