package treatmentplan

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dentalcare/txplan/internal/platform/metrics"
)

const (
	defaultPlanTitle     = "Treatment Plan"
	defaultCommitTimeout = 15 * time.Second
)

// Mutation carries the caller identity and the optional revision the caller
// last saw. A non-nil ExpectedRevision that no longer matches fails the call
// before anything is written.
type Mutation struct {
	Actor            string
	ExpectedRevision *int
}

// TransitionRequest is the input to the lifecycle operations.
type TransitionRequest struct {
	Actor            string
	Note             string
	Signer           string
	ExpectedRevision *int
}

type CreatePlanInput struct {
	PatientID   string  `json:"patient_id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Notes       *string `json:"notes,omitempty"`
	Actor       string  `json:"actor"`
}

// PlanPatch updates plan metadata. Notes is appended to the plan's log.
type PlanPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

// PlanDetail is a plan together with its current procedures.
type PlanDetail struct {
	*TreatmentPlan
	Procedures []*Procedure `json:"procedures"`
}

// commitSet is everything one mutation writes. It is applied in a single
// transaction conditioned on the plan revision read before computing it.
type commitSet struct {
	plan             *TreatmentPlan
	expectedRevision int
	created          []*Procedure
	updated          []*Procedure
	deleted          []uuid.UUID
	version          *PlanVersion
	audit            *AuditEntry
}

// Service is the only entry point for reading and changing plans.
type Service struct {
	repos         Repositories
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	commitTimeout time.Duration
}

func NewService(repos Repositories, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repos:         repos,
		logger:        logger.With().Str("component", "treatmentplan").Logger(),
		metrics:       m,
		now:           func() time.Time { return time.Now().UTC() },
		commitTimeout: defaultCommitTimeout,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetCommitTimeout bounds the commit phase, which runs detached from the
// caller's cancellation once started.
func (s *Service) SetCommitTimeout(d time.Duration) {
	if d > 0 {
		s.commitTimeout = d
	}
}

// clock truncates to the precision Postgres stores.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// -- Plans --

func (s *Service) CreatePlan(ctx context.Context, in CreatePlanInput) (plan *TreatmentPlan, err error) {
	const op = "create_plan"
	defer func() { s.observe(op, planIDOf(plan), in.Actor, err) }()

	if err = requireActor(in.Actor); err != nil {
		return nil, err
	}
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, invalid("patient_id", "is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultPlanTitle
	}

	now := s.clock()
	plan = &TreatmentPlan{
		ID:          uuid.New(),
		PatientID:   patientID,
		Title:       title,
		Description: cloneStr(in.Description),
		Status:      PlanDraft,
		CreatedBy:   in.Actor,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
		Revision:    1,
	}
	if in.Notes != nil && strings.TrimSpace(*in.Notes) != "" {
		plan.Notes = appendNote(nil, in.Actor, *in.Notes, now)
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	cctx, cancel := s.commitContext(ctx)
	defer cancel()
	err = s.repos.Tx.WithinTx(cctx, func(tx context.Context) error {
		if err := s.repos.Plans.Create(tx, plan); err != nil {
			return err
		}
		return s.repos.Audit.Append(tx, createdEntry(plan))
	})
	if err != nil {
		return nil, &PersistenceError{Op: op, Err: err}
	}
	return plan, nil
}

func (s *Service) UpdatePlan(ctx context.Context, id uuid.UUID, patch PlanPatch, m Mutation) (plan *TreatmentPlan, err error) {
	const op = "update_plan"
	defer func() { s.observe(op, id, m.Actor, err) }()

	if err = requireActor(m.Actor); err != nil {
		return nil, err
	}
	if patch.Title == nil && patch.Description == nil && patch.Notes == nil {
		return nil, invalid("", "no fields to update")
	}
	cur, err := s.loadPlan(ctx, op, id, m.ExpectedRevision)
	if err != nil {
		return nil, err
	}
	if err = ensureEditable(cur); err != nil {
		return nil, err
	}

	now := s.clock()
	next := cur.Clone()
	changes := map[string]Change{}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, invalid("title", "must not be empty")
		}
		next.Title = title
		if title != cur.Title {
			changes["title"] = Change{Old: cur.Title, New: title}
		}
	}
	if patch.Description != nil {
		next.Description = cloneStr(patch.Description)
		diffStr(changes, "description", cur.Description, next.Description)
	}
	if patch.Notes != nil && strings.TrimSpace(*patch.Notes) != "" {
		next.Notes = appendNote(cur.Notes, m.Actor, *patch.Notes, now)
		changes["notes"] = Change{Old: strVal(cur.Notes), New: strVal(next.Notes)}
	}
	next.UpdatedAt = now
	next.Revision = cur.Revision + 1

	err = s.commit(ctx, op, &commitSet{
		plan:             next,
		expectedRevision: cur.Revision,
		audit:            planUpdatedEntry(next, changes, m.Actor, now),
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	p, err := s.repos.Plans.GetByID(ctx, id)
	if err != nil {
		return nil, readError("get_plan", "plan", id.String(), err)
	}
	return p, nil
}

func (s *Service) GetPlanDetail(ctx context.Context, id uuid.UUID) (*PlanDetail, error) {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	procs, err := s.repos.Procedures.ListByPlan(ctx, id)
	if err != nil {
		return nil, readError("get_plan", "plan", id.String(), err)
	}
	return &PlanDetail{TreatmentPlan: plan, Procedures: procs}, nil
}

// ListPlans pages through a patient's plans, newest first. An empty
// patientID lists every plan in the practice.
func (s *Service) ListPlans(ctx context.Context, patientID string, limit, offset int) ([]*TreatmentPlan, int, error) {
	items, total, err := s.repos.Plans.ListByPatient(ctx, strings.TrimSpace(patientID), limit, offset)
	if err != nil {
		return nil, 0, readError("list_plans", "plan", patientID, err)
	}
	if items == nil {
		items = []*TreatmentPlan{}
	}
	return items, total, nil
}

// -- Procedures --

func (s *Service) AddProcedure(ctx context.Context, in ProcedureInput, m Mutation) (proc *Procedure, err error) {
	const op = "add_procedure"
	defer func() { s.observe(op, in.PlanID, m.Actor, err) }()

	if err = requireActor(m.Actor); err != nil {
		return nil, err
	}
	if in.PlanID == uuid.Nil {
		return nil, invalid("treatment_plan_id", "is required")
	}
	cur, err := s.loadPlan(ctx, op, in.PlanID, m.ExpectedRevision)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	proc, err = NewProcedure(cur, in, m.Actor, now)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.UpdatedAt = now
	next.Revision = cur.Revision + 1

	err = s.commit(ctx, op, &commitSet{
		plan:             next,
		expectedRevision: cur.Revision,
		created:          []*Procedure{proc},
		audit:            procedureAddedEntry(proc, m.Actor, now),
	})
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func (s *Service) UpdateProcedure(ctx context.Context, id uuid.UUID, patch ProcedurePatch, m Mutation) (proc *Procedure, err error) {
	const op = "update_procedure"
	var planID uuid.UUID
	defer func() { s.observe(op, planID, m.Actor, err) }()

	if err = requireActor(m.Actor); err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return nil, invalid("", "no fields to update")
	}
	cur, current, err := s.loadProcedure(ctx, op, id, m.ExpectedRevision)
	if err != nil {
		return nil, err
	}
	planID = cur.ID

	now := s.clock()
	proc, changes, err := ApplyProcedurePatch(cur, current, patch, m.Actor, now)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.UpdatedAt = now
	next.Revision = cur.Revision + 1

	err = s.commit(ctx, op, &commitSet{
		plan:             next,
		expectedRevision: cur.Revision,
		updated:          []*Procedure{proc},
		audit:            procedureUpdatedEntry(proc, changes, m.Actor, now),
	})
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func (s *Service) DeleteProcedure(ctx context.Context, id uuid.UUID, m Mutation) (err error) {
	const op = "delete_procedure"
	var planID uuid.UUID
	defer func() { s.observe(op, planID, m.Actor, err) }()

	if err = requireActor(m.Actor); err != nil {
		return err
	}
	cur, current, err := s.loadProcedure(ctx, op, id, m.ExpectedRevision)
	if err != nil {
		return err
	}
	planID = cur.ID
	if err = CheckDeletable(cur); err != nil {
		return err
	}

	now := s.clock()
	next := cur.Clone()
	next.UpdatedAt = now
	next.Revision = cur.Revision + 1

	return s.commit(ctx, op, &commitSet{
		plan:             next,
		expectedRevision: cur.Revision,
		deleted:          []uuid.UUID{current.ID},
		audit:            procedureDeletedEntry(current, m.Actor, now),
	})
}

func (s *Service) ListProcedures(ctx context.Context, planID uuid.UUID) ([]*Procedure, error) {
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	procs, err := s.repos.Procedures.ListByPlan(ctx, planID)
	if err != nil {
		return nil, readError("list_procedures", "plan", planID.String(), err)
	}
	return procs, nil
}

func (s *Service) GetSummary(ctx context.Context, planID uuid.UUID) (*PlanSummary, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	procs, err := s.repos.Procedures.ListByPlan(ctx, planID)
	if err != nil {
		return nil, readError("get_summary", "plan", planID.String(), err)
	}
	return Summarize(plan, procs), nil
}

// -- Lifecycle --

func (s *Service) SubmitForApproval(ctx context.Context, id uuid.UUID, req TransitionRequest) (*TreatmentPlan, error) {
	return s.transition(ctx, "submit", id, EventSubmit, req)
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID, req TransitionRequest) (*TreatmentPlan, error) {
	return s.transition(ctx, "approve", id, EventApprove, req)
}

func (s *Service) RequestRevision(ctx context.Context, id uuid.UUID, req TransitionRequest) (*TreatmentPlan, error) {
	return s.transition(ctx, "request_revision", id, EventRequestRevision, req)
}

func (s *Service) SignConsent(ctx context.Context, id uuid.UUID, req TransitionRequest) (*TreatmentPlan, error) {
	return s.transition(ctx, "sign_consent", id, EventSignConsent, req)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, req TransitionRequest) (*TreatmentPlan, error) {
	return s.transition(ctx, "complete", id, EventComplete, req)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, req TransitionRequest) (*TreatmentPlan, error) {
	return s.transition(ctx, "cancel", id, EventCancel, req)
}

func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, event Event, req TransitionRequest) (plan *TreatmentPlan, err error) {
	defer func() { s.observe(op, id, req.Actor, err) }()

	if err = requireActor(req.Actor); err != nil {
		return nil, err
	}
	cur, err := s.loadPlan(ctx, op, id, req.ExpectedRevision)
	if err != nil {
		return nil, err
	}
	procs, err := s.repos.Procedures.ListByPlan(ctx, id)
	if err != nil {
		return nil, readError(op, "plan", id.String(), err)
	}

	in := TransitionInput{
		Actor:  req.Actor,
		Note:   strings.TrimSpace(req.Note),
		Signer: strings.TrimSpace(req.Signer),
		At:     s.clock(),
	}
	next, err := Transition(cur, procs, event, in)
	if err != nil {
		return nil, err
	}
	next.Revision = cur.Revision + 1

	cs := &commitSet{plan: next, expectedRevision: cur.Revision}
	captured := 0
	if RequiresSnapshot(next.Status) {
		var note *string
		if in.Note != "" {
			note = &in.Note
		}
		if cs.version, err = NewSnapshot(next, procs, req.Actor, note, in.At); err != nil {
			return nil, err
		}
		captured = next.Version
		next.Version++
	}
	cs.audit = transitionEntry(cur, next, event, in, captured)

	if err = s.commit(ctx, op, cs); err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(string(cur.Status), string(next.Status))
	s.logger.Info().
		Str("op", op).
		Str("plan_id", id.String()).
		Str("actor", req.Actor).
		Str("from", string(cur.Status)).
		Str("to", string(next.Status)).
		Int("version", next.Version).
		Msg("plan transitioned")
	return next, nil
}

// -- Versions --

// Checkpoint captures a manual snapshot while the plan is being edited.
func (s *Service) Checkpoint(ctx context.Context, id uuid.UUID, note *string, m Mutation) (v *PlanVersion, err error) {
	const op = "checkpoint"
	defer func() { s.observe(op, id, m.Actor, err) }()

	if err = requireActor(m.Actor); err != nil {
		return nil, err
	}
	cur, err := s.loadPlan(ctx, op, id, m.ExpectedRevision)
	if err != nil {
		return nil, err
	}
	if cur.Status != PlanDraft && cur.Status != PlanRevisionRequested {
		return nil, &IllegalTransitionError{
			From:   cur.Status,
			Reason: "checkpoints are only taken while the plan is being edited",
		}
	}
	procs, err := s.repos.Procedures.ListByPlan(ctx, id)
	if err != nil {
		return nil, readError(op, "plan", id.String(), err)
	}

	now := s.clock()
	next := cur.Clone()
	next.UpdatedAt = now
	next.Revision = cur.Revision + 1
	if note != nil && strings.TrimSpace(*note) == "" {
		note = nil
	}
	if v, err = NewSnapshot(next, procs, m.Actor, note, now); err != nil {
		return nil, err
	}
	next.Version++

	err = s.commit(ctx, op, &commitSet{
		plan:             next,
		expectedRevision: cur.Revision,
		version:          v,
		audit:            checkpointEntry(next, v.Version, note, m.Actor, now),
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) GetVersions(ctx context.Context, planID uuid.UUID) ([]*PlanVersion, error) {
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	versions, err := s.repos.Versions.List(ctx, planID)
	if err != nil {
		return nil, readError("get_versions", "plan", planID.String(), err)
	}
	if err := checkContiguous(planID, versions); err != nil {
		s.logger.Error().Err(err).Str("plan_id", planID.String()).Msg("version sequence broken")
	}
	return versions, nil
}

func (s *Service) GetVersion(ctx context.Context, planID uuid.UUID, version int) (*PlanVersion, error) {
	v, err := s.repos.Versions.Get(ctx, planID, version)
	if err != nil {
		return nil, readError("get_version", "version", versionRef(planID, version), err)
	}
	return v, nil
}

// LatestApprovedVersion returns the newest snapshot taken while the plan's
// approval was in effect.
func (s *Service) LatestApprovedVersion(ctx context.Context, planID uuid.UUID) (*PlanVersion, error) {
	versions, err := s.GetVersions(ctx, planID)
	if err != nil {
		return nil, err
	}
	if v := latestApproved(versions); v != nil {
		return v, nil
	}
	return nil, &NotFoundError{Resource: "approved version", ID: planID.String()}
}

// -- Audit --

// GetHistory lists the plan's audit trail newest first. limit <= 0 returns
// everything.
func (s *Service) GetHistory(ctx context.Context, planID uuid.UUID, limit int) ([]*AuditEntry, error) {
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	entries, err := s.repos.Audit.List(ctx, planID, limit)
	if err != nil {
		return nil, readError("get_history", "plan", planID.String(), err)
	}
	return entries, nil
}

// -- internals --

func (s *Service) loadPlan(ctx context.Context, op string, id uuid.UUID, expected *int) (*TreatmentPlan, error) {
	plan, err := s.repos.Plans.GetByID(ctx, id)
	if err != nil {
		return nil, readError(op, "plan", id.String(), err)
	}
	if expected != nil && *expected != plan.Revision {
		return nil, &StaleVersionError{PlanID: id, Expected: *expected, Actual: plan.Revision}
	}
	return plan, nil
}

// loadProcedure reads the owning plan before the procedure list so the
// revision it returns covers the procedure state it returns.
func (s *Service) loadProcedure(ctx context.Context, op string, id uuid.UUID, expected *int) (*TreatmentPlan, *Procedure, error) {
	ref, err := s.repos.Procedures.GetByID(ctx, id)
	if err != nil {
		return nil, nil, readError(op, "procedure", id.String(), err)
	}
	plan, err := s.loadPlan(ctx, op, ref.PlanID, expected)
	if err != nil {
		return nil, nil, err
	}
	procs, err := s.repos.Procedures.ListByPlan(ctx, plan.ID)
	if err != nil {
		return nil, nil, readError(op, "plan", plan.ID.String(), err)
	}
	for _, p := range procs {
		if p.ID == id {
			return plan, p, nil
		}
	}
	return nil, nil, &NotFoundError{Resource: "procedure", ID: id.String()}
}

func (s *Service) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
}

// commit applies cs atomically. Once started it runs to completion even if
// the caller goes away.
func (s *Service) commit(ctx context.Context, op string, cs *commitSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := s.commitContext(ctx)
	defer cancel()

	err := s.repos.Tx.WithinTx(cctx, func(tx context.Context) error {
		if err := s.repos.Plans.Update(tx, cs.plan, cs.expectedRevision); err != nil {
			return err
		}
		for _, p := range cs.created {
			if err := s.repos.Procedures.Create(tx, p); err != nil {
				return err
			}
		}
		for _, p := range cs.updated {
			if err := s.repos.Procedures.Update(tx, p); err != nil {
				return err
			}
		}
		for _, id := range cs.deleted {
			if err := s.repos.Procedures.Delete(tx, id); err != nil {
				return err
			}
		}
		if cs.version != nil {
			if err := s.repos.Versions.Create(tx, cs.version); err != nil {
				return err
			}
		}
		return s.repos.Audit.Append(tx, cs.audit)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStale):
		return &StaleVersionError{PlanID: cs.plan.ID, Expected: cs.expectedRevision}
	case errors.Is(err, ErrNotFound):
		return &NotFoundError{Resource: "plan", ID: cs.plan.ID.String()}
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}

// observe records the outcome of a mutation.
func (s *Service) observe(op string, planID uuid.UUID, actor string, err error) {
	kind := ErrorKind(err)
	s.metrics.ObserveOperation(op, kind)
	switch kind {
	case "stale_version":
		s.metrics.ObserveStale(op)
		s.logger.Warn().Err(err).Str("op", op).Str("plan_id", planID.String()).Str("actor", actor).Msg("stale plan revision")
	case "persistence", "internal":
		s.logger.Error().Err(err).Str("op", op).Str("plan_id", planID.String()).Str("actor", actor).Msg("plan operation failed")
	case "ok":
		s.logger.Debug().Str("op", op).Str("plan_id", planID.String()).Str("actor", actor).Msg("plan operation committed")
	}
}

func readError(op, resource, id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &NotFoundError{Resource: resource, ID: id}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}

func requireActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return invalid("actor", "is required")
	}
	return nil
}

func planIDOf(p *TreatmentPlan) uuid.UUID {
	if p == nil {
		return uuid.Nil
	}
	return p.ID
}

func versionRef(planID uuid.UUID, version int) string {
	return planID.String() + "@" + strconv.Itoa(version)
}
