package treatmentplan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlanStatus is the lifecycle status of a treatment plan.
type PlanStatus string

const (
	PlanDraft             PlanStatus = "draft"
	PlanProposed          PlanStatus = "proposed"
	PlanApproved          PlanStatus = "approved"
	PlanRevisionRequested PlanStatus = "revision_requested"
	PlanInProgress        PlanStatus = "in_progress"
	PlanCompleted         PlanStatus = "completed"
	PlanCancelled         PlanStatus = "cancelled"
)

var validPlanStatuses = map[PlanStatus]bool{
	PlanDraft: true, PlanProposed: true, PlanApproved: true, PlanRevisionRequested: true,
	PlanInProgress: true, PlanCompleted: true, PlanCancelled: true,
}

func ParsePlanStatus(s string) (PlanStatus, error) {
	if st := PlanStatus(s); validPlanStatuses[st] {
		return st, nil
	}
	return "", fmt.Errorf("unknown plan status: %s", s)
}

func (s PlanStatus) Valid() bool { return validPlanStatuses[s] }

// Terminal reports whether no further lifecycle or ledger changes are allowed.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanCancelled
}

// ProcedureStatus is the clinical status of a single procedure.
type ProcedureStatus string

const (
	ProcedureRecommended ProcedureStatus = "recommended"
	ProcedurePlanned     ProcedureStatus = "planned"
	ProcedureScheduled   ProcedureStatus = "scheduled"
	ProcedureInProgress  ProcedureStatus = "in_progress"
	ProcedureCompleted   ProcedureStatus = "completed"
	ProcedureCancelled   ProcedureStatus = "cancelled"
)

// procedureRank orders the forward path. cancelled is off the path.
var procedureRank = map[ProcedureStatus]int{
	ProcedureRecommended: 0,
	ProcedurePlanned:     1,
	ProcedureScheduled:   2,
	ProcedureInProgress:  3,
	ProcedureCompleted:   4,
}

// AllProcedureStatuses lists statuses in lifecycle order.
var AllProcedureStatuses = []ProcedureStatus{
	ProcedureRecommended, ProcedurePlanned, ProcedureScheduled,
	ProcedureInProgress, ProcedureCompleted, ProcedureCancelled,
}

func ParseProcedureStatus(s string) (ProcedureStatus, error) {
	st := ProcedureStatus(s)
	if st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown procedure status: %s", s)
}

func (s ProcedureStatus) Valid() bool {
	_, ok := procedureRank[s]
	return ok || s == ProcedureCancelled
}

func (s ProcedureStatus) Terminal() bool {
	return s == ProcedureCompleted || s == ProcedureCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Phase is a scheduling bucket used for grouping, not a lifecycle state.
type Phase string

const (
	PhaseUrgent      Phase = "urgent"
	Phase1           Phase = "phase_1"
	Phase2           Phase = "phase_2"
	PhaseMaintenance Phase = "maintenance"
)

var AllPhases = []Phase{PhaseUrgent, Phase1, Phase2, PhaseMaintenance}

func (p Phase) Valid() bool {
	for _, ph := range AllPhases {
		if p == ph {
			return true
		}
	}
	return false
}

// ProcedureSource records who originally proposed a procedure.
type ProcedureSource string

const (
	SourceProvider     ProcedureSource = "provider"
	SourceAISuggestion ProcedureSource = "ai_suggestion"
)

func (s ProcedureSource) Valid() bool {
	return s == SourceProvider || s == SourceAISuggestion
}

// TreatmentPlan is the aggregate root. Procedures, versions and audit
// entries are keyed by its ID.
type TreatmentPlan struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       string     `json:"patient_id"`
	Title           string     `json:"title"`
	Description     *string    `json:"description,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	Status          PlanStatus `json:"status"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ApprovedBy      *string    `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ConsentSignedBy *string    `json:"consent_signed_by,omitempty"`
	ConsentSignedAt *time.Time `json:"consent_signed_at,omitempty"`
	Version         int        `json:"version"`
	Revision        int        `json:"revision"`
}

// Clone returns a copy that shares no pointers with p.
func (p *TreatmentPlan) Clone() *TreatmentPlan {
	c := *p
	c.Description = cloneStr(p.Description)
	c.Notes = cloneStr(p.Notes)
	c.ApprovedBy = cloneStr(p.ApprovedBy)
	c.ApprovedAt = cloneTime(p.ApprovedAt)
	c.ConsentSignedBy = cloneStr(p.ConsentSignedBy)
	c.ConsentSignedAt = cloneTime(p.ConsentSignedAt)
	return &c
}

// Procedure is a single billable treatment item attached to a plan.
type Procedure struct {
	ID                uuid.UUID        `json:"id"`
	PlanID            uuid.UUID        `json:"treatment_plan_id"`
	ToothNumber       *string          `json:"tooth_number,omitempty"`
	CDTCode           *string          `json:"cdt_code,omitempty"`
	ProcedureName     string           `json:"procedure_name"`
	Description       *string          `json:"description,omitempty"`
	Fee               decimal.Decimal  `json:"fee"`
	InsuranceCoverage *decimal.Decimal `json:"insurance_coverage,omitempty"`
	Status            ProcedureStatus  `json:"status"`
	Priority          Priority         `json:"priority"`
	Phase             Phase            `json:"phase"`
	PreauthRequired   bool             `json:"preauth_required"`
	Notes             *string          `json:"notes,omitempty"`
	Source            ProcedureSource  `json:"source"`
	Suggestion        json.RawMessage  `json:"suggestion,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func (p *Procedure) Clone() *Procedure {
	c := *p
	c.ToothNumber = cloneStr(p.ToothNumber)
	c.CDTCode = cloneStr(p.CDTCode)
	c.Description = cloneStr(p.Description)
	c.Notes = cloneStr(p.Notes)
	if p.InsuranceCoverage != nil {
		cov := *p.InsuranceCoverage
		c.InsuranceCoverage = &cov
	}
	if p.Suggestion != nil {
		c.Suggestion = append(json.RawMessage(nil), p.Suggestion...)
	}
	return &c
}

// PlanVersion is an immutable snapshot of a plan and its procedures.
type PlanVersion struct {
	PlanID     uuid.UUID     `json:"treatment_plan_id"`
	Version    int           `json:"version"`
	CreatedBy  string        `json:"created_by"`
	CreatedAt  time.Time     `json:"created_at"`
	Notes      *string       `json:"notes,omitempty"`
	Plan       TreatmentPlan `json:"plan"`
	Procedures []Procedure   `json:"procedures"`
}

// AuditAction tags the variant of an AuditEntry.
type AuditAction string

const (
	ActionCreated          AuditAction = "created"
	ActionUpdated          AuditAction = "updated"
	ActionProcedureAdded   AuditAction = "procedure_added"
	ActionProcedureUpdated AuditAction = "procedure_updated"
	ActionProcedureDeleted AuditAction = "procedure_deleted"
	ActionStatusChanged    AuditAction = "status_changed"
	ActionConsentSigned    AuditAction = "consent_signed"
)

func (a AuditAction) Valid() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionProcedureAdded, ActionProcedureUpdated,
		ActionProcedureDeleted, ActionStatusChanged, ActionConsentSigned:
		return true
	}
	return false
}

// AuditEntry is one append-only record of who did what to a plan.
type AuditEntry struct {
	ID       uuid.UUID              `json:"id"`
	PlanID   uuid.UUID              `json:"treatment_plan_id"`
	Action   AuditAction            `json:"action"`
	ActionBy string                 `json:"action_by"`
	ActionAt time.Time              `json:"action_at"`
	Details  map[string]interface{} `json:"details"`
	Seq      int64                  `json:"seq"`
}

// SummaryLine is the financial breakdown of one non-cancelled procedure.
type SummaryLine struct {
	ProcedureID     uuid.UUID       `json:"procedure_id"`
	ProcedureName   string          `json:"procedure_name"`
	Phase           Phase           `json:"phase"`
	Status          ProcedureStatus `json:"status"`
	Fee             decimal.Decimal `json:"fee"`
	InsuranceAmount decimal.Decimal `json:"insurance_amount"`
	PatientAmount   decimal.Decimal `json:"patient_amount"`
}

// PlanSummary is derived from the current procedure set on every read.
type PlanSummary struct {
	PlanID               uuid.UUID               `json:"treatment_plan_id"`
	Status               PlanStatus              `json:"status"`
	ProcedureCount       int                     `json:"procedure_count"`
	TotalFee             decimal.Decimal         `json:"total_fee"`
	CompletedFee         decimal.Decimal         `json:"completed_fee"`
	RemainingFee         decimal.Decimal         `json:"remaining_fee"`
	InsurancePortion     decimal.Decimal         `json:"insurance_portion"`
	PatientPortion       decimal.Decimal         `json:"patient_portion"`
	ProceduresByPhase    map[Phase]int           `json:"procedures_by_phase"`
	ProceduresByStatus   map[ProcedureStatus]int `json:"procedures_by_status"`
	PreauthRequiredCount int                     `json:"preauth_required_count"`
	Lines                []SummaryLine           `json:"lines"`
}

// money renders an amount the way it is displayed to patients: two decimals.
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func (l SummaryLine) MarshalJSON() ([]byte, error) {
	type line SummaryLine
	return json.Marshal(struct {
		line
		Fee             string `json:"fee"`
		InsuranceAmount string `json:"insurance_amount"`
		PatientAmount   string `json:"patient_amount"`
	}{
		line:            line(l),
		Fee:             money(l.Fee),
		InsuranceAmount: money(l.InsuranceAmount),
		PatientAmount:   money(l.PatientAmount),
	})
}

func (s PlanSummary) MarshalJSON() ([]byte, error) {
	type summary PlanSummary
	return json.Marshal(struct {
		summary
		TotalFee         string `json:"total_fee"`
		CompletedFee     string `json:"completed_fee"`
		RemainingFee     string `json:"remaining_fee"`
		InsurancePortion string `json:"insurance_portion"`
		PatientPortion   string `json:"patient_portion"`
	}{
		summary:          summary(s),
		TotalFee:         money(s.TotalFee),
		CompletedFee:     money(s.CompletedFee),
		RemainingFee:     money(s.RemainingFee),
		InsurancePortion: money(s.InsurancePortion),
		PatientPortion:   money(s.PatientPortion),
	})
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
