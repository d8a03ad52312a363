package treatmentplan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	cdtCodePattern = regexp.MustCompile(`^D\d{4}$`)
	hundred        = decimal.NewFromInt(100)
)

// ProcedureInput is the payload for adding a procedure to a plan.
type ProcedureInput struct {
	PlanID            uuid.UUID        `json:"treatment_plan_id"`
	ToothNumber       *string          `json:"tooth_number,omitempty"`
	CDTCode           *string          `json:"cdt_code,omitempty"`
	ProcedureName     string           `json:"procedure_name"`
	Description       *string          `json:"description,omitempty"`
	Fee               decimal.Decimal  `json:"fee"`
	InsuranceCoverage *decimal.Decimal `json:"insurance_coverage,omitempty"`
	Status            ProcedureStatus  `json:"status,omitempty"`
	Priority          Priority         `json:"priority,omitempty"`
	Phase             Phase            `json:"phase,omitempty"`
	PreauthRequired   bool             `json:"preauth_required"`
	Notes             *string          `json:"notes,omitempty"`
	Source            ProcedureSource  `json:"source,omitempty"`
	Suggestion        json.RawMessage  `json:"suggestion,omitempty"`
}

// ProcedurePatch is a partial update. Nil fields are left alone; Notes is
// appended to the existing log.
type ProcedurePatch struct {
	ToothNumber       *string          `json:"tooth_number,omitempty"`
	CDTCode           *string          `json:"cdt_code,omitempty"`
	ProcedureName     *string          `json:"procedure_name,omitempty"`
	Description       *string          `json:"description,omitempty"`
	Fee               *decimal.Decimal `json:"fee,omitempty"`
	InsuranceCoverage *decimal.Decimal `json:"insurance_coverage,omitempty"`
	Status            *ProcedureStatus `json:"status,omitempty"`
	Priority          *Priority        `json:"priority,omitempty"`
	Phase             *Phase           `json:"phase,omitempty"`
	PreauthRequired   *bool            `json:"preauth_required,omitempty"`
	Notes             *string          `json:"notes,omitempty"`
}

// IsEmpty reports whether the patch names no field at all.
func (p ProcedurePatch) IsEmpty() bool {
	return p.ToothNumber == nil && p.CDTCode == nil && p.ProcedureName == nil &&
		p.Description == nil && p.Fee == nil && p.InsuranceCoverage == nil &&
		p.Status == nil && p.Priority == nil && p.Phase == nil &&
		p.PreauthRequired == nil && p.Notes == nil
}

// Change is the old/new pair recorded for a single field in an audit diff.
type Change struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// ensureEditable refuses ledger changes on completed or cancelled plans.
func ensureEditable(plan *TreatmentPlan) error {
	if plan.Status.Terminal() {
		return &IllegalTransitionError{
			From:   plan.Status,
			Reason: "procedures cannot be changed once the plan is closed",
		}
	}
	return nil
}

// NewProcedure builds a validated procedure for plan from in.
func NewProcedure(plan *TreatmentPlan, in ProcedureInput, actor string, at time.Time) (*Procedure, error) {
	if err := ensureEditable(plan); err != nil {
		return nil, err
	}
	p := &Procedure{
		ID:                uuid.New(),
		PlanID:            plan.ID,
		ToothNumber:       normalizeTooth(in.ToothNumber),
		CDTCode:           normalizeCode(in.CDTCode),
		ProcedureName:     strings.TrimSpace(in.ProcedureName),
		Description:       cloneStr(in.Description),
		Fee:               in.Fee,
		InsuranceCoverage: in.InsuranceCoverage,
		Status:            in.Status,
		Priority:          in.Priority,
		Phase:             in.Phase,
		PreauthRequired:   in.PreauthRequired,
		Source:            in.Source,
		Suggestion:        in.Suggestion,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	if p.Status == "" {
		p.Status = ProcedureRecommended
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if p.Phase == "" {
		p.Phase = Phase1
	}
	if p.Source == "" {
		p.Source = SourceProvider
	}
	if in.Notes != nil && strings.TrimSpace(*in.Notes) != "" {
		p.Notes = appendNote(nil, actor, *in.Notes, at)
	}
	if len(p.Suggestion) > 0 && !json.Valid(p.Suggestion) {
		return nil, invalid("suggestion", "must be a JSON document")
	}
	if err := validateProcedure(p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// ApplyProcedurePatch returns the patched procedure and the per-field diff.
// The diff always carries the status, even when it did not change.
func ApplyProcedurePatch(plan *TreatmentPlan, current *Procedure, patch ProcedurePatch, actor string, at time.Time) (*Procedure, map[string]Change, error) {
	if err := ensureEditable(plan); err != nil {
		return nil, nil, err
	}
	next := current.Clone()
	changes := map[string]Change{}

	if patch.Status != nil {
		if err := ValidateProcedureStatusChange(current.Status, *patch.Status); err != nil {
			return nil, nil, err
		}
		next.Status = *patch.Status
	}
	changes["status"] = Change{Old: current.Status, New: next.Status}

	if patch.ToothNumber != nil {
		next.ToothNumber = normalizeTooth(patch.ToothNumber)
		diffStr(changes, "tooth_number", current.ToothNumber, next.ToothNumber)
	}
	if patch.CDTCode != nil {
		next.CDTCode = normalizeCode(patch.CDTCode)
		diffStr(changes, "cdt_code", current.CDTCode, next.CDTCode)
	}
	if patch.ProcedureName != nil {
		next.ProcedureName = strings.TrimSpace(*patch.ProcedureName)
		if next.ProcedureName != current.ProcedureName {
			changes["procedure_name"] = Change{Old: current.ProcedureName, New: next.ProcedureName}
		}
	}
	if patch.Description != nil {
		next.Description = cloneStr(patch.Description)
		diffStr(changes, "description", current.Description, next.Description)
	}
	if patch.Fee != nil {
		next.Fee = *patch.Fee
		if !next.Fee.Equal(current.Fee) {
			changes["fee"] = Change{Old: current.Fee, New: next.Fee}
		}
	}
	if patch.InsuranceCoverage != nil {
		cov := *patch.InsuranceCoverage
		next.InsuranceCoverage = &cov
		if current.InsuranceCoverage == nil || !current.InsuranceCoverage.Equal(cov) {
			changes["insurance_coverage"] = Change{Old: current.InsuranceCoverage, New: cov}
		}
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
		if next.Priority != current.Priority {
			changes["priority"] = Change{Old: current.Priority, New: next.Priority}
		}
	}
	if patch.Phase != nil {
		next.Phase = *patch.Phase
		if next.Phase != current.Phase {
			changes["phase"] = Change{Old: current.Phase, New: next.Phase}
		}
	}
	if patch.PreauthRequired != nil {
		next.PreauthRequired = *patch.PreauthRequired
		if next.PreauthRequired != current.PreauthRequired {
			changes["preauth_required"] = Change{Old: current.PreauthRequired, New: next.PreauthRequired}
		}
	}
	if patch.Notes != nil && strings.TrimSpace(*patch.Notes) != "" {
		next.Notes = appendNote(current.Notes, actor, *patch.Notes, at)
		changes["notes"] = Change{Old: strVal(current.Notes), New: strVal(next.Notes)}
	}

	if err := validateProcedure(next); err != nil {
		return nil, nil, err
	}
	next.UpdatedAt = at
	return next, changes, nil
}

// ValidateProcedureStatusChange enforces the forward-or-cancel rule.
// Re-applying the current status is allowed and changes nothing.
func ValidateProcedureStatusChange(from, to ProcedureStatus) error {
	if !to.Valid() {
		return invalid("status", "unknown procedure status %q", to)
	}
	if from == to {
		return nil
	}
	if from.Terminal() {
		return invalid("status", "procedure is %s and can no longer change status", from)
	}
	if to == ProcedureCancelled {
		return nil
	}
	if procedureRank[to] < procedureRank[from] {
		return invalid("status", "procedure cannot move back from %s to %s", from, to)
	}
	return nil
}

// CheckDeletable refuses deletes on closed plans.
func CheckDeletable(plan *TreatmentPlan) error {
	return ensureEditable(plan)
}

func validateProcedure(p *Procedure) error {
	if p.ProcedureName == "" {
		return invalid("procedure_name", "is required")
	}
	if p.Fee.IsNegative() {
		return invalid("fee", "must not be negative")
	}
	if !p.Fee.Equal(p.Fee.Round(2)) {
		return invalid("fee", "must have at most two decimal places")
	}
	if c := p.InsuranceCoverage; c != nil {
		if c.IsNegative() || c.GreaterThan(hundred) {
			return invalid("insurance_coverage", "must be between 0 and 100")
		}
	}
	if !p.Status.Valid() {
		return invalid("status", "unknown procedure status %q", p.Status)
	}
	if !p.Priority.Valid() {
		return invalid("priority", "unknown priority %q", p.Priority)
	}
	if !p.Phase.Valid() {
		return invalid("phase", "unknown phase %q", p.Phase)
	}
	if !p.Source.Valid() {
		return invalid("source", "unknown source %q", p.Source)
	}
	if p.ToothNumber != nil && !validTooth(*p.ToothNumber) {
		return invalid("tooth_number", "%q is not a universal tooth number (1-32 or A-T)", *p.ToothNumber)
	}
	if p.CDTCode != nil && !cdtCodePattern.MatchString(*p.CDTCode) {
		return invalid("cdt_code", "%q is not a CDT code (D followed by four digits)", *p.CDTCode)
	}
	return nil
}

// validTooth accepts permanent teeth 1-32 and primary teeth A-T.
func validTooth(t string) bool {
	if n, err := strconv.Atoi(t); err == nil {
		return n >= 1 && n <= 32
	}
	return len(t) == 1 && t[0] >= 'A' && t[0] <= 'T'
}

func normalizeTooth(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.ToUpper(strings.TrimSpace(*s))
	return &v
}

func normalizeCode(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.ToUpper(strings.TrimSpace(*s))
	return &v
}

// appendNote adds a "[timestamp] actor: text" line to an existing log.
func appendNote(existing *string, actor, text string, at time.Time) *string {
	line := fmt.Sprintf("[%s] %s: %s", at.UTC().Format(time.RFC3339), actor, strings.TrimSpace(text))
	if existing == nil || *existing == "" {
		return &line
	}
	joined := *existing + "\n" + line
	return &joined
}

func diffStr(changes map[string]Change, field string, was, now *string) {
	if strVal(was) != strVal(now) {
		changes[field] = Change{Old: was, New: now}
	}
}

// Summarize derives the plan's financial and phase aggregates from its
// current procedures. Money is rounded half-up to cents per line and on the
// totals.
func Summarize(plan *TreatmentPlan, procedures []*Procedure) *PlanSummary {
	s := &PlanSummary{
		PlanID:             plan.ID,
		Status:             plan.Status,
		TotalFee:           decimal.Zero,
		CompletedFee:       decimal.Zero,
		RemainingFee:       decimal.Zero,
		InsurancePortion:   decimal.Zero,
		PatientPortion:     decimal.Zero,
		ProceduresByPhase:  make(map[Phase]int, len(AllPhases)),
		ProceduresByStatus: make(map[ProcedureStatus]int, len(AllProcedureStatuses)),
		Lines:              []SummaryLine{},
	}
	for _, ph := range AllPhases {
		s.ProceduresByPhase[ph] = 0
	}
	for _, st := range AllProcedureStatuses {
		s.ProceduresByStatus[st] = 0
	}

	for _, p := range procedures {
		s.ProceduresByStatus[p.Status]++
		if p.Status == ProcedureCancelled {
			continue
		}
		s.ProcedureCount++
		s.ProceduresByPhase[p.Phase]++
		if p.PreauthRequired {
			s.PreauthRequiredCount++
		}

		fee := p.Fee.Round(2)
		insurance := decimal.Zero
		if p.InsuranceCoverage != nil {
			insurance = fee.Mul(*p.InsuranceCoverage).Div(hundred).Round(2)
		}
		patient := fee.Sub(insurance)

		s.TotalFee = s.TotalFee.Add(fee)
		if p.Status == ProcedureCompleted {
			s.CompletedFee = s.CompletedFee.Add(fee)
		}
		s.InsurancePortion = s.InsurancePortion.Add(insurance)
		s.PatientPortion = s.PatientPortion.Add(patient)
		s.Lines = append(s.Lines, SummaryLine{
			ProcedureID:     p.ID,
			ProcedureName:   p.ProcedureName,
			Phase:           p.Phase,
			Status:          p.Status,
			Fee:             fee,
			InsuranceAmount: insurance,
			PatientAmount:   patient,
		})
	}

	s.TotalFee = s.TotalFee.Round(2)
	s.CompletedFee = s.CompletedFee.Round(2)
	s.RemainingFee = s.TotalFee.Sub(s.CompletedFee)
	s.InsurancePortion = s.InsurancePortion.Round(2)
	s.PatientPortion = s.PatientPortion.Round(2)
	return s
}
