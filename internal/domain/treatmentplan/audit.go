package treatmentplan

import (
	"time"

	"github.com/google/uuid"
)

func newAuditEntry(planID uuid.UUID, action AuditAction, actor string, at time.Time, details map[string]interface{}) *AuditEntry {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &AuditEntry{
		ID:       uuid.New(),
		PlanID:   planID,
		Action:   action,
		ActionBy: actor,
		ActionAt: at,
		Details:  details,
	}
}

func createdEntry(plan *TreatmentPlan) *AuditEntry {
	return newAuditEntry(plan.ID, ActionCreated, plan.CreatedBy, plan.CreatedAt, map[string]interface{}{
		"patient_id": plan.PatientID,
		"title":      plan.Title,
	})
}

func planUpdatedEntry(plan *TreatmentPlan, changes map[string]Change, actor string, at time.Time) *AuditEntry {
	return newAuditEntry(plan.ID, ActionUpdated, actor, at, map[string]interface{}{
		"changes": changes,
	})
}

func checkpointEntry(plan *TreatmentPlan, version int, note *string, actor string, at time.Time) *AuditEntry {
	details := map[string]interface{}{"checkpoint_version": version}
	if note != nil {
		details["note"] = *note
	}
	return newAuditEntry(plan.ID, ActionUpdated, actor, at, details)
}

func procedureAddedEntry(p *Procedure, actor string, at time.Time) *AuditEntry {
	return newAuditEntry(p.PlanID, ActionProcedureAdded, actor, at, procedureDescriptor(p))
}

func procedureUpdatedEntry(p *Procedure, changes map[string]Change, actor string, at time.Time) *AuditEntry {
	return newAuditEntry(p.PlanID, ActionProcedureUpdated, actor, at, map[string]interface{}{
		"procedure_id": p.ID,
		"changes":      changes,
	})
}

func procedureDeletedEntry(p *Procedure, actor string, at time.Time) *AuditEntry {
	return newAuditEntry(p.PlanID, ActionProcedureDeleted, actor, at, procedureDescriptor(p))
}

// transitionEntry records a lifecycle move. version is the snapshot taken
// with it, or zero when the move did not capture one.
func transitionEntry(from, next *TreatmentPlan, event Event, in TransitionInput, version int) *AuditEntry {
	details := map[string]interface{}{
		"old_status": from.Status,
		"new_status": next.Status,
		"note":       in.Note,
	}
	if version > 0 {
		details["version"] = version
	}
	action := ActionStatusChanged
	if event == EventSignConsent {
		action = ActionConsentSigned
		details["signed_by"] = in.Signer
	}
	return newAuditEntry(from.ID, action, in.Actor, in.At, details)
}

// procedureDescriptor is the descriptive copy of a procedure kept in the
// audit trail so that deleted rows stay reconstructable.
func procedureDescriptor(p *Procedure) map[string]interface{} {
	d := map[string]interface{}{
		"procedure_id":     p.ID,
		"procedure_name":   p.ProcedureName,
		"fee":              p.Fee.StringFixed(2),
		"status":           p.Status,
		"priority":         p.Priority,
		"phase":            p.Phase,
		"preauth_required": p.PreauthRequired,
		"source":           p.Source,
	}
	if p.ToothNumber != nil {
		d["tooth_number"] = *p.ToothNumber
	}
	if p.CDTCode != nil {
		d["cdt_code"] = *p.CDTCode
	}
	if p.Description != nil {
		d["description"] = *p.Description
	}
	if p.InsuranceCoverage != nil {
		d["insurance_coverage"] = p.InsuranceCoverage.String()
	}
	return d
}
