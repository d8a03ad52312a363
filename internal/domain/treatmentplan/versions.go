package treatmentplan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotDocument is the persisted body of a PlanVersion.
type snapshotDocument struct {
	Plan       TreatmentPlan `json:"plan"`
	Procedures []Procedure   `json:"procedures"`
}

// NewSnapshot captures plan and procedures as a PlanVersion stamped with the
// plan's current version. The copy goes through JSON so that it shares no
// memory with the live values and matches what a later fetch returns.
func NewSnapshot(plan *TreatmentPlan, procedures []*Procedure, createdBy string, note *string, at time.Time) (*PlanVersion, error) {
	doc := snapshotDocument{Plan: *plan, Procedures: make([]Procedure, 0, len(procedures))}
	for _, p := range procedures {
		doc.Procedures = append(doc.Procedures, *p)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	v := &PlanVersion{
		PlanID:    plan.ID,
		Version:   plan.Version,
		CreatedBy: createdBy,
		CreatedAt: at,
		Notes:     cloneStr(note),
	}
	if err := DecodeSnapshot(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeSnapshot returns the JSON document stored for v.
func EncodeSnapshot(v *PlanVersion) ([]byte, error) {
	data, err := json.Marshal(snapshotDocument{Plan: v.Plan, Procedures: v.Procedures})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s@%d: %w", v.PlanID, v.Version, err)
	}
	return data, nil
}

// DecodeSnapshot fills v.Plan and v.Procedures from a stored document.
func DecodeSnapshot(data []byte, v *PlanVersion) error {
	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Procedures == nil {
		doc.Procedures = []Procedure{}
	}
	v.Plan = doc.Plan
	v.Procedures = doc.Procedures
	return nil
}

// latestApproved returns the newest version captured while the plan's
// approval was in effect.
func latestApproved(versions []*PlanVersion) *PlanVersion {
	for i := len(versions) - 1; i >= 0; i-- {
		switch versions[i].Plan.Status {
		case PlanApproved, PlanInProgress, PlanCompleted:
			return versions[i]
		}
	}
	return nil
}

// checkContiguous reports the first gap or duplicate in an ascending list.
func checkContiguous(planID uuid.UUID, versions []*PlanVersion) error {
	for i, v := range versions {
		if v.Version != i+1 {
			return fmt.Errorf("plan %s: version %d found at position %d", planID, v.Version, i+1)
		}
	}
	return nil
}
