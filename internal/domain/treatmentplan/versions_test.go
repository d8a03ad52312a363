package treatmentplan

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot_IsDetached(t *testing.T) {
	plan := planIn(PlanProposed)
	plan.Version = 2
	proc := procIn(plan, ProcedurePlanned)
	proc.Fee = dec("250.00")
	proc.ToothNumber = strp("14")

	v, err := NewSnapshot(plan, []*Procedure{proc}, "dr-smith", strp("sent to patient"), t0)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, plan.ID, v.PlanID)
	assert.Equal(t, "sent to patient", *v.Notes)

	plan.Title = "changed"
	proc.ProcedureName = "changed"
	*proc.ToothNumber = "15"

	assert.Equal(t, "Treatment Plan", v.Plan.Title)
	require.Len(t, v.Procedures, 1)
	assert.Equal(t, "Prophylaxis", v.Procedures[0].ProcedureName)
	assert.Equal(t, "14", *v.Procedures[0].ToothNumber)
}

func TestSnapshot_EncodeDecodeRoundTrip(t *testing.T) {
	plan := planIn(PlanApproved)
	by := "Dr. Smith"
	plan.ApprovedBy = &by
	plan.ApprovedAt = &t0
	proc := procIn(plan, ProcedureScheduled)
	proc.Fee = dec("1200.50")
	proc.InsuranceCoverage = decp("80")
	proc.Suggestion = json.RawMessage(`{"model":"caries-v2","score":0.88}`)

	v, err := NewSnapshot(plan, []*Procedure{proc}, "dr-smith", nil, t0)
	require.NoError(t, err)

	doc, err := EncodeSnapshot(v)
	require.NoError(t, err)

	var back PlanVersion
	require.NoError(t, DecodeSnapshot(doc, &back))

	want, err := json.Marshal(v.Plan)
	require.NoError(t, err)
	got, err := json.Marshal(back.Plan)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	want, err = json.Marshal(v.Procedures)
	require.NoError(t, err)
	got, err = json.Marshal(back.Procedures)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestDecodeSnapshot_EmptyProcedures(t *testing.T) {
	var v PlanVersion
	require.NoError(t, DecodeSnapshot([]byte(`{"plan":{"status":"cancelled"},"procedures":null}`), &v))
	assert.NotNil(t, v.Procedures)
	assert.Empty(t, v.Procedures)
	assert.Equal(t, PlanCancelled, v.Plan.Status)

	assert.Error(t, DecodeSnapshot([]byte(`not json`), &v))
}

func versionsWith(statuses ...PlanStatus) []*PlanVersion {
	out := make([]*PlanVersion, len(statuses))
	for i, st := range statuses {
		out[i] = &PlanVersion{Version: i + 1, Plan: TreatmentPlan{Status: st}}
	}
	return out
}

func TestLatestApproved(t *testing.T) {
	assert.Nil(t, latestApproved(nil))
	assert.Nil(t, latestApproved(versionsWith(PlanProposed, PlanCancelled)))

	v := latestApproved(versionsWith(PlanProposed, PlanApproved, PlanInProgress, PlanCancelled))
	require.NotNil(t, v)
	assert.Equal(t, 3, v.Version)

	v = latestApproved(versionsWith(PlanProposed, PlanApproved, PlanProposed))
	require.NotNil(t, v)
	assert.Equal(t, 2, v.Version)
}

func TestCheckContiguous(t *testing.T) {
	id := uuid.New()
	assert.NoError(t, checkContiguous(id, nil))
	assert.NoError(t, checkContiguous(id, versionsWith(PlanDraft, PlanProposed, PlanApproved)))

	gap := versionsWith(PlanDraft, PlanProposed)
	gap[1].Version = 3
	assert.Error(t, checkContiguous(id, gap))
}
