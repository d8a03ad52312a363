package treatmentplan

import (
	"context"

	"github.com/google/uuid"
)

// TxRunner runs fn in a single storage transaction. Repository calls made
// with the context passed to fn join that transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type PlanRepository interface {
	Create(ctx context.Context, p *TreatmentPlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*TreatmentPlan, int, error)
	// Update writes p only if the stored revision still equals
	// expectedRevision, and returns ErrStale otherwise.
	Update(ctx context.Context, p *TreatmentPlan, expectedRevision int) error
}

type ProcedureRepository interface {
	Create(ctx context.Context, p *Procedure) error
	GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Procedure, error)
	Update(ctx context.Context, p *Procedure) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type VersionRepository interface {
	// Create returns ErrStale when (plan_id, version) already exists.
	Create(ctx context.Context, v *PlanVersion) error
	Get(ctx context.Context, planID uuid.UUID, version int) (*PlanVersion, error)
	List(ctx context.Context, planID uuid.UUID) ([]*PlanVersion, error)
}

type AuditRepository interface {
	// Append stores e and assigns its Seq.
	Append(ctx context.Context, e *AuditEntry) error
	// List returns newest first. limit <= 0 means no limit.
	List(ctx context.Context, planID uuid.UUID, limit int) ([]*AuditEntry, error)
}

// Repositories bundles the stores the service commits through.
type Repositories struct {
	Tx         TxRunner
	Plans      PlanRepository
	Procedures ProcedureRepository
	Versions   VersionRepository
	Audit      AuditRepository
}
