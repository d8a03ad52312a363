package treatmentplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dentalcare/txplan/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgStore resolves the transaction, then the practice connection, then the
// pool, so every repository call joins whatever the request opened.
type pgStore struct{ pool *pgxpool.Pool }

func (s pgStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// NewPGRepositories wires the Postgres implementations over pool.
func NewPGRepositories(pool *pgxpool.Pool) Repositories {
	s := pgStore{pool: pool}
	return Repositories{
		Tx:         db.NewTxRunner(pool),
		Plans:      &planRepoPG{s},
		Procedures: &procedureRepoPG{s},
		Versions:   &versionRepoPG{s},
		Audit:      &auditRepoPG{s},
	}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Plan Repository ===========

type planRepoPG struct{ pgStore }

const planCols = `id, patient_id, title, description, notes, status, created_by,
	created_at, updated_at, approved_by, approved_at, consent_signed_by,
	consent_signed_at, version, revision`

func (r *planRepoPG) scanPlan(row pgx.Row) (*TreatmentPlan, error) {
	var (
		p      TreatmentPlan
		status string
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.Title, &p.Description, &p.Notes, &status,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.ApprovedBy, &p.ApprovedAt,
		&p.ConsentSignedBy, &p.ConsentSignedAt, &p.Version, &p.Revision)
	if err != nil {
		return nil, notFound(err)
	}
	if p.Status, err = ParsePlanStatus(status); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *planRepoPG) Create(ctx context.Context, p *TreatmentPlan) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO treatment_plan (id, patient_id, title, description, notes, status,
			created_by, created_at, updated_at, version, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.PatientID, p.Title, p.Description, p.Notes, string(p.Status),
		p.CreatedBy, p.CreatedAt, p.UpdatedAt, p.Version, p.Revision)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (r *planRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	return r.scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM treatment_plan WHERE id = $1`, id))
}

func (r *planRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*TreatmentPlan, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM treatment_plan WHERE ($1 = '' OR patient_id = $1)`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count plans: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planCols+` FROM treatment_plan
		WHERE ($1 = '' OR patient_id = $1)
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	var items []*TreatmentPlan
	for rows.Next() {
		p, err := r.scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *planRepoPG) Update(ctx context.Context, p *TreatmentPlan, expectedRevision int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment_plan SET title=$3, description=$4, notes=$5, status=$6,
			updated_at=$7, approved_by=$8, approved_at=$9, consent_signed_by=$10,
			consent_signed_at=$11, version=$12, revision=$13
		WHERE id = $1 AND revision = $2`,
		p.ID, expectedRevision, p.Title, p.Description, p.Notes, string(p.Status),
		p.UpdatedAt, p.ApprovedBy, p.ApprovedAt, p.ConsentSignedBy,
		p.ConsentSignedAt, p.Version, p.Revision)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM treatment_plan WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check plan: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStale
}

// =========== Procedure Repository ===========

type procedureRepoPG struct{ pgStore }

const procCols = `id, treatment_plan_id, tooth_number, cdt_code, procedure_name,
	description, fee::text, insurance_coverage::text, status, priority, phase,
	preauth_required, notes, source, suggestion, created_at, updated_at`

func (r *procedureRepoPG) scanProcedure(row pgx.Row) (*Procedure, error) {
	var (
		p          Procedure
		fee        string
		coverage   *string
		suggestion []byte
	)
	var status, priority, phase, source string
	err := row.Scan(&p.ID, &p.PlanID, &p.ToothNumber, &p.CDTCode, &p.ProcedureName,
		&p.Description, &fee, &coverage, &status, &priority, &phase,
		&p.PreauthRequired, &p.Notes, &source, &suggestion, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if p.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("procedure %s fee: %w", p.ID, err)
	}
	if coverage != nil {
		cov, err := decimal.NewFromString(*coverage)
		if err != nil {
			return nil, fmt.Errorf("procedure %s coverage: %w", p.ID, err)
		}
		p.InsuranceCoverage = &cov
	}
	p.Status = ProcedureStatus(status)
	p.Priority = Priority(priority)
	p.Phase = Phase(phase)
	p.Source = ProcedureSource(source)
	if len(suggestion) > 0 {
		p.Suggestion = json.RawMessage(suggestion)
	}
	return &p, nil
}

func coverageArg(c *decimal.Decimal) interface{} {
	if c == nil {
		return nil
	}
	return c.String()
}

func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (r *procedureRepoPG) Create(ctx context.Context, p *Procedure) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO treatment_procedure (id, treatment_plan_id, tooth_number, cdt_code,
			procedure_name, description, fee, insurance_coverage, status, priority, phase,
			preauth_required, notes, source, suggestion, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9,$10,$11,$12,$13,$14,$15::jsonb,$16,$17)`,
		p.ID, p.PlanID, p.ToothNumber, p.CDTCode, p.ProcedureName, p.Description,
		p.Fee.String(), coverageArg(p.InsuranceCoverage), string(p.Status),
		string(p.Priority), string(p.Phase), p.PreauthRequired, p.Notes,
		string(p.Source), jsonArg(p.Suggestion), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert procedure: %w", err)
	}
	return nil
}

func (r *procedureRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return r.scanProcedure(r.conn(ctx).QueryRow(ctx, `SELECT `+procCols+` FROM treatment_procedure WHERE id = $1`, id))
}

func (r *procedureRepoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Procedure, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+procCols+` FROM treatment_procedure
		WHERE treatment_plan_id = $1 ORDER BY created_at, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("list procedures: %w", err)
	}
	defer rows.Close()
	items := []*Procedure{}
	for rows.Next() {
		p, err := r.scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *procedureRepoPG) Update(ctx context.Context, p *Procedure) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment_procedure SET tooth_number=$2, cdt_code=$3, procedure_name=$4,
			description=$5, fee=$6::numeric, insurance_coverage=$7::numeric, status=$8,
			priority=$9, phase=$10, preauth_required=$11, notes=$12, updated_at=$13
		WHERE id = $1`,
		p.ID, p.ToothNumber, p.CDTCode, p.ProcedureName, p.Description,
		p.Fee.String(), coverageArg(p.InsuranceCoverage), string(p.Status),
		string(p.Priority), string(p.Phase), p.PreauthRequired, p.Notes, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update procedure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *procedureRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM treatment_procedure WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete procedure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Version Repository ===========

type versionRepoPG struct{ pgStore }

func (r *versionRepoPG) Create(ctx context.Context, v *PlanVersion) error {
	doc, err := EncodeSnapshot(v)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO treatment_plan_version (treatment_plan_id, version, created_by, created_at, notes, snapshot)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb)`,
		v.PlanID, v.Version, v.CreatedBy, v.CreatedAt, v.Notes, string(doc))
	if isUniqueViolation(err) {
		return ErrStale
	}
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (r *versionRepoPG) scanVersion(row pgx.Row) (*PlanVersion, error) {
	var (
		v   PlanVersion
		doc []byte
	)
	if err := row.Scan(&v.PlanID, &v.Version, &v.CreatedBy, &v.CreatedAt, &v.Notes, &doc); err != nil {
		return nil, notFound(err)
	}
	if err := DecodeSnapshot(doc, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *versionRepoPG) Get(ctx context.Context, planID uuid.UUID, version int) (*PlanVersion, error) {
	return r.scanVersion(r.conn(ctx).QueryRow(ctx, `
		SELECT treatment_plan_id, version, created_by, created_at, notes, snapshot
		FROM treatment_plan_version WHERE treatment_plan_id = $1 AND version = $2`, planID, version))
}

func (r *versionRepoPG) List(ctx context.Context, planID uuid.UUID) ([]*PlanVersion, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT treatment_plan_id, version, created_by, created_at, notes, snapshot
		FROM treatment_plan_version WHERE treatment_plan_id = $1 ORDER BY version`, planID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	items := []*PlanVersion{}
	for rows.Next() {
		v, err := r.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pgStore }

func (r *auditRepoPG) Append(ctx context.Context, e *AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO treatment_plan_audit (id, treatment_plan_id, action, action_by, action_at, details)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb)
		RETURNING seq`,
		e.ID, e.PlanID, string(e.Action), e.ActionBy, e.ActionAt, string(details)).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *auditRepoPG) List(ctx context.Context, planID uuid.UUID, limit int) ([]*AuditEntry, error) {
	query := `SELECT id, treatment_plan_id, action, action_by, action_at, details, seq
		FROM treatment_plan_audit WHERE treatment_plan_id = $1
		ORDER BY action_at DESC, seq DESC`
	args := []interface{}{planID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	items := []*AuditEntry{}
	for rows.Next() {
		var (
			e       AuditEntry
			action  string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.PlanID, &action, &e.ActionBy, &e.ActionAt, &details, &e.Seq); err != nil {
			return nil, err
		}
		e.Action = AuditAction(action)
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
