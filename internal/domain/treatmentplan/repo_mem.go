package treatmentplan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// memState is the full contents of a MemoryStore. Stored values are never
// mutated in place, so a shallow copy of the maps isolates a transaction.
type memState struct {
	plans      map[uuid.UUID]*TreatmentPlan
	procedures map[uuid.UUID]*Procedure
	versions   map[uuid.UUID][]memVersion
	audit      map[uuid.UUID][]memAudit
	seq        int64
}

type memVersion struct {
	meta PlanVersion
	doc  []byte
}

type memAudit struct {
	entry   AuditEntry
	details []byte
}

func newMemState() memState {
	return memState{
		plans:      map[uuid.UUID]*TreatmentPlan{},
		procedures: map[uuid.UUID]*Procedure{},
		versions:   map[uuid.UUID][]memVersion{},
		audit:      map[uuid.UUID][]memAudit{},
	}
}

func (s memState) clone() memState {
	c := memState{
		plans:      make(map[uuid.UUID]*TreatmentPlan, len(s.plans)),
		procedures: make(map[uuid.UUID]*Procedure, len(s.procedures)),
		versions:   make(map[uuid.UUID][]memVersion, len(s.versions)),
		audit:      make(map[uuid.UUID][]memAudit, len(s.audit)),
		seq:        s.seq,
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.procedures {
		c.procedures[k] = v
	}
	for k, v := range s.versions {
		c.versions[k] = append([]memVersion(nil), v...)
	}
	for k, v := range s.audit {
		c.audit[k] = append([]memAudit(nil), v...)
	}
	return c
}

// MemoryStore keeps plans in process memory. Transactions hold the write
// lock for their whole duration and publish their copy of the state only
// when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// Repositories returns the store wired as a full repository set.
func (s *MemoryStore) Repositories() Repositories {
	return Repositories{
		Tx:         s,
		Plans:      &memPlanRepo{s},
		Procedures: &memProcedureRepo{s},
		Versions:   &memVersionRepo{s},
		Audit:      &memAuditRepo{s},
	}
}

type memTxKey struct{}

type memTx struct {
	store *MemoryStore
	state memState
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == s {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, state: s.state.clone()}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// read runs fn against the transaction's state when ctx carries one, and
// against the committed state under a read lock otherwise.
func (s *MemoryStore) read(ctx context.Context, fn func(st *memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == s {
		return fn(&tx.state)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&s.state)
}

func (s *MemoryStore) write(ctx context.Context, fn func(st *memState) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == s {
		return fn(&tx.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state.clone()
	if err := fn(&st); err != nil {
		return err
	}
	s.state = st
	return nil
}

// =========== Plans ===========

type memPlanRepo struct{ s *MemoryStore }

func (r *memPlanRepo) Create(ctx context.Context, p *TreatmentPlan) error {
	return r.s.write(ctx, func(st *memState) error {
		if _, exists := st.plans[p.ID]; exists {
			return fmt.Errorf("plan %s already exists", p.ID)
		}
		st.plans[p.ID] = p.Clone()
		return nil
	})
}

func (r *memPlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	var out *TreatmentPlan
	err := r.s.read(ctx, func(st *memState) error {
		p, ok := st.plans[id]
		if !ok {
			return ErrNotFound
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

func (r *memPlanRepo) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*TreatmentPlan, int, error) {
	var (
		items []*TreatmentPlan
		total int
	)
	err := r.s.read(ctx, func(st *memState) error {
		var all []*TreatmentPlan
		for _, p := range st.plans {
			if patientID == "" || p.PatientID == patientID {
				all = append(all, p)
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].CreatedAt.Equal(all[j].CreatedAt) {
				return all[i].ID.String() < all[j].ID.String()
			}
			return all[i].CreatedAt.After(all[j].CreatedAt)
		})
		total = len(all)
		if offset > len(all) {
			offset = len(all)
		}
		all = all[offset:]
		if limit > 0 && limit < len(all) {
			all = all[:limit]
		}
		for _, p := range all {
			items = append(items, p.Clone())
		}
		return nil
	})
	return items, total, err
}

func (r *memPlanRepo) Update(ctx context.Context, p *TreatmentPlan, expectedRevision int) error {
	return r.s.write(ctx, func(st *memState) error {
		cur, ok := st.plans[p.ID]
		if !ok {
			return ErrNotFound
		}
		if cur.Revision != expectedRevision {
			return ErrStale
		}
		st.plans[p.ID] = p.Clone()
		return nil
	})
}

// =========== Procedures ===========

type memProcedureRepo struct{ s *MemoryStore }

func (r *memProcedureRepo) Create(ctx context.Context, p *Procedure) error {
	return r.s.write(ctx, func(st *memState) error {
		if _, ok := st.plans[p.PlanID]; !ok {
			return fmt.Errorf("procedure %s references missing plan %s", p.ID, p.PlanID)
		}
		st.procedures[p.ID] = p.Clone()
		return nil
	})
}

func (r *memProcedureRepo) GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	var out *Procedure
	err := r.s.read(ctx, func(st *memState) error {
		p, ok := st.procedures[id]
		if !ok {
			return ErrNotFound
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

func (r *memProcedureRepo) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Procedure, error) {
	items := []*Procedure{}
	err := r.s.read(ctx, func(st *memState) error {
		for _, p := range st.procedures {
			if p.PlanID == planID {
				items = append(items, p.Clone())
			}
		}
		return nil
	})
	sortProcedures(items)
	return items, err
}

func (r *memProcedureRepo) Update(ctx context.Context, p *Procedure) error {
	return r.s.write(ctx, func(st *memState) error {
		if _, ok := st.procedures[p.ID]; !ok {
			return ErrNotFound
		}
		st.procedures[p.ID] = p.Clone()
		return nil
	})
}

func (r *memProcedureRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.write(ctx, func(st *memState) error {
		if _, ok := st.procedures[id]; !ok {
			return ErrNotFound
		}
		delete(st.procedures, id)
		return nil
	})
}

// sortProcedures orders by creation time, then id, matching the SQL store.
func sortProcedures(items []*Procedure) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

// =========== Versions ===========

type memVersionRepo struct{ s *MemoryStore }

func (r *memVersionRepo) Create(ctx context.Context, v *PlanVersion) error {
	doc, err := EncodeSnapshot(v)
	if err != nil {
		return err
	}
	return r.s.write(ctx, func(st *memState) error {
		for _, existing := range st.versions[v.PlanID] {
			if existing.meta.Version == v.Version {
				return ErrStale
			}
		}
		meta := *v
		meta.Plan = TreatmentPlan{}
		meta.Procedures = nil
		meta.Notes = cloneStr(v.Notes)
		st.versions[v.PlanID] = append(st.versions[v.PlanID], memVersion{meta: meta, doc: doc})
		return nil
	})
}

func (r *memVersionRepo) Get(ctx context.Context, planID uuid.UUID, version int) (*PlanVersion, error) {
	var out *PlanVersion
	err := r.s.read(ctx, func(st *memState) error {
		for _, row := range st.versions[planID] {
			if row.meta.Version == version {
				v, err := row.materialize()
				out = v
				return err
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (r *memVersionRepo) List(ctx context.Context, planID uuid.UUID) ([]*PlanVersion, error) {
	items := []*PlanVersion{}
	err := r.s.read(ctx, func(st *memState) error {
		for _, row := range st.versions[planID] {
			v, err := row.materialize()
			if err != nil {
				return err
			}
			items = append(items, v)
		}
		return nil
	})
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, err
}

func (row memVersion) materialize() (*PlanVersion, error) {
	v := row.meta
	v.Notes = cloneStr(row.meta.Notes)
	if err := DecodeSnapshot(row.doc, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// =========== Audit ===========

type memAuditRepo struct{ s *MemoryStore }

func (r *memAuditRepo) Append(ctx context.Context, e *AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	return r.s.write(ctx, func(st *memState) error {
		st.seq++
		e.Seq = st.seq
		row := memAudit{entry: *e, details: details}
		row.entry.Details = nil
		st.audit[e.PlanID] = append(st.audit[e.PlanID], row)
		return nil
	})
}

func (r *memAuditRepo) List(ctx context.Context, planID uuid.UUID, limit int) ([]*AuditEntry, error) {
	var rows []memAudit
	err := r.s.read(ctx, func(st *memState) error {
		rows = append(rows, st.audit[planID]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].entry, rows[j].entry
		if a.ActionAt.Equal(b.ActionAt) {
			return a.Seq > b.Seq
		}
		return a.ActionAt.After(b.ActionAt)
	})
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	items := make([]*AuditEntry, 0, len(rows))
	for _, row := range rows {
		e := row.entry
		if err := json.Unmarshal(row.details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		items = append(items, &e)
	}
	return items, nil
}
