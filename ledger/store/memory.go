// Package store provides an in-memory ledger.TxStore for tests and demos.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/trip-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds everything behind one mutex. WithTx keeps the mutex for the
// whole callback, which serializes transactions the way SQLite does.
type Memory struct {
	mu sync.Mutex
	st state
}

type state struct {
	seq            int64
	lastCreated    time.Time
	entries        []ledger.Entry // append order
	entryIdx       map[ledger.EntryID]int
	paymentKeys    map[string]bool
	voids          map[ledger.EntryID]ledger.Void
	participations map[ledger.ParticipationID]ledger.Participation
	settlements    map[string]ledger.SettlementRecord
	snapshots      map[string]ledger.Snapshot
}

func NewMemory() *Memory {
	return &Memory{st: state{
		entryIdx:       make(map[ledger.EntryID]int),
		paymentKeys:    make(map[string]bool),
		voids:          make(map[ledger.EntryID]ledger.Void),
		participations: make(map[ledger.ParticipationID]ledger.Participation),
		settlements:    make(map[string]ledger.SettlementRecord),
		snapshots:      make(map[string]ledger.Snapshot),
	}}
}

func (m *Memory) locked(fn func(s *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&m.st)
}

func (m *Memory) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	var out ledger.Entry
	err := m.locked(func(s *state) (err error) {
		out, err = s.appendEntry(e)
		return err
	})
	return out, err
}

func (m *Memory) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	var out *ledger.Entry
	_ = m.locked(func(s *state) error { out = s.getEntry(id); return nil })
	return out, nil
}

func (m *Memory) LoadEntries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	var out []ledger.Entry
	_ = m.locked(func(s *state) error { out = s.loadEntries(f); return nil })
	return out, nil
}

func (m *Memory) VoidEntry(ctx context.Context, v ledger.Void) error {
	return m.locked(func(s *state) error { return s.voidEntry(v) })
}

func (m *Memory) GetParticipation(ctx context.Context, id ledger.ParticipationID) (*ledger.Participation, error) {
	var out *ledger.Participation
	_ = m.locked(func(s *state) error { out = s.getParticipation(id); return nil })
	return out, nil
}

// LockParticipation is a plain read outside WithTx; inside it the store mutex is already held.
func (m *Memory) LockParticipation(ctx context.Context, id ledger.ParticipationID) (*ledger.Participation, error) {
	return m.GetParticipation(ctx, id)
}

func (m *Memory) ListParticipations(ctx context.Context, f ledger.ParticipationFilter) ([]ledger.Participation, error) {
	var out []ledger.Participation
	_ = m.locked(func(s *state) error { out = s.listParticipations(f); return nil })
	return out, nil
}

func (m *Memory) SaveParticipation(ctx context.Context, p ledger.Participation) (ledger.Participation, error) {
	var out ledger.Participation
	err := m.locked(func(s *state) (err error) {
		out, err = s.saveParticipation(p)
		return err
	})
	return out, err
}

func (m *Memory) DeleteParticipation(ctx context.Context, id ledger.ParticipationID) error {
	return m.locked(func(s *state) error { s.deleteParticipation(id); return nil })
}

func (m *Memory) GetSettlement(ctx context.Context, key string) (*ledger.SettlementRecord, error) {
	var out *ledger.SettlementRecord
	_ = m.locked(func(s *state) error { out = s.getSettlement(key); return nil })
	return out, nil
}

func (m *Memory) SaveSettlement(ctx context.Context, r ledger.SettlementRecord) error {
	return m.locked(func(s *state) error { return s.saveSettlement(r) })
}

func (m *Memory) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	return m.locked(func(s *state) error { s.saveSnapshot(snap); return nil })
}

func (m *Memory) ListSnapshots(ctx context.Context, f ledger.SnapshotFilter) ([]ledger.Snapshot, error) {
	var out []ledger.Snapshot
	_ = m.locked(func(s *state) error { out = s.listSnapshots(f); return nil })
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a view that shares the locked state. On error the
// state is restored from a copy taken before fn ran.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.st.clone()
	if err := fn(&txView{st: &m.st}); err != nil {
		m.st = saved
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = saved
		return err
	}
	return nil
}

type txView struct {
	st *state
}

func (t *txView) AppendEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	return t.st.appendEntry(e)
}

func (t *txView) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return t.st.getEntry(id), nil
}

func (t *txView) LoadEntries(_ context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	return t.st.loadEntries(f), nil
}

func (t *txView) VoidEntry(_ context.Context, v ledger.Void) error {
	return t.st.voidEntry(v)
}

func (t *txView) GetParticipation(_ context.Context, id ledger.ParticipationID) (*ledger.Participation, error) {
	return t.st.getParticipation(id), nil
}

func (t *txView) LockParticipation(_ context.Context, id ledger.ParticipationID) (*ledger.Participation, error) {
	return t.st.getParticipation(id), nil
}

func (t *txView) ListParticipations(_ context.Context, f ledger.ParticipationFilter) ([]ledger.Participation, error) {
	return t.st.listParticipations(f), nil
}

func (t *txView) SaveParticipation(_ context.Context, p ledger.Participation) (ledger.Participation, error) {
	return t.st.saveParticipation(p)
}

func (t *txView) DeleteParticipation(_ context.Context, id ledger.ParticipationID) error {
	t.st.deleteParticipation(id)
	return nil
}

func (t *txView) GetSettlement(_ context.Context, key string) (*ledger.SettlementRecord, error) {
	return t.st.getSettlement(key), nil
}

func (t *txView) SaveSettlement(_ context.Context, r ledger.SettlementRecord) error {
	return t.st.saveSettlement(r)
}

func (t *txView) SaveSnapshot(_ context.Context, snap ledger.Snapshot) error {
	t.st.saveSnapshot(snap)
	return nil
}

func (t *txView) ListSnapshots(_ context.Context, f ledger.SnapshotFilter) ([]ledger.Snapshot, error) {
	return t.st.listSnapshots(f), nil
}

// =============================================================================
// STATE - Lock-free operations, callers hold Memory.mu
// =============================================================================

func (s *state) appendEntry(e ledger.Entry) (ledger.Entry, error) {
	if _, exists := s.entryIdx[e.ID]; exists {
		return ledger.Entry{}, ledger.ErrDuplicateIdempotencyKey
	}
	if e.Kind == ledger.KindPayment && e.IdempotencyKey != "" {
		if s.paymentKeys[e.IdempotencyKey] {
			return ledger.Entry{}, ledger.ErrDuplicateIdempotencyKey
		}
		s.paymentKeys[e.IdempotencyKey] = true
	}
	if !e.CreatedAt.After(s.lastCreated) {
		e.CreatedAt = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = e.CreatedAt
	s.seq++
	e.Seq = s.seq
	s.entryIdx[e.ID] = len(s.entries)
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *state) withVoid(e ledger.Entry) ledger.Entry {
	if v, ok := s.voids[e.ID]; ok {
		at := v.VoidedAt
		e.Status = ledger.StatusVoid
		e.VoidReason = v.Reason
		e.VoidedBy = v.VoidedBy
		e.VoidedAt = &at
	}
	return e
}

func (s *state) getEntry(id ledger.EntryID) *ledger.Entry {
	i, ok := s.entryIdx[id]
	if !ok {
		return nil
	}
	e := s.withVoid(s.entries[i])
	return &e
}

func (s *state) loadEntries(f ledger.EntryFilter) []ledger.Entry {
	out := make([]ledger.Entry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.withVoid(s.entries[i])
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *state) voidEntry(v ledger.Void) error {
	if _, ok := s.entryIdx[v.EntryID]; !ok {
		return &ledger.NotFoundError{Resource: "entry", ID: string(v.EntryID)}
	}
	if _, done := s.voids[v.EntryID]; done {
		return &ledger.InvalidStateError{EntryID: v.EntryID, Status: ledger.StatusVoid, Action: "void"}
	}
	s.voids[v.EntryID] = v
	return nil
}

func (s *state) getParticipation(id ledger.ParticipationID) *ledger.Participation {
	p, ok := s.participations[id]
	if !ok {
		return nil
	}
	c := p.Clone()
	return &c
}

func (s *state) listParticipations(f ledger.ParticipationFilter) []ledger.Participation {
	out := make([]ledger.Participation, 0)
	for _, p := range s.participations {
		if f.TripID != "" && p.TripID != f.TripID {
			continue
		}
		if f.PersonID != "" && p.PersonID != f.PersonID {
			continue
		}
		if f.ContactKey != "" && p.ContactKey != f.ContactKey {
			continue
		}
		out = append(out, p.Clone())
	}
	ledger.SortMostRecent(out)
	return out
}

func (s *state) saveParticipation(p ledger.Participation) (ledger.Participation, error) {
	existing, exists := s.participations[p.ID]
	switch {
	case p.Version == 0 && exists:
		return ledger.Participation{}, &ledger.ConcurrencyConflictError{Key: string(p.ID)}
	case p.Version != 0 && !exists:
		return ledger.Participation{}, &ledger.NotFoundError{Resource: "participation", ID: string(p.ID)}
	case p.Version != 0 && existing.Version != p.Version:
		return ledger.Participation{}, &ledger.ConcurrencyConflictError{Key: string(p.ID)}
	}
	stored := p.Clone()
	stored.Version = p.Version + 1
	if !exists {
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
	} else {
		stored.CreatedAt = existing.CreatedAt
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.participations[p.ID] = stored
	return stored.Clone(), nil
}

func (s *state) deleteParticipation(id ledger.ParticipationID) {
	delete(s.participations, id)
	for k, snap := range s.snapshots {
		if snap.View.ParticipationID == id {
			delete(s.snapshots, k)
		}
	}
}

func (s *state) getSettlement(key string) *ledger.SettlementRecord {
	r, ok := s.settlements[key]
	if !ok {
		return nil
	}
	return &r
}

func (s *state) saveSettlement(r ledger.SettlementRecord) error {
	if _, exists := s.settlements[r.IdempotencyKey]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	s.settlements[r.IdempotencyKey] = r
	return nil
}

func snapshotKey(v ledger.BalanceView) string {
	return string(v.ParticipationID) + "/" + v.ScopeKey()
}

func (s *state) saveSnapshot(snap ledger.Snapshot) {
	s.snapshots[snapshotKey(snap.View)] = snap
}

func (s *state) listSnapshots(f ledger.SnapshotFilter) []ledger.Snapshot {
	out := make([]ledger.Snapshot, 0)
	for _, snap := range s.snapshots {
		v := snap.View
		if f.TripID != "" && v.TripID != f.TripID {
			continue
		}
		if f.ParticipationID != "" && v.ParticipationID != f.ParticipationID {
			continue
		}
		if f.OnlyOutstanding && !v.Balance.IsPositive() {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].View, out[j].View
		if a.ParticipationID != b.ParticipationID {
			return a.ParticipationID < b.ParticipationID
		}
		return a.ScopeKey() < b.ScopeKey()
	})
	return out
}

func (s *state) clone() state {
	c := state{
		seq:            s.seq,
		lastCreated:    s.lastCreated,
		entries:        append([]ledger.Entry(nil), s.entries...),
		entryIdx:       make(map[ledger.EntryID]int, len(s.entryIdx)),
		paymentKeys:    make(map[string]bool, len(s.paymentKeys)),
		voids:          make(map[ledger.EntryID]ledger.Void, len(s.voids)),
		participations: make(map[ledger.ParticipationID]ledger.Participation, len(s.participations)),
		settlements:    make(map[string]ledger.SettlementRecord, len(s.settlements)),
		snapshots:      make(map[string]ledger.Snapshot, len(s.snapshots)),
	}
	for k, v := range s.entryIdx {
		c.entryIdx[k] = v
	}
	for k, v := range s.paymentKeys {
		c.paymentKeys[k] = v
	}
	for k, v := range s.voids {
		c.voids[k] = v
	}
	for k, v := range s.participations {
		c.participations[k] = v.Clone()
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	return c
}
