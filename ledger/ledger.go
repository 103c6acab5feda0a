/*
ledger.go - Append-only entry log

PURPOSE:
  The Ledger is the immutable source of truth for what was charged and paid.
  Balances are always computed from entries plus current charges. There is
  no stored balance field that can get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, entries cannot be modified
  3. PAYMENTS ONLY VIA SETTLEMENT: Append refuses KindPayment

CORRECTIONS:
  A mistaken payment is voided, not edited. Void appends a void record with a
  reason; the entry stays in history with status void and stops counting.

SEE ALSO:
  - store.go: Low-level persistence interface
  - settlement.go: appendPayment, the only payment writer
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// with returns a ledger bound to a transactional view of the same store.
func (l *Ledger) with(s Store) *Ledger {
	return &Ledger{store: s, now: l.now}
}

// Append validates and persists a charge entry.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Kind == KindPayment {
		return Entry{}, &ValidationError{Field: "kind", Reason: "payments are recorded through settlement"}
	}
	return l.append(ctx, e)
}

func (l *Ledger) append(ctx context.Context, e Entry) (Entry, error) {
	if err := validateEntry(e); err != nil {
		return Entry{}, err
	}
	if e.ID == "" {
		e.ID = EntryID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	e.Status = StatusCompleted
	e.VoidReason, e.VoidedBy, e.VoidedAt = "", "", nil
	return l.store.AppendEntry(ctx, e)
}

func validateEntry(e Entry) error {
	if e.ParticipationID == "" {
		return &ValidationError{Field: "participation_id", Reason: "required"}
	}
	if e.TripID == "" {
		return &ValidationError{Field: "trip_id", Reason: "required"}
	}
	if !e.Scope.Valid() {
		return &ValidationError{Field: "scope", Reason: "unknown scope " + string(e.Scope)}
	}
	if !e.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(e.Kind)}
	}
	if !e.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return nil
}

// ListFor returns entries of a participation, newest first.
// scope and kind nil match everything. Never nil on success.
func (l *Ledger) ListFor(ctx context.Context, pid ParticipationID, scope *Scope, kind *Kind) ([]Entry, error) {
	entries, err := l.store.LoadEntries(ctx, EntryFilter{ParticipationID: pid, Scope: scope, Kind: kind})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Void marks an entry void by appending a void record.
func (l *Ledger) Void(ctx context.Context, id EntryID, reason, actor string) (Entry, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Entry{}, &ValidationError{Field: "reason", Reason: "required"}
	}
	e, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if e == nil {
		return Entry{}, &NotFoundError{Resource: "entry", ID: string(id)}
	}
	if e.Status == StatusVoid {
		return Entry{}, &InvalidStateError{EntryID: id, Status: e.Status, Action: "void"}
	}

	v := Void{EntryID: id, Reason: reason, VoidedBy: actor, VoidedAt: l.now().UTC()}
	if err := l.store.VoidEntry(ctx, v); err != nil {
		return Entry{}, err
	}
	e.Status = StatusVoid
	e.VoidReason = v.Reason
	e.VoidedBy = v.VoidedBy
	e.VoidedAt = &v.VoidedAt
	return *e, nil
}
