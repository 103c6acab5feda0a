/*
store.go - Persistence interface for entries, participations and settlements

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:   Entries (append-only), participations, settlement records, snapshots
  TxStore: Store plus WithTx for atomic read-validate-append

APPEND-ONLY CONTRACT:
  Entries have AppendEntry and VoidEntry, and VoidEntry only appends a void
  record. There is NO UpdateEntry or DeleteEntry. Ever.

RETURN CONVENTIONS:
  - Get* return (nil, nil) when the row does not exist
  - Driver failures come back as *StorageError
  - Lock and serialization failures come back as *ConcurrencyConflictError
  - A reused unique key comes back as ErrDuplicateIdempotencyKey

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - ledger/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - ledger.go: Validation layer over Store
  - settlement.go: The WithTx user that matters
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Persistence of ledger data
// =============================================================================

type Store interface {
	// AppendEntry persists an entry and returns it with Seq assigned.
	// CreatedAt is bumped if needed so it never goes backwards.
	AppendEntry(ctx context.Context, e Entry) (Entry, error)

	// GetEntry returns one entry joined with its void record.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// LoadEntries returns matching entries, newest first.
	LoadEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	// VoidEntry appends the void record. At most one per entry.
	VoidEntry(ctx context.Context, v Void) error

	GetParticipation(ctx context.Context, id ParticipationID) (*Participation, error)

	// LockParticipation reads a participation and, inside WithTx, holds it
	// against concurrent settlement until the transaction ends.
	LockParticipation(ctx context.Context, id ParticipationID) (*Participation, error)

	ListParticipations(ctx context.Context, filter ParticipationFilter) ([]Participation, error)

	// SaveParticipation inserts when Version is 0, otherwise updates if the
	// stored version still equals p.Version. Returns the stored row.
	SaveParticipation(ctx context.Context, p Participation) (Participation, error)

	// DeleteParticipation removes a participation and its snapshots.
	// Entries are untouched; callers must refuse when entries exist.
	DeleteParticipation(ctx context.Context, id ParticipationID) error

	GetSettlement(ctx context.Context, key string) (*SettlementRecord, error)

	// SaveSettlement fails with ErrDuplicateIdempotencyKey if the key exists.
	SaveSettlement(ctx context.Context, r SettlementRecord) error

	SaveSnapshot(ctx context.Context, s Snapshot) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]Snapshot, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// SNAPSHOT - Materialized balance cache
// =============================================================================

// Snapshot is a cached BalanceView. It is only ever overwritten with a fresh
// ComputeBalance result and is never read back into a write path.
type Snapshot struct {
	View       BalanceView
	ComputedAt time.Time
}
