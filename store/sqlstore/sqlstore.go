/*
Package sqlstore provides the SQL-backed ledger.TxStore for SQLite and PostgreSQL.

PURPOSE:
  Implements ledger.Store, ledger.TxStore and audit.EventLogger on
  database/sql. Both databases share one schema and one set of queries; a
  dialect covers placeholders, the autoincrement column, row locks and error
  classification.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the entries table
  - Voids go to entry_voids, keyed by entry id (one per entry)
  - Status is the join of the two

KEY TABLES:
  entries:           Immutable ledger of charges and payments
  entry_voids:       Append-only void records
  participations:    Owed charges per scope, optimistic version
  settlements:       Idempotency records with the original balance view
  balance_snapshots: Cached balance views (recomputed, never authoritative)
  events:            Audit trail

INDEXES:
  - idx_entries_participation_scope_kind: Balance and history (hot path)
  - idx_entries_payment_key: One payment per idempotency key

CONCURRENCY:
  SQLite runs on a single connection with BEGIN IMMEDIATE, so WithTx holds
  the write lock from the first statement. PostgreSQL locks the participation
  row with SELECT ... FOR UPDATE inside WithTx. Busy, locked and
  serialization failures surface as ledger.ConcurrencyConflictError.

USAGE:
  store, err := sqlstore.NewSQLite("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/trip-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store implements ledger.TxStore and audit.EventLogger.
type Store struct {
	*conn
	db *sql.DB
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = (*conn)(nil)
)

// Open connects with the named driver ("sqlite" or "postgres").
// For sqlite the dsn is a file path, ":memory:" for an in-memory database.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, "sqlite3", "":
		return NewSQLite(dsn)
	case DriverPostgres, "postgresql":
		return NewPostgres(dsn)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}

func newStore(db *sql.DB, d *dialect) (*Store, error) {
	s := &Store{conn: &conn{q: db, d: d}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the dialect in use.
func (s *Store) Driver() string { return s.d.name }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &ledger.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// WithTx executes fn within a database transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.d.wrap("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return s.d.wrap("commit", err)
	}
	return nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(s.d.schema())
	return err
}

// schema is shared by both dialects; only the entries sequence column differs.
func (d *dialect) schema() string {
	return fmt.Sprintf(`
	-- Participations (owed charges live here, not in entries)
	CREATE TABLE IF NOT EXISTS participations (
		id TEXT PRIMARY KEY,
		trip_id TEXT NOT NULL,
		trip_name TEXT NOT NULL DEFAULT '',
		trip_starts_at TEXT NOT NULL,
		person_id TEXT,
		contact_key TEXT,
		display_name TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		charges_json TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_participations_trip
		ON participations(trip_id);
	CREATE INDEX IF NOT EXISTS idx_participations_person
		ON participations(person_id) WHERE person_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_participations_contact
		ON participations(contact_key) WHERE contact_key IS NOT NULL;

	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		%s,
		id TEXT NOT NULL UNIQUE,
		participation_id TEXT NOT NULL,
		trip_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_participation_scope_kind
		ON entries(participation_id, scope, kind);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_payment_key
		ON entries(idempotency_key) WHERE kind = 'payment';

	-- Voids (append-only, at most one per entry)
	CREATE TABLE IF NOT EXISTS entry_voids (
		entry_id TEXT PRIMARY KEY REFERENCES entries(id),
		reason TEXT NOT NULL,
		voided_by TEXT NOT NULL DEFAULT '',
		voided_at TEXT NOT NULL
	);

	-- Settlement idempotency records
	CREATE TABLE IF NOT EXISTS settlements (
		idempotency_key TEXT PRIMARY KEY,
		participation_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		full_settle INTEGER NOT NULL,
		entry_id TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Balance snapshots (cache)
	CREATE TABLE IF NOT EXISTS balance_snapshots (
		participation_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		trip_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		owed TEXT NOT NULL,
		paid TEXT NOT NULL,
		balance TEXT NOT NULL,
		credit TEXT NOT NULL,
		payment_count INTEGER NOT NULL,
		last_payment_at TEXT,
		computed_at TEXT NOT NULL,
		PRIMARY KEY (participation_id, scope)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_trip
		ON balance_snapshots(trip_id);

	-- Audit events
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL,
		event_metadata TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type
		ON events(event_type, created_at);
	`, d.seqColumn)
}
