package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/trip-ledger/ledger"
)

// timeLayout is fixed-width UTC so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs the store queries against either the pool or one *sql.Tx.
type conn struct {
	q    querier
	d    *dialect
	inTx bool
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

// =============================================================================
// ENTRIES (append-only)
// =============================================================================

const entryColumns = `
	e.seq, e.id, e.participation_id, e.trip_id, e.scope, e.kind, e.amount_value, e.currency,
	e.method, e.description, e.idempotency_key, e.created_by, e.created_at,
	v.reason, v.voided_by, v.voided_at
	FROM entries e LEFT JOIN entry_voids v ON v.entry_id = e.id`

// AppendEntry inserts an entry. CreatedAt never goes behind the newest entry.
func (c *conn) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	var last sql.NullString
	err := c.queryRow(ctx, `SELECT created_at FROM entries ORDER BY seq DESC LIMIT 1`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, c.d.wrap("read last entry", err)
	}
	if last.Valid {
		if prev, perr := time.Parse(time.RFC3339Nano, last.String); perr == nil && !e.CreatedAt.After(prev) {
			e.CreatedAt = prev.Add(time.Microsecond)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()

	query := `
		INSERT INTO entries
		(id, participation_id, trip_id, scope, kind, amount_value, currency,
		 method, description, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`
	err = c.queryRow(ctx, query,
		string(e.ID),
		string(e.ParticipationID),
		string(e.TripID),
		string(e.Scope),
		string(e.Kind),
		e.Amount.Value.String(),
		e.Amount.Currency,
		e.Method,
		e.Description,
		nullString(e.IdempotencyKey),
		e.CreatedBy,
		e.CreatedAt.Format(timeLayout),
	).Scan(&e.Seq)
	if err != nil {
		return ledger.Entry{}, c.d.wrap("append entry", err)
	}
	return e, nil
}

func (c *conn) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	rows, err := c.query(ctx, `SELECT `+entryColumns+` WHERE e.id = ?`, string(id))
	if err != nil {
		return nil, c.d.wrap("get entry", err)
	}
	entries, err := c.scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// LoadEntries returns matching entries, newest first.
func (c *conn) LoadEntries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.ParticipationID != "" {
		where = append(where, "e.participation_id = ?")
		args = append(args, string(f.ParticipationID))
	}
	if f.Scope != nil {
		where = append(where, "e.scope = ?")
		args = append(args, string(*f.Scope))
	}
	if f.Kind != nil {
		where = append(where, "e.kind = ?")
		args = append(args, string(*f.Kind))
	}
	if f.Status != nil {
		if *f.Status == ledger.StatusVoid {
			where = append(where, "v.entry_id IS NOT NULL")
		} else {
			where = append(where, "v.entry_id IS NULL")
		}
	}

	query := `SELECT ` + entryColumns
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY e.seq DESC`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, c.d.wrap("load entries", err)
	}
	return c.scanEntries(rows)
}

func (c *conn) scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	defer rows.Close()

	entries := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			e                                   ledger.Entry
			id, pid, trip, scope, kind          string
			amount, currency, createdAt         string
			key, voidReason, voidedBy, voidedAt sql.NullString
		)
		if err := rows.Scan(&e.Seq, &id, &pid, &trip, &scope, &kind, &amount, &currency,
			&e.Method, &e.Description, &key, &e.CreatedBy, &createdAt,
			&voidReason, &voidedBy, &voidedAt); err != nil {
			return nil, c.d.wrap("scan entry", err)
		}
		var dec decoder
		e.ID = ledger.EntryID(id)
		e.ParticipationID = ledger.ParticipationID(pid)
		e.TripID = ledger.TripID(trip)
		e.Scope = ledger.Scope(scope)
		e.Kind = ledger.Kind(kind)
		e.Amount = dec.amount("amount_value", amount, currency)
		e.IdempotencyKey = key.String
		e.CreatedAt = dec.time("created_at", createdAt)
		e.Status = ledger.StatusCompleted
		if voidedAt.Valid {
			at := dec.time("voided_at", voidedAt.String)
			e.Status = ledger.StatusVoid
			e.VoidReason = voidReason.String
			e.VoidedBy = voidedBy.String
			e.VoidedAt = &at
		}
		if err := dec.failure("scan entry " + id); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, c.d.wrap("scan entries", err)
	}
	return entries, nil
}

// VoidEntry appends the void record. The entry row is never touched.
func (c *conn) VoidEntry(ctx context.Context, v ledger.Void) error {
	var exists int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM entries WHERE id = ?`, string(v.EntryID)).Scan(&exists)
	if err != nil {
		return c.d.wrap("void entry", err)
	}
	if exists == 0 {
		return &ledger.NotFoundError{Resource: "entry", ID: string(v.EntryID)}
	}

	_, err = c.exec(ctx,
		`INSERT INTO entry_voids (entry_id, reason, voided_by, voided_at) VALUES (?, ?, ?, ?)`,
		string(v.EntryID), v.Reason, v.VoidedBy, v.VoidedAt.UTC().Format(timeLayout))
	if err != nil {
		err = c.d.wrap("void entry", err)
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return &ledger.InvalidStateError{EntryID: v.EntryID, Status: ledger.StatusVoid, Action: "void"}
		}
		return err
	}
	return nil
}

// =============================================================================
// PARTICIPATIONS
// =============================================================================

const participationColumns = `
	id, trip_id, trip_name, trip_starts_at, person_id, contact_key, display_name,
	currency, charges_json, version, created_at, updated_at
	FROM participations`

func (c *conn) GetParticipation(ctx context.Context, id ledger.ParticipationID) (*ledger.Participation, error) {
	return c.getParticipation(ctx, id, "")
}

// LockParticipation adds the dialect's row lock when running inside WithTx.
func (c *conn) LockParticipation(ctx context.Context, id ledger.ParticipationID) (*ledger.Participation, error) {
	if !c.inTx {
		return c.getParticipation(ctx, id, "")
	}
	return c.getParticipation(ctx, id, c.d.lockSuffix)
}

func (c *conn) getParticipation(ctx context.Context, id ledger.ParticipationID, suffix string) (*ledger.Participation, error) {
	rows, err := c.query(ctx, `SELECT `+participationColumns+` WHERE id = ?`+suffix, string(id))
	if err != nil {
		return nil, c.d.wrap("get participation", err)
	}
	ps, err := c.scanParticipations(rows)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, nil
	}
	return &ps[0], nil
}

func (c *conn) ListParticipations(ctx context.Context, f ledger.ParticipationFilter) ([]ledger.Participation, error) {
	var (
		where []string
		args  []any
	)
	if f.TripID != "" {
		where = append(where, "trip_id = ?")
		args = append(args, string(f.TripID))
	}
	if f.PersonID != "" {
		where = append(where, "person_id = ?")
		args = append(args, string(f.PersonID))
	}
	if f.ContactKey != "" {
		where = append(where, "contact_key = ?")
		args = append(args, f.ContactKey)
	}
	query := `SELECT ` + participationColumns
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY trip_starts_at DESC, created_at DESC, id ASC`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, c.d.wrap("list participations", err)
	}
	return c.scanParticipations(rows)
}

func (c *conn) scanParticipations(rows *sql.Rows) ([]ledger.Participation, error) {
	defer rows.Close()

	out := make([]ledger.Participation, 0)
	for rows.Next() {
		var (
			p                           ledger.Participation
			id, trip, startsAt, charges string
			createdAt, updatedAt        string
			person, contact             sql.NullString
		)
		if err := rows.Scan(&id, &trip, &p.TripName, &startsAt, &person, &contact, &p.DisplayName,
			&p.Currency, &charges, &p.Version, &createdAt, &updatedAt); err != nil {
			return nil, c.d.wrap("scan participation", err)
		}
		var dec decoder
		p.ID = ledger.ParticipationID(id)
		p.TripID = ledger.TripID(trip)
		p.TripStartsAt = dec.time("trip_starts_at", startsAt)
		p.PersonID = ledger.PersonID(person.String)
		p.ContactKey = contact.String
		p.CreatedAt = dec.time("created_at", createdAt)
		p.UpdatedAt = dec.time("updated_at", updatedAt)
		p.Charges = dec.charges(charges, p.Currency)
		if err := dec.failure("scan participation " + id); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, c.d.wrap("scan participations", err)
	}
	return out, nil
}

// SaveParticipation inserts (Version 0) or updates with a version check.
func (c *conn) SaveParticipation(ctx context.Context, p ledger.Participation) (ledger.Participation, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Currency == "" {
		p.Currency = ledger.DefaultCurrency
	}
	charges, err := encodeCharges(p.Charges)
	if err != nil {
		return ledger.Participation{}, &ledger.ValidationError{Field: "charges", Reason: err.Error()}
	}

	if p.Version == 0 {
		_, err := c.exec(ctx, `
			INSERT INTO participations
			(id, trip_id, trip_name, trip_starts_at, person_id, contact_key, display_name,
			 currency, charges_json, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			string(p.ID), string(p.TripID), p.TripName, p.TripStartsAt.UTC().Format(timeLayout),
			nullString(string(p.PersonID)), nullString(p.ContactKey), p.DisplayName,
			p.Currency, charges, p.CreatedAt.UTC().Format(timeLayout), p.UpdatedAt.UTC().Format(timeLayout))
		if err != nil {
			err = c.d.wrap("insert participation", err)
			if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
				return ledger.Participation{}, &ledger.ConcurrencyConflictError{Key: string(p.ID)}
			}
			return ledger.Participation{}, err
		}
		p.Version = 1
		return p, nil
	}

	res, err := c.exec(ctx, `
		UPDATE participations SET
			trip_id = ?, trip_name = ?, trip_starts_at = ?, person_id = ?, contact_key = ?,
			display_name = ?, currency = ?, charges_json = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(p.TripID), p.TripName, p.TripStartsAt.UTC().Format(timeLayout),
		nullString(string(p.PersonID)), nullString(p.ContactKey), p.DisplayName,
		p.Currency, charges, p.UpdatedAt.UTC().Format(timeLayout),
		string(p.ID), p.Version)
	if err != nil {
		return ledger.Participation{}, c.d.wrap("update participation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Participation{}, c.d.wrap("update participation", err)
	}
	if n == 0 {
		existing, err := c.GetParticipation(ctx, p.ID)
		if err != nil {
			return ledger.Participation{}, err
		}
		if existing == nil {
			return ledger.Participation{}, &ledger.NotFoundError{Resource: "participation", ID: string(p.ID)}
		}
		return ledger.Participation{}, &ledger.ConcurrencyConflictError{
			Key: string(p.ID),
			Err: fmt.Errorf("version %d is stale, stored version is %d", p.Version, existing.Version),
		}
	}
	p.Version++
	return p, nil
}

func (c *conn) DeleteParticipation(ctx context.Context, id ledger.ParticipationID) error {
	if _, err := c.exec(ctx, `DELETE FROM balance_snapshots WHERE participation_id = ?`, string(id)); err != nil {
		return c.d.wrap("delete snapshots", err)
	}
	if _, err := c.exec(ctx, `DELETE FROM participations WHERE id = ?`, string(id)); err != nil {
		return c.d.wrap("delete participation", err)
	}
	return nil
}

// =============================================================================
// SETTLEMENTS (idempotency records)
// =============================================================================

func (c *conn) GetSettlement(ctx context.Context, key string) (*ledger.SettlementRecord, error) {
	var (
		r                              ledger.SettlementRecord
		pid, scope, amount, currency   string
		entryID, resultJSON, createdAt string
		full                           int
	)
	err := c.queryRow(ctx, `
		SELECT idempotency_key, participation_id, scope, amount_value, currency,
		       full_settle, entry_id, result_json, created_at
		FROM settlements WHERE idempotency_key = ?`, key,
	).Scan(&r.IdempotencyKey, &pid, &scope, &amount, &currency, &full, &entryID, &resultJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, c.d.wrap("get settlement", err)
	}
	var dec decoder
	r.ParticipationID = ledger.ParticipationID(pid)
	r.Scope = ledger.Scope(scope)
	r.Amount = dec.amount("amount_value", amount, currency)
	r.Full = full != 0
	r.EntryID = ledger.EntryID(entryID)
	r.CreatedAt = dec.time("created_at", createdAt)
	dec.json("result_json", resultJSON, &r.Result)
	if err := dec.failure("get settlement " + key); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *conn) SaveSettlement(ctx context.Context, r ledger.SettlementRecord) error {
	result, err := json.Marshal(r.Result)
	if err != nil {
		return &ledger.StorageError{Op: "encode settlement result", Err: err}
	}
	full := 0
	if r.Full {
		full = 1
	}
	_, err = c.exec(ctx, `
		INSERT INTO settlements
		(idempotency_key, participation_id, scope, amount_value, currency, full_settle,
		 entry_id, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.IdempotencyKey, string(r.ParticipationID), string(r.Scope),
		r.Amount.Value.String(), r.Amount.Currency, full,
		string(r.EntryID), string(result), r.CreatedAt.UTC().Format(timeLayout))
	return c.d.wrap("save settlement", err)
}

// =============================================================================
// SNAPSHOTS (cache)
// =============================================================================

func (c *conn) SaveSnapshot(ctx context.Context, s ledger.Snapshot) error {
	v := s.View
	var last sql.NullString
	if v.LastPaymentAt != nil {
		last = nullString(v.LastPaymentAt.UTC().Format(timeLayout))
	}
	_, err := c.exec(ctx, `
		INSERT INTO balance_snapshots
		(participation_id, scope, trip_id, currency, owed, paid, balance, credit,
		 payment_count, last_payment_at, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (participation_id, scope) DO UPDATE SET
			trip_id = excluded.trip_id,
			currency = excluded.currency,
			owed = excluded.owed,
			paid = excluded.paid,
			balance = excluded.balance,
			credit = excluded.credit,
			payment_count = excluded.payment_count,
			last_payment_at = excluded.last_payment_at,
			computed_at = excluded.computed_at`,
		string(v.ParticipationID), v.ScopeKey(), string(v.TripID), v.Owed.Currency,
		v.Owed.Value.String(), v.Paid.Value.String(), v.Balance.Value.String(), v.Credit.Value.String(),
		v.PaymentCount, last, s.ComputedAt.UTC().Format(timeLayout))
	return c.d.wrap("save snapshot", err)
}

func (c *conn) ListSnapshots(ctx context.Context, f ledger.SnapshotFilter) ([]ledger.Snapshot, error) {
	var (
		where []string
		args  []any
	)
	if f.TripID != "" {
		where = append(where, "trip_id = ?")
		args = append(args, string(f.TripID))
	}
	if f.ParticipationID != "" {
		where = append(where, "participation_id = ?")
		args = append(args, string(f.ParticipationID))
	}
	query := `
		SELECT participation_id, scope, trip_id, currency, owed, paid, balance, credit,
		       payment_count, last_payment_at, computed_at
		FROM balance_snapshots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY participation_id, scope`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, c.d.wrap("list snapshots", err)
	}
	defer rows.Close()

	out := make([]ledger.Snapshot, 0)
	for rows.Next() {
		var (
			s                                       ledger.Snapshot
			pid, scope, trip, currency              string
			owed, paid, balance, credit, computedAt string
			last                                    sql.NullString
		)
		if err := rows.Scan(&pid, &scope, &trip, &currency, &owed, &paid, &balance, &credit,
			&s.View.PaymentCount, &last, &computedAt); err != nil {
			return nil, c.d.wrap("scan snapshot", err)
		}
		var dec decoder
		s.View.ParticipationID = ledger.ParticipationID(pid)
		s.View.TripID = ledger.TripID(trip)
		if scope != "" {
			sc := ledger.Scope(scope)
			s.View.Scope = &sc
		}
		s.View.Owed = dec.amount("owed", owed, currency)
		s.View.Paid = dec.amount("paid", paid, currency)
		s.View.Balance = dec.amount("balance", balance, currency)
		s.View.Credit = dec.amount("credit", credit, currency)
		if last.Valid {
			t := dec.time("last_payment_at", last.String)
			s.View.LastPaymentAt = &t
		}
		s.ComputedAt = dec.time("computed_at", computedAt)
		if err := dec.failure("scan snapshot " + pid); err != nil {
			return nil, err
		}
		if f.OnlyOutstanding && !s.View.Balance.IsPositive() {
			continue
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, c.d.wrap("scan snapshots", err)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeCharges(charges map[ledger.Scope]ledger.Amount) (string, error) {
	m := make(map[string]string, len(charges))
	for s, a := range charges {
		if !s.Valid() {
			return "", fmt.Errorf("unknown scope %q", s)
		}
		m[string(s)] = a.Value.String()
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// decoder turns stored text back into ledger values. The first malformed
// column is kept and reported once the row is read; nothing decodes to zero.
type decoder struct {
	err error
}

func (d *decoder) fail(column string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("column %s: %w", column, err)
	}
}

func (d *decoder) amount(column, value, currency string) ledger.Amount {
	v, err := decimal.NewFromString(value)
	if err != nil {
		d.fail(column, err)
	}
	return ledger.Amount{Value: v, Currency: currency}
}

func (d *decoder) time(column, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		d.fail(column, err)
	}
	return t.UTC()
}

func (d *decoder) json(column, raw string, v any) {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		d.fail(column, err)
	}
}

func (d *decoder) charges(raw, currency string) map[ledger.Scope]ledger.Amount {
	var m map[string]string
	d.json("charges_json", raw, &m)
	out := make(map[ledger.Scope]ledger.Amount, len(m))
	for s, v := range m {
		sc := ledger.Scope(s)
		if !sc.Valid() {
			d.fail("charges_json", fmt.Errorf("unknown scope %q", s))
			continue
		}
		out[sc] = d.amount("charges_json", v, currency)
	}
	return out
}

// failure wraps the first decode error for op, or returns nil.
func (d *decoder) failure(op string) error {
	if d.err == nil {
		return nil
	}
	return &ledger.StorageError{Op: op, Err: d.err}
}
