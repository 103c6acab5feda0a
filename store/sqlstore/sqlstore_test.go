package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func eur(s string) ledger.Amount {
	return ledger.Amount{Value: decimal.RequireFromString(s), Currency: "EUR"}
}

func testParticipation(id, trip string) ledger.Participation {
	return ledger.Participation{
		ID:           ledger.ParticipationID(id),
		TripID:       ledger.TripID(trip),
		TripName:     "Lake weekend",
		TripStartsAt: time.Date(2026, time.June, 12, 0, 0, 0, 0, time.UTC),
		PersonID:     "ana",
		ContactKey:   "ana@example.org",
		DisplayName:  "Ana",
		Currency:     "EUR",
		Charges: map[ledger.Scope]ledger.Amount{
			ledger.ScopeLodging:   eur("80"),
			ledger.ScopeTransport: eur("12.50"),
		},
	}
}

func testPayment(id, pid string, amount, key string) ledger.Entry {
	return ledger.Entry{
		ID:              ledger.EntryID(id),
		ParticipationID: ledger.ParticipationID(pid),
		TripID:          "lake",
		Scope:           ledger.ScopeLodging,
		Kind:            ledger.KindPayment,
		Amount:          eur(amount),
		Method:          "cash",
		Status:          ledger.StatusCompleted,
		IdempotencyKey:  key,
		CreatedBy:       "desk",
		CreatedAt:       time.Now().UTC(),
	}
}

// =============================================================================
// PARTICIPATIONS
// =============================================================================

func TestSQLite_Participation_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	saved, err := store.SaveParticipation(ctx, testParticipation("lake-ana", "lake"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	got, err := store.GetParticipation(ctx, "lake-ana")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.PersonID("ana"), got.PersonID)
	assert.True(t, eur("12.5").Equal(got.Charge(ledger.ScopeTransport)))
	assert.True(t, eur("92.5").Equal(got.Owed(nil)))
	assert.True(t, got.TripStartsAt.Equal(saved.TripStartsAt))

	missing, err := store.GetParticipation(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_Participation_VersionConflict(t *testing.T) {
	// GIVEN: A participation read by two operators
	// WHEN: Both save changes
	// THEN: The second save is a concurrency conflict

	store := newTestStore(t)
	ctx := context.Background()
	saved, err := store.SaveParticipation(ctx, testParticipation("lake-ana", "lake"))
	require.NoError(t, err)

	first, second := saved.Clone(), saved.Clone()
	first.Charges[ledger.ScopeLodging] = eur("70")
	second.Charges[ledger.ScopeLodging] = eur("90")

	updated, err := store.SaveParticipation(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.SaveParticipation(ctx, second)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

	_, err = store.SaveParticipation(ctx, testParticipation("lake-ana", "lake"))
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict, "insert over an existing id")
}

func TestSQLite_ListParticipations_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testParticipation("lake-ana", "lake")
	b := testParticipation("coast-ana", "coast")
	b.TripStartsAt = a.TripStartsAt.AddDate(0, 1, 0)
	c := testParticipation("lake-ben", "lake")
	c.PersonID, c.ContactKey = "ben", "ben@example.org"
	for _, p := range []ledger.Participation{a, b, c} {
		_, err := store.SaveParticipation(ctx, p)
		require.NoError(t, err)
	}

	byTrip, err := store.ListParticipations(ctx, ledger.ParticipationFilter{TripID: "lake"})
	require.NoError(t, err)
	assert.Len(t, byTrip, 2)

	byPerson, err := store.ListParticipations(ctx, ledger.ParticipationFilter{PersonID: "ana"})
	require.NoError(t, err)
	require.Len(t, byPerson, 2)
	assert.Equal(t, ledger.ParticipationID("coast-ana"), byPerson[0].ID, "most recent trip first")

	byContact, err := store.ListParticipations(ctx, ledger.ParticipationFilter{ContactKey: "ben@example.org"})
	require.NoError(t, err)
	assert.Len(t, byContact, 1)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestSQLite_Entries_NewestFirstWithMonotonicTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AppendEntry(ctx, testPayment("e1", "lake-ana", "30", "k1"))
	require.NoError(t, err)

	late := testPayment("e2", "lake-ana", "20", "k2")
	late.CreatedAt = first.CreatedAt.Add(-time.Hour)
	second, err := store.AppendEntry(ctx, late)
	require.NoError(t, err)

	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	assert.Greater(t, second.Seq, first.Seq)

	entries, err := store.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "lake-ana"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryID("e2"), entries[0].ID)
	assert.True(t, eur("20").Equal(entries[0].Amount))
	assert.Equal(t, "k2", entries[0].IdempotencyKey)
}

func TestSQLite_AppendEntry_DuplicatePaymentKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendEntry(ctx, testPayment("e1", "lake-ana", "30", "k1"))
	require.NoError(t, err)
	_, err = store.AppendEntry(ctx, testPayment("e2", "lake-ana", "30", "k1"))

	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestSQLite_LoadEntries_ScopeAndKindFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	transport := testPayment("e1", "lake-ana", "10", "k1")
	transport.Scope = ledger.ScopeTransport
	charge := testPayment("e2", "lake-ana", "80", "")
	charge.Kind = ledger.KindCharge
	for _, e := range []ledger.Entry{transport, charge, testPayment("e3", "lake-ana", "30", "k3")} {
		_, err := store.AppendEntry(ctx, e)
		require.NoError(t, err)
	}

	lodging := ledger.ScopeLodging
	payment := ledger.KindPayment
	entries, err := store.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "lake-ana", Scope: &lodging, Kind: &payment})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryID("e3"), entries[0].ID)
}

func TestSQLite_VoidEntry(t *testing.T) {
	// GIVEN: A recorded payment
	// WHEN: Voiding it twice
	// THEN: The first void shows on reads; the second is an invalid state

	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.AppendEntry(ctx, testPayment("e1", "lake-ana", "30", "k1"))
	require.NoError(t, err)

	v := ledger.Void{EntryID: "e1", Reason: "wrong person", VoidedBy: "lead", VoidedAt: time.Now().UTC()}
	require.NoError(t, store.VoidEntry(ctx, v))

	e, err := store.GetEntry(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, ledger.StatusVoid, e.Status)
	assert.Equal(t, "wrong person", e.VoidReason)
	require.NotNil(t, e.VoidedAt)

	completed := ledger.StatusCompleted
	live, err := store.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "lake-ana", Status: &completed})
	require.NoError(t, err)
	assert.Empty(t, live)

	err = store.VoidEntry(ctx, v)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

// =============================================================================
// SETTLEMENTS AND SNAPSHOTS
// =============================================================================

func TestSQLite_Settlement_RoundTripAndDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lodging := ledger.ScopeLodging
	rec := ledger.SettlementRecord{
		IdempotencyKey:  "k1",
		ParticipationID: "lake-ana",
		Scope:           ledger.ScopeLodging,
		Amount:          eur("30"),
		EntryID:         "e1",
		Result: ledger.BalanceView{
			ParticipationID: "lake-ana",
			TripID:          "lake",
			Scope:           &lodging,
			Owed:            eur("80"),
			Paid:            eur("30"),
			Balance:         eur("50"),
			Credit:          eur("0"),
			PaymentCount:    1,
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveSettlement(ctx, rec))

	got, err := store.GetSettlement(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.SameTarget("lake-ana", ledger.ScopeLodging, eur("30"), false))
	assert.True(t, eur("50").Equal(got.Result.Balance))
	require.NotNil(t, got.Result.Scope)
	assert.Equal(t, ledger.ScopeLodging, *got.Result.Scope)

	assert.ErrorIs(t, store.SaveSettlement(ctx, rec), ledger.ErrDuplicateIdempotencyKey)

	none, err := store.GetSettlement(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_Snapshots_UpsertAndOutstandingFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p, err := store.SaveParticipation(ctx, testParticipation("lake-ana", "lake"))
	require.NoError(t, err)

	require.NoError(t, ledger.RefreshSnapshots(ctx, store, p, time.Now()))
	require.NoError(t, ledger.RefreshSnapshots(ctx, store, p, time.Now()))

	all, err := store.ListSnapshots(ctx, ledger.SnapshotFilter{TripID: "lake"})
	require.NoError(t, err)
	assert.Len(t, all, len(ledger.Scopes)+1, "upsert keeps one row per scope")

	open, err := store.ListSnapshots(ctx, ledger.SnapshotFilter{TripID: "lake", OnlyOutstanding: true})
	require.NoError(t, err)
	assert.Len(t, open, 3, "total, transport and lodging")

	require.NoError(t, store.DeleteParticipation(ctx, "lake-ana"))
	all, err = store.ListSnapshots(ctx, ledger.SnapshotFilter{TripID: "lake"})
	require.NoError(t, err)
	assert.Empty(t, all)
}

// =============================================================================
// CORRUPT ROWS
// =============================================================================

func TestSQLite_CorruptColumns_AreStorageErrors(t *testing.T) {
	// GIVEN: Rows whose stored text no longer decodes
	// WHEN: Reading them back
	// THEN: The read fails with a storage error instead of yielding zero

	ctx := context.Background()
	seed := func(t *testing.T) *Store {
		store := newTestStore(t)
		p, err := store.SaveParticipation(ctx, testParticipation("lake-ana", "lake"))
		require.NoError(t, err)
		_, err = store.AppendEntry(ctx, testPayment("e1", "lake-ana", "30", "k1"))
		require.NoError(t, err)
		require.NoError(t, store.SaveSettlement(ctx, ledger.SettlementRecord{
			IdempotencyKey:  "k1",
			ParticipationID: "lake-ana",
			Scope:           ledger.ScopeLodging,
			Amount:          eur("30"),
			EntryID:         "e1",
			CreatedAt:       time.Now(),
		}))
		require.NoError(t, ledger.RefreshSnapshots(ctx, store, p, time.Now()))
		return store
	}
	read := map[string]func(store *Store) error{
		"entries": func(store *Store) error {
			_, err := store.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "lake-ana"})
			return err
		},
		"participation": func(store *Store) error {
			_, err := store.GetParticipation(ctx, "lake-ana")
			return err
		},
		"settlement": func(store *Store) error {
			_, err := store.GetSettlement(ctx, "k1")
			return err
		},
		"snapshots": func(store *Store) error {
			_, err := store.ListSnapshots(ctx, ledger.SnapshotFilter{ParticipationID: "lake-ana"})
			return err
		},
	}

	cases := []struct {
		name, update, reader string
	}{
		{"payment amount", `UPDATE entries SET amount_value = 'garbage'`, "entries"},
		{"entry time", `UPDATE entries SET created_at = 'yesterday'`, "entries"},
		{"charges json", `UPDATE participations SET charges_json = '{"lodging":'`, "participation"},
		{"charge amount", `UPDATE participations SET charges_json = '{"lodging":"eighty"}'`, "participation"},
		{"charge scope", `UPDATE participations SET charges_json = '{"food":"80"}'`, "participation"},
		{"settlement amount", `UPDATE settlements SET amount_value = ''`, "settlement"},
		{"settlement result", `UPDATE settlements SET result_json = 'nope'`, "settlement"},
		{"snapshot paid", `UPDATE balance_snapshots SET paid = '1,000'`, "snapshots"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := seed(t)
			require.NoError(t, read[tc.reader](store), "clean rows decode")

			_, err := store.db.ExecContext(ctx, tc.update)
			require.NoError(t, err)

			err = read[tc.reader](store)
			assert.ErrorIs(t, err, ledger.ErrStorage)
			var serr *ledger.StorageError
			assert.ErrorAs(t, err, &serr)
		})
	}
}

func TestSQLite_CorruptEvent_IsStorageError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, audit.NewEvent(audit.WithType(audit.TypePaymentRegistered))))

	_, err := store.db.ExecContext(ctx, `UPDATE events SET event_data = '{'`)
	require.NoError(t, err)

	_, err = store.GetByType(ctx, audit.TypePaymentRegistered)
	assert.ErrorIs(t, err, ledger.ErrStorage)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTx_RollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.AppendEntry(ctx, testPayment("e1", "lake-ana", "30", "k1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := store.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "lake-ana"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_Service_EndToEnd(t *testing.T) {
	// GIVEN: Transport owed 12.50 on SQLite
	// WHEN: Eight concurrent payments of 5 race against it
	// THEN: At most 12.50 is accepted and the snapshots agree with the ledger

	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.SaveParticipation(ctx, testParticipation("lake-ana", "lake"))
	require.NoError(t, err)

	events := audit.NewMemory()
	svc := ledger.NewService(store, ledger.WithEvents(events))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RegisterPayment(ctx, ledger.PaymentRequest{
				ParticipationID: "lake-ana",
				Scope:           ledger.ScopeTransport,
				Amount:          eur("5"),
				IdempotencyKey:  fmt.Sprintf("k%d", i),
			})
			if err != nil {
				assert.ErrorIs(t, err, ledger.ErrOverpayment)
			}
		}(i)
	}
	wg.Wait()

	transport := ledger.ScopeTransport
	v, err := svc.GetBalance(ctx, "lake-ana", &transport)
	require.NoError(t, err)
	assert.True(t, eur("10").Equal(v.Paid), "two payments of 5 fit, a third would overpay")
	assert.True(t, eur("2.5").Equal(v.Balance))

	report, err := ledger.NewReconciler(store, nil, events).Run(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, report.Drifted)

	settled, err := svc.SettleFully(ctx, ledger.SettleRequest{ParticipationID: "lake-ana", Scope: ledger.ScopeTransport})
	require.NoError(t, err)
	assert.True(t, settled.Settled())
}

// twoStoresOneFile opens the same database file twice, as two server
// processes would. The services share nothing but the file.
func twoStoresOneFile(t *testing.T) (*Store, []*ledger.Service) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	var services []*ledger.Service
	var first *Store
	for i := 0; i < 2; i++ {
		st, err := NewSQLite(path)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		if first == nil {
			first = st
		}
		services = append(services, ledger.NewService(st))
	}
	_, err := first.SaveParticipation(context.Background(), testParticipation("lake-ana", "lake"))
	require.NoError(t, err)
	return first, services
}

func TestSQLite_TwoStoresOneFile_DistinctKeys(t *testing.T) {
	// GIVEN: Lodging owed 80 and two stores opened on one database file
	// WHEN: Twenty keys paying 5 each are sent once through each store, all at once
	// THEN: Exactly 80 is paid in 16 entries, and both sends of a key agree

	store, services := twoStoresOneFile(t)
	ctx := context.Background()

	const keys = 20
	results := make([][2]error, keys)
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		for i, svc := range services {
			wg.Add(1)
			go func(k, i int, svc *ledger.Service) {
				defer wg.Done()
				_, results[k][i] = svc.RegisterPayment(ctx, ledger.PaymentRequest{
					ParticipationID: "lake-ana",
					Scope:           ledger.ScopeLodging,
					Amount:          eur("5"),
					IdempotencyKey:  fmt.Sprintf("k%d", k),
				})
			}(k, i, svc)
		}
	}
	wg.Wait()

	success, settled := 0, 0
	for k, r := range results {
		for _, err := range r {
			switch {
			case err == nil:
				success++
			case errors.Is(err, ledger.ErrAlreadySettled):
				settled++
			default:
				t.Errorf("key k%d: unexpected error: %v", k, err)
			}
		}
		assert.Equalf(t, r[0] == nil, r[1] == nil, "key k%d got different outcomes", k)
	}
	assert.Equal(t, 32, success)
	assert.Equal(t, 8, settled)

	lodging := ledger.ScopeLodging
	entries, err := store.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "lake-ana", Scope: &lodging})
	require.NoError(t, err)
	assert.Len(t, entries, 16)

	v, err := services[1].GetBalance(ctx, "lake-ana", &lodging)
	require.NoError(t, err)
	assert.True(t, eur("80").Equal(v.Paid))
}

func TestSQLite_TwoStoresOneFile_SameKey(t *testing.T) {
	// GIVEN: Lodging owed 80 and two stores opened on one database file
	// WHEN: The same 30 payment is sent ten times through each store at once
	// THEN: One entry is recorded and every caller sees balance 50

	store, services := twoStoresOneFile(t)
	ctx := context.Background()

	views := make([]ledger.BalanceView, 20)
	errs := make([]error, 20)
	var wg sync.WaitGroup
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			views[n], errs[n] = services[n%2].RegisterPayment(ctx, ledger.PaymentRequest{
				ParticipationID: "lake-ana",
				Scope:           ledger.ScopeLodging,
				Amount:          eur("30"),
				IdempotencyKey:  "same",
			})
		}(n)
	}
	wg.Wait()

	for n := range views {
		require.NoError(t, errs[n])
		assert.True(t, eur("50").Equal(views[n].Balance))
	}
	entries, err := store.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "lake-ana"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestSQLite_Events_SaveAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := audit.NewEvent(
			audit.WithType(audit.TypePaymentRegistered),
			audit.WithActor("desk"),
			audit.WithData(map[string]any{"participation_id": "lake-ana", "n": i}),
		)
		e.CreatedAt = e.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Save(ctx, e))
	}
	require.NoError(t, store.Save(ctx, audit.NewEvent(audit.WithType(audit.TypeEntryVoided))))

	byType, err := store.GetByType(ctx, audit.TypePaymentRegistered)
	require.NoError(t, err)
	require.Len(t, byType, 3)
	assert.Equal(t, "desk", byType[0].Metadata["actor"])
	assert.Equal(t, "lake-ana", byType[0].Data["participation_id"])

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

// =============================================================================
// DIALECT
// =============================================================================

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebindDollar("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestDialectWrap(t *testing.T) {
	assert.Nil(t, sqliteDialect.wrap("op", nil))
	assert.ErrorIs(t, sqliteDialect.wrap("op", context.Canceled), context.Canceled)

	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	assert.ErrorIs(t, sqliteDialect.wrap("op", busy), ledger.ErrConcurrencyConflict)

	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	assert.ErrorIs(t, sqliteDialect.wrap("op", unique), ledger.ErrDuplicateIdempotencyKey)

	assert.ErrorIs(t, postgresDialect.wrap("op", &pq.Error{Code: "23505"}), ledger.ErrDuplicateIdempotencyKey)
	assert.ErrorIs(t, postgresDialect.wrap("op", &pq.Error{Code: "40001"}), ledger.ErrConcurrencyConflict)

	other := postgresDialect.wrap("op", errors.New("connection refused"))
	assert.ErrorIs(t, other, ledger.ErrStorage)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x")
	assert.Error(t, err)
}
