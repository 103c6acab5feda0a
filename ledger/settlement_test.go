package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/ledger/store"
)

// =============================================================================
// FRONT DESK SCENARIOS
// =============================================================================

func TestRegisterPayment_PartialThenFull_ThenAlreadySettled(t *testing.T) {
	// GIVEN: Lodging owed 80
	// WHEN: Paying 30, then 50, then 1
	// THEN: Balance 50, then 0, then the third payment is refused as already settled

	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	ctx := context.Background()

	v, err := f.svc.GetBalance(ctx, "p1", scope(ledger.ScopeLodging))
	require.NoError(t, err)
	assertAmount(t, "80", v.Balance)

	v = f.pay(t, "p1", ledger.ScopeLodging, "30", "k1")
	assertAmount(t, "50", v.Balance)

	v = f.pay(t, "p1", ledger.ScopeLodging, "50", "k2")
	assertAmount(t, "0", v.Balance)
	assert.True(t, v.Settled())
	assert.Equal(t, 2, v.PaymentCount)

	_, err = f.svc.RegisterPayment(ctx, payment("p1", ledger.ScopeLodging, "1", "k3"))
	var settled *ledger.AlreadySettledError
	require.ErrorAs(t, err, &settled)
	assert.ErrorIs(t, err, ledger.ErrOverpayment, "already settled is a kind of overpayment")
	assertAmount(t, "80", settled.View.Paid)

	history, err := f.svc.GetHistory(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Len(t, history, 2, "refused payment must not be recorded")
}

func TestRegisterPayment_ExceedsBalance_RejectedWithCurrentView(t *testing.T) {
	// GIVEN: Transport owed 50, nothing paid
	// WHEN: Paying 60
	// THEN: Overpayment with the balance still at 50

	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeTransport: "50"}))
	ctx := context.Background()

	_, err := f.svc.RegisterPayment(ctx, payment("p1", ledger.ScopeTransport, "60", "k1"))

	var over *ledger.OverpaymentError
	require.ErrorAs(t, err, &over)
	assert.False(t, errors.Is(err, ledger.ErrAlreadySettled))
	assertAmount(t, "50", over.View.Balance)
	assertAmount(t, "60", over.Requested)

	view, ok := ledger.ViewOf(err)
	require.True(t, ok)
	assertAmount(t, "50", view.Balance)

	v, err := f.svc.GetBalance(ctx, "p1", scope(ledger.ScopeTransport))
	require.NoError(t, err)
	assertAmount(t, "50", v.Balance)
}

func TestRegisterPayment_ExactBalance_Accepted(t *testing.T) {
	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeTransport: "12.34"}))

	v := f.pay(t, "p1", ledger.ScopeTransport, "12.34", "k1")

	assert.True(t, v.Balance.IsZero())
}

func TestRegisterPayment_OtherScopeUnaffected(t *testing.T) {
	// GIVEN: Transport 20 settled, lodging 80 open
	// WHEN: Paying lodging
	// THEN: Lodging accepts; transport stays settled

	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeTransport: "20", ledger.ScopeLodging: "80"}))
	f.pay(t, "p1", ledger.ScopeTransport, "20", "k1")

	v := f.pay(t, "p1", ledger.ScopeLodging, "40", "k2")
	assertAmount(t, "40", v.Balance)

	total, err := f.svc.GetBalance(context.Background(), "p1", nil)
	require.NoError(t, err)
	assertAmount(t, "100", total.Owed)
	assertAmount(t, "60", total.Paid)
	assertAmount(t, "40", total.Balance)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestRegisterPayment_Validation(t *testing.T) {
	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	ctx := context.Background()

	cases := map[string]ledger.PaymentRequest{
		"zero amount":     payment("p1", ledger.ScopeLodging, "0", "k"),
		"negative amount": payment("p1", ledger.ScopeLodging, "-5", "k"),
		"unknown scope":   payment("p1", ledger.Scope("food"), "5", "k"),
		"missing key":     payment("p1", ledger.ScopeLodging, "5", " "),
		"missing id":      payment("", ledger.ScopeLodging, "5", "k"),
		"sub-cent amount": payment("p1", ledger.ScopeLodging, "0.001", "k"),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RegisterPayment(ctx, req)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}

	v, err := f.svc.GetBalance(ctx, "p1", scope(ledger.ScopeLodging))
	require.NoError(t, err)
	assert.Equal(t, 0, v.PaymentCount)
}

func TestRegisterPayment_UnknownParticipation_NotFound(t *testing.T) {
	f := newTestService(t)

	_, err := f.svc.RegisterPayment(context.Background(), payment("ghost", ledger.ScopeLodging, "5", "k"))

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedgerAppend_RefusesPayments(t *testing.T) {
	// GIVEN: The raw ledger
	// WHEN: Appending a payment directly
	// THEN: Refused; payments only go through settlement

	f := newTestService(t)
	_, err := f.svc.Ledger().Append(context.Background(), ledger.Entry{
		ParticipationID: "p1",
		TripID:          "trip",
		Scope:           ledger.ScopeLodging,
		Kind:            ledger.KindPayment,
		Amount:          eur("10"),
	})

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestRegisterPayment_SameKey_ReplaysOriginalResult(t *testing.T) {
	// GIVEN: A 30 payment with key k1
	// WHEN: Retrying the same request after another payment landed
	// THEN: The original result comes back and nothing is recorded twice

	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	ctx := context.Background()

	first := f.pay(t, "p1", ledger.ScopeLodging, "30", "k1")
	f.pay(t, "p1", ledger.ScopeLodging, "10", "k2")

	again, err := f.svc.RegisterPayment(ctx, payment("p1", ledger.ScopeLodging, "30", "k1"))
	require.NoError(t, err)
	assertAmount(t, first.Balance.Decimal(), again.Balance)

	entries, err := f.svc.GetHistory(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	replays, err := f.events.GetByType(ctx, audit.TypePaymentReplayed)
	require.NoError(t, err)
	assert.Len(t, replays, 1)
}

func TestRegisterPayment_SameKeyDifferentRequest_Mismatch(t *testing.T) {
	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	f.pay(t, "p1", ledger.ScopeLodging, "30", "k1")

	_, err := f.svc.RegisterPayment(context.Background(), payment("p1", ledger.ScopeLodging, "40", "k1"))

	var mismatch *ledger.IdempotencyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "k1", mismatch.Key)
}

func TestRegisterPayment_ReplayAfterSettled_StillReplays(t *testing.T) {
	// GIVEN: A payment that settled the scope
	// WHEN: The client retries it
	// THEN: The retry replays instead of failing as already settled

	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	f.pay(t, "p1", ledger.ScopeLodging, "80", "k1")

	v, err := f.svc.RegisterPayment(context.Background(), payment("p1", ledger.ScopeLodging, "80", "k1"))

	require.NoError(t, err)
	assert.True(t, v.Settled())
}

// =============================================================================
// SETTLE FULLY
// =============================================================================

func TestSettleFully_PaysRemainder(t *testing.T) {
	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	f.pay(t, "p1", ledger.ScopeLodging, "30", "k1")

	v, err := f.svc.SettleFully(context.Background(), ledger.SettleRequest{
		ParticipationID: "p1",
		Scope:           ledger.ScopeLodging,
		IdempotencyKey:  "settle-1",
	})

	require.NoError(t, err)
	assertAmount(t, "0", v.Balance)
	assertAmount(t, "80", v.Paid)
}

func TestSettleFully_Concurrent_ExactlyOneSucceeds(t *testing.T) {
	// GIVEN: Lodging owed 80
	// WHEN: Ten operators press "settle" at once with different keys
	// THEN: One payment of 80 is recorded, the rest are already settled

	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		settled int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.SettleFully(ctx, ledger.SettleRequest{
				ParticipationID: "p1",
				Scope:           ledger.ScopeLodging,
				IdempotencyKey:  fmt.Sprintf("settle-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ledger.ErrAlreadySettled):
				settled++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, 9, settled)

	v, err := f.svc.GetBalance(ctx, "p1", scope(ledger.ScopeLodging))
	require.NoError(t, err)
	assertAmount(t, "80", v.Paid)
	assert.Equal(t, 1, v.PaymentCount)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRegisterPayment_Concurrent_NeverExceedsOwed(t *testing.T) {
	// GIVEN: Owed 20
	// WHEN: Twenty goroutines each pay 20 with their own key
	// THEN: Exactly one succeeds and paid never exceeds owed

	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeTransport: "20"}))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.RegisterPayment(ctx, payment("p1", ledger.ScopeTransport, "20", fmt.Sprintf("k%d", i)))
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ledger.ErrOverpayment) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	v, err := f.svc.GetBalance(ctx, "p1", scope(ledger.ScopeTransport))
	require.NoError(t, err)
	assertAmount(t, "20", v.Paid)
}

func TestRegisterPayment_Concurrent_PartialPaymentsConverge(t *testing.T) {
	// GIVEN: Owed 50
	// WHEN: 30, 20 and 20 arrive at once
	// THEN: Whatever the order, paid never exceeds 50 and every success is accounted for

	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "50"}))
	ctx := context.Background()

	amounts := []string{"30", "20", "20"}
	results := make([]error, len(amounts))
	var wg sync.WaitGroup
	for i, a := range amounts {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			_, results[i] = f.svc.RegisterPayment(ctx, payment("p1", ledger.ScopeLodging, a, fmt.Sprintf("k%d", i)))
		}(i, a)
	}
	wg.Wait()

	paid := eur("0")
	for i, err := range results {
		if err == nil {
			paid = paid.Add(eur(amounts[i]))
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrOverpayment)
	}

	v, err := f.svc.GetBalance(ctx, "p1", scope(ledger.ScopeLodging))
	require.NoError(t, err)
	assert.True(t, v.Paid.Equal(paid))
	assert.True(t, v.Paid.LessThanOrEqual(eur("50")))
}

func TestRegisterPayment_CancelledContext(t *testing.T) {
	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.RegisterPayment(ctx, payment("p1", ledger.ScopeLodging, "10", "k1"))

	assert.ErrorIs(t, err, context.Canceled)
	v, err := f.svc.GetBalance(context.Background(), "p1", scope(ledger.ScopeLodging))
	require.NoError(t, err)
	assert.Equal(t, 0, v.PaymentCount)
}

// =============================================================================
// STORAGE-LEVEL COORDINATION
// =============================================================================

// lockHookStore runs onLock inside the transaction just before the
// participation lock is taken, standing in for another process that commits
// while this one waits for the row.
type lockHookStore struct {
	*store.Memory
	onLock func(ctx context.Context, tx ledger.Store) error
}

func (s *lockHookStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.Store) error {
		return fn(&lockHookTx{Store: tx, onLock: s.onLock})
	})
}

type lockHookTx struct {
	ledger.Store
	onLock func(ctx context.Context, tx ledger.Store) error
}

func (t *lockHookTx) LockParticipation(ctx context.Context, id ledger.ParticipationID) (*ledger.Participation, error) {
	if err := t.onLock(ctx, t.Store); err != nil {
		return nil, err
	}
	return t.Store.LockParticipation(ctx, id)
}

func TestRegisterPayment_SameKeyCommittedWhileWaitingForLock_Replays(t *testing.T) {
	// GIVEN: Another process settles lodging 80 with key k1 while we wait for the row lock
	// WHEN: Our request with the same key gets the lock
	// THEN: It replays the other process's result instead of reporting already settled

	mem := store.NewMemory()
	events := audit.NewMemory()
	ctx := context.Background()
	_, err := mem.SaveParticipation(ctx, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	require.NoError(t, err)

	var once sync.Once
	st := &lockHookStore{Memory: mem}
	st.onLock = func(ctx context.Context, tx ledger.Store) (err error) {
		once.Do(func() {
			var e ledger.Entry
			e, err = tx.AppendEntry(ctx, ledger.Entry{
				ID:              "other-process",
				ParticipationID: "p1",
				TripID:          "trip",
				Scope:           ledger.ScopeLodging,
				Kind:            ledger.KindPayment,
				Amount:          eur("80"),
				Status:          ledger.StatusCompleted,
				IdempotencyKey:  "k1",
				CreatedBy:       "desk-2",
			})
			if err != nil {
				return
			}
			err = tx.SaveSettlement(ctx, ledger.SettlementRecord{
				IdempotencyKey:  "k1",
				ParticipationID: "p1",
				Scope:           ledger.ScopeLodging,
				Amount:          eur("80"),
				EntryID:         e.ID,
				Result: ledger.BalanceView{
					ParticipationID: "p1",
					TripID:          "trip",
					Scope:           scope(ledger.ScopeLodging),
					Owed:            eur("80"),
					Paid:            eur("80"),
					Balance:         eur("0"),
					Credit:          eur("0"),
					PaymentCount:    1,
				},
				CreatedAt: e.CreatedAt,
			})
		})
		return err
	}
	svc := ledger.NewService(st, ledger.WithEvents(events))

	v, err := svc.RegisterPayment(ctx, payment("p1", ledger.ScopeLodging, "80", "k1"))

	require.NoError(t, err)
	assert.True(t, v.Settled())
	assertAmount(t, "80", v.Paid)

	entries, err := mem.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "p1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryID("other-process"), entries[0].ID)

	replays, err := events.GetByType(ctx, audit.TypePaymentReplayed)
	require.NoError(t, err)
	assert.Len(t, replays, 1)
}

func TestRegisterPayment_TwoServicesOneStore_DistinctKeys(t *testing.T) {
	// GIVEN: Lodging owed 80 and two services sharing only the store
	// WHEN: Twenty keys paying 5 each are sent once through each service, all at once
	// THEN: Exactly 80 is paid in 16 entries, and both sends of a key agree

	mem := store.NewMemory()
	ctx := context.Background()
	_, err := mem.SaveParticipation(ctx, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	require.NoError(t, err)
	services := []*ledger.Service{ledger.NewService(mem), ledger.NewService(mem)}

	const keys = 20
	results := make([][2]error, keys)
	var wg sync.WaitGroup
	for k := 0; k < keys; k++ {
		for i, svc := range services {
			wg.Add(1)
			go func(k, i int, svc *ledger.Service) {
				defer wg.Done()
				_, results[k][i] = svc.RegisterPayment(ctx, payment("p1", ledger.ScopeLodging, "5", fmt.Sprintf("k%d", k)))
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

	v, err := services[0].GetBalance(ctx, "p1", scope(ledger.ScopeLodging))
	require.NoError(t, err)
	assertAmount(t, "80", v.Paid)
	assert.Equal(t, 16, v.PaymentCount)
}

func TestRegisterPayment_TwoServicesOneStore_SameKey(t *testing.T) {
	// GIVEN: Lodging owed 80 and two services sharing only the store
	// WHEN: The same 30 payment is sent ten times through each service at once
	// THEN: One entry is recorded and every caller sees balance 50

	mem := store.NewMemory()
	ctx := context.Background()
	_, err := mem.SaveParticipation(ctx, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	require.NoError(t, err)
	services := []*ledger.Service{ledger.NewService(mem), ledger.NewService(mem)}

	views := make([]ledger.BalanceView, 20)
	errs := make([]error, 20)
	var wg sync.WaitGroup
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			views[n], errs[n] = services[n%2].RegisterPayment(ctx, payment("p1", ledger.ScopeLodging, "30", "same"))
		}(n)
	}
	wg.Wait()

	for n := range views {
		require.NoError(t, errs[n])
		assertAmount(t, "50", views[n].Balance)
	}
	entries, err := mem.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: "p1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestRegisterPayment_EmitsAuditEvent(t *testing.T) {
	f := newTestService(t)
	f.seed(t, participation("p1", "trip", map[ledger.Scope]string{ledger.ScopeLodging: "80"}))
	f.pay(t, "p1", ledger.ScopeLodging, "30", "k1")

	events, err := f.events.GetByType(context.Background(), audit.TypePaymentRegistered)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "p1", events[0].Data["participation_id"])
	assert.Equal(t, "30", events[0].Data["amount"])
	assert.Equal(t, "desk", events[0].Metadata["actor"])
}
