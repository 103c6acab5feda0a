package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	svc    *ledger.Service
	store  *store.Memory
	events *audit.Memory
}

func newTestService(t *testing.T, opts ...ledger.Option) fixture {
	t.Helper()
	st := store.NewMemory()
	events := audit.NewMemory()
	opts = append([]ledger.Option{ledger.WithEvents(events)}, opts...)
	return fixture{svc: ledger.NewService(st, opts...), store: st, events: events}
}

func eur(s string) ledger.Amount {
	return ledger.Amount{Value: decimal.RequireFromString(s), Currency: "EUR"}
}

func scope(s ledger.Scope) *ledger.Scope { return &s }

func participation(id, trip string, charges map[ledger.Scope]string) ledger.Participation {
	p := ledger.Participation{
		ID:           ledger.ParticipationID(id),
		TripID:       ledger.TripID(trip),
		TripName:     trip,
		TripStartsAt: time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC),
		DisplayName:  id,
		Currency:     "EUR",
		Charges:      map[ledger.Scope]ledger.Amount{},
	}
	for s, v := range charges {
		p.Charges[s] = eur(v)
	}
	return p
}

func (f fixture) seed(t *testing.T, ps ...ledger.Participation) {
	t.Helper()
	for _, p := range ps {
		_, err := f.store.SaveParticipation(context.Background(), p)
		require.NoError(t, err)
	}
}

func (f fixture) pay(t *testing.T, pid string, s ledger.Scope, amount, key string) ledger.BalanceView {
	t.Helper()
	v, err := f.svc.RegisterPayment(context.Background(), payment(pid, s, amount, key))
	require.NoError(t, err)
	return v
}

func payment(pid string, s ledger.Scope, amount, key string) ledger.PaymentRequest {
	return ledger.PaymentRequest{
		ParticipationID: ledger.ParticipationID(pid),
		Scope:           s,
		Amount:          eur(amount),
		Method:          "cash",
		IdempotencyKey:  key,
		Actor:           "desk",
	}
}

func assertAmount(t *testing.T, want string, got ledger.Amount) {
	t.Helper()
	require.Truef(t, eur(want).Equal(got), "want %s, got %s", want, got.Decimal())
}
