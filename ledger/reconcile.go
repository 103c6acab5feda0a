package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/trip-ledger/audit"
)

// Reconciler rewrites every balance snapshot from the ledger and reports
// snapshots that had drifted from the derivation.
type Reconciler struct {
	store  TxStore
	logger *slog.Logger
	events audit.Sink
	now    func() time.Time
}

type ReconcileReport struct {
	Participations int
	Snapshots      int
	Drifted        []BalanceView // the fresh views whose snapshot differed
	StartedAt      time.Time
	FinishedAt     time.Time
}

func NewReconciler(store TxStore, logger *slog.Logger, events audit.Sink) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = audit.Discard{}
	}
	return &Reconciler{
		store:  store,
		logger: logger.With("component", "reconciler"),
		events: events,
		now:    time.Now,
	}
}

// Run reconciles all participations, or only those of trip when non-empty.
func (r *Reconciler) Run(ctx context.Context, trip TripID) (ReconcileReport, error) {
	report := ReconcileReport{StartedAt: r.now().UTC()}

	ps, err := r.store.ListParticipations(ctx, ParticipationFilter{TripID: trip})
	if err != nil {
		return report, err
	}

	for _, p := range ps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		drifted, n, err := r.reconcileOne(ctx, p.ID)
		if err != nil {
			r.logger.Error("reconcile failed", "participation_id", p.ID, "error", err)
			return report, err
		}
		report.Participations++
		report.Snapshots += n
		report.Drifted = append(report.Drifted, drifted...)
	}

	report.FinishedAt = r.now().UTC()
	r.logger.Info("reconciliation complete",
		"participations", report.Participations,
		"snapshots", report.Snapshots,
		"drifted", len(report.Drifted))
	return report, nil
}

// drift pairs a cached view with the fresh one that replaced it.
type drift struct {
	cached, fresh BalanceView
}

func (r *Reconciler) reconcileOne(ctx context.Context, pid ParticipationID) ([]BalanceView, int, error) {
	var (
		found   []drift
		written int
	)
	err := r.store.WithTx(ctx, func(tx Store) error {
		found, written = nil, 0
		p, err := tx.LockParticipation(ctx, pid)
		if err != nil || p == nil {
			return err
		}
		entries, err := tx.LoadEntries(ctx, paymentsOf(pid))
		if err != nil {
			return err
		}
		cached, err := tx.ListSnapshots(ctx, SnapshotFilter{ParticipationID: pid})
		if err != nil {
			return err
		}
		byScope := make(map[string]BalanceView, len(cached))
		for _, s := range cached {
			byScope[s.View.ScopeKey()] = s.View
		}

		at := r.now().UTC()
		for _, v := range ComputeAll(*p, entries) {
			if old, ok := byScope[v.ScopeKey()]; ok && !sameFigures(old, v) {
				found = append(found, drift{cached: old, fresh: v})
			}
			if err := tx.SaveSnapshot(ctx, Snapshot{View: v, ComputedAt: at}); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	// Reported only once the repair is committed.
	drifted := make([]BalanceView, 0, len(found))
	for _, d := range found {
		drifted = append(drifted, d.fresh)
		r.logger.Warn("snapshot drift",
			"participation_id", pid,
			"scope", d.fresh.ScopeKey(),
			"cached_balance", d.cached.Balance.Decimal(),
			"balance", d.fresh.Balance.Decimal())
		r.events.Log(audit.NewEvent(
			audit.WithType(audit.TypeSnapshotDrift),
			audit.WithData(map[string]any{
				"participation_id": string(pid),
				"scope":            d.fresh.ScopeKey(),
				"cached_paid":      d.cached.Paid.Decimal(),
				"paid":             d.fresh.Paid.Decimal(),
				"cached_balance":   d.cached.Balance.Decimal(),
				"balance":          d.fresh.Balance.Decimal(),
			}),
		))
	}
	return drifted, written, nil
}

func sameFigures(a, b BalanceView) bool {
	return a.Owed.Equal(b.Owed) &&
		a.Paid.Equal(b.Paid) &&
		a.Balance.Equal(b.Balance) &&
		a.PaymentCount == b.PaymentCount
}

// RefreshSnapshots recomputes and stores every view of p from its payments.
// Callers inside WithTx pass the transactional store.
func RefreshSnapshots(ctx context.Context, st Store, p Participation, at time.Time) error {
	entries, err := st.LoadEntries(ctx, paymentsOf(p.ID))
	if err != nil {
		return err
	}
	for _, v := range ComputeAll(p, entries) {
		if err := st.SaveSnapshot(ctx, Snapshot{View: v, ComputedAt: at}); err != nil {
			return err
		}
	}
	return nil
}
