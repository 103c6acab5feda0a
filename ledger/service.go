/*
service.go - The ledger's external interface

PURPOSE:
  Service is what the HTTP API and the CLI talk to. It owns the store, the
  per-key guard, the identity resolver and the audit sink, and is the only
  place where storage failures are logged.

OPERATIONS:
  Reads:    GetBalance, GetHistory, GetRelatedParticipations,
            OutstandingForPerson, TripBalances, QuickAmounts
  Writes:   RegisterPayment, SettleFully (settlement.go),
            SetChargeAmount, VoidEntry

ERROR PROPAGATION:
  Client errors (validation, settled, overpayment) are returned untouched and
  not logged as failures. Storage errors and conflicts are logged here once.

SEE ALSO:
  - settlement.go: Payment workflow
  - reconcile.go: Snapshot repair
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/trip-ledger/audit"
)

// DefaultQuickAmounts are the preset payment buttons at the front desk.
var DefaultQuickAmounts = []decimal.Decimal{
	decimal.NewFromInt(5),
	decimal.NewFromInt(10),
	decimal.NewFromInt(20),
	decimal.NewFromInt(50),
}

type Service struct {
	store    TxStore
	ledger   *Ledger
	resolver *Resolver
	guard    *Guard
	events   audit.Sink
	logger   *slog.Logger
	now      func() time.Time
	quick    []decimal.Decimal
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithEvents(sink audit.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.events = sink
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithQuickAmounts replaces the preset amounts. Non-positive values are ignored.
func WithQuickAmounts(amounts ...decimal.Decimal) Option {
	return func(s *Service) {
		s.quick = s.quick[:0]
		for _, a := range amounts {
			if a.IsPositive() {
				s.quick = append(s.quick, a)
			}
		}
	}
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		guard:  NewGuard(),
		events: audit.Discard{},
		logger: slog.Default(),
		now:    time.Now,
		quick:  append([]decimal.Decimal(nil), DefaultQuickAmounts...),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ledger")
	s.ledger = NewLedger(store)
	s.ledger.now = s.now
	s.resolver = NewResolver(store, s.logger)
	return s
}

// Ledger exposes the underlying entry log for charge intake.
func (s *Service) Ledger() *Ledger { return s.ledger }

// =============================================================================
// READS
// =============================================================================

// GetBalance always recomputes from entries and current charges.
func (s *Service) GetBalance(ctx context.Context, pid ParticipationID, scope *Scope) (BalanceView, error) {
	if err := validScopePtr(scope); err != nil {
		return BalanceView{}, err
	}
	p, err := s.participation(ctx, s.store, pid)
	if err != nil {
		return BalanceView{}, s.observe(err, "get balance", pid)
	}
	entries, err := s.store.LoadEntries(ctx, paymentsOf(pid))
	if err != nil {
		return BalanceView{}, s.observe(err, "get balance", pid)
	}
	return ComputeBalance(*p, scope, entries), nil
}

// GetHistory returns entries newest first, voided ones included.
func (s *Service) GetHistory(ctx context.Context, pid ParticipationID, scope *Scope) ([]Entry, error) {
	if err := validScopePtr(scope); err != nil {
		return nil, err
	}
	if _, err := s.participation(ctx, s.store, pid); err != nil {
		return nil, s.observe(err, "get history", pid)
	}
	entries, err := s.ledger.ListFor(ctx, pid, scope, nil)
	if err != nil {
		return nil, s.observe(err, "get history", pid)
	}
	return entries, nil
}

func (s *Service) GetParticipation(ctx context.Context, pid ParticipationID) (Participation, error) {
	p, err := s.participation(ctx, s.store, pid)
	if err != nil {
		return Participation{}, s.observe(err, "get participation", pid)
	}
	return *p, nil
}

func (s *Service) GetRelatedParticipations(ctx context.Context, pid ParticipationID) ([]Participation, error) {
	related, err := s.resolver.Related(ctx, pid)
	if err != nil {
		return nil, s.observe(err, "related participations", pid)
	}
	return related, nil
}

// ParticipationBalance pairs a participation with its whole-trip view.
type ParticipationBalance struct {
	Participation Participation
	View          BalanceView
}

// PersonOutstanding lists the trips a person still owes money for.
type PersonOutstanding struct {
	Items  []ParticipationBalance
	Totals map[string]Amount // by currency
}

// OutstandingForPerson computes one balance per related participation and
// keeps those with something left to pay, most recent trip first.
func (s *Service) OutstandingForPerson(ctx context.Context, pid ParticipationID) (PersonOutstanding, error) {
	related, err := s.GetRelatedParticipations(ctx, pid)
	if err != nil {
		return PersonOutstanding{}, err
	}
	out := PersonOutstanding{Items: []ParticipationBalance{}, Totals: map[string]Amount{}}
	for _, p := range related {
		entries, err := s.store.LoadEntries(ctx, paymentsOf(p.ID))
		if err != nil {
			return PersonOutstanding{}, s.observe(err, "outstanding for person", p.ID)
		}
		view := ComputeBalance(p, nil, entries)
		if !view.Balance.IsPositive() {
			continue
		}
		out.Items = append(out.Items, ParticipationBalance{Participation: p, View: view})
		code := view.Balance.Currency
		out.Totals[code] = out.Totals[code].Add(view.Balance)
	}
	return out, nil
}

// TripBalances lists cached snapshots for a trip.
func (s *Service) TripBalances(ctx context.Context, trip TripID, onlyOutstanding bool) ([]Snapshot, error) {
	if trip == "" {
		return nil, &ValidationError{Field: "trip_id", Reason: "required"}
	}
	snaps, err := s.store.ListSnapshots(ctx, SnapshotFilter{TripID: trip, OnlyOutstanding: onlyOutstanding})
	if err != nil {
		return nil, s.observe(err, "trip balances", "")
	}
	return snaps, nil
}

// QuickAmounts returns the preset amounts that fit in the balance, plus the
// balance itself, ascending. Empty when nothing is owed.
func (s *Service) QuickAmounts(ctx context.Context, pid ParticipationID, scope Scope) ([]Amount, error) {
	if !scope.Valid() {
		return nil, &ValidationError{Field: "scope", Reason: "unknown scope " + string(scope)}
	}
	view, err := s.GetBalance(ctx, pid, &scope)
	if err != nil {
		return nil, err
	}
	return quickAmounts(s.quick, view.Balance), nil
}

func quickAmounts(presets []decimal.Decimal, balance Amount) []Amount {
	out := []Amount{}
	if !balance.IsPositive() {
		return out
	}
	candidates := append([]decimal.Decimal(nil), presets...)
	candidates = append(candidates, balance.Value)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LessThan(candidates[j]) })
	for i, d := range candidates {
		if d.GreaterThan(balance.Value) {
			break
		}
		if i > 0 && d.Equal(candidates[i-1]) {
			continue
		}
		out = append(out, Amount{Value: d, Currency: balance.Currency})
	}
	return out
}

// =============================================================================
// WRITES
// =============================================================================

// SetChargeAmount changes the owed baseline for one scope. Charges are
// configuration, so no entry is written; the change goes to the audit trail.
func (s *Service) SetChargeAmount(ctx context.Context, pid ParticipationID, scope Scope, amount Amount, actor string) (BalanceView, error) {
	if pid == "" {
		return BalanceView{}, &ValidationError{Field: "participation_id", Reason: "required"}
	}
	if !scope.Valid() {
		return BalanceView{}, &ValidationError{Field: "scope", Reason: "unknown scope " + string(scope)}
	}
	if amount.IsNegative() {
		return BalanceView{}, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}

	var (
		view     BalanceView
		previous Amount
	)
	err := s.guard.Do(ctx, settlementKey(pid, scope), func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			p, err := s.lockParticipation(ctx, tx, pid)
			if err != nil {
				return err
			}
			charge := Amount{Value: amount.Value, Currency: p.currency()}
			if err := CheckPrecision("amount", charge); err != nil {
				return err
			}
			previous = p.Charge(scope)
			next := p.Clone()
			next.Charges[scope] = charge
			next.UpdatedAt = s.now().UTC()
			saved, err := tx.SaveParticipation(ctx, next)
			if err != nil {
				return err
			}
			entries, err := tx.LoadEntries(ctx, paymentsOf(pid))
			if err != nil {
				return err
			}
			if err := s.refreshSnapshots(ctx, tx, saved, entries); err != nil {
				return err
			}
			view = ComputeBalance(saved, &scope, entries)
			return nil
		})
	})
	if err != nil {
		return BalanceView{}, s.observe(err, "set charge", pid)
	}

	s.events.Log(audit.NewEvent(
		audit.WithType(audit.TypeChargeChanged),
		audit.WithActor(actor),
		audit.WithData(map[string]any{
			"participation_id": string(pid),
			"scope":            string(scope),
			"previous":         previous.Decimal(),
			"amount":           view.Owed.Decimal(),
		}),
	))
	return view, nil
}

// VoidEntry voids an entry and refreshes the participation's snapshots.
func (s *Service) VoidEntry(ctx context.Context, id EntryID, reason, actor string) (Entry, error) {
	if id == "" {
		return Entry{}, &ValidationError{Field: "entry_id", Reason: "required"}
	}
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, s.observe(err, "void entry", "")
	}
	if e == nil {
		return Entry{}, &NotFoundError{Resource: "entry", ID: string(id)}
	}

	var voided Entry
	err = s.guard.Do(ctx, settlementKey(e.ParticipationID, e.Scope), func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			p, err := s.lockParticipation(ctx, tx, e.ParticipationID)
			if err != nil {
				return err
			}
			voided, err = s.ledger.with(tx).Void(ctx, id, reason, actor)
			if err != nil {
				return err
			}
			entries, err := tx.LoadEntries(ctx, paymentsOf(p.ID))
			if err != nil {
				return err
			}
			return s.refreshSnapshots(ctx, tx, *p, entries)
		})
	})
	if err != nil {
		return Entry{}, s.observe(err, "void entry", e.ParticipationID)
	}

	s.events.Log(audit.NewEvent(
		audit.WithType(audit.TypeEntryVoided),
		audit.WithActor(actor),
		audit.WithData(map[string]any{
			"entry_id":         string(voided.ID),
			"participation_id": string(voided.ParticipationID),
			"scope":            string(voided.Scope),
			"kind":             string(voided.Kind),
			"amount":           voided.Amount.Decimal(),
			"reason":           voided.VoidReason,
		}),
	))
	return voided, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) participation(ctx context.Context, st Store, pid ParticipationID) (*Participation, error) {
	if pid == "" {
		return nil, &ValidationError{Field: "participation_id", Reason: "required"}
	}
	p, err := st.GetParticipation(ctx, pid)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Resource: "participation", ID: string(pid)}
	}
	return p, nil
}

func (s *Service) lockParticipation(ctx context.Context, tx Store, pid ParticipationID) (*Participation, error) {
	p, err := tx.LockParticipation(ctx, pid)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Resource: "participation", ID: string(pid)}
	}
	return p, nil
}

// refreshSnapshots overwrites every cached view of p with a fresh derivation.
func (s *Service) refreshSnapshots(ctx context.Context, tx Store, p Participation, entries []Entry) error {
	at := s.now().UTC()
	for _, v := range ComputeAll(p, entries) {
		if err := tx.SaveSnapshot(ctx, Snapshot{View: v, ComputedAt: at}); err != nil {
			return err
		}
	}
	return nil
}

// observe logs failures the caller can't fix and passes every error through.
func (s *Service) observe(err error, op string, pid ParticipationID) error {
	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		s.logger.Warn("concurrent modification", "op", op, "participation_id", pid, "error", err)
	case errors.Is(err, ErrStorage):
		s.logger.Error("storage failure", "op", op, "participation_id", pid, "error", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Info("operation cancelled", "op", op, "participation_id", pid)
	}
	return err
}

func paymentsOf(pid ParticipationID) EntryFilter {
	k := KindPayment
	return EntryFilter{ParticipationID: pid, Kind: &k}
}

func validScopePtr(scope *Scope) error {
	if scope != nil && !scope.Valid() {
		return &ValidationError{Field: "scope", Reason: "unknown scope " + string(*scope)}
	}
	return nil
}
