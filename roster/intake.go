package roster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/ledger"
)

// Intake applies rosters to a ledger store.
type Intake struct {
	store  ledger.TxStore
	events audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewIntake(store ledger.TxStore, events audit.Sink, logger *slog.Logger) *Intake {
	if events == nil {
		events = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{store: store, events: events, logger: logger.With("component", "roster"), now: time.Now}
}

type ChargeChange struct {
	ParticipationID ledger.ParticipationID
	Scope           ledger.Scope
	From            ledger.Amount
	To              ledger.Amount
}

// Diff is what Apply changed.
type Diff struct {
	TripID  ledger.TripID
	Added   []ledger.ParticipationID
	Updated []ledger.ParticipationID
	Removed []ledger.ParticipationID
	Charges []ChargeChange
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Apply replaces the trip's participations with the roster in one transaction.
func (in *Intake) Apply(ctx context.Context, r *Roster, actor string) (Diff, error) {
	var diff Diff
	err := in.store.WithTx(ctx, func(tx ledger.Store) error {
		diff = Diff{TripID: r.TripID}
		at := in.now().UTC()

		current, err := tx.ListParticipations(ctx, ledger.ParticipationFilter{TripID: r.TripID})
		if err != nil {
			return err
		}
		existing := make(map[ledger.ParticipationID]ledger.Participation, len(current))
		for _, p := range current {
			existing[p.ID] = p
		}

		l := ledger.NewLedger(tx)
		for _, incoming := range r.Participants {
			old, known := existing[incoming.ID]
			delete(existing, incoming.ID)

			if !known {
				other, err := tx.GetParticipation(ctx, incoming.ID)
				if err != nil {
					return err
				}
				if other != nil {
					return &ledger.ValidationError{
						Field:  "participants.id",
						Reason: fmt.Sprintf("%s already belongs to trip %s", incoming.ID, other.TripID),
					}
				}
				p := incoming.Clone()
				p.CreatedAt, p.UpdatedAt = at, at
				saved, err := tx.SaveParticipation(ctx, p)
				if err != nil {
					return err
				}
				if err := recordInitialCharges(ctx, l, saved, actor); err != nil {
					return err
				}
				if err := ledger.RefreshSnapshots(ctx, tx, saved, at); err != nil {
					return err
				}
				diff.Added = append(diff.Added, saved.ID)
				continue
			}

			changes := chargeChanges(old, incoming)
			if len(changes) == 0 && sameDetails(old, incoming) {
				continue
			}
			p := incoming.Clone()
			p.Version = old.Version
			p.CreatedAt = old.CreatedAt
			p.UpdatedAt = at
			saved, err := tx.SaveParticipation(ctx, p)
			if err != nil {
				return err
			}
			if err := ledger.RefreshSnapshots(ctx, tx, saved, at); err != nil {
				return err
			}
			diff.Updated = append(diff.Updated, saved.ID)
			diff.Charges = append(diff.Charges, changes...)
		}

		for id := range existing {
			entries, err := tx.LoadEntries(ctx, ledger.EntryFilter{ParticipationID: id})
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				return &ledger.InvalidStateError{
					Action: fmt.Sprintf("remove participation %s: it has %d ledger entries", id, len(entries)),
				}
			}
			if err := tx.DeleteParticipation(ctx, id); err != nil {
				return err
			}
			diff.Removed = append(diff.Removed, id)
		}
		return nil
	})
	if err != nil {
		return Diff{}, err
	}

	in.emit(diff, actor)
	return diff, nil
}

func recordInitialCharges(ctx context.Context, l *ledger.Ledger, p ledger.Participation, actor string) error {
	for _, s := range ledger.Scopes {
		amount := p.Charge(s)
		if !amount.IsPositive() {
			continue
		}
		_, err := l.Append(ctx, ledger.Entry{
			ParticipationID: p.ID,
			TripID:          p.TripID,
			Scope:           s,
			Kind:            ledger.KindCharge,
			Amount:          amount,
			Description:     "initial charge",
			CreatedBy:       actor,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func chargeChanges(old, next ledger.Participation) []ChargeChange {
	var out []ChargeChange
	for _, s := range ledger.Scopes {
		from, to := old.Charge(s), next.Charge(s)
		if !from.Equal(to) {
			out = append(out, ChargeChange{ParticipationID: next.ID, Scope: s, From: from, To: to})
		}
	}
	return out
}

func sameDetails(a, b ledger.Participation) bool {
	return a.TripName == b.TripName &&
		a.TripStartsAt.Equal(b.TripStartsAt) &&
		a.PersonID == b.PersonID &&
		a.ContactKey == b.ContactKey &&
		a.DisplayName == b.DisplayName &&
		a.Currency == b.Currency
}

func ids(in []ledger.ParticipationID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}

func (in *Intake) emit(d Diff, actor string) {
	in.events.Log(audit.NewEvent(
		audit.WithType(audit.TypeRosterApplied),
		audit.WithActor(actor),
		audit.WithData(map[string]any{
			"trip_id": string(d.TripID),
			"added":   ids(d.Added),
			"updated": ids(d.Updated),
			"removed": ids(d.Removed),
		}),
	))
	for _, c := range d.Charges {
		in.events.Log(audit.NewEvent(
			audit.WithType(audit.TypeChargeChanged),
			audit.WithActor(actor),
			audit.WithData(map[string]any{
				"participation_id": string(c.ParticipationID),
				"scope":            string(c.Scope),
				"previous":         c.From.Decimal(),
				"amount":           c.To.Decimal(),
				"source":           "roster",
			}),
		))
	}
	in.logger.Info("roster applied",
		"trip_id", d.TripID, "added", len(d.Added), "updated", len(d.Updated), "removed", len(d.Removed))
}
