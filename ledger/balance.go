/*
balance.go - Balance derivation

PURPOSE:
  Answers "how much does this participant still owe?" for one scope or for
  the whole participation. There is exactly one derivation and every read
  and write path uses it.

BALANCE COMPONENTS:
  Owed:    Current charge (live from the participation, never from entries)
  Paid:    Sum of completed payment entries
  Balance: max(Owed - Paid, 0)
  Credit:  max(Paid - Owed, 0), non-zero only after a charge was lowered

EXAMPLE:
  Lodging charge 80, payments 30 and 20 (one voided):

  Owed 80, Paid 30, Balance 50, Credit 0

SEE ALSO:
  - settlement.go: Validates payments against ComputeBalance in a transaction
  - reconcile.go: Rewrites snapshots from ComputeBalance
*/
package ledger

import "time"

// ComputeBalance derives the view for a participation from its entries.
// scope nil means all scopes. Entries of other participations, charge entries
// and voided entries are ignored, so callers may pass an unfiltered slice.
func ComputeBalance(p Participation, scope *Scope, entries []Entry) BalanceView {
	owed := p.Owed(scope)
	paid := owed.Zero()

	view := BalanceView{
		ParticipationID: p.ID,
		TripID:          p.TripID,
		Scope:           copyScope(scope),
	}

	var last *time.Time
	for _, e := range entries {
		if e.ParticipationID != p.ID || e.Kind != KindPayment || !e.Counts() {
			continue
		}
		if scope != nil && e.Scope != *scope {
			continue
		}
		paid = paid.Add(e.Amount)
		view.PaymentCount++
		if last == nil || e.CreatedAt.After(*last) {
			t := e.CreatedAt
			last = &t
		}
	}

	diff := owed.Sub(paid)
	view.Owed = owed
	view.Paid = paid
	view.Balance = diff.Max(owed.Zero())
	view.Credit = paid.Sub(owed).Max(owed.Zero())
	view.LastPaymentAt = last
	return view
}

// ComputeAll returns the whole-participation view followed by one view per scope.
func ComputeAll(p Participation, entries []Entry) []BalanceView {
	views := make([]BalanceView, 0, len(Scopes)+1)
	views = append(views, ComputeBalance(p, nil, entries))
	for _, s := range Scopes {
		s := s
		views = append(views, ComputeBalance(p, &s, entries))
	}
	return views
}

func copyScope(s *Scope) *Scope {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
