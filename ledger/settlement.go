/*
settlement.go - Payment registration and full settlement

PURPOSE:
  The only code path that appends payment entries. Every payment is checked
  against a balance read inside the same transaction as the append, so two
  operators paying the same balance at once can never both succeed.

WORKFLOW (RegisterPayment / SettleFully):
  1. Validate the request shape and amount. Nothing is read yet.
  2. Guard.Do on (participation, scope): one in-process writer per key
  3. WithTx:
     a. Lock the participation
     b. Settlement record for the idempotency key?
        same target -> return the stored view, append nothing
        other target -> IdempotencyMismatchError
     c. Load its payments, ComputeBalance
     d. Balance 0 -> AlreadySettledError; amount > balance -> OverpaymentError
     e. Append the payment, recompute, save the settlement record and snapshots
  4. A unique-key violation means another process won with the same key:
     replay its record.

EXAMPLE:
  Lodging owed 80, paid 0. Two operators submit 50 concurrently:
  the first commits (balance 30), the second sees balance 30 and gets
  OverpaymentError carrying the 30 view. Never paid 100.

SEE ALSO:
  - guard.go: Per-key serialization
  - errors.go: AlreadySettledError, OverpaymentError
*/
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/warp/trip-ledger/audit"
)

type PaymentRequest struct {
	ParticipationID ParticipationID
	Scope           Scope
	Amount          Amount
	Method          string
	Description     string
	IdempotencyKey  string
	Actor           string
}

type SettleRequest struct {
	ParticipationID ParticipationID
	Scope           Scope
	Method          string
	Description     string
	// IdempotencyKey is generated when empty, in which case a retried
	// request is a new request and will see AlreadySettledError.
	IdempotencyKey string
	Actor          string
}

// RegisterPayment records one payment of exactly req.Amount.
func (s *Service) RegisterPayment(ctx context.Context, req PaymentRequest) (BalanceView, error) {
	if err := validatePayment(req); err != nil {
		return BalanceView{}, err
	}
	return s.settle(ctx, settlement{
		pid:    req.ParticipationID,
		scope:  req.Scope,
		amount: req.Amount,
		method: req.Method,
		desc:   req.Description,
		key:    strings.TrimSpace(req.IdempotencyKey),
		actor:  req.Actor,
	})
}

// SettleFully pays whatever remains for the scope.
func (s *Service) SettleFully(ctx context.Context, req SettleRequest) (BalanceView, error) {
	if req.ParticipationID == "" {
		return BalanceView{}, &ValidationError{Field: "participation_id", Reason: "required"}
	}
	if !req.Scope.Valid() {
		return BalanceView{}, &ValidationError{Field: "scope", Reason: "unknown scope " + string(req.Scope)}
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = "settle-" + uuid.NewString()
	}
	return s.settle(ctx, settlement{
		pid:    req.ParticipationID,
		scope:  req.Scope,
		full:   true,
		method: req.Method,
		desc:   req.Description,
		key:    key,
		actor:  req.Actor,
	})
}

func validatePayment(req PaymentRequest) error {
	if req.ParticipationID == "" {
		return &ValidationError{Field: "participation_id", Reason: "required"}
	}
	if !req.Scope.Valid() {
		return &ValidationError{Field: "scope", Reason: "unknown scope " + string(req.Scope)}
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return nil
}

type settlement struct {
	pid    ParticipationID
	scope  Scope
	amount Amount
	full   bool
	method string
	desc   string
	key    string
	actor  string
}

type settleResult struct {
	view     BalanceView
	entry    Entry
	replayed bool
}

func (s *Service) settle(ctx context.Context, op settlement) (BalanceView, error) {
	var res settleResult
	err := s.guard.Do(ctx, settlementKey(op.pid, op.scope), func() error {
		var err error
		res, err = s.settleTx(ctx, op)
		return err
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		res, err = s.replay(ctx, op)
	}
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			s.events.Log(audit.NewEvent(
				audit.WithType(audit.TypeSettlementConflict),
				audit.WithActor(op.actor),
				audit.WithData(map[string]any{
					"participation_id": string(op.pid),
					"scope":            string(op.scope),
					"idempotency_key":  op.key,
				}),
			))
		}
		return BalanceView{}, s.observe(err, "settle", op.pid)
	}

	s.emitSettled(op, res)
	return res.view, nil
}

func (s *Service) settleTx(ctx context.Context, op settlement) (settleResult, error) {
	var res settleResult
	err := s.store.WithTx(ctx, func(tx Store) error {
		// The key is read under the row lock: a winner that committed while
		// we waited must be replayed, not re-judged against its payment.
		p, err := s.lockParticipation(ctx, tx, op.pid)
		if err != nil {
			return err
		}
		rec, err := tx.GetSettlement(ctx, op.key)
		if err != nil {
			return err
		}
		if rec != nil {
			res, err = replayRecord(*rec, op)
			return err
		}

		entries, err := tx.LoadEntries(ctx, paymentsOf(op.pid))
		if err != nil {
			return err
		}

		scope := op.scope
		current := ComputeBalance(*p, &scope, entries)
		if !current.Balance.IsPositive() {
			return &AlreadySettledError{View: current}
		}

		amount := Amount{Value: op.amount.Value, Currency: p.currency()}
		if op.full {
			amount = current.Balance
		} else if err := CheckPrecision("amount", amount); err != nil {
			return err
		}
		if amount.GreaterThan(current.Balance) {
			return &OverpaymentError{View: current, Requested: amount}
		}

		entry, err := s.ledger.with(tx).append(ctx, Entry{
			ParticipationID: p.ID,
			TripID:          p.TripID,
			Scope:           op.scope,
			Kind:            KindPayment,
			Amount:          amount,
			Method:          op.method,
			Description:     op.desc,
			IdempotencyKey:  op.key,
			CreatedBy:       op.actor,
		})
		if err != nil {
			return err
		}
		entries = append(entries, entry)

		view := ComputeBalance(*p, &scope, entries)
		err = tx.SaveSettlement(ctx, SettlementRecord{
			IdempotencyKey:  op.key,
			ParticipationID: op.pid,
			Scope:           op.scope,
			Amount:          requested(op),
			Full:            op.full,
			EntryID:         entry.ID,
			Result:          view,
			CreatedAt:       entry.CreatedAt,
		})
		if err != nil {
			return err
		}
		if err := s.refreshSnapshots(ctx, tx, *p, entries); err != nil {
			return err
		}
		res = settleResult{view: view, entry: entry}
		return nil
	})
	return res, err
}

// replay reads the record written by whoever won the key.
func (s *Service) replay(ctx context.Context, op settlement) (settleResult, error) {
	rec, err := s.store.GetSettlement(ctx, op.key)
	if err != nil {
		return settleResult{}, err
	}
	if rec == nil {
		return settleResult{}, &ConcurrencyConflictError{Key: op.key, Err: ErrDuplicateIdempotencyKey}
	}
	return replayRecord(*rec, op)
}

func replayRecord(rec SettlementRecord, op settlement) (settleResult, error) {
	if !rec.SameTarget(op.pid, op.scope, requested(op), op.full) {
		return settleResult{}, &IdempotencyMismatchError{Key: op.key, Original: rec}
	}
	return settleResult{view: rec.Result, entry: Entry{ID: rec.EntryID}, replayed: true}, nil
}

func requested(op settlement) Amount {
	if op.full {
		return Amount{}
	}
	return op.amount
}

func (s *Service) emitSettled(op settlement, res settleResult) {
	typ := audit.TypePaymentRegistered
	if res.replayed {
		typ = audit.TypePaymentReplayed
	}
	data := map[string]any{
		"participation_id": string(op.pid),
		"scope":            string(op.scope),
		"entry_id":         string(res.entry.ID),
		"idempotency_key":  op.key,
		"full":             op.full,
		"balance":          res.view.Balance.Decimal(),
	}
	if !res.replayed {
		data["amount"] = res.entry.Amount.Decimal()
		data["method"] = res.entry.Method
	}
	s.events.Log(audit.NewEvent(audit.WithType(typ), audit.WithActor(op.actor), audit.WithData(data)))
	if !res.replayed {
		s.logger.Info("payment registered",
			"participation_id", op.pid, "scope", op.scope,
			"amount", res.entry.Amount.Decimal(), "balance", res.view.Balance.Decimal())
	}
}
