/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts go out twice: as a plain decimal string ("12.5") for machines and
  as a formatted *_display string ("€12.50") for the front desk. Amounts come
  in as JSON numbers or decimal strings.

SEE ALSO:
  - handlers.go: Uses these types
  - roster/roster.go: RosterJSON request body
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/roster"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type BalanceDTO struct {
	ParticipationID string     `json:"participation_id"`
	TripID          string     `json:"trip_id"`
	Scope           string     `json:"scope,omitempty"`
	Currency        string     `json:"currency"`
	Owed            string     `json:"owed"`
	Paid            string     `json:"paid"`
	Balance         string     `json:"balance"`
	Credit          string     `json:"credit"`
	OwedDisplay     string     `json:"owed_display"`
	PaidDisplay     string     `json:"paid_display"`
	BalanceDisplay  string     `json:"balance_display"`
	Settled         bool       `json:"settled"`
	PaymentCount    int        `json:"payment_count"`
	LastPaymentAt   *time.Time `json:"last_payment_at,omitempty"`
}

type SnapshotDTO struct {
	BalanceDTO
	ComputedAt time.Time `json:"computed_at"`
}

type EntryDTO struct {
	ID              string     `json:"id"`
	ParticipationID string     `json:"participation_id"`
	TripID          string     `json:"trip_id"`
	Scope           string     `json:"scope"`
	Kind            string     `json:"kind"`
	Amount          string     `json:"amount"`
	AmountDisplay   string     `json:"amount_display"`
	Currency        string     `json:"currency"`
	Method          string     `json:"method,omitempty"`
	Status          string     `json:"status"`
	Description     string     `json:"description,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	VoidReason      string     `json:"void_reason,omitempty"`
	VoidedBy        string     `json:"voided_by,omitempty"`
	VoidedAt        *time.Time `json:"voided_at,omitempty"`
}

type ParticipationDTO struct {
	ID           string            `json:"id"`
	TripID       string            `json:"trip_id"`
	TripName     string            `json:"trip_name"`
	TripStartsAt time.Time         `json:"trip_starts_at"`
	PersonID     string            `json:"person_id,omitempty"`
	ContactKey   string            `json:"contact_key,omitempty"`
	DisplayName  string            `json:"display_name"`
	Currency     string            `json:"currency"`
	Charges      map[string]string `json:"charges"`
	Version      int64             `json:"version"`
}

type OutstandingItemDTO struct {
	Participation ParticipationDTO `json:"participation"`
	Balance       BalanceDTO       `json:"balance"`
}

type OutstandingDTO struct {
	Items  []OutstandingItemDTO `json:"items"`
	Totals map[string]string    `json:"totals"`
}

type QuickAmountDTO struct {
	Amount  string `json:"amount"`
	Display string `json:"display"`
}

type RosterDiffDTO struct {
	TripID        string   `json:"trip_id"`
	Added         []string `json:"added"`
	Updated       []string `json:"updated"`
	Removed       []string `json:"removed"`
	ChargeChanges int      `json:"charge_changes"`
}

type ReconcileDTO struct {
	Participations int          `json:"participations"`
	Snapshots      int          `json:"snapshots"`
	Drifted        []BalanceDTO `json:"drifted"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse carries the authoritative balance when a settlement was refused.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Details string      `json:"details,omitempty"`
	Balance *BalanceDTO `json:"balance,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

type PaymentRequest struct {
	Scope          string          `json:"scope"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actor          string          `json:"actor"`
}

type SettleRequest struct {
	Scope          string `json:"scope"`
	Method         string `json:"method"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
	Actor          string `json:"actor"`
}

type ChargeRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Actor  string          `json:"actor"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(v ledger.BalanceView) BalanceDTO {
	return BalanceDTO{
		ParticipationID: string(v.ParticipationID),
		TripID:          string(v.TripID),
		Scope:           v.ScopeKey(),
		Currency:        v.Owed.Currency,
		Owed:            v.Owed.Decimal(),
		Paid:            v.Paid.Decimal(),
		Balance:         v.Balance.Decimal(),
		Credit:          v.Credit.Decimal(),
		OwedDisplay:     v.Owed.String(),
		PaidDisplay:     v.Paid.String(),
		BalanceDisplay:  v.Balance.String(),
		Settled:         v.Settled(),
		PaymentCount:    v.PaymentCount,
		LastPaymentAt:   v.LastPaymentAt,
	}
}

func toSnapshotDTOs(snaps []ledger.Snapshot) []SnapshotDTO {
	out := make([]SnapshotDTO, len(snaps))
	for i, s := range snaps {
		out[i] = SnapshotDTO{BalanceDTO: toBalanceDTO(s.View), ComputedAt: s.ComputedAt}
	}
	return out
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:              string(e.ID),
		ParticipationID: string(e.ParticipationID),
		TripID:          string(e.TripID),
		Scope:           string(e.Scope),
		Kind:            string(e.Kind),
		Amount:          e.Amount.Decimal(),
		AmountDisplay:   e.Amount.String(),
		Currency:        e.Amount.Currency,
		Method:          e.Method,
		Status:          string(e.Status),
		Description:     e.Description,
		IdempotencyKey:  e.IdempotencyKey,
		CreatedBy:       e.CreatedBy,
		CreatedAt:       e.CreatedAt,
		VoidReason:      e.VoidReason,
		VoidedBy:        e.VoidedBy,
		VoidedAt:        e.VoidedAt,
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}

func toParticipationDTO(p ledger.Participation) ParticipationDTO {
	charges := make(map[string]string, len(p.Charges))
	for s, a := range p.Charges {
		charges[string(s)] = a.Decimal()
	}
	return ParticipationDTO{
		ID:           string(p.ID),
		TripID:       string(p.TripID),
		TripName:     p.TripName,
		TripStartsAt: p.TripStartsAt,
		PersonID:     string(p.PersonID),
		ContactKey:   p.ContactKey,
		DisplayName:  p.DisplayName,
		Currency:     p.Currency,
		Charges:      charges,
		Version:      p.Version,
	}
}

func toParticipationDTOs(ps []ledger.Participation) []ParticipationDTO {
	out := make([]ParticipationDTO, len(ps))
	for i, p := range ps {
		out[i] = toParticipationDTO(p)
	}
	return out
}

func toOutstandingDTO(o ledger.PersonOutstanding) OutstandingDTO {
	out := OutstandingDTO{Items: []OutstandingItemDTO{}, Totals: map[string]string{}}
	for _, item := range o.Items {
		out.Items = append(out.Items, OutstandingItemDTO{
			Participation: toParticipationDTO(item.Participation),
			Balance:       toBalanceDTO(item.View),
		})
	}
	for code, a := range o.Totals {
		out.Totals[code] = a.Decimal()
	}
	return out
}

func toQuickAmountDTOs(amounts []ledger.Amount) []QuickAmountDTO {
	out := make([]QuickAmountDTO, len(amounts))
	for i, a := range amounts {
		out[i] = QuickAmountDTO{Amount: a.Decimal(), Display: a.String()}
	}
	return out
}

func toRosterDiffDTO(d roster.Diff) RosterDiffDTO {
	return RosterDiffDTO{
		TripID:        string(d.TripID),
		Added:         idStrings(d.Added),
		Updated:       idStrings(d.Updated),
		Removed:       idStrings(d.Removed),
		ChargeChanges: len(d.Charges),
	}
}

func toReconcileDTO(r ledger.ReconcileReport) ReconcileDTO {
	drifted := make([]BalanceDTO, len(r.Drifted))
	for i, v := range r.Drifted {
		drifted[i] = toBalanceDTO(v)
	}
	return ReconcileDTO{
		Participations: r.Participations,
		Snapshots:      r.Snapshots,
		Drifted:        drifted,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

func idStrings(ids []ledger.ParticipationID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// eventsOrEmpty keeps JSON arrays from rendering as null.
func eventsOrEmpty(events []audit.Event) []audit.Event {
	if events == nil {
		return []audit.Event{}
	}
	return events
}
