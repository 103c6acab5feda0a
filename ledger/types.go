/*
Package ledger provides the participant financial ledger for trips.

PURPOSE:
  Tracks what a participant owes for a trip (per scope: transport, lodging,
  equipment, other), what they have paid, and the remaining balance. Several
  operators may record payments for the same participant at once, so the
  package also owns the rules that keep the derived balance from drifting
  away from the ledger of record.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal value in a single currency
  - Scope / Kind / Status: Closed enums, unknown values fail at parse time
  - Entry: An immutable ledger row (charge or payment)
  - Participation: One person's enrollment in one trip, with owed charges
  - BalanceView: Derived owed/paid/balance, never stored as truth

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified. Voiding appends a void record.
  2. Precision: decimal.Decimal everywhere, formatting via go-money
  3. Derivation: Balance is always recomputed from entries + current charges
  4. Idempotency: Every payment carries a caller-supplied key

SEE ALSO:
  - balance.go: ComputeBalance, the single balance derivation
  - settlement.go: The only path that appends payments
  - guard.go: Per-key serialization of settlements
*/
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when a participation does not name one.
const DefaultCurrency = "EUR"

// =============================================================================
// AMOUNT - Decimal value with a currency code
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency string
}

func NewAmountFromInt(value int64, currency string) Amount {
	return Amount{Value: decimal.NewFromInt(value), Currency: currency}
}

// ParseAmount parses a decimal string such as "80" or "12.50".
func ParseAmount(s, currency string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%q is not a decimal number", s)}
	}
	return Amount{Value: d, Currency: currency}, nil
}

func (a Amount) Zero() Amount { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value), Currency: cur(a, b)} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value), Currency: cur(a, b)} }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThanOrEqual(b Amount) bool { return a.Value.LessThanOrEqual(b.Value) }
func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// cur keeps the empty currency weak so zero values combine with real ones.
func cur(a, b Amount) string {
	if a.Currency == "" {
		return b.Currency
	}
	return a.Currency
}

func (a Amount) code() string {
	if a.Currency == "" {
		return DefaultCurrency
	}
	return a.Currency
}

// CheckPrecision rejects unknown currencies and values with more fraction
// digits than the currency has minor units (0.001 EUR, 0.5 JPY).
func CheckPrecision(field string, a Amount) error {
	c := money.GetCurrency(a.code())
	if c == nil {
		return &ValidationError{Field: "currency", Reason: fmt.Sprintf("unknown currency %q", a.Currency)}
	}
	if !a.Value.Equal(a.Value.Round(int32(c.Fraction))) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%s takes at most %d decimal places", c.Code, c.Fraction)}
	}
	return nil
}

// String formats the amount with the currency's grapheme and fraction digits.
func (a Amount) String() string {
	c := *money.New(0, a.code()).Currency()
	minor := a.Value.Shift(int32(c.Fraction)).Round(0)
	return c.Formatter().Format(minor.IntPart())
}

// Decimal returns the plain decimal string, e.g. "12.5".
func (a Amount) Decimal() string { return a.Value.String() }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type ParticipationID string
type TripID string
type PersonID string

// =============================================================================
// CLOSED ENUMS
// =============================================================================

// Scope is the category a charge or payment applies to.
type Scope string

const (
	ScopeTransport Scope = "transport"
	ScopeLodging   Scope = "lodging"
	ScopeEquipment Scope = "equipment"
	ScopeOther     Scope = "other"
)

// Scopes lists every scope in display order.
var Scopes = []Scope{ScopeTransport, ScopeLodging, ScopeEquipment, ScopeOther}

func (s Scope) Valid() bool {
	switch s {
	case ScopeTransport, ScopeLodging, ScopeEquipment, ScopeOther:
		return true
	}
	return false
}

// ParseScope accepts the lower or upper case name of a scope.
func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !sc.Valid() {
		return "", &ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", s)}
	}
	return sc, nil
}

// ParseOptionalScope returns nil for the empty string (all scopes).
func ParseOptionalScope(s string) (*Scope, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	sc, err := ParseScope(s)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

type Kind string

const (
	KindCharge  Kind = "charge"
	KindPayment Kind = "payment"
)

func (k Kind) Valid() bool { return k == KindCharge || k == KindPayment }

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s)}
	}
	return k, nil
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusVoid      Status = "void"
)

func (s Status) Valid() bool { return s == StatusCompleted || s == StatusVoid }

// =============================================================================
// ENTRY - Immutable financial event
// =============================================================================

type Entry struct {
	ID              EntryID
	Seq             int64 // store-assigned creation order
	ParticipationID ParticipationID
	TripID          TripID
	Scope           Scope
	Kind            Kind
	Amount          Amount
	Method          string
	Status          Status
	Description     string
	IdempotencyKey  string
	CreatedBy       string
	CreatedAt       time.Time

	// Set when Status == StatusVoid
	VoidReason string
	VoidedBy   string
	VoidedAt   *time.Time
}

// Counts reports whether the entry contributes to a balance.
func (e Entry) Counts() bool { return e.Status == StatusCompleted }

// Void is the append-only record that turns an entry's status to void.
type Void struct {
	EntryID  EntryID
	Reason   string
	VoidedBy string
	VoidedAt time.Time
}

// EntryFilter narrows LoadEntries. Nil fields match everything.
type EntryFilter struct {
	ParticipationID ParticipationID
	Scope           *Scope
	Kind            *Kind
	Status          *Status
}

func (f EntryFilter) Match(e Entry) bool {
	if f.ParticipationID != "" && e.ParticipationID != f.ParticipationID {
		return false
	}
	if f.Scope != nil && e.Scope != *f.Scope {
		return false
	}
	if f.Kind != nil && e.Kind != *f.Kind {
		return false
	}
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	return true
}

// SortNewestFirst orders entries by creation, newest first.
func SortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq > entries[j].Seq })
}

// =============================================================================
// PARTICIPATION - One person's enrollment in one trip
// =============================================================================

type Participation struct {
	ID           ParticipationID
	TripID       TripID
	TripName     string
	TripStartsAt time.Time
	PersonID     PersonID // empty: no cross-trip identity known
	ContactKey   string   // normalized contact, fallback identity
	DisplayName  string
	Currency     string
	Charges      map[Scope]Amount
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Charge returns the owed baseline for one scope (zero when unset).
func (p Participation) Charge(s Scope) Amount {
	if a, ok := p.Charges[s]; ok {
		return a
	}
	return Amount{Value: decimal.Zero, Currency: p.currency()}
}

// Owed returns the charge for scope, or the sum across scopes when scope is nil.
func (p Participation) Owed(scope *Scope) Amount {
	if scope != nil {
		return p.Charge(*scope)
	}
	total := Amount{Value: decimal.Zero, Currency: p.currency()}
	for _, s := range Scopes {
		total = total.Add(p.Charge(s))
	}
	return total
}

func (p Participation) currency() string {
	if p.Currency == "" {
		return DefaultCurrency
	}
	return p.Currency
}

// Clone returns a copy with its own Charges map.
func (p Participation) Clone() Participation {
	c := p
	c.Charges = make(map[Scope]Amount, len(p.Charges))
	for k, v := range p.Charges {
		c.Charges[k] = v
	}
	return c
}

// ParticipationFilter narrows ListParticipations. Empty fields match everything.
type ParticipationFilter struct {
	TripID     TripID
	PersonID   PersonID
	ContactKey string
}

// =============================================================================
// BALANCE VIEW - Derived projection
// =============================================================================

type BalanceView struct {
	ParticipationID ParticipationID
	TripID          TripID
	Scope           *Scope // nil: whole participation
	Owed            Amount
	Paid            Amount
	Balance         Amount // max(Owed - Paid, 0)
	Credit          Amount // max(Paid - Owed, 0)
	PaymentCount    int
	LastPaymentAt   *time.Time
}

// Settled reports whether nothing is owed.
func (v BalanceView) Settled() bool { return !v.Balance.IsPositive() }

// ScopeKey is the scope as stored in snapshot keys ("" for the whole participation).
func (v BalanceView) ScopeKey() string {
	if v.Scope == nil {
		return ""
	}
	return string(*v.Scope)
}

// =============================================================================
// SETTLEMENT RECORD - Idempotency record for a payment request
// =============================================================================

type SettlementRecord struct {
	IdempotencyKey  string
	ParticipationID ParticipationID
	Scope           Scope
	Amount          Amount // requested amount; zero for full settlement
	Full            bool
	EntryID         EntryID
	Result          BalanceView
	CreatedAt       time.Time
}

// SameTarget reports whether a replayed request matches this record.
func (r SettlementRecord) SameTarget(pid ParticipationID, scope Scope, amount Amount, full bool) bool {
	if r.ParticipationID != pid || r.Scope != scope || r.Full != full {
		return false
	}
	return full || r.Amount.Equal(amount)
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	TripID          TripID
	ParticipationID ParticipationID
	OnlyOutstanding bool
}
