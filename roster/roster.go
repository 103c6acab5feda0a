/*
Package roster turns a trip's participant list into ledger participations.

PURPOSE:
  The roster is owned by trip management; the ledger only needs who takes
  part and what each person owes per scope. Intake applies a whole roster as
  one atomic diff so a half-applied roster never shows wrong balances.

JSON SCHEMA:
  {
    "trip_id": "alps-2026",
    "trip_name": "Alps week",
    "starts_at": "2026-02-14",
    "currency": "EUR",
    "participants": [
      {
        "id": "alps-2026-ana",
        "person_id": "ana",
        "name": "Ana",
        "contact": "ana@example.org",
        "charges": {"transport": 40, "lodging": "80.00"}
      }
    ]
  }

APPLY RULES:
  - New participant: inserted, non-zero charges recorded as charge entries
  - Known participant: fields and charges updated (version-checked)
  - Missing participant: deleted, unless it already has ledger entries
  - Any failure: nothing is written

SEE ALSO:
  - ledger/service.go: SetChargeAmount for single edits
*/
package roster

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/warp/trip-ledger/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type RosterJSON struct {
	TripID       string            `json:"trip_id"`
	TripName     string            `json:"trip_name"`
	StartsAt     string            `json:"starts_at"`
	Currency     string            `json:"currency,omitempty"`
	Participants []ParticipantJSON `json:"participants"`
}

type ParticipantJSON struct {
	ID       string                     `json:"id"`
	PersonID string                     `json:"person_id,omitempty"`
	Name     string                     `json:"name"`
	Contact  string                     `json:"contact,omitempty"`
	Charges  map[string]decimal.Decimal `json:"charges,omitempty"`
}

// Roster is a validated roster ready to apply.
type Roster struct {
	TripID       ledger.TripID
	TripName     string
	StartsAt     time.Time
	Currency     string
	Participants []ledger.Participation
}

// Parse decodes and validates a roster. defaultCurrency fills a missing currency.
func Parse(data []byte, defaultCurrency string) (*Roster, error) {
	var rj RosterJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return nil, &ledger.ValidationError{Field: "roster", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return FromJSON(rj, defaultCurrency)
}

// FromJSON validates an already decoded roster.
func FromJSON(rj RosterJSON, defaultCurrency string) (*Roster, error) {
	if strings.TrimSpace(rj.TripID) == "" {
		return nil, &ledger.ValidationError{Field: "trip_id", Reason: "required"}
	}
	startsAt, err := parseDate(rj.StartsAt)
	if err != nil {
		return nil, &ledger.ValidationError{Field: "starts_at", Reason: err.Error()}
	}
	currency := strings.ToUpper(strings.TrimSpace(rj.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if currency == "" {
		currency = ledger.DefaultCurrency
	}
	if money.GetCurrency(currency) == nil {
		return nil, &ledger.ValidationError{Field: "currency", Reason: fmt.Sprintf("unknown currency %q", currency)}
	}

	r := &Roster{
		TripID:   ledger.TripID(rj.TripID),
		TripName: rj.TripName,
		StartsAt: startsAt,
		Currency: currency,
	}

	seen := make(map[string]bool, len(rj.Participants))
	for i, pj := range rj.Participants {
		id := strings.TrimSpace(pj.ID)
		if id == "" {
			return nil, &ledger.ValidationError{Field: fmt.Sprintf("participants[%d].id", i), Reason: "required"}
		}
		if seen[id] {
			return nil, &ledger.ValidationError{Field: fmt.Sprintf("participants[%d].id", i), Reason: "duplicate id " + id}
		}
		seen[id] = true

		charges := make(map[ledger.Scope]ledger.Amount, len(pj.Charges))
		for name, value := range pj.Charges {
			scope, err := ledger.ParseScope(name)
			if err != nil {
				return nil, &ledger.ValidationError{Field: fmt.Sprintf("participants[%d].charges", i), Reason: err.Error()}
			}
			if value.IsNegative() {
				return nil, &ledger.ValidationError{Field: fmt.Sprintf("participants[%d].charges.%s", i, scope), Reason: "must not be negative"}
			}
			charge := ledger.Amount{Value: value, Currency: currency}
			if err := ledger.CheckPrecision(fmt.Sprintf("participants[%d].charges.%s", i, scope), charge); err != nil {
				return nil, err
			}
			charges[scope] = charge
		}

		r.Participants = append(r.Participants, ledger.Participation{
			ID:           ledger.ParticipationID(id),
			TripID:       r.TripID,
			TripName:     r.TripName,
			TripStartsAt: r.StartsAt,
			PersonID:     ledger.PersonID(strings.TrimSpace(pj.PersonID)),
			ContactKey:   ledger.NormalizeContact(pj.Contact),
			DisplayName:  pj.Name,
			Currency:     currency,
			Charges:      charges,
		})
	}
	return r, nil
}

// ToJSON renders a trip's participations back into roster form.
func ToJSON(trip ledger.TripID, ps []ledger.Participation) RosterJSON {
	rj := RosterJSON{TripID: string(trip), Participants: []ParticipantJSON{}}
	for i, p := range ps {
		if i == 0 {
			rj.TripName = p.TripName
			rj.StartsAt = p.TripStartsAt.Format(time.DateOnly)
			rj.Currency = p.Currency
		}
		pj := ParticipantJSON{
			ID:       string(p.ID),
			PersonID: string(p.PersonID),
			Name:     p.DisplayName,
			Contact:  p.ContactKey,
			Charges:  map[string]decimal.Decimal{},
		}
		for s, a := range p.Charges {
			pj.Charges[string(s)] = a.Value
		}
		rj.Participants = append(rj.Participants, pj)
	}
	return rj
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a date nor an RFC 3339 timestamp", s)
	}
	return t.UTC(), nil
}
