/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built trips that populate the ledger with realistic data for
	demos and front desk training. Each scenario applies a roster and then
	registers a few payments.

AVAILABLE SCENARIOS:

	front-desk:        Two participants, one partly paid, one fully paid
	overpayment-guard: A 50.00 transport charge to try overpaying against
	returning-person:  Same person on two trips, both with open balances
	shared-contact:    No person id, participations linked by e-mail only

HOW SCENARIOS WORK:
 1. Apply the trip roster through roster.Intake
 2. Register payments with fixed idempotency keys

	The ledger is append-only, so there is no reset. Loading a scenario twice
	is harmless: the roster diff is empty and the payments replay.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "front-desk"}

SEE ALSO:
  - handlers.go: Participation handlers used to explore the data
  - roster/intake.go: Roster application
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/roster"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "front-desk",
		Name:        "Front Desk",
		Description: "Lodging owed 80.00: one participant paid 30.00, one paid in full",
	},
	{
		ID:          "overpayment-guard",
		Name:        "Overpayment Guard",
		Description: "Transport owed 50.00 and unpaid; try paying 60.00",
	},
	{
		ID:          "returning-person",
		Name:        "Returning Person",
		Description: "Same person on two trips with open balances on both",
	},
	{
		ID:          "shared-contact",
		Name:        "Shared Contact",
		Description: "Participations without a person id linked by e-mail",
	},
}

type scenarioPayment struct {
	pid    ledger.ParticipationID
	scope  ledger.Scope
	amount string
	key    string
}

type scenarioData struct {
	rosters  []*roster.Roster
	payments []scenarioPayment
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	data, ok := h.scenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err := h.loadScenario(r.Context(), data); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, data scenarioData) error {
	for _, ros := range data.rosters {
		if _, err := h.Intake.Apply(ctx, ros, "scenario"); err != nil {
			return err
		}
	}
	for _, p := range data.payments {
		amount, err := ledger.ParseAmount(p.amount, h.Currency)
		if err != nil {
			return err
		}
		_, err = h.Service.RegisterPayment(ctx, ledger.PaymentRequest{
			ParticipationID: p.pid,
			Scope:           p.scope,
			Amount:          amount,
			Method:          "cash",
			IdempotencyKey:  p.key,
			Actor:           "scenario",
		})
		if err != nil {
			return fmt.Errorf("payment %s: %w", p.key, err)
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) scenario(id string) (scenarioData, bool) {
	switch id {
	case "front-desk":
		return h.frontDeskScenario(), true
	case "overpayment-guard":
		return h.overpaymentScenario(), true
	case "returning-person":
		return h.returningPersonScenario(), true
	case "shared-contact":
		return h.sharedContactScenario(), true
	}
	return scenarioData{}, false
}

func (h *Handler) frontDeskScenario() scenarioData {
	trip := h.trip("demo-lake", "Lake weekend", date(2026, time.June, 12), []ledger.Participation{
		h.participant("demo-lake-ana", "ana", "Ana Weber", "ana@example.org", map[ledger.Scope]string{ledger.ScopeLodging: "80"}),
		h.participant("demo-lake-ben", "ben", "Ben Ott", "ben@example.org", map[ledger.Scope]string{ledger.ScopeLodging: "80"}),
	})
	return scenarioData{
		rosters: []*roster.Roster{trip},
		payments: []scenarioPayment{
			{pid: "demo-lake-ana", scope: ledger.ScopeLodging, amount: "30", key: "scenario-front-desk-ana-1"},
			{pid: "demo-lake-ben", scope: ledger.ScopeLodging, amount: "30", key: "scenario-front-desk-ben-1"},
			{pid: "demo-lake-ben", scope: ledger.ScopeLodging, amount: "50", key: "scenario-front-desk-ben-2"},
		},
	}
}

func (h *Handler) overpaymentScenario() scenarioData {
	trip := h.trip("demo-coast", "Coast ride", date(2026, time.May, 2), []ledger.Participation{
		h.participant("demo-coast-cleo", "cleo", "Cleo Marx", "+49 170 555 0101", map[ledger.Scope]string{ledger.ScopeTransport: "50"}),
	})
	return scenarioData{rosters: []*roster.Roster{trip}}
}

func (h *Handler) returningPersonScenario() scenarioData {
	spring := h.trip("demo-spring", "Spring hike", date(2026, time.April, 4), []ledger.Participation{
		h.participant("demo-spring-dora", "dora", "Dora Lind", "dora@example.org", map[ledger.Scope]string{
			ledger.ScopeTransport: "25",
			ledger.ScopeLodging:   "60",
		}),
	})
	autumn := h.trip("demo-autumn", "Autumn hike", date(2026, time.October, 10), []ledger.Participation{
		h.participant("demo-autumn-dora", "dora", "Dora Lind", "dora@example.org", map[ledger.Scope]string{
			ledger.ScopeLodging:   "90",
			ledger.ScopeEquipment: "15",
		}),
	})
	return scenarioData{
		rosters: []*roster.Roster{spring, autumn},
		payments: []scenarioPayment{
			{pid: "demo-spring-dora", scope: ledger.ScopeTransport, amount: "25", key: "scenario-returning-dora-1"},
			{pid: "demo-autumn-dora", scope: ledger.ScopeLodging, amount: "40", key: "scenario-returning-dora-2"},
		},
	}
}

func (h *Handler) sharedContactScenario() scenarioData {
	winter := h.trip("demo-winter", "Winter cabin", date(2026, time.January, 16), []ledger.Participation{
		h.participant("demo-winter-emil", "", "Emil", "Emil@Example.org", map[ledger.Scope]string{ledger.ScopeLodging: "120"}),
	})
	summer := h.trip("demo-summer", "Summer camp", date(2026, time.July, 20), []ledger.Participation{
		h.participant("demo-summer-emil", "", "Emil B.", "emil@example.org", map[ledger.Scope]string{ledger.ScopeOther: "35"}),
	})
	return scenarioData{rosters: []*roster.Roster{winter, summer}}
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) trip(id, name string, startsAt time.Time, ps []ledger.Participation) *roster.Roster {
	r := &roster.Roster{
		TripID:   ledger.TripID(id),
		TripName: name,
		StartsAt: startsAt,
		Currency: h.Currency,
	}
	for _, p := range ps {
		p.TripID = r.TripID
		p.TripName = name
		p.TripStartsAt = startsAt
		r.Participants = append(r.Participants, p)
	}
	return r
}

func (h *Handler) participant(id, person, name, contact string, charges map[ledger.Scope]string) ledger.Participation {
	p := ledger.Participation{
		ID:          ledger.ParticipationID(id),
		PersonID:    ledger.PersonID(person),
		ContactKey:  ledger.NormalizeContact(contact),
		DisplayName: name,
		Currency:    h.Currency,
		Charges:     make(map[ledger.Scope]ledger.Amount, len(charges)),
	}
	for s, v := range charges {
		p.Charges[s] = ledger.Amount{Value: decimal.RequireFromString(v), Currency: h.Currency}
	}
	return p
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
