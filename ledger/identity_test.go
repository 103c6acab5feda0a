package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trip-ledger/ledger"
)

func onTrip(p ledger.Participation, starts time.Time) ledger.Participation {
	p.TripStartsAt = starts
	return p
}

func ids(ps []ledger.Participation) []ledger.ParticipationID {
	out := make([]ledger.ParticipationID, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

var (
	spring = time.Date(2026, time.April, 4, 0, 0, 0, 0, time.UTC)
	autumn = time.Date(2026, time.October, 10, 0, 0, 0, 0, time.UTC)
)

// =============================================================================
// RELATED PARTICIPATIONS
// =============================================================================

func TestRelated_SamePersonTwoTrips_MostRecentFirst(t *testing.T) {
	// GIVEN: Dora on the spring and the autumn trip, both with open balances
	// WHEN: Asking for related participations from either one
	// THEN: Both come back, autumn first

	f := newTestService(t)
	a := onTrip(participation("spring-dora", "spring", map[ledger.Scope]string{ledger.ScopeLodging: "60"}), spring)
	a.PersonID = "dora"
	b := onTrip(participation("autumn-dora", "autumn", map[ledger.Scope]string{ledger.ScopeLodging: "90"}), autumn)
	b.PersonID = "dora"
	other := onTrip(participation("autumn-emil", "autumn", nil), autumn)
	other.PersonID = "emil"
	f.seed(t, a, b, other)
	ctx := context.Background()

	for _, from := range []ledger.ParticipationID{"spring-dora", "autumn-dora"} {
		related, err := f.svc.GetRelatedParticipations(ctx, from)
		require.NoError(t, err)
		assert.Equal(t, []ledger.ParticipationID{"autumn-dora", "spring-dora"}, ids(related), "from %s", from)
	}
}

func TestRelated_NoPersonID_FallsBackToContact(t *testing.T) {
	f := newTestService(t)
	a := onTrip(participation("winter-emil", "winter", nil), spring)
	a.ContactKey = ledger.NormalizeContact(" Emil@Example.org ")
	b := onTrip(participation("summer-emil", "summer", nil), autumn)
	b.ContactKey = ledger.NormalizeContact("emil@example.org")
	f.seed(t, a, b)

	related, err := f.svc.GetRelatedParticipations(context.Background(), "winter-emil")

	require.NoError(t, err)
	assert.Equal(t, []ledger.ParticipationID{"summer-emil", "winter-emil"}, ids(related))
}

func TestRelated_NoIdentity_SubjectOnly(t *testing.T) {
	f := newTestService(t)
	f.seed(t,
		participation("anon-1", "trip", nil),
		participation("anon-2", "trip", nil),
	)

	related, err := f.svc.GetRelatedParticipations(context.Background(), "anon-1")

	require.NoError(t, err)
	assert.Equal(t, []ledger.ParticipationID{"anon-1"}, ids(related))
}

func TestRelated_PersonIDWinsOverContact(t *testing.T) {
	// GIVEN: Two people sharing a family e-mail but with distinct person ids
	// WHEN: Resolving one of them
	// THEN: The other is not included

	f := newTestService(t)
	a := participation("trip-mum", "trip", nil)
	a.PersonID, a.ContactKey = "mum", "family@example.org"
	b := participation("trip-kid", "trip", nil)
	b.PersonID, b.ContactKey = "kid", "family@example.org"
	f.seed(t, a, b)

	related, err := f.svc.GetRelatedParticipations(context.Background(), "trip-mum")

	require.NoError(t, err)
	assert.Equal(t, []ledger.ParticipationID{"trip-mum"}, ids(related))
}

func TestRelated_Unknown_NotFound(t *testing.T) {
	f := newTestService(t)

	_, err := f.svc.GetRelatedParticipations(context.Background(), "ghost")

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// OUTSTANDING
// =============================================================================

func TestOutstandingForPerson_SkipsSettledTrips_TotalsByCurrency(t *testing.T) {
	f := newTestService(t)
	a := onTrip(participation("spring-dora", "spring", map[ledger.Scope]string{ledger.ScopeTransport: "25"}), spring)
	a.PersonID = "dora"
	b := onTrip(participation("autumn-dora", "autumn", map[ledger.Scope]string{ledger.ScopeLodging: "90", ledger.ScopeEquipment: "15"}), autumn)
	b.PersonID = "dora"
	f.seed(t, a, b)
	f.pay(t, "spring-dora", ledger.ScopeTransport, "25", "k1")
	f.pay(t, "autumn-dora", ledger.ScopeLodging, "40", "k2")

	out, err := f.svc.OutstandingForPerson(context.Background(), "spring-dora")

	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, ledger.ParticipationID("autumn-dora"), out.Items[0].Participation.ID)
	assertAmount(t, "65", out.Items[0].View.Balance)
	assertAmount(t, "65", out.Totals["EUR"])
}

// =============================================================================
// CONTACT NORMALIZATION
// =============================================================================

func TestNormalizeContact(t *testing.T) {
	cases := map[string]string{
		"  Ana@Example.ORG ":  "ana@example.org",
		"+49 (170) 555-0101": "+491705550101",
		"0170 555 0101":      "01705550101",
		"123":                "123",
		"Front Desk":         "front desk",
		"":                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ledger.NormalizeContact(in), "input %q", in)
	}
}

func TestSortMostRecent_TiesBrokenByCreationThenID(t *testing.T) {
	created := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	ps := []ledger.Participation{
		{ID: "b", TripStartsAt: spring, CreatedAt: created},
		{ID: "a", TripStartsAt: spring, CreatedAt: created},
		{ID: "c", TripStartsAt: spring, CreatedAt: created.Add(time.Hour)},
		{ID: "d", TripStartsAt: autumn, CreatedAt: created},
	}

	ledger.SortMostRecent(ps)

	assert.Equal(t, []ledger.ParticipationID{"d", "c", "a", "b"}, ids(ps))
}
