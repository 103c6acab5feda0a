/*
identity.go - Cross-trip identity resolution

PURPOSE:
  Finds the other participations that belong to the same human, so the
  front desk can show "what else does this person owe".

MATCH POLICY:
  1. Explicit PersonID on the subject: all participations with that PersonID
  2. Otherwise the normalized ContactKey: exact match only
  3. Neither, or lookup failure: the subject alone

  Contact matching is best-effort. Two people sharing a family email are
  merged; one person with two emails is split.
*/
package ledger

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"
)

type Resolver struct {
	store  Store
	logger *slog.Logger
}

func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Related returns the subject and every participation resolved to the same
// person, most recent trip first. The subject is always included.
func (r *Resolver) Related(ctx context.Context, id ParticipationID) ([]Participation, error) {
	subject, err := r.store.GetParticipation(ctx, id)
	if err != nil {
		return nil, err
	}
	if subject == nil {
		return nil, &NotFoundError{Resource: "participation", ID: string(id)}
	}

	var filter ParticipationFilter
	switch {
	case subject.PersonID != "":
		filter.PersonID = subject.PersonID
	case subject.ContactKey != "":
		filter.ContactKey = subject.ContactKey
	default:
		return []Participation{*subject}, nil
	}

	found, err := r.store.ListParticipations(ctx, filter)
	if err != nil {
		r.logger.Warn("identity lookup failed, returning subject only",
			"participation_id", id, "error", err)
		return []Participation{*subject}, nil
	}

	out := []Participation{*subject}
	for _, p := range found {
		if p.ID != subject.ID {
			out = append(out, p)
		}
	}
	SortMostRecent(out)
	return out, nil
}

// SortMostRecent orders participations by trip start descending, then
// creation descending, then id.
func SortMostRecent(ps []Participation) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if !a.TripStartsAt.Equal(b.TripStartsAt) {
			return a.TripStartsAt.After(b.TripStartsAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// NormalizeContact turns an email or phone number into a match key.
// Emails are trimmed and lower-cased. Phone numbers keep digits and a leading +.
// Anything else is trimmed and lower-cased.
func NormalizeContact(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "@") {
		return strings.ToLower(s)
	}
	if looksLikePhone(s) {
		var b strings.Builder
		if strings.HasPrefix(s, "+") {
			b.WriteByte('+')
		}
		for _, r := range s {
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return strings.ToLower(s)
}

func looksLikePhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 5
}
