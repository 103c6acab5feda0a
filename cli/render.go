package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/roster"
)

func balanceMarkdown(title string, views ...ledger.BalanceView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if len(views) > 0 {
		fmt.Fprintf(&b, "Participation `%s` on trip `%s`\n\n", views[0].ParticipationID, views[0].TripID)
	}
	b.WriteString("| Scope | Owed | Paid | Balance | Credit | Payments |\n")
	b.WriteString("|---|---:|---:|---:|---:|---:|\n")
	for _, v := range views {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %d |\n",
			scopeName(v.Scope), v.Owed, v.Paid, v.Balance, v.Credit, v.PaymentCount)
	}
	return b.String()
}

func scopeName(s *ledger.Scope) string {
	if s == nil {
		return "**all**"
	}
	return string(*s)
}

func historyMarkdown(pid ledger.ParticipationID, entries []ledger.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# History of %s\n\n", pid)
	if len(entries) == 0 {
		b.WriteString("_No entries._\n")
		return b.String()
	}
	b.WriteString("| When | Scope | Kind | Amount | Method | Status | By | ID |\n")
	b.WriteString("|---|---|---|---:|---|---|---|---|\n")
	for _, e := range entries {
		status := string(e.Status)
		if e.Status == ledger.StatusVoid {
			status = fmt.Sprintf("void (%s)", e.VoidReason)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s | %s | `%s` |\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Scope, e.Kind, e.Amount,
			dash(e.Method), status, dash(e.CreatedBy), e.ID)
	}
	return b.String()
}

func participationsMarkdown(title string, ps []ledger.Participation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	b.WriteString("| Trip | Starts | Participation | Name | Owed |\n")
	b.WriteString("|---|---|---|---|---:|\n")
	for _, p := range ps {
		fmt.Fprintf(&b, "| %s | %s | `%s` | %s | %s |\n",
			dash(p.TripName), p.TripStartsAt.Format(time.DateOnly), p.ID, dash(p.DisplayName), p.Owed(nil))
	}
	return b.String()
}

func entryMarkdown(e ledger.Entry) string {
	return fmt.Sprintf("# Entry %s\n\n- **Kind:** %s\n- **Scope:** %s\n- **Amount:** %s\n- **Status:** %s\n- **Reason:** %s\n",
		e.ID, e.Kind, e.Scope, e.Amount, e.Status, dash(e.VoidReason))
}

func rosterDiffMarkdown(d roster.Diff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Roster applied to %s\n\n", d.TripID)
	if d.Empty() {
		b.WriteString("_Nothing changed._\n")
		return b.String()
	}
	list := func(label string, ids []ledger.ParticipationID) {
		if len(ids) == 0 {
			return
		}
		fmt.Fprintf(&b, "## %s\n\n", label)
		for _, id := range ids {
			fmt.Fprintf(&b, "- `%s`\n", id)
		}
		b.WriteString("\n")
	}
	list("Added", d.Added)
	list("Updated", d.Updated)
	list("Removed", d.Removed)
	if len(d.Charges) > 0 {
		b.WriteString("## Charge changes\n\n| Participation | Scope | From | To |\n|---|---|---:|---:|\n")
		for _, c := range d.Charges {
			fmt.Fprintf(&b, "| `%s` | %s | %s | %s |\n", c.ParticipationID, c.Scope, c.From, c.To)
		}
	}
	return b.String()
}

func reconcileMarkdown(r ledger.ReconcileReport) string {
	var b strings.Builder
	b.WriteString("# Reconciliation\n\n")
	fmt.Fprintf(&b, "- **Participations:** %d\n- **Snapshots written:** %d\n- **Drifted:** %d\n- **Took:** %s\n",
		r.Participations, r.Snapshots, len(r.Drifted), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if len(r.Drifted) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.TrimPrefix(balanceMarkdown("Repaired"), "# Repaired\n\n"))
		for _, v := range r.Drifted {
			fmt.Fprintf(&b, "| %s/%s | %s | %s | %s | %s | %d |\n",
				v.ParticipationID, scopeName(v.Scope), v.Owed, v.Paid, v.Balance, v.Credit, v.PaymentCount)
		}
	}
	return b.String()
}

func eventsMarkdown(events []audit.Event) string {
	var b strings.Builder
	b.WriteString("# Audit trail\n\n")
	if len(events) == 0 {
		b.WriteString("_No events._\n")
		return b.String()
	}
	b.WriteString("| When | Type | Actor | Participation | Scope |\n|---|---|---|---|---|\n")
	for _, e := range events {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Type, dash(e.Metadata["actor"]),
			dash(fmt.Sprint(orEmpty(e.Data["participation_id"]))), dash(fmt.Sprint(orEmpty(e.Data["scope"]))))
	}
	return b.String()
}

func jsonBlock(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return "```json\n" + string(data) + "\n```\n", nil
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
