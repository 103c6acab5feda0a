package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/roster"
)

// Commands returns every ledgerctl command bound to env.
func Commands(env *Env) []subcommands.Command {
	return []subcommands.Command{
		&balanceCmd{env: env},
		&historyCmd{env: env},
		&payCmd{env: env},
		&settleCmd{env: env},
		&voidCmd{env: env},
		&chargeCmd{env: env},
		&relatedCmd{env: env},
		&rosterCmd{env: env},
		&reconcileCmd{env: env},
		&eventsCmd{env: env},
	}
}

// oneArg returns the single positional argument or an error naming what is missing.
func oneArg(f *flag.FlagSet, what string) (string, error) {
	if f.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s", what)
	}
	return f.Arg(0), nil
}

func usageError(env *Env, err error) subcommands.ExitStatus {
	fmt.Fprintln(env.Err, err)
	return subcommands.ExitUsageError
}

// =============================================================================
// READS
// =============================================================================

type balanceCmd struct {
	env   *Env
	scope string
}

func (*balanceCmd) Name() string     { return "balance" }
func (*balanceCmd) Synopsis() string { return "show owed, paid and balance of a participation" }
func (*balanceCmd) Usage() string {
	return `ledgerctl balance [-scope <scope>] <participation>

  Without -scope prints the total and every scope.
`
}

func (c *balanceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.scope, "scope", "", "transport, lodging, equipment or other")
}

func (c *balanceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, err := oneArg(f, "participation id")
	if err != nil {
		return usageError(c.env, err)
	}
	scope, err := ledger.ParseOptionalScope(c.scope)
	if err != nil {
		return usageError(c.env, err)
	}
	return c.env.run(ctx, func(app *App) (string, error) {
		pid := ledger.ParticipationID(id)
		if scope != nil {
			v, err := app.Service.GetBalance(ctx, pid, scope)
			if err != nil {
				return "", err
			}
			return balanceMarkdown("Balance", v), nil
		}
		var views []ledger.BalanceView
		for _, s := range append([]*ledger.Scope{nil}, scopePtrs()...) {
			v, err := app.Service.GetBalance(ctx, pid, s)
			if err != nil {
				return "", err
			}
			views = append(views, v)
		}
		return balanceMarkdown("Balance", views...), nil
	})
}

func scopePtrs() []*ledger.Scope {
	out := make([]*ledger.Scope, len(ledger.Scopes))
	for i := range ledger.Scopes {
		out[i] = &ledger.Scopes[i]
	}
	return out
}

type historyCmd struct {
	env   *Env
	scope string
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list ledger entries of a participation, newest first" }
func (*historyCmd) Usage() string {
	return `ledgerctl history [-scope <scope>] <participation>
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.scope, "scope", "", "only entries of this scope")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, err := oneArg(f, "participation id")
	if err != nil {
		return usageError(c.env, err)
	}
	scope, err := ledger.ParseOptionalScope(c.scope)
	if err != nil {
		return usageError(c.env, err)
	}
	return c.env.run(ctx, func(app *App) (string, error) {
		entries, err := app.Service.GetHistory(ctx, ledger.ParticipationID(id), scope)
		if err != nil {
			return "", err
		}
		return historyMarkdown(ledger.ParticipationID(id), entries), nil
	})
}

type relatedCmd struct {
	env         *Env
	outstanding bool
}

func (*relatedCmd) Name() string     { return "related" }
func (*relatedCmd) Synopsis() string { return "list participations of the same person" }
func (*relatedCmd) Usage() string {
	return `ledgerctl related [-outstanding] <participation>

  Matches by person id, then by contact. Most recent trip first.
`
}

func (c *relatedCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.outstanding, "outstanding", false, "only trips with an open balance, with totals")
}

func (c *relatedCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, err := oneArg(f, "participation id")
	if err != nil {
		return usageError(c.env, err)
	}
	return c.env.run(ctx, func(app *App) (string, error) {
		pid := ledger.ParticipationID(id)
		if !c.outstanding {
			ps, err := app.Service.GetRelatedParticipations(ctx, pid)
			if err != nil {
				return "", err
			}
			return participationsMarkdown("Related participations", ps), nil
		}
		out, err := app.Service.OutstandingForPerson(ctx, pid)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteString("# Outstanding\n\n| Trip | Participation | Balance |\n|---|---|---:|\n")
		for _, item := range out.Items {
			fmt.Fprintf(&b, "| %s | `%s` | %s |\n", dash(item.Participation.TripName), item.Participation.ID, item.View.Balance)
		}
		for code, total := range out.Totals {
			fmt.Fprintf(&b, "| **total %s** | | **%s** |\n", code, total)
		}
		return b.String(), nil
	})
}

type eventsCmd struct {
	env   *Env
	typ   string
	limit int
}

func (*eventsCmd) Name() string     { return "events" }
func (*eventsCmd) Synopsis() string { return "show the audit trail" }
func (*eventsCmd) Usage() string {
	return `ledgerctl events [-type <event type>] [-limit n]
`
}

func (c *eventsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.typ, "type", "", "only events of this type, e.g. payment.registered")
	f.IntVar(&c.limit, "limit", 50, "newest n events when -type is not set")
}

func (c *eventsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.env.run(ctx, func(app *App) (string, error) {
		if c.typ != "" {
			events, err := app.Events.GetByType(ctx, c.typ)
			if err != nil {
				return "", err
			}
			return eventsMarkdown(events), nil
		}
		events, err := app.Events.Recent(ctx, c.limit)
		if err != nil {
			return "", err
		}
		return eventsMarkdown(events), nil
	})
}

// =============================================================================
// WRITES
// =============================================================================

type payCmd struct {
	env    *Env
	scope  string
	amount string
	method string
	desc   string
	key    string
	actor  string
}

func (*payCmd) Name() string     { return "pay" }
func (*payCmd) Synopsis() string { return "register a payment" }
func (*payCmd) Usage() string {
	return `ledgerctl pay -scope <scope> -amount <amount> -key <idempotency key> <participation>

  Re-running with the same -key is safe: the first result is printed again.
`
}

func (c *payCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.scope, "scope", "", "scope being paid (required)")
	f.StringVar(&c.amount, "amount", "", "amount, e.g. 30 or 12.50 (required)")
	f.StringVar(&c.method, "method", "cash", "payment method")
	f.StringVar(&c.desc, "desc", "", "free text note")
	f.StringVar(&c.key, "key", "", "idempotency key (required)")
	f.StringVar(&c.actor, "actor", "", "operator, defaults to -operator")
}

func (c *payCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, err := oneArg(f, "participation id")
	if err != nil {
		return usageError(c.env, err)
	}
	scope, err := ledger.ParseScope(c.scope)
	if err != nil {
		return usageError(c.env, err)
	}
	return c.env.run(ctx, func(app *App) (string, error) {
		amount, err := ledger.ParseAmount(c.amount, app.Currency)
		if err != nil {
			return "", err
		}
		v, err := app.Service.RegisterPayment(ctx, ledger.PaymentRequest{
			ParticipationID: ledger.ParticipationID(id),
			Scope:           scope,
			Amount:          amount,
			Method:          c.method,
			Description:     c.desc,
			IdempotencyKey:  c.key,
			Actor:           c.env.operator(c.actor),
		})
		if err != nil {
			return "", err
		}
		return balanceMarkdown("Payment registered", v), nil
	})
}

type settleCmd struct {
	env    *Env
	scope  string
	method string
	key    string
	actor  string
}

func (*settleCmd) Name() string     { return "settle" }
func (*settleCmd) Synopsis() string { return "pay the remaining balance of a scope" }
func (*settleCmd) Usage() string {
	return `ledgerctl settle -scope <scope> [-key <idempotency key>] <participation>
`
}

func (c *settleCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.scope, "scope", "", "scope to settle (required)")
	f.StringVar(&c.method, "method", "cash", "payment method")
	f.StringVar(&c.key, "key", "", "idempotency key; generated when empty")
	f.StringVar(&c.actor, "actor", "", "operator, defaults to -operator")
}

func (c *settleCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, err := oneArg(f, "participation id")
	if err != nil {
		return usageError(c.env, err)
	}
	scope, err := ledger.ParseScope(c.scope)
	if err != nil {
		return usageError(c.env, err)
	}
	return c.env.run(ctx, func(app *App) (string, error) {
		v, err := app.Service.SettleFully(ctx, ledger.SettleRequest{
			ParticipationID: ledger.ParticipationID(id),
			Scope:           scope,
			Method:          c.method,
			IdempotencyKey:  c.key,
			Actor:           c.env.operator(c.actor),
		})
		if err != nil {
			return "", err
		}
		return balanceMarkdown("Settled", v), nil
	})
}

type voidCmd struct {
	env    *Env
	reason string
	actor  string
}

func (*voidCmd) Name() string     { return "void" }
func (*voidCmd) Synopsis() string { return "void a ledger entry" }
func (*voidCmd) Usage() string {
	return `ledgerctl void -reason <text> <entry id>
`
}

func (c *voidCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.reason, "reason", "", "why the entry is voided (required)")
	f.StringVar(&c.actor, "actor", "", "operator, defaults to -operator")
}

func (c *voidCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, err := oneArg(f, "entry id")
	if err != nil {
		return usageError(c.env, err)
	}
	return c.env.run(ctx, func(app *App) (string, error) {
		e, err := app.Service.VoidEntry(ctx, ledger.EntryID(id), c.reason, c.env.operator(c.actor))
		if err != nil {
			return "", err
		}
		return entryMarkdown(e), nil
	})
}

type chargeCmd struct {
	env    *Env
	scope  string
	amount string
	actor  string
}

func (*chargeCmd) Name() string     { return "charge" }
func (*chargeCmd) Synopsis() string { return "change what a participation owes for a scope" }
func (*chargeCmd) Usage() string {
	return `ledgerctl charge -scope <scope> -amount <amount> <participation>

  Lowering a charge below what was paid leaves a credit.
`
}

func (c *chargeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.scope, "scope", "", "scope (required)")
	f.StringVar(&c.amount, "amount", "", "new owed amount (required)")
	f.StringVar(&c.actor, "actor", "", "operator, defaults to -operator")
}

func (c *chargeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, err := oneArg(f, "participation id")
	if err != nil {
		return usageError(c.env, err)
	}
	scope, err := ledger.ParseScope(c.scope)
	if err != nil {
		return usageError(c.env, err)
	}
	return c.env.run(ctx, func(app *App) (string, error) {
		amount, err := ledger.ParseAmount(c.amount, app.Currency)
		if err != nil {
			return "", err
		}
		v, err := app.Service.SetChargeAmount(ctx, ledger.ParticipationID(id), scope, amount, c.env.operator(c.actor))
		if err != nil {
			return "", err
		}
		return balanceMarkdown("Charge changed", v), nil
	})
}

type rosterCmd struct {
	env    *Env
	export string
}

func (*rosterCmd) Name() string     { return "roster" }
func (*rosterCmd) Synopsis() string { return "apply a trip roster file, or export one" }
func (*rosterCmd) Usage() string {
	return `ledgerctl roster <roster.json>
ledgerctl roster -export <trip id>

  Applying is all or nothing. Participants that already have ledger entries
  cannot be removed.
`
}

func (c *rosterCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.export, "export", "", "print the roster of this trip as JSON")
}

func (c *rosterCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.export != "" {
		return c.env.run(ctx, func(app *App) (string, error) {
			trip := ledger.TripID(c.export)
			ps, err := app.Store.ListParticipations(ctx, ledger.ParticipationFilter{TripID: trip})
			if err != nil {
				return "", err
			}
			if len(ps) == 0 {
				return "", &ledger.NotFoundError{Resource: "trip", ID: c.export}
			}
			return jsonBlock(roster.ToJSON(trip, ps))
		})
	}

	path, err := oneArg(f, "roster file")
	if err != nil {
		return usageError(c.env, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(c.env.Err, err)
		return subcommands.ExitFailure
	}
	return c.env.run(ctx, func(app *App) (string, error) {
		r, err := roster.Parse(data, app.Currency)
		if err != nil {
			return "", err
		}
		diff, err := app.Intake.Apply(ctx, r, c.env.Operator)
		if err != nil {
			return "", err
		}
		return rosterDiffMarkdown(diff), nil
	})
}

type reconcileCmd struct {
	env  *Env
	trip string
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "recompute all balance snapshots and report drift" }
func (*reconcileCmd) Usage() string {
	return `ledgerctl reconcile [-trip <trip id>]
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.trip, "trip", "", "only this trip")
}

func (c *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.env.run(ctx, func(app *App) (string, error) {
		report, err := app.Reconciler.Run(ctx, ledger.TripID(c.trip))
		if err != nil {
			return "", err
		}
		return reconcileMarkdown(report), nil
	})
}
