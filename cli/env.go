// Package cli implements ledgerctl, the operator command line for the trip
// ledger. Every command opens the configured store directly; there is no
// server round trip.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/google/subcommands"

	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/config"
	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/roster"
	"github.com/warp/trip-ledger/store/sqlstore"
)

// Env carries the global flags shared by all commands.
type Env struct {
	ConfigPath string
	Driver     string
	DB         string
	Operator   string
	Plain      bool

	Out io.Writer
	Err io.Writer

	// open is replaced in tests.
	open func(ctx context.Context) (*App, error)
}

func NewEnv() *Env {
	e := &Env{Out: os.Stdout, Err: os.Stderr}
	e.open = e.openStore
	return e
}

// RegisterFlags binds the global flags on fs, normally flag.CommandLine.
func (e *Env) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&e.ConfigPath, "config", "", "config file path (default ./config.yaml if present)")
	fs.StringVar(&e.Driver, "driver", "", "database driver: sqlite or postgres")
	fs.StringVar(&e.DB, "db", "", "SQLite path or Postgres DSN")
	fs.StringVar(&e.Operator, "operator", os.Getenv("USER"), "operator name recorded on writes")
	fs.BoolVar(&e.Plain, "plain", false, "print raw markdown instead of rendering it")
}

// App is an opened ledger ready for one command.
type App struct {
	Service    *ledger.Service
	Store      ledger.TxStore
	Intake     *roster.Intake
	Reconciler *ledger.Reconciler
	Events     audit.EventLogger
	Currency   string

	close func()
}

func (a *App) Close() {
	if a.close != nil {
		a.close()
	}
}

// NewApp wires an App over an already opened store.
func NewApp(store ledger.TxStore, events audit.EventLogger, sink audit.Sink, currency string, logger *slog.Logger, opts ...ledger.Option) *App {
	opts = append([]ledger.Option{ledger.WithLogger(logger), ledger.WithEvents(sink)}, opts...)
	return &App{
		Service:    ledger.NewService(store, opts...),
		Store:      store,
		Intake:     roster.NewIntake(store, sink, logger),
		Reconciler: ledger.NewReconciler(store, logger, sink),
		Events:     events,
		Currency:   currency,
	}
}

func (e *Env) openStore(ctx context.Context) (*App, error) {
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, err
	}
	if e.Driver != "" {
		cfg.Database.Driver = e.Driver
	}
	if e.DB != "" {
		cfg.Database.Path, cfg.Database.DSN = e.DB, e.DB
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Commands print their own output; only warnings go to stderr.
	logger := config.NewLogger(config.LogConfig{Level: "warn", Format: cfg.Log.Format}, e.Err)

	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.Source())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, err
	}

	worker := audit.NewWorker(store, cfg.Audit.BufferSize, logger)
	worker.Start()

	quick, _ := cfg.Ledger.QuickAmountValues()
	app := NewApp(store, store, worker, cfg.Ledger.Currency, logger, ledger.WithQuickAmounts(quick...))
	app.close = func() {
		worker.Shutdown()
		store.Close()
	}
	return app, nil
}

// run opens the app, runs fn and maps the outcome to an exit status.
func (e *Env) run(ctx context.Context, fn func(*App) (string, error)) subcommands.ExitStatus {
	app, err := e.open(ctx)
	if err != nil {
		fmt.Fprintln(e.Err, err)
		return subcommands.ExitFailure
	}
	defer app.Close()

	md, err := fn(app)
	if err != nil {
		fmt.Fprintln(e.Err, "error:", err)
		if v, ok := ledger.ViewOf(err); ok {
			e.print(balanceMarkdown("Current balance", v))
		}
		return subcommands.ExitFailure
	}
	e.print(md)
	return subcommands.ExitSuccess
}

func (e *Env) print(md string) {
	if md == "" {
		return
	}
	if e.Plain {
		fmt.Fprint(e.Out, md)
		return
	}
	out, err := glamour.Render(md, "dark")
	if err != nil {
		fmt.Fprint(e.Out, md)
		return
	}
	fmt.Fprint(e.Out, out)
}

func (e *Env) operator(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return e.Operator
}
