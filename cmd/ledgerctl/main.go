// Command ledgerctl is the operator command line for the trip ledger.
//
//	ledgerctl -db ./ledger.db balance alps-2026-ana
//	ledgerctl pay -scope lodging -amount 30 -key desk-42 alps-2026-ana
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"

	"github.com/warp/trip-ledger/cli"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	env := cli.NewEnv()
	env.RegisterFlags(flag.CommandLine)
	for _, c := range cli.Commands(env) {
		commander.Register(c, "")
	}

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}
