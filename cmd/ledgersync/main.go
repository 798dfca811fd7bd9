package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ledgersync",
		Usage: "Follow a ledger program's events and keep an off-chain projection in sync",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Subscribe to program logs, dispatch events and reconcile the projection",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "backfill",
				Usage:  "Replay a position range through the dispatch pipeline",
				Flags:  backfillFlags(),
				Action: backfillCmd,
			},
			{
				Name:   "reconcile",
				Usage:  "Run a single reconciliation pass",
				Flags:  reconcileFlags(),
				Action: reconcileCmd,
			},
			{
				Name:   "checkpoint",
				Usage:  "Print the stored checkpoint of a process",
				Flags:  append(checkpointFlags(), &cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Enable verbose logging"}),
				Action: showCheckpoint,
			},
		},
	}
}
