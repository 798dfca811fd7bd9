package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/ledger-sync/pkg/backfill"
	"github.com/ava-labs/ledger-sync/pkg/utils"
)

// backfillCmd replays a position range through the same pipeline and sinks as run. Finality
// checks are not scheduled for replayed events.
func backfillCmd(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger("backfill", cfg.Verbose, "program", cfg.ProgramID)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"rpcURL", cfg.RPC.HTTPEndpoint,
		"programID", cfg.ProgramID,
		"processName", cfg.ProcessName,
		"from", cfg.From,
		"to", cfg.To,
		"windowSize", cfg.Backfill.WindowSize,
		"windowPause", cfg.Backfill.Pause,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comp, err := newComponents(ctx, sugar, cfg)
	if err != nil {
		return err
	}
	defer comp.close()

	if err := comp.registerSinks(ctx); err != nil {
		return err
	}
	pipeline, err := comp.newPipeline(nil)
	if err != nil {
		return err
	}
	runner, err := backfill.NewRunner(sugar, cfg.Backfill, comp.client, pipeline, comp.checkpointer, comp.metrics)
	if err != nil {
		return fmt.Errorf("failed to create backfill runner: %w", err)
	}

	res, err := runner.Run(ctx, cfg.From, cfg.To)
	sugar.Infow("backfill finished",
		"from", res.From,
		"to", res.To,
		"windows", res.Windows,
		"transactions", res.Transactions,
		"dispatched", res.Dispatched,
		"duplicates", res.Duplicates,
		"fetchErrors", res.FetchErrors,
		"parseErrors", res.ParseErrors,
		"checkpoint", comp.checkpointer.Position(),
	)
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}
	return nil
}
