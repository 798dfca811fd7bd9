package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/ledger-sync/pkg/reconcile"
	"github.com/ava-labs/ledger-sync/pkg/utils"
)

// reconcileCmd runs a single reconciliation pass and exits.
func reconcileCmd(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	if cfg.PostgresURL == "" {
		return errors.New("postgres-url is required")
	}

	sugar, err := utils.NewSugaredLogger("reconcile", cfg.Verbose, "program", cfg.ProgramID)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comp, err := newComponents(ctx, sugar, cfg)
	if err != nil {
		return err
	}
	defer comp.close()

	engine, err := comp.newReconcileEngine(ctx)
	if err != nil {
		return err
	}

	var report reconcile.Report
	switch cfg.ReconcileMode {
	case modeAll:
		report, err = engine.ReconcileAll(ctx)
	case modeCleanup:
		report, err = engine.CleanupOrphaned(ctx)
	default:
		report, err = engine.ReconcileRecent(ctx, cfg.Reconcile.RecentWindow)
	}
	if err != nil {
		return fmt.Errorf("%s reconciliation failed: %w", report.Pass, err)
	}
	sugar.Infow("reconciliation finished",
		"pass", report.Pass,
		"checked", report.Checked,
		"inSync", report.InSync,
		"corrected", report.Corrected,
		"orphaned", report.Orphaned,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return nil
}
