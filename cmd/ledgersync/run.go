package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/finality"
	"github.com/ava-labs/ledger-sync/pkg/ingestion"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
	"github.com/ava-labs/ledger-sync/pkg/reconcile"
	"github.com/ava-labs/ledger-sync/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

var errMaxReconnectAttempts = errors.New("max reconnect attempts reached")

// shutdownSignal is returned by the signal watcher so the caller can record which signal
// stopped the process.
type shutdownSignal struct {
	sig os.Signal
}

func (s *shutdownSignal) Error() string { return "received " + signalName(s.sig) }

func signalName(sig os.Signal) string {
	switch sig {
	case os.Interrupt:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return sig.String()
	}
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger("run", cfg.Verbose, "program", cfg.ProgramID)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"rpcURL", cfg.RPC.HTTPEndpoint,
		"programID", cfg.ProgramID,
		"commitment", cfg.Commitment,
		"processName", cfg.ProcessName,
		"checkpointStore", cfg.CheckpointStore,
		"checkpointTableName", cfg.CheckpointTableName,
		"finalityGracePeriod", cfg.Finality.GracePeriod,
		"livenessThreshold", cfg.Ingestion.LivenessThreshold,
		"maxReconnectAttempts", cfg.Ingestion.MaxReconnectAttempts,
		"kafkaEnabled", cfg.Kafka.BootstrapServers != "",
		"redisEnabled", cfg.Redis.Addr != "",
		"reconcileEnabled", cfg.PostgresURL != "",
		"reconcileInterval", cfg.Scheduler.Interval,
		"reconcileFullSweep", cfg.Scheduler.FullSweepSpec,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// rootCtx outlives the run group so sinks and the finality tracker can drain after it stops.
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	comp, err := newComponents(rootCtx, sugar, cfg)
	if err != nil {
		return err
	}
	defer comp.close()

	if err := comp.registerSinks(rootCtx); err != nil {
		return err
	}

	tracker, err := finality.NewTracker(sugar, cfg.Finality, comp.client, comp.bus, comp.metrics)
	if err != nil {
		return fmt.Errorf("failed to create finality tracker: %w", err)
	}
	pipeline, err := comp.newPipeline(tracker)
	if err != nil {
		return err
	}
	mgr, err := ingestion.NewManager(sugar, cfg.Ingestion, comp.client, pipeline, comp.checkpointer, comp.bus, comp.errRate, comp.metrics)
	if err != nil {
		return fmt.Errorf("failed to create ingestion manager: %w", err)
	}

	engine, err := comp.newReconcileEngine(rootCtx)
	if err != nil {
		return err
	}
	var sched *reconcile.Scheduler
	if engine != nil {
		comp.bus.OnSignal(bus.SignalPotentialReorg, engine.HandlePotentialReorg)
		sched, err = reconcile.NewScheduler(sugar, engine, cfg.Scheduler)
		if err != nil {
			return fmt.Errorf("failed to create reconcile scheduler: %w", err)
		}
	} else {
		sugar.Warn("no projection configured, reconciliation is disabled")
	}

	giveUp := make(chan struct{})
	var giveUpOnce sync.Once
	comp.bus.OnSignal(bus.SignalMaxReconnectAttemptsReached, func(context.Context, bus.Notification) error {
		giveUpOnce.Do(func() { close(giveUp) })
		return nil
	})

	metricsServer := metrics.NewServer(cfg.MetricsAddr(), comp.registry, mgr.Healthy)
	metricsErrCh, err := metricsServer.Start()
	if err != nil {
		return err
	}
	sugar.Infof("metrics server listening on http://%s/metrics", metricsServer.Addr())

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		// A failed open schedules its own reconnect.
		if err := mgr.Start(gctx); err != nil {
			sugar.Warnw("initial subscription failed, retrying in the background", "error", err)
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigCh:
			return &shutdownSignal{sig: sig}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-giveUp:
			return errMaxReconnectAttempts
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}
	})
	if comp.producerErrs != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-comp.producerErrs:
				if !ok {
					return nil
				}
				return err
			}
		})
	}
	if sched != nil {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	go checkpoint.StartLagWatchdog(gctx, sugar, comp.checkpointer, comp.client, cfg.Commitment, cfg.LagWatchdogInterval, cfg.LagWatchdogMaxLag, comp.metrics)

	err = g.Wait()
	var sigErr *shutdownSignal
	switch {
	case errors.As(err, &sigErr):
		sugar.Infow("shutting down", "signal", signalName(sigErr.sig))
		err = nil
	case errors.Is(err, context.Canceled):
		sugar.Infow("exiting due to context cancellation")
		err = nil
	case err != nil:
		sugar.Errorw("run failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if stopErr := mgr.Stop(shutdownCtx); stopErr != nil {
		sugar.Warnw("failed to stop ingestion manager", "error", stopErr)
	}
	if sigErr != nil {
		reason := "Shutdown via " + signalName(sigErr.sig)
		if markErr := comp.checkpointer.MarkUnhealthy(shutdownCtx, reason); markErr != nil {
			sugar.Warnw("failed to record shutdown in checkpoint", "error", markErr)
		}
	}
	if shutdownErr := tracker.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("finality tracker did not drain", "pending", tracker.Pending(), "error", shutdownErr)
	}

	sugar.Info("shutting down metrics server")
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	sugar.Info("shutdown complete")
	return err
}
