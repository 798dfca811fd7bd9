package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type SchedulerConfig struct {
	// Interval between recent passes.
	Interval time.Duration
	// Window is the working-set window of recent passes.
	Window time.Duration
	// FullSweepSpec is a cron spec with an optional seconds field. Each tick runs ReconcileAll
	// followed by CleanupOrphaned. Empty disables full sweeps.
	FullSweepSpec string
	// PassTimeout bounds each pass. A pass in flight when the scheduler stops runs to completion
	// within this bound.
	PassTimeout time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:      5 * time.Minute,
		Window:        time.Hour,
		FullSweepSpec: "0 0 * * * *",
		PassTimeout:   10 * time.Minute,
	}
}

// Scheduler runs recent passes on a fixed interval and full sweeps on a cron schedule. Passes
// never overlap.
type Scheduler struct {
	log    *zap.SugaredLogger
	engine *Engine
	cfg    SchedulerConfig
	cron   *cron.Cron

	// passMu serializes passes.
	passMu sync.Mutex
}

func NewScheduler(log *zap.SugaredLogger, engine *Engine, cfg SchedulerConfig) (*Scheduler, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if engine == nil {
		return nil, errors.New("invalid engine: must not be nil")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("invalid interval: must be greater than 0")
	}
	if cfg.PassTimeout <= 0 {
		return nil, errors.New("invalid pass timeout: must be greater than 0")
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Desugar()))
	s := &Scheduler{
		log:    log,
		engine: engine,
		cfg:    cfg,
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
	}
	return s, nil
}

// Run blocks until ctx is done. It returns once any pass in flight has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.FullSweepSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.FullSweepSpec, func() {
			if err := s.FullSweep(ctx); err != nil {
				s.log.Errorw("full reconciliation sweep failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid full sweep schedule %q: %w", s.cfg.FullSweepSpec, err)
		}
		s.cron.Start()
		s.log.Infow("full reconciliation sweep scheduled", "spec", s.cfg.FullSweepSpec)
	}

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			<-s.cron.Stop().Done()
			return nil
		case <-t.C:
			if err := s.RecentPass(ctx); err != nil {
				s.log.Errorw("recent reconciliation pass failed", "error", err)
			}
		}
	}
}

// passContext detaches a pass from shutdown so it can finish, bounded by PassTimeout.
func (s *Scheduler) passContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PassTimeout)
}

// RecentPass runs ReconcileRecent over the configured window.
func (s *Scheduler) RecentPass(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	pctx, cancel := s.passContext(ctx)
	defer cancel()
	_, err := s.engine.ReconcileRecent(pctx, s.cfg.Window)
	return err
}

// FullSweep runs ReconcileAll then CleanupOrphaned.
func (s *Scheduler) FullSweep(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	pctx, cancel := s.passContext(ctx)
	defer cancel()
	if _, err := s.engine.ReconcileAll(pctx); err != nil {
		return err
	}
	_, err := s.engine.CleanupOrphaned(pctx)
	return err
}
