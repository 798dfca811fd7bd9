// Package finality re-checks dispatched events once the ledger has had time to finalize them.
package finality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

// Config holds the finality check policy.
type Config struct {
	// GracePeriod is how long after dispatch the status is queried.
	GracePeriod time.Duration
	// MaxConcurrentChecks bounds concurrent status queries.
	MaxConcurrentChecks int64
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:         35 * time.Second,
		MaxConcurrentChecks: 16,
	}
}

type pendingCheck struct {
	timer atomic.Pointer[time.Timer]
}

// Tracker schedules one delayed status check per dispatched event. On fire it emits
// transaction-finalized and <event>-finalized when the transaction is finalized, and
// potential-reorg otherwise. Checks are best-effort and never retried.
type Tracker struct {
	log     *zap.SugaredLogger
	cfg     Config
	client  ledger.Client
	bus     *bus.Bus
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	pending *xsync.Map[uint64, *pendingCheck]
	nextID  atomic.Uint64
	wg      sync.WaitGroup

	// mu orders wg.Add in ScheduleCheck before the closed flag Shutdown sets ahead of wg.Wait.
	mu     sync.Mutex
	closed bool
}

// NewTracker creates a Tracker. m may be nil.
func NewTracker(log *zap.SugaredLogger, cfg Config, client ledger.Client, b *bus.Bus, m *metrics.Metrics) (*Tracker, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.GracePeriod <= 0 {
		return nil, errors.New("invalid grace period: must be greater than 0")
	}
	if cfg.MaxConcurrentChecks <= 0 {
		return nil, errors.New("invalid max concurrent checks: must be greater than 0")
	}
	if client == nil {
		return nil, errors.New("invalid ledger client: must not be nil")
	}
	if b == nil {
		return nil, errors.New("invalid bus: must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		log:     log,
		cfg:     cfg,
		client:  client,
		bus:     b,
		metrics: m,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentChecks),
		ctx:     ctx,
		cancel:  cancel,
		pending: xsync.NewMap[uint64, *pendingCheck](),
	}, nil
}

// ScheduleCheck arms the check for e. It is ignored after Shutdown.
func (t *Tracker) ScheduleCheck(e bus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.log.Debugw("tracker shut down, finality check dropped", "txId", e.TxID)
		return
	}
	id := t.nextID.Add(1)
	entry := &pendingCheck{}
	t.wg.Add(1)
	t.metrics.IncFinalityPending()
	t.pending.Store(id, entry)
	entry.timer.Store(time.AfterFunc(t.cfg.GracePeriod, func() {
		// Whoever removes the entry owns it: the timer here, or Shutdown.
		if _, ok := t.pending.LoadAndDelete(id); !ok {
			return
		}
		defer t.wg.Done()
		defer t.metrics.DecFinalityPending()
		t.check(t.ctx, e)
	}))
}

// Pending returns the number of checks that have not fired yet.
func (t *Tracker) Pending() int {
	return t.pending.Size()
}

func (t *Tracker) check(ctx context.Context, e bus.Event) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer t.sem.Release(1)

	status, err := t.client.SignatureStatus(ctx, e.TxID)
	if err == nil && status.Commitment == ledger.CommitmentFinalized {
		t.log.Infow("transaction finalized", "txId", e.TxID, "event", e.Name, "position", e.Position)
		t.metrics.IncFinalityCheck(metrics.FinalityFinalized)
		if err := t.bus.Emit(ctx, bus.Notification{Signal: bus.SignalTransactionFinalized, Event: &e}); err != nil {
			t.log.Warnw("transaction-finalized handler failed", "txId", e.TxID, "error", err)
		}
		if err := t.bus.Emit(ctx, bus.Notification{Signal: bus.SignalEventFinalized, Event: &e}); err != nil {
			t.log.Warnw("event finalized handler failed", "txId", e.TxID, "event", e.Name, "error", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err != nil && !errors.Is(err, ledger.ErrSignatureNotFound) {
		t.log.Warnw("failed to query transaction status", "txId", e.TxID, "error", err)
	}
	t.log.Warnw("transaction not finalized after grace period",
		"txId", e.TxID,
		"event", e.Name,
		"position", e.Position,
		"status", status.Commitment,
		"grace", t.cfg.GracePeriod,
	)
	t.metrics.IncFinalityCheck(metrics.FinalityReorg)
	if eerr := t.bus.Emit(ctx, bus.Notification{Signal: bus.SignalPotentialReorg, Event: &e, Err: err}); eerr != nil {
		t.log.Warnw("potential-reorg handler failed", "txId", e.TxID, "error", eerr)
	}
}

// Shutdown drops checks that have not fired and waits for running ones until ctx is done. When
// ctx expires first the running checks are cancelled and ctx's error is returned.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	dropped := 0
	t.pending.Range(func(id uint64, _ *pendingCheck) bool {
		entry, ok := t.pending.LoadAndDelete(id)
		if !ok {
			return true
		}
		if tm := entry.timer.Load(); tm != nil {
			tm.Stop()
		}
		t.metrics.DecFinalityPending()
		t.wg.Done()
		dropped++
		return true
	})
	if dropped > 0 {
		t.log.Infow("dropped pending finality checks", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		return fmt.Errorf("finality checks did not drain: %w", ctx.Err())
	}
}
