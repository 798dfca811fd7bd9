package ingestion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

// ErrorRate counts errors in fixed windows. Once a window holds Threshold errors, every further
// error emits high-error-rate and records the checkpoint as unhealthy. Ingestion keeps running.
type ErrorRate struct {
	log          *zap.SugaredLogger
	bus          *bus.Bus
	checkpointer *checkpoint.Checkpointer
	metrics      *metrics.Metrics
	threshold    int
	window       time.Duration
	now          func() time.Time

	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// NewErrorRate creates a tracker. checkpointer and m may be nil.
func NewErrorRate(
	log *zap.SugaredLogger,
	b *bus.Bus,
	checkpointer *checkpoint.Checkpointer,
	threshold int,
	window time.Duration,
	m *metrics.Metrics,
) *ErrorRate {
	return &ErrorRate{
		log:          log,
		bus:          b,
		checkpointer: checkpointer,
		metrics:      m,
		threshold:    threshold,
		window:       window,
		now:          time.Now,
		windowStart:  time.Now(),
	}
}

// Record counts err of the given type. It reports whether the threshold is reached.
func (r *ErrorRate) Record(ctx context.Context, errType string, err error) bool {
	r.metrics.IncError(errType)

	r.mu.Lock()
	now := r.now()
	if now.Sub(r.windowStart) > r.window {
		r.count = 0
		r.windowStart = now
	}
	r.count++
	count := r.count
	r.mu.Unlock()

	high := count >= r.threshold
	if r.checkpointer != nil {
		if cerr := r.checkpointer.RecordError(ctx, err, !high); cerr != nil {
			r.log.Warnw("failed to record error on checkpoint", "error", cerr)
		}
	}
	if high {
		r.log.Errorw("high error rate", "errors", count, "window", r.window, "lastError", err)
		if eerr := r.bus.Emit(ctx, bus.Notification{Signal: bus.SignalHighErrorRate, Err: err, Count: count}); eerr != nil {
			r.log.Warnw("high-error-rate handler failed", "error", eerr)
		}
	}
	return high
}

// Count returns the number of errors in the current window.
func (r *ErrorRate) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.windowStart) > r.window {
		return 0
	}
	return r.count
}
