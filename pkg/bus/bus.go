package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

// Handler receives a notification. A returned error is retried according to the bus Config.
type Handler func(ctx context.Context, n Notification) error

// Config controls handler retries and the dispatch mode.
type Config struct {
	// HandlerRetries is the number of attempts per handler call (at least 1).
	HandlerRetries int
	// HandlerRetryDelay is multiplied by the attempt number between attempts.
	HandlerRetryDelay time.Duration
	// AsyncWorkers, when > 0, dispatches handlers on a bounded worker pool and Emit no longer
	// waits for them. Zero means handlers run synchronously inside Emit.
	AsyncWorkers int
	// AsyncQueueSize bounds the pool queue in async mode. Zero means unbounded.
	AsyncQueueSize int
}

// DefaultConfig returns a synchronous configuration with 3 attempts spaced 1s, 2s apart.
func DefaultConfig() Config {
	return Config{
		HandlerRetries:    3,
		HandlerRetryDelay: time.Second,
	}
}

// Bus is a typed registry of handlers keyed by signal and event kind.
type Bus struct {
	log     *zap.SugaredLogger
	cfg     Config
	metrics *metrics.Metrics
	pool    pond.Pool

	mu          sync.RWMutex
	bySignal    map[Signal][]Handler
	byKind      map[Kind][]Handler
	byFinalized map[Kind][]Handler
}

// New creates a Bus. m may be nil.
func New(log *zap.SugaredLogger, cfg Config, m *metrics.Metrics) (*Bus, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.HandlerRetries <= 0 {
		return nil, errors.New("invalid handler retries: must be greater than 0")
	}
	if cfg.HandlerRetryDelay < 0 {
		return nil, errors.New("invalid handler retry delay: must not be negative")
	}
	if cfg.AsyncWorkers < 0 || cfg.AsyncQueueSize < 0 {
		return nil, errors.New("invalid async pool: workers and queue size must not be negative")
	}

	b := &Bus{
		log:         log,
		cfg:         cfg,
		metrics:     m,
		bySignal:    make(map[Signal][]Handler),
		byKind:      make(map[Kind][]Handler),
		byFinalized: make(map[Kind][]Handler),
	}
	if cfg.AsyncWorkers > 0 {
		opts := []pond.Option{}
		if cfg.AsyncQueueSize > 0 {
			opts = append(opts, pond.WithQueueSize(cfg.AsyncQueueSize))
		}
		b.pool = pond.NewPool(cfg.AsyncWorkers, opts...)
	}
	return b, nil
}

// On registers h for events of the given kind.
func (b *Bus) On(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], h)
}

// OnAny registers h for every dispatched event.
func (b *Bus) OnAny(h Handler) {
	b.OnSignal(SignalLedgerEvent, h)
}

// OnFinalized registers h for finalized events of the given kind.
func (b *Bus) OnFinalized(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byFinalized[kind] = append(b.byFinalized[kind], h)
}

// OnAnyFinalized registers h for every finalized transaction.
func (b *Bus) OnAnyFinalized(h Handler) {
	b.OnSignal(SignalTransactionFinalized, h)
}

// OnSignal registers h for an operational signal. Registering for SignalEvent or
// SignalEventFinalized is a programming error; use On and OnFinalized instead.
func (b *Bus) OnSignal(sig Signal, h Handler) {
	if sig == SignalEvent || sig == SignalEventFinalized {
		panic(fmt.Sprintf("bus: signal %s is keyed by event kind", sig))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bySignal[sig] = append(b.bySignal[sig], h)
}

// Dispatch delivers e to the catch-all handlers and then to the handlers registered for its kind.
func (b *Bus) Dispatch(ctx context.Context, e Event) error {
	errAny := b.Emit(ctx, Notification{Signal: SignalLedgerEvent, Event: &e})
	errKind := b.Emit(ctx, Notification{Signal: SignalEvent, Event: &e})
	if err := errors.Join(errAny, errKind); err != nil {
		return err
	}
	b.metrics.IncEventsDispatched(e.Name)
	return nil
}

// Emit delivers n to every handler registered for it, in registration order. In synchronous mode
// it returns the joined errors of handlers that failed all attempts. In async mode it returns nil
// once the handlers are queued.
func (b *Bus) Emit(ctx context.Context, n Notification) error {
	handlers := b.handlersFor(n)
	if len(handlers) == 0 {
		return nil
	}

	if b.pool != nil {
		for _, h := range handlers {
			b.pool.Submit(func() {
				if err := b.invoke(ctx, h, n); err != nil {
					b.log.Errorw("async handler failed", "signal", n.Name(), "error", err)
				}
			})
		}
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := b.invoke(ctx, h, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close waits for queued async handlers to finish. It is a no-op in synchronous mode.
func (b *Bus) Close() {
	if b.pool != nil {
		b.pool.StopAndWait()
	}
}

func (b *Bus) handlersFor(n Notification) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var hs []Handler
	switch n.Signal {
	case SignalEvent:
		if n.Event != nil {
			hs = b.byKind[n.Event.Kind]
		}
	case SignalEventFinalized:
		if n.Event != nil {
			hs = b.byFinalized[n.Event.Kind]
		}
	default:
		hs = b.bySignal[n.Signal]
	}
	// Copy so registrations during dispatch do not race with iteration.
	return append([]Handler(nil), hs...)
}

func (b *Bus) invoke(ctx context.Context, h Handler, n Notification) error {
	var err error
	for attempt := 1; attempt <= b.cfg.HandlerRetries; attempt++ {
		if err = h(ctx, n); err == nil {
			return nil
		}
		if attempt == b.cfg.HandlerRetries {
			break
		}
		b.log.Warnw("handler failed, retrying",
			"signal", n.Name(),
			"attempt", attempt,
			"maxAttempts", b.cfg.HandlerRetries,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("handler for %s: %w", n.Name(), ctx.Err())
		case <-time.After(b.cfg.HandlerRetryDelay * time.Duration(attempt)):
		}
	}
	b.metrics.IncHandlerFailure(n.Name())
	return fmt.Errorf("handler for %s failed after %d attempts: %w", n.Name(), b.cfg.HandlerRetries, err)
}
