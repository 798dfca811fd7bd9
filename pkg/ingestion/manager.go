// Package ingestion owns the live log subscription of a program.
//
// The Manager keeps one subscription open, hands each delivered batch to the Pipeline one at a
// time, advances the checkpoint after a batch is fully dispatched, and reconnects with linear
// backoff when the subscription cannot be opened or the liveness check fails. The checkpoint never
// moves past a batch whose dispatch failed until that batch is redelivered and dispatched.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

// Config holds the subscription and reconnect policy.
type Config struct {
	Program    string
	Commitment ledger.Commitment

	LivenessCheckInterval time.Duration
	LivenessThreshold     time.Duration

	// ReconnectBaseDelay is multiplied by the attempt number.
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig returns the default policy for program.
func DefaultConfig(program string) Config {
	return Config{
		Program:               program,
		Commitment:            ledger.CommitmentConfirmed,
		LivenessCheckInterval: time.Minute,
		LivenessThreshold:     5 * time.Minute,
		ReconnectBaseDelay:    5 * time.Second,
		MaxReconnectAttempts:  10,
	}
}

func (c Config) validate() error {
	if c.Program == "" {
		return errors.New("invalid program: must not be empty")
	}
	if _, err := ledger.ParseCommitment(string(c.Commitment)); err != nil {
		return err
	}
	if c.LivenessCheckInterval <= 0 || c.LivenessThreshold <= 0 {
		return errors.New("invalid liveness policy: interval and threshold must be greater than 0")
	}
	if c.ReconnectBaseDelay <= 0 {
		return errors.New("invalid reconnect base delay: must be greater than 0")
	}
	if c.MaxReconnectAttempts <= 0 {
		return errors.New("invalid max reconnect attempts: must be greater than 0")
	}
	return nil
}

// Status is a point-in-time view of the Manager.
type Status struct {
	Running           bool                  `json:"running"`
	SubscriptionID    ledger.SubscriptionID `json:"subscriptionId"`
	ReconnectAttempts int                   `json:"reconnectAttempts"`
	DedupWindowSize   int                   `json:"dedupWindowSize"`
	LastBatchAt       time.Time             `json:"lastBatchAt"`
	ErrorCount        int                   `json:"errorCount"`
	HeldTransactions  int                   `json:"heldTransactions"`
	Checkpoint        checkpoint.Checkpoint `json:"checkpoint"`
}

type timer interface {
	Stop() bool
}

// Manager owns the live subscription.
type Manager struct {
	log          *zap.SugaredLogger
	cfg          Config
	client       ledger.Client
	pipeline     *Pipeline
	checkpointer *checkpoint.Checkpointer
	bus          *bus.Bus
	errors       *ErrorRate
	metrics      *metrics.Metrics
	now          func() time.Time
	afterFunc    func(d time.Duration, f func()) timer

	// batchMu serializes batch handling.
	batchMu sync.Mutex

	mu             sync.Mutex
	ctx            context.Context
	running        bool
	opening        bool
	stopped        bool
	subID          ledger.SubscriptionID
	attempts       int
	lastBatch      time.Time
	livenessCancel context.CancelFunc
	reconnect      timer

	// held maps the transaction id of each batch whose dispatch failed to its position.
	held        map[string]uint64
	highest     uint64
	highestTxID string
}

// NewManager creates a Manager. m may be nil.
func NewManager(
	log *zap.SugaredLogger,
	cfg Config,
	client ledger.Client,
	pipeline *Pipeline,
	checkpointer *checkpoint.Checkpointer,
	b *bus.Bus,
	errRate *ErrorRate,
	m *metrics.Metrics,
) (*Manager, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("invalid ledger client: must not be nil")
	}
	if pipeline == nil {
		return nil, errors.New("invalid pipeline: must not be nil")
	}
	if checkpointer == nil {
		return nil, errors.New("invalid checkpointer: must not be nil")
	}
	if b == nil {
		return nil, errors.New("invalid bus: must not be nil")
	}
	if errRate == nil {
		return nil, errors.New("invalid error rate tracker: must not be nil")
	}
	return &Manager{
		log:          log,
		cfg:          cfg,
		client:       client,
		pipeline:     pipeline,
		checkpointer: checkpointer,
		bus:          b,
		errors:       errRate,
		metrics:      m,
		now:          time.Now,
		held:         make(map[string]uint64),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}, nil
}

// Start opens the subscription. Calling Start while a subscription is open logs a warning and
// returns nil. If the subscription cannot be opened a reconnect is scheduled and the open error
// is returned. ctx bounds the Manager's background work and batch handling.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.stopped = false
	m.mu.Unlock()
	return m.open()
}

func (m *Manager) open() error {
	m.mu.Lock()
	if m.running || m.opening {
		m.mu.Unlock()
		m.log.Warnw("subscription already open", "program", m.cfg.Program)
		return nil
	}
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.opening = true
	ctx := m.ctx
	m.mu.Unlock()

	m.log.Infow("opening log subscription",
		"program", m.cfg.Program,
		"commitment", m.cfg.Commitment,
	)
	id, err := m.client.SubscribeLogs(ctx, m.cfg.Program, m.cfg.Commitment, m.onLogBatch)

	m.mu.Lock()
	m.opening = false
	if err != nil {
		m.mu.Unlock()
		m.log.Errorw("failed to open log subscription", "program", m.cfg.Program, "error", err)
		m.metrics.IncError(metrics.ErrTypeSubscribe)
		m.metrics.SetSubscriptionUp(false)
		m.scheduleReconnect()
		return fmt.Errorf("failed to subscribe to logs of %s: %w", m.cfg.Program, err)
	}
	m.running = true
	m.subID = id
	m.attempts = 0
	m.lastBatch = m.now()
	livenessCtx, cancel := context.WithCancel(ctx)
	m.livenessCancel = cancel
	m.mu.Unlock()

	m.metrics.SetSubscriptionUp(true)
	go m.monitorLiveness(livenessCtx)

	m.log.Infow("log subscription open", "program", m.cfg.Program, "subscriptionId", id)
	return nil
}

// Stop closes the subscription and cancels the liveness ticker and any pending reconnect.
// Batches already being handled and scheduled finality checks run to completion.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.mu.Unlock()
	return m.closeSubscription(ctx)
}

func (m *Manager) closeSubscription(ctx context.Context) error {
	m.mu.Lock()
	if m.livenessCancel != nil {
		m.livenessCancel()
		m.livenessCancel = nil
	}
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	id := m.subID
	m.subID = 0
	m.mu.Unlock()

	m.metrics.SetSubscriptionUp(false)
	if err := m.client.UnsubscribeLogs(ctx, id); err != nil {
		m.log.Warnw("failed to remove log subscription", "subscriptionId", id, "error", err)
		return fmt.Errorf("failed to unsubscribe %d: %w", id, err)
	}
	m.log.Infow("log subscription closed", "subscriptionId", id)
	return nil
}

// scheduleReconnect arms the next open attempt after ReconnectBaseDelay × attempt. Once
// MaxReconnectAttempts attempts have been made it emits max-reconnect-attempts-reached and
// stops retrying.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.stopped || (m.ctx != nil && m.ctx.Err() != nil) {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		attempts := m.attempts
		ctx := m.ctx
		m.mu.Unlock()

		m.log.Errorw("max reconnect attempts reached, manual intervention required",
			"program", m.cfg.Program,
			"attempts", attempts,
		)
		if err := m.bus.Emit(ctx, bus.Notification{
			Signal: bus.SignalMaxReconnectAttemptsReached,
			Count:  attempts,
		}); err != nil {
			m.log.Warnw("max-reconnect-attempts-reached handler failed", "error", err)
		}
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := m.cfg.ReconnectBaseDelay * time.Duration(attempt)
	m.mu.Unlock()

	m.metrics.IncReconnectAttempt()
	m.log.Infow("scheduling reconnect",
		"attempt", attempt,
		"maxAttempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
	)
	// The timer is stored while m.mu is held, so a callback that fires early and schedules the
	// next attempt cannot have its timer overwritten by this one.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.reconnect = m.afterFunc(delay, func() {
		if err := m.open(); err != nil {
			m.log.Debugw("reconnect attempt failed", "attempt", attempt, "error", err)
		}
	})
}

func (m *Manager) monitorLiveness(ctx context.Context) {
	t := time.NewTicker(m.cfg.LivenessCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.checkLiveness(ctx)
		}
	}
}

// checkLiveness queries the ledger when no batch arrived within LivenessThreshold. A successful
// query only proves the endpoint is reachable; a failed one restarts the subscription.
func (m *Manager) checkLiveness(ctx context.Context) {
	m.mu.Lock()
	idle := m.now().Sub(m.lastBatch)
	m.mu.Unlock()
	if idle <= m.cfg.LivenessThreshold {
		return
	}

	m.log.Warnw("no log batches received, subscription may be dead", "idle", idle)
	if _, err := m.client.CurrentPosition(ctx, ledger.CommitmentConfirmed); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Errorw("liveness check failed, restarting subscription", "error", err)
		m.metrics.IncError(metrics.ErrTypeLiveness)
		if err := m.closeSubscription(ctx); err != nil {
			m.log.Warnw("failed to close subscription before reconnect", "error", err)
		}
		m.scheduleReconnect()
		return
	}
	m.log.Infow("liveness check passed, ledger endpoint is responsive")
}

// onLogBatch is the subscription callback.
func (m *Manager) onLogBatch(batch ledger.LogBatch) {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	m.mu.Lock()
	m.lastBatch = m.now()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	m.metrics.IncBatchReceived()
	outcome, err := m.pipeline.Process(ctx, batch, true)
	if err != nil {
		m.mu.Lock()
		m.held[batch.TxID] = batch.Position
		held := len(m.held)
		m.mu.Unlock()
		m.log.Errorw("failed to dispatch batch, checkpoint held below its position",
			"txId", batch.TxID,
			"position", batch.Position,
			"heldTransactions", held,
			"error", err,
		)
		return
	}
	if !outcome.Complete() && outcome != OutcomeDuplicate {
		return
	}

	m.mu.Lock()
	delete(m.held, batch.TxID)
	if outcome.Complete() && batch.Position > m.highest {
		m.highest = batch.Position
		m.highestTxID = batch.TxID
	}
	position, txID, ok := m.checkpointTarget()
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := m.checkpointer.Advance(ctx, position, txID); err != nil {
		m.log.Errorw("failed to advance checkpoint", "position", position, "error", err)
		m.errors.Record(ctx, metrics.ErrTypeCheckpoint, err)
	}
}

// checkpointTarget returns the highest dispatched position, capped just below the lowest held
// batch. m.mu must be held.
func (m *Manager) checkpointTarget() (uint64, string, bool) {
	position, txID := m.highest, m.highestTxID
	for _, p := range m.held {
		if p > position {
			continue
		}
		if p == 0 {
			return 0, "", false
		}
		position, txID = p-1, ""
	}
	return position, txID, position > 0
}

// Status returns a snapshot of the Manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		Running:           m.running,
		SubscriptionID:    m.subID,
		ReconnectAttempts: m.attempts,
		LastBatchAt:       m.lastBatch,
		HeldTransactions:  len(m.held),
	}
	m.mu.Unlock()
	s.DedupWindowSize = m.pipeline.Window().Len()
	s.ErrorCount = m.errors.Count()
	s.Checkpoint = m.checkpointer.Get()
	return s
}

// Healthy returns an error while no subscription is open.
func (m *Manager) Healthy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("log subscription for %s is not open (reconnect attempts: %d)", m.cfg.Program, m.attempts)
	}
	return nil
}
