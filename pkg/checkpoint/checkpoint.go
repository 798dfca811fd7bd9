// Package checkpoint records ingestion progress and health for crash-safe resumption.
//
// A Checkpoint is keyed by process name and is never deleted. Its position only moves forward:
// Checkpointer.Advance ignores positions at or below the current one, and serializes writers so
// live ingestion and backfill can share one Checkpointer.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

// Checkpoint is the durable progress record of one ingestion process.
type Checkpoint struct {
	ProcessName           string    `json:"process_name"`
	LastProcessedPosition uint64    `json:"last_processed_position"`
	LastProcessedTxID     string    `json:"last_processed_tx_id,omitempty"`
	LastSyncTime          time.Time `json:"last_sync_time"`
	Healthy               bool      `json:"healthy"`
	ConsecutiveErrorCount uint64    `json:"consecutive_error_count"`
	LastErrorMessage      string    `json:"last_error_message,omitempty"`
}

// Store abstracts checkpoint persistence across different data stores.
type Store interface {
	// Initialize ensures the underlying storage is ready (creates tables, schemas, etc.). This
	// should be idempotent and safe to call multiple times.
	Initialize(ctx context.Context) error

	// Get returns the checkpoint for processName, or nil and no error when none exists.
	Get(ctx context.Context, processName string) (*Checkpoint, error)

	// Upsert writes the full record, replacing any previous version for the same process name.
	Upsert(ctx context.Context, cp *Checkpoint) error
}

// Config holds the write policy of the Checkpointer.
type Config struct {
	WriteTimeout time.Duration // Timeout for each checkpoint write operation
	MaxRetries   int           // Maximum number of retry attempts for failed writes
	RetryBackoff time.Duration // Backoff duration between retry attempts
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 1 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 300 * time.Millisecond,
	}
}

// Checkpointer owns the checkpoint of a single process.
type Checkpointer struct {
	log     *zap.SugaredLogger
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu sync.Mutex
	cp Checkpoint
}

// NewCheckpointer creates a Checkpointer for processName. Call Load before use.
func NewCheckpointer(
	log *zap.SugaredLogger,
	store Store,
	processName string,
	cfg Config,
	m *metrics.Metrics,
) (*Checkpointer, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if store == nil {
		return nil, errors.New("invalid store: must not be nil")
	}
	if processName == "" {
		return nil, errors.New("invalid process name: must not be empty")
	}
	if cfg.WriteTimeout <= 0 {
		return nil, errors.New("invalid write timeout: must be greater than 0")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("invalid max retries: must not be negative")
	}
	return &Checkpointer{
		log:     log,
		store:   store,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		cp:      Checkpoint{ProcessName: processName, Healthy: true},
	}, nil
}

// Load reads the stored checkpoint, creating it on first run.
func (c *Checkpointer) Load(ctx context.Context) (Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, err := c.store.Get(ctx, c.cp.ProcessName)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint %q: %w", c.cp.ProcessName, err)
	}
	if stored != nil {
		c.cp = *stored
		c.metrics.SetCheckpointPosition(c.cp.LastProcessedPosition)
		c.log.Infow("loaded checkpoint",
			"process", c.cp.ProcessName,
			"position", c.cp.LastProcessedPosition,
			"healthy", c.cp.Healthy,
		)
		return c.cp, nil
	}

	next := c.cp
	next.LastSyncTime = c.now()
	if err := c.write(ctx, next); err != nil {
		return Checkpoint{}, err
	}
	c.cp = next
	c.log.Infow("created checkpoint", "process", c.cp.ProcessName)
	return c.cp, nil
}

// Get returns a copy of the current checkpoint.
func (c *Checkpointer) Get() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cp
}

// Position returns the last processed position.
func (c *Checkpointer) Position() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cp.LastProcessedPosition
}

// Advance persists position if it is greater than the current one. A successful advance marks
// the process healthy and resets the consecutive error count. It reports whether the
// checkpoint moved.
func (c *Checkpointer) Advance(ctx context.Context, position uint64, txID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if position <= c.cp.LastProcessedPosition {
		return false, nil
	}

	next := c.cp
	next.LastProcessedPosition = position
	next.LastProcessedTxID = txID
	next.LastSyncTime = c.now()
	next.Healthy = true
	next.ConsecutiveErrorCount = 0
	if err := c.write(ctx, next); err != nil {
		return false, err
	}
	c.cp = next
	c.metrics.SetCheckpointPosition(position)
	return true, nil
}

// RecordError stores err as the last error, increments the consecutive error count and sets
// the health flag.
func (c *Checkpointer) RecordError(ctx context.Context, cause error, healthy bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cp
	next.ConsecutiveErrorCount++
	if cause != nil {
		next.LastErrorMessage = cause.Error()
	}
	next.Healthy = healthy
	if err := c.write(ctx, next); err != nil {
		return err
	}
	c.cp = next
	return nil
}

// MarkUnhealthy flags the process unhealthy with reason, e.g. on shutdown.
func (c *Checkpointer) MarkUnhealthy(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cp
	next.Healthy = false
	next.LastErrorMessage = reason
	next.LastSyncTime = c.now()
	if err := c.write(ctx, next); err != nil {
		return err
	}
	c.cp = next
	return nil
}

// write persists cp with a per-attempt timeout and a fixed backoff between attempts.
// Callers hold c.mu.
func (c *Checkpointer) write(ctx context.Context, cp Checkpoint) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("failed to write checkpoint %q: %w", cp.ProcessName, err)
		}

		writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		lastErr = c.store.Upsert(writeCtx, &cp)
		cancel()
		if lastErr == nil {
			return nil
		}

		c.log.Warnw("checkpoint write failed",
			"process", cp.ProcessName,
			"position", cp.LastProcessedPosition,
			"attempt", attempt+1,
			"error", lastErr,
		)

		// Don't sleep after the last attempt
		if attempt < c.cfg.MaxRetries {
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
				return fmt.Errorf("failed to write checkpoint %q: %w", cp.ProcessName, ctx.Err())
			}
		}
	}

	c.metrics.IncError(metrics.ErrTypeCheckpoint)
	return fmt.Errorf("failed to write checkpoint %q (position: %d) after %d attempts: %w",
		cp.ProcessName, cp.LastProcessedPosition, c.cfg.MaxRetries+1, lastErr)
}
