// Package backfill re-derives events for a historical position range through the live pipeline.
package backfill

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/ingestion"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

type Config struct {
	Program string
	// WindowSize is the number of positions fetched per window.
	WindowSize uint64
	// Pause throttles requests between windows.
	Pause time.Duration
}

// ErrIncomplete is returned when a window holds a transaction that could not be fetched or
// decoded. The checkpoint is then left just below that transaction's position.
var ErrIncomplete = errors.New("backfill incomplete")

func DefaultConfig(program string) Config {
	return Config{
		Program:    program,
		WindowSize: 100,
		Pause:      100 * time.Millisecond,
	}
}

// Result summarizes a run.
type Result struct {
	From         uint64
	To           uint64
	Windows      int
	Transactions int
	Dispatched   int
	Duplicates   int
	FetchErrors  int
	ParseErrors  int
}

// Runner walks a position range window by window. It shares the Pipeline, and therefore the
// dedup window, with live ingestion, so overlapping ranges do not dispatch twice.
type Runner struct {
	log          *zap.SugaredLogger
	cfg          Config
	client       ledger.Client
	pipeline     *ingestion.Pipeline
	checkpointer *checkpoint.Checkpointer
	metrics      *metrics.Metrics
}

// NewRunner creates a Runner. m may be nil.
func NewRunner(
	log *zap.SugaredLogger,
	cfg Config,
	client ledger.Client,
	pipeline *ingestion.Pipeline,
	checkpointer *checkpoint.Checkpointer,
	m *metrics.Metrics,
) (*Runner, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.Program == "" {
		return nil, errors.New("invalid program: must not be empty")
	}
	if cfg.WindowSize == 0 {
		return nil, errors.New("invalid window size: must be greater than 0")
	}
	if cfg.Pause < 0 {
		return nil, errors.New("invalid pause: must not be negative")
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
	return &Runner{
		log:          log,
		cfg:          cfg,
		client:       client,
		pipeline:     pipeline,
		checkpointer: checkpointer,
		metrics:      m,
	}, nil
}

// Run processes [from, to]. A zero to means the ledger's current finalized position. The
// checkpoint advances to each window's upper bound once the window is dispatched. A handler
// failure stops the run before the failing window is checkpointed. A transaction that cannot be
// fetched or decoded stops the run after its window with ErrIncomplete, and the checkpoint stays
// below its position so a rerun from the checkpoint retries it.
func (r *Runner) Run(ctx context.Context, from, to uint64) (Result, error) {
	if to == 0 {
		head, err := r.client.CurrentPosition(ctx, ledger.CommitmentFinalized)
		if err != nil {
			return Result{}, fmt.Errorf("failed to get finalized position: %w", err)
		}
		to = head
	}
	if from > to {
		return Result{}, fmt.Errorf("invalid range: from %d is after to %d", from, to)
	}

	res := Result{From: from, To: to}
	r.log.Infow("starting backfill", "from", from, "to", to, "windowSize", r.cfg.WindowSize)
	start := time.Now()

	for cur := from; cur <= to; {
		end := min(cur+r.cfg.WindowSize-1, to)
		if err := r.runWindow(ctx, cur, end, &res); err != nil {
			return res, err
		}
		res.Windows++

		if end == to {
			break
		}
		cur = end + 1
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(r.cfg.Pause):
		}
	}

	r.log.Infow("backfill complete",
		"from", from,
		"to", to,
		"windows", res.Windows,
		"transactions", res.Transactions,
		"dispatched", res.Dispatched,
		"duplicates", res.Duplicates,
		"fetchErrors", res.FetchErrors,
		"parseErrors", res.ParseErrors,
		"elapsed", time.Since(start),
	)
	return res, nil
}

func (r *Runner) runWindow(ctx context.Context, from, to uint64, res *Result) error {
	r.log.Debugw("backfilling window", "from", from, "to", to)

	txs, err := r.client.TransactionsForAddress(ctx, r.cfg.Program, from, to)
	if err != nil {
		r.metrics.IncError(metrics.ErrTypeBackfill)
		return fmt.Errorf("failed to list transactions in [%d, %d]: %w", from, to, err)
	}
	slices.SortStableFunc(txs, func(a, b ledger.TxRef) int { return cmp.Compare(a.Position, b.Position) })

	var (
		lastTxID string
		lastPos  uint64
		failed   *ledger.TxRef
	)
	for _, tx := range txs {
		if tx.Failed {
			continue
		}
		res.Transactions++

		batch, err := r.client.TransactionLogs(ctx, tx.TxID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Errorw("failed to fetch transaction", "txId", tx.TxID, "position", tx.Position, "error", err)
			r.metrics.IncError(metrics.ErrTypeBackfill)
			res.FetchErrors++
			if failed == nil {
				failed = &tx
			}
			continue
		}
		if batch.Position == 0 {
			batch.Position = tx.Position
		}

		outcome, err := r.pipeline.Process(ctx, batch, false)
		if err != nil {
			return fmt.Errorf("failed to dispatch backfilled transaction %s: %w", tx.TxID, err)
		}
		switch outcome {
		case ingestion.OutcomeDispatched:
			res.Dispatched++
		case ingestion.OutcomeDuplicate:
			res.Duplicates++
		case ingestion.OutcomeParseError:
			res.ParseErrors++
			if failed == nil {
				failed = &tx
			}
			continue
		}
		if failed == nil {
			lastTxID, lastPos = tx.TxID, tx.Position
		}
	}

	if failed != nil {
		if failed.Position > 0 {
			txID := lastTxID
			if lastPos >= failed.Position {
				txID = ""
			}
			if _, err := r.checkpointer.Advance(ctx, failed.Position-1, txID); err != nil {
				return fmt.Errorf("failed to checkpoint window [%d, %d]: %w", from, to, err)
			}
		}
		return fmt.Errorf("%w: transaction %s at position %d in window [%d, %d] was not dispatched",
			ErrIncomplete, failed.TxID, failed.Position, from, to)
	}

	if _, err := r.checkpointer.Advance(ctx, to, lastTxID); err != nil {
		return fmt.Errorf("failed to checkpoint window [%d, %d]: %w", from, to, err)
	}
	return nil
}
