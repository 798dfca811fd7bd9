package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/decoder"
	"github.com/ava-labs/ledger-sync/pkg/dedup"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

// FinalityScheduler schedules the delayed finality check of a dispatched event.
type FinalityScheduler interface {
	ScheduleCheck(e bus.Event)
}

// Outcome describes what Process did with a batch.
type Outcome int

const (
	OutcomeDispatched Outcome = iota + 1
	OutcomeFailedTx
	OutcomeDuplicate
	OutcomeNoEvents
	OutcomeParseError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeFailedTx:
		return metrics.SkipFailedTx
	case OutcomeDuplicate:
		return metrics.SkipDuplicate
	case OutcomeNoEvents:
		return metrics.SkipNoEvents
	case OutcomeParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Complete reports whether this call fully handled the batch, so its position may be
// checkpointed. Duplicates are checkpointed by whichever call dispatched them; failed
// transactions never move the checkpoint.
func (o Outcome) Complete() bool {
	return o == OutcomeDispatched || o == OutcomeNoEvents
}

// Pipeline turns log batches into dispatched events. Live ingestion and backfill share one
// Pipeline so they share the dedup window.
type Pipeline struct {
	log      *zap.SugaredLogger
	decoder  decoder.Decoder
	window   *dedup.Window
	bus      *bus.Bus
	finality FinalityScheduler
	errors   *ErrorRate
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewPipeline creates a Pipeline. finality and m may be nil.
func NewPipeline(
	log *zap.SugaredLogger,
	dec decoder.Decoder,
	window *dedup.Window,
	b *bus.Bus,
	finality FinalityScheduler,
	errRate *ErrorRate,
	m *metrics.Metrics,
) (*Pipeline, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if dec == nil {
		return nil, errors.New("invalid decoder: must not be nil")
	}
	if window == nil {
		return nil, errors.New("invalid dedup window: must not be nil")
	}
	if b == nil {
		return nil, errors.New("invalid bus: must not be nil")
	}
	if errRate == nil {
		return nil, errors.New("invalid error rate tracker: must not be nil")
	}
	return &Pipeline{
		log:      log,
		decoder:  dec,
		window:   window,
		bus:      b,
		finality: finality,
		errors:   errRate,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// Process handles one batch: skip failed and already-seen transactions, decode, claim the
// transaction id in the dedup window and dispatch every event. Decode failures are reported
// through parse-error and do not return an error. A returned error means a handler failed; the
// claim is then released so a redelivery or a backfill of the same range dispatches again.
func (p *Pipeline) Process(ctx context.Context, batch ledger.LogBatch, scheduleFinality bool) (Outcome, error) {
	if batch.Failed {
		p.log.Debugw("skipping failed transaction", "txId", batch.TxID, "position", batch.Position)
		p.metrics.IncBatchSkipped(metrics.SkipFailedTx)
		return OutcomeFailedTx, nil
	}
	if p.window.Contains(batch.TxID) {
		p.log.Debugw("skipping duplicate transaction", "txId", batch.TxID, "position", batch.Position)
		p.metrics.IncBatchSkipped(metrics.SkipDuplicate)
		return OutcomeDuplicate, nil
	}

	events, err := p.decoder.Decode(batch.Logs)
	if err != nil {
		p.reportParseError(ctx, batch, err)
		return OutcomeParseError, nil
	}
	if len(events) == 0 {
		p.metrics.IncBatchSkipped(metrics.SkipNoEvents)
		return OutcomeNoEvents, nil
	}

	// Contains and Add are separate steps; the claim makes concurrent live and backfill
	// delivery of the same transaction dispatch once.
	if !p.window.Add(batch.TxID) {
		p.metrics.IncBatchSkipped(metrics.SkipDuplicate)
		return OutcomeDuplicate, nil
	}
	p.metrics.SetDedupWindowSize(p.window.Len())

	observedAt := p.now()
	var errs []error
	for _, e := range events {
		e.TxID = batch.TxID
		e.Position = batch.Position
		e.ObservedAt = observedAt

		p.log.Infow("ledger event",
			"event", e.Name,
			"txId", e.TxID,
			"position", e.Position,
		)
		if err := p.bus.Dispatch(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("dispatching %s: %w", e.Name, err))
			p.errors.Record(ctx, metrics.ErrTypeDispatch, err)
			continue
		}
		if scheduleFinality && p.finality != nil {
			p.finality.ScheduleCheck(e)
		}
	}
	if len(errs) > 0 {
		p.window.Remove(batch.TxID)
		p.metrics.SetDedupWindowSize(p.window.Len())
		return OutcomeDispatched, fmt.Errorf("transaction %s: %w", batch.TxID, errors.Join(errs...))
	}
	return OutcomeDispatched, nil
}

func (p *Pipeline) reportParseError(ctx context.Context, batch ledger.LogBatch, err error) {
	preview := batch.Logs
	if len(preview) > 5 {
		preview = preview[:5]
	}
	p.log.Errorw("failed to parse events from logs",
		"txId", batch.TxID,
		"position", batch.Position,
		"logs", preview,
		"error", err,
	)
	p.metrics.IncParseError()
	if eerr := p.bus.Emit(ctx, bus.Notification{Signal: bus.SignalParseError, Batch: &batch, Err: err}); eerr != nil {
		p.log.Warnw("parse-error handler failed", "txId", batch.TxID, "error", eerr)
	}
	p.errors.Record(ctx, metrics.ErrTypeParse, err)
}

// Window returns the shared dedup window.
func (p *Pipeline) Window() *dedup.Window {
	return p.window
}
