package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/decoder"
	"github.com/ava-labs/ledger-sync/pkg/dedup"
	"github.com/ava-labs/ledger-sync/pkg/ingestion"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/ledger/ledgertest"
)

const (
	testProgram = "DiscPLat1111111111111111111111111111111111"

	kindX bus.Kind = 1
)

type fixture struct {
	stub     *ledgertest.Stub
	bus      *bus.Bus
	pipeline *ingestion.Pipeline
	cp       *checkpoint.Checkpointer
	runner   *Runner

	mu         sync.Mutex
	dispatched []string
}

func (f *fixture) txIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatched...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	cp, err := checkpoint.NewCheckpointer(log, checkpoint.NewMemoryStore(), "backfill", checkpoint.DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = cp.Load(t.Context())
	require.NoError(t, err)

	b, err := bus.New(log, bus.Config{HandlerRetries: 1}, nil)
	require.NoError(t, err)
	dec, err := decoder.NewProgramDecoder(testProgram, []decoder.EventSpec{{
		Kind:   kindX,
		Name:   "X",
		Decode: func(r *decoder.Reader) (any, error) { return r.U64(), nil },
	}})
	require.NoError(t, err)
	window, err := dedup.NewWindow(dedup.DefaultCapacity)
	require.NoError(t, err)
	pipeline, err := ingestion.NewPipeline(log, dec, window, b, nil, ingestion.NewErrorRate(log, b, nil, 10, time.Minute, nil), nil)
	require.NoError(t, err)

	stub := &ledgertest.Stub{Batches: map[string]ledger.LogBatch{}}
	cfg := DefaultConfig(testProgram)
	cfg.WindowSize = 100
	cfg.Pause = time.Millisecond
	r, err := NewRunner(log, cfg, stub, pipeline, cp, nil)
	require.NoError(t, err)

	f := &fixture{stub: stub, bus: b, pipeline: pipeline, cp: cp, runner: r}
	b.On(kindX, func(_ context.Context, n bus.Notification) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dispatched = append(f.dispatched, n.Event.TxID)
		return nil
	})
	return f
}

func (f *fixture) addTx(txID string, position uint64) ledger.LogBatch {
	batch := ledger.LogBatch{
		TxID:     txID,
		Position: position,
		Logs:     []string{decoder.EventLine("X", (&decoder.Writer{}).U64(position).Bytes())},
	}
	f.stub.Transactions = append(f.stub.Transactions, ledger.TxRef{TxID: txID, Position: position})
	f.stub.Batches[txID] = batch
	return batch
}

func TestNewRunner_Validation(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()

	cfg := DefaultConfig(testProgram)
	cfg.WindowSize = 0
	_, err := NewRunner(log, cfg, &ledgertest.Stub{}, &ingestion.Pipeline{}, &checkpoint.Checkpointer{}, nil)
	require.EqualError(t, err, "invalid window size: must be greater than 0")

	_, err = NewRunner(log, DefaultConfig(""), &ledgertest.Stub{}, &ingestion.Pipeline{}, &checkpoint.Checkpointer{}, nil)
	require.EqualError(t, err, "invalid program: must not be empty")

	_, err = NewRunner(log, DefaultConfig(testProgram), &ledgertest.Stub{}, nil, &checkpoint.Checkpointer{}, nil)
	require.EqualError(t, err, "invalid pipeline: must not be nil")
}

func TestRun_WindowsAndCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addTx("t3", 230)
	f.addTx("t1", 5)
	f.addTx("t2", 150)

	res, err := f.runner.Run(t.Context(), 1, 250)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Windows)
	assert.Equal(t, 3, res.Dispatched)
	assert.Equal(t, []string{"t1", "t2", "t3"}, f.txIDs())
	assert.Equal(t, uint64(250), f.cp.Position())
	assert.Equal(t, "t3", f.cp.Get().LastProcessedTxID)
}

func TestRun_DefaultsToFinalizedHead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addTx("t1", 40)
	f.addTx("t2", 90)
	f.stub.PositionFunc = func(_ context.Context, c ledger.Commitment) (uint64, error) {
		if c != ledger.CommitmentFinalized {
			return 0, errors.New("unexpected commitment")
		}
		return 60, nil
	}

	res, err := f.runner.Run(t.Context(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), res.To)
	assert.Equal(t, []string{"t1"}, f.txIDs())
	assert.Equal(t, uint64(60), f.cp.Position())
}

func TestRun_OverlapWithLiveIsSafe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	live := f.addTx("abc", 100)
	f.addTx("def", 120)

	// Delivered live first.
	outcome, err := f.pipeline.Process(t.Context(), live, true)
	require.NoError(t, err)
	require.Equal(t, ingestion.OutcomeDispatched, outcome)

	res, err := f.runner.Run(t.Context(), 90, 130)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, []string{"abc", "def"}, f.txIDs())

	// Re-running the same range dispatches nothing.
	res, err = f.runner.Run(t.Context(), 90, 130)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Duplicates)
	assert.Len(t, f.txIDs(), 2)
}

func TestRun_UnfetchableHoldsCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addTx("ok", 10)
	f.addTx("after", 18)
	f.stub.Transactions = append(f.stub.Transactions,
		ledger.TxRef{TxID: "failed", Position: 11, Failed: true},
		ledger.TxRef{TxID: "missing", Position: 12},
	)

	res, err := f.runner.Run(t.Context(), 1, 20)
	require.ErrorIs(t, err, ErrIncomplete)
	require.ErrorContains(t, err, "transaction missing at position 12")
	assert.Equal(t, 1, res.FetchErrors)
	assert.Equal(t, 3, res.Transactions)
	assert.Equal(t, []string{"ok", "after"}, f.txIDs())
	assert.Equal(t, uint64(11), f.cp.Position())
	assert.Equal(t, "ok", f.cp.Get().LastProcessedTxID)

	// Once the transaction is fetchable a rerun from the checkpoint picks it up.
	f.addTx("missing", 12)
	res, err = f.runner.Run(t.Context(), f.cp.Position()+1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, []string{"ok", "after", "missing"}, f.txIDs())
	assert.Equal(t, uint64(20), f.cp.Position())
}

func TestRun_ParseErrorHoldsCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addTx("ok", 10)
	f.stub.Transactions = append(f.stub.Transactions, ledger.TxRef{TxID: "garbled", Position: 15})
	f.stub.Batches["garbled"] = ledger.LogBatch{TxID: "garbled", Position: 15, Logs: []string{"Program data: %%%"}}
	f.addTx("next-window", 150)

	res, err := f.runner.Run(t.Context(), 1, 200)
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 1, res.ParseErrors)
	assert.Equal(t, 0, res.Windows)
	assert.Equal(t, []string{"ok"}, f.txIDs())
	assert.Equal(t, uint64(14), f.cp.Position())
}

func TestRun_HandlerFailureStopsBeforeCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addTx("t1", 10)
	f.addTx("t2", 150)
	f.bus.On(kindX, func(_ context.Context, n bus.Notification) error {
		if n.Event.TxID == "t2" {
			return errors.New("store unavailable")
		}
		return nil
	})

	_, err := f.runner.Run(t.Context(), 1, 200)
	require.ErrorContains(t, err, "t2")
	assert.Equal(t, uint64(100), f.cp.Position())
}

func TestRun_InvalidRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.runner.Run(t.Context(), 50, 10)
	require.EqualError(t, err, "invalid range: from 50 is after to 10")
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.runner.cfg.Pause = time.Hour

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := f.runner.Run(ctx, 1, 1000)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Windows)
	assert.Equal(t, uint64(100), f.cp.Position())
}
