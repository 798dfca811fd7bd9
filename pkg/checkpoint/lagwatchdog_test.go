package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/ledger/ledgertest"
)

func TestStartLagWatchdog_WarnsOnLargeLag(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	c := newLoaded(t, store)
	_, err := c.Advance(t.Context(), 10, "tx")
	require.NoError(t, err)

	client := &ledgertest.Stub{
		PositionFunc: func(context.Context, ledger.Commitment) (uint64, error) { return 25, nil },
	}

	core, recorded := observer.New(zap.WarnLevel)
	log := zap.New(core).Sugar()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go StartLagWatchdog(ctx, log, c, client, ledger.CommitmentFinalized, 5*time.Millisecond, 5, nil)

	require.Eventually(t, func() bool {
		return recorded.FilterMessage("checkpoint lag too large").Len() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestStartLagWatchdog_QuietWhenCaughtUp(t *testing.T) {
	t.Parallel()
	c := newLoaded(t, NewMemoryStore())
	_, err := c.Advance(t.Context(), 30, "tx")
	require.NoError(t, err)

	client := &ledgertest.Stub{
		PositionFunc: func(context.Context, ledger.Commitment) (uint64, error) { return 25, nil },
	}

	core, recorded := observer.New(zap.WarnLevel)
	log := zap.New(core).Sugar()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	StartLagWatchdog(ctx, log, c, client, ledger.CommitmentFinalized, 5*time.Millisecond, 0, nil)

	require.Zero(t, recorded.Len())
}
