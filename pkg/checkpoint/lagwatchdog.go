package checkpoint

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

// StartLagWatchdog periodically compares the ledger head at commitment with the checkpoint and
// warns when the checkpoint trails by more than maxLag positions. It returns when ctx is done.
func StartLagWatchdog(
	ctx context.Context,
	log *zap.SugaredLogger,
	c *Checkpointer,
	client ledger.Client,
	commitment ledger.Commitment,
	interval time.Duration,
	maxLag uint64,
	m *metrics.Metrics,
) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			head, err := client.CurrentPosition(ctx, commitment)
			if err != nil {
				log.Debugw("lag watchdog failed to read ledger head", "error", err)
				continue
			}
			position := c.Position()
			// The checkpoint can run ahead of a stronger commitment tier's head.
			var lag uint64
			if head > position {
				lag = head - position
			}
			m.SetLedgerLag(lag)
			if lag > maxLag {
				log.Warnw("checkpoint lag too large", "lag", lag, "head", head, "checkpoint", position)
			}
		}
	}
}
