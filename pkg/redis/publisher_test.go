package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

type published struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.msgs = append(f.msgs, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func TestNewSignalPublisher_Validation(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()

	_, err := NewSignalPublisher(nil, &fakePublisher{}, "p", nil)
	require.EqualError(t, err, "invalid logger: must not be nil")
	_, err = NewSignalPublisher(log, nil, "p", nil)
	require.EqualError(t, err, "invalid redis client: must not be nil")
	_, err = NewSignalPublisher(log, &fakePublisher{}, "", nil)
	require.EqualError(t, err, "invalid channel prefix: must not be empty")
}

func TestSignalPublisher_PublishesRegisteredSignals(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()
	fake := &fakePublisher{}
	p, err := NewSignalPublisher(log, fake, "ledgersync", nil)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	b, err := bus.New(log, bus.Config{HandlerRetries: 1}, nil)
	require.NoError(t, err)
	p.Register(b)

	ev := &bus.Event{Name: "PromotionCreated", TxID: "abc", Position: 100}
	require.NoError(t, b.Emit(t.Context(), bus.Notification{
		Signal: bus.SignalPotentialReorg,
		Event:  ev,
		Err:    errors.New("status query failed"),
	}))
	require.NoError(t, b.Emit(t.Context(), bus.Notification{Signal: bus.SignalHighErrorRate, Count: 10}))
	// Not registered by default.
	require.NoError(t, b.Dispatch(t.Context(), bus.Event{Name: "X", TxID: "def"}))

	require.Len(t, fake.msgs, 2)
	assert.Equal(t, "ledgersync:potential-reorg", fake.msgs[0].channel)
	assert.Equal(t, "ledgersync:high-error-rate", fake.msgs[1].channel)

	var msg Message
	require.NoError(t, json.Unmarshal(fake.msgs[0].payload, &msg))
	assert.Equal(t, "potential-reorg", msg.Signal)
	assert.Equal(t, "status query failed", msg.Error)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "abc", msg.Event.TxID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), msg.PublishedAt)

	require.NoError(t, json.Unmarshal(fake.msgs[1].payload, &msg))
	assert.Equal(t, 10, msg.Count)
}

func TestSignalPublisher_FailureIsNotPropagated(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	p, err := NewSignalPublisher(zaptest.NewLogger(t).Sugar(), &fakePublisher{err: errors.New("connection reset")}, "ls", m)
	require.NoError(t, err)

	require.NoError(t, p.Handle(t.Context(), bus.Notification{Signal: bus.SignalParseError}))
	count, err := testutil.GatherAndCount(reg, "ledgersync_sink_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
