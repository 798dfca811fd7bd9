package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/kafka"
)

type mockProducer struct {
	mock.Mock
	mu   sync.Mutex
	msgs []kafka.Message
}

func (m *mockProducer) Produce(ctx context.Context, msg kafka.Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return m.Called(ctx, msg).Error(0)
}

func TestNewKafka_Validation(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()

	_, err := NewKafka(log, nil, "t", "p", nil)
	require.EqualError(t, err, "invalid producer: must not be nil")
	_, err = NewKafka(log, &mockProducer{}, "", "p", nil)
	require.EqualError(t, err, "invalid topic: must not be empty")
}

func TestKafka_ForwardsEventsKeyedByTx(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()
	p := &mockProducer{}
	p.On("Produce", mock.Anything, mock.Anything).Return(nil)

	k, err := NewKafka(log, p, "ledger-events", "prog", nil)
	require.NoError(t, err)
	b, err := bus.New(log, bus.Config{HandlerRetries: 1}, nil)
	require.NoError(t, err)
	k.Register(b, true)

	ev := bus.Event{Kind: 3, Name: "PromotionCreated", TxID: "abc", Position: 100, Data: map[string]any{"price": 5}}
	require.NoError(t, b.Dispatch(t.Context(), ev))
	require.NoError(t, b.Emit(t.Context(), bus.Notification{Signal: bus.SignalTransactionFinalized, Event: &ev}))
	// Signals without an event are ignored.
	require.NoError(t, b.Emit(t.Context(), bus.Notification{Signal: bus.SignalTransactionFinalized}))

	require.Len(t, p.msgs, 2)
	msg := p.msgs[0]
	assert.Equal(t, "ledger-events", msg.Topic)
	assert.Equal(t, []byte("abc"), msg.Key)
	assert.Equal(t, map[string]string{HeaderSignal: "ledger-event", HeaderEvent: "PromotionCreated", HeaderProgram: "prog"}, msg.Headers)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Equal(t, "ledger-event", env.Signal)
	assert.Equal(t, "abc", env.Event.TxID)
	assert.Equal(t, uint64(100), env.Event.Position)

	assert.Equal(t, "transaction-finalized", p.msgs[1].Headers[HeaderSignal])
}

func TestKafka_ProduceFailureFailsDispatch(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()
	p := &mockProducer{}
	p.On("Produce", mock.Anything, mock.Anything).Return(errors.New("broker not available"))

	k, err := NewKafka(log, p, "ledger-events", "prog", nil)
	require.NoError(t, err)
	b, err := bus.New(log, bus.Config{HandlerRetries: 1}, nil)
	require.NoError(t, err)
	k.Register(b, false)

	err = b.Dispatch(t.Context(), bus.Event{Name: "CouponMinted", TxID: "def"})
	require.ErrorContains(t, err, "failed to produce CouponMinted for def")
	p.AssertNumberOfCalls(t, "Produce", 1)
}
