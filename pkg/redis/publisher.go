// Package redis publishes the sync core's operational signals to Redis Pub/Sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

const sinkName = "redis"

// DefaultSignals are the signals published by Register.
var DefaultSignals = []bus.Signal{
	bus.SignalParseError,
	bus.SignalTransactionFinalized,
	bus.SignalPotentialReorg,
	bus.SignalHighErrorRate,
	bus.SignalMaxReconnectAttemptsReached,
}

// Publisher is the subset of *redis.Client used here.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	// ChannelPrefix namespaces channels as <prefix>:<signal>.
	ChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"ledgersync"`
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, log *zap.SugaredLogger, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("invalid redis address: must not be empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	log.Infow("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return rdb, nil
}

// Message is the JSON payload of a published signal.
type Message struct {
	Signal      string           `json:"signal"`
	Event       *bus.Event       `json:"event,omitempty"`
	Batch       *ledger.LogBatch `json:"batch,omitempty"`
	Error       string           `json:"error,omitempty"`
	Count       int              `json:"count,omitempty"`
	PublishedAt time.Time        `json:"publishedAt"`
}

// SignalPublisher forwards signals to <prefix>:<signal> channels. Publishing is best-effort:
// failures are logged and counted, never returned to the bus.
type SignalPublisher struct {
	log     *zap.SugaredLogger
	client  Publisher
	prefix  string
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSignalPublisher creates a SignalPublisher. m may be nil.
func NewSignalPublisher(log *zap.SugaredLogger, client Publisher, prefix string, m *metrics.Metrics) (*SignalPublisher, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if client == nil {
		return nil, errors.New("invalid redis client: must not be nil")
	}
	if prefix == "" {
		return nil, errors.New("invalid channel prefix: must not be empty")
	}
	return &SignalPublisher{log: log, client: client, prefix: prefix, metrics: m, now: time.Now}, nil
}

// Register subscribes the publisher to signals on b, DefaultSignals when none are given.
func (p *SignalPublisher) Register(b *bus.Bus, signals ...bus.Signal) {
	if len(signals) == 0 {
		signals = DefaultSignals
	}
	for _, sig := range signals {
		b.OnSignal(sig, p.Handle)
	}
}

// Channel returns the channel a notification is published to.
func (p *SignalPublisher) Channel(n bus.Notification) string {
	return p.prefix + ":" + n.Signal.String()
}

// Handle is a bus handler.
func (p *SignalPublisher) Handle(ctx context.Context, n bus.Notification) error {
	msg := Message{
		Signal:      n.Signal.String(),
		Event:       n.Event,
		Batch:       n.Batch,
		Count:       n.Count,
		PublishedAt: p.now().UTC(),
	}
	if n.Err != nil {
		msg.Error = n.Err.Error()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Warnw("failed to encode signal", "signal", msg.Signal, "error", err)
		p.metrics.RecordSinkPublish(sinkName, err)
		return nil
	}

	channel := p.Channel(n)
	err = p.client.Publish(ctx, channel, payload).Err()
	p.metrics.RecordSinkPublish(sinkName, err)
	if err != nil {
		p.log.Warnw("failed to publish signal", "channel", channel, "error", err)
		return nil
	}
	p.log.Debugw("published signal", "channel", channel)
	return nil
}
