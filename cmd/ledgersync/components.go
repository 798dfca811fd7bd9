package main

import (
	"context"
	"fmt"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/clickhouse"
	chcheckpoint "github.com/ava-labs/ledger-sync/pkg/data/clickhouse/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/data/postgres/projection"
	"github.com/ava-labs/ledger-sync/pkg/dedup"
	"github.com/ava-labs/ledger-sync/pkg/ingestion"
	"github.com/ava-labs/ledger-sync/pkg/kafka"
	"github.com/ava-labs/ledger-sync/pkg/ledger/rpc"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
	"github.com/ava-labs/ledger-sync/pkg/program/discount"
	"github.com/ava-labs/ledger-sync/pkg/reconcile"
	"github.com/ava-labs/ledger-sync/pkg/redis"
	"github.com/ava-labs/ledger-sync/pkg/sink"
)

// components are the pieces every command shares. close releases them in reverse order.
type components struct {
	log          *zap.SugaredLogger
	cfg          *Config
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	client       *rpc.Client
	checkpointer *checkpoint.Checkpointer
	bus          *bus.Bus
	errRate      *ingestion.ErrorRate

	// producerErrs is nil when the Kafka sink is disabled.
	producerErrs <-chan error
	closers      []func()
}

func (c *components) onClose(f func()) {
	c.closers = append(c.closers, f)
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func newComponents(ctx context.Context, sugar *zap.SugaredLogger, cfg *Config) (_ *components, err error) {
	comp := &components{log: sugar, cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			comp.close()
		}
	}()

	comp.metrics, err = metrics.NewWithLabels(comp.registry, metrics.Labels{
		Program:       cfg.ProgramID,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	comp.client, err = rpc.New(sugar, cfg.RPC, comp.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}
	comp.onClose(comp.client.Close)

	store, err := comp.checkpointStore()
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}
	comp.checkpointer, err = checkpoint.NewCheckpointer(sugar, store, cfg.ProcessName, checkpoint.DefaultConfig(), comp.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpointer: %w", err)
	}
	if _, err := comp.checkpointer.Load(ctx); err != nil {
		return nil, err
	}

	comp.bus, err = bus.New(sugar, cfg.Bus, comp.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}
	comp.onClose(comp.bus.Close)

	comp.errRate = ingestion.NewErrorRate(sugar, comp.bus, comp.checkpointer, cfg.ErrorRateThreshold, cfg.ErrorRateWindow, comp.metrics)
	return comp, nil
}

func (c *components) checkpointStore() (checkpoint.Store, error) {
	if c.cfg.CheckpointStore == storeMemory {
		c.log.Warn("checkpoints are kept in memory and will not survive a restart")
		return checkpoint.NewMemoryStore(), nil
	}
	chClient, err := clickhouse.New(c.cfg.ClickHouse, c.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	c.onClose(func() { _ = chClient.Close() })
	c.log.Info("ClickHouse client created successfully")

	repo, err := chcheckpoint.NewRepository(chClient, c.cfg.ClickHouse.Database, c.cfg.CheckpointTableName)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint repository: %w", err)
	}
	return repo, nil
}

// newPipeline builds the decode and dispatch pipeline. finality may be nil.
func (c *components) newPipeline(finality ingestion.FinalityScheduler) (*ingestion.Pipeline, error) {
	dec, err := discount.NewDecoder(c.cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	window, err := dedup.NewWindow(c.cfg.DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup window: %w", err)
	}
	p, err := ingestion.NewPipeline(c.log, dec, window, c.bus, finality, c.errRate, c.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return p, nil
}

// registerSinks attaches the Redis signal publisher and the Kafka event sink to the bus when
// they are configured.
func (c *components) registerSinks(ctx context.Context) error {
	if c.cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, c.log, c.cfg.Redis)
		if err != nil {
			return err
		}
		c.onClose(func() { _ = rdb.Close() })
		pub, err := redis.NewSignalPublisher(c.log, rdb, c.cfg.Redis.ChannelPrefix, c.metrics)
		if err != nil {
			return fmt.Errorf("failed to create signal publisher: %w", err)
		}
		pub.Register(c.bus, redis.DefaultSignals...)
	}

	if c.cfg.Kafka.BootstrapServers == "" {
		return nil
	}
	if c.cfg.Kafka.EnsureTopic {
		admin, err := confluentKafka.NewAdminClient(&confluentKafka.ConfigMap{"bootstrap.servers": c.cfg.Kafka.BootstrapServers})
		if err != nil {
			return fmt.Errorf("failed to create kafka admin client: %w", err)
		}
		err = kafka.EnsureTopic(ctx, admin, c.cfg.Kafka.TopicConfig(), c.log)
		admin.Close()
		if err != nil {
			return fmt.Errorf("failed to ensure kafka topic exists: %w", err)
		}
	}

	producer, err := kafka.NewProducer(ctx, c.cfg.Kafka.ConfigMap(), c.log)
	if err != nil {
		return err
	}
	c.onClose(func() { producer.Close(c.cfg.Kafka.FlushTimeout) })
	c.producerErrs = producer.Errors()

	k, err := sink.NewKafka(c.log, producer, c.cfg.Kafka.Topic, c.cfg.ProgramID, c.metrics)
	if err != nil {
		return fmt.Errorf("failed to create kafka sink: %w", err)
	}
	k.Register(c.bus, c.cfg.KafkaForwardFinalized)
	return nil
}

// newReconcileEngine opens the projection and binds the promotion and coupon tables. It
// returns nil when no projection is configured.
func (c *components) newReconcileEngine(ctx context.Context) (*reconcile.Engine, error) {
	if c.cfg.PostgresURL == "" {
		return nil, nil
	}
	poolCfg := projection.DefaultPoolConfig(c.cfg.PostgresURL)
	poolCfg.MaxConns = c.cfg.PostgresMaxConns
	pool, err := projection.NewPool(ctx, c.log, poolCfg)
	if err != nil {
		return nil, err
	}
	c.onClose(pool.Close)

	promotions, err := projection.NewSource(pool, projection.PromotionsTable)
	if err != nil {
		return nil, err
	}
	coupons, err := projection.NewSource(pool, projection.CouponsTable)
	if err != nil {
		return nil, err
	}
	for _, s := range []*projection.Source{promotions, coupons} {
		if err := s.EnsureColumns(ctx); err != nil {
			return nil, err
		}
	}

	types := []reconcile.EntityType{
		{
			Name:   discount.EntityPromotion,
			Source: promotions,
			Fields: []string{discount.FieldCurrentSupply, discount.FieldIsActive},
			Decode: discount.PromotionFields,
		},
		{
			Name:   discount.EntityCoupon,
			Source: coupons,
			Fields: []string{discount.FieldOwner, discount.FieldIsRedeemed},
			Decode: discount.CouponFields,
		},
	}
	engine, err := reconcile.NewEngine(c.log, c.cfg.Reconcile, c.client, types, c.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile engine: %w", err)
	}
	return engine, nil
}
