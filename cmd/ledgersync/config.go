package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/ledger-sync/pkg/backfill"
	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/clickhouse"
	"github.com/ava-labs/ledger-sync/pkg/dedup"
	"github.com/ava-labs/ledger-sync/pkg/finality"
	"github.com/ava-labs/ledger-sync/pkg/ingestion"
	"github.com/ava-labs/ledger-sync/pkg/kafka"
	"github.com/ava-labs/ledger-sync/pkg/ledger"
	"github.com/ava-labs/ledger-sync/pkg/ledger/rpc"
	"github.com/ava-labs/ledger-sync/pkg/reconcile"
	"github.com/ava-labs/ledger-sync/pkg/redis"
)

const defaultErrorRateThreshold = 10

const (
	modeRecent  = "recent"
	modeAll     = "all"
	modeCleanup = "cleanup"
)

// Config holds all configuration for the ledgersync application. Sections a command does not
// use keep their zero values.
type Config struct {
	// Application settings
	Verbose bool

	// Ledger settings
	RPC         rpc.Config
	ProgramID   string
	Commitment  ledger.Commitment
	ProcessName string

	// Checkpoint settings
	CheckpointStore     string
	CheckpointTableName string
	ClickHouse          clickhouse.ClickhouseConfig
	LagWatchdogInterval time.Duration
	LagWatchdogMaxLag   uint64

	// Dispatch settings
	Bus                bus.Config
	DedupCapacity      int
	ErrorRateThreshold int
	ErrorRateWindow    time.Duration

	// Component policies
	Ingestion ingestion.Config
	Finality  finality.Config
	Backfill  backfill.Config
	Reconcile reconcile.Config
	Scheduler reconcile.SchedulerConfig

	// Backfill range
	From uint64
	To   uint64

	// Reconcile command
	ReconcileMode string

	// Sinks; empty addresses disable them
	Kafka                 kafka.ProducerConfig
	KafkaForwardFinalized bool
	Redis                 redis.Config
	PostgresURL           string
	PostgresMaxConns      int32

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// buildConfig builds a Config from CLI context flags. Flags a command does not define read as
// zero values.
func buildConfig(c *cli.Context) (*Config, error) {
	commitment, err := ledger.ParseCommitment(c.String("commitment"))
	if err != nil {
		return nil, err
	}
	programID := strings.TrimSpace(c.String("program-id"))
	if programID == "" {
		return nil, errors.New("program-id is required")
	}

	cfg := &Config{
		Verbose:             c.Bool("verbose"),
		ProgramID:           programID,
		Commitment:          commitment,
		ProcessName:         c.String("process-name"),
		CheckpointStore:     c.String("checkpoint-store"),
		CheckpointTableName: c.String("checkpoint-table-name"),
		LagWatchdogInterval: c.Duration("lag-watchdog-interval"),
		LagWatchdogMaxLag:   c.Uint64("lag-watchdog-max-lag"),
		DedupCapacity:       intOr(c, "dedup-capacity", dedup.DefaultCapacity),
		ErrorRateThreshold:  intOr(c, "error-rate-threshold", defaultErrorRateThreshold),
		ErrorRateWindow:     durationOr(c, "error-rate-window", time.Minute),
		From:                c.Uint64("from"),
		To:                  c.Uint64("to"),
		ReconcileMode:       c.String("mode"),
		PostgresURL:         c.String("postgres-url"),
		PostgresMaxConns:    int32(intOr(c, "postgres-max-conns", 8)), //nolint:gosec // small flag value
		MetricsHost:         c.String("metrics-host"),
		MetricsPort:         c.Int("metrics-port"),
		Environment:         c.String("environment"),
		Region:              c.String("region"),
		CloudProvider:       c.String("cloud-provider"),
	}
	if cfg.ProcessName == "" {
		return nil, errors.New("process-name is required")
	}
	switch cfg.CheckpointStore {
	case storeClickHouse:
		cfg.ClickHouse, err = buildClickHouseConfig(c)
		if err != nil {
			return nil, fmt.Errorf("failed to build ClickHouse config: %w", err)
		}
	case storeMemory:
	default:
		return nil, fmt.Errorf("invalid checkpoint store %q: must be %s or %s", cfg.CheckpointStore, storeClickHouse, storeMemory)
	}

	cfg.RPC = rpc.DefaultConfig(c.String("rpc-url"))
	cfg.RPC.WSEndpoint = c.String("ws-url")
	if d := c.Duration("rpc-timeout"); d > 0 {
		cfg.RPC.RequestTimeout = d
	}

	cfg.Bus = bus.DefaultConfig()
	cfg.Bus.HandlerRetries = intOr(c, "handler-retries", cfg.Bus.HandlerRetries)
	cfg.Bus.HandlerRetryDelay = durationOr(c, "handler-retry-delay", cfg.Bus.HandlerRetryDelay)

	cfg.Ingestion = ingestion.DefaultConfig(programID)
	cfg.Ingestion.Commitment = commitment
	cfg.Ingestion.LivenessCheckInterval = durationOr(c, "liveness-interval", cfg.Ingestion.LivenessCheckInterval)
	cfg.Ingestion.LivenessThreshold = durationOr(c, "liveness-threshold", cfg.Ingestion.LivenessThreshold)
	cfg.Ingestion.ReconnectBaseDelay = durationOr(c, "reconnect-base-delay", cfg.Ingestion.ReconnectBaseDelay)
	cfg.Ingestion.MaxReconnectAttempts = intOr(c, "max-reconnect-attempts", cfg.Ingestion.MaxReconnectAttempts)

	cfg.Finality = finality.DefaultConfig()
	cfg.Finality.GracePeriod = durationOr(c, "finality-grace-period", cfg.Finality.GracePeriod)
	if n := c.Int64("finality-concurrency"); n > 0 {
		cfg.Finality.MaxConcurrentChecks = n
	}

	cfg.Backfill = backfill.DefaultConfig(programID)
	if n := c.Uint64("window-size"); n > 0 {
		cfg.Backfill.WindowSize = n
	}
	cfg.Backfill.Pause = durationOr(c, "window-pause", cfg.Backfill.Pause)

	cfg.Reconcile = reconcile.DefaultConfig()
	cfg.Reconcile.RecentWindow = durationOr(c, "reconcile-window", cfg.Reconcile.RecentWindow)
	cfg.Reconcile.Concurrency = intOr(c, "reconcile-concurrency", cfg.Reconcile.Concurrency)
	cfg.Scheduler = reconcile.DefaultSchedulerConfig()
	cfg.Scheduler.Window = cfg.Reconcile.RecentWindow
	cfg.Scheduler.Interval = durationOr(c, "reconcile-interval", cfg.Scheduler.Interval)
	if c.IsSet("reconcile-full-sweep") || c.String("reconcile-full-sweep") != "" {
		cfg.Scheduler.FullSweepSpec = c.String("reconcile-full-sweep")
	}

	cfg.Kafka = kafka.ProducerConfig{
		BootstrapServers:  c.String("kafka-brokers"),
		Topic:             c.String("kafka-topic"),
		ClientID:          c.String("kafka-client-id"),
		NumPartitions:     c.Int("kafka-topic-num-partitions"),
		ReplicationFactor: c.Int("kafka-topic-replication-factor"),
		EnsureTopic:       true,
		FlushTimeout:      kafka.DefaultFlushTimeout,
		EnableLogs:        c.Bool("kafka-enable-logs"),
		EnableIdempotence: true,
	}
	cfg.KafkaForwardFinalized = c.Bool("kafka-forward-finalized")
	if cfg.Kafka.BootstrapServers != "" {
		if err := cfg.Kafka.Validate(); err != nil {
			return nil, err
		}
	}

	cfg.Redis = redis.Config{
		Addr:          c.String("redis-addr"),
		Password:      c.String("redis-password"),
		DB:            c.Int("redis-db"),
		ChannelPrefix: c.String("redis-channel-prefix"),
	}

	switch cfg.ReconcileMode {
	case "", modeRecent, modeAll, modeCleanup:
	default:
		return nil, fmt.Errorf("invalid mode %q: must be one of %s, %s, %s", cfg.ReconcileMode, modeRecent, modeAll, modeCleanup)
	}
	return cfg, nil
}

// buildClickHouseConfig builds a ClickhouseConfig from CLI context flags
func buildClickHouseConfig(c *cli.Context) (clickhouse.ClickhouseConfig, error) {
	// StringSliceFlag does not split a single comma-separated env value.
	hosts := c.StringSlice("clickhouse-hosts")
	if len(hosts) == 1 && strings.Contains(hosts[0], ",") {
		hosts = strings.Split(hosts[0], ",")
		for i, host := range hosts {
			hosts[i] = strings.TrimSpace(host)
		}
	}

	cfg := clickhouse.ClickhouseConfig{
		Hosts:                hosts,
		Database:             c.String("clickhouse-database"),
		Username:             c.String("clickhouse-username"),
		Password:             c.String("clickhouse-password"),
		Debug:                c.Bool("clickhouse-debug"),
		InsecureSkipVerify:   c.Bool("clickhouse-insecure-skip-verify"),
		MaxExecutionTime:     c.Int("clickhouse-max-execution-time"),
		DialTimeout:          c.Int("clickhouse-dial-timeout"),
		MaxOpenConns:         c.Int("clickhouse-max-open-conns"),
		MaxIdleConns:         c.Int("clickhouse-max-idle-conns"),
		ConnMaxLifetime:      c.Int("clickhouse-conn-max-lifetime"),
		BlockBufferSize:      c.Int("clickhouse-block-buffer-size"),
		MaxBlockSize:         c.Int("clickhouse-max-block-size"),
		MaxCompressionBuffer: c.Int("clickhouse-max-compression-buffer"),
		ClientName:           c.String("clickhouse-client-name"),
		ClientVersion:        c.String("clickhouse-client-version"),
	}
	if err := cfg.Validate(); err != nil {
		return clickhouse.ClickhouseConfig{}, err
	}
	return cfg, nil
}

// durationOr returns the flag value, or def when the flag is unset for this command or zero.
func durationOr(c *cli.Context, name string, def time.Duration) time.Duration {
	if d := c.Duration(name); d > 0 {
		return d
	}
	return def
}

func intOr(c *cli.Context, name string, def int) int {
	if n := c.Int(name); n > 0 {
		return n
	}
	return def
}
