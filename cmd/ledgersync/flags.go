package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

const (
	storeClickHouse = "clickhouse"
	storeMemory     = "memory"
)

// commonFlags are shared by every command that talks to the ledger.
func commonFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
		&cli.StringFlag{
			Name:     "rpc-url",
			Aliases:  []string{"r"},
			Usage:    "The HTTP(S) JSON-RPC URL of the ledger node",
			EnvVars:  []string{"RPC_URL"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "ws-url",
			Usage:   "The websocket URL for log subscriptions. Derived from rpc-url when empty",
			EnvVars: []string{"WS_URL"},
		},
		&cli.DurationFlag{
			Name:    "rpc-timeout",
			Usage:   "Timeout of each RPC request",
			EnvVars: []string{"RPC_TIMEOUT"},
			Value:   15 * time.Second,
		},
		&cli.StringFlag{
			Name:     "program-id",
			Aliases:  []string{"p"},
			Usage:    "The address of the program whose events are followed",
			EnvVars:  []string{"PROGRAM_ID"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "commitment",
			Aliases: []string{"c"},
			Usage:   "Commitment tier of the log subscription (processed, confirmed, finalized)",
			EnvVars: []string{"COMMITMENT"},
			Value:   "confirmed",
		},
		&cli.StringFlag{
			Name:    "process-name",
			Usage:   "The checkpoint key of this process",
			EnvVars: []string{"PROCESS_NAME"},
			Value:   "ledgersync",
		},
		&cli.StringFlag{
			Name:    "checkpoint-store",
			Usage:   "Where checkpoints are kept (clickhouse, memory)",
			EnvVars: []string{"CHECKPOINT_STORE"},
			Value:   storeClickHouse,
		},
		&cli.StringFlag{
			Name:    "checkpoint-table-name",
			Aliases: []string{"T"},
			Usage:   "The ClickHouse table checkpoints are written to",
			EnvVars: []string{"CHECKPOINT_TABLE_NAME"},
			Value:   "sync_checkpoints",
		},
	}
	return append(flags, clickHouseFlags()...)
}

// runFlags returns all CLI flags for the run command.
func runFlags() []cli.Flag {
	flags := append(commonFlags(), dispatchFlags()...)
	flags = append(flags, projectionFlags()...)
	flags = append(flags,
		&cli.DurationFlag{
			Name:    "liveness-interval",
			Usage:   "How often the subscription is checked for silence",
			EnvVars: []string{"LIVENESS_INTERVAL"},
			Value:   time.Minute,
		},
		&cli.DurationFlag{
			Name:    "liveness-threshold",
			Usage:   "Silence after which the subscription is reopened",
			EnvVars: []string{"LIVENESS_THRESHOLD"},
			Value:   5 * time.Minute,
		},
		&cli.DurationFlag{
			Name:    "reconnect-base-delay",
			Usage:   "Reconnect delay, multiplied by the attempt number",
			EnvVars: []string{"RECONNECT_BASE_DELAY"},
			Value:   5 * time.Second,
		},
		&cli.IntFlag{
			Name:    "max-reconnect-attempts",
			Usage:   "Reconnect attempts before the process gives up",
			EnvVars: []string{"MAX_RECONNECT_ATTEMPTS"},
			Value:   10,
		},
		&cli.DurationFlag{
			Name:    "finality-grace-period",
			Usage:   "Delay between dispatch and the finality check of an event",
			EnvVars: []string{"FINALITY_GRACE_PERIOD"},
			Value:   35 * time.Second,
		},
		&cli.Int64Flag{
			Name:    "finality-concurrency",
			Usage:   "Maximum concurrent finality checks",
			EnvVars: []string{"FINALITY_CONCURRENCY"},
			Value:   16,
		},
		&cli.DurationFlag{
			Name:    "reconcile-interval",
			Usage:   "Interval between recent reconciliation passes",
			EnvVars: []string{"RECONCILE_INTERVAL"},
			Value:   5 * time.Minute,
		},
		&cli.StringFlag{
			Name:    "reconcile-full-sweep",
			Usage:   "Cron spec (with seconds) of full reconciliation sweeps. Empty disables them",
			EnvVars: []string{"RECONCILE_FULL_SWEEP"},
			Value:   "0 0 * * * *",
		},
		&cli.DurationFlag{
			Name:    "lag-watchdog-interval",
			Usage:   "How often the checkpoint lag is measured",
			EnvVars: []string{"LAG_WATCHDOG_INTERVAL"},
			Value:   time.Minute,
		},
		&cli.Uint64Flag{
			Name:    "lag-watchdog-max-lag",
			Usage:   "Checkpoint lag, in positions, above which a warning is logged",
			EnvVars: []string{"LAG_WATCHDOG_MAX_LAG"},
			Value:   1000,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host of the metrics and health server",
			EnvVars: []string{"METRICS_HOST"},
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port of the metrics and health server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment label (e.g. production, staging)",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region label",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider label",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	)
	return flags
}

// backfillFlags returns all CLI flags for the backfill command.
func backfillFlags() []cli.Flag {
	flags := append(commonFlags(), dispatchFlags()...)
	return append(flags,
		&cli.Uint64Flag{
			Name:     "from",
			Aliases:  []string{"s"},
			Usage:    "First position of the range",
			EnvVars:  []string{"BACKFILL_FROM"},
			Required: true,
		},
		&cli.Uint64Flag{
			Name:    "to",
			Aliases: []string{"e"},
			Usage:   "Last position of the range. Zero means the current finalized position",
			EnvVars: []string{"BACKFILL_TO"},
		},
		&cli.Uint64Flag{
			Name:    "window-size",
			Usage:   "Positions fetched per window",
			EnvVars: []string{"BACKFILL_WINDOW_SIZE"},
			Value:   100,
		},
		&cli.DurationFlag{
			Name:    "window-pause",
			Usage:   "Pause between windows",
			EnvVars: []string{"BACKFILL_WINDOW_PAUSE"},
			Value:   100 * time.Millisecond,
		},
	)
}

// reconcileFlags returns all CLI flags for the reconcile command.
func reconcileFlags() []cli.Flag {
	return append(commonFlags(), append(projectionFlags(),
		&cli.StringFlag{
			Name:    "mode",
			Aliases: []string{"m"},
			Usage:   "Pass to run (recent, all, cleanup)",
			EnvVars: []string{"RECONCILE_MODE"},
			Value:   modeRecent,
		},
	)...)
}

// dispatchFlags configure the bus and its downstream sinks.
func dispatchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "handler-retries",
			Usage:   "Attempts per handler call",
			EnvVars: []string{"HANDLER_RETRIES"},
			Value:   3,
		},
		&cli.DurationFlag{
			Name:    "handler-retry-delay",
			Usage:   "Delay between handler attempts, multiplied by the attempt number",
			EnvVars: []string{"HANDLER_RETRY_DELAY"},
			Value:   time.Second,
		},
		&cli.IntFlag{
			Name:    "dedup-capacity",
			Usage:   "Number of recently dispatched transactions remembered",
			EnvVars: []string{"DEDUP_CAPACITY"},
			Value:   10000,
		},
		&cli.IntFlag{
			Name:    "error-rate-threshold",
			Usage:   "Errors per window that raise high-error-rate",
			EnvVars: []string{"ERROR_RATE_THRESHOLD"},
			Value:   10,
		},
		&cli.DurationFlag{
			Name:    "error-rate-window",
			Usage:   "Window of the error rate tracker",
			EnvVars: []string{"ERROR_RATE_WINDOW"},
			Value:   time.Minute,
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers of the event sink (comma-separated). Empty disables the sink",
			EnvVars: []string{"KAFKA_BOOTSTRAP_SERVERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-topic",
			Aliases: []string{"t"},
			Usage:   "The Kafka topic events are forwarded to",
			EnvVars: []string{"KAFKA_TOPIC"},
			Value:   "ledger-events",
		},
		&cli.StringFlag{
			Name:    "kafka-client-id",
			Usage:   "The Kafka client ID to use",
			EnvVars: []string{"KAFKA_CLIENT_ID"},
			Value:   "ledgersync",
		},
		&cli.IntFlag{
			Name:    "kafka-topic-num-partitions",
			Usage:   "Partitions of the Kafka topic",
			EnvVars: []string{"KAFKA_TOPIC_PARTITIONS"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "kafka-topic-replication-factor",
			Usage:   "Replication factor of the Kafka topic",
			EnvVars: []string{"KAFKA_TOPIC_REPLICATION"},
			Value:   1,
		},
		&cli.BoolFlag{
			Name:    "kafka-forward-finalized",
			Usage:   "Also forward transaction-finalized notifications",
			EnvVars: []string{"KAFKA_FORWARD_FINALIZED"},
			Value:   true,
		},
		&cli.BoolFlag{
			Name:    "kafka-enable-logs",
			Usage:   "Enable librdkafka client logs",
			EnvVars: []string{"KAFKA_ENABLE_LOGS"},
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address signals are published to. Empty disables publishing",
			EnvVars: []string{"REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			EnvVars: []string{"REDIS_PASSWORD"},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database",
			EnvVars: []string{"REDIS_DB"},
		},
		&cli.StringFlag{
			Name:    "redis-channel-prefix",
			Usage:   "Prefix of the Redis channels, as <prefix>:<signal>",
			EnvVars: []string{"REDIS_CHANNEL_PREFIX"},
			Value:   "ledgersync",
		},
	}
}

// projectionFlags configure the reconciled projection store.
func projectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "postgres-url",
			Usage:   "PostgreSQL URL of the projection. Empty disables reconciliation",
			EnvVars: []string{"POSTGRES_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "postgres-max-conns",
			Usage:   "Maximum connections to PostgreSQL",
			EnvVars: []string{"POSTGRES_MAX_CONNS"},
			Value:   8,
		},
		&cli.DurationFlag{
			Name:    "reconcile-window",
			Usage:   "Working-set window of recent reconciliation passes",
			EnvVars: []string{"RECONCILE_WINDOW"},
			Value:   time.Hour,
		},
		&cli.IntFlag{
			Name:    "reconcile-concurrency",
			Usage:   "Concurrent account reads within a reconciliation pass",
			EnvVars: []string{"RECONCILE_CONCURRENCY"},
			Value:   4,
		},
	}
}

// checkpointFlags returns the flags of the checkpoint command.
func checkpointFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "process-name",
			Usage:   "The checkpoint key to show",
			EnvVars: []string{"PROCESS_NAME"},
			Value:   "ledgersync",
		},
		&cli.StringFlag{
			Name:    "checkpoint-table-name",
			Aliases: []string{"T"},
			Usage:   "The ClickHouse table checkpoints are written to",
			EnvVars: []string{"CHECKPOINT_TABLE_NAME"},
			Value:   "sync_checkpoints",
		},
	}
	return append(flags, clickHouseFlags()...)
}

func clickHouseFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "clickhouse-hosts",
			Usage:   "ClickHouse server hosts (comma-separated)",
			EnvVars: []string{"CLICKHOUSE_HOSTS"},
			Value:   cli.NewStringSlice("localhost:9000"),
		},
		&cli.StringFlag{
			Name:    "clickhouse-database",
			Usage:   "ClickHouse database name",
			EnvVars: []string{"CLICKHOUSE_DATABASE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "clickhouse-username",
			Usage:   "ClickHouse username",
			EnvVars: []string{"CLICKHOUSE_USERNAME"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "clickhouse-password",
			Usage:   "ClickHouse password",
			EnvVars: []string{"CLICKHOUSE_PASSWORD"},
		},
		&cli.BoolFlag{
			Name:    "clickhouse-debug",
			Usage:   "Enable ClickHouse debug logging",
			EnvVars: []string{"CLICKHOUSE_DEBUG"},
		},
		&cli.BoolFlag{
			Name:    "clickhouse-insecure-skip-verify",
			Usage:   "Skip TLS certificate verification for ClickHouse",
			EnvVars: []string{"CLICKHOUSE_INSECURE_SKIP_VERIFY"},
			Value:   true,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-execution-time",
			Usage:   "ClickHouse max execution time in seconds",
			EnvVars: []string{"CLICKHOUSE_MAX_EXECUTION_TIME"},
			Value:   60,
		},
		&cli.IntFlag{
			Name:    "clickhouse-dial-timeout",
			Usage:   "ClickHouse dial timeout in seconds",
			EnvVars: []string{"CLICKHOUSE_DIAL_TIMEOUT"},
			Value:   30,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-open-conns",
			Usage:   "ClickHouse maximum open connections",
			EnvVars: []string{"CLICKHOUSE_MAX_OPEN_CONNS"},
			Value:   5,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-idle-conns",
			Usage:   "ClickHouse maximum idle connections",
			EnvVars: []string{"CLICKHOUSE_MAX_IDLE_CONNS"},
			Value:   5,
		},
		&cli.IntFlag{
			Name:    "clickhouse-conn-max-lifetime",
			Usage:   "ClickHouse connection max lifetime in minutes",
			EnvVars: []string{"CLICKHOUSE_CONN_MAX_LIFETIME"},
			Value:   10,
		},
		&cli.IntFlag{
			Name:    "clickhouse-block-buffer-size",
			Usage:   "ClickHouse block buffer size",
			EnvVars: []string{"CLICKHOUSE_BLOCK_BUFFER_SIZE"},
			Value:   10,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-block-size",
			Usage:   "ClickHouse max block size (recommended maximum number of rows in a single block)",
			EnvVars: []string{"CLICKHOUSE_MAX_BLOCK_SIZE"},
			Value:   1000,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-compression-buffer",
			Usage:   "ClickHouse max compression buffer in bytes",
			EnvVars: []string{"CLICKHOUSE_MAX_COMPRESSION_BUFFER"},
			Value:   10240,
		},
		&cli.StringFlag{
			Name:    "clickhouse-client-name",
			Usage:   "ClickHouse client name for ClientInfo",
			EnvVars: []string{"CLICKHOUSE_CLIENT_NAME"},
			Value:   "ledger-sync",
		},
		&cli.StringFlag{
			Name:    "clickhouse-client-version",
			Usage:   "ClickHouse client version for ClientInfo",
			EnvVars: []string{"CLICKHOUSE_CLIENT_VERSION"},
			Value:   "1.0",
		},
	}
}
