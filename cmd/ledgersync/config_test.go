package main

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/ledger-sync/pkg/ledger"
)

const testProgram = "DiscPRoGram1111111111111111111111111111111"

// parse runs buildConfig against a throwaway app carrying flags.
func parse(t *testing.T, flags []cli.Flag, args ...string) (*Config, error) {
	t.Helper()
	var (
		cfg      *Config
		buildErr error
	)
	app := &cli.App{
		Name:  "test",
		Flags: flags,
		Action: func(c *cli.Context) error {
			cfg, buildErr = buildConfig(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"test"}, args...)))
	return cfg, buildErr
}

func requiredArgs(extra ...string) []string {
	return append([]string{
		"--rpc-url", "https://ledger.example:8899",
		"--program-id", testProgram,
		"--checkpoint-store", storeMemory,
	}, extra...)
}

func TestBuildConfig_RunDefaults(t *testing.T) {
	cfg, err := parse(t, runFlags(), requiredArgs()...)
	require.NoError(t, err)

	assert.Equal(t, testProgram, cfg.ProgramID)
	assert.Equal(t, ledger.CommitmentConfirmed, cfg.Commitment)
	assert.Equal(t, "ledgersync", cfg.ProcessName)
	assert.Equal(t, "https://ledger.example:8899", cfg.RPC.HTTPEndpoint)
	assert.Equal(t, 15*time.Second, cfg.RPC.RequestTimeout)

	assert.Equal(t, 10000, cfg.DedupCapacity)
	assert.Equal(t, 10, cfg.ErrorRateThreshold)
	assert.Equal(t, time.Minute, cfg.ErrorRateWindow)
	assert.Equal(t, 3, cfg.Bus.HandlerRetries)
	assert.Equal(t, time.Second, cfg.Bus.HandlerRetryDelay)

	assert.Equal(t, testProgram, cfg.Ingestion.Program)
	assert.Equal(t, time.Minute, cfg.Ingestion.LivenessCheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.Ingestion.LivenessThreshold)
	assert.Equal(t, 5*time.Second, cfg.Ingestion.ReconnectBaseDelay)
	assert.Equal(t, 10, cfg.Ingestion.MaxReconnectAttempts)
	assert.Equal(t, 35*time.Second, cfg.Finality.GracePeriod)

	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, time.Hour, cfg.Scheduler.Window)
	assert.Equal(t, "0 0 * * * *", cfg.Scheduler.FullSweepSpec)

	assert.Empty(t, cfg.Kafka.BootstrapServers)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.PostgresURL)
	assert.Equal(t, ":9090", cfg.MetricsAddr())
}

func TestBuildConfig_RunOverrides(t *testing.T) {
	cfg, err := parse(t, runFlags(), requiredArgs(
		"--commitment", "finalized",
		"--finality-grace-period", "10s",
		"--max-reconnect-attempts", "3",
		"--reconcile-full-sweep", "",
		"--kafka-brokers", "broker:9092",
		"--kafka-topic-num-partitions", "6",
		"--metrics-host", "127.0.0.1",
	)...)
	require.NoError(t, err)

	assert.Equal(t, ledger.CommitmentFinalized, cfg.Commitment)
	assert.Equal(t, ledger.CommitmentFinalized, cfg.Ingestion.Commitment)
	assert.Equal(t, 10*time.Second, cfg.Finality.GracePeriod)
	assert.Equal(t, 3, cfg.Ingestion.MaxReconnectAttempts)
	assert.Empty(t, cfg.Scheduler.FullSweepSpec)
	assert.Equal(t, "broker:9092", cfg.Kafka.BootstrapServers)
	assert.Equal(t, 6, cfg.Kafka.NumPartitions)
	assert.Equal(t, "ledger-events", cfg.Kafka.Topic)
	assert.Equal(t, "127.0.0.1:9090", cfg.MetricsAddr())
}

func TestBuildConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "bad commitment",
			args:    requiredArgs("--commitment", "rooted"),
			wantErr: "invalid commitment: must be one of processed, confirmed, finalized",
		},
		{
			name:    "bad store",
			args:    requiredArgs("--checkpoint-store", "s3"),
			wantErr: `invalid checkpoint store "s3": must be clickhouse or memory`,
		},
		{
			name:    "empty process name",
			args:    requiredArgs("--process-name", ""),
			wantErr: "process-name is required",
		},
		{
			name:    "kafka topic without partitions",
			args:    requiredArgs("--kafka-brokers", "broker:9092", "--kafka-topic-num-partitions", "0"),
			wantErr: "number of partitions must be > 0, got 0",
		},
		{
			name:    "clickhouse buffer out of range",
			args:    requiredArgs("--checkpoint-store", storeClickHouse, "--clickhouse-block-buffer-size", "300"),
			wantErr: "failed to build ClickHouse config: invalid clickhouse block buffer size 300: must be between 0 and 255",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, runFlags(), tt.args...)
			require.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestBuildConfig_ClickHouseHostsSplit(t *testing.T) {
	cfg, err := parse(t, runFlags(), requiredArgs(
		"--checkpoint-store", storeClickHouse,
		"--clickhouse-hosts", "ch-1:9000,ch-2:9000",
		"--clickhouse-database", "ledger",
	)...)
	require.NoError(t, err)
	assert.Equal(t, []string{"ch-1:9000", "ch-2:9000"}, cfg.ClickHouse.Hosts)
	assert.Equal(t, "ledger", cfg.ClickHouse.Database)
}

func TestBuildConfig_Backfill(t *testing.T) {
	cfg, err := parse(t, backfillFlags(), requiredArgs("--from", "1000", "--to", "1999", "--window-size", "50")...)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), cfg.From)
	assert.Equal(t, uint64(1999), cfg.To)
	assert.Equal(t, uint64(50), cfg.Backfill.WindowSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Backfill.Pause)
	assert.Equal(t, testProgram, cfg.Backfill.Program)
	// run-only flags fall back to defaults.
	assert.Equal(t, 35*time.Second, cfg.Finality.GracePeriod)
}

func TestBuildConfig_ReconcileMode(t *testing.T) {
	cfg, err := parse(t, reconcileFlags(), requiredArgs("--mode", modeAll, "--reconcile-window", "30m")...)
	require.NoError(t, err)
	assert.Equal(t, modeAll, cfg.ReconcileMode)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.RecentWindow)

	_, err = parse(t, reconcileFlags(), requiredArgs("--mode", "partial")...)
	require.EqualError(t, err, `invalid mode "partial": must be one of recent, all, cleanup`)
}

func TestNewApp_Commands(t *testing.T) {
	app := newApp()
	var names []string
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"run", "backfill", "reconcile", "checkpoint"}, names)
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGINT", signalName(os.Interrupt))
	assert.Equal(t, "SIGTERM", signalName(syscall.SIGTERM))
	assert.Equal(t, "received SIGTERM", (&shutdownSignal{sig: syscall.SIGTERM}).Error())
}
