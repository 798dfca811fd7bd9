package clickhouse

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ClickhouseConfig holds the configuration for a ClickHouse client.
// MaxBlockSize is the recommended maximum number of rows per block when reading; see
// https://clickhouse.com/docs/operations/settings/settings
type ClickhouseConfig struct {
	Hosts                []string `env:"CLICKHOUSE_HOSTS" envSeparator:"," envDefault:"localhost:9000"`
	Database             string   `env:"CLICKHOUSE_DATABASE" envDefault:"default"`
	Username             string   `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password             string   `env:"CLICKHOUSE_PASSWORD" envDefault:""`
	Debug                bool     `env:"CLICKHOUSE_DEBUG" envDefault:"false"`
	InsecureSkipVerify   bool     `env:"CLICKHOUSE_INSECURE_SKIP_VERIFY" envDefault:"true"`
	MaxExecutionTime     int      `env:"CLICKHOUSE_MAX_EXECUTION_TIME" envDefault:"60"` // seconds
	DialTimeout          int      `env:"CLICKHOUSE_DIAL_TIMEOUT" envDefault:"30"`       // seconds
	MaxOpenConns         int      `env:"CLICKHOUSE_MAX_OPEN_CONNS" envDefault:"5"`
	MaxIdleConns         int      `env:"CLICKHOUSE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime      int      `env:"CLICKHOUSE_CONN_MAX_LIFETIME" envDefault:"10"` // minutes
	BlockBufferSize      int      `env:"CLICKHOUSE_BLOCK_BUFFER_SIZE" envDefault:"10"`
	MaxBlockSize         int      `env:"CLICKHOUSE_MAX_BLOCK_SIZE" envDefault:"1000"`
	MaxCompressionBuffer int      `env:"CLICKHOUSE_MAX_COMPRESSION_BUFFER" envDefault:"10240"` // bytes
	ClientName           string   `env:"CLICKHOUSE_CLIENT_NAME" envDefault:"ledger-sync"`
	ClientVersion        string   `env:"CLICKHOUSE_CLIENT_VERSION" envDefault:"1.0"`
}

// Load reads the configuration from CLICKHOUSE_* environment variables.
func Load() (ClickhouseConfig, error) {
	var cfg ClickhouseConfig
	if err := env.Parse(&cfg); err != nil {
		return ClickhouseConfig{}, fmt.Errorf("failed to parse clickhouse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ClickhouseConfig{}, err
	}
	return cfg, nil
}

func (c ClickhouseConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return errors.New("invalid clickhouse hosts: must not be empty")
	}
	if c.Database == "" {
		return errors.New("invalid clickhouse database: must not be empty")
	}
	if c.BlockBufferSize < 0 || c.BlockBufferSize > 255 {
		return fmt.Errorf("invalid clickhouse block buffer size %d: must be between 0 and 255", c.BlockBufferSize)
	}
	return nil
}
