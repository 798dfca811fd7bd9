// Package checkpoint stores ingestion checkpoints in ClickHouse.
package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/ledger-sync/pkg/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/clickhouse"
)

const DefaultTableName = "sync_checkpoints"

//go:embed queries/create-table.sql
var createTableQuery string

//go:embed queries/upsert-checkpoint.sql
var upsertCheckpointQuery string

//go:embed queries/read-checkpoint.sql
var readCheckpointQuery string

// Repository keeps one row per process name in a ReplacingMergeTree. Each upsert inserts a new
// row with a higher version; reads use FINAL so only the latest version is visible.
type Repository struct {
	client    clickhouse.Client
	database  string
	tableName string
	now       func() time.Time
}

var _ checkpoint.Store = (*Repository)(nil)

func NewRepository(client clickhouse.Client, database, tableName string) (*Repository, error) {
	if client == nil {
		return nil, errors.New("invalid clickhouse client: must not be nil")
	}
	if database == "" {
		return nil, errors.New("invalid database: must not be empty")
	}
	if tableName == "" {
		tableName = DefaultTableName
	}
	return &Repository{client: client, database: database, tableName: tableName, now: time.Now}, nil
}

// Initialize creates the checkpoints table if it does not exist.
func (r *Repository) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(createTableQuery, r.database, r.tableName)
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

// Get returns the latest checkpoint of processName, or nil when none was written.
func (r *Repository) Get(ctx context.Context, processName string) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	query := fmt.Sprintf(readCheckpointQuery, r.database, r.tableName)
	err := r.client.Conn().
		QueryRow(ctx, query, processName).
		Scan(
			&cp.ProcessName,
			&cp.LastProcessedPosition,
			&cp.LastProcessedTxID,
			&cp.LastSyncTime,
			&cp.Healthy,
			&cp.ConsecutiveErrorCount,
			&cp.LastErrorMessage,
		)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return &cp, nil
}

// Upsert inserts cp as the newest version for its process name.
func (r *Repository) Upsert(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp == nil || cp.ProcessName == "" {
		return errors.New("invalid checkpoint: process name must not be empty")
	}
	query := fmt.Sprintf(upsertCheckpointQuery, r.database, r.tableName)
	err := r.client.Conn().Exec(ctx, query,
		cp.ProcessName,
		cp.LastProcessedPosition,
		cp.LastProcessedTxID,
		cp.LastSyncTime.UTC(),
		cp.Healthy,
		cp.ConsecutiveErrorCount,
		cp.LastErrorMessage,
		r.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
