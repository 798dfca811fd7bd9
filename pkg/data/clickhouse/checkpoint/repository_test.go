package checkpoint

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/ledger-sync/pkg/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/clickhouse/mocks"
	"github.com/ava-labs/ledger-sync/pkg/clickhouse/testutils"
)

func checkpointRow(cp checkpoint.Checkpoint) mocks.Row {
	return mocks.Row{Values: []any{
		cp.ProcessName,
		cp.LastProcessedPosition,
		cp.LastProcessedTxID,
		cp.LastSyncTime,
		cp.Healthy,
		cp.ConsecutiveErrorCount,
		cp.LastErrorMessage,
	}}
}

func newRepo(t *testing.T, conn *mocks.MockConn) *Repository {
	t.Helper()
	repo, err := NewRepository(testutils.NewTestClient(conn, zaptest.NewLogger(t).Sugar()), "ledger", "")
	require.NoError(t, err)
	return repo
}

func TestNewRepository_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewRepository(nil, "ledger", "t")
	require.EqualError(t, err, "invalid clickhouse client: must not be nil")

	conn := &mocks.MockConn{}
	_, err = NewRepository(testutils.NewTestClient(conn, zaptest.NewLogger(t).Sugar()), "", "t")
	require.EqualError(t, err, "invalid database: must not be empty")

	repo := newRepo(t, conn)
	assert.Equal(t, DefaultTableName, repo.tableName)
}

func TestRepository_Initialize(t *testing.T) {
	t.Parallel()
	conn := &mocks.MockConn{}
	conn.On("Exec", mock.Anything, mock.MatchedBy(func(q string) bool {
		return strings.Contains(q, "CREATE TABLE IF NOT EXISTS ledger.sync_checkpoints") &&
			strings.Contains(q, "ReplacingMergeTree(version)") &&
			strings.Contains(q, "ORDER BY process_name")
	})).Return(nil).Once()

	require.NoError(t, newRepo(t, conn).Initialize(t.Context()))
	conn.AssertExpectations(t)
}

func TestRepository_Initialize_Error(t *testing.T) {
	t.Parallel()
	conn := &mocks.MockConn{}
	conn.On("Exec", mock.Anything, mock.Anything).Return(errors.New("read only"))

	err := newRepo(t, conn).Initialize(t.Context())
	require.EqualError(t, err, "failed to create checkpoints table: read only")
}

func TestRepository_Upsert(t *testing.T) {
	t.Parallel()
	conn := &mocks.MockConn{}
	repo := newRepo(t, conn)
	repo.now = func() time.Time { return time.Unix(0, 42) }

	synced := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	conn.On("Exec", mock.Anything,
		mock.MatchedBy(func(q string) bool { return strings.HasPrefix(q, "INSERT INTO ledger.sync_checkpoints") }),
		"discount-indexer", uint64(500), "sig-1", synced.UTC(), false, uint64(2), "boom", int64(42),
	).Return(nil).Once()

	err := repo.Upsert(t.Context(), &checkpoint.Checkpoint{
		ProcessName:           "discount-indexer",
		LastProcessedPosition: 500,
		LastProcessedTxID:     "sig-1",
		LastSyncTime:          synced,
		Healthy:               false,
		ConsecutiveErrorCount: 2,
		LastErrorMessage:      "boom",
	})
	require.NoError(t, err)
	conn.AssertExpectations(t)
}

func TestRepository_Upsert_Errors(t *testing.T) {
	t.Parallel()
	conn := &mocks.MockConn{}
	conn.On("Exec", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("timeout"))
	repo := newRepo(t, conn)

	require.EqualError(t, repo.Upsert(t.Context(), &checkpoint.Checkpoint{}), "invalid checkpoint: process name must not be empty")
	err := repo.Upsert(t.Context(), &checkpoint.Checkpoint{ProcessName: "p"})
	require.EqualError(t, err, "failed to write checkpoint: timeout")
}

func TestRepository_Get(t *testing.T) {
	t.Parallel()
	want := checkpoint.Checkpoint{
		ProcessName:           "discount-indexer",
		LastProcessedPosition: 900,
		LastProcessedTxID:     "sig-9",
		LastSyncTime:          time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Healthy:               true,
	}
	conn := &mocks.MockConn{}
	conn.On("QueryRow", mock.Anything,
		mock.MatchedBy(func(q string) bool { return strings.Contains(q, "FROM ledger.sync_checkpoints FINAL") }),
		"discount-indexer",
	).Return(checkpointRow(want)).Once()

	got, err := newRepo(t, conn).Get(t.Context(), "discount-indexer")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
	conn.AssertExpectations(t)
}

func TestRepository_Get_Missing(t *testing.T) {
	t.Parallel()
	conn := &mocks.MockConn{}
	conn.On("QueryRow", mock.Anything, mock.Anything, "new-process").Return(mocks.Row{ScanErr: sql.ErrNoRows})

	got, err := newRepo(t, conn).Get(t.Context(), "new-process")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_Get_Error(t *testing.T) {
	t.Parallel()
	conn := &mocks.MockConn{}
	conn.On("QueryRow", mock.Anything, mock.Anything, "p").Return(mocks.Row{ScanErr: errors.New("connection reset")})

	_, err := newRepo(t, conn).Get(t.Context(), "p")
	require.EqualError(t, err, "failed to read checkpoint: connection reset")
}
