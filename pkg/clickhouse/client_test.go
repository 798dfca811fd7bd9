package clickhouse

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/ledger-sync/pkg/clickhouse/mocks"
	"github.com/ava-labs/ledger-sync/pkg/clickhouse/testutils"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"CLICKHOUSE_HOSTS", "CLICKHOUSE_DATABASE", "CLICKHOUSE_USERNAME", "CLICKHOUSE_DEBUG"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9000"}, cfg.Hosts)
	assert.Equal(t, "default", cfg.Database)
	assert.Equal(t, "default", cfg.Username)
	assert.False(t, cfg.Debug)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, 60, cfg.MaxExecutionTime)
	assert.Equal(t, 10, cfg.BlockBufferSize)
	assert.Equal(t, "ledger-sync", cfg.ClientName)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOSTS", "ch-1:9000,ch-2:9000")
	t.Setenv("CLICKHOUSE_DATABASE", "ledger")
	t.Setenv("CLICKHOUSE_DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"ch-1:9000", "ch-2:9000"}, cfg.Hosts)
	assert.Equal(t, "ledger", cfg.Database)
	assert.True(t, cfg.Debug)
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("CLICKHOUSE_DIAL_TIMEOUT", "soon")

	_, err := Load()
	require.ErrorContains(t, err, "failed to parse clickhouse config")
}

func TestClickhouseConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClickhouseConfig
		wantErr string
	}{
		{"no hosts", ClickhouseConfig{Database: "d"}, "invalid clickhouse hosts: must not be empty"},
		{"no database", ClickhouseConfig{Hosts: []string{"h:9000"}}, "invalid clickhouse database: must not be empty"},
		{"buffer too large", ClickhouseConfig{Hosts: []string{"h:9000"}, Database: "d", BlockBufferSize: 300}, "invalid clickhouse block buffer size 300: must be between 0 and 255"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.EqualError(t, tt.cfg.Validate(), tt.wantErr)
			_, err := New(tt.cfg, zaptest.NewLogger(t).Sugar())
			require.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	cfg := ClickhouseConfig{
		Hosts:       []string{"invalid:99999"},
		Database:    "test",
		Username:    "test",
		Debug:       true,
		DialTimeout: 1,
	}

	c, err := New(cfg, zaptest.NewLogger(t).Sugar())

	var addrErr *net.AddrError
	require.ErrorAs(t, err, &addrErr)
	assert.Equal(t, "invalid port", addrErr.Err)
	assert.Nil(t, c)
}

func TestClient_DelegatesToConn(t *testing.T) {
	conn := &mocks.MockConn{}
	conn.On("Ping", t.Context()).Return(nil).Once()
	conn.On("Close").Return(errors.New("already closed")).Once()

	c := testutils.NewTestClient(conn, zaptest.NewLogger(t).Sugar())

	assert.Same(t, conn, c.Conn())
	require.NoError(t, c.Ping(t.Context()))
	require.EqualError(t, c.Close(), "already closed")
	require.EqualError(t, c.Close(), "already closed")
	conn.AssertExpectations(t)
	conn.AssertNumberOfCalls(t, "Close", 1)
}
