//go:build integration
// +build integration

package clickhouse

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/ledger-sync/pkg/utils"
)

var testClickHouseClient Client

// loadTestEnv loads .env.test next to this file, when present.
func loadTestEnv() error {
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		return nil
	}
	return godotenv.Load(filepath.Join(filepath.Dir(currentFile), ".env.test"))
}

// TestMain requires a running ClickHouse; tests fail rather than skip without one.
func TestMain(m *testing.M) {
	if err := loadTestEnv(); err != nil {
		log.Printf("integration: could not load .env.test: %v (using defaults)", err)
	}

	cfg, err := Load()
	if err != nil {
		log.Fatalf("integration: %v", err)
	}
	cfg.DialTimeout = 5

	sugar, err := utils.NewSugaredLogger("clickhouse-integration", true)
	if err != nil {
		log.Fatalf("integration: failed to create logger: %v", err)
	}

	testClickHouseClient, err = New(cfg, sugar)
	if err != nil {
		log.Fatalf("integration: failed to open ClickHouse connection: %v", err)
	}

	code := m.Run()
	_ = testClickHouseClient.Close()
	os.Exit(code)
}

func TestClient_PingAndClose(t *testing.T) {
	require.NotNil(t, testClickHouseClient.Conn())
	require.NoError(t, testClickHouseClient.Ping(context.Background()))

	cfg, err := Load()
	require.NoError(t, err)
	sugar, err := utils.NewSugaredLogger("clickhouse-integration", true)
	require.NoError(t, err)

	tmp, err := New(cfg, sugar)
	require.NoError(t, err)
	assert.NoError(t, tmp.Close())
}

func TestNew_AuthenticationException(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Username = "invaliduser"
	cfg.Password = "invalidpass"

	sugar, err := utils.NewSugaredLogger("clickhouse-integration", true)
	require.NoError(t, err)

	c, err := New(cfg, sugar)
	require.Error(t, err)
	assert.Nil(t, c)

	var exception *clickhouse.Exception
	require.True(t, errors.As(err, &exception), "got %T", err)
	assert.NotZero(t, exception.Code)
	assert.NotEmpty(t, exception.Message)
}
