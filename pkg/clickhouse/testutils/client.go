// Package testutils wraps mock ClickHouse connections in the clickhouse.Client shape.
package testutils

import (
	"context"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Client is clickhouse.Client restated here so the checkpoint store tests avoid an import cycle.
type Client interface {
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

// NewTestClient wraps conn without dialing or pinging. Close reaches conn at most once.
func NewTestClient(conn driver.Conn, sugar *zap.SugaredLogger) Client {
	return &mockedClient{conn: conn, log: sugar}
}

type mockedClient struct {
	conn      driver.Conn
	log       *zap.SugaredLogger
	closeOnce sync.Once
	closeErr  error
}

func (c *mockedClient) Conn() driver.Conn { return c.conn }

func (c *mockedClient) Ping(ctx context.Context) error {
	c.log.Debug("pinging clickhouse")
	return c.conn.Ping(ctx)
}

func (c *mockedClient) Close() error {
	c.closeOnce.Do(func() {
		c.log.Debug("closing clickhouse connection")
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
