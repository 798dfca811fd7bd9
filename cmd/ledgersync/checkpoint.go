package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/ledger-sync/pkg/clickhouse"
	"github.com/ava-labs/ledger-sync/pkg/data/clickhouse/checkpoint"
	"github.com/ava-labs/ledger-sync/pkg/utils"
)

// showCheckpoint prints the stored checkpoint of a process as JSON.
func showCheckpoint(c *cli.Context) error {
	ctx := context.Background()
	sugar, err := utils.NewSugaredLogger("checkpoint", c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	processName := c.String("process-name")
	chCfg, err := buildClickHouseConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build ClickHouse config: %w", err)
	}

	chClient, err := clickhouse.New(chCfg, sugar)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer chClient.Close()

	repo, err := checkpoint.NewRepository(chClient, chCfg.Database, c.String("checkpoint-table-name"))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint repository: %w", err)
	}
	cp, err := repo.Get(ctx, processName)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint stored for %q", processName)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cp)
}
