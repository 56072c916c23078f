package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jonboulle/clockwork"
)

// Compactor downsamples old intraday snapshots: for data older than the
// retention threshold it keeps only the final observation per
// (entity, provider, metrics_date) and drops the earlier intraday rows.
// Nothing else ever deletes snapshot rows.
type CompactorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Conn   driver.Conn

	// Retention is how long full intraday resolution is kept.
	Retention time.Duration
}

const defaultRetention = 30 * 24 * time.Hour

func (c *CompactorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	return nil
}

type Compactor struct {
	cfg *CompactorConfig
}

func NewCompactor(cfg *CompactorConfig) (*Compactor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Compactor{cfg: cfg}, nil
}

// Run issues the compaction mutation for rows past the retention cutoff.
func (c *Compactor) Run(ctx context.Context) error {
	cutoff := c.cfg.Clock.Now().UTC().Add(-c.cfg.Retention)
	done := beginStage(c.cfg.Logger, "compactor", "compact", slog.Time("cutoff", cutoff))

	err := c.cfg.Conn.Exec(ctx, `
		ALTER TABLE `+snapshotTable+` DELETE
		WHERE captured_at < ?
		AND (workspace_id, entity_id, provider, metrics_date, captured_at) NOT IN (
			SELECT workspace_id, entity_id, provider, metrics_date, max(captured_at)
			FROM `+snapshotTable+`
			WHERE captured_at < ?
			GROUP BY workspace_id, entity_id, provider, metrics_date
		)
	`, cutoff, cutoff)
	done(err)
	return err
}
