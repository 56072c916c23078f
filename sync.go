package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adlens/adlens/models"
	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

// RateLimitError signals a provider quota/rate-limit response. It is an
// expected operating condition, not a bug: the connection goes into
// cooldown instead of retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// PermanentError signals a failure that retrying cannot fix (auth
// expired, provider account removed). It is surfaced and never retried.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// SyncerConfig wires the snapshot sync pipeline.
type SyncerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    models.AppStore
	Sink     models.SnapshotSink
	Fetchers map[models.Provider]models.ProviderFetcher

	// Workers caps concurrent connection syncs per pass.
	Workers int

	// SyncTimeout bounds a single connection sync.
	SyncTimeout time.Duration

	// Cooldown is how long a rate-limited connection is skipped when the
	// provider does not say.
	Cooldown time.Duration

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries uint
}

const (
	defaultSyncWorkers = 5
	defaultSyncTimeout = 2 * time.Minute
	defaultCooldown    = 15 * time.Minute
	defaultMaxRetries  = 3
)

func (c *SyncerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Sink == nil {
		return errors.New("sink is required")
	}
	if len(c.Fetchers) == 0 {
		return errors.New("at least one provider fetcher is required")
	}
	if c.Workers <= 0 {
		c.Workers = defaultSyncWorkers
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return nil
}

// Syncer pulls provider metrics for due connections and writes deduped
// snapshots. Connections sync independently; no cross-connection ordering
// exists.
type Syncer struct {
	cfg  *SyncerConfig
	pool pond.Pool
}

// NewSyncer validates the config and builds the bounded worker pool.
func NewSyncer(cfg *SyncerConfig) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Syncer{
		cfg:  cfg,
		pool: pond.NewPool(cfg.Workers),
	}, nil
}

// RunPass syncs every due connection, bounded by the worker pool, and
// waits for the pass to finish.
func (s *Syncer) RunPass(ctx context.Context, mode models.SyncMode) error {
	now := s.cfg.Clock.Now()
	conns, err := s.cfg.Store.DueConnections(now)
	if err != nil {
		return fmt.Errorf("list due connections: %w", err)
	}
	group := s.pool.NewGroup()
	for _, conn := range conns {
		conn := conn
		group.SubmitErr(func() error {
			return s.SyncConnection(ctx, conn, mode)
		})
	}
	return group.Wait()
}

// resolveEntityScope decides how much entity reconciliation this pass
// performs. Realtime connections get the full discovery pass only on
// half-hour boundaries and a lighter active-only refresh otherwise; every
// non-realtime sync reconciles fully.
func resolveEntityScope(frequency string, mode models.SyncMode, now time.Time) models.EntityScope {
	if mode != models.SyncRealtime || frequency != "realtime" {
		return models.ScopeFull
	}
	if now.Minute()%30 == 0 {
		return models.ScopeFull
	}
	return models.ScopeActive
}

// SyncConnection performs one full sync of a connection: entity
// reconciliation, metric fetch with bounded retries, timestamp
// resolution, change-detected writes and transactional counter updates.
func (s *Syncer) SyncConnection(ctx context.Context, conn models.Connection, mode models.SyncMode) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	log := s.cfg.Logger.With(
		slog.String("connection", conn.ID),
		slog.String("workspace", conn.WorkspaceID),
		slog.String("provider", string(conn.Provider)),
		slog.String("mode", string(mode)))
	done := beginStage(log, "syncer", "sync_connection")

	outcome, err := s.syncOnce(ctx, log, conn, mode)
	outcome.FinishedAt = s.cfg.Clock.Now()

	var rle *RateLimitError
	if errors.As(err, &rle) {
		cooldown := s.cfg.Cooldown
		if rle.RetryAfter > 0 {
			cooldown = rle.RetryAfter
		}
		until := s.cfg.Clock.Now().Add(cooldown)
		if mrErr := s.cfg.Store.MarkRateLimited(conn.ID, until); mrErr != nil {
			log.Error("failed to open cooldown", slog.Any("error", mrErr))
		}
		log.Warn("connection rate limited, cooling down", slog.Time("until", until))
	}

	if recErr := s.cfg.Store.RecordSyncResult(conn.ID, outcome); recErr != nil {
		log.Error("failed to record sync outcome", slog.Any("error", recErr))
	}
	done(err)
	return err
}

func (s *Syncer) syncOnce(ctx context.Context, log *slog.Logger, conn models.Connection, mode models.SyncMode) (models.SyncOutcome, error) {
	outcome := models.SyncOutcome{}

	fetcher, ok := s.cfg.Fetchers[conn.Provider]
	if !ok {
		err := &PermanentError{Reason: fmt.Sprintf("no fetcher registered for provider %q", conn.Provider)}
		outcome.Error = err.Error()
		return outcome, err
	}

	loc, err := time.LoadLocation(conn.AccountTimezone)
	if err != nil {
		log.Warn("unknown account timezone, falling back to UTC",
			slog.String("timezone", conn.AccountTimezone))
		loc = time.UTC
	}

	scope := resolveEntityScope(conn.SyncFrequency, mode, s.cfg.Clock.Now().In(loc))
	entities, err := withRetry(ctx, s.cfg.MaxRetries, func() ([]models.Entity, error) {
		return fetcher.FetchEntities(ctx, conn, scope)
	})
	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}
	if err := s.cfg.Store.UpsertEntities(conn.ID, entities, s.cfg.Clock.Now()); err != nil {
		outcome.Error = err.Error()
		return outcome, fmt.Errorf("persist entity catalog: %w", err)
	}
	log.Debug("entities reconciled", slog.String("scope", string(scope)), slog.Int("count", len(entities)))

	rows, err := withRetry(ctx, s.cfg.MaxRetries, func() ([]models.FetchedRow, error) {
		return fetcher.FetchMetrics(ctx, conn, mode)
	})
	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}

	for _, row := range rows {
		written, werr := s.writeRow(ctx, conn, mode, row, loc)
		if werr != nil {
			outcome.Error = werr.Error()
			return outcome, werr
		}
		if written {
			outcome.RowsWritten++
		} else {
			outcome.RowsSkipped++
		}
	}

	outcome.Success = true
	log.Info("sync complete",
		slog.Int("written", outcome.RowsWritten),
		slog.Int("skipped", outcome.RowsSkipped))
	return outcome, nil
}

// writeRow resolves the snapshot timestamp and performs the
// change-detected upsert. Returns false when the row was skipped because
// nothing moved since the latest stored snapshot.
func (s *Syncer) writeRow(ctx context.Context, conn models.Connection, mode models.SyncMode, row models.FetchedRow, loc *time.Location) (bool, error) {
	capturedAt, err := ResolveCapturedAt(mode, row.MetricsDate, s.cfg.Clock.Now(), loc)
	if err != nil {
		return false, fmt.Errorf("resolve captured_at: %w", err)
	}

	latest, err := s.cfg.Sink.Latest(ctx, conn.WorkspaceID, row.EntityID, conn.Provider)
	if err != nil {
		return false, fmt.Errorf("load latest snapshot: %w", err)
	}
	if latest != nil && latest.MetricsDate == row.MetricsDate && latest.Measures.Equal(row.Measures) {
		return false, nil
	}

	snap := models.MetricSnapshot{
		WorkspaceID: conn.WorkspaceID,
		EntityID:    row.EntityID,
		EntityName:  row.EntityName,
		EntityLevel: row.EntityLevel,
		Provider:    conn.Provider,
		CapturedAt:  capturedAt,
		MetricsDate: row.MetricsDate,
		Measures:    row.Measures,
		Currency:    row.Currency,
	}
	if err := s.cfg.Sink.Upsert(ctx, snap); err != nil {
		return false, fmt.Errorf("upsert snapshot: %w", err)
	}
	return true, nil
}

// withRetry retries transient failures with exponential backoff. Rate
// limits and permanent failures pass straight through to the caller.
func withRetry[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil {
			var rle *RateLimitError
			var perm *PermanentError
			if errors.As(err, &rle) || errors.As(err, &perm) {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxTries))
}
