package models

import (
	"context"
	"time"
)

// MetricValueProvider is the workspace-scoped aggregation source the
// compiler reads from. Every method requires the workspace identifier as
// a mandatory argument; implementations must reject an empty one.
//
// Thread Safety: implementations must be safe for concurrent use.
type MetricValueProvider interface {
	// GetSummary returns one aggregate scalar per requested metric.
	GetSummary(ctx context.Context, workspaceID string, metrics []string, window Window, filters []Filter) (map[string]float64, error)

	// GetBreakdown returns the top rows grouped by the dimension (at the
	// given entity level, if any), ranked by sortMetric.
	GetBreakdown(ctx context.Context, workspaceID string, metrics []string, dimension, level string, limit int, sortMetric string, order SortOrder, window Window, filters []Filter) ([]BreakdownItem, error)

	// GetTimeseries returns one ordered (date, value) point per day in
	// the window for a single metric.
	GetTimeseries(ctx context.Context, workspaceID string, metric string, window Window, filters []Filter) ([]TimeseriesPoint, error)

	// GetGroupValues returns the metric value for a fixed set of group
	// keys along the given dimension (entity IDs for entity breakdowns,
	// provider names for provider breakdowns). Keys with no data in the
	// window are absent from the map — the caller decides how absence is
	// represented, never this layer.
	GetGroupValues(ctx context.Context, workspaceID, dimension string, ids []string, metric string, window Window) (map[string]float64, error)

	// GetGroupTimeseries returns one ordered series per group key in the
	// fixed set, along the given dimension.
	GetGroupTimeseries(ctx context.Context, workspaceID, dimension string, ids []string, metric string, window Window) (map[string][]TimeseriesPoint, error)
}

// SnapshotSink is the write-path contract the sync service feeds. Upserts
// are keyed on (entity, provider, captured_at); unchanged rows are
// skipped by the caller before the sink is reached.
type SnapshotSink interface {
	// Latest returns the most recent snapshot for the entity, or nil
	// when none exists.
	Latest(ctx context.Context, workspaceID, entityID string, provider Provider) (*MetricSnapshot, error)

	// Upsert writes a snapshot, overwriting any row with the same
	// (entity, provider, captured_at) key.
	Upsert(ctx context.Context, snap MetricSnapshot) error
}

// ProviderFetcher pulls entities and metric rows from an advertising or
// commerce platform API. Real implementations wrap provider HTTP clients;
// tests substitute fakes.
type ProviderFetcher interface {
	// FetchEntities lists the connection's advertising entities. Scope
	// controls whether paused/renamed entities are reconciled too.
	FetchEntities(ctx context.Context, conn Connection, scope EntityScope) ([]Entity, error)

	// FetchMetrics returns current metric rows for the connection. Each
	// row carries the calendar day it represents in the account's
	// reporting timezone.
	FetchMetrics(ctx context.Context, conn Connection, mode SyncMode) ([]FetchedRow, error)
}

// AppStore is the metadata persistence layer: workspaces, connections and
// the per-connection sync counters updated transactionally with each
// sync outcome.
//
// Thread Safety: implementations must be safe for concurrent use.
type AppStore interface {
	// CreateWorkspace creates a workspace and returns it.
	CreateWorkspace(name string) (*Workspace, error)

	// GetWorkspace retrieves a workspace by ID.
	GetWorkspace(id string) (*Workspace, bool)

	// CreateConnection registers a provider connection for a workspace.
	CreateConnection(conn Connection) (*Connection, error)

	// GetConnection retrieves a connection by ID.
	GetConnection(id string) (*Connection, bool)

	// DueConnections returns connections eligible for a sync pass at the
	// given instant: not in cooldown, ordered by least recently synced.
	DueConnections(now time.Time) ([]Connection, error)

	// MarkRateLimited opens the cooldown circuit breaker for a
	// connection until the given instant.
	MarkRateLimited(connID string, until time.Time) error

	// RecordSyncResult updates the connection's counters (attempts,
	// successes, last error, last sync time) in a single transaction.
	RecordSyncResult(connID string, outcome SyncOutcome) error

	// UpsertEntities merges reconciled entities into the connection's
	// catalog, stamping each as seen at the given instant. Discovery is
	// how renamed and paused entities become visible between syncs.
	UpsertEntities(connID string, entities []Entity, seenAt time.Time) error

	// Entities returns the connection's stored entity catalog.
	Entities(connID string) ([]Entity, error)

	// Close releases any resources held by the store.
	Close() error
}

// Workspace is the tenancy root every metric value is scoped to.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// SyncOutcome summarizes one finished sync attempt for counter updates.
type SyncOutcome struct {
	Success     bool
	Error       string
	RowsWritten int
	RowsSkipped int
	FinishedAt  time.Time
}
