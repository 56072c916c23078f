package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider tags which advertising or commerce platform a row came from.
type Provider string

const (
	ProviderMeta    Provider = "meta"
	ProviderGoogle  Provider = "google"
	ProviderShopify Provider = "shopify"
)

// SyncMode distinguishes live polling from historical repopulation.
type SyncMode string

const (
	// SyncRealtime is a live poll; captured_at is the actual poll instant.
	SyncRealtime SyncMode = "realtime"

	// SyncBackfill (re)populates historical days; captured_at for days
	// before the account's today is anchored to end-of-day.
	SyncBackfill SyncMode = "backfill"

	// SyncAttribution re-fetches recent days to pick up late-attributed
	// conversions. Timestamp policy follows backfill.
	SyncAttribution SyncMode = "attribution"
)

// EntityScope selects how much entity reconciliation a sync pass performs.
type EntityScope string

const (
	// ScopeFull discovers new, renamed and paused entities.
	ScopeFull EntityScope = "full"

	// ScopeActive refreshes only entities already known to be active.
	ScopeActive EntityScope = "active"
)

// Measures holds the base measures of one snapshot. Nil means the provider
// reported nothing for that measure; change detection treats nil as zero.
type Measures struct {
	Spend       *decimal.Decimal `json:"spend,omitempty"`
	Impressions *decimal.Decimal `json:"impressions,omitempty"`
	Clicks      *decimal.Decimal `json:"clicks,omitempty"`
	Conversions *decimal.Decimal `json:"conversions,omitempty"`
	Revenue     *decimal.Decimal `json:"revenue,omitempty"`
	Leads       *decimal.Decimal `json:"leads,omitempty"`
	Purchases   *decimal.Decimal `json:"purchases,omitempty"`
	Installs    *decimal.Decimal `json:"installs,omitempty"`
	Visitors    *decimal.Decimal `json:"visitors,omitempty"`
	Profit      *decimal.Decimal `json:"profit,omitempty"`
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// Equal compares two measure sets exactly, treating nil as zero. Used by
// the sync pipeline to skip writes when nothing moved.
func (m Measures) Equal(other Measures) bool {
	pairs := [][2]*decimal.Decimal{
		{m.Spend, other.Spend},
		{m.Impressions, other.Impressions},
		{m.Clicks, other.Clicks},
		{m.Conversions, other.Conversions},
		{m.Revenue, other.Revenue},
		{m.Leads, other.Leads},
		{m.Purchases, other.Purchases},
		{m.Installs, other.Installs},
		{m.Visitors, other.Visitors},
		{m.Profit, other.Profit},
	}
	for _, p := range pairs {
		if !orZero(p[0]).Equal(orZero(p[1])) {
			return false
		}
	}
	return true
}

// MetricSnapshot is one timestamped observation of an entity's metrics.
//
// CapturedAt orders observations within a day. MetricsDate is the calendar
// day the data semantically represents, in the account's own reporting
// timezone; it is stored explicitly because deriving it from CapturedAt
// with UTC math misassigns rows near day boundaries.
type MetricSnapshot struct {
	WorkspaceID string    `json:"workspaceId"`
	EntityID    string    `json:"entityId"`
	EntityName  string    `json:"entityName,omitempty"`
	EntityLevel string    `json:"entityLevel,omitempty"`
	Provider    Provider  `json:"provider"`
	CapturedAt  time.Time `json:"capturedAt"`
	MetricsDate string    `json:"metricsDate"`
	Measures    Measures  `json:"measures"`
	Currency    string    `json:"currency,omitempty"`
}

// Entity is one advertising object at a specific hierarchy level.
type Entity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Level  string `json:"level"`
	Active bool   `json:"active"`
}

// Connection is a provider account link owned by a workspace. The sync
// pipeline reads its schedule fields and updates its counters
// transactionally alongside the metric writes they describe.
type Connection struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	Provider    Provider `json:"provider"`

	// SyncFrequency is "realtime", "hourly", "daily" or similar; anything
	// other than realtime always gets a full entity reconciliation.
	SyncFrequency string `json:"syncFrequency"`

	// AccountTimezone is the IANA name of the account's reporting
	// timezone, e.g. "America/New_York".
	AccountTimezone string `json:"accountTimezone"`

	// RateLimitedUntil is the cooldown circuit breaker. The scheduler
	// skips the connection until this instant passes.
	RateLimitedUntil *time.Time `json:"rateLimitedUntil,omitempty"`

	SyncAttempts  int        `json:"syncAttempts"`
	SyncSuccesses int        `json:"syncSuccesses"`
	LastError     string     `json:"lastError,omitempty"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`

	// LastChangeAt is the last sync that wrote at least one row, as
	// opposed to syncs where change detection skipped everything.
	LastChangeAt *time.Time `json:"lastChangeAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// FetchedRow is one provider-reported metric row before timestamp
// resolution and dedup.
type FetchedRow struct {
	EntityID    string   `json:"entityId"`
	EntityName  string   `json:"entityName"`
	EntityLevel string   `json:"entityLevel"`
	MetricsDate string   `json:"metricsDate"`
	Measures    Measures `json:"measures"`
	Currency    string   `json:"currency"`
}
