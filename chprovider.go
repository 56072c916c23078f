package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/adlens/adlens/models"
	"github.com/shopspring/decimal"
)

// snapshotTable holds every metric snapshot. ReplacingMergeTree keyed on
// (workspace, entity, provider, captured_at) gives the upsert semantics:
// re-inserting the same key overwrites on merge.
const snapshotTable = "metric_snapshots"

const snapshotSchema = `
	CREATE TABLE IF NOT EXISTS ` + snapshotTable + ` (
		workspace_id String,
		entity_id    String,
		entity_name  String,
		entity_level LowCardinality(String),
		provider     LowCardinality(String),
		captured_at  DateTime('UTC'),
		metrics_date Date,
		spend        Nullable(Decimal(18, 6)),
		impressions  Nullable(Decimal(18, 6)),
		clicks       Nullable(Decimal(18, 6)),
		conversions  Nullable(Decimal(18, 6)),
		revenue      Nullable(Decimal(18, 6)),
		leads        Nullable(Decimal(18, 6)),
		purchases    Nullable(Decimal(18, 6)),
		installs     Nullable(Decimal(18, 6)),
		visitors     Nullable(Decimal(18, 6)),
		profit       Nullable(Decimal(18, 6)),
		currency     LowCardinality(String)
	)
	ENGINE = ReplacingMergeTree
	ORDER BY (workspace_id, entity_id, provider, captured_at)
`

// EnsureSnapshotSchema creates the snapshot table if missing.
func EnsureSnapshotSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, snapshotSchema); err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	return nil
}

// measureColumns is the stored base-measure column order, matching
// models.Measures field order.
var measureColumns = []string{
	"spend", "impressions", "clicks", "conversions", "revenue",
	"leads", "purchases", "installs", "visitors", "profit",
}

// metricExprs maps registry metric keys to aggregate SQL over the
// daily-final rows. Derived metrics are ratios of aggregated base
// measures; they are never averaged from per-row ratios.
var metricExprs = map[string]string{
	"spend":       "toFloat64(sum(spend))",
	"impressions": "toFloat64(sum(impressions))",
	"clicks":      "toFloat64(sum(clicks))",
	"conversions": "toFloat64(sum(conversions))",
	"revenue":     "toFloat64(sum(revenue))",
	"leads":       "toFloat64(sum(leads))",
	"purchases":   "toFloat64(sum(purchases))",
	"installs":    "toFloat64(sum(installs))",
	"visitors":    "toFloat64(sum(visitors))",
	"profit":      "toFloat64(sum(profit))",

	"cpc":             "toFloat64(sum(spend)) / nullIf(toFloat64(sum(clicks)), 0)",
	"cpm":             "toFloat64(sum(spend)) * 1000 / nullIf(toFloat64(sum(impressions)), 0)",
	"ctr":             "toFloat64(sum(clicks)) * 100 / nullIf(toFloat64(sum(impressions)), 0)",
	"cpa":             "toFloat64(sum(spend)) / nullIf(toFloat64(sum(conversions)), 0)",
	"cpl":             "toFloat64(sum(spend)) / nullIf(toFloat64(sum(leads)), 0)",
	"cpi":             "toFloat64(sum(spend)) / nullIf(toFloat64(sum(installs)), 0)",
	"roas":            "toFloat64(sum(revenue)) / nullIf(toFloat64(sum(spend)), 0)",
	"aov":             "toFloat64(sum(revenue)) / nullIf(toFloat64(sum(purchases)), 0)",
	"conversion_rate": "toFloat64(sum(conversions)) * 100 / nullIf(toFloat64(sum(clicks)), 0)",
}

// ClickHouseProvider implements models.MetricValueProvider over the
// snapshot table. Every query is parameterized; no caller value is ever
// concatenated into SQL.
type ClickHouseProvider struct {
	conn driver.Conn
}

// NewClickHouseProvider wraps a ClickHouse connection.
func NewClickHouseProvider(conn driver.Conn) *ClickHouseProvider {
	return &ClickHouseProvider{conn: conn}
}

// dailyFinal builds the inner subquery that collapses intraday snapshots
// to the final observation per (entity, provider, day), plus its bound
// arguments. Extra conditions come from the caller with their own args.
func dailyFinal(workspaceID string, window models.Window, extraConds []string, extraArgs []any) (string, []any) {
	conds := []string{
		"workspace_id = ?",
		"metrics_date >= ?",
		"metrics_date <= ?",
	}
	args := []any{
		workspaceID,
		window.Start.Format(models.DateLayout),
		window.End.Format(models.DateLayout),
	}
	conds = append(conds, extraConds...)
	args = append(args, extraArgs...)

	var aggs []string
	for _, col := range measureColumns {
		aggs = append(aggs, fmt.Sprintf("argMax(%s, captured_at) AS %s", col, col))
	}
	q := fmt.Sprintf(`
		SELECT
			entity_id,
			argMax(entity_name, captured_at) AS entity_name,
			provider,
			metrics_date,
			%s
		FROM %s
		WHERE %s
		GROUP BY entity_id, provider, metrics_date
	`, strings.Join(aggs, ",\n\t\t\t"), snapshotTable, strings.Join(conds, " AND "))
	return q, args
}

// filterConds translates validated query filters into SQL conditions with
// bound parameters.
func filterConds(filters []models.Filter) ([]string, []any, error) {
	var conds []string
	var args []any
	for _, f := range filters {
		col, err := filterColumn(f)
		if err != nil {
			return nil, nil, err
		}
		switch f.Operator {
		case models.OpEq:
			conds = append(conds, col+" = ?")
			args = append(args, f.Value)
		case models.OpNe:
			conds = append(conds, col+" != ?")
			args = append(args, f.Value)
		case models.OpGt:
			conds = append(conds, col+" > ?")
			args = append(args, f.Value)
		case models.OpLt:
			conds = append(conds, col+" < ?")
			args = append(args, f.Value)
		case models.OpGte:
			conds = append(conds, col+" >= ?")
			args = append(args, f.Value)
		case models.OpLte:
			conds = append(conds, col+" <= ?")
			args = append(args, f.Value)
		case models.OpIn:
			conds = append(conds, col+" IN (?)")
			args = append(args, f.SplitValues())
		case models.OpContains:
			conds = append(conds, "positionCaseInsensitive("+col+", ?) > 0")
			args = append(args, f.Value)
		default:
			return nil, nil, fmt.Errorf("unsupported operator %q", f.Operator)
		}
	}
	return conds, args, nil
}

func filterColumn(f models.Filter) (string, error) {
	switch f.Dimension {
	case models.DimensionProvider:
		return "provider", nil
	case models.DimensionEntity:
		if f.Operator == models.OpContains {
			return "entity_name", nil
		}
		return "entity_id", nil
	default:
		return "", fmt.Errorf("unsupported filter dimension %q", f.Dimension)
	}
}

// groupColumn maps a breakdown dimension to the column its group keys
// live in. The fixed-set lookups must filter and group on the same column
// the breakdown grouped on, or provider rows would never match.
func groupColumn(dimension string) string {
	if dimension == models.DimensionProvider {
		return "provider"
	}
	return "entity_id"
}

func exprFor(metric string) (string, error) {
	expr, ok := metricExprs[metric]
	if !ok {
		return "", fmt.Errorf("no aggregate expression for metric %q", metric)
	}
	return expr, nil
}

func (p *ClickHouseProvider) GetSummary(ctx context.Context, workspaceID string, metrics []string, window models.Window, filters []models.Filter) (map[string]float64, error) {
	if workspaceID == "" {
		return nil, ErrWorkspaceRequired
	}
	conds, condArgs, err := filterConds(filters)
	if err != nil {
		return nil, err
	}
	inner, args := dailyFinal(workspaceID, window, conds, condArgs)

	var selects []string
	for _, m := range metrics {
		expr, err := exprFor(m)
		if err != nil {
			return nil, err
		}
		selects = append(selects, expr)
	}
	query := fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(selects, ", "), inner)

	row := p.conn.QueryRow(ctx, query, args...)
	dests := make([]any, len(metrics))
	vals := make([]*float64, len(metrics))
	for i := range metrics {
		dests[i] = &vals[i]
	}
	if err := row.Scan(dests...); err != nil {
		return nil, fmt.Errorf("summary query: %w", err)
	}
	out := make(map[string]float64, len(metrics))
	for i, m := range metrics {
		if vals[i] != nil {
			out[m] = *vals[i]
		}
	}
	return out, nil
}

func (p *ClickHouseProvider) GetBreakdown(ctx context.Context, workspaceID string, metrics []string, dimension, level string, limit int, sortMetric string, order models.SortOrder, window models.Window, filters []models.Filter) ([]models.BreakdownItem, error) {
	if workspaceID == "" {
		return nil, ErrWorkspaceRequired
	}
	conds, condArgs, err := filterConds(filters)
	if err != nil {
		return nil, err
	}
	if dimension == models.DimensionEntity && level != "" {
		conds = append(conds, "entity_level = ?")
		condArgs = append(condArgs, level)
	}
	inner, args := dailyFinal(workspaceID, window, conds, condArgs)

	groupCol := "entity_id"
	nameExpr := "any(entity_name)"
	if dimension == models.DimensionProvider {
		groupCol = "provider"
		nameExpr = "provider"
	}

	var selects []string
	for _, m := range metrics {
		expr, err := exprFor(m)
		if err != nil {
			return nil, err
		}
		selects = append(selects, fmt.Sprintf("%s AS m_%s", expr, m))
	}
	sortExpr, err := exprFor(sortMetric)
	if err != nil {
		return nil, err
	}
	dir := "DESC"
	if order == models.SortAsc {
		dir = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT %s AS id, %s AS name, %s
		FROM (%s)
		GROUP BY %s
		ORDER BY %s %s
		LIMIT ?
	`, groupCol, nameExpr, strings.Join(selects, ", "), inner, groupCol, sortExpr, dir)
	args = append(args, limit)

	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("breakdown query: %w", err)
	}
	defer rows.Close()

	var items []models.BreakdownItem
	for rows.Next() {
		var id, name string
		dests := []any{&id, &name}
		vals := make([]*float64, len(metrics))
		for i := range metrics {
			dests = append(dests, &vals[i])
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("breakdown scan: %w", err)
		}
		item := models.BreakdownItem{EntityID: id, EntityName: name, Values: map[string]float64{}}
		for i, m := range metrics {
			if vals[i] != nil {
				item.Values[m] = *vals[i]
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (p *ClickHouseProvider) GetTimeseries(ctx context.Context, workspaceID string, metric string, window models.Window, filters []models.Filter) ([]models.TimeseriesPoint, error) {
	if workspaceID == "" {
		return nil, ErrWorkspaceRequired
	}
	conds, condArgs, err := filterConds(filters)
	if err != nil {
		return nil, err
	}
	inner, args := dailyFinal(workspaceID, window, conds, condArgs)
	expr, err := exprFor(metric)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT toString(metrics_date) AS d, %s AS v
		FROM (%s)
		GROUP BY metrics_date
		ORDER BY metrics_date
	`, expr, inner)

	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeseries query: %w", err)
	}
	defer rows.Close()

	var points []models.TimeseriesPoint
	for rows.Next() {
		var d string
		var v *float64
		if err := rows.Scan(&d, &v); err != nil {
			return nil, fmt.Errorf("timeseries scan: %w", err)
		}
		pt := models.TimeseriesPoint{Date: d}
		if v != nil {
			pt.Value = *v
		}
		points = append(points, pt)
	}
	return points, rows.Err()
}

func (p *ClickHouseProvider) GetGroupValues(ctx context.Context, workspaceID, dimension string, ids []string, metric string, window models.Window) (map[string]float64, error) {
	if workspaceID == "" {
		return nil, ErrWorkspaceRequired
	}
	col := groupColumn(dimension)
	inner, args := dailyFinal(workspaceID, window, []string{col + " IN (?)"}, []any{ids})
	expr, err := exprFor(metric)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s, %s AS v
		FROM (%s)
		GROUP BY %s
	`, col, expr, inner, col)

	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group values query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64, len(ids))
	for rows.Next() {
		var id string
		var v *float64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("group values scan: %w", err)
		}
		if v != nil {
			out[id] = *v
		}
	}
	return out, rows.Err()
}

func (p *ClickHouseProvider) GetGroupTimeseries(ctx context.Context, workspaceID, dimension string, ids []string, metric string, window models.Window) (map[string][]models.TimeseriesPoint, error) {
	if workspaceID == "" {
		return nil, ErrWorkspaceRequired
	}
	col := groupColumn(dimension)
	inner, args := dailyFinal(workspaceID, window, []string{col + " IN (?)"}, []any{ids})
	expr, err := exprFor(metric)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s, toString(metrics_date) AS d, %s AS v
		FROM (%s)
		GROUP BY %s, metrics_date
		ORDER BY %s, metrics_date
	`, col, expr, inner, col, col)

	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group timeseries query: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.TimeseriesPoint, len(ids))
	for rows.Next() {
		var id, d string
		var v *float64
		if err := rows.Scan(&id, &d, &v); err != nil {
			return nil, fmt.Errorf("group timeseries scan: %w", err)
		}
		pt := models.TimeseriesPoint{Date: d}
		if v != nil {
			pt.Value = *v
		}
		out[id] = append(out[id], pt)
	}
	return out, rows.Err()
}

// ClickHouseSink implements models.SnapshotSink over the same table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink wraps a ClickHouse connection for the write path.
func NewClickHouseSink(conn driver.Conn) *ClickHouseSink {
	return &ClickHouseSink{conn: conn}
}

func (s *ClickHouseSink) Latest(ctx context.Context, workspaceID, entityID string, provider models.Provider) (*models.MetricSnapshot, error) {
	query := `
		SELECT entity_name, entity_level, captured_at, toString(metrics_date),
			spend, impressions, clicks, conversions, revenue,
			leads, purchases, installs, visitors, profit, currency
		FROM ` + snapshotTable + `
		WHERE workspace_id = ? AND entity_id = ? AND provider = ?
		ORDER BY captured_at DESC
		LIMIT 1
	`
	snap := models.MetricSnapshot{
		WorkspaceID: workspaceID,
		EntityID:    entityID,
		Provider:    provider,
	}
	m := &snap.Measures
	err := s.conn.QueryRow(ctx, query, workspaceID, entityID, string(provider)).Scan(
		&snap.EntityName, &snap.EntityLevel, &snap.CapturedAt, &snap.MetricsDate,
		&m.Spend, &m.Impressions, &m.Clicks, &m.Conversions, &m.Revenue,
		&m.Leads, &m.Purchases, &m.Installs, &m.Visitors, &m.Profit,
		&snap.Currency,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &snap, nil
}

func (s *ClickHouseSink) Upsert(ctx context.Context, snap models.MetricSnapshot) error {
	query := `
		INSERT INTO ` + snapshotTable + ` (
			workspace_id, entity_id, entity_name, entity_level, provider,
			captured_at, metrics_date,
			spend, impressions, clicks, conversions, revenue,
			leads, purchases, installs, visitors, profit, currency
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	m := snap.Measures
	err := s.conn.Exec(ctx, query,
		snap.WorkspaceID, snap.EntityID, snap.EntityName, snap.EntityLevel, string(snap.Provider),
		snap.CapturedAt, snap.MetricsDate,
		decArg(m.Spend), decArg(m.Impressions), decArg(m.Clicks), decArg(m.Conversions), decArg(m.Revenue),
		decArg(m.Leads), decArg(m.Purchases), decArg(m.Installs), decArg(m.Visitors), decArg(m.Profit),
		snap.Currency,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func decArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}
