package models

import "sort"

// MetricFormat describes how a metric value should be rendered downstream.
type MetricFormat string

const (
	FormatCurrency MetricFormat = "currency"
	FormatCount    MetricFormat = "count"
	FormatPercent  MetricFormat = "percent"
	FormatRatio    MetricFormat = "ratio"
)

// Metric is one queryable metric in the registry.
//
// Base metrics map directly to stored measures. Derived metrics (ratios such
// as cpc or roas) are always computed from aggregated base measures at query
// time, never averaged from per-row ratios.
type Metric struct {
	Key    string       `json:"key"`
	Label  string       `json:"label"`
	Format MetricFormat `json:"format"`

	// Derived marks metrics computed from base measures.
	Derived bool `json:"derived"`

	// Inverse marks lower-is-better metrics (cpc, cpa, cpm). Affects delta
	// coloring and default sort direction downstream.
	Inverse bool `json:"inverse"`

	// Dimensions lists the dimension keys this metric can be broken down by.
	Dimensions []string `json:"dimensions"`
}

// SupportsDimension reports whether the metric can be grouped by the
// given dimension.
func (m Metric) SupportsDimension(dim string) bool {
	for _, d := range m.Dimensions {
		if d == dim {
			return true
		}
	}
	return false
}

// Dimension is one groupable/filterable axis in the registry.
type Dimension struct {
	Key string `json:"key"`

	// Levels enumerates the entity hierarchy levels this dimension accepts.
	// Empty means the dimension has no levels.
	Levels []string `json:"levels,omitempty"`

	// Values enumerates the permitted literal values for eq/ne/in filters.
	// Empty means any (length-bounded) value is accepted.
	Values []string `json:"values,omitempty"`

	Breakdown  bool `json:"breakdown"`
	Filterable bool `json:"filterable"`
}

// HasLevel reports whether the level is in the dimension's permitted set.
func (d Dimension) HasLevel(level string) bool {
	for _, l := range d.Levels {
		if l == level {
			return true
		}
	}
	return false
}

// HasValue reports whether the literal value is permitted for this
// dimension. Dimensions without an enumerated value set accept anything.
func (d Dimension) HasValue(value string) bool {
	if len(d.Values) == 0 {
		return true
	}
	for _, v := range d.Values {
		if v == value {
			return true
		}
	}
	return false
}

// Registry is the immutable metric/dimension allowlist. It is constructed
// once at process start and injected into validators and the compiler; any
// change to the permitted set requires a deploy.
type Registry struct {
	metrics    map[string]Metric
	dimensions map[string]Dimension
	metricKeys []string
}

// NewRegistry builds a registry from the given definitions.
func NewRegistry(metrics []Metric, dimensions []Dimension) *Registry {
	r := &Registry{
		metrics:    make(map[string]Metric, len(metrics)),
		dimensions: make(map[string]Dimension, len(dimensions)),
	}
	for _, m := range metrics {
		r.metrics[m.Key] = m
		r.metricKeys = append(r.metricKeys, m.Key)
	}
	sort.Strings(r.metricKeys)
	for _, d := range dimensions {
		r.dimensions[d.Key] = d
	}
	return r
}

// Metric looks up a metric by key.
func (r *Registry) Metric(key string) (Metric, bool) {
	m, ok := r.metrics[key]
	return m, ok
}

// Dimension looks up a dimension by key.
func (r *Registry) Dimension(key string) (Dimension, bool) {
	d, ok := r.dimensions[key]
	return d, ok
}

// MetricKeys returns all metric keys in sorted order.
func (r *Registry) MetricKeys() []string {
	keys := make([]string, len(r.metricKeys))
	copy(keys, r.metricKeys)
	return keys
}

// Metrics returns all metric definitions, ordered by key.
func (r *Registry) Metrics() []Metric {
	out := make([]Metric, 0, len(r.metricKeys))
	for _, k := range r.metricKeys {
		out = append(out, r.metrics[k])
	}
	return out
}

// DimensionEntity and DimensionProvider are the dimension keys every
// deployment carries.
const (
	DimensionEntity   = "entity"
	DimensionProvider = "provider"
)

// Entity hierarchy levels.
const (
	LevelCampaign   = "campaign"
	LevelAdset      = "adset"
	LevelAd         = "ad"
	LevelAssetGroup = "asset_group"
	LevelProduct    = "product"
)

var allEntityLevels = []string{LevelCampaign, LevelAdset, LevelAd, LevelAssetGroup, LevelProduct}

var defaultDims = []string{DimensionEntity, DimensionProvider}

// DefaultRegistry returns the standard metric/dimension set.
func DefaultRegistry() *Registry {
	metrics := []Metric{
		{Key: "spend", Label: "Spend", Format: FormatCurrency, Dimensions: defaultDims},
		{Key: "impressions", Label: "Impressions", Format: FormatCount, Dimensions: defaultDims},
		{Key: "clicks", Label: "Clicks", Format: FormatCount, Dimensions: defaultDims},
		{Key: "conversions", Label: "Conversions", Format: FormatCount, Dimensions: defaultDims},
		{Key: "revenue", Label: "Revenue", Format: FormatCurrency, Dimensions: defaultDims},
		{Key: "leads", Label: "Leads", Format: FormatCount, Dimensions: defaultDims},
		{Key: "purchases", Label: "Purchases", Format: FormatCount, Dimensions: defaultDims},
		{Key: "installs", Label: "Installs", Format: FormatCount, Dimensions: defaultDims},
		{Key: "visitors", Label: "Visitors", Format: FormatCount, Dimensions: defaultDims},
		{Key: "profit", Label: "Profit", Format: FormatCurrency, Dimensions: defaultDims},

		{Key: "cpc", Label: "Cost per Click", Format: FormatCurrency, Derived: true, Inverse: true, Dimensions: defaultDims},
		{Key: "cpm", Label: "Cost per Mille", Format: FormatCurrency, Derived: true, Inverse: true, Dimensions: defaultDims},
		{Key: "ctr", Label: "Click-through Rate", Format: FormatPercent, Derived: true, Dimensions: defaultDims},
		{Key: "cpa", Label: "Cost per Acquisition", Format: FormatCurrency, Derived: true, Inverse: true, Dimensions: defaultDims},
		{Key: "cpl", Label: "Cost per Lead", Format: FormatCurrency, Derived: true, Inverse: true, Dimensions: defaultDims},
		{Key: "cpi", Label: "Cost per Install", Format: FormatCurrency, Derived: true, Inverse: true, Dimensions: defaultDims},
		{Key: "roas", Label: "Return on Ad Spend", Format: FormatRatio, Derived: true, Dimensions: defaultDims},
		{Key: "aov", Label: "Average Order Value", Format: FormatCurrency, Derived: true, Dimensions: defaultDims},
		{Key: "conversion_rate", Label: "Conversion Rate", Format: FormatPercent, Derived: true, Dimensions: defaultDims},
	}

	dimensions := []Dimension{
		{
			Key:        DimensionEntity,
			Levels:     allEntityLevels,
			Breakdown:  true,
			Filterable: true,
		},
		{
			Key:        DimensionProvider,
			Values:     []string{string(ProviderMeta), string(ProviderGoogle), string(ProviderShopify)},
			Breakdown:  true,
			Filterable: true,
		},
	}

	return NewRegistry(metrics, dimensions)
}
