package metrics

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perfatlas/perfatlas/internal/locale"
	"github.com/perfatlas/perfatlas/internal/warehouse"
)

// Configuration errors: metric-authoring bugs, fatal to the task and never
// retried.
var (
	ErrBadTemplate    = eris.New("metrics: query template missing required placeholders")
	ErrSchemaMismatch = eris.New("metrics: result schema does not match expected columns")
)

// standardQueryParams are the fragments substituted into every metric's
// query template. A template must reference each one; {{table}} and
// {{split}} arrive through the from/where fragments.
var standardQueryParams = map[string]string{
	"select": `
client_country AS country,
client_region AS region,
client_city AS city`,
	"from": `{{table}}`,
	"where": `
client_country IS NOT NULL
AND client_region IS NOT NULL
AND client_city IS NOT NULL
AND test_completed = true{{split}}`,
	"group_by": `
client_country,
client_region,
client_city`,
}

// expectedColumns is the row schema every metric query must produce, in the
// order the engine consumes them.
var expectedColumns = []string{"country", "region", "city", "value"}

// EngineConfig tunes one aggregation engine.
type EngineConfig struct {
	// TablePrefix names the warehouse's monthly tables (<prefix>_YYYY_MM).
	TablePrefix string
	// MinSamples is the minimum bucket size for a median to be published.
	MinSamples int
	// Splits are extra WHERE predicates that partition a month's query into
	// several smaller cursors (e.g. country-code ranges). Empty means one
	// unsplit query.
	Splits []string
	// PageSize is the rows requested per cursor page fetch.
	PageSize int
	// CursorTimeout is the absolute time budget per cursor.
	CursorTimeout time.Duration
	// CursorRetries is the per-page transient retry budget.
	CursorRetries int
}

// Engine computes per-locale monthly medians from raw warehouse rows and
// persists them to the relational store.
type Engine struct {
	store   *Store
	backend warehouse.Backend
	cfg     EngineConfig
}

// NewEngine creates an aggregation engine.
func NewEngine(store *Store, backend warehouse.Backend, cfg EngineConfig) *Engine {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 100
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 2000
	}
	return &Engine{store: store, backend: backend, cfg: cfg}
}

// ComputeMetricMonth aggregates one metric for one month and upserts the
// resulting datapoints. Cancelling ctx stops cleanly at the next suspension
// point without corrupting state: no bucket is written before all its
// samples are collected, and writes are delete-then-insert, so a redelivered
// task recomputes the month safely from scratch.
func (e *Engine) ComputeMetricMonth(ctx context.Context, metricName string, month YearMonth) error {
	log := zap.L().With(zap.String("metric", metricName), zap.String("month", month.String()))
	log.Info("computing metric month")

	metric, err := e.store.Get(ctx, metricName)
	if err != nil {
		return eris.Wrapf(err, "compute %s %s", metricName, month)
	}

	queries, err := e.expandQuery(metric, month)
	if err != nil {
		return eris.Wrapf(err, "compute %s %s", metricName, month)
	}

	buckets, rowCount, err := e.collect(ctx, queries)
	if err != nil {
		return eris.Wrapf(err, "compute %s %s", metricName, month)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if rowCount == 0 {
		log.Info("no rows for month, nothing to write")
		return nil
	}

	buckets.dropBelow(e.cfg.MinSamples)

	if err := e.store.EnsureDataTable(ctx, metricName); err != nil {
		return eris.Wrapf(err, "compute %s %s", metricName, month)
	}

	written := 0
	for _, g := range []locale.Granularity{locale.City, locale.Region, locale.Country, locale.World} {
		for localeID, samples := range buckets.byGran[g] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.store.SetDatapoint(ctx, metricName, month, localeID, median(samples)); err != nil {
				return eris.Wrapf(err, "compute %s %s", metricName, month)
			}
			written++
		}
	}

	log.Info("finished metric month",
		zap.Int("rows", rowCount),
		zap.Int("datapoints", written),
	)
	return nil
}

// expandQuery substitutes the standard fragments and the month's table into
// the metric's template, producing one query per configured split.
func (e *Engine) expandQuery(metric *Metric, month YearMonth) ([]string, error) {
	var missing []string
	for param := range standardQueryParams {
		if !strings.Contains(metric.Query, "{{"+param+"}}") {
			missing = append(missing, param)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, eris.Wrapf(ErrBadTemplate, "metric %q missing %v", metric.Name, missing)
	}

	expanded := metric.Query
	for param, fragment := range standardQueryParams {
		expanded = strings.ReplaceAll(expanded, "{{"+param+"}}", fragment)
	}

	if !strings.Contains(expanded, "{{table}}") {
		return nil, eris.Wrapf(ErrBadTemplate, "metric %q lost the {{table}} reference", metric.Name)
	}
	expanded = strings.ReplaceAll(expanded, "{{table}}", month.TableName(e.cfg.TablePrefix))

	splits := e.cfg.Splits
	if len(splits) == 0 {
		splits = []string{""}
	}

	queries := make([]string, 0, len(splits))
	for _, split := range splits {
		fragment := ""
		if split != "" {
			fragment = "\nAND " + split
		}
		queries = append(queries, strings.ReplaceAll(expanded, "{{split}}", fragment))
	}
	return queries, nil
}

// collect streams every query's rows into one shared bucket set. Splits are
// fetched in parallel; appends happen under a single mutex so the merge has
// one accumulation point.
func (e *Engine) collect(ctx context.Context, queries []string) (*bucketSet, int, error) {
	buckets := newBucketSet()
	var mu sync.Mutex
	rowCount := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, query := range queries {
		g.Go(func() error {
			cur, err := warehouse.Open(gctx, e.backend, query, warehouse.CursorOptions{
				PageCap: e.cfg.PageSize,
				Timeout: e.cfg.CursorTimeout,
				Retries: e.cfg.CursorRetries,
			})
			if err != nil {
				return err
			}

			for cur.HasMore() {
				if err := gctx.Err(); err != nil {
					return err
				}
				page, err := cur.FetchPage(gctx, e.cfg.PageSize)
				if err != nil {
					return err
				}
				if len(page.Rows) == 0 {
					continue
				}

				parsed, err := parseRows(page)
				if err != nil {
					return err
				}

				mu.Lock()
				for _, row := range parsed {
					buckets.add(row)
				}
				rowCount += len(parsed)
				mu.Unlock()

				zap.L().Debug("consumed page", zap.Int("rows", len(parsed)))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return buckets, rowCount, nil
}

// sampleRow is one raw test record, position-matched from a result page.
type sampleRow struct {
	country string
	region  string
	city    string
	value   float64
}

// parseRows matches the page's column list against the expected schema and
// converts rows into typed samples. A missing column is a configuration
// error, not a silently misaligned field.
func parseRows(page *warehouse.Page) ([]sampleRow, error) {
	idx := make(map[string]int, len(expectedColumns))
	for i, col := range page.Columns {
		idx[col] = i
	}
	for _, want := range expectedColumns {
		if _, ok := idx[want]; !ok {
			return nil, eris.Wrapf(ErrSchemaMismatch, "column %q absent from result (got %v)", want, page.Columns)
		}
	}

	out := make([]sampleRow, 0, len(page.Rows))
	for _, raw := range page.Rows {
		if len(raw) < len(page.Columns) {
			return nil, eris.Wrapf(ErrSchemaMismatch, "row has %d fields, schema has %d", len(raw), len(page.Columns))
		}
		value, err := strconv.ParseFloat(raw[idx["value"]], 64)
		if err != nil {
			return nil, eris.Wrapf(ErrSchemaMismatch, "non-numeric value %q", raw[idx["value"]])
		}
		out = append(out, sampleRow{
			country: raw[idx["country"]],
			region:  raw[idx["region"]],
			city:    raw[idx["city"]],
			value:   value,
		})
	}
	return out, nil
}

// bucketSet accumulates samples per locale at every granularity for the
// lifetime of one task. Discarded when the task completes.
type bucketSet struct {
	byGran map[locale.Granularity]map[string][]float64
}

func newBucketSet() *bucketSet {
	return &bucketSet{
		byGran: map[locale.Granularity]map[string][]float64{
			locale.City:    {},
			locale.Region:  {},
			locale.Country: {},
			locale.World:   {},
		},
	}
}

// add appends the row's value to all four granularity buckets at once.
func (b *bucketSet) add(row sampleRow) {
	cityID := locale.CityID(row.country, row.region, row.city)
	regionID := locale.RegionID(row.country, row.region)

	b.byGran[locale.City][cityID] = append(b.byGran[locale.City][cityID], row.value)
	b.byGran[locale.Region][regionID] = append(b.byGran[locale.Region][regionID], row.value)
	b.byGran[locale.Country][row.country] = append(b.byGran[locale.Country][row.country], row.value)
	b.byGran[locale.World][locale.WorldID] = append(b.byGran[locale.World][locale.WorldID], row.value)
}

// dropBelow removes buckets with fewer than min samples. Publishing a median
// from a handful of tests would be statistically meaningless.
func (b *bucketSet) dropBelow(min int) {
	for g, buckets := range b.byGran {
		dropped := 0
		for id, samples := range buckets {
			if len(samples) < min {
				delete(buckets, id)
				dropped++
			}
		}
		if dropped > 0 {
			zap.L().Info("dropped sparse buckets",
				zap.String("granularity", string(g)),
				zap.Int("dropped", dropped),
				zap.Int("min_samples", min),
			)
		}
	}
}

// median returns the statistical median without mutating the input.
func median(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
