package metrics

import (
	"context"
	"errors"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/perfatlas/perfatlas/internal/db"
)

// Metric is one metric definition. The worker never mutates definitions; it
// only reads Query to build its warehouse fetch.
type Metric struct {
	Name      string `json:"name"`
	ShortDesc string `json:"short_desc"`
	LongDesc  string `json:"long_desc"`
	Units     string `json:"units"`
	Query     string `json:"query"`
}

// ErrNotFound is returned for unknown metric names.
var ErrNotFound = eris.New("metrics: not found")

// Migration creates the metric definition table. Datapoint tables are
// created per metric on first computation.
const Migration = `
CREATE TABLE IF NOT EXISTS metric_definitions (
	name       VARCHAR(64) PRIMARY KEY,
	short_desc TEXT NOT NULL DEFAULT '',
	long_desc  TEXT NOT NULL DEFAULT '',
	units      TEXT NOT NULL DEFAULT '',
	query      TEXT NOT NULL
);
`

// validMetricName restricts metric names to identifiers safe to splice into
// datapoint table names.
var validMetricName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Store persists metric definitions and computed datapoints. Each metric's
// datapoints live in their own table named after the metric, keyed by
// (locale, date).
type Store struct {
	pool db.Pool
}

// NewStore creates a Store over the given pool.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

func checkMetricName(name string) error {
	if !validMetricName.MatchString(name) {
		return eris.Errorf("metrics: invalid metric name %q", name)
	}
	return nil
}

func dataTable(metric string) string {
	return pgx.Identifier{"metric_data_" + metric}.Sanitize()
}

// ListNames returns all known metric names.
func (s *Store) ListNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM metric_definitions ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "metrics: list names")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, eris.Wrap(err, "metrics: scan name")
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "metrics: iterate names")
	}
	return names, nil
}

// Get returns one metric definition, or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (*Metric, error) {
	var m Metric
	err := s.pool.QueryRow(ctx,
		`SELECT name, short_desc, long_desc, units, query FROM metric_definitions WHERE name = $1`,
		name,
	).Scan(&m.Name, &m.ShortDesc, &m.LongDesc, &m.Units, &m.Query)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "metric %q", name)
		}
		return nil, eris.Wrapf(err, "metrics: get %q", name)
	}
	return &m, nil
}

// Upsert creates or replaces a metric definition.
func (s *Store) Upsert(ctx context.Context, m *Metric) error {
	if err := checkMetricName(m.Name); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric_definitions (name, short_desc, long_desc, units, query)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			short_desc = EXCLUDED.short_desc,
			long_desc = EXCLUDED.long_desc,
			units = EXCLUDED.units,
			query = EXCLUDED.query`,
		m.Name, m.ShortDesc, m.LongDesc, m.Units, m.Query,
	)
	return eris.Wrapf(err, "metrics: upsert %q", m.Name)
}

// DeleteInfo removes a metric's definition row.
func (s *Store) DeleteInfo(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM metric_definitions WHERE name = $1`, name)
	return eris.Wrapf(err, "metrics: delete info for %q", name)
}

// EnsureDataTable creates the metric's datapoint table if needed.
func (s *Store) EnsureDataTable(ctx context.Context, metric string) error {
	if err := checkMetricName(metric); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+dataTable(metric)+` (
			locale VARCHAR(64) NOT NULL,
			date   DATE NOT NULL,
			value  DOUBLE PRECISION NOT NULL
		)`)
	if err != nil {
		return eris.Wrapf(err, "metrics: create data table for %q", metric)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS `+pgx.Identifier{"idx_metric_data_" + metric + "_locale_date"}.Sanitize()+`
		ON `+dataTable(metric)+` (locale, date)`)
	return eris.Wrapf(err, "metrics: index data table for %q", metric)
}

// SetDatapoint writes one (metric, month, locale) median. Delete-then-insert
// rather than a blind update: at most one row per key survives regardless of
// schema drift in pre-existing rows, and re-running a computation is safe.
func (s *Store) SetDatapoint(ctx context.Context, metric string, month YearMonth, localeID string, value float64) error {
	if err := checkMetricName(metric); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "metrics: begin datapoint write for %q", metric)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+dataTable(metric)+` WHERE locale = $1 AND date = $2`,
		localeID, month.DateString(),
	); err != nil {
		return eris.Wrapf(err, "metrics: clear datapoint %s/%s/%s", metric, month, localeID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+dataTable(metric)+` (locale, date, value) VALUES ($1, $2, $3)`,
		localeID, month.DateString(), value,
	); err != nil {
		return eris.Wrapf(err, "metrics: insert datapoint %s/%s/%s", metric, month, localeID)
	}

	return eris.Wrapf(tx.Commit(ctx), "metrics: commit datapoint %s/%s/%s", metric, month, localeID)
}

// ExistingMonths lists the months for which this metric already has
// datapoints. A metric whose data table does not exist yet has none.
func (s *Store) ExistingMonths(ctx context.Context, metric string) ([]YearMonth, error) {
	if err := checkMetricName(metric); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT to_char(date, 'YYYY_MM') FROM `+dataTable(metric)+` ORDER BY 1`)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "metrics: existing months for %q", metric)
	}
	defer rows.Close()

	var months []YearMonth
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrapf(err, "metrics: scan month for %q", metric)
		}
		ym, err := ParseYearMonth(raw)
		if err != nil {
			return nil, err
		}
		months = append(months, ym)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "metrics: iterate months for %q", metric)
	}
	return months, nil
}

// DeleteMonth removes all datapoints for one metric-month.
func (s *Store) DeleteMonth(ctx context.Context, metric string, month YearMonth) error {
	if err := checkMetricName(metric); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+dataTable(metric)+` WHERE date = $1`, month.DateString())
	if err != nil && !isUndefinedTable(err) {
		return eris.Wrapf(err, "metrics: delete month %s for %q", month, metric)
	}
	return nil
}

// DeleteAllData drops a metric's entire datapoint table.
func (s *Store) DeleteAllData(ctx context.Context, metric string) error {
	if err := checkMetricName(metric); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS `+dataTable(metric))
	return eris.Wrapf(err, "metrics: drop data table for %q", metric)
}

// isUndefinedTable matches Postgres undefined_table (42P01).
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
