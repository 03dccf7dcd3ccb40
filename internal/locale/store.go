package locale

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/perfatlas/perfatlas/internal/db"
)

// Migration creates the locales table.
const Migration = `
CREATE TABLE IF NOT EXISTS locales (
	id        VARCHAR(64) PRIMARY KEY,
	name      TEXT NOT NULL,
	type      VARCHAR(16) NOT NULL,
	parent    VARCHAR(64),
	latitude  DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_locales_type ON locales(type);
`

// PostgresSource loads locale rows from the relational store.
type PostgresSource struct {
	pool db.Pool
}

// NewPostgresSource creates a Source over the given pool.
func NewPostgresSource(pool db.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// LoadByType returns all locale rows of one granularity.
func (s *PostgresSource) LoadByType(ctx context.Context, g Granularity) ([]Row, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, COALESCE(parent, ''), latitude, longitude FROM locales WHERE type = $1 ORDER BY id`,
		string(g),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "locale: load %s rows", g)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Name, &r.Parent, &r.Latitude, &r.Longitude); err != nil {
			return nil, eris.Wrapf(err, "locale: scan %s row", g)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "locale: iterate %s rows", g)
	}
	return out, nil
}
