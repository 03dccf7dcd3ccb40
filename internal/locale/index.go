package locale

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// indexSnapshot holds the three granularity trees of one build generation.
// Swapped as a unit so readers can never observe a torn mix of fresh and
// stale trees.
type indexSnapshot struct {
	country *GeoTree
	region  *GeoTree
	city    *GeoTree
	builtAt time.Time
}

// Index answers nearest-locale queries for arbitrary coordinates. It is
// rebuilt wholesale from the catalog on a time-to-live; concurrent redundant
// rebuilds are tolerated as wasted work, the last writer's snapshot wins.
type Index struct {
	catalog  *Catalog
	interval time.Duration

	snap    atomic.Pointer[indexSnapshot]
	buildMu sync.Mutex
}

// NewIndex creates an index over the given catalog, rebuilding at most once
// per interval.
func NewIndex(catalog *Catalog, interval time.Duration) *Index {
	return &Index{catalog: catalog, interval: interval}
}

// FindNearest returns the id of the locale of the given granularity closest
// to (lat, lon). The index is built lazily on first use.
func (ix *Index) FindNearest(ctx context.Context, g Granularity, lat, lon float64) (string, error) {
	snap, err := ix.current(ctx)
	if err != nil {
		return "", err
	}

	var tree *GeoTree
	switch g {
	case Country:
		tree = snap.country
	case Region:
		tree = snap.region
	case City:
		tree = snap.city
	case World:
		return WorldID, nil
	default:
		return "", eris.Errorf("locale: no index for granularity %q", g)
	}

	id, ok := tree.Nearest(lat, lon)
	if !ok {
		return "", eris.Wrapf(ErrNotFound, "no %s locales indexed", g)
	}
	return id, nil
}

// Refresh rebuilds all three trees if the snapshot is older than the
// interval.
func (ix *Index) Refresh(ctx context.Context) error {
	return ix.refresh(ctx, false)
}

// ForceRefresh rebuilds all three trees regardless of age.
func (ix *Index) ForceRefresh(ctx context.Context) error {
	return ix.refresh(ctx, true)
}

func (ix *Index) current(ctx context.Context) (*indexSnapshot, error) {
	if snap := ix.snap.Load(); snap != nil && time.Since(snap.builtAt) < ix.interval {
		return snap, nil
	}
	if err := ix.refresh(ctx, false); err != nil {
		// A stale snapshot still serves lookups when the rebuild fails.
		if snap := ix.snap.Load(); snap != nil {
			zap.L().Error("locale: index refresh failed, serving stale index", zap.Error(err))
			return snap, nil
		}
		return nil, err
	}
	return ix.snap.Load(), nil
}

// refresh builds the three trees all-or-nothing: if any granularity fails to
// load, the previous snapshot stays untouched rather than mixing fresh and
// stale trees.
func (ix *Index) refresh(ctx context.Context, force bool) error {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	prev := ix.snap.Load()
	if prev != nil && !force && time.Since(prev.builtAt) < ix.interval {
		return nil
	}

	snap := &indexSnapshot{builtAt: time.Now()}
	for _, b := range []struct {
		g    Granularity
		dest **GeoTree
	}{
		{Country, &snap.country},
		{Region, &snap.region},
		{City, &snap.city},
	} {
		locales, err := ix.catalog.Locales(ctx, b.g)
		if err != nil {
			return eris.Wrapf(ErrRefresh, "index build for %s: %v", b.g, err)
		}
		*b.dest = NewGeoTree(locales)
	}

	ix.snap.Store(snap)
	zap.L().Info("locale: index rebuilt",
		zap.Int("countries", snap.country.Len()),
		zap.Int("regions", snap.region.Len()),
		zap.Int("cities", snap.city.Len()),
	)
	return nil
}
