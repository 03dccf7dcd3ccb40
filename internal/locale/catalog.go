package locale

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrRefresh wraps locale snapshot rebuild failures.
var ErrRefresh = eris.New("locale: refresh failed")

// Source loads raw locale rows from the relational backend.
type Source interface {
	LoadByType(ctx context.Context, g Granularity) ([]Row, error)
}

// Row is one locale record as stored in the backend.
type Row struct {
	ID        string
	Name      string
	Parent    string
	Latitude  float64
	Longitude float64
}

// snapshot is one immutable generation of the catalog. A refresh builds a
// complete replacement and swaps the pointer; readers never see a half-built
// graph.
type snapshot struct {
	locales map[string]*Locale
	byType  map[Granularity][]string
	builtAt time.Time
}

// Catalog is the TTL-cached locale metadata store. Safe for concurrent use.
type Catalog struct {
	source   Source
	interval time.Duration

	snap      atomic.Pointer[snapshot]
	refreshMu sync.Mutex
}

// NewCatalog creates a catalog refreshing from source at most once per
// interval.
func NewCatalog(source Source, interval time.Duration) *Catalog {
	return &Catalog{source: source, interval: interval}
}

// Get returns the locale with the given id, refreshing the snapshot first if
// it is stale. Unknown ids yield ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id string) (*Locale, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	loc, ok := snap.locales[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "locale %q", id)
	}
	return loc, nil
}

// ListByType returns the ids of all locales of the given granularity.
func (c *Catalog) ListByType(ctx context.Context, g Granularity) ([]string, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byType[g], nil
}

// Locales returns all locales of a granularity as full objects, for index
// construction.
func (c *Catalog) Locales(ctx context.Context, g Granularity) ([]*Locale, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	ids := snap.byType[g]
	out := make([]*Locale, 0, len(ids))
	for _, id := range ids {
		out = append(out, snap.locales[id])
	}
	return out, nil
}

// Refresh rebuilds the snapshot if it is older than the refresh interval.
// The very first load failing is fatal to the caller; once a snapshot
// exists, a failed rebuild keeps serving the stale snapshot and logs —
// stale data beats an outage here, and the aggregation engine never resolves
// bucket keys through the catalog, so staleness cannot misassign datapoints.
func (c *Catalog) Refresh(ctx context.Context) error {
	return c.refresh(ctx, false)
}

// ForceRefresh rebuilds the snapshot regardless of age.
func (c *Catalog) ForceRefresh(ctx context.Context) error {
	return c.refresh(ctx, true)
}

// current returns a fresh-enough snapshot, loading one if none exists yet.
func (c *Catalog) current(ctx context.Context) (*snapshot, error) {
	if snap := c.snap.Load(); snap != nil && time.Since(snap.builtAt) < c.interval {
		return snap, nil
	}
	if err := c.refresh(ctx, false); err != nil {
		return nil, err
	}
	return c.snap.Load(), nil
}

func (c *Catalog) refresh(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	prev := c.snap.Load()
	if prev != nil && !force && time.Since(prev.builtAt) < c.interval {
		return nil
	}

	snap, err := c.build(ctx)
	if err != nil {
		if prev == nil {
			return eris.Wrap(err, "locale: initial catalog load")
		}
		zap.L().Error("locale: catalog refresh failed, serving stale snapshot",
			zap.Time("snapshot_built_at", prev.builtAt),
			zap.Error(err),
		)
		return nil
	}

	c.snap.Store(snap)
	return nil
}

// build loads all locales coarsest-to-finest. The ordering is load-bearing:
// a child's parent reference can only be linked against an already-loaded
// parent. A dangling parent degrades to "no parent" rather than erroring.
func (c *Catalog) build(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{
		locales: map[string]*Locale{
			WorldID: {ID: WorldID, Name: "World"},
		},
		byType: map[Granularity][]string{
			World: {WorldID},
		},
		builtAt: time.Now(),
	}

	for _, g := range []Granularity{Country, Region, City} {
		rows, err := c.source.LoadByType(ctx, g)
		if err != nil {
			return nil, eris.Wrapf(ErrRefresh, "load %s locales: %v", g, err)
		}

		for _, row := range rows {
			loc := &Locale{
				ID:        row.ID,
				Name:      row.Name,
				Latitude:  row.Latitude,
				Longitude: row.Longitude,
				Parent:    row.Parent,
			}
			if loc.Parent == "" && g == Country {
				loc.Parent = WorldID
			}

			if parent, ok := snap.locales[loc.Parent]; ok {
				parent.Children = append(parent.Children, loc.ID)
			} else if loc.Parent != "" {
				zap.L().Warn("locale: dangling parent reference",
					zap.String("locale", loc.ID),
					zap.String("parent", loc.Parent),
				)
				loc.Parent = ""
			}

			snap.locales[loc.ID] = loc
			snap.byType[g] = append(snap.byType[g], loc.ID)
		}

		zap.L().Debug("locale: loaded granularity",
			zap.String("granularity", string(g)),
			zap.Int("count", len(snap.byType[g])),
		)
	}

	return snap, nil
}
