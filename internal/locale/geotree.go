package locale

import (
	"math"
	"sort"

	"go.uber.org/zap"
)

// projectionRadius is the sphere radius used for the Cartesian projection.
// Truncating to 4-byte-range integers keeps key comparisons exact and cheap;
// a larger radius would buy precision at the cost of wider keys.
const projectionRadius = float64(1<<31 - 1)

// cartesian is a projected 3-D integer coordinate.
type cartesian [3]int64

// project converts latitude/longitude in degrees to integer Cartesian
// coordinates on a sphere of radius projectionRadius:
//
//	x = r·sin(lat)·cos(lon), y = r·sin(lat)·sin(lon), z = r·cos(lat)
func project(lat, lon float64) cartesian {
	latR := lat * math.Pi / 180
	lonR := lon * math.Pi / 180

	return cartesian{
		int64(projectionRadius * math.Sin(latR) * math.Cos(lonR)),
		int64(projectionRadius * math.Sin(latR) * math.Sin(lonR)),
		int64(projectionRadius * math.Cos(latR)),
	}
}

// distSq is the squared Euclidean distance between two keys. Computed in
// float64: coordinate deltas reach 2^32, whose squares overflow int64.
func distSq(a, b cartesian) float64 {
	dx := float64(a[0] - b[0])
	dy := float64(a[1] - b[1])
	dz := float64(a[2] - b[2])
	return dx*dx + dy*dy + dz*dz
}

// geoEntry pairs a projected key with its locale id.
type geoEntry struct {
	key cartesian
	id  string
}

// kdNode is one node of the static KD-tree.
type kdNode struct {
	entry       geoEntry
	left, right *kdNode
}

// GeoTree is an immutable nearest-neighbor index over Cartesian-projected
// locale coordinates. Built once per catalog snapshot, never mutated.
type GeoTree struct {
	root *kdNode
	size int
}

// NewGeoTree builds a GeoTree from the given locales. Distinct locales whose
// projected keys collide are logged as a data-quality warning; the most
// recently inserted one wins lookups landing exactly on the shared key.
func NewGeoTree(locales []*Locale) *GeoTree {
	seen := make(map[cartesian]int, len(locales))
	entries := make([]geoEntry, 0, len(locales))

	for _, loc := range locales {
		key := project(loc.Latitude, loc.Longitude)
		if i, ok := seen[key]; ok {
			zap.L().Warn("geotree: projected coordinate collision",
				zap.String("kept", loc.ID),
				zap.String("shadowed", entries[i].id),
			)
			entries[i] = geoEntry{key: key, id: loc.ID}
			continue
		}
		seen[key] = len(entries)
		entries = append(entries, geoEntry{key: key, id: loc.ID})
	}

	return &GeoTree{
		root: buildKD(entries, 0),
		size: len(entries),
	}
}

// Len returns the number of indexed locales.
func (t *GeoTree) Len() int {
	return t.size
}

// Nearest returns the locale id whose projected key is closest to the given
// coordinates by Euclidean distance. No distance threshold applies; the
// nearest known locale is returned even if far away. The second return is
// false only for an empty tree.
func (t *GeoTree) Nearest(lat, lon float64) (string, bool) {
	if t.root == nil {
		return "", false
	}
	target := project(lat, lon)

	best := t.root.entry
	bestDist := distSq(target, best.key)
	nearestKD(t.root, target, 0, &best, &bestDist)
	return best.id, true
}

func buildKD(entries []geoEntry, depth int) *kdNode {
	if len(entries) == 0 {
		return nil
	}

	axis := depth % 3
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key[axis] < entries[j].key[axis]
	})
	mid := len(entries) / 2

	return &kdNode{
		entry: entries[mid],
		left:  buildKD(entries[:mid], depth+1),
		right: buildKD(entries[mid+1:], depth+1),
	}
}

func nearestKD(n *kdNode, target cartesian, depth int, best *geoEntry, bestDist *float64) {
	if n == nil {
		return
	}

	if d := distSq(target, n.entry.key); d < *bestDist {
		*best = n.entry
		*bestDist = d
	}

	axis := depth % 3
	diff := float64(target[axis] - n.entry.key[axis])

	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}

	nearestKD(near, target, depth+1, best, bestDist)

	// Only cross the splitting plane when the best-so-far sphere intersects it.
	if diff*diff < *bestDist {
		nearestKD(far, target, depth+1, best, bestDist)
	}
}
