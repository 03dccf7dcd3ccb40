package locale

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_FindNearest(t *testing.T) {
	cat := NewCatalog(testSource(), time.Hour)
	ix := NewIndex(cat, time.Hour)
	ctx := context.Background()

	id, err := ix.FindNearest(ctx, Country, 40.0, -100.0)
	require.NoError(t, err)
	assert.Equal(t, "us", id)

	id, err = ix.FindNearest(ctx, Region, 41.0, -74.0)
	require.NoError(t, err)
	assert.Equal(t, "us_ny", id)

	id, err = ix.FindNearest(ctx, City, 40.7, -74.0)
	require.NoError(t, err)
	assert.Equal(t, "us_ny_"+EncodeCityName("New York"), id)
}

func TestIndex_WorldShortCircuits(t *testing.T) {
	// The world lookup never touches the trees, so a failing source is fine.
	src := testSource()
	src.fail[Country] = eris.New("backend down")
	ix := NewIndex(NewCatalog(src, time.Hour), time.Hour)

	id, err := ix.FindNearest(context.Background(), World, 12.3, 45.6)
	require.NoError(t, err)
	assert.Equal(t, WorldID, id)
}

func TestIndex_FirstBuildFailure(t *testing.T) {
	src := testSource()
	src.fail[City] = eris.New("backend down")
	ix := NewIndex(NewCatalog(src, time.Hour), time.Hour)

	_, err := ix.FindNearest(context.Background(), Country, 40.0, -100.0)
	assert.Error(t, err)
}

func TestIndex_BuildFailureLeavesNoPartialSnapshot(t *testing.T) {
	src := testSource()
	src.fail[City] = eris.New("backend down")
	cat := NewCatalog(src, time.Hour)
	ix := NewIndex(cat, time.Hour)
	ctx := context.Background()

	// Countries would have loaded fine, but a failed city load must not
	// leave a torn snapshot with only some trees populated.
	_, err := ix.FindNearest(ctx, Country, 40.0, -100.0)
	require.Error(t, err)

	delete(src.fail, City)
	require.NoError(t, ix.ForceRefresh(ctx))

	id, err := ix.FindNearest(ctx, City, 40.7, -74.0)
	require.NoError(t, err)
	assert.Equal(t, "us_ny_"+EncodeCityName("New York"), id)
}

func TestIndex_UnknownGranularity(t *testing.T) {
	ix := NewIndex(NewCatalog(testSource(), time.Hour), time.Hour)

	_, err := ix.FindNearest(context.Background(), Granularity("continent"), 0, 0)
	assert.Error(t, err)
}
