package locale

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves canned rows per granularity and can be told to fail.
type fakeSource struct {
	rows  map[Granularity][]Row
	fail  map[Granularity]error
	loads int
}

func (f *fakeSource) LoadByType(_ context.Context, g Granularity) ([]Row, error) {
	f.loads++
	if err := f.fail[g]; err != nil {
		return nil, err
	}
	return f.rows[g], nil
}

func testSource() *fakeSource {
	return &fakeSource{
		rows: map[Granularity][]Row{
			Country: {
				{ID: "us", Name: "United States", Latitude: 39.8, Longitude: -98.6},
				{ID: "gb", Name: "United Kingdom", Latitude: 54.0, Longitude: -2.0},
			},
			Region: {
				{ID: "us_ny", Name: "New York", Parent: "us", Latitude: 42.9, Longitude: -75.5},
			},
			City: {
				{ID: "us_ny_" + EncodeCityName("New York"), Name: "New York", Parent: "us_ny", Latitude: 40.71, Longitude: -74.01},
			},
		},
		fail: map[Granularity]error{},
	}
}

func TestCatalog_BuildsHierarchy(t *testing.T) {
	cat := NewCatalog(testSource(), time.Hour)
	ctx := context.Background()

	world, err := cat.Get(ctx, WorldID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"us", "gb"}, world.Children)

	us, err := cat.Get(ctx, "us")
	require.NoError(t, err)
	assert.Equal(t, WorldID, us.Parent)
	assert.Equal(t, []string{"us_ny"}, us.Children)

	ny, err := cat.Get(ctx, "us_ny")
	require.NoError(t, err)
	assert.Equal(t, "us", ny.Parent)
	require.Len(t, ny.Children, 1)

	city, err := cat.Get(ctx, ny.Children[0])
	require.NoError(t, err)
	assert.Equal(t, "New York", city.Name)
}

func TestCatalog_GetUnknown(t *testing.T) {
	cat := NewCatalog(testSource(), time.Hour)

	_, err := cat.Get(context.Background(), "atlantis")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_ListByType(t *testing.T) {
	cat := NewCatalog(testSource(), time.Hour)

	ids, err := cat.ListByType(context.Background(), Country)
	require.NoError(t, err)
	assert.Equal(t, []string{"us", "gb"}, ids)

	ids, err = cat.ListByType(context.Background(), World)
	require.NoError(t, err)
	assert.Equal(t, []string{WorldID}, ids)
}

func TestCatalog_DanglingParentDegrades(t *testing.T) {
	src := testSource()
	src.rows[Region] = append(src.rows[Region],
		Row{ID: "zz_xx", Name: "Orphan", Parent: "zz", Latitude: 0, Longitude: 0})

	cat := NewCatalog(src, time.Hour)
	orphan, err := cat.Get(context.Background(), "zz_xx")
	require.NoError(t, err)
	assert.Empty(t, orphan.Parent)
}

func TestCatalog_FirstLoadFailureIsFatal(t *testing.T) {
	src := testSource()
	src.fail[Country] = eris.New("backend down")

	cat := NewCatalog(src, time.Hour)
	_, err := cat.Get(context.Background(), "us")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefresh)
}

func TestCatalog_ServesStaleOnRefreshFailure(t *testing.T) {
	src := testSource()
	cat := NewCatalog(src, time.Hour)

	_, err := cat.Get(context.Background(), "us")
	require.NoError(t, err)

	// Later rebuilds fail; existing snapshot keeps serving.
	src.fail[Country] = eris.New("backend down")
	require.NoError(t, cat.ForceRefresh(context.Background()))

	us, err := cat.Get(context.Background(), "us")
	require.NoError(t, err)
	assert.Equal(t, "United States", us.Name)
}

func TestCatalog_RefreshWithinIntervalIsNoop(t *testing.T) {
	src := testSource()
	cat := NewCatalog(src, time.Hour)

	_, err := cat.Get(context.Background(), "us")
	require.NoError(t, err)
	loadsAfterBuild := src.loads

	_, err = cat.Get(context.Background(), "gb")
	require.NoError(t, err)
	require.NoError(t, cat.Refresh(context.Background()))
	assert.Equal(t, loadsAfterBuild, src.loads)
}

func TestCatalog_ForceRefreshRebuilds(t *testing.T) {
	src := testSource()
	cat := NewCatalog(src, time.Hour)

	_, err := cat.Get(context.Background(), "us")
	require.NoError(t, err)

	src.rows[Country] = append(src.rows[Country],
		Row{ID: "de", Name: "Germany", Latitude: 51.2, Longitude: 10.4})
	require.NoError(t, cat.ForceRefresh(context.Background()))

	de, err := cat.Get(context.Background(), "de")
	require.NoError(t, err)
	assert.Equal(t, WorldID, de.Parent)
}
