package geo_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/timeclock/geo"
)

var saoPaulo = geo.Coordinates{Latitude: -23.5505, Longitude: -46.6333}

// north moves a point along its meridian; haversine distance is exactly R*dLat there.
func north(c geo.Coordinates, meters float64) geo.Coordinates {
	return geo.Coordinates{
		Latitude:  c.Latitude + meters/geo.EarthRadiusMeters*180/math.Pi,
		Longitude: c.Longitude,
	}
}

// =============================================================================
// DISTANCE
// =============================================================================

func TestDistance_SamePoint_IsZero(t *testing.T) {
	d, err := geo.Distance(saoPaulo, saoPaulo)
	require.NoError(t, err)
	assert.Equal(t, 0.0, d)
}

func TestDistance_IsSymmetric(t *testing.T) {
	rio := geo.Coordinates{Latitude: -22.9068, Longitude: -43.1729}

	ab, err := geo.Distance(saoPaulo, rio)
	require.NoError(t, err)
	ba, err := geo.Distance(rio, saoPaulo)
	require.NoError(t, err)

	assert.InDelta(t, ab, ba, 1e-6)
	assert.InDelta(t, 360_000, ab, 10_000, "SP-Rio is roughly 360km")
}

func TestDistance_OneDegreeOfLongitudeAtEquator(t *testing.T) {
	d, err := geo.Distance(geo.Coordinates{}, geo.Coordinates{Latitude: 0, Longitude: 1})
	require.NoError(t, err)
	assert.InEpsilon(t, 111_195, d, 0.01)
}

func TestDistance_OutOfRange_InvalidArgument(t *testing.T) {
	cases := []geo.Coordinates{
		{Latitude: 90.0001, Longitude: 0},
		{Latitude: -91, Longitude: 0},
		{Latitude: 0, Longitude: 180.5},
		{Latitude: 0, Longitude: -181},
		{Latitude: math.NaN(), Longitude: 0},
	}
	for _, c := range cases {
		_, err := geo.Distance(saoPaulo, c)
		assert.ErrorIs(t, err, geo.ErrInvalidArgument, "%v", c)

		_, err = geo.Distance(c, saoPaulo)
		assert.ErrorIs(t, err, geo.ErrInvalidArgument, "%v", c)
	}
}

func TestDistance_BoundaryCoordinatesAccepted(t *testing.T) {
	_, err := geo.Distance(geo.Coordinates{Latitude: 90, Longitude: 180}, geo.Coordinates{Latitude: -90, Longitude: -180})
	assert.NoError(t, err)
}

// =============================================================================
// FENCES
// =============================================================================

func TestIsWithin_ExactlyAtRadius_IsInside(t *testing.T) {
	// GIVEN: A point and a fence whose radius equals the distance to it
	point := north(saoPaulo, 100)
	d, err := geo.Distance(saoPaulo, point)
	require.NoError(t, err)
	fence := geo.Geofence{Label: "hq", Center: saoPaulo, RadiusMeters: d}

	// WHEN/THEN: The boundary counts as inside, with and without tolerance
	for _, tol := range []float64{0, geo.DefaultTolerance} {
		inside, err := geo.NewEngine(tol).IsWithin(point, fence)
		require.NoError(t, err)
		assert.True(t, inside, "tolerance %v", tol)
	}
}

func TestIsWithin_JustBeyondTolerance_IsOutside(t *testing.T) {
	engine := geo.NewEngine(geo.DefaultTolerance)
	fence := geo.Geofence{Label: "hq", Center: saoPaulo, RadiusMeters: 100}

	inside, err := engine.IsWithin(north(saoPaulo, 100.4), fence)
	require.NoError(t, err)
	assert.True(t, inside, "inside the 0.5% tolerance band")

	inside, err = engine.IsWithin(north(saoPaulo, 100*(1+geo.DefaultTolerance)+0.01), fence)
	require.NoError(t, err)
	assert.False(t, inside)
}

func TestIsWithin_NegativeRadius_InvalidArgument(t *testing.T) {
	_, err := geo.NewEngine(0).IsWithin(saoPaulo, geo.Geofence{Center: saoPaulo, RadiusMeters: -1})
	assert.ErrorIs(t, err, geo.ErrInvalidArgument)
}

func TestNewEngine_NegativeTolerance_UsesDefault(t *testing.T) {
	assert.Equal(t, geo.DefaultTolerance, geo.NewEngine(-1).Tolerance)
	assert.Equal(t, 0.02, geo.NewEngine(0.02).Tolerance)
}

func TestCheckMultiple_ReturnsOnlyContainingFences(t *testing.T) {
	engine := geo.NewEngine(geo.DefaultTolerance)
	fences := []geo.Geofence{
		{ID: "a", Label: "near", Center: saoPaulo, RadiusMeters: 100},
		{ID: "b", Label: "far", Center: north(saoPaulo, 5000), RadiusMeters: 100},
		{ID: "c", Label: "wide", Center: north(saoPaulo, 300), RadiusMeters: 400},
	}

	matches, err := engine.CheckMultiple(north(saoPaulo, 50), fences)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].Fence.ID)
	assert.Equal(t, "c", matches[1].Fence.ID)

	best, ok, err := engine.IsWithinAny(north(saoPaulo, 50), fences)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", best.Fence.ID)
	assert.InDelta(t, 50, best.DistanceMeters, 0.01)
}

func TestIsWithinAny_NoFences_NoMatch(t *testing.T) {
	_, ok, err := geo.NewEngine(0).IsWithinAny(saoPaulo, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNearest_PicksClosestCenter(t *testing.T) {
	engine := geo.NewEngine(0)
	fences := []geo.Geofence{
		{ID: "far", Center: north(saoPaulo, 2000), RadiusMeters: 10},
		{ID: "near", Center: north(saoPaulo, 600), RadiusMeters: 10},
	}

	m, ok, err := engine.Nearest(saoPaulo, fences)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "near", m.Fence.ID)
	assert.False(t, m.Within)
	assert.InDelta(t, 600, m.DistanceMeters, 0.01)
}

// =============================================================================
// PRESENTATION HELPERS
// =============================================================================

func TestBearing_CardinalDirections(t *testing.T) {
	origin := geo.Coordinates{}

	cases := map[string]struct {
		to   geo.Coordinates
		want float64
	}{
		"north": {geo.Coordinates{Latitude: 1}, 0},
		"east":  {geo.Coordinates{Longitude: 1}, 90},
		"south": {geo.Coordinates{Latitude: -1}, 180},
		"west":  {geo.Coordinates{Longitude: -1}, 270},
	}
	for name, tc := range cases {
		got, err := geo.Bearing(origin, tc.to)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, got, 1e-9, name)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.Less(t, got, 360.0)
	}
}

func TestFormatDistance(t *testing.T) {
	assert.Equal(t, "500m", geo.FormatDistance(500))
	assert.Equal(t, "0m", geo.FormatDistance(0.2))
	assert.Equal(t, "999m", geo.FormatDistance(999.4))
	assert.Equal(t, "2.8km", geo.FormatDistance(2800))
	assert.Equal(t, "1.0km", geo.FormatDistance(1000))
}
