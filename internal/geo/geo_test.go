package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKmKnownPairs(t *testing.T) {
	assert.InDelta(t, 0.0, DistanceKm(40, -74, 40, -74), 1e-9)

	// One degree of latitude is 2*pi*R/360.
	oneDegree := 2 * math.Pi * EarthRadiusKm / 360
	assert.InDelta(t, oneDegree, DistanceKm(10, 20, 11, 20), 1e-6)

	// Symmetric
	assert.InDelta(t, DistanceKm(40, -74, 51.5, -0.12), DistanceKm(51.5, -0.12, 40, -74), 1e-9)

	// New York to London is roughly 5570 km.
	assert.InDelta(t, 5570, DistanceKm(40.7128, -74.0060, 51.5074, -0.1278), 15)
}

func TestBoundingBoxEdgesAreRadiusAway(t *testing.T) {
	cases := []struct {
		lat, lng, r float64
	}{
		{40, -74, 5},
		{0, 0, 10},
		{-33.9, 151.2, 25},
		{64.1, -21.9, 100},
	}

	for _, tc := range cases {
		box := BoundingBoxFor(tc.lat, tc.lng, tc.r)

		assert.InDelta(t, tc.r, DistanceKm(tc.lat, tc.lng, box.MinLat, tc.lng), 1e-6)
		assert.InDelta(t, tc.r, DistanceKm(tc.lat, tc.lng, box.MaxLat, tc.lng), 1e-6)

		// Longitude edges touch the circle at the tangent latitude.
		d := tc.r / EarthRadiusKm
		tangentLat := toDegrees(math.Asin(math.Sin(toRadians(tc.lat)) / math.Cos(d)))
		assert.InDelta(t, tc.r, DistanceKm(tc.lat, tc.lng, tangentLat, box.MinLng), 1e-6)
		assert.InDelta(t, tc.r, DistanceKm(tc.lat, tc.lng, tangentLat, box.MaxLng), 1e-6)
	}
}

func TestBoundingBoxNearPoleSpansAllLongitudes(t *testing.T) {
	box := BoundingBoxFor(89.99, 10, 5)

	assert.Equal(t, 90.0, box.MaxLat)
	assert.Equal(t, -180.0, box.MinLng)
	assert.Equal(t, 180.0, box.MaxLng)
	assert.True(t, box.Contains(89.98, -170))
}

func TestBoundingBoxAcrossAntimeridian(t *testing.T) {
	box := BoundingBoxFor(0, 179.99, 10)

	assert.Equal(t, -180.0, box.MinLng)
	assert.Equal(t, 180.0, box.MaxLng)
	// A point just across the line is inside the radius and must be inside the box.
	assert.Less(t, DistanceKm(0, 179.99, 0, -179.99), 10.0)
	assert.True(t, box.Contains(0, -179.99))
}

func TestBoundingBoxContainsCircle(t *testing.T) {
	lat, lng, r := 40.0, -74.0, 5.0
	box := BoundingBoxFor(lat, lng, r)

	for step := 0; step < 360; step += 15 {
		bearing := toRadians(float64(step))
		d := (r * 0.999) / EarthRadiusKm
		latR := toRadians(lat)
		pLat := math.Asin(math.Sin(latR)*math.Cos(d) + math.Cos(latR)*math.Sin(d)*math.Cos(bearing))
		pLng := toRadians(lng) + math.Atan2(math.Sin(bearing)*math.Sin(d)*math.Cos(latR), math.Cos(d)-math.Sin(latR)*math.Sin(pLat))

		assert.True(t, box.Contains(toDegrees(pLat), toDegrees(pLng)), "bearing %d", step)
	}
}

func TestValidCoordinates(t *testing.T) {
	assert.True(t, ValidCoordinates(0, 0))
	assert.True(t, ValidCoordinates(-90, 180))
	assert.False(t, ValidCoordinates(91, 0))
	assert.False(t, ValidCoordinates(0, -181))
	assert.False(t, ValidCoordinates(math.NaN(), 0))
}
