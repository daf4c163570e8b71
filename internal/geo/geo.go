// Package geo holds the great-circle math used to match requests to
// volunteers. All functions are pure.
package geo

import "math"

// EarthRadiusKm is the mean earth radius used for every distance here
const EarthRadiusKm = 6371.0

// BoundingBox is a lat/lng rectangle in degrees
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// Contains reports whether the point lies inside the box, edges included
func (b BoundingBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// ValidCoordinates reports whether lat/lng are finite and in range
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// DistanceKm returns the haversine distance between two points
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// BoundingBoxFor returns the smallest lat/lng rectangle enclosing the circle
// of radiusKm around (lat, lng). Near the poles or across the antimeridian
// the longitude span widens to the whole globe, so the box may over-select
// but never misses a point inside the circle.
func BoundingBoxFor(lat, lng, radiusKm float64) BoundingBox {
	d := radiusKm / EarthRadiusKm
	latRad := toRadians(lat)
	lngRad := toRadians(lng)

	minLat := latRad - d
	maxLat := latRad + d

	if minLat <= -math.Pi/2 || maxLat >= math.Pi/2 {
		return BoundingBox{
			MinLat: math.Max(toDegrees(minLat), -90),
			MaxLat: math.Min(toDegrees(maxLat), 90),
			MinLng: -180,
			MaxLng: 180,
		}
	}

	ratio := math.Sin(d) / math.Cos(latRad)
	if ratio >= 1 {
		return BoundingBox{MinLat: toDegrees(minLat), MaxLat: toDegrees(maxLat), MinLng: -180, MaxLng: 180}
	}
	deltaLng := math.Asin(ratio)

	minLng := toDegrees(lngRad - deltaLng)
	maxLng := toDegrees(lngRad + deltaLng)
	if minLng < -180 || maxLng > 180 {
		minLng, maxLng = -180, 180
	}

	return BoundingBox{
		MinLat: toDegrees(minLat),
		MaxLat: toDegrees(maxLat),
		MinLng: minLng,
		MaxLng: maxLng,
	}
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }
