// Package geofence computes point-in-zone containment and boundary distance
// for circular and polygonal zones. Every function here is pure and safe for
// concurrent use.
package geofence

import (
	"math"

	"github.com/golang/geo/s2"

	"github.com/sells-group/geoattend/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

// Containment is the raw result of matching one point against one zone.
type Containment struct {
	Inside bool `json:"inside"`
	// DistanceMeters is the distance to the center for circles and the
	// distance to the nearest edge for polygons.
	DistanceMeters float64 `json:"distance_meters"`
}

// Contains reports whether p lies inside z. The zone must have passed Validate.
func Contains(p model.Point, z model.Zone) Containment {
	switch s := z.Shape.(type) {
	case model.Circle:
		d := HaversineDistance(p, s.Center)
		return Containment{Inside: d <= s.RadiusMeters, DistanceMeters: d}
	case model.Polygon:
		return Containment{
			Inside:         PointInRing(p, s.Vertices),
			DistanceMeters: DistanceToRing(p, s.Vertices),
		}
	default:
		return Containment{Inside: false, DistanceMeters: math.Inf(1)}
	}
}

// HaversineDistance returns the great-circle distance between a and b in meters.
func HaversineDistance(a, b model.Point) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}
