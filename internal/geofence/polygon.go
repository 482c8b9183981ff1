package geofence

import (
	"math"

	"github.com/sells-group/geoattend/internal/model"
)

// PointInRing tests p against the closed ring using ray casting with the
// even-odd rule. Longitude is the x axis, latitude the y axis.
func PointInRing(p model.Point, ring []model.Point) bool {
	if len(ring) < 3 {
		return false
	}

	inside := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		vi, vj := ring[i], ring[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			crossLon := (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lon
			if p.Lon < crossLon {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// DistanceToRing returns the minimum distance in meters from p to any edge
// of the ring. Edges are measured in an equirectangular projection centred
// on p, which is accurate for zones up to a few kilometers across.
func DistanceToRing(p model.Point, ring []model.Point) float64 {
	if len(ring) == 0 {
		return math.Inf(1)
	}

	best := math.Inf(1)
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		ax, ay := project(p, ring[j])
		bx, by := project(p, ring[i])
		if d := distanceToSegment(ax, ay, bx, by); d < best {
			best = d
		}
		j = i
	}
	return best
}

// project maps q into meters on the plane tangent at origin.
func project(origin, q model.Point) (x, y float64) {
	const degToRad = math.Pi / 180
	dLon := q.Lon - origin.Lon
	if dLon > 180 {
		dLon -= 360
	} else if dLon < -180 {
		dLon += 360
	}
	x = dLon * degToRad * math.Cos(origin.Lat*degToRad) * EarthRadiusMeters
	y = (q.Lat - origin.Lat) * degToRad * EarthRadiusMeters
	return x, y
}

// distanceToSegment is the distance from the origin to segment AB.
func distanceToSegment(ax, ay, bx, by float64) float64 {
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(ax, ay)
	}
	t := -(ax*dx + ay*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(ax+t*dx, ay+t*dy)
}
