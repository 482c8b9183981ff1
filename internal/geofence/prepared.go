package geofence

import (
	"math"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/geoattend/internal/model"
)

// Proximity is a containment result after the hysteresis buffer is applied.
type Proximity int

const (
	// Band means the point is within the margin of the boundary: neither a
	// confirmed entry nor a confirmed exit.
	Band Proximity = iota
	BufferedInside
	BufferedOutside
)

func (p Proximity) String() string {
	switch p {
	case BufferedInside:
		return "buffered_inside"
	case BufferedOutside:
		return "buffered_outside"
	default:
		return "band"
	}
}

// Prepared is a validated zone with its effective hysteresis margin and a
// lon/lat bounding box for cheap candidate filtering.
type Prepared struct {
	Zone   model.Zone
	Margin float64
	bounds *geom.Bounds
}

// Prepare validates z and precomputes matching data. defaultMargin applies
// when the zone does not carry its own margin.
func Prepare(z model.Zone, defaultMargin float64) (Prepared, error) {
	if err := Validate(z); err != nil {
		return Prepared{}, err
	}

	margin := z.HysteresisMarginMeters
	if margin == 0 {
		margin = defaultMargin
	}

	p := Prepared{Zone: z}
	switch s := z.Shape.(type) {
	case model.Circle:
		// Entry region stays non-empty.
		p.Margin = math.Min(margin, s.RadiusMeters/2)
		dLat := metersToDegrees(s.RadiusMeters)
		dLon := dLat / math.Max(math.Cos(s.Center.Lat*math.Pi/180), 1e-6)
		p.bounds = geom.NewBounds(geom.XY).Set(
			s.Center.Lon-dLon, s.Center.Lat-dLat,
			s.Center.Lon+dLon, s.Center.Lat+dLat,
		)
	case model.Polygon:
		flat := make([]float64, 0, len(s.Vertices)*2)
		for _, v := range s.Vertices {
			flat = append(flat, v.Lon, v.Lat)
		}
		p.bounds = geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}).Bounds()
		p.Margin = math.Min(margin, p.minSpanMeters()/4)
	}
	return p, nil
}

// Match runs the containment test.
func (p Prepared) Match(pt model.Point) Containment {
	return Contains(pt, p.Zone)
}

// Classify applies the hysteresis margin to a containment result. For
// circles a point enters at distance <= radius-margin and exits at
// distance >= radius+margin. For polygons the boundary is buffered by the
// margin on both sides.
func (p Prepared) Classify(c Containment) Proximity {
	switch s := p.Zone.Shape.(type) {
	case model.Circle:
		switch {
		case c.DistanceMeters <= s.RadiusMeters-p.Margin:
			return BufferedInside
		case c.DistanceMeters >= s.RadiusMeters+p.Margin:
			return BufferedOutside
		}
	case model.Polygon:
		if c.DistanceMeters >= p.Margin {
			if c.Inside {
				return BufferedInside
			}
			return BufferedOutside
		}
	}
	return Band
}

// Near reports whether pt lies within slackMeters of the zone's bounding
// box. A false result means the point is certainly not inside the zone.
func (p Prepared) Near(pt model.Point, slackMeters float64) bool {
	if p.bounds == nil {
		return true
	}
	dLat := metersToDegrees(slackMeters)
	dLon := dLat / math.Max(math.Cos(pt.Lat*math.Pi/180), 1e-6)
	return pt.Lon >= p.bounds.Min(0)-dLon && pt.Lon <= p.bounds.Max(0)+dLon &&
		pt.Lat >= p.bounds.Min(1)-dLat && pt.Lat <= p.bounds.Max(1)+dLat
}

func (p Prepared) minSpanMeters() float64 {
	minLon, minLat := p.bounds.Min(0), p.bounds.Min(1)
	maxLon, maxLat := p.bounds.Max(0), p.bounds.Max(1)
	width := HaversineDistance(model.Point{Lat: minLat, Lon: minLon}, model.Point{Lat: minLat, Lon: maxLon})
	height := HaversineDistance(model.Point{Lat: minLat, Lon: minLon}, model.Point{Lat: maxLat, Lon: minLon})
	return math.Min(width, height)
}

func metersToDegrees(m float64) float64 {
	return m / EarthRadiusMeters * 180 / math.Pi
}
