package geofence

import (
	"fmt"
	"math"

	"github.com/sells-group/geoattend/internal/model"
)

// ZoneConfigError reports a zone whose definition cannot be matched against.
// Such a zone is excluded from matching until it is corrected; other zones
// are unaffected.
type ZoneConfigError struct {
	ZoneID   string
	TenantID string
	Reason   string
}

func (e *ZoneConfigError) Error() string {
	return fmt.Sprintf("geofence: zone %s/%s: %s", e.TenantID, e.ZoneID, e.Reason)
}

// Validate checks zone geometry and metadata. It is called when zones are
// loaded, never at match time.
func Validate(z model.Zone) error {
	fail := func(format string, args ...any) error {
		return &ZoneConfigError{ZoneID: z.ID, TenantID: z.TenantID, Reason: fmt.Sprintf(format, args...)}
	}

	if z.ID == "" {
		return fail("missing id")
	}
	if z.TenantID == "" {
		return fail("missing tenant")
	}
	if !z.Category.Valid() {
		return fail("unknown category %q", z.Category)
	}
	if z.HysteresisMarginMeters < 0 || !finite(z.HysteresisMarginMeters) {
		return fail("invalid hysteresis margin %v", z.HysteresisMarginMeters)
	}

	switch s := z.Shape.(type) {
	case model.Circle:
		if !validPoint(s.Center) {
			return fail("circle center out of range")
		}
		if !(s.RadiusMeters > 0) || !finite(s.RadiusMeters) {
			return fail("radius must be positive, got %v", s.RadiusMeters)
		}
	case model.Polygon:
		if len(s.Vertices) < 3 {
			return fail("polygon needs at least 3 vertices, got %d", len(s.Vertices))
		}
		for i, v := range s.Vertices {
			if !validPoint(v) {
				return fail("polygon vertex %d out of range", i)
			}
		}
		if distinctVertices(s.Vertices) < 3 {
			return fail("polygon has fewer than 3 distinct vertices")
		}
	case nil:
		return fail("missing shape")
	default:
		return fail("unsupported shape %T", z.Shape)
	}
	return nil
}

func validPoint(p model.Point) bool {
	return finite(p.Lat) && finite(p.Lon) &&
		p.Lat >= -90 && p.Lat <= 90 &&
		p.Lon >= -180 && p.Lon <= 180
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func distinctVertices(vs []model.Point) int {
	seen := make(map[model.Point]struct{}, len(vs))
	for _, v := range vs {
		seen[v] = struct{}{}
	}
	return len(seen)
}
