package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// ZoneCategory classifies what a zone is used for.
type ZoneCategory string

const (
	// ZoneCategoryPrimaryBoundary is the privileged zone whose entry drives attendance.
	ZoneCategoryPrimaryBoundary ZoneCategory = "PRIMARY_BOUNDARY"
	ZoneCategorySubarea         ZoneCategory = "SUBAREA"
	ZoneCategoryTransit         ZoneCategory = "TRANSIT"
	ZoneCategoryOther           ZoneCategory = "OTHER"
)

// Valid reports whether c is one of the known categories.
func (c ZoneCategory) Valid() bool {
	switch c {
	case ZoneCategoryPrimaryBoundary, ZoneCategorySubarea, ZoneCategoryTransit, ZoneCategoryOther:
		return true
	}
	return false
}

// Shape is the geometry of a zone: exactly one of Circle or Polygon.
type Shape interface {
	// Kind returns "circle" or "polygon".
	Kind() string
	isShape()
}

// Circle is a zone described by a center and a radius in meters.
type Circle struct {
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Kind implements Shape.
func (Circle) Kind() string { return "circle" }
func (Circle) isShape()     {}

// Polygon is a zone described by an ordered ring of vertices. The ring is
// implicitly closed; the first vertex is not repeated.
type Polygon struct {
	Vertices []Point `json:"vertices"`
}

// Kind implements Shape.
func (Polygon) Kind() string { return "polygon" }
func (Polygon) isShape()     {}

// Zone is a geofence owned by a tenant. Zones are managed elsewhere and are
// read-only to this service.
type Zone struct {
	ID                     string       `json:"id"`
	TenantID               string       `json:"tenant_id"`
	Name                   string       `json:"name"`
	Category               ZoneCategory `json:"category"`
	Shape                  Shape        `json:"-"`
	Active                 bool         `json:"active"`
	HysteresisMarginMeters float64      `json:"hysteresis_margin_meters"`
	GroupIDs               []string     `json:"group_ids,omitempty"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// shapeEnvelope is the tagged JSON form of a Shape.
type shapeEnvelope struct {
	Type         string  `json:"type"`
	Center       *Point  `json:"center,omitempty"`
	RadiusMeters float64 `json:"radius_meters,omitempty"`
	Vertices     []Point `json:"vertices,omitempty"`
}

// MarshalShape encodes a shape with its type tag.
func MarshalShape(s Shape) ([]byte, error) {
	switch v := s.(type) {
	case Circle:
		c := v.Center
		return json.Marshal(shapeEnvelope{Type: v.Kind(), Center: &c, RadiusMeters: v.RadiusMeters})
	case Polygon:
		return json.Marshal(shapeEnvelope{Type: v.Kind(), Vertices: v.Vertices})
	case nil:
		return nil, eris.New("model: nil shape")
	default:
		return nil, eris.Errorf("model: unknown shape %T", s)
	}
}

// UnmarshalShape decodes a tagged shape. A payload carrying both circle and
// polygon fields, or neither, is rejected.
func UnmarshalShape(data []byte) (Shape, error) {
	var env shapeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, eris.Wrap(err, "model: decode shape")
	}
	hasCircle := env.Center != nil || env.RadiusMeters != 0
	hasPolygon := len(env.Vertices) > 0
	if hasCircle && hasPolygon {
		return nil, eris.New("model: shape has both circle and polygon fields")
	}
	switch env.Type {
	case "circle":
		if env.Center == nil {
			return nil, eris.New("model: circle without center")
		}
		return Circle{Center: *env.Center, RadiusMeters: env.RadiusMeters}, nil
	case "polygon":
		if !hasPolygon {
			return nil, eris.New("model: polygon without vertices")
		}
		return Polygon{Vertices: env.Vertices}, nil
	default:
		return nil, eris.Errorf("model: unknown shape type %q", env.Type)
	}
}

// MarshalJSON encodes the zone including its tagged shape.
func (z Zone) MarshalJSON() ([]byte, error) {
	type plain Zone
	shape, err := MarshalShape(z.Shape)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Shape json.RawMessage `json:"shape"`
	}{plain: plain(z), Shape: shape})
}

// UnmarshalJSON decodes a zone including its tagged shape.
func (z *Zone) UnmarshalJSON(data []byte) error {
	type plain Zone
	var aux struct {
		plain
		Shape json.RawMessage `json:"shape"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return eris.Wrap(err, "model: decode zone")
	}
	*z = Zone(aux.plain)
	if len(aux.Shape) == 0 {
		return eris.New("model: zone without shape")
	}
	shape, err := UnmarshalShape(aux.Shape)
	if err != nil {
		return err
	}
	z.Shape = shape
	return nil
}
