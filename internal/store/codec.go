package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/geoattend/internal/model"
)

// zoneColumns holds the serialized forms of a zone's composite fields.
type zoneColumns struct {
	shape    []byte
	groupIDs []byte
}

func encodeZone(z model.Zone) (zoneColumns, error) {
	shape, err := model.MarshalShape(z.Shape)
	if err != nil {
		return zoneColumns{}, eris.Wrapf(err, "encode zone %s shape", z.ID)
	}
	groups := z.GroupIDs
	if groups == nil {
		groups = []string{}
	}
	groupIDs, err := json.Marshal(groups)
	if err != nil {
		return zoneColumns{}, eris.Wrapf(err, "encode zone %s groups", z.ID)
	}
	return zoneColumns{shape: shape, groupIDs: groupIDs}, nil
}

func decodeZone(z *model.Zone, shape, groupIDs []byte) error {
	s, err := model.UnmarshalShape(shape)
	if err != nil {
		return eris.Wrapf(err, "decode zone %s shape", z.ID)
	}
	z.Shape = s
	if len(groupIDs) > 0 {
		if err := json.Unmarshal(groupIDs, &z.GroupIDs); err != nil {
			return eris.Wrapf(err, "decode zone %s groups", z.ID)
		}
	}
	if len(z.GroupIDs) == 0 {
		z.GroupIDs = nil
	}
	return nil
}

// zoneEWKB encodes the zone geometry as EWKB with SRID 4326 so PostGIS
// consumers can read it with ST_GeomFromEWKB. Circles are stored as their
// center point; the radius lives in the shape document.
func zoneEWKB(z model.Zone) ([]byte, error) {
	var g geom.T
	switch s := z.Shape.(type) {
	case model.Circle:
		g = geom.NewPointFlat(geom.XY, []float64{s.Center.Lon, s.Center.Lat}).SetSRID(4326)
	case model.Polygon:
		flat := make([]float64, 0, (len(s.Vertices)+1)*2)
		for _, v := range s.Vertices {
			flat = append(flat, v.Lon, v.Lat)
		}
		// WKB rings are closed.
		flat = append(flat, s.Vertices[0].Lon, s.Vertices[0].Lat)
		g = geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}).SetSRID(4326)
	default:
		return nil, eris.Errorf("encode zone %s geometry: unsupported shape %T", z.ID, z.Shape)
	}

	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrapf(err, "encode zone %s geometry", z.ID)
	}
	return data, nil
}
