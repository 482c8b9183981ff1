package zoneimport

import (
	"strconv"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/model"
)

// ShapefileOptions names the attribute columns. Empty names use the
// defaults ZONE_ID, NAME, CATEGORY, GROUPS and RADIUS_M.
type ShapefileOptions struct {
	TenantID        string
	DefaultCategory model.ZoneCategory
	IDField         string
	NameField       string
	CategoryField   string
	// GroupsField holds a comma-separated group id list.
	GroupsField string
	// RadiusField turns point records into circles.
	RadiusField string
}

func (o *ShapefileOptions) defaults() {
	if o.IDField == "" {
		o.IDField = "ZONE_ID"
	}
	if o.NameField == "" {
		o.NameField = "NAME"
	}
	if o.CategoryField == "" {
		o.CategoryField = "CATEGORY"
	}
	if o.GroupsField == "" {
		o.GroupsField = "GROUPS"
	}
	if o.RadiusField == "" {
		o.RadiusField = "RADIUS_M"
	}
	if o.DefaultCategory == "" {
		o.DefaultCategory = model.ZoneCategoryOther
	}
}

// ReadShapefile reads zones from an ESRI shapefile in WGS84. Polygon
// records use their outer ring; point records need a radius attribute.
// Records without an id or usable geometry are skipped.
func ReadShapefile(path string, opts ShapefileOptions, now time.Time) ([]model.Zone, error) {
	if opts.TenantID == "" {
		return nil, eris.New("zoneimport: shapefile import needs a tenant id")
	}
	opts.defaults()

	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "zoneimport: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fieldIdx := make(map[string]int)
	for i, f := range reader.Fields() {
		fieldIdx[strings.ToLower(strings.TrimRight(f.String(), "\x00"))] = i
	}
	attr := func(name string) string {
		idx, ok := fieldIdx[strings.ToLower(name)]
		if !ok {
			return ""
		}
		return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
	}
	if _, ok := fieldIdx[strings.ToLower(opts.IDField)]; !ok {
		return nil, eris.Errorf("zoneimport: shapefile has no %s field", opts.IDField)
	}

	var zones []model.Zone
	var skipped int
	for reader.Next() {
		n, shape := reader.Shape()
		id := attr(opts.IDField)
		if id == "" || shape == nil {
			skipped++
			continue
		}

		z := model.Zone{
			ID:        id,
			TenantID:  opts.TenantID,
			Name:      attr(opts.NameField),
			Category:  model.ZoneCategory(strings.ToUpper(attr(opts.CategoryField))),
			Active:    true,
			UpdatedAt: now,
		}
		if z.Category == "" {
			z.Category = opts.DefaultCategory
		}
		if groups := attr(opts.GroupsField); groups != "" {
			for _, g := range strings.Split(groups, ",") {
				if g = strings.TrimSpace(g); g != "" {
					z.GroupIDs = append(z.GroupIDs, g)
				}
			}
		}

		switch s := shape.(type) {
		case *shp.Polygon:
			z.Shape = model.Polygon{Vertices: outerRing(s)}
		case *shp.Point:
			radius, err := strconv.ParseFloat(attr(opts.RadiusField), 64)
			if err != nil {
				zap.L().Warn("zoneimport: point record without radius",
					zap.Int("record", n), zap.String("zone_id", id))
				skipped++
				continue
			}
			z.Shape = model.Circle{Center: model.Point{Lat: s.Y, Lon: s.X}, RadiusMeters: radius}
		default:
			skipped++
			continue
		}
		zones = append(zones, z)
	}

	if skipped > 0 {
		zap.L().Info("zoneimport: skipped shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return zones, nil
}

func outerRing(p *shp.Polygon) []model.Point {
	end := int32(len(p.Points))
	if p.NumParts > 1 {
		end = p.Parts[1]
	}
	var start int32
	if p.NumParts > 0 {
		start = p.Parts[0]
	}
	ring := make([]model.Point, 0, end-start)
	for _, pt := range p.Points[start:end] {
		ring = append(ring, model.Point{Lat: pt.Y, Lon: pt.X})
	}
	return openRing(ring)
}
