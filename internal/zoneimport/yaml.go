// Package zoneimport loads zone definitions from YAML files and ESRI
// shapefiles, validates them and hands them to the store.
package zoneimport

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/geoattend/internal/model"
)

// File is the YAML layout:
//
//	tenant_id: school-a
//	zones:
//	  - id: campus
//	    category: PRIMARY_BOUNDARY
//	    circle: {center: {lat: 24.7136, lon: 46.6753}, radius_meters: 150}
//	  - id: library
//	    category: SUBAREA
//	    polygon: [{lat: 24.7120, lon: 46.6740}, ...]
type File struct {
	TenantID string      `yaml:"tenant_id"`
	Zones    []ZoneEntry `yaml:"zones"`
}

// ZoneEntry is one zone in a YAML file. Exactly one of Circle or Polygon
// must be set.
type ZoneEntry struct {
	ID                     string        `yaml:"id"`
	TenantID               string        `yaml:"tenant_id"`
	Name                   string        `yaml:"name"`
	Category               string        `yaml:"category"`
	Active                 *bool         `yaml:"active"`
	HysteresisMarginMeters float64       `yaml:"hysteresis_margin_meters"`
	GroupIDs               []string      `yaml:"group_ids"`
	Circle                 *CircleEntry  `yaml:"circle"`
	Polygon                []model.Point `yaml:"polygon"`
}

// CircleEntry is a circle shape in a YAML file.
type CircleEntry struct {
	Center       model.Point `yaml:"center"`
	RadiusMeters float64     `yaml:"radius_meters"`
}

// ReadYAMLFile reads zones from a YAML file.
func ReadYAMLFile(path string, now time.Time) ([]model.Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "zoneimport: read %s", path)
	}
	return ReadYAML(bytes.NewReader(data), now)
}

// ReadYAML decodes zones. Entries inherit the file's tenant_id and are
// active unless they say otherwise.
func ReadYAML(r io.Reader, now time.Time) ([]model.Zone, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, eris.Wrap(err, "zoneimport: decode yaml")
	}

	zones := make([]model.Zone, 0, len(f.Zones))
	for i, e := range f.Zones {
		z := model.Zone{
			ID:                     e.ID,
			TenantID:               e.TenantID,
			Name:                   e.Name,
			Category:               model.ZoneCategory(e.Category),
			Active:                 e.Active == nil || *e.Active,
			HysteresisMarginMeters: e.HysteresisMarginMeters,
			GroupIDs:               e.GroupIDs,
			UpdatedAt:              now,
		}
		if z.TenantID == "" {
			z.TenantID = f.TenantID
		}
		if z.Category == "" {
			z.Category = model.ZoneCategoryOther
		}
		switch {
		case e.Circle != nil && len(e.Polygon) > 0:
			return nil, eris.Errorf("zoneimport: zone %d (%s) has both circle and polygon", i, e.ID)
		case e.Circle != nil:
			z.Shape = model.Circle{Center: e.Circle.Center, RadiusMeters: e.Circle.RadiusMeters}
		case len(e.Polygon) > 0:
			z.Shape = model.Polygon{Vertices: openRing(e.Polygon)}
		default:
			return nil, eris.Errorf("zoneimport: zone %d (%s) has no shape", i, e.ID)
		}
		zones = append(zones, z)
	}
	return zones, nil
}

// openRing drops a repeated closing vertex.
func openRing(vs []model.Point) []model.Point {
	if len(vs) > 1 && vs[0] == vs[len(vs)-1] {
		return vs[:len(vs)-1]
	}
	return vs
}
