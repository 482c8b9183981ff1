package zoneimport

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/geofence"
	"github.com/sells-group/geoattend/internal/model"
)

// ZoneWriter persists zones. store.Store satisfies it.
type ZoneWriter interface {
	UpsertZones(ctx context.Context, zones []model.Zone) (int, error)
}

// Problem is one invalid zone.
type Problem struct {
	Index  int
	ZoneID string
	Err    error
}

// ErrInvalidZones is returned by Import when validation failed and
// invalid zones were not to be skipped.
var ErrInvalidZones = eris.New("zoneimport: invalid zones")

// Load reads zones from path, choosing the reader by file extension.
func Load(path string, shpOpts ShapefileOptions, now time.Time) ([]model.Zone, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return ReadYAMLFile(path, now)
	case ".shp":
		return ReadShapefile(path, shpOpts, now)
	default:
		return nil, eris.Errorf("zoneimport: unsupported file type %q", ext)
	}
}

// Validate checks every zone and reports all problems, including ids that
// repeat within a tenant.
func Validate(zones []model.Zone) []Problem {
	var problems []Problem
	seen := make(map[string]int, len(zones))
	for i, z := range zones {
		if err := geofence.Validate(z); err != nil {
			problems = append(problems, Problem{Index: i, ZoneID: z.ID, Err: err})
			continue
		}
		key := z.TenantID + "/" + z.ID
		if first, dup := seen[key]; dup {
			problems = append(problems, Problem{
				Index:  i,
				ZoneID: z.ID,
				Err:    eris.Errorf("zoneimport: duplicate zone id %s (first at %d)", key, first),
			})
			continue
		}
		seen[key] = i
	}
	return problems
}

// Options controls Import.
type Options struct {
	// SkipInvalid imports the valid zones when some are invalid.
	SkipInvalid bool
	DryRun      bool
}

// Result summarizes an import.
type Result struct {
	Read     int
	Upserted int
	Problems []Problem
}

// Import validates zones and upserts the valid ones.
func Import(ctx context.Context, w ZoneWriter, zones []model.Zone, opts Options) (Result, error) {
	res := Result{Read: len(zones), Problems: Validate(zones)}
	for _, p := range res.Problems {
		zap.L().Warn("zoneimport: invalid zone", zap.Int("index", p.Index), zap.String("zone_id", p.ZoneID), zap.Error(p.Err))
	}
	if len(res.Problems) > 0 && !opts.SkipInvalid {
		return res, eris.Wrapf(ErrInvalidZones, "%d of %d", len(res.Problems), len(zones))
	}

	bad := make(map[int]bool, len(res.Problems))
	for _, p := range res.Problems {
		bad[p.Index] = true
	}
	valid := make([]model.Zone, 0, len(zones)-len(bad))
	for i, z := range zones {
		if !bad[i] {
			valid = append(valid, z)
		}
	}
	if opts.DryRun || len(valid) == 0 {
		return res, nil
	}

	n, err := w.UpsertZones(ctx, valid)
	if err != nil {
		return res, eris.Wrap(err, "zoneimport: upsert")
	}
	res.Upserted = n
	return res, nil
}
