package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/geoattend/internal/geofence"
	"github.com/sells-group/geoattend/internal/model"
)

// ZoneSource loads a tenant's zone definitions.
type ZoneSource interface {
	ListZones(ctx context.Context, tenantID string) ([]model.Zone, error)
}

// ZoneCacheConfig controls refresh.
type ZoneCacheConfig struct {
	// TTL is how long a loaded zone set is served before refresh. Default: 60s.
	TTL time.Duration
	// DefaultMargin applies to zones without their own hysteresis margin.
	DefaultMargin float64
	Clock         quartz.Clock
}

type zoneSet struct {
	zones    []geofence.Prepared
	byID     map[string]int
	loadedAt time.Time
}

// ZoneCache holds prepared, validated zones per tenant.
type ZoneCache struct {
	cfg    ZoneCacheConfig
	source ZoneSource
	group  singleflight.Group

	mu   sync.RWMutex
	sets map[string]*zoneSet
}

// NewZoneCache creates a cache over source.
func NewZoneCache(cfg ZoneCacheConfig, source ZoneSource) *ZoneCache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	return &ZoneCache{cfg: cfg, source: source, sets: make(map[string]*zoneSet)}
}

// Zones returns the tenant's active, valid zones. Concurrent refreshes of
// one tenant share a single load; if a refresh fails the previous set is
// returned.
func (c *ZoneCache) Zones(ctx context.Context, tenantID string) ([]geofence.Prepared, error) {
	set, err := c.get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return set.zones, nil
}

// Zone returns one prepared zone by id.
func (c *ZoneCache) Zone(ctx context.Context, tenantID, zoneID string) (geofence.Prepared, bool, error) {
	set, err := c.get(ctx, tenantID)
	if err != nil {
		return geofence.Prepared{}, false, err
	}
	i, ok := set.byID[zoneID]
	if !ok {
		return geofence.Prepared{}, false, nil
	}
	return set.zones[i], true, nil
}

// Invalidate forces the next lookup for a tenant to reload.
func (c *ZoneCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, tenantID)
}

func (c *ZoneCache) get(ctx context.Context, tenantID string) (*zoneSet, error) {
	c.mu.RLock()
	cur := c.sets[tenantID]
	c.mu.RUnlock()
	if cur != nil && c.cfg.Clock.Now().Sub(cur.loadedAt) < c.cfg.TTL {
		return cur, nil
	}

	v, err, _ := c.group.Do(tenantID, func() (any, error) {
		return c.load(ctx, tenantID)
	})
	if err != nil {
		if cur != nil {
			zap.L().Warn("ingest: zone refresh failed, serving cached zones",
				zap.String("tenant_id", tenantID),
				zap.Time("loaded_at", cur.loadedAt),
				zap.Error(err),
			)
			return cur, nil
		}
		return nil, err
	}
	return v.(*zoneSet), nil
}

func (c *ZoneCache) load(ctx context.Context, tenantID string) (*zoneSet, error) {
	zones, err := c.source.ListZones(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: load zones for %s", tenantID)
	}

	set := &zoneSet{byID: make(map[string]int, len(zones)), loadedAt: c.cfg.Clock.Now()}
	for _, z := range zones {
		if !z.Active {
			continue
		}
		p, err := geofence.Prepare(z, c.cfg.DefaultMargin)
		if err != nil {
			var zerr *geofence.ZoneConfigError
			if errors.As(err, &zerr) {
				zap.L().Error("ingest: zone excluded from matching",
					zap.String("tenant_id", tenantID),
					zap.String("zone_id", z.ID),
					zap.String("reason", zerr.Reason),
				)
				continue
			}
			return nil, err
		}
		set.byID[z.ID] = len(set.zones)
		set.zones = append(set.zones, p)
	}

	c.mu.Lock()
	c.sets[tenantID] = set
	c.mu.Unlock()
	return set, nil
}
