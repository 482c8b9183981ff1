package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/model"
)

func TestZoneCache_ServesWithinTTL(t *testing.T) {
	clock := quartz.NewMock(t)
	src := &fakeZones{zones: map[string][]model.Zone{"school-a": {campus, library}}}
	c := NewZoneCache(ZoneCacheConfig{TTL: time.Minute, DefaultMargin: 10, Clock: clock}, src)
	ctx := context.Background()

	zones, err := c.Zones(ctx, "school-a")
	require.NoError(t, err)
	assert.Len(t, zones, 2)

	_, err = c.Zones(ctx, "school-a")
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls())

	clock.Advance(time.Minute)
	_, err = c.Zones(ctx, "school-a")
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls(), "reloaded after TTL")

	c.Invalidate("school-a")
	_, err = c.Zones(ctx, "school-a")
	require.NoError(t, err)
	assert.Equal(t, 3, src.Calls())
}

func TestZoneCache_ExcludesInvalidAndInactiveZones(t *testing.T) {
	broken := model.Zone{
		ID:       "broken",
		TenantID: "school-a",
		Category: model.ZoneCategoryOther,
		Shape:    model.Polygon{Vertices: []model.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}},
		Active:   true,
	}
	inactive := campus
	inactive.ID = "old-campus"
	inactive.Active = false

	src := &fakeZones{zones: map[string][]model.Zone{"school-a": {broken, campus, inactive}}}
	c := NewZoneCache(ZoneCacheConfig{DefaultMargin: 10}, src)

	zones, err := c.Zones(context.Background(), "school-a")
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "campus", zones[0].Zone.ID)

	p, ok, err := c.Zone(context.Background(), "school-a", "campus")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10.0, p.Margin, "zone without its own margin takes the default")

	_, ok, err = c.Zone(context.Background(), "school-a", "broken")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestZoneCache_ServesStaleOnRefreshError(t *testing.T) {
	clock := quartz.NewMock(t)
	src := &fakeZones{zones: map[string][]model.Zone{"school-a": {campus}}}
	c := NewZoneCache(ZoneCacheConfig{TTL: time.Second, Clock: clock}, src)
	ctx := context.Background()

	_, err := c.Zones(ctx, "school-a")
	require.NoError(t, err)

	src.SetErr(errors.New("db down"))
	clock.Advance(2 * time.Second)
	zones, err := c.Zones(ctx, "school-a")
	require.NoError(t, err)
	assert.Len(t, zones, 1)

	_, err = c.Zones(ctx, "school-b")
	assert.ErrorContains(t, err, "ingest: load zones for school-b")
}

func TestZoneCache_CollapsesConcurrentLoads(t *testing.T) {
	src := &fakeZones{zones: map[string][]model.Zone{"school-a": {campus}}, delay: 50 * time.Millisecond}
	c := NewZoneCache(ZoneCacheConfig{}, src)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			zones, err := c.Zones(context.Background(), "school-a")
			assert.NoError(t, err)
			assert.Len(t, zones, 1)
		}()
	}
	wg.Wait()
	assert.Less(t, src.Calls(), 10)
}
