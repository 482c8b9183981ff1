package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/geoattend/internal/model"
)

// fakeZones is a ZoneSource with call counting and injectable failures.
type fakeZones struct {
	mu    sync.Mutex
	zones map[string][]model.Zone
	err   error
	calls int
	delay time.Duration
}

func (f *fakeZones) ListZones(_ context.Context, tenantID string) ([]model.Zone, error) {
	f.mu.Lock()
	f.calls++
	err, zones, delay := f.err, f.zones[tenantID], f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return zones, nil
}

func (f *fakeZones) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeZones) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// submitFunc adapts a function to Submitter.
type submitFunc func(model.LocationSample) error

func (f submitFunc) Submit(s model.LocationSample) error { return f(s) }

// captureSubmitter records every submitted sample.
type captureSubmitter struct {
	mu      sync.Mutex
	samples []model.LocationSample
}

func (c *captureSubmitter) Submit(s model.LocationSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
	return nil
}

func (c *captureSubmitter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// failingLimiter always errors.
type failingLimiter struct{ err error }

func (f failingLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, f.err
}

func (f failingLimiter) Release(context.Context, string) error { return f.err }

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []model.ZoneEvent
}

func (c *capturePublisher) Publish(_ string, ev model.ZoneEvent) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return 1
}

func (c *capturePublisher) Events() []model.ZoneEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ZoneEvent(nil), c.events...)
}

func ptr(f float64) *float64 { return &f }

var (
	campus = model.Zone{
		ID:       "campus",
		TenantID: "school-a",
		Name:     "Main campus",
		Category: model.ZoneCategoryPrimaryBoundary,
		Shape:    model.Circle{Center: model.Point{Lat: 24.7136, Lon: 46.6753}, RadiusMeters: 150},
		Active:   true,
	}
	library = model.Zone{
		ID:       "library",
		TenantID: "school-a",
		Category: model.ZoneCategorySubarea,
		Shape: model.Polygon{Vertices: []model.Point{
			{Lat: 24.7130, Lon: 46.6745},
			{Lat: 24.7130, Lon: 46.6750},
			{Lat: 24.7134, Lon: 46.6750},
			{Lat: 24.7134, Lon: 46.6745},
		}},
		Active: true,
	}
)

func sample(subject string, lat, lon float64, at time.Time) model.LocationSample {
	return model.LocationSample{
		SubjectID:      subject,
		TenantID:       "school-a",
		Latitude:       lat,
		Longitude:      lon,
		AccuracyMeters: ptr(8),
		CapturedAt:     at,
	}
}
