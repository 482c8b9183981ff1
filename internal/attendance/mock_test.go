package attendance

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
	"github.com/sells-group/geoattend/internal/store"
)

// fakeResolver returns fixed groups, optionally failing the first calls.
type fakeResolver struct {
	mu       sync.Mutex
	groups   map[string][]string
	failures int
	err      error
	calls    int
}

func (f *fakeResolver) GroupsFor(_ context.Context, _, subjectID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.groups[subjectID], nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	riyadhCampus = model.Zone{
		ID:       "campus",
		TenantID: "school-a",
		Name:     "Main campus",
		Category: model.ZoneCategoryPrimaryBoundary,
		Shape:    model.Circle{Center: model.Point{Lat: 24.7136, Lon: 46.6753}, RadiusMeters: 150},
		Active:   true,
	}
	riyadhGym = model.Zone{
		ID:       "gym",
		TenantID: "school-a",
		Category: model.ZoneCategorySubarea,
		Shape:    model.Circle{Center: model.Point{Lat: 24.7140, Lon: 46.6760}, RadiusMeters: 30},
		Active:   true,
	}
)

func riyadh(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Riyadh")
	require.NoError(t, err)
	return loc
}

type harness struct {
	store    *store.SQLiteStore
	resolver *fakeResolver
	decider  *Decider
	clock    *quartz.Mock
	loc      *time.Location
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "attendance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	_, err = s.UpsertZones(context.Background(), []model.Zone{riyadhCampus, riyadhGym})
	require.NoError(t, err)

	tz, err := LoadTimezones("UTC", map[string]string{"school-a": "Asia/Riyadh"})
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 9, 1, 5, 0, 0, 0, time.UTC))

	resolver := &fakeResolver{groups: map[string][]string{
		"s1": {"class-7a"},
		"s2": {"class-7a", "club-chess"},
	}}
	d := NewDecider(Config{
		Window:    Window{Start: 7 * time.Hour, Cutoff: 8 * time.Hour, End: 9 * time.Hour},
		Timezones: tz,
		Lookup: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			AttemptTimeout: 50 * time.Millisecond,
		},
		Breaker:      resilience.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute},
		PendingDelay: 10 * time.Second,
		Clock:        clock,
	}, s, resolver)

	return &harness{store: s, resolver: resolver, decider: d, clock: clock, loc: riyadh(t)}
}

// enter appends an ENTER event on zone at the given Riyadh wall clock time.
func (h *harness) enter(t *testing.T, subject string, zone model.Zone, hour, minute int) model.ZoneEvent {
	t.Helper()
	ev := model.ZoneEvent{
		ID:           uuid.NewString(),
		TenantID:     zone.TenantID,
		SubjectID:    subject,
		ZoneID:       zone.ID,
		ZoneCategory: zone.Category,
		EventType:    model.EventEnter,
		Location:     model.Point{Lat: 24.7136, Lon: 46.6753},
		OccurredAt:   time.Date(2025, 9, 1, hour, minute, 0, 0, h.loc),
	}
	require.NoError(t, h.store.AppendZoneEvent(context.Background(), ev))
	return ev
}
