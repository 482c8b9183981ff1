//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/config"
	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "geoattend.db")
	c.Auth.Enabled = false
	return c
}

func newTestServices(t *testing.T, c *config.Config) (*services, store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := openMigratedStore(ctx, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.UpsertZones(ctx, []model.Zone{{
		ID:       "campus",
		TenantID: "school-a",
		Category: model.ZoneCategoryPrimaryBoundary,
		Active:   true,
		Shape:    model.Circle{Center: model.Point{Lat: 24.7136, Lon: 46.6753}, RadiusMeters: 150},
	}})
	require.NoError(t, err)

	svc, err := buildServices(ctx, c, st, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(svc.close)
	return svc, st
}

func TestBuildServices_SampleBecomesLiveEvent(t *testing.T) {
	svc, st := newTestServices(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.sequencer.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	srv := httptest.NewServer(svc.handler)
	t.Cleanup(srv.Close)

	body, err := json.Marshal(model.LocationSample{
		TenantID:   "school-a",
		SubjectID:  "s1",
		Latitude:   24.7136,
		Longitude:  46.6753,
		CapturedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/samples", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var snap model.Snapshot
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/v1/tenants/school-a/snapshot")
		if err != nil {
			return false
		}
		defer resp.Body.Close() //nolint:errcheck
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return false
		}
		return len(snap.Events) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, model.EventEnter, snap.Events[0].EventType)
	require.Len(t, snap.States, 1)
	assert.Equal(t, model.StateEntered, snap.States[0].State)

	logged, err := st.GetZoneEvent(context.Background(), snap.Events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "campus", logged.ZoneID)
}

func TestBuildServices_WarmsTrackerFromStore(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()
	st, err := openMigratedStore(ctx, c)
	require.NoError(t, err)
	_, err = st.UpsertZones(ctx, []model.Zone{{
		ID: "campus", TenantID: "school-a", Category: model.ZoneCategoryPrimaryBoundary, Active: true,
		Shape: model.Circle{Center: model.Point{Lat: 1, Lon: 1}, RadiusMeters: 100},
	}})
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SaveZoneState(ctx, model.ZoneState{
		TenantID: "school-a", SubjectID: "s1", ZoneID: "campus",
		State: model.StateInside, LastTransitionAt: now, LastEventAt: now, LastSampleAt: now,
	}))
	require.NoError(t, st.Close())

	svc, _ := newTestServices(t, c)
	states := svc.tracker.Snapshot("school-a")
	require.Len(t, states, 1)
	assert.Equal(t, model.StateInside, states[0].State)
}

func TestBuildServices_AuthEnabledRejectsAnonymous(t *testing.T) {
	c := testConfig(t)
	c.Auth.Enabled = true
	c.Auth.JWTSecret = "serve-test-secret"
	svc, _ := newTestServices(t, c)

	rr := httptest.NewRecorder()
	svc.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tenants/school-a/snapshot", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	svc.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBuildServices_BadWindow(t *testing.T) {
	c := testConfig(t)
	c.Attendance.Window.StartLocal = "nine"
	st, err := openMigratedStore(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = buildServices(context.Background(), c, st, prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	c := testConfig(t)
	c.Store.Driver = "mysql"
	_, err := initStore(context.Background(), c)
	assert.ErrorContains(t, err, "unsupported store driver")
}
