package api

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/auth"
	"github.com/sells-group/geoattend/internal/eventbus"
	"github.com/sells-group/geoattend/internal/ingest"
	"github.com/sells-group/geoattend/internal/metrics"
	"github.com/sells-group/geoattend/internal/model"
)

var confirmed = time.Date(2025, 9, 1, 4, 55, 0, 0, time.UTC)

// fakeGateway answers every sample with result and records what it saw.
type fakeGateway struct {
	mu     sync.Mutex
	result ingest.Result
	seen   []model.LocationSample
}

func (g *fakeGateway) Accept(_ context.Context, s model.LocationSample) ingest.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, s)
	return g.result
}

func (g *fakeGateway) Seen() []model.LocationSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.LocationSample(nil), g.seen...)
}

type fakeStates map[string][]model.ZoneState

func (f fakeStates) Snapshot(tenantID string) []model.ZoneState { return f[tenantID] }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

var errDown = errors.New("database is down")

type harness struct {
	srv      *httptest.Server
	gateway  *fakeGateway
	bus      *eventbus.Bus
	verifier *auth.Verifier
	reg      *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config, withAuth bool) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := &harness{
		gateway: &fakeGateway{result: ingest.Result{Status: ingest.StatusAccepted, ConfirmedAt: confirmed}},
		bus:     eventbus.New(eventbus.Config{SubscriberBuffer: 8, Metrics: m}),
		reg:     reg,
	}
	if withAuth {
		v, err := auth.NewVerifier("test-secret", "geoattend")
		require.NoError(t, err)
		h.verifier = v
	}
	s := New(cfg, Deps{
		Gateway: h.gateway,
		Bus:     h.bus,
		States: fakeStates{"school-a": {{
			TenantID: "school-a", SubjectID: "s1", ZoneID: "campus", State: model.StateInside,
		}}},
		Health:   fakePinger{},
		Verifier: h.verifier,
		Gatherer: reg,
	})
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	t.Cleanup(h.bus.Close)
	return h
}

func (h *harness) token(t *testing.T, tenant, subject string, scopes ...string) string {
	t.Helper()
	tok, err := h.verifier.Issue(tenant, subject, time.Hour, scopes...)
	require.NoError(t, err)
	return tok
}

func zoneEvent(tenant, subject string, n int) model.ZoneEvent {
	return model.ZoneEvent{
		ID:           fmt.Sprintf("%s-%d", subject, n),
		TenantID:     tenant,
		SubjectID:    subject,
		ZoneID:       "campus",
		ZoneCategory: model.ZoneCategoryPrimaryBoundary,
		EventType:    model.EventEnter,
		Location:     model.Point{Lat: 24.7136, Lon: 46.6753},
		OccurredAt:   confirmed.Add(time.Duration(n) * time.Second),
	}
}
