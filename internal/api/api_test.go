package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/auth"
	"github.com/sells-group/geoattend/internal/ingest"
	"github.com/sells-group/geoattend/internal/model"
)

const sampleBody = `{"subject_id":"s1","tenant_id":"school-a","latitude":24.7136,"longitude":46.6753,"captured_at":"2025-09-01T04:55:00Z"}`

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/v1/samples", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSample_Accepted(t *testing.T) {
	h := newHarness(t, Config{}, false)

	resp := post(t, h.srv.URL, "", sampleBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ack := decode[model.SampleAck](t, resp)
	assert.True(t, ack.ConfirmedAt.Equal(confirmed))

	seen := h.gateway.Seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "s1", seen[0].SubjectID)
	assert.Equal(t, 24.7136, seen[0].Latitude)
}

func TestSample_DroppedLooksAccepted(t *testing.T) {
	h := newHarness(t, Config{}, false)
	h.gateway.result = ingest.Result{Status: ingest.StatusDropped, ConfirmedAt: confirmed}

	resp := post(t, h.srv.URL, "", sampleBody)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSample_ErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		result     ingest.Result
		body       string
		wantStatus int
		wantRetry  string
		wantSecs   int
	}{
		{
			name:       "validation",
			result:     ingest.Result{Status: ingest.StatusRejected, Err: &ingest.ValidationError{Fields: []string{"latitude:lte"}, Reason: "field constraints failed"}},
			body:       sampleBody,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rate limited rounds up",
			result:     ingest.Result{Status: ingest.StatusRejected, Err: &ingest.RateLimited{SubjectID: "s1", RetryAfter: 1500 * time.Millisecond}},
			body:       sampleBody,
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  "2",
			wantSecs:   2,
		},
		{
			name:       "backpressure",
			result:     ingest.Result{Status: ingest.StatusRejected, Err: &ingest.RateLimited{Backpressure: true, RetryAfter: 200 * time.Millisecond}},
			body:       sampleBody,
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  "1",
			wantSecs:   1,
		},
		{
			name:       "pipeline stopped",
			result:     ingest.Result{Status: ingest.StatusRejected, Err: ingest.ErrStopped},
			body:       sampleBody,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "malformed body",
			body:       `{"subject_id":`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, false)
			h.gateway.result = tt.result

			resp := post(t, h.srv.URL, "", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantRetry, resp.Header.Get("Retry-After"))
			apiErr := decode[model.APIError](t, resp)
			assert.NotEmpty(t, apiErr.Error)
			assert.Equal(t, tt.wantSecs, apiErr.RetryAfterSeconds)
		})
	}
}

func TestSample_BodyTooLarge(t *testing.T) {
	h := newHarness(t, Config{MaxBodyBytes: 64}, false)

	resp := post(t, h.srv.URL, "", sampleBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, h.gateway.Seen())
}

func TestSample_Auth(t *testing.T) {
	h := newHarness(t, Config{}, true)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "abc.def.ghi", http.StatusUnauthorized},
		{"observer scope only", h.token(t, "school-a", "", auth.ScopeObserve), http.StatusForbidden},
		{"other tenant", h.token(t, "school-b", "s1", auth.ScopeIngest), http.StatusForbidden},
		{"other subject", h.token(t, "school-a", "s2", auth.ScopeIngest), http.StatusForbidden},
		{"device token", h.token(t, "school-a", "s1", auth.ScopeIngest), http.StatusAccepted},
		{"tenant-wide token", h.token(t, "school-a", "", auth.ScopeIngest), http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, h.srv.URL, tt.token, sampleBody)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
			}
		})
	}
	assert.Len(t, h.gateway.Seen(), 2, "only authorized samples reach the gateway")
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.bus.Publish("school-a", zoneEvent("school-a", "s1", 1))
	h.bus.Publish("school-a", zoneEvent("school-a", "s1", 2))
	h.bus.Publish("school-b", zoneEvent("school-b", "s9", 1))

	resp := get(t, h.srv.URL+"/v1/tenants/school-a/snapshot", h.token(t, "school-a", "", auth.ScopeObserve))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[model.Snapshot](t, resp)
	assert.Equal(t, "school-a", snap.TenantID)
	require.Len(t, snap.States, 1)
	assert.Equal(t, model.StateInside, snap.States[0].State)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "s1-1", snap.Events[0].ID)
	assert.Equal(t, "s1-2", snap.Events[1].ID)
	assert.False(t, snap.GeneratedAt.IsZero())

	resp = get(t, h.srv.URL+"/v1/tenants/school-b/snapshot", h.token(t, "school-a", "", auth.ScopeObserve))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = get(t, h.srv.URL+"/v1/tenants/school-a/snapshot", h.token(t, "school-a", "s1", auth.ScopeIngest))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSnapshot_EmptyTenant(t *testing.T) {
	h := newHarness(t, Config{}, false)

	resp := get(t, h.srv.URL+"/v1/tenants/nobody/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"states":[]`)
	assert.Contains(t, string(raw), `"events":[]`)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Config{}, true)
	resp := get(t, h.srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health needs no token")

	down := New(Config{}, Deps{Health: fakePinger{err: errDown}})
	rec := httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), errDown.Error())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Config{}, false)
	h.bus.Publish("school-a", zoneEvent("school-a", "s1", 1))

	resp := get(t, h.srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "geoattend_eventbus_")
}

func TestIPRateLimit(t *testing.T) {
	h := newHarness(t, Config{IPRateLimitPerMinute: 2}, false)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusAccepted, post(t, h.srv.URL, "", sampleBody).StatusCode)
	}
	resp := post(t, h.srv.URL, "", sampleBody)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, 60, decode[model.APIError](t, resp).RetryAfterSeconds)

	// Health is outside the guarded routes.
	assert.Equal(t, http.StatusOK, get(t, h.srv.URL+"/health", "").StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, Config{AllowedOrigins: []string{"https://dashboard.example.com"}}, false)

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/v1/samples", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "https://dashboard.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(time.Millisecond))
	assert.Equal(t, 8, retryAfterSeconds(8*time.Second))
	assert.Equal(t, 9, retryAfterSeconds(8*time.Second+time.Nanosecond))
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusBadRequest, "nope")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body model.APIError
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&body))
	assert.Equal(t, "nope", body.Error)
}
