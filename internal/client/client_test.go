package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
)

func testSample() model.LocationSample {
	return model.LocationSample{
		SubjectID:  "s1",
		TenantID:   "school-a",
		Latitude:   24.7136,
		Longitude:  46.6753,
		CapturedAt: time.Date(2025, 9, 1, 4, 55, 0, 0, time.UTC),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func TestSubmit_Accepted(t *testing.T) {
	confirmed := time.Date(2025, 9, 1, 4, 55, 1, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/samples", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var s model.LocationSample
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		assert.Equal(t, "s1", s.SubjectID)
		writeJSON(w, http.StatusAccepted, model.SampleAck{ConfirmedAt: confirmed})
	}))
	defer srv.Close()

	ack, err := New(Config{BaseURL: srv.URL, Token: "tok"}).SubmitAck(context.Background(), testSample())
	require.NoError(t, err)
	assert.True(t, ack.ConfirmedAt.Equal(confirmed))
}

func TestSubmit_ErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		body   model.APIError
		check  func(t *testing.T, err error)
	}{
		{
			name:   "validation",
			status: http.StatusBadRequest,
			body:   model.APIError{Error: "latitude out of range"},
			check: func(t *testing.T, err error) {
				var rej *RejectedError
				require.True(t, errors.As(err, &rej))
				assert.Equal(t, "latitude out of range", rej.Message)
			},
		},
		{
			name:   "rate limited header",
			status: http.StatusTooManyRequests,
			header: "7",
			body:   model.APIError{Error: "rate limited", RetryAfterSeconds: 7},
			check: func(t *testing.T, err error) {
				var rl *RateLimitedError
				require.True(t, errors.As(err, &rl))
				assert.Equal(t, 7*time.Second, rl.RetryAfter)
			},
		},
		{
			name:   "rate limited body only",
			status: http.StatusTooManyRequests,
			body:   model.APIError{Error: "rate limited", RetryAfterSeconds: 3},
			check: func(t *testing.T, err error) {
				var rl *RateLimitedError
				require.True(t, errors.As(err, &rl))
				assert.Equal(t, 3*time.Second, rl.RetryAfter)
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   model.APIError{Error: "tenant mismatch"},
			check: func(t *testing.T, err error) {
				var ae *AuthError
				require.True(t, errors.As(err, &ae))
				assert.Equal(t, http.StatusForbidden, ae.StatusCode)
			},
		},
		{
			name:   "too large",
			status: http.StatusRequestEntityTooLarge,
			body:   model.APIError{Error: "body too large"},
			check: func(t *testing.T, err error) {
				var rej *RejectedError
				require.True(t, errors.As(err, &rej))
				assert.Equal(t, http.StatusRequestEntityTooLarge, rej.StatusCode)
			},
		},
		{
			name:   "misrouted",
			status: http.StatusNotFound,
			body:   model.APIError{Error: "no route"},
			check: func(t *testing.T, err error) {
				var rej *RejectedError
				assert.False(t, errors.As(err, &rej), "a 404 says nothing about the sample")
				assert.True(t, resilience.IsTransient(err))
			},
		},
		{
			name:   "method not allowed",
			status: http.StatusMethodNotAllowed,
			check: func(t *testing.T, err error) {
				assert.True(t, resilience.IsTransient(err))
			},
		},
		{
			name:   "server error",
			status: http.StatusServiceUnavailable,
			body:   model.APIError{Error: "overloaded"},
			check: func(t *testing.T, err error) {
				assert.True(t, resilience.IsTransient(err))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			err := New(Config{BaseURL: srv.URL}).Submit(context.Background(), testSample())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestSubmit_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(Config{BaseURL: url, Timeout: time.Second}).Submit(context.Background(), testSample())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/school-a/snapshot", r.URL.Path)
		writeJSON(w, http.StatusOK, model.Snapshot{
			TenantID: "school-a",
			States:   []model.ZoneState{{SubjectID: "s1", ZoneID: "campus", State: model.StateInside}},
		})
	}))
	defer srv.Close()

	snap, err := New(Config{BaseURL: srv.URL}).Snapshot(context.Background(), "school-a")
	require.NoError(t, err)
	assert.Equal(t, "school-a", snap.TenantID)
	require.Len(t, snap.States, 1)
	assert.Equal(t, model.StateInside, snap.States[0].State)
}

func TestSnapshot_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, model.APIError{Error: "wrong tenant"})
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Snapshot(context.Background(), "school-a")
	assert.ErrorContains(t, err, "http 403: wrong tenant")
}

func TestLiveURL(t *testing.T) {
	u, err := LiveURL("https://attend.example.com", "school a")
	require.NoError(t, err)
	assert.Equal(t, "wss://attend.example.com/v1/tenants/school%20a/live", u)

	u, err = LiveURL("http://localhost:8080/", "t1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/v1/tenants/t1/live", u)
}
