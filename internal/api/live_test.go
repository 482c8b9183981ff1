package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/auth"
	"github.com/sells-group/geoattend/internal/model"
)

func dial(t *testing.T, ctx context.Context, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() }) //nolint:errcheck
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) model.LiveMessage {
	t.Helper()
	var msg model.LiveMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestLive_StreamsTenantEvents(t *testing.T) {
	h := newHarness(t, Config{}, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, h.srv.URL+"/v1/tenants/school-a/live", nil)
	assert.Equal(t, model.LiveConnected, readMessage(t, ctx, conn).Type)
	require.Eventually(t, func() bool { return h.bus.Subscribers("school-a") == 1 }, time.Second, 5*time.Millisecond)

	h.bus.Publish("school-b", zoneEvent("school-b", "s9", 1))
	h.bus.Publish("school-a", zoneEvent("school-a", "s1", 1))
	h.bus.Publish("school-a", zoneEvent("school-a", "s1", 2))

	for _, want := range []string{"s1-1", "s1-2"} {
		msg := readMessage(t, ctx, conn)
		assert.Equal(t, model.LiveZoneEvent, msg.Type)
		require.NotNil(t, msg.Data)
		assert.Equal(t, want, msg.Data.ID)
		assert.Equal(t, "school-a", msg.Data.TenantID)
	}

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return h.bus.Subscribers("school-a") == 0 }, time.Second, 5*time.Millisecond)
}

func TestLive_Auth(t *testing.T) {
	h := newHarness(t, Config{}, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := h.srv.URL + "/v1/tenants/school-a/live"

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := http.Header{"Authorization": {"Bearer " + h.token(t, "school-b", "", auth.ScopeObserve)}}
	_, resp, err = websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: other})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Browsers pass the token in the query string.
	conn := dial(t, ctx, url+"?access_token="+h.token(t, "school-a", "", auth.ScopeObserve), nil)
	assert.Equal(t, model.LiveConnected, readMessage(t, ctx, conn).Type)
}

func TestLive_SlowSubscriberClosedWithPolicyViolation(t *testing.T) {
	h := newHarness(t, Config{}, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dial(t, ctx, h.srv.URL+"/v1/tenants/school-a/live", nil)
	assert.Equal(t, model.LiveConnected, readMessage(t, ctx, conn).Type)
	require.Eventually(t, func() bool { return h.bus.Subscribers("school-a") == 1 }, time.Second, 5*time.Millisecond)

	// The client stops reading; publishing outruns the server's writes.
	for i := 0; i < 1_000_000 && h.bus.Subscribers("school-a") > 0; i++ {
		h.bus.Publish("school-a", zoneEvent("school-a", "s1", i))
	}
	require.Zero(t, h.bus.Subscribers("school-a"))

	var err error
	for err == nil {
		_, _, err = conn.Read(ctx)
	}
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestLive_BusShutdownGoesAway(t *testing.T) {
	h := newHarness(t, Config{}, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, h.srv.URL+"/v1/tenants/school-a/live", nil)
	assert.Equal(t, model.LiveConnected, readMessage(t, ctx, conn).Type)
	require.Eventually(t, func() bool { return h.bus.Subscribers("school-a") == 1 }, time.Second, 5*time.Millisecond)

	h.bus.Close()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestLive_Heartbeat(t *testing.T) {
	h := newHarness(t, Config{Heartbeat: 20 * time.Millisecond}, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, h.srv.URL+"/v1/tenants/school-a/live", nil)
	assert.Equal(t, model.LiveConnected, readMessage(t, ctx, conn).Type)

	// The client's reader answers pings; the stream stays up across
	// several heartbeats.
	errc := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		errc <- err
	}()
	time.Sleep(150 * time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("stream ended early: %v", err)
	default:
	}
	assert.Equal(t, 1, h.bus.Subscribers("school-a"))
}
