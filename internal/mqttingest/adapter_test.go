package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoattend/internal/config"
	"github.com/sells-group/geoattend/internal/ingest"
	"github.com/sells-group/geoattend/internal/model"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic string
	ack   Ack
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ack Ack
	if err := json.Unmarshal(payload.([]byte), &ack); err != nil {
		panic(err)
	}
	p.msgs = append(p.msgs, published{topic: topic, ack: ack})
	return doneToken{err: p.err}
}

type fakeGateway struct {
	result ingest.Result
	seen   []model.LocationSample
}

func (g *fakeGateway) Accept(_ context.Context, s model.LocationSample) ingest.Result {
	g.seen = append(g.seen, s)
	return g.result
}

var confirmedAt = time.Date(2025, 9, 1, 4, 55, 1, 0, time.UTC)

const topic = "geoattend/school-a/s1/samples"

func TestHandle_Accepted(t *testing.T) {
	gw := &fakeGateway{result: ingest.Result{Status: ingest.StatusAccepted, ConfirmedAt: confirmedAt}}
	pub := &fakePublisher{}
	a := New(gw, pub, 1)

	// Tenant and subject come from the topic when omitted.
	a.Handle(context.Background(), topic, []byte(`{"latitude":24.7136,"longitude":46.6753,"captured_at":"2025-09-01T04:55:00Z"}`))
	a.flushAcks()

	require.Len(t, gw.seen, 1)
	assert.Equal(t, "school-a", gw.seen[0].TenantID)
	assert.Equal(t, "s1", gw.seen[0].SubjectID)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "geoattend/school-a/s1/acks", pub.msgs[0].topic)
	assert.Equal(t, AckAccepted, pub.msgs[0].ack.Status)
	require.NotNil(t, pub.msgs[0].ack.ConfirmedAt)
	assert.True(t, pub.msgs[0].ack.ConfirmedAt.Equal(confirmedAt))
}

func TestHandle_Acks(t *testing.T) {
	valid := `{"tenant_id":"school-a","subject_id":"s1","latitude":24.7,"longitude":46.6,"captured_at":"2025-09-01T04:55:00Z"}`
	tests := []struct {
		name      string
		payload   string
		result    ingest.Result
		want      string
		wantRetry int
		reachesGW bool
	}{
		{
			name:    "malformed json",
			payload: `{"latitude":`,
			want:    AckRejected,
		},
		{
			name:    "topic mismatch",
			payload: `{"tenant_id":"school-b","subject_id":"s1","latitude":1,"longitude":1,"captured_at":"2025-09-01T04:55:00Z"}`,
			want:    AckRejected,
		},
		{
			name:      "validation",
			payload:   valid,
			result:    ingest.Result{Status: ingest.StatusRejected, Err: &ingest.ValidationError{Reason: "bad"}},
			want:      AckRejected,
			reachesGW: true,
		},
		{
			name:      "rate limited",
			payload:   valid,
			result:    ingest.Result{Status: ingest.StatusRejected, Err: &ingest.RateLimited{SubjectID: "s1", RetryAfter: 2500 * time.Millisecond}},
			want:      AckRateLimited,
			wantRetry: 3,
			reachesGW: true,
		},
		{
			name:      "stopped",
			payload:   valid,
			result:    ingest.Result{Status: ingest.StatusRejected, Err: ingest.ErrStopped},
			want:      AckUnavailable,
			reachesGW: true,
		},
		{
			name:      "low confidence looks accepted",
			payload:   valid,
			result:    ingest.Result{Status: ingest.StatusDropped, ConfirmedAt: confirmedAt},
			want:      AckAccepted,
			reachesGW: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{result: tt.result}
			pub := &fakePublisher{}
			a := New(gw, pub, 0)
			a.Handle(context.Background(), topic, []byte(tt.payload))
			a.flushAcks()

			assert.Equal(t, tt.reachesGW, len(gw.seen) == 1)
			require.Len(t, pub.msgs, 1)
			assert.Equal(t, tt.want, pub.msgs[0].ack.Status)
			assert.Equal(t, tt.wantRetry, pub.msgs[0].ack.RetryAfterSeconds)
			if tt.want != AckAccepted {
				assert.NotEmpty(t, pub.msgs[0].ack.Error)
			}
		})
	}
}

func TestHandle_IgnoresForeignTopics(t *testing.T) {
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	a := New(gw, pub, 0)

	for _, topic := range []string{"geoattend/school-a/samples", "other/school-a/s1/samples", "geoattend/school-a/s1/acks", "geoattend//s1/samples"} {
		a.Handle(context.Background(), topic, []byte(`{}`))
	}
	a.flushAcks()
	assert.Empty(t, gw.seen)
	assert.Empty(t, pub.msgs)
}

func TestHandle_PublishFailureIsLogged(t *testing.T) {
	gw := &fakeGateway{result: ingest.Result{Status: ingest.StatusAccepted, ConfirmedAt: confirmedAt}}
	pub := &fakePublisher{err: errors.New("not connected")}

	a := New(gw, pub, 1)
	a.Handle(context.Background(), topic, []byte(`{"latitude":1,"longitude":1,"captured_at":"2025-09-01T04:55:00Z"}`))
	a.flushAcks()
	assert.Len(t, gw.seen, 1, "the sample is processed even if the ack is lost")
}

// stuckToken never completes, like a publish to a stalled broker.
type stuckToken struct{ doneToken }

func (stuckToken) Wait() bool {
	select {}
}

func (stuckToken) WaitTimeout(time.Duration) bool { return false }

type stuckPublisher struct{ calls chan string }

func (p *stuckPublisher) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	p.calls <- topic
	return stuckToken{}
}

func TestHandle_SlowAckDoesNotHoldUpSamples(t *testing.T) {
	gw := &fakeGateway{result: ingest.Result{Status: ingest.StatusAccepted, ConfirmedAt: confirmedAt}}
	pub := &stuckPublisher{calls: make(chan string, 8)}
	a := New(gw, pub, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.publishAcks(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, at := range []string{"07:58", "08:01", "08:03"} {
			a.Handle(ctx, topic, []byte(`{"latitude":1,"longitude":1,"captured_at":"2025-09-01T`+at+`:00+03:00"}`))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked on ack publish")
	}

	require.Len(t, gw.seen, 3)
	for i := 1; i < len(gw.seen); i++ {
		assert.True(t, gw.seen[i-1].CapturedAt.Before(gw.seen[i].CapturedAt), "samples reach the gateway in publish order")
	}
	select {
	case got := <-pub.calls:
		assert.Equal(t, "geoattend/school-a/s1/acks", got)
	case <-time.After(time.Second):
		t.Fatal("ack was never published")
	}
}

func TestClientOptions_KeepMessageOrder(t *testing.T) {
	opts := clientOptions(config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "geoattend-test"})
	assert.True(t, opts.Order)
	assert.True(t, opts.AutoReconnect)
}

func TestParseSampleTopic(t *testing.T) {
	tenant, subject, ok := ParseSampleTopic("geoattend/school-a/s1/samples")
	require.True(t, ok)
	assert.Equal(t, "school-a", tenant)
	assert.Equal(t, "s1", subject)
	assert.Equal(t, "geoattend/school-a/s1/acks", AckTopic(tenant, subject))
}
