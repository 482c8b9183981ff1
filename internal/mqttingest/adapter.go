// Package mqttingest accepts location samples over MQTT. Devices publish to
// geoattend/<tenant>/<subject>/samples and get the gateway's answer on
// geoattend/<tenant>/<subject>/acks.
package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/config"
	"github.com/sells-group/geoattend/internal/ingest"
	"github.com/sells-group/geoattend/internal/model"
)

// SampleFilter matches every device's sample topic.
const SampleFilter = "geoattend/+/+/samples"

const (
	publishTimeout = 2 * time.Second
	// ackQueue bounds acks waiting for the publisher goroutine.
	ackQueue = 1024
)

// Acceptor admits one sample. *ingest.Gateway satisfies it.
type Acceptor interface {
	Accept(ctx context.Context, s model.LocationSample) ingest.Result
}

// Publisher is the part of mqtt.Client used for acks.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Ack is published for every sample message.
type Ack struct {
	Status            string     `json:"status"`
	CapturedAt        time.Time  `json:"captured_at"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
}

// Ack statuses.
const (
	AckAccepted    = "accepted"
	AckRejected    = "rejected"
	AckRateLimited = "rate_limited"
	AckUnavailable = "unavailable"
)

type outbound struct {
	topic string
	ack   Ack
}

// Adapter feeds MQTT sample messages into the gateway. Messages are handled
// in arrival order on paho's router goroutine; acks go out on a separate
// goroutine so a slow publish never holds up the next sample.
type Adapter struct {
	gateway Acceptor
	pub     Publisher
	qos     byte
	acks    chan outbound
}

// New creates an Adapter publishing acks through pub.
func New(gateway Acceptor, pub Publisher, qos byte) *Adapter {
	return &Adapter{gateway: gateway, pub: pub, qos: qos, acks: make(chan outbound, ackQueue)}
}

// Connect dials the broker.
func Connect(cfg config.MQTTConfig) (mqtt.Client, error) {
	client := mqtt.NewClient(clientOptions(cfg))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, eris.Wrapf(token.Error(), "mqtt: connect %s", cfg.Broker)
	}
	return client, nil
}

func clientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// A subject's samples must reach the gateway in publish order.
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		zap.L().Warn("mqtt: connection lost", zap.Error(err))
	})
	return opts
}

// Run subscribes to sample topics and serves until ctx is done, then
// unsubscribes, flushes queued acks and disconnects.
func (a *Adapter) Run(ctx context.Context, client mqtt.Client) error {
	published := make(chan struct{})
	go func() {
		defer close(published)
		a.publishAcks(ctx)
	}()

	token := client.Subscribe(SampleFilter, a.qos, func(_ mqtt.Client, msg mqtt.Message) {
		a.Handle(ctx, msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return eris.Wrapf(token.Error(), "mqtt: subscribe %s", SampleFilter)
	}
	zap.L().Info("mqtt: subscribed", zap.String("filter", SampleFilter))

	<-ctx.Done()
	if t := client.Unsubscribe(SampleFilter); !t.WaitTimeout(publishTimeout) {
		zap.L().Warn("mqtt: unsubscribe timed out")
	}
	<-published
	a.flushAcks()
	client.Disconnect(250)
	return nil
}

// publishAcks sends queued acks until ctx is done.
func (a *Adapter) publishAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-a.acks:
			a.publish(o.topic, o.ack)
		}
	}
}

// flushAcks sends whatever is queued without waiting for more.
func (a *Adapter) flushAcks() {
	for {
		select {
		case o := <-a.acks:
			a.publish(o.topic, o.ack)
		default:
			return
		}
	}
}

func (a *Adapter) enqueue(topic string, ack Ack) {
	select {
	case a.acks <- outbound{topic: topic, ack: ack}:
	default:
		zap.L().Warn("mqtt: ack queue full, dropping ack", zap.String("topic", topic), zap.String("status", ack.Status))
	}
}

// Handle processes one sample message and queues the ack. Messages on
// topics that do not name a tenant and subject are ignored.
func (a *Adapter) Handle(ctx context.Context, topic string, payload []byte) {
	tenantID, subjectID, ok := ParseSampleTopic(topic)
	if !ok {
		zap.L().Debug("mqtt: ignoring message", zap.String("topic", topic))
		return
	}
	ackTopic := AckTopic(tenantID, subjectID)

	var s model.LocationSample
	if err := json.Unmarshal(payload, &s); err != nil {
		a.enqueue(ackTopic, Ack{Status: AckRejected, Error: "invalid payload: " + err.Error()})
		return
	}
	if s.TenantID == "" {
		s.TenantID = tenantID
	}
	if s.SubjectID == "" {
		s.SubjectID = subjectID
	}
	if s.TenantID != tenantID || s.SubjectID != subjectID {
		a.enqueue(ackTopic, Ack{Status: AckRejected, CapturedAt: s.CapturedAt, Error: "sample does not match topic"})
		return
	}

	a.enqueue(ackTopic, ackFor(s, a.gateway.Accept(ctx, s)))
}

func ackFor(s model.LocationSample, res ingest.Result) Ack {
	ack := Ack{CapturedAt: s.CapturedAt}
	if res.Accepted() {
		at := res.ConfirmedAt.UTC()
		ack.Status, ack.ConfirmedAt = AckAccepted, &at
		return ack
	}

	var (
		verr *ingest.ValidationError
		rl   *ingest.RateLimited
	)
	switch {
	case errors.As(res.Err, &verr):
		ack.Status, ack.Error = AckRejected, verr.Error()
	case errors.As(res.Err, &rl):
		ack.Status, ack.Error = AckRateLimited, rl.Error()
		ack.RetryAfterSeconds = int(math.Max(1, math.Ceil(rl.RetryAfter.Seconds())))
	default:
		ack.Status, ack.Error = AckUnavailable, "ingestion unavailable"
	}
	return ack
}

func (a *Adapter) publish(topic string, ack Ack) {
	body, err := json.Marshal(ack)
	if err != nil {
		zap.L().Error("mqtt: marshal ack", zap.Error(err))
		return
	}
	token := a.pub.Publish(topic, a.qos, false, body)
	if !token.WaitTimeout(publishTimeout) {
		zap.L().Warn("mqtt: ack publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		zap.L().Warn("mqtt: ack publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// ParseSampleTopic extracts tenant and subject from a sample topic.
func ParseSampleTopic(topic string) (tenantID, subjectID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "geoattend" || parts[3] != "samples" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// AckTopic is where the answer for a subject's samples is published.
func AckTopic(tenantID, subjectID string) string {
	return "geoattend/" + tenantID + "/" + subjectID + "/acks"
}
