package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geoattend/internal/model"
)

// ChannelPrefix prefixes the per-tenant Redis channel.
const ChannelPrefix = "geoattend:zone_events:"

// relayEnvelope is the wire form of a relayed event.
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Event  model.ZoneEvent `json:"event"`
}

type outbound struct {
	tenantID string
	payload  []byte
}

// Relay mirrors a local Bus across instances through Redis pub/sub.
// Local publishes go out on ChannelPrefix+tenant; events from other
// instances are delivered locally without being forwarded again.
type Relay struct {
	client     *redis.Client
	bus        *Bus
	instanceID string
	out        chan outbound
}

// NewRelay creates a relay and installs it as the bus forwarder.
func NewRelay(client *redis.Client, bus *Bus, instanceID string) *Relay {
	r := &Relay{
		client:     client,
		bus:        bus,
		instanceID: instanceID,
		out:        make(chan outbound, 1024),
	}
	bus.SetForwarder(r.forward)
	return r
}

func (r *Relay) forward(tenantID string, ev model.ZoneEvent) {
	payload, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Event: ev})
	if err != nil {
		zap.L().Error("relay: encode event", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	select {
	case r.out <- outbound{tenantID: tenantID, payload: payload}:
	default:
		zap.L().Warn("relay: outbound queue full, event not relayed",
			zap.String("tenant_id", tenantID), zap.String("event_id", ev.ID))
	}
}

// Run publishes outbound events and delivers inbound ones until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	// Wait for the subscription to be confirmed so no early message is lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close() //nolint:errcheck
		return eris.Wrap(err, "relay: psubscribe")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer ps.Close() //nolint:errcheck
		ch := ps.Channel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				r.receive(msg)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case o := <-r.out:
				pctx, cancel := context.WithTimeout(gctx, 2*time.Second)
				err := r.client.Publish(pctx, ChannelPrefix+o.tenantID, o.payload).Err()
				cancel()
				if err != nil {
					zap.L().Warn("relay: publish failed", zap.String("tenant_id", o.tenantID), zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}

func (r *Relay) receive(msg *redis.Message) {
	tenantID := strings.TrimPrefix(msg.Channel, ChannelPrefix)
	var env relayEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		zap.L().Warn("relay: decode event", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	if env.Event.TenantID != "" && env.Event.TenantID != tenantID {
		zap.L().Warn("relay: tenant mismatch", zap.String("channel", msg.Channel), zap.String("tenant_id", env.Event.TenantID))
		return
	}
	r.bus.Deliver(tenantID, env.Event)
}
