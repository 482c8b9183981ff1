// Package eventbus fans confirmed zone events out to live subscribers of
// the same tenant. Publishing never blocks: a subscriber whose buffer is
// full is dropped with ErrSlowSubscriber.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/metrics"
	"github.com/sells-group/geoattend/internal/model"
)

var (
	// ErrSlowSubscriber is the cause of a subscription dropped for falling behind.
	ErrSlowSubscriber = eris.New("eventbus: subscriber too slow")
	// ErrClosed is returned when subscribing to a closed bus.
	ErrClosed = eris.New("eventbus: closed")
)

// DeliveryFailure reports a subscriber dropped because its buffer was full.
type DeliveryFailure struct {
	TenantID     string
	SubscriberID uint64
	Buffered     int
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("eventbus: subscriber %d of tenant %s dropped with %d buffered events",
		e.SubscriberID, e.TenantID, e.Buffered)
}

func (e *DeliveryFailure) Unwrap() error { return ErrSlowSubscriber }

// Config controls buffering.
type Config struct {
	// SubscriberBuffer is the per-subscriber channel capacity. Default: 64.
	SubscriberBuffer int
	// RecentEvents is the per-tenant ring size backing Recent. Default: 100.
	RecentEvents int
	Metrics      *metrics.Metrics
}

// Forwarder receives locally published events, used for cross-instance relay.
type Forwarder func(tenantID string, ev model.ZoneEvent)

// Bus is an in-process publish/subscribe hub keyed by tenant.
type Bus struct {
	cfg    Config
	nextID atomic.Uint64

	mu        sync.RWMutex
	topics    map[string]*topic
	forwarder Forwarder
	closed    bool
}

type topic struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	recent *ring
}

// New creates a Bus.
func New(cfg Config) *Bus {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = 100
	}
	return &Bus{cfg: cfg, topics: make(map[string]*topic)}
}

// SetForwarder installs f to receive every local publish.
func (b *Bus) SetForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarder = f
}

func (b *Bus) topic(tenantID string, create bool) *topic {
	b.mu.RLock()
	t := b.topics[tenantID]
	b.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.topics[tenantID]; t == nil {
		t = &topic{subs: make(map[uint64]*Subscription), recent: newRing(b.cfg.RecentEvents)}
		b.topics[tenantID] = t
	}
	return t
}

// Publish delivers ev to every subscriber of the tenant and forwards it to
// the relay, if any. It returns the number of subscribers reached.
func (b *Bus) Publish(tenantID string, ev model.ZoneEvent) int {
	n := b.Deliver(tenantID, ev)
	b.mu.RLock()
	fwd := b.forwarder
	b.mu.RUnlock()
	if fwd != nil {
		fwd(tenantID, ev)
	}
	return n
}

// Deliver fans ev out locally without forwarding. Relays use it for events
// that originated on another instance.
func (b *Bus) Deliver(tenantID string, ev model.ZoneEvent) int {
	t := b.topic(tenantID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent.push(ev)
	delivered, dropped := 0, 0
	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			failure := &DeliveryFailure{TenantID: tenantID, SubscriberID: id, Buffered: len(sub.ch)}
			zap.L().Warn("eventbus: dropping slow subscriber",
				zap.String("tenant_id", tenantID),
				zap.Uint64("subscriber_id", id),
				zap.Error(failure),
			)
			delete(t.subs, id)
			sub.terminate(failure)
			dropped++
		}
	}
	b.cfg.Metrics.RecordPublish(delivered, dropped)
	b.cfg.Metrics.AddSubscribers(-dropped)
	return delivered
}

// Subscribe attaches a subscriber to the tenant's events. The subscription
// ends when ctx is done, Close is called, or it falls behind.
func (b *Bus) Subscribe(ctx context.Context, tenantID string) (*Subscription, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	t := b.topic(tenantID, true)
	sub := &Subscription{
		id:       b.nextID.Add(1),
		tenantID: tenantID,
		ch:       make(chan model.ZoneEvent, b.cfg.SubscriberBuffer),
		done:     make(chan struct{}),
		topic:    t,
		metrics:  b.cfg.Metrics,
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	// Close takes the topic lock, so stop is set before it can run.
	sub.stop = context.AfterFunc(ctx, sub.Close)
	t.mu.Unlock()
	b.cfg.Metrics.AddSubscribers(1)
	return sub, nil
}

// Recent returns the tenant's most recent events, oldest first.
func (b *Bus) Recent(tenantID string) []model.ZoneEvent {
	t := b.topic(tenantID, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recent.snapshot()
}

// Subscribers returns the number of attached subscribers for a tenant.
func (b *Bus) Subscribers(tenantID string) int {
	t := b.topic(tenantID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.terminate(ErrClosed)
			b.cfg.Metrics.AddSubscribers(-1)
		}
		t.mu.Unlock()
	}
}

// Subscription is one live subscriber.
type Subscription struct {
	id       uint64
	tenantID string
	ch       chan model.ZoneEvent
	done     chan struct{}
	topic    *topic
	metrics  *metrics.Metrics
	stop     func() bool

	once sync.Once
	err  atomic.Pointer[error]
}

// ID is unique within the bus.
func (s *Subscription) ID() uint64 { return s.id }

// C delivers events in publish order. It is closed when the subscription ends.
func (s *Subscription) C() <-chan model.ZoneEvent { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil while active or after Close,
// a *DeliveryFailure when dropped, ErrClosed when the bus shut down.
func (s *Subscription) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	if _, ok := s.topic.subs[s.id]; ok {
		delete(s.topic.subs, s.id)
		s.metrics.AddSubscribers(-1)
	}
	s.terminate(nil)
	s.topic.mu.Unlock()
}

// terminate must be called with the topic lock held.
func (s *Subscription) terminate(cause error) {
	s.once.Do(func() {
		if cause != nil {
			s.err.Store(&cause)
		}
		close(s.ch)
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

// ring is a fixed-size buffer of the newest events.
type ring struct {
	buf  []model.ZoneEvent
	next int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]model.ZoneEvent, n)}
}

func (r *ring) push(ev model.ZoneEvent) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []model.ZoneEvent {
	if !r.full {
		return append([]model.ZoneEvent(nil), r.buf[:r.next]...)
	}
	out := make([]model.ZoneEvent, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
