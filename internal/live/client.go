// Package live follows a tenant's zone event stream. A single loop drives
// the connection through CONNECTED, RECONNECTING and FALLBACK_POLLING; each
// state waits on its own timer, so cancelling the context ends any of them.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
)

// State is the connection state.
type State string

const (
	StateConnected       State = "CONNECTED"
	StateReconnecting    State = "RECONNECTING"
	StateFallbackPolling State = "FALLBACK_POLLING"
)

// Status is the current state and, while reconnecting, the number of
// failed attempts so far.
type Status struct {
	State   State
	Attempt int
}

func (s Status) String() string {
	if s.State == StateReconnecting {
		return fmt.Sprintf("%s(%d)", s.State, s.Attempt)
	}
	return string(s.State)
}

// ErrUnauthorized is returned by Run when the server refuses the token.
var ErrUnauthorized = eris.New("live: server rejected credentials")

// SnapshotFetcher loads the tenant view. *client.Client satisfies it.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, tenantID string) (*model.Snapshot, error)
}

// Callbacks receive what the client learns. They run on the Run goroutine,
// one at a time. Nil callbacks are skipped.
type Callbacks struct {
	OnSnapshot func(model.Snapshot)
	OnEvent    func(model.ZoneEvent)
	OnStatus   func(Status)
}

// Config controls reconnection and polling.
type Config struct {
	TenantID string
	// URL is the websocket URL of the tenant stream, see client.LiveURL.
	URL   string
	Token string
	// MaxReconnectAttempts failed dials switch to polling. Default: 5.
	MaxReconnectAttempts int
	// PollInterval is the snapshot period while polling. Default: 15s.
	PollInterval time.Duration
	// LiveRetryInterval is how often polling tries the stream again.
	// Default: 4 * PollInterval.
	LiveRetryInterval time.Duration
	// DialTimeout bounds one connection attempt. Default: 10s.
	DialTimeout time.Duration
	// StableAfter is how long a stream must stay up, absent a zone event,
	// before a drop resets the reconnect attempts. Default: 30s.
	StableAfter time.Duration
	// Backoff spaces reconnect attempts.
	Backoff resilience.RetryConfig
}

// Client follows one tenant's live stream.
type Client struct {
	cfg       Config
	snapshots SnapshotFetcher
	cb        Callbacks

	mu     sync.Mutex
	status Status
}

// New creates a Client.
func New(cfg Config, snapshots SnapshotFetcher, cb Callbacks) *Client {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.LiveRetryInterval <= 0 {
		cfg.LiveRetryInterval = 4 * cfg.PollInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 30 * time.Second
	}
	if cfg.Backoff.InitialBackoff == 0 {
		cfg.Backoff = resilience.RetryConfig{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			JitterFraction: 0.2,
		}
	}
	return &Client{
		cfg:       cfg,
		snapshots: snapshots,
		cb:        cb,
		status:    Status{State: StateReconnecting},
	}
}

// Status returns the current state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(st Status) {
	c.mu.Lock()
	prev := c.status
	c.status = st
	c.mu.Unlock()
	if prev != st {
		zap.L().Info("live: state change",
			zap.String("tenant_id", c.cfg.TenantID),
			zap.Stringer("from", prev),
			zap.Stringer("to", st),
		)
	}
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(st)
	}
}

// Run follows the stream until ctx is done. It returns nil on
// cancellation and ErrUnauthorized when the token is refused.
func (c *Client) Run(ctx context.Context) error {
	c.setStatus(Status{State: StateReconnecting})
	for {
		var err error
		switch st := c.Status(); st.State {
		case StateReconnecting:
			err = c.reconnect(ctx, st)
		case StateFallbackPolling:
			err = c.poll(ctx)
		case StateConnected:
			// connected() returns to RECONNECTING itself; reaching here
			// means the status was set without a connection.
			c.setStatus(Status{State: StateReconnecting})
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// reconnect makes one dial attempt, waiting out the backoff for st first.
func (c *Client) reconnect(ctx context.Context, st Status) error {
	if st.Attempt > 0 && !sleep(ctx, resilience.Backoff(st.Attempt-1, c.cfg.Backoff)) {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return err
		}
		zap.L().Warn("live: connect failed",
			zap.String("tenant_id", c.cfg.TenantID),
			zap.Int("attempt", st.Attempt+1),
			zap.Error(err),
		)
		c.setStatus(c.failed(st.Attempt))
		return nil
	}
	c.connected(ctx, conn, st.Attempt)
	return nil
}

// failed is the status after the given attempt did not yield a usable stream.
func (c *Client) failed(attempt int) Status {
	next := Status{State: StateReconnecting, Attempt: attempt + 1}
	if next.Attempt >= c.cfg.MaxReconnectAttempts {
		return Status{State: StateFallbackPolling}
	}
	return next
}

// poll fetches snapshots on a ticker and retries the stream on a slower
// timer. It returns once a retry connects and the stream ends again.
func (c *Client) poll(ctx context.Context) error {
	c.fetchSnapshot(ctx)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	retry := time.NewTimer(c.cfg.LiveRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.fetchSnapshot(ctx)
		case <-retry.C:
			conn, err := c.dial(ctx)
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					return err
				}
				zap.L().Debug("live: stream still unavailable", zap.String("tenant_id", c.cfg.TenantID), zap.Error(err))
				retry.Reset(c.cfg.LiveRetryInterval)
				continue
			}
			c.connected(ctx, conn, 0)
			return nil
		}
	}
}

// connected reads the stream until it breaks and leaves the client
// reconnecting. The snapshot is fetched before any event is passed on. A
// stream that dropped before it proved stable counts as a failed attempt,
// so a server that accepts and hangs up is still backed off.
func (c *Client) connected(ctx context.Context, conn *websocket.Conn, attempt int) {
	defer conn.CloseNow() //nolint:errcheck
	c.setStatus(Status{State: StateConnected})

	began := time.Now()
	gotEvent, err := c.stream(ctx, conn)
	if ctx.Err() != nil {
		return
	}
	zap.L().Warn("live: stream ended", zap.String("tenant_id", c.cfg.TenantID), zap.Error(err))
	if gotEvent || time.Since(began) >= c.cfg.StableAfter {
		c.setStatus(Status{State: StateReconnecting})
		return
	}
	c.setStatus(c.failed(attempt))
}

// stream reports whether any zone event arrived before the read failed.
func (c *Client) stream(ctx context.Context, conn *websocket.Conn) (bool, error) {
	var hello model.LiveMessage
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return false, eris.Wrap(err, "live: read hello")
	}
	if hello.Type != model.LiveConnected {
		return false, eris.Errorf("live: unexpected first message %q", hello.Type)
	}

	// Events buffered while the snapshot loads may already be in it.
	seen := make(map[string]struct{})
	if snap := c.fetchSnapshot(ctx); snap != nil {
		for _, ev := range snap.Events {
			seen[ev.ID] = struct{}{}
		}
	}

	gotEvent := false
	for {
		var msg model.LiveMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return gotEvent, eris.Wrap(err, "live: read")
		}
		if msg.Type != model.LiveZoneEvent || msg.Data == nil {
			continue
		}
		gotEvent = true
		if _, dup := seen[msg.Data.ID]; dup {
			delete(seen, msg.Data.ID)
			continue
		}
		if c.cb.OnEvent != nil {
			c.cb.OnEvent(*msg.Data)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}
	conn, resp, err := websocket.Dial(ctx, c.cfg.URL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, eris.Wrapf(ErrUnauthorized, "http %d", resp.StatusCode)
		}
		return nil, eris.Wrap(err, "live: dial")
	}
	return conn, nil
}

func (c *Client) fetchSnapshot(ctx context.Context) *model.Snapshot {
	snap, err := c.snapshots.Snapshot(ctx, c.cfg.TenantID)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Warn("live: snapshot failed", zap.String("tenant_id", c.cfg.TenantID), zap.Error(err))
		}
		return nil
	}
	if c.cb.OnSnapshot != nil {
		c.cb.OnSnapshot(*snap)
	}
	return snap
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
