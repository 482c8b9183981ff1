package offline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/geoattend/internal/client"
	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
)

// Submitter delivers one sample to the gateway. It follows the error
// classes of client.Client.Submit.
type Submitter interface {
	Submit(ctx context.Context, s model.LocationSample) error
}

// StopReason says why a replay pass ended.
type StopReason string

const (
	StopEmpty       StopReason = "empty"
	StopRateLimited StopReason = "rate_limited"
	StopUnreachable StopReason = "unreachable"
	StopAuth        StopReason = "auth"
)

// ReplayStats summarizes one pass over the queue.
type ReplayStats struct {
	Submitted int
	Rejected  int
	Stop      StopReason
	// RetryAfter is the server's hint when Stop is StopRateLimited.
	RetryAfter time.Duration
	Err        error
}

// ReplayerConfig controls pacing and backoff.
type ReplayerConfig struct {
	// RPS caps submissions per second. Default: 5.
	RPS float64
	// BatchSize is how many entries are read per query. Default: 50.
	BatchSize int
	// IdlePoll is the wait after the queue was found empty. Default: 5s.
	IdlePoll time.Duration
	// Backoff spaces attempts while the server is unreachable.
	Backoff resilience.RetryConfig
}

// Replayer submits queued samples oldest first.
type Replayer struct {
	queue   Queue
	submit  Submitter
	cfg     ReplayerConfig
	limiter *rate.Limiter
	wake    chan struct{}
}

// NewReplayer creates a Replayer.
func NewReplayer(queue Queue, submit Submitter, cfg ReplayerConfig) *Replayer {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 5 * time.Second
	}
	if cfg.Backoff.InitialBackoff == 0 {
		cfg.Backoff = resilience.RetryConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     2 * time.Minute,
			Multiplier:     2,
			JitterFraction: 0.2,
		}
	}
	return &Replayer{
		queue:   queue,
		submit:  submit,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		wake:    make(chan struct{}, 1),
	}
}

// Notify wakes an idle Run loop, typically after Enqueue.
func (r *Replayer) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Replay makes one FIFO pass. An entry is removed only once the gateway
// accepted it, or rejected it for good. Rate limiting and network failures
// stop the pass and leave the entry at the head of the queue.
func (r *Replayer) Replay(ctx context.Context) (ReplayStats, error) {
	var stats ReplayStats
	for {
		entries, err := r.queue.Drain(ctx, r.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(entries) == 0 {
			stats.Stop = StopEmpty
			return stats, nil
		}

		for _, e := range entries {
			if err := r.limiter.Wait(ctx); err != nil {
				return stats, eris.Wrap(err, "offline: replay pacing")
			}

			err := r.submit.Submit(ctx, e.Sample)
			var (
				rejected *client.RejectedError
				limited  *client.RateLimitedError
				auth     *client.AuthError
			)
			switch {
			case err == nil:
				stats.Submitted++
			case errors.As(err, &rejected):
				stats.Rejected++
				zap.L().Warn("offline: sample rejected, dropping",
					zap.Int64("seq", e.Seq),
					zap.String("subject_id", e.Sample.SubjectID),
					zap.Time("captured_at", e.Sample.CapturedAt),
					zap.Error(err),
				)
			case errors.As(err, &limited):
				stats.Stop, stats.RetryAfter = StopRateLimited, limited.RetryAfter
				return stats, nil
			case errors.As(err, &auth):
				stats.Stop, stats.Err = StopAuth, err
				return stats, nil
			default:
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				stats.Stop, stats.Err = StopUnreachable, err
				return stats, nil
			}

			if err := r.queue.Remove(ctx, e.Seq); err != nil {
				return stats, err
			}
		}
	}
}

// Run replays until ctx is done, waiting between passes according to why
// the previous pass stopped.
func (r *Replayer) Run(ctx context.Context) error {
	failures := 0
	for {
		stats, err := r.Replay(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if stats.Submitted+stats.Rejected > 0 {
			zap.L().Info("offline: replay pass",
				zap.Int("submitted", stats.Submitted),
				zap.Int("rejected", stats.Rejected),
				zap.String("stop", string(stats.Stop)),
			)
		}

		if stats.Submitted > 0 {
			failures = 0
		}
		var wait time.Duration
		switch stats.Stop {
		case StopEmpty:
			failures = 0
			wait = r.cfg.IdlePoll
		case StopRateLimited:
			failures = 0
			wait = stats.RetryAfter
		default:
			wait = resilience.Backoff(failures, r.cfg.Backoff)
			failures++
			zap.L().Warn("offline: server unavailable, backing off",
				zap.String("stop", string(stats.Stop)),
				zap.Duration("wait", wait),
				zap.Error(stats.Err),
			)
		}

		// Only an idle wait is cut short by new samples.
		if !r.wait(ctx, wait, stats.Stop == StopEmpty) {
			return nil
		}
	}
}

func (r *Replayer) wait(ctx context.Context, d time.Duration, wakeable bool) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-r.wake:
			if wakeable {
				return true
			}
		}
	}
}
