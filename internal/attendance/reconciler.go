package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
	"github.com/sells-group/geoattend/internal/store"
)

// ReconcileStore is the persistence the reconciler drains.
type ReconcileStore interface {
	Store
	DuePending(ctx context.Context, filter resilience.PendingFilter) ([]resilience.PendingAttendance, error)
	IncrementPendingRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemovePending(ctx context.Context, id string) error
	CountPending(ctx context.Context) (int, error)
	GetZoneEvent(ctx context.Context, id string) (*model.ZoneEvent, error)
	ListZones(ctx context.Context, tenantID string) ([]model.Zone, error)
}

// ReconcilerConfig controls the pending queue drain.
type ReconcilerConfig struct {
	Interval  time.Duration
	BatchSize int
	// Backoff spaces retries of one entry; attempt n waits Backoff(n).
	Backoff resilience.RetryConfig
	Clock   quartz.Clock
}

// ReconcileStats summarizes one drain pass.
type ReconcileStats struct {
	Processed int `json:"processed"`
	Resolved  int `json:"resolved"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Reconciler re-runs deferred attendance decisions.
type Reconciler struct {
	decider *Decider
	store   ReconcileStore
	cfg     ReconcilerConfig
	clock   quartz.Clock
}

// NewReconciler creates a Reconciler.
func NewReconciler(decider *Decider, st ReconcileStore, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Backoff.InitialBackoff <= 0 {
		cfg.Backoff = resilience.RetryConfig{
			InitialBackoff: 30 * time.Second,
			MaxBackoff:     30 * time.Minute,
			Multiplier:     2,
			JitterFraction: 0.1,
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Reconciler{decider: decider, store: st, cfg: cfg, clock: clock}
}

// Run drains the queue every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		stats, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Error("reconcile: pass failed", zap.Error(err))
		} else if stats.Processed > 0 {
			zap.L().Info("reconcile: pass complete",
				zap.Int("processed", stats.Processed),
				zap.Int("resolved", stats.Resolved),
				zap.Int("retried", stats.Retried),
				zap.Int("failed", stats.Failed),
				zap.Int("remaining", stats.Remaining),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes every entry due now, up to the batch size.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	now := r.clock.Now().UTC()

	entries, err := r.store.DuePending(ctx, resilience.PendingFilter{DueAt: now, Limit: r.cfg.BatchSize})
	if err != nil {
		return stats, eris.Wrap(err, "reconcile: load due entries")
	}

	for i := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		e := &entries[i]
		stats.Processed++

		if !e.CanRetry() {
			if err := r.fail(ctx, e, "max retries exceeded"); err != nil {
				return stats, err
			}
			stats.Failed++
			continue
		}

		resolved, err := r.reconcile(ctx, e)
		switch {
		case err != nil:
			return stats, err
		case resolved:
			stats.Resolved++
		case e.RetryCount+1 >= e.MaxRetries:
			if err := r.fail(ctx, e, e.Error); err != nil {
				return stats, err
			}
			stats.Failed++
		default:
			stats.Retried++
		}
	}

	remaining, err := r.store.CountPending(ctx)
	if err != nil {
		return stats, eris.Wrap(err, "reconcile: count pending")
	}
	stats.Remaining = remaining
	r.decider.metrics.SetPending(remaining)
	return stats, nil
}

// reconcile re-runs one decision. It returns true when the entry is done,
// and false after scheduling another attempt.
func (r *Reconciler) reconcile(ctx context.Context, e *resilience.PendingAttendance) (bool, error) {
	log := zap.L().With(
		zap.String("tenant_id", e.TenantID),
		zap.String("event_id", e.EventID),
		zap.Int("retry_count", e.RetryCount),
	)

	ev, err := r.store.GetZoneEvent(ctx, e.EventID)
	switch {
	case eris.Is(err, store.ErrNotFound):
		log.Warn("reconcile: event no longer exists, dropping entry", zap.Error(err))
		return true, eris.Wrap(r.store.RemovePending(ctx, e.ID), "reconcile: remove pending")
	case err != nil:
		log.Warn("reconcile: event not loadable", zap.Error(err))
		e.Error = err.Error()
		return false, r.retry(ctx, e, err)
	}

	zone, found, err := r.findZone(ctx, ev.TenantID, ev.ZoneID)
	if err != nil {
		return false, r.retry(ctx, e, err)
	}
	if !found {
		log.Warn("reconcile: zone no longer exists", zap.String("zone_id", ev.ZoneID))
		if err := r.store.MarkAttendance(ctx, ev.ID, model.AttendanceMarkSkipped, nil); err != nil {
			return false, eris.Wrap(err, "reconcile: mark skipped")
		}
		return true, eris.Wrap(r.store.RemovePending(ctx, e.ID), "reconcile: remove pending")
	}

	out, err := r.decider.decide(ctx, *ev, zone)
	var deferred *deferredError
	if errors.As(err, &deferred) {
		log.Warn("reconcile: decision still deferred", zap.String("stage", deferred.stage), zap.Error(deferred.err))
		e.Error = deferred.Error()
		return false, r.retry(ctx, e, deferred)
	}
	if err != nil {
		return false, eris.Wrap(err, "reconcile: decide")
	}

	log.Info("reconcile: decision completed", zap.String("disposition", string(out.Disposition)))
	return true, eris.Wrap(r.store.RemovePending(ctx, e.ID), "reconcile: remove pending")
}

func (r *Reconciler) retry(ctx context.Context, e *resilience.PendingAttendance, cause error) error {
	next := r.clock.Now().UTC().Add(resilience.Backoff(e.RetryCount, r.cfg.Backoff))
	if err := r.store.IncrementPendingRetry(ctx, e.ID, next, cause.Error()); err != nil {
		return eris.Wrap(err, "reconcile: schedule retry")
	}
	return nil
}

func (r *Reconciler) fail(ctx context.Context, e *resilience.PendingAttendance, reason string) error {
	zap.L().Error("reconcile: giving up on attendance decision",
		zap.String("tenant_id", e.TenantID),
		zap.String("event_id", e.EventID),
		zap.String("reason", reason),
	)
	r.decider.metrics.RecordAttendance(string(model.AttendanceMarkFailed))
	if err := r.store.MarkAttendance(ctx, e.EventID, model.AttendanceMarkFailed, nil); err != nil {
		zap.L().Warn("reconcile: mark failed", zap.String("event_id", e.EventID), zap.Error(err))
	}
	return eris.Wrap(r.store.RemovePending(ctx, e.ID), "reconcile: remove failed entry")
}

func (r *Reconciler) findZone(ctx context.Context, tenantID, zoneID string) (model.Zone, bool, error) {
	zones, err := r.store.ListZones(ctx, tenantID)
	if err != nil {
		return model.Zone{}, false, eris.Wrap(err, "reconcile: list zones")
	}
	for _, z := range zones {
		if z.ID == zoneID {
			return z, true, nil
		}
	}
	return model.Zone{}, false, nil
}
