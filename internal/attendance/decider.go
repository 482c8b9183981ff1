// Package attendance turns confirmed PRIMARY_BOUNDARY entries into
// time-windowed attendance records and reconciles decisions that could not
// be completed on the ingestion path.
package attendance

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/coder/quartz"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/metrics"
	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
)

// GroupResolver returns the attendance groups a subject belongs to.
type GroupResolver interface {
	GroupsFor(ctx context.Context, tenantID, subjectID string) ([]string, error)
}

// Store is the persistence the decider writes through.
type Store interface {
	UpsertAttendance(ctx context.Context, rec model.AttendanceRecord) (bool, error)
	GetAttendance(ctx context.Context, tenantID, subjectID, groupID, date string) (*model.AttendanceRecord, error)
	MarkAttendance(ctx context.Context, eventID string, mark model.AttendanceMark, appliedAt *time.Time) error
	EnqueuePending(ctx context.Context, e resilience.PendingAttendance) error
}

// Disposition summarizes what happened to one zone event.
type Disposition string

const (
	// DispositionApplied means at least one record now carries this event.
	DispositionApplied Disposition = "applied"
	// DispositionKept means every group already had an authoritative record.
	DispositionKept    Disposition = "kept"
	DispositionSkipped Disposition = "skipped"
	DispositionPending Disposition = "pending"
)

// Skip reasons.
const (
	ReasonNotPrimaryEnter  = "not_primary_enter"
	ReasonOutsideWindow    = "outside_window"
	ReasonNoGroups         = "no_groups"
	ReasonNoMatchingGroups = "no_matching_groups"
	ReasonLookupFailed     = "group_lookup_failed"
	ReasonStoreFailed      = "store_failed"
)

// Outcome is the result of deciding one zone event.
type Outcome struct {
	Disposition Disposition              `json:"disposition"`
	Reason      string                   `json:"reason,omitempty"`
	Status      model.AttendanceStatus   `json:"status,omitempty"`
	Date        string                   `json:"date,omitempty"`
	Applied     []model.AttendanceRecord `json:"applied,omitempty"`
	Kept        []model.AttendanceRecord `json:"kept,omitempty"`
}

// Config controls decisions.
type Config struct {
	Window    Window
	Timezones *Timezones
	// Lookup bounds group resolution: attempts, per-attempt timeout and backoff.
	Lookup  resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
	// PendingMaxRetries caps reconciliation attempts per event. Default: 5.
	PendingMaxRetries int
	// PendingDelay is the wait before the first reconciliation. Default: 30s.
	PendingDelay time.Duration
	Clock        quartz.Clock
	Metrics      *metrics.Metrics
}

// Decider applies attendance decisions for zone events.
type Decider struct {
	cfg     Config
	store   Store
	groups  GroupResolver
	breaker *resilience.CircuitBreaker
	clock   quartz.Clock
	metrics *metrics.Metrics
}

// NewDecider creates a Decider. The group resolver is called through a
// retry loop inside a circuit breaker.
func NewDecider(cfg Config, store Store, groups GroupResolver) *Decider {
	if cfg.PendingMaxRetries <= 0 {
		cfg.PendingMaxRetries = 5
	}
	if cfg.PendingDelay <= 0 {
		cfg.PendingDelay = 30 * time.Second
	}
	if cfg.Lookup.ShouldRetry == nil {
		cfg.Lookup.ShouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Lookup.OnRetry == nil {
		cfg.Lookup.OnRetry = resilience.RetryLogger("attendance", "group_lookup")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	if cfg.Breaker.Clock == nil {
		cfg.Breaker.Clock = clock
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("attendance: group lookup circuit changed",
				zap.Stringer("from", from), zap.Stringer("to", to))
		}
	}
	return &Decider{
		cfg:     cfg,
		store:   store,
		groups:  groups,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		clock:   clock,
		metrics: cfg.Metrics,
	}
}

// Qualifies reports whether the event can produce attendance.
func Qualifies(ev model.ZoneEvent, zone model.Zone) bool {
	return ev.EventType == model.EventEnter && zone.Category == model.ZoneCategoryPrimaryBoundary
}

// OnZoneEvent decides attendance for one event. Lookup and store failures
// never surface as errors: the event is queued for reconciliation and the
// outcome is pending. The returned error covers only failures to record
// that bookkeeping.
func (d *Decider) OnZoneEvent(ctx context.Context, ev model.ZoneEvent, zone model.Zone) (Outcome, error) {
	out, err := d.decide(ctx, ev, zone)
	var deferred *deferredError
	if errors.As(err, &deferred) {
		return d.deferDecision(ctx, ev, deferred)
	}
	return out, err
}

func (d *Decider) deferDecision(ctx context.Context, ev model.ZoneEvent, cause *deferredError) (Outcome, error) {
	log := zap.L().With(
		zap.String("tenant_id", ev.TenantID),
		zap.String("subject_id", ev.SubjectID),
		zap.String("event_id", ev.ID),
	)
	log.Warn("attendance: decision deferred", zap.String("stage", cause.stage), zap.Error(cause.err))
	d.metrics.RecordAttendance(string(DispositionPending))

	out := Outcome{Disposition: DispositionPending, Reason: cause.stage}
	now := d.clock.Now().UTC()
	entry := resilience.PendingAttendance{
		TenantID:     ev.TenantID,
		EventID:      ev.ID,
		Error:        cause.err.Error(),
		ErrorType:    resilience.ClassifyError(cause.err),
		MaxRetries:   d.cfg.PendingMaxRetries,
		NextRetryAt:  now.Add(d.cfg.PendingDelay),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := d.store.EnqueuePending(ctx, entry); err != nil {
		return out, eris.Wrapf(err, "attendance: enqueue pending %s", ev.ID)
	}
	if err := d.store.MarkAttendance(ctx, ev.ID, model.AttendanceMarkPending, nil); err != nil {
		return out, eris.Wrapf(err, "attendance: mark pending %s", ev.ID)
	}
	return out, nil
}

// decide runs the decision. Failures worth retrying come back as
// *deferredError with a partial outcome.
func (d *Decider) decide(ctx context.Context, ev model.ZoneEvent, zone model.Zone) (Outcome, error) {
	if !Qualifies(ev, zone) {
		return Outcome{Disposition: DispositionSkipped, Reason: ReasonNotPrimaryEnter}, nil
	}

	log := zap.L().With(
		zap.String("tenant_id", ev.TenantID),
		zap.String("subject_id", ev.SubjectID),
		zap.String("zone_id", ev.ZoneID),
		zap.String("event_id", ev.ID),
	)

	local := ev.OccurredAt.In(d.cfg.Timezones.For(ev.TenantID))
	status, ok := d.cfg.Window.Classify(local)
	if !ok {
		log.Debug("attendance: entry outside window", zap.Time("local", local))
		return d.skip(ctx, ev, ReasonOutsideWindow)
	}
	date := local.Format(model.DateLayout)

	groups, err := resilience.ExecuteVal(ctx, d.breaker, func(ctx context.Context) ([]string, error) {
		return resilience.DoVal(ctx, d.cfg.Lookup, func(ctx context.Context) ([]string, error) {
			return d.groups.GroupsFor(ctx, ev.TenantID, ev.SubjectID)
		})
	})
	if err != nil {
		return Outcome{Status: status, Date: date}, &deferredError{stage: ReasonLookupFailed, err: err}
	}
	if len(groups) == 0 {
		return d.skip(ctx, ev, ReasonNoGroups)
	}
	if len(zone.GroupIDs) > 0 {
		groups = slices.DeleteFunc(slices.Clone(groups), func(g string) bool {
			return !slices.Contains(zone.GroupIDs, g)
		})
		if len(groups) == 0 {
			return d.skip(ctx, ev, ReasonNoMatchingGroups)
		}
	}

	out := Outcome{Status: status, Date: date}
	now := d.clock.Now().UTC()
	ownKept := 0
	for _, group := range groups {
		rec := model.AttendanceRecord{
			TenantID:      ev.TenantID,
			SubjectID:     ev.SubjectID,
			GroupID:       group,
			Date:          date,
			Status:        status,
			Method:        model.MethodGeofence,
			MarkedAt:      ev.OccurredAt,
			SourceEventID: ev.ID,
			UpdatedAt:     now,
		}
		applied, err := d.store.UpsertAttendance(ctx, rec)
		if err != nil {
			return out, &deferredError{stage: ReasonStoreFailed, err: err}
		}
		if applied {
			out.Applied = append(out.Applied, rec)
			d.metrics.RecordAttendance(string(status))
			continue
		}

		existing, err := d.store.GetAttendance(ctx, rec.TenantID, rec.SubjectID, rec.GroupID, rec.Date)
		if err != nil {
			log.Warn("attendance: load conflicting record", zap.String("group_id", group), zap.Error(err))
		}
		if existing != nil && existing.SourceEventID == ev.ID {
			// Replay of a decision already written by this event.
			ownKept++
		} else {
			conflict := &DecisionConflict{Decision: rec, Existing: existing}
			log.Debug("attendance: decision kept existing record", zap.String("group_id", group), zap.Error(conflict))
			d.metrics.RecordAttendance("conflict")
		}
		out.Kept = append(out.Kept, rec)
	}

	if len(out.Applied) == 0 && ownKept < len(out.Kept) {
		out.Disposition = DispositionKept
		if ev.AttendanceMark != model.AttendanceMarkApplied {
			if err := d.store.MarkAttendance(ctx, ev.ID, model.AttendanceMarkSkipped, nil); err != nil {
				return out, eris.Wrapf(err, "attendance: mark kept %s", ev.ID)
			}
		}
		return out, nil
	}

	out.Disposition = DispositionApplied
	if len(out.Applied) > 0 || ev.AttendanceMark != model.AttendanceMarkApplied {
		if err := d.store.MarkAttendance(ctx, ev.ID, model.AttendanceMarkApplied, &now); err != nil {
			return out, eris.Wrapf(err, "attendance: mark applied %s", ev.ID)
		}
	}
	log.Info("attendance: decision applied",
		zap.String("status", string(status)),
		zap.String("date", date),
		zap.Int("groups", len(out.Applied)),
	)
	return out, nil
}

func (d *Decider) skip(ctx context.Context, ev model.ZoneEvent, reason string) (Outcome, error) {
	d.metrics.RecordAttendance(string(DispositionSkipped))
	out := Outcome{Disposition: DispositionSkipped, Reason: reason}
	if err := d.store.MarkAttendance(ctx, ev.ID, model.AttendanceMarkSkipped, nil); err != nil {
		return out, eris.Wrapf(err, "attendance: mark skipped %s", ev.ID)
	}
	return out, nil
}

// BreakerState exposes the group lookup circuit for health reporting.
func (d *Decider) BreakerState() resilience.CircuitState {
	return d.breaker.State()
}
