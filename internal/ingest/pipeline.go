package ingest

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/attendance"
	"github.com/sells-group/geoattend/internal/geofence"
	"github.com/sells-group/geoattend/internal/metrics"
	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/tracker"
)

// Pipeline stage names used in logs and the stage error metric.
const (
	StageZones      = "zones"
	StageTracker    = "tracker"
	StageEventLog   = "event_log"
	StageAttendance = "attendance"
	StagePanic      = "panic"
)

// Tracker applies containment results to per-pair state.
type Tracker interface {
	Observe(ctx context.Context, obs tracker.Observation) (*model.ZoneEvent, error)
	State(tenantID, subjectID, zoneID string) (model.ZoneState, bool)
}

// EventLog appends confirmed transitions.
type EventLog interface {
	AppendZoneEvent(ctx context.Context, ev model.ZoneEvent) error
}

// Decider turns qualifying events into attendance.
type Decider interface {
	OnZoneEvent(ctx context.Context, ev model.ZoneEvent, zone model.Zone) (attendance.Outcome, error)
}

// Publisher fans events out to live subscribers.
type Publisher interface {
	Publish(tenantID string, ev model.ZoneEvent) int
}

// PipelineDeps are the stages a sample passes through.
type PipelineDeps struct {
	Zones     *ZoneCache
	Tracker   Tracker
	Events    EventLog
	Decider   Decider
	Publisher Publisher
	Metrics   *metrics.Metrics
	Clock     quartz.Clock
}

// Pipeline matches one accepted sample against the tenant's zones and
// forwards each resulting event.
type Pipeline struct {
	deps PipelineDeps
}

// NewPipeline creates a Pipeline. Decider and Publisher may be nil.
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	return &Pipeline{deps: deps}
}

// Handle is a Sequencer Handler. Failures stay inside the sample: they are
// logged and counted, and a panic in any stage is recovered.
func (p *Pipeline) Handle(ctx context.Context, s model.LocationSample) {
	start := p.deps.Clock.Now()
	log := zap.L().With(zap.String("tenant_id", s.TenantID), zap.String("subject_id", s.SubjectID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("ingest: pipeline panic", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
			p.deps.Metrics.RecordStageError(StagePanic)
		}
		p.deps.Metrics.ObservePipeline(p.deps.Clock.Now().Sub(start))
	}()

	events := p.Process(ctx, s)
	if len(events) > 0 {
		log.Debug("ingest: sample produced events", zap.Int("events", len(events)))
	}
}

// Process runs every stage for s and returns the events it produced.
func (p *Pipeline) Process(ctx context.Context, s model.LocationSample) []model.ZoneEvent {
	log := zap.L().With(zap.String("tenant_id", s.TenantID), zap.String("subject_id", s.SubjectID))

	zones, err := p.deps.Zones.Zones(ctx, s.TenantID)
	if err != nil {
		log.Error("ingest: zones unavailable", zap.Error(err))
		p.deps.Metrics.RecordStageError(StageZones)
		return nil
	}

	pt := s.Point()
	var out []model.ZoneEvent
	for _, z := range zones {
		if !p.candidate(s, pt, z) {
			continue
		}
		ev, err := p.deps.Tracker.Observe(ctx, tracker.Observation{Sample: s, Zone: z, Containment: z.Match(pt)})
		if err != nil {
			// State advanced in memory; only persistence failed.
			log.Warn("ingest: tracker state not persisted", zap.String("zone_id", z.Zone.ID), zap.Error(err))
			p.deps.Metrics.RecordStageError(StageTracker)
		}
		if ev == nil {
			continue
		}
		p.deps.Metrics.RecordZoneEvent(string(ev.EventType))
		p.forward(ctx, *ev, z.Zone, log)
		out = append(out, *ev)
	}
	return out
}

// candidate reports whether zone z must see this sample: the point is near
// it, or the subject is currently inside it and may be leaving.
func (p *Pipeline) candidate(s model.LocationSample, pt model.Point, z geofence.Prepared) bool {
	if z.Near(pt, z.Margin+s.Accuracy()) {
		return true
	}
	st, ok := p.deps.Tracker.State(s.TenantID, s.SubjectID, z.Zone.ID)
	return ok && st.State != model.StateOutside
}

func (p *Pipeline) forward(ctx context.Context, ev model.ZoneEvent, zone model.Zone, log *zap.Logger) {
	log = log.With(zap.String("zone_id", ev.ZoneID), zap.String("event_type", string(ev.EventType)), zap.String("event_id", ev.ID))

	recorded := true
	if err := p.deps.Events.AppendZoneEvent(ctx, ev); err != nil {
		recorded = false
		log.Error("ingest: zone event not recorded", zap.Error(err))
		p.deps.Metrics.RecordStageError(StageEventLog)
	}

	// Attendance annotates the stored event, so it needs the event recorded.
	if recorded && p.deps.Decider != nil && attendance.Qualifies(ev, zone) {
		out, err := p.deps.Decider.OnZoneEvent(ctx, ev, zone)
		if err != nil {
			log.Error("ingest: attendance bookkeeping failed", zap.Error(err))
			p.deps.Metrics.RecordStageError(StageAttendance)
		} else {
			log.Debug("ingest: attendance decided",
				zap.String("disposition", string(out.Disposition)),
				zap.String("reason", out.Reason),
			)
		}
	}

	if p.deps.Publisher != nil {
		p.deps.Publisher.Publish(ev.TenantID, ev)
	}
}
