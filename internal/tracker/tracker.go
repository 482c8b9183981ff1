// Package tracker turns raw containment checks into clean ENTER, INSIDE and
// EXIT events, one state machine per (subject, zone) pair.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattend/internal/geofence"
	"github.com/sells-group/geoattend/internal/model"
)

// StateStore persists pair states so a restart does not replay ENTERs.
type StateStore interface {
	SaveZoneState(ctx context.Context, st model.ZoneState) error
	ListZoneStates(ctx context.Context, tenantID string) ([]model.ZoneState, error)
	DeleteIdleZoneStates(ctx context.Context, idleBefore time.Time) (int, error)
}

// Config controls tracker behavior.
type Config struct {
	// InsideReconfirmInterval is the minimum gap between INSIDE events for a pair.
	InsideReconfirmInterval time.Duration
	// Shards is the number of lock shards for the pair map. Default: 64.
	Shards int
}

// Observation is one containment check of one sample against one zone.
type Observation struct {
	Sample      model.LocationSample
	Zone        geofence.Prepared
	Containment geofence.Containment
}

type pairKey struct {
	tenant, subject, zone string
}

type pair struct {
	mu      sync.Mutex
	state   model.ZoneState
	removed bool
}

type shard struct {
	mu    sync.Mutex
	pairs map[pairKey]*pair
}

// Tracker holds the last known state per pair. Updates to one pair are
// linearized by that pair's mutex; different pairs never contend beyond a
// brief shard lookup.
type Tracker struct {
	cfg    Config
	store  StateStore
	shards []*shard
}

// New creates a Tracker. store may be nil for a purely in-memory tracker.
func New(cfg Config, store StateStore) *Tracker {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}
	t := &Tracker{cfg: cfg, store: store, shards: make([]*shard, cfg.Shards)}
	for i := range t.shards {
		t.shards[i] = &shard{pairs: make(map[pairKey]*pair)}
	}
	return t
}

func (t *Tracker) shardFor(k pairKey) *shard {
	h := xxhash.Sum64String(k.tenant + "\x00" + k.subject + "\x00" + k.zone)
	return t.shards[h%uint64(len(t.shards))]
}

// acquire returns the locked pair for k, creating it in OUTSIDE state on
// first observation.
func (t *Tracker) acquire(k pairKey) *pair {
	for {
		s := t.shardFor(k)
		s.mu.Lock()
		p, ok := s.pairs[k]
		if !ok {
			p = &pair{state: model.ZoneState{
				TenantID:  k.tenant,
				SubjectID: k.subject,
				ZoneID:    k.zone,
				State:     model.StateOutside,
			}}
			s.pairs[k] = p
		}
		s.mu.Unlock()

		p.mu.Lock()
		if !p.removed {
			return p
		}
		// Swept between lookup and lock.
		p.mu.Unlock()
	}
}

// Observe applies one observation to its pair and returns the event it
// produced, if any. A non-nil error means the new state could not be
// persisted; the returned event is still valid and the in-memory state has
// advanced.
func (t *Tracker) Observe(ctx context.Context, obs Observation) (*model.ZoneEvent, error) {
	k := pairKey{tenant: obs.Sample.TenantID, subject: obs.Sample.SubjectID, zone: obs.Zone.Zone.ID}
	p := t.acquire(k)
	defer p.mu.Unlock()

	at := obs.Sample.CapturedAt
	st := &p.state
	if !st.LastSampleAt.IsZero() && at.Before(st.LastSampleAt) {
		zap.L().Debug("tracker: stale sample ignored",
			zap.String("subject_id", k.subject),
			zap.String("zone_id", k.zone),
			zap.Time("captured_at", at),
			zap.Time("last_sample_at", st.LastSampleAt),
		)
		return nil, nil
	}
	st.LastSampleAt = at

	prox := obs.Zone.Classify(obs.Containment)
	var evType model.EventType
	changed := false

	switch st.State {
	case model.StateOutside:
		if prox == geofence.BufferedInside {
			st.State = model.StateEntered
			st.LastTransitionAt = at
			st.LastEventAt = at
			evType = model.EventEnter
			changed = true
		}
	case model.StateEntered, model.StateInside:
		switch prox {
		case geofence.BufferedInside:
			if st.State == model.StateEntered {
				st.State = model.StateInside
				st.LastTransitionAt = at
				changed = true
			}
			if at.Sub(st.LastEventAt) >= t.cfg.InsideReconfirmInterval {
				st.LastEventAt = at
				evType = model.EventInside
				changed = true
			}
		case geofence.BufferedOutside:
			st.State = model.StateOutside
			st.LastTransitionAt = at
			evType = model.EventExit
			changed = true
		}
	}

	var ev *model.ZoneEvent
	if evType != "" {
		ev = &model.ZoneEvent{
			ID:             uuid.New().String(),
			TenantID:       k.tenant,
			SubjectID:      k.subject,
			ZoneID:         k.zone,
			ZoneCategory:   obs.Zone.Zone.Category,
			EventType:      evType,
			Location:       obs.Sample.Point(),
			AccuracyMeters: obs.Sample.AccuracyMeters,
			DistanceMeters: obs.Containment.DistanceMeters,
			OccurredAt:     at,
		}
	}

	if changed && t.store != nil {
		if err := t.store.SaveZoneState(ctx, *st); err != nil {
			return ev, eris.Wrapf(err, "tracker: save state %s/%s", k.subject, k.zone)
		}
	}
	return ev, nil
}

// State returns a copy of the pair's state and whether the pair is known.
func (t *Tracker) State(tenantID, subjectID, zoneID string) (model.ZoneState, bool) {
	k := pairKey{tenant: tenantID, subject: subjectID, zone: zoneID}
	s := t.shardFor(k)
	s.mu.Lock()
	p, ok := s.pairs[k]
	s.mu.Unlock()
	if !ok {
		return model.ZoneState{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, !p.removed
}

// Snapshot returns copies of every known state for a tenant.
func (t *Tracker) Snapshot(tenantID string) []model.ZoneState {
	var out []model.ZoneState
	for _, s := range t.shards {
		s.mu.Lock()
		pairs := make([]*pair, 0, len(s.pairs))
		for k, p := range s.pairs {
			if k.tenant == tenantID {
				pairs = append(pairs, p)
			}
		}
		s.mu.Unlock()

		for _, p := range pairs {
			p.mu.Lock()
			if !p.removed {
				out = append(out, p.state)
			}
			p.mu.Unlock()
		}
	}
	return out
}

// Warm loads persisted states for a tenant. Pairs already tracked in memory
// keep their current state.
func (t *Tracker) Warm(ctx context.Context, tenantID string) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	states, err := t.store.ListZoneStates(ctx, tenantID)
	if err != nil {
		return 0, eris.Wrapf(err, "tracker: warm tenant %s", tenantID)
	}

	loaded := 0
	for _, st := range states {
		k := pairKey{tenant: st.TenantID, subject: st.SubjectID, zone: st.ZoneID}
		s := t.shardFor(k)
		s.mu.Lock()
		if _, ok := s.pairs[k]; !ok {
			s.pairs[k] = &pair{state: st}
			loaded++
		}
		s.mu.Unlock()
	}
	return loaded, nil
}

// Sweep forgets OUTSIDE pairs whose last sample is older than idleBefore,
// in memory and in the store.
func (t *Tracker) Sweep(ctx context.Context, idleBefore time.Time) (int, error) {
	removed := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for k, p := range s.pairs {
			p.mu.Lock()
			if p.state.State == model.StateOutside && p.state.LastSampleAt.Before(idleBefore) {
				p.removed = true
				delete(s.pairs, k)
				removed++
			}
			p.mu.Unlock()
		}
		s.mu.Unlock()
	}

	if t.store != nil {
		if _, err := t.store.DeleteIdleZoneStates(ctx, idleBefore); err != nil {
			return removed, eris.Wrap(err, "tracker: sweep store")
		}
	}
	return removed, nil
}

// Len returns the number of tracked pairs.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.pairs)
		s.mu.Unlock()
	}
	return n
}
