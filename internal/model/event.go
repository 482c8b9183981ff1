package model

import "time"

// PresenceState is the tracked containment state of a (subject, zone) pair.
type PresenceState string

const (
	StateOutside PresenceState = "OUTSIDE"
	// StateEntered is one-shot: the next confirmed-inside observation moves it to StateInside.
	StateEntered PresenceState = "ENTERED"
	StateInside  PresenceState = "INSIDE"
)

// ZoneState is the last known state of one subject relative to one zone.
type ZoneState struct {
	TenantID         string        `json:"tenant_id"`
	SubjectID        string        `json:"subject_id"`
	ZoneID           string        `json:"zone_id"`
	State            PresenceState `json:"state"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
	// LastEventAt is the capture time of the last emitted ENTER or INSIDE event.
	LastEventAt  time.Time `json:"last_event_at"`
	LastSampleAt time.Time `json:"last_sample_at"`
}

// EventType is the kind of zone transition.
type EventType string

const (
	EventEnter  EventType = "ENTER"
	EventInside EventType = "INSIDE"
	EventExit   EventType = "EXIT"
)

// AttendanceMark records what the attendance decider did with an event.
type AttendanceMark string

const (
	AttendanceMarkNone    AttendanceMark = ""
	AttendanceMarkApplied AttendanceMark = "applied"
	AttendanceMarkSkipped AttendanceMark = "skipped"
	AttendanceMarkPending AttendanceMark = "pending"
	AttendanceMarkFailed  AttendanceMark = "failed"
)

// ZoneEvent is an immutable record of a confirmed transition. Only the
// attendance annotation is written after creation.
type ZoneEvent struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	SubjectID           string         `json:"subject_id"`
	ZoneID              string         `json:"zone_id"`
	ZoneCategory        ZoneCategory   `json:"zone_category"`
	EventType           EventType      `json:"event_type"`
	Location            Point          `json:"sample_location"`
	AccuracyMeters      *float64       `json:"accuracy_meters,omitempty"`
	DistanceMeters      float64        `json:"distance_meters"`
	OccurredAt          time.Time      `json:"occurred_at"`
	AttendanceAppliedAt *time.Time     `json:"attendance_applied_at,omitempty"`
	AttendanceMark      AttendanceMark `json:"attendance_status,omitempty"`
}

// PairKey identifies the (subject, zone) pair of the event.
func (e ZoneEvent) PairKey() string {
	return e.SubjectID + "/" + e.ZoneID
}
