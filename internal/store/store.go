package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
)

// ErrNotFound is returned (wrapped) when a keyed lookup matches nothing.
var ErrNotFound = eris.New("store: not found")

// EventFilter specifies criteria for listing zone events.
type EventFilter struct {
	TenantID  string    `json:"tenant_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	ZoneID    string    `json:"zone_id,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// Store defines the persistence interface for zones, tracker state, zone
// events, attendance records and the pending attendance queue.
type Store interface {
	// Zones
	UpsertZones(ctx context.Context, zones []model.Zone) (int, error)
	ListZones(ctx context.Context, tenantID string) ([]model.Zone, error)
	ListTenants(ctx context.Context) ([]string, error)

	// Zone states
	SaveZoneState(ctx context.Context, st model.ZoneState) error
	ListZoneStates(ctx context.Context, tenantID string) ([]model.ZoneState, error)
	DeleteIdleZoneStates(ctx context.Context, idleBefore time.Time) (int, error)

	// Zone events
	AppendZoneEvent(ctx context.Context, ev model.ZoneEvent) error
	GetZoneEvent(ctx context.Context, id string) (*model.ZoneEvent, error)
	ListZoneEvents(ctx context.Context, filter EventFilter) ([]model.ZoneEvent, error)
	MarkAttendance(ctx context.Context, eventID string, mark model.AttendanceMark, appliedAt *time.Time) error

	// Attendance
	UpsertAttendance(ctx context.Context, rec model.AttendanceRecord) (bool, error)
	GetAttendance(ctx context.Context, tenantID, subjectID, groupID, date string) (*model.AttendanceRecord, error)

	// Group memberships
	ListSubjectGroups(ctx context.Context, tenantID, subjectID string) ([]string, error)
	ReplaceGroupMemberships(ctx context.Context, tenantID string, members []model.GroupMembership) (int, error)

	// Pending attendance
	EnqueuePending(ctx context.Context, entry resilience.PendingAttendance) error
	DuePending(ctx context.Context, filter resilience.PendingFilter) ([]resilience.PendingAttendance, error)
	IncrementPendingRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemovePending(ctx context.Context, id string) error
	CountPending(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
