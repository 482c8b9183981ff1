package model

import "time"

// AttendanceStatus is the attendance outcome for a subject, group and day.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "PRESENT"
	AttendanceLate    AttendanceStatus = "LATE"
	AttendanceAbsent  AttendanceStatus = "ABSENT"
	AttendanceExcused AttendanceStatus = "EXCUSED"
)

// AttendanceMethod records who or what produced an attendance record.
type AttendanceMethod string

const (
	MethodGeofence AttendanceMethod = "GEOFENCE"
	MethodManual   AttendanceMethod = "MANUAL"
	MethodSystem   AttendanceMethod = "SYSTEM"
)

// DateLayout is the format of AttendanceRecord.Date.
const DateLayout = "2006-01-02"

// AttendanceRecord is unique per (TenantID, SubjectID, GroupID, Date).
type AttendanceRecord struct {
	TenantID      string           `json:"tenant_id"`
	SubjectID     string           `json:"subject_id"`
	GroupID       string           `json:"group_id"`
	Date          string           `json:"date"`
	Status        AttendanceStatus `json:"status"`
	Method        AttendanceMethod `json:"method"`
	MarkedAt      time.Time        `json:"marked_at"`
	Note          string           `json:"note,omitempty"`
	SourceEventID string           `json:"source_event_id,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Supersedes reports whether a geofence decision r should replace existing.
// The first confirmed ENTER of the day is authoritative: an existing
// geofence record is only replaced by a decision from an earlier capture,
// a system ABSENT is always replaced, and manual marks are never touched.
func (r AttendanceRecord) Supersedes(existing AttendanceRecord) bool {
	if existing.Method == MethodManual {
		return false
	}
	if existing.Status == AttendanceAbsent {
		return true
	}
	if existing.Method != MethodGeofence {
		return false
	}
	return r.MarkedAt.Before(existing.MarkedAt)
}

// GroupMembership places a subject in an attendance group (class, shift,
// session) of a tenant.
type GroupMembership struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	SubjectID string `json:"subject_id" yaml:"subject_id"`
	GroupID   string `json:"group_id" yaml:"group_id"`
}
