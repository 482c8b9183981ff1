package attendance

import (
	"fmt"

	"github.com/sells-group/geoattend/internal/model"
)

// DecisionConflict reports that an authoritative record already existed
// for the key, so the new decision was not written. It is informational.
type DecisionConflict struct {
	Decision model.AttendanceRecord
	Existing *model.AttendanceRecord
}

func (e *DecisionConflict) Error() string {
	if e.Existing == nil {
		return fmt.Sprintf("attendance: %s/%s/%s already decided",
			e.Decision.SubjectID, e.Decision.GroupID, e.Decision.Date)
	}
	return fmt.Sprintf("attendance: %s/%s/%s already %s by %s at %s",
		e.Decision.SubjectID, e.Decision.GroupID, e.Decision.Date,
		e.Existing.Status, e.Existing.Method, e.Existing.MarkedAt.Format("15:04:05Z07:00"))
}

// deferredError marks a failure that leaves the decision for reconciliation.
type deferredError struct {
	stage string
	err   error
}

func (e *deferredError) Error() string {
	return "attendance: " + e.stage + ": " + e.err.Error()
}

func (e *deferredError) Unwrap() error { return e.err }
