package resilience

import (
	"time"
)

// Error classes recorded on pending entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// PendingAttendance is a zone event whose attendance decision could not be
// completed (for example the group lookup failed) and awaits reconciliation.
type PendingAttendance struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	EventID      string    `json:"event_id"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// PendingFilter selects due pending entries.
type PendingFilter struct {
	TenantID string    `json:"tenant_id,omitempty"`
	DueAt    time.Time `json:"due_at"`
	Limit    int       `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *PendingAttendance) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
