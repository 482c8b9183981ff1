package model

import "time"

// SampleAck is the body of a 202 response to a submitted sample.
type SampleAck struct {
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// APIError is the body of every non-2xx API response.
type APIError struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Snapshot is the current view of a tenant: every tracked pair state and
// the most recent zone events, oldest first.
type Snapshot struct {
	TenantID    string      `json:"tenant_id"`
	States      []ZoneState `json:"states"`
	Events      []ZoneEvent `json:"events"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// Live stream message types.
const (
	LiveConnected = "connected"
	LiveZoneEvent = "zone_event"
)

// LiveMessage is one frame on the live zone event stream.
type LiveMessage struct {
	Type string     `json:"type"`
	Data *ZoneEvent `json:"data,omitempty"`
}
