package ingest

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError rejects a malformed sample. The sample has no side effects.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "ingest: invalid sample: " + e.Reason
	}
	return fmt.Sprintf("ingest: invalid sample: %s (%s)", e.Reason, strings.Join(e.Fields, ", "))
}

// RateLimited rejects a sample over the subject's admission limit. The
// caller may retry after RetryAfter.
type RateLimited struct {
	SubjectID  string
	RetryAfter time.Duration
	// Backpressure is set when the sequencer partition was full rather than
	// the subject being over its limit.
	Backpressure bool
}

func (e *RateLimited) Error() string {
	if e.Backpressure {
		return fmt.Sprintf("ingest: pipeline busy, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("ingest: subject %s rate limited, retry after %s", e.SubjectID, e.RetryAfter)
}

// LowConfidenceSample marks a fix whose accuracy is worse than the ceiling.
// It is dropped before matching and never reported to the device.
type LowConfidenceSample struct {
	AccuracyMeters float64
	CeilingMeters  float64
}

func (e *LowConfidenceSample) Error() string {
	return fmt.Sprintf("ingest: accuracy %.1fm exceeds ceiling %.1fm", e.AccuracyMeters, e.CeilingMeters)
}
