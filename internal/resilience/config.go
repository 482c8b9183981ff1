package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs, attemptTimeoutMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if attemptTimeoutMs > 0 {
		cfg.AttemptTimeout = time.Duration(attemptTimeoutMs) * time.Millisecond
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
