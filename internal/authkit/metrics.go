package authkit

import "sync"

const (
	metricTokenIssued           = "token.issued"
	metricTokenRefreshed        = "token.refreshed"
	metricTokenRevoked          = "token.revoked"
	metricValidateSuccess       = "token.validate.success"
	metricValidateMalformed     = "token.validate.malformed"
	metricValidateBadSignature  = "token.validate.bad_signature"
	metricValidateInvalidIssuer = "token.validate.invalid_issuer"
	metricValidateExpired       = "token.validate.expired"
	metricValidateRevoked       = "token.validate.revoked"
	metricValidateWrongPurpose  = "token.validate.wrong_purpose"
	metricValidateStoreError    = "token.validate.store_error"
	metricRevocationSweepError  = "revocation.sweep.error"
	metricAccessDenied          = "access.denied"
	metricLoginSuccess          = "auth.login.success"
	metricLoginFailure          = "auth.login.failure"
	metricPasswordReset         = "auth.password.reset"
	metricResetRateLimited      = "auth.password.reset_rate_limited"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}
