package bus

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// AdmissionConfig sizes the bus's concurrency-based overload control:
// a token-bucket rate limiter plus soft/hard inflight thresholds.
// Soft limit = 80% of configured concurrency (RETRY with backoff);
// hard limit = 100% (VerdictRefuse).
type AdmissionConfig struct {
	RequestsPerSecond float64
	Burst             int
	Concurrency       int
}

// DefaultAdmissionConfig returns sane defaults for a single bus instance.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		RequestsPerSecond: 500,
		Burst:             1000,
		Concurrency:       200,
	}
}

// Verdict is the admission decision for one publish attempt.
type Verdict int

const (
	// VerdictAccept allows the request through to verification/persist.
	VerdictAccept Verdict = iota
	// VerdictRetry means inflight is at or above the soft (80%) threshold;
	// the caller should back off and retry.
	VerdictRetry
	// VerdictRefuse means inflight is at or above the hard (100%)
	// threshold. The bus server answers it with a RETRY ack carrying a
	// longer retry_after; it does not close the connection.
	VerdictRefuse
)

// Admission is the bus's overload control: a token-bucket rate limiter
// layered with soft/hard inflight thresholds.
type Admission struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
	cfg     AdmissionConfig
	inflight int64
}

// NewAdmission builds an Admission controller from cfg.
func NewAdmission(cfg AdmissionConfig) *Admission {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 500
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 200
	}
	return &Admission{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

// softLimit is 80% of configured concurrency (at least 1, so a concurrency
// of 1 still admits one request); hardLimit is 100%.
func (a *Admission) softLimit() int64 {
	soft := int64(float64(a.cfg.Concurrency) * 0.8)
	if soft < 1 {
		soft = 1
	}
	return soft
}
func (a *Admission) hardLimit() int64 { return int64(a.cfg.Concurrency) }

// Enter evaluates one publish attempt against both the token bucket and the
// inflight thresholds. On VerdictAccept, the caller must call Leave when the
// request completes.
func (a *Admission) Enter() Verdict {
	inflight := atomic.LoadInt64(&a.inflight)
	if inflight >= a.hardLimit() {
		return VerdictRefuse
	}
	if inflight >= a.softLimit() {
		return VerdictRetry
	}
	if !a.limiter.Allow() {
		return VerdictRetry
	}

	atomic.AddInt64(&a.inflight, 1)
	return VerdictAccept
}

// Leave releases one inflight slot acquired by a VerdictAccept Enter call.
func (a *Admission) Leave() {
	atomic.AddInt64(&a.inflight, -1)
}

// Inflight returns the current inflight count, exported for the
// bus_inflight gauge.
func (a *Admission) Inflight() int64 {
	return atomic.LoadInt64(&a.inflight)
}

// Reset rebuilds the token bucket from the original config, used in tests
// and after a configuration reload.
func (a *Admission) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limiter = rate.NewLimiter(rate.Limit(a.cfg.RequestsPerSecond), a.cfg.Burst)
}
