// Package engine implements the three lifecycle engines that move data
// down the tiers: promotion (L1→L2), consolidation (L2→L3), and
// distillation (L3→L4). Engines hold references only to the tiers they
// read and write, never to each other, and every pass is idempotent and
// replayable instead of transactional.
package engine

import (
	"sync"
	"time"

	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/reliability"
)

// CycleOutcome summarizes one lifecycle pass. Cycles report partial
// failure through the counts rather than erroring out mid-batch.
type CycleOutcome struct {
	Scanned  int `json:"scanned"`
	Produced int `json:"produced"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

func (o *CycleOutcome) add(other CycleOutcome) {
	o.Scanned += other.Scanned
	o.Produced += other.Produced
	o.Skipped += other.Skipped
	o.Failed += other.Failed
}

// retryTracker applies bounded backoff to items that keep failing, so a
// poison item cannot livelock a cycle. Items are keyed by whatever unit
// the engine processes (session, window, pattern group).
type retryTracker struct {
	mu       sync.Mutex
	base     time.Duration
	cap      time.Duration
	attempts map[string]int
	nextTry  map[string]time.Time
}

func newRetryTracker(base, cap time.Duration) *retryTracker {
	if base <= 0 {
		base = time.Minute
	}
	if cap <= 0 {
		cap = time.Hour
	}
	return &retryTracker{
		base:     base,
		cap:      cap,
		attempts: make(map[string]int),
		nextTry:  make(map[string]time.Time),
	}
}

// allowed reports whether the item's backoff window has elapsed.
func (r *retryTracker) allowed(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.nextTry[key]
	return !ok || !now.Before(next)
}

// failed records another failure and schedules the next attempt.
func (r *retryTracker) failed(key string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[key]++
	r.nextTry[key] = now.Add(reliability.ExponentialBackoff(r.attempts[key], r.base, r.cap))
}

// succeeded clears the item's failure history.
func (r *retryTracker) succeeded(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
	delete(r.nextTry, key)
}

// observeBreaker counts a circuit transition when the state changed.
func observeBreaker(m *observability.Metrics, prev, cur reliability.BreakerState) {
	if m != nil && prev != cur {
		m.BreakerTransitions.WithLabelValues(string(cur)).Inc()
	}
}
