// Package ringbuf holds a fixed window of per-symbol compute durations and
// derives the percentiles reported in cycle capacity meta. Thread-safe.
package ringbuf

import (
	"math"
	"sort"
	"sync"
)

// DurationRing keeps the last cap duration samples in a circular buffer.
type DurationRing struct {
	mu      sync.Mutex
	samples []float64 // ms
	pos     int
	count   int
	cap     int
}

// New creates a ring holding the last capacity samples.
func New(capacity int) *DurationRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &DurationRing{
		samples: make([]float64, capacity),
		cap:     capacity,
	}
}

// Record adds one duration sample in milliseconds.
func (r *DurationRing) Record(ms float64) {
	r.mu.Lock()
	r.samples[r.pos] = ms
	r.pos = (r.pos + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
	r.mu.Unlock()
}

// Percentiles returns the p50 and p95 of the retained window, (0, 0) when
// no samples exist yet.
func (r *DurationRing) Percentiles() (p50, p95 float64) {
	r.mu.Lock()
	n := r.count
	if n == 0 {
		r.mu.Unlock()
		return 0, 0
	}
	sorted := make([]float64, n)
	if n == r.cap {
		copy(sorted, r.samples[r.pos:])
		copy(sorted[r.cap-r.pos:], r.samples[:r.pos])
	} else {
		copy(sorted, r.samples[:n])
	}
	r.mu.Unlock()

	sort.Float64s(sorted)
	return percentile(sorted, 0.50), percentile(sorted, 0.95)
}

// Count returns the number of retained samples (up to capacity).
func (r *DurationRing) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// percentile computes the p-th percentile (0.0-1.0) of a sorted slice with
// linear interpolation between ranks.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
