// Package metrics tracks relay performance: fan-out latency, convergence
// duration and per-follower failure counts. Grounded on the teacher's
// internal/monitor.SystemMetrics (atomic counters + a sliding-window
// latency histogram with lazy p50/p95/p99 computation) rather than
// prometheus/client_golang: no example repo in the pack exercises the
// Prometheus API with real instrumentation code (one repo lists it in
// go.mod but never imports it in source), so there is nothing concrete to
// ground a Prometheus integration on — the teacher's own hand-rolled
// pattern is the better-grounded choice here.
package metrics

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyHistogram tracks latency samples with a sliding window and lazy
// stats recomputation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding-window histogram of the given size.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min, Max, Avg, P50, P95, P99 float64
	Count                        int
}

// Stats returns min/max/avg/p50/p95/p99, recomputing only when dirty.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min: sorted[0], Max: sorted[n-1], Avg: sum / float64(n),
		P50: sorted[n/2], P95: sorted[int(float64(n)*0.95)], P99: sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// Relay tracks the fan-out/convergence/drop counters the operator surface
// reports (spec §7).
type Relay struct {
	FanOutLatency     *LatencyHistogram
	ConvergenceLatency *LatencyHistogram

	APILatency *LatencyHistogram

	mu               sync.Mutex
	intentsDropped   map[string]uint64 // reason -> count
	dispatchFailures map[int]uint64    // follower id -> count
	eventsTranslated uint64
	pnlReported      uint64
	apiRequests      uint64
	apiErrors        uint64
}

// NewRelay constructs a Relay metrics collector.
func NewRelay() *Relay {
	return &Relay{
		FanOutLatency:      NewLatencyHistogram(1000),
		ConvergenceLatency: NewLatencyHistogram(1000),
		APILatency:         NewLatencyHistogram(1000),
		intentsDropped:     make(map[string]uint64),
		dispatchFailures:   make(map[int]uint64),
	}
}

// IncrementAPI counts one served HTTP request.
func (r *Relay) IncrementAPI() { atomic.AddUint64(&r.apiRequests, 1) }

// IncrementAPIErrors counts one HTTP request that ended in a 4xx/5xx.
func (r *Relay) IncrementAPIErrors() { atomic.AddUint64(&r.apiErrors, 1) }

// IncrementTranslated counts one MasterEvent leaving the translator.
func (r *Relay) IncrementTranslated() { atomic.AddUint64(&r.eventsTranslated, 1) }

// IncrementPnLReported counts one realized-PnL report emitted.
func (r *Relay) IncrementPnLReported() { atomic.AddUint64(&r.pnlReported, 1) }

// IncrementIntentDropped tallies a dropped intent by its DropReason string.
func (r *Relay) IncrementIntentDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intentsDropped[reason]++
}

// IncrementDispatchFailure tallies an executor failure for one follower.
func (r *Relay) IncrementDispatchFailure(followerID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchFailures[followerID]++
}

// Snapshot is a point-in-time view suitable for JSON serving.
type Snapshot struct {
	FanOutLatency      LatencyStats     `json:"fan_out_latency"`
	ConvergenceLatency LatencyStats     `json:"convergence_latency"`
	EventsTranslated   uint64           `json:"events_translated"`
	PnLReported        uint64           `json:"pnl_reported"`
	APIRequests        uint64           `json:"api_requests"`
	APIErrors          uint64           `json:"api_errors"`
	APILatency         LatencyStats     `json:"api_latency"`
	IntentsDropped     map[string]uint64 `json:"intents_dropped"`
	DispatchFailures   map[int]uint64    `json:"dispatch_failures"`
	GoroutineCount     int              `json:"goroutine_count"`
	HeapAllocBytes     uint64           `json:"heap_alloc_bytes"`
	Timestamp          time.Time        `json:"timestamp"`
}

// Snapshot returns a copy-safe point-in-time view of all tracked metrics.
func (r *Relay) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.mu.Lock()
	dropped := make(map[string]uint64, len(r.intentsDropped))
	for k, v := range r.intentsDropped {
		dropped[k] = v
	}
	failures := make(map[int]uint64, len(r.dispatchFailures))
	for k, v := range r.dispatchFailures {
		failures[k] = v
	}
	r.mu.Unlock()

	return Snapshot{
		FanOutLatency:      r.FanOutLatency.Stats(),
		ConvergenceLatency: r.ConvergenceLatency.Stats(),
		EventsTranslated:   atomic.LoadUint64(&r.eventsTranslated),
		PnLReported:        atomic.LoadUint64(&r.pnlReported),
		APIRequests:        atomic.LoadUint64(&r.apiRequests),
		APIErrors:          atomic.LoadUint64(&r.apiErrors),
		APILatency:         r.APILatency.Stats(),
		IntentsDropped:     dropped,
		DispatchFailures:   failures,
		GoroutineCount:     runtime.NumGoroutine(),
		HeapAllocBytes:     mem.HeapAlloc,
		Timestamp:          time.Now(),
	}
}

// Timer measures elapsed time and records it into a histogram on Stop.
type Timer struct {
	start time.Time
	h     *LatencyHistogram
}

// NewTimer starts a timer that records into h when stopped.
func NewTimer(h *LatencyHistogram) *Timer { return &Timer{start: time.Now(), h: h} }

// Stop records elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.h != nil {
		t.h.RecordDuration(elapsed)
	}
	return elapsed
}
