package web

import (
	"net/http"
	"sort"
	"sync"
	"time"
)

// latencySampleCap bounds per-route sample memory; older samples rotate
// out ring-buffer style.
const latencySampleCap = 512

// RouteStats summarizes one route's observed latency.
type RouteStats struct {
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
}

type routeSamples struct {
	samples []float64
	pos     int
	count   int64
	errors  int64
}

// latencyTracker records request durations per route pattern.
type latencyTracker struct {
	mu     sync.Mutex
	routes map[string]*routeSamples
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{routes: make(map[string]*routeSamples)}
}

func (t *latencyTracker) record(route string, d time.Duration, status int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.routes[route]
	if !ok {
		rs = &routeSamples{samples: make([]float64, 0, latencySampleCap)}
		t.routes[route] = rs
	}

	ms := float64(d.Microseconds()) / 1000
	if len(rs.samples) < latencySampleCap {
		rs.samples = append(rs.samples, ms)
	} else {
		rs.samples[rs.pos] = ms
	}
	rs.pos = (rs.pos + 1) % latencySampleCap
	rs.count++
	if status >= 500 {
		rs.errors++
	}
}

// snapshot computes percentile stats for every tracked route.
func (t *latencyTracker) snapshot() map[string]RouteStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]RouteStats, len(t.routes))
	for route, rs := range t.routes {
		sorted := append([]float64{}, rs.samples...)
		sort.Float64s(sorted)
		stats := RouteStats{Count: rs.count, Errors: rs.errors}
		if rs.count > 0 {
			stats.ErrorRate = float64(rs.errors) / float64(rs.count)
		}
		if len(sorted) > 0 {
			stats.P50Ms = percentile(sorted, 0.50)
			stats.P95Ms = percentile(sorted, 0.95)
		}
		out[route] = stats
	}
	return out
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// statusRecorder captures the response status for latency accounting.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
