// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package health aggregates pipeline counters and latency percentiles
// over a rolling sample, and evaluates health thresholds for the
// status endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var mon = monkit.Package()

// sampleSize bounds the rolling latency sample ring.
const sampleSize = 1024

// Thresholds decide when the service reports degraded.
type Thresholds struct {
	MaxErrorRate  float64       `help:"error fraction above which the service is degraded" default:"0.05"`
	MaxP99Latency time.Duration `help:"p99 processing latency above which the service is degraded" default:"2s"`
	MaxQueueDepth int64         `help:"queued messages above which the service is degraded" default:"10000"`
}

// Service tracks counters and a rolling latency sample.
type Service struct {
	thresholds Thresholds

	mu        sync.Mutex
	counters  map[string]int64
	gauges    map[string]int64
	samples   []time.Duration
	sampleIdx int
	total     int64
	startedAt time.Time
}

// NewService creates a health service.
func NewService(thresholds Thresholds) *Service {
	return &Service{
		thresholds: thresholds,
		counters:   make(map[string]int64),
		gauges:     make(map[string]int64),
		samples:    make([]time.Duration, 0, sampleSize),
		startedAt:  time.Now(),
	}
}

// Count increments a named counter.
func (service *Service) Count(name string, delta int64) {
	service.mu.Lock()
	service.counters[name] += delta
	service.mu.Unlock()
}

// Gauge sets a named gauge.
func (service *Service) Gauge(name string, value int64) {
	service.mu.Lock()
	service.gauges[name] = value
	service.mu.Unlock()
}

// Observe records a processing latency into the rolling sample.
func (service *Service) Observe(latency time.Duration) {
	mon.IntVal("latency_ns").Observe(int64(latency))

	service.mu.Lock()
	defer service.mu.Unlock()
	service.total++
	if len(service.samples) < sampleSize {
		service.samples = append(service.samples, latency)
		return
	}
	service.samples[service.sampleIdx] = latency
	service.sampleIdx = (service.sampleIdx + 1) % sampleSize
}

// Percentile returns the given latency percentile (0..100) over the
// rolling sample.
func (service *Service) Percentile(p float64) time.Duration {
	service.mu.Lock()
	sorted := append([]time.Duration{}, service.samples...)
	service.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p / 100 * float64(len(sorted)-1))
	return sorted[idx]
}

// Status is the snapshot returned by the health endpoint.
type Status struct {
	Healthy  bool             `json:"healthy"`
	Uptime   string           `json:"uptime"`
	Counters map[string]int64 `json:"counters"`
	Gauges   map[string]int64 `json:"gauges"`
	P50      string           `json:"p50"`
	P95      string           `json:"p95"`
	P99      string           `json:"p99"`
	Observed int64            `json:"observed"`
}

// Snapshot evaluates thresholds and returns the current status.
func (service *Service) Snapshot() Status {
	service.mu.Lock()
	counters := make(map[string]int64, len(service.counters))
	for name, value := range service.counters {
		counters[name] = value
	}
	gauges := make(map[string]int64, len(service.gauges))
	for name, value := range service.gauges {
		gauges[name] = value
	}
	total := service.total
	startedAt := service.startedAt
	service.mu.Unlock()

	p50 := service.Percentile(50)
	p95 := service.Percentile(95)
	p99 := service.Percentile(99)

	healthy := true
	if processed := counters["processed"]; processed > 0 {
		if rate := float64(counters["errors"]) / float64(processed); rate > service.thresholds.MaxErrorRate {
			healthy = false
		}
	}
	if service.thresholds.MaxP99Latency > 0 && p99 > service.thresholds.MaxP99Latency {
		healthy = false
	}
	if depth := gauges["queue_depth"]; service.thresholds.MaxQueueDepth > 0 && depth > service.thresholds.MaxQueueDepth {
		healthy = false
	}

	return Status{
		Healthy:  healthy,
		Uptime:   time.Since(startedAt).Truncate(time.Second).String(),
		Counters: counters,
		Gauges:   gauges,
		P50:      p50.String(),
		P95:      p95.String(),
		P99:      p99.String(),
		Observed: total,
	}
}

// ServeHTTP implements the health endpoint.
func (service *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := service.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
