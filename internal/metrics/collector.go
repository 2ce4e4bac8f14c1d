package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/check"
)

// Collector records per-RPC and per-check metrics in a thread-safe manner.
type Collector struct {
	mu       sync.Mutex
	overall  *latencyTracker
	methods  map[string]*latencyTracker
	checks   map[checkKey]*CheckStats
	order    []checkKey
	messages int64
	discard  bool
}

type checkKey struct {
	scenario string
	name     string
}

// MethodStats is the latency and outcome summary of one group of RPCs.
type MethodStats struct {
	Total          int64         `json:"total"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	MinLatency     time.Duration `json:"-"`
	MaxLatency     time.Duration `json:"-"`
	MeanLatency    time.Duration `json:"-"`
	P50Latency     time.Duration `json:"-"`
	P90Latency     time.Duration `json:"-"`
	P95Latency     time.Duration `json:"-"`
	P99Latency     time.Duration `json:"-"`
	RequestsPerSec float64       `json:"requests_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64 `json:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`

	// StatusBuckets counts failed calls by status label.
	StatusBuckets map[string]int `json:"status_buckets,omitempty"`
}

// CheckStats counts the results of one named check within one scenario.
type CheckStats struct {
	Scenario string `json:"scenario"`
	Name     string `json:"name"`
	Passes   int64  `json:"passes"`
	Fails    int64  `json:"fails"`
}

// PassRate returns passes / (passes + fails), or 0 when nothing was recorded.
func (c CheckStats) PassRate() float64 {
	total := c.Passes + c.Fails
	if total == 0 {
		return 0
	}
	return float64(c.Passes) / float64(total)
}

// Stats represents aggregated metrics.
type Stats struct {
	MethodStats

	Duration   time.Duration `json:"-"`
	DurationMs float64       `json:"duration_ms"`

	// Methods is keyed by the lower-case method label.
	Methods map[string]MethodStats `json:"methods,omitempty"`
	// StatusBuckets maps method label to failed status label to count.
	StatusBuckets map[string]map[string]int `json:"failures_by_status,omitempty"`

	Checks       []CheckStats `json:"checks,omitempty"`
	ChecksPassed int64        `json:"checks_passed"`
	ChecksFailed int64        `json:"checks_failed"`

	// SubscribeMessages counts stream messages received by Subscribe calls.
	SubscribeMessages     int64 `json:"subscribe_messages"`
	DiscardResponseBodies bool  `json:"discard_response_bodies"`
}

// CheckPassRate returns the share of passing checks across all scenarios.
func (s Stats) CheckPassRate() float64 {
	total := s.ChecksPassed + s.ChecksFailed
	if total == 0 {
		return 0
	}
	return float64(s.ChecksPassed) / float64(total)
}

func NewCollector() *Collector {
	return &Collector{
		overall: newLatencyTracker(),
		methods: make(map[string]*latencyTracker),
		checks:  make(map[checkKey]*CheckStats),
	}
}

// SetDiscardResponseBodies records whether response bodies were dropped so
// the report can say so.
func (c *Collector) SetDiscardResponseBodies(discard bool) {
	c.mu.Lock()
	c.discard = discard
	c.mu.Unlock()
}

// RecordRPC records one broker call. A nil resp means the broker was never
// reached and is bucketed under "NoResponse".
func (c *Collector) RecordRPC(tags check.Tags, resp *broker.Response, latency time.Duration) {
	method := tags.Method.Label()
	ok := resp.OK()
	status := resp.StatusLabel()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.overall.record(latency, ok, status)
	tracker, exists := c.methods[method]
	if !exists {
		tracker = newLatencyTracker()
		c.methods[method] = tracker
	}
	tracker.record(latency, ok, status)
	if resp != nil {
		c.messages += int64(resp.Messages)
	}
}

// RecordCheck records one check result.
func (c *Collector) RecordCheck(tags check.Tags, name string, passed bool) {
	key := checkKey{scenario: tags.Scenario, name: name}

	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.checks[key]
	if !ok {
		cs = &CheckStats{Scenario: tags.Scenario, Name: name}
		c.checks[key] = cs
		c.order = append(c.order, key)
	}
	if passed {
		cs.Passes++
	} else {
		cs.Fails++
	}
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		MethodStats:           c.overall.summary(elapsed),
		Duration:              elapsed,
		DurationMs:            float64(elapsed) / float64(time.Millisecond),
		SubscribeMessages:     c.messages,
		DiscardResponseBodies: c.discard,
	}

	if len(c.methods) > 0 {
		stats.Methods = make(map[string]MethodStats, len(c.methods))
		for name, tracker := range c.methods {
			ms := tracker.summary(elapsed)
			stats.Methods[name] = ms
			if len(ms.StatusBuckets) > 0 {
				if stats.StatusBuckets == nil {
					stats.StatusBuckets = make(map[string]map[string]int)
				}
				stats.StatusBuckets[name] = ms.StatusBuckets
			}
		}
	}

	if len(c.order) > 0 {
		stats.Checks = make([]CheckStats, 0, len(c.order))
		for _, key := range c.order {
			cs := *c.checks[key]
			stats.Checks = append(stats.Checks, cs)
			stats.ChecksPassed += cs.Passes
			stats.ChecksFailed += cs.Fails
		}
	}

	return stats
}

type latencyTracker struct {
	hist       *hdrhistogram.Histogram
	successes  int64
	failures   int64
	minLatency time.Duration
	maxLatency time.Duration
	sumLatency time.Duration
	statuses   map[string]int
}

func newLatencyTracker() *latencyTracker {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	return &latencyTracker{
		hist:     hdrhistogram.New(1, 60_000_000, 3),
		statuses: make(map[string]int),
	}
}

func (t *latencyTracker) record(latency time.Duration, ok bool, status string) {
	if latency > 0 {
		us := latency.Microseconds()
		if us < t.hist.LowestTrackableValue() {
			us = t.hist.LowestTrackableValue()
		}
		if us > t.hist.HighestTrackableValue() {
			us = t.hist.HighestTrackableValue()
		}
		_ = t.hist.RecordValue(us)
	}
	t.sumLatency += latency

	if t.minLatency == 0 || latency < t.minLatency {
		t.minLatency = latency
	}
	if latency > t.maxLatency {
		t.maxLatency = latency
	}

	if ok {
		t.successes++
		return
	}
	t.failures++
	t.statuses[status]++
}

func (t *latencyTracker) summary(elapsed time.Duration) MethodStats {
	total := t.successes + t.failures
	ms := MethodStats{
		Total:      total,
		Successes:  t.successes,
		Failures:   t.failures,
		MinLatency: t.minLatency,
		MaxLatency: t.maxLatency,
	}
	if total > 0 {
		ms.MeanLatency = time.Duration(int64(t.sumLatency) / total)
	}
	if t.hist.TotalCount() > 0 {
		ms.P50Latency = time.Duration(t.hist.ValueAtQuantile(50)) * time.Microsecond
		ms.P90Latency = time.Duration(t.hist.ValueAtQuantile(90)) * time.Microsecond
		ms.P95Latency = time.Duration(t.hist.ValueAtQuantile(95)) * time.Microsecond
		ms.P99Latency = time.Duration(t.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	ms.MinLatencyMs = toMs(ms.MinLatency)
	ms.MaxLatencyMs = toMs(ms.MaxLatency)
	ms.MeanLatencyMs = toMs(ms.MeanLatency)
	ms.P50LatencyMs = toMs(ms.P50Latency)
	ms.P90LatencyMs = toMs(ms.P90Latency)
	ms.P95LatencyMs = toMs(ms.P95Latency)
	ms.P99LatencyMs = toMs(ms.P99Latency)

	if elapsed > 0 && total > 0 {
		ms.RequestsPerSec = float64(total) / elapsed.Seconds()
	}
	if len(t.statuses) > 0 {
		ms.StatusBuckets = make(map[string]int, len(t.statuses))
		for k, v := range t.statuses {
			ms.StatusBuckets[k] = v
		}
	}
	return ms
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
