// Package threshold parses pass/fail assertions such as
// "rpc_duration{method=fetch}:p95 < 50" and evaluates them against a
// metrics snapshot.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/torosent/brokerload/internal/metrics"
)

const (
	MetricDuration = "rpc_duration"
	MetricFailed   = "rpc_failed"
	MetricRequests = "rpc_requests"
	MetricChecks   = "checks"
	MetricMessages = "stream_messages"
)

// Threshold is one parsed assertion.
type Threshold struct {
	Metric    string
	TagKey    string // optional scope, see metricDefs for the keys each metric accepts
	TagValue  string
	Aggregate string
	Operator  string
	Value     float64
	Raw       string
}

// Result is the outcome of one Threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

type metricDef struct {
	aggregates []string
	tags       []string
	value      func(Threshold, metrics.Stats) (float64, error)
}

var metricDefs = map[string]metricDef{
	MetricDuration: {
		aggregates: []string{"p50", "p90", "p95", "p99", "avg", "min", "max"},
		tags:       []string{"method"},
		value:      durationValue,
	},
	MetricFailed: {
		aggregates: []string{"rate", "count"},
		tags:       []string{"method"},
		value:      failedValue,
	},
	MetricRequests: {
		aggregates: []string{"rate", "count"},
		tags:       []string{"method"},
		value:      requestsValue,
	},
	MetricChecks: {
		aggregates: []string{"rate", "count"},
		tags:       []string{"scenario", "check"},
		value:      checksValue,
	},
	MetricMessages: {
		aggregates: []string{"rate", "count"},
		value:      messagesValue,
	},
}

// epsilon absorbs float noise in the inclusive operators.
const epsilon = 1e-9

var operators = map[string]func(actual, want float64) bool{
	"<":  func(a, w float64) bool { return a < w },
	"<=": func(a, w float64) bool { return a <= w || math.Abs(a-w) < epsilon },
	">":  func(a, w float64) bool { return a > w },
	">=": func(a, w float64) bool { return a >= w || math.Abs(a-w) < epsilon },
	"==": func(a, w float64) bool { return math.Abs(a-w) < epsilon },
}

var thresholdPattern = regexp.MustCompile(`^([a-z_]+)(?:\{([a-z_]+)=([^}]+)\})?:([a-z0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)

// Parse parses "metric[{tag=value}]:aggregate op value". Durations are in
// milliseconds, rates are fractions (checks, rpc_failed) or per second
// (rpc_requests, stream_messages).
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}
	m := thresholdPattern.FindStringSubmatch(s)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected metric[{tag=value}]:aggregate operator value, e.g. 'rpc_duration:p95 < 500')", s)
	}
	t := Threshold{
		Metric:    m[1],
		TagKey:    m[2],
		TagValue:  strings.TrimSpace(m[3]),
		Aggregate: m[4],
		Operator:  m[5],
		Raw:       s,
	}

	def, ok := metricDefs[t.Metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: %s)", t.Metric, strings.Join(metricNames(), ", "))
	}
	if !slices.Contains(def.aggregates, t.Aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", t.Aggregate, t.Metric, strings.Join(def.aggregates, ", "))
	}
	if _, ok := operators[t.Operator]; !ok {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", t.Operator)
	}
	if t.TagKey != "" && !slices.Contains(def.tags, t.TagKey) {
		return Threshold{}, fmt.Errorf("unsupported tag %q for %s", t.TagKey, t.Metric)
	}
	v, err := strconv.ParseFloat(m[6], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %w", m[6], err)
	}
	t.Value = v
	return t, nil
}

// ParseMultiple parses every string and reports all failures together.
func ParseMultiple(raw []string) ([]Threshold, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Threshold, 0, len(raw))
	var problems []string
	for i, s := range raw {
		t, err := Parse(s)
		if err != nil {
			problems = append(problems, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		out = append(out, t)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(problems, "; "))
	}
	return out, nil
}

func metricNames() []string {
	names := make([]string, 0, len(metricDefs))
	for name := range metricDefs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Evaluator checks a fixed set of thresholds.
type Evaluator struct {
	thresholds []Threshold
}

func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate returns one Result per threshold, in order.
func (e *Evaluator) Evaluate(stats metrics.Stats) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluate(t, stats))
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	return !slices.ContainsFunc(results, func(r Result) bool { return !r.Pass })
}

func evaluate(t Threshold, stats metrics.Stats) Result {
	actual, err := extractMetricValue(t, stats)
	if err != nil {
		return Result{Threshold: t, Message: fmt.Sprintf("✗ %s: error: %v", t.Raw, err)}
	}
	pass := compareValues(actual, t.Operator, t.Value)
	mark := "✓"
	if !pass {
		mark = "✗"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", mark, t.Raw, actual, t.Operator, t.Value),
	}
}

func compareValues(actual float64, operator string, want float64) bool {
	cmp, ok := operators[operator]
	return ok && cmp(actual, want)
}

func extractMetricValue(t Threshold, stats metrics.Stats) (float64, error) {
	def, ok := metricDefs[t.Metric]
	if !ok {
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
	if !slices.Contains(def.aggregates, t.Aggregate) {
		return 0, fmt.Errorf("unsupported aggregate %q for %s", t.Aggregate, t.Metric)
	}
	return def.value(t, stats)
}

// scopedMethod returns the overall stats or, with a method tag, that method's.
func scopedMethod(t Threshold, stats metrics.Stats) (metrics.MethodStats, error) {
	if t.TagKey != "method" {
		return stats.MethodStats, nil
	}
	ms, ok := stats.Methods[strings.ToLower(t.TagValue)]
	if !ok {
		return ms, fmt.Errorf("no calls recorded for method %q", t.TagValue)
	}
	return ms, nil
}

func durationValue(t Threshold, stats metrics.Stats) (float64, error) {
	ms, err := scopedMethod(t, stats)
	if err != nil {
		return 0, err
	}
	return map[string]float64{
		"p50": ms.P50LatencyMs,
		"p90": ms.P90LatencyMs,
		"p95": ms.P95LatencyMs,
		"p99": ms.P99LatencyMs,
		"avg": ms.MeanLatencyMs,
		"min": ms.MinLatencyMs,
		"max": ms.MaxLatencyMs,
	}[t.Aggregate], nil
}

func failedValue(t Threshold, stats metrics.Stats) (float64, error) {
	ms, err := scopedMethod(t, stats)
	if err != nil {
		return 0, err
	}
	if t.Aggregate == "count" {
		return float64(ms.Failures), nil
	}
	return ratio(ms.Failures, ms.Total), nil
}

func requestsValue(t Threshold, stats metrics.Stats) (float64, error) {
	ms, err := scopedMethod(t, stats)
	if err != nil {
		return 0, err
	}
	if t.Aggregate == "count" {
		return float64(ms.Total), nil
	}
	return ms.RequestsPerSec, nil
}

// checksValue reports the pass rate for "rate" and the failed count for "count".
func checksValue(t Threshold, stats metrics.Stats) (float64, error) {
	var passes, fails int64
	matched := false
	for _, cs := range stats.Checks {
		if (t.TagKey == "scenario" && cs.Scenario != t.TagValue) || (t.TagKey == "check" && cs.Name != t.TagValue) {
			continue
		}
		matched = true
		passes += cs.Passes
		fails += cs.Fails
	}
	if t.TagKey != "" && !matched {
		return 0, fmt.Errorf("no checks recorded for %s %q", t.TagKey, t.TagValue)
	}
	if t.Aggregate == "count" {
		return float64(fails), nil
	}
	return ratio(passes, passes+fails), nil
}

// messagesValue reports stream messages received by Subscribe calls, in total
// or per second of run time.
func messagesValue(t Threshold, stats metrics.Stats) (float64, error) {
	if t.Aggregate == "count" {
		return float64(stats.SubscribeMessages), nil
	}
	if stats.Duration <= 0 {
		return 0, nil
	}
	return float64(stats.SubscribeMessages) / stats.Duration.Seconds(), nil
}

func ratio(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
