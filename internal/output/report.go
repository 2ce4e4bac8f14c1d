package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/torosent/brokerload/internal/clientmetrics"
	"github.com/torosent/brokerload/internal/metrics"
	"github.com/torosent/brokerload/internal/runner"
	"github.com/torosent/brokerload/internal/threshold"
)

// Report is everything printed at the end of a run.
type Report struct {
	Target     string             `json:"target"`
	Stats      metrics.Stats      `json:"metrics"`
	Scenarios  []ScenarioSummary  `json:"scenarios"`
	Thresholds []ThresholdSummary `json:"thresholds,omitempty"`
	Transport  *TransportSummary  `json:"transport,omitempty"`
}

// TransportSummary totals the connection counters of every closed client.
type TransportSummary struct {
	Connections      int64 `json:"connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	BytesSent        int64 `json:"bytes_sent"`
	BytesReceived    int64 `json:"bytes_received"`
	StreamsOpened    int64 `json:"streams_opened"`
	Errors           int64 `json:"errors"`
}

func NewTransportSummary(totals clientmetrics.Snapshot, connections int64) *TransportSummary {
	return &TransportSummary{
		Connections:      connections,
		MessagesSent:     totals.MessagesSent,
		MessagesReceived: totals.MessagesReceived,
		BytesSent:        totals.BytesSent,
		BytesReceived:    totals.BytesReceived,
		StreamsOpened:    totals.StreamsOpened,
		Errors:           totals.Errors,
	}
}

// ScenarioSummary is the JSON-friendly form of runner.ScenarioResult.
type ScenarioSummary struct {
	Name        string  `json:"name"`
	Behavior    string  `json:"behavior"`
	Actors      int     `json:"actors"`
	Invocations int64   `json:"invocations"`
	Errors      int64   `json:"errors"`
	Interrupted bool    `json:"interrupted"`
	DurationMs  float64 `json:"duration_ms"`
	Error       string  `json:"error,omitempty"`
}

type ThresholdSummary struct {
	Threshold string  `json:"threshold"`
	Actual    float64 `json:"actual"`
	Pass      bool    `json:"pass"`
	Message   string  `json:"message"`
}

// NewReport assembles a report from the pieces of a finished run.
func NewReport(target string, stats metrics.Stats, run runner.Result, thresholds []threshold.Result) Report {
	r := Report{Target: target, Stats: stats}
	for _, sc := range run.Scenarios {
		s := ScenarioSummary{
			Name:        sc.Name,
			Behavior:    sc.Behavior,
			Actors:      sc.Actors,
			Invocations: sc.Invocations,
			Errors:      sc.Errors,
			Interrupted: sc.Interrupted,
			DurationMs:  float64(sc.Duration) / float64(time.Millisecond),
		}
		if sc.Err != nil {
			s.Error = sc.Err.Error()
		}
		r.Scenarios = append(r.Scenarios, s)
	}
	for _, t := range thresholds {
		r.Thresholds = append(r.Thresholds, ThresholdSummary{
			Threshold: t.Threshold.Raw,
			Actual:    t.Actual,
			Pass:      t.Pass,
			Message:   t.Message,
		})
	}
	return r
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, r Report) {
	stats := r.Stats
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	if r.Target != "" {
		fmt.Fprintf(w, "Target:            %s\n", r.Target)
	}
	fmt.Fprintf(w, "Total RPCs:        %d\n", stats.Total)
	fmt.Fprintf(w, "Successful:        %d\n", stats.Successes)
	fmt.Fprintf(w, "Failed:            %d\n", stats.Failures)
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "RPCs/sec:          %.2f\n", stats.RequestsPerSec)
	if stats.SubscribeMessages > 0 {
		fmt.Fprintf(w, "Stream messages:   %d\n", stats.SubscribeMessages)
	}
	if stats.DiscardResponseBodies {
		fmt.Fprintln(w, "Response bodies:   discarded")
	}

	if len(r.Scenarios) > 0 {
		fmt.Fprintln(w, "\nScenarios:")
		for _, sc := range r.Scenarios {
			writeScenario(w, sc)
		}
	}

	if len(stats.Checks) > 0 {
		fmt.Fprintln(w, "\nChecks:")
		writeChecks(w, stats.Checks)
		fmt.Fprintf(w, "  checks: %.2f%% ✓ %d ✗ %d\n", stats.CheckPassRate()*100, stats.ChecksPassed, stats.ChecksFailed)
	}

	fmt.Fprintln(w, "\nLatency:")
	writeLatency(w, "all", stats.MethodStats)
	for _, name := range methodNames(stats) {
		writeLatency(w, name, stats.Methods[name])
	}

	if len(stats.StatusBuckets) > 0 {
		fmt.Fprintln(w, "\nStatus Buckets:")
		writeStatusBuckets(w, stats.StatusBuckets, "  ")
	}

	if t := r.Transport; t != nil {
		fmt.Fprintln(w, "\nTransport:")
		fmt.Fprintf(w, "  connections: %d | streams: %d | transport errors: %d\n", t.Connections, t.StreamsOpened, t.Errors)
		fmt.Fprintf(w, "  sent: %d msgs, %d bytes | received: %d msgs, %d bytes\n",
			t.MessagesSent, t.BytesSent, t.MessagesReceived, t.BytesReceived)
	}

	if len(r.Thresholds) > 0 {
		fmt.Fprintln(w, "\nThresholds:")
		for _, t := range r.Thresholds {
			fmt.Fprintf(w, "  %s\n", t.Message)
		}
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func writeScenario(w io.Writer, sc ScenarioSummary) {
	if sc.Error != "" {
		fmt.Fprintf(w, "  ✗ %s: did not start: %s\n", sc.Name, sc.Error)
		return
	}
	suffix := ""
	if sc.Interrupted {
		suffix = " (interrupted)"
	}
	fmt.Fprintf(w, "  - %s: behavior=%s, actors=%d, invocations=%d, errors=%d, duration=%s%s\n",
		sc.Name,
		sc.Behavior,
		sc.Actors,
		sc.Invocations,
		sc.Errors,
		time.Duration(sc.DurationMs*float64(time.Millisecond)).Round(time.Millisecond),
		suffix,
	)
}

// writeChecks groups rows by scenario, keeping first-seen order.
func writeChecks(w io.Writer, checks []metrics.CheckStats) {
	var scenarios []string
	byScenario := map[string][]metrics.CheckStats{}
	for _, cs := range checks {
		if _, ok := byScenario[cs.Scenario]; !ok {
			scenarios = append(scenarios, cs.Scenario)
		}
		byScenario[cs.Scenario] = append(byScenario[cs.Scenario], cs)
	}
	for _, scenario := range scenarios {
		fmt.Fprintf(w, "  %s\n", scenario)
		for _, cs := range byScenario[scenario] {
			if cs.Fails == 0 {
				fmt.Fprintf(w, "    ✓ %s\n", cs.Name)
				continue
			}
			fmt.Fprintf(w, "    ✗ %s\n", cs.Name)
			fmt.Fprintf(w, "     ↳  %.0f%% ✓ %d / ✗ %d\n", cs.PassRate()*100, cs.Passes, cs.Fails)
		}
	}
}

func writeLatency(w io.Writer, name string, ms metrics.MethodStats) {
	fmt.Fprintf(w, "  %-10s total=%d avg=%s min=%s p50=%s p90=%s p95=%s p99=%s max=%s\n",
		name+":",
		ms.Total,
		ms.MeanLatency,
		ms.MinLatency,
		ms.P50Latency,
		ms.P90Latency,
		ms.P95Latency,
		ms.P99Latency,
		ms.MaxLatency,
	)
}

func methodNames(stats metrics.Stats) []string {
	names := make([]string, 0, len(stats.Methods))
	for name := range stats.Methods {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if stats.Methods[names[i]].Total == stats.Methods[names[j]].Total {
			return names[i] < names[j]
		}
		return stats.Methods[names[i]].Total > stats.Methods[names[j]].Total
	})
	return names
}

func writeStatusBuckets(w io.Writer, buckets map[string]map[string]int, indent string) {
	rows := metrics.FlattenStatusBuckets(buckets)
	if len(rows) == 0 {
		fmt.Fprintf(w, "%sNone\n", indent)
		return
	}
	for _, row := range rows {
		fmt.Fprintf(
			w,
			"%s%s %s: %d\n",
			indent,
			strings.ToUpper(row.Method),
			metrics.FriendlyStatusName(row.Code),
			row.Count,
		)
	}
}
