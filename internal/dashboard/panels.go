package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/torosent/brokerload/internal/metrics"
)

const maxStatusRows = 10

func headerText(cfg TestConfig, stats metrics.Stats, elapsed time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s", cfg.Target)
	if params := runParams(cfg); params != "" {
		b.WriteString("\n" + params)
	}
	fmt.Fprintf(&b, "\nElapsed: %s | RPCs: %d | Failed: %d | Stream messages: %d",
		elapsed.Round(time.Second), stats.Total, stats.Failures, stats.SubscribeMessages)
	return b.String()
}

func runParams(cfg TestConfig) string {
	var parts []string
	if cfg.Subject != "" {
		parts = append(parts, "Subject: "+cfg.Subject)
	}
	if cfg.Scenarios > 0 {
		parts = append(parts, fmt.Sprintf("Scenarios: %d", cfg.Scenarios))
	}
	if cfg.Actors > 0 {
		parts = append(parts, fmt.Sprintf("Actors: %d", cfg.Actors))
	}
	if cfg.Duration > 0 {
		parts = append(parts, "Duration: "+cfg.Duration.String())
	}
	if cfg.Timeout > 0 {
		parts = append(parts, "Timeout: "+cfg.Timeout.String())
	}
	if cfg.TLS {
		parts = append(parts, "TLS")
	}
	if cfg.StatusCheck != "" {
		parts = append(parts, "Status check: "+cfg.StatusCheck)
	}
	if cfg.ConfigFile != "" {
		parts = append(parts, "Config: "+cfg.ConfigFile)
	}
	return strings.Join(parts, " | ")
}

// actorRows lists every scenario that is configured or has been seen, sorted
// by name. Configured counts are shown as "active/configured".
func actorRows(active, configured map[string]int) []string {
	names := make([]string, 0, len(configured)+len(active))
	seen := map[string]bool{}
	for _, m := range []map[string]int{configured, active} {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return []string{"none"}
	}
	sort.Strings(names)

	rows := make([]string, 0, len(names))
	for _, name := range names {
		n := active[name]
		color := "green"
		if n == 0 {
			color = "white"
		}
		if want, ok := configured[name]; ok {
			rows = append(rows, fmt.Sprintf("[%s](fg:cyan) [%d/%d](fg:%s)", name, n, want, color))
		} else {
			rows = append(rows, fmt.Sprintf("[%s](fg:cyan) [%d](fg:%s)", name, n, color))
		}
	}
	return rows
}

// methodTableRows renders one row per method, busiest first, below a header.
func methodTableRows(stats metrics.Stats) [][]string {
	rows := [][]string{{"Method", "Calls", "Share", "Failed", "Calls/s", "P50 ms", "P90 ms", "P99 ms", "Top failures"}}
	if len(stats.Methods) == 0 {
		return append(rows, []string{"-", "0", "-", "0", "-", "-", "-", "-", "no RPCs yet"})
	}

	names := make([]string, 0, len(stats.Methods))
	for name := range stats.Methods {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := stats.Methods[names[i]], stats.Methods[names[j]]
		if a.Total == b.Total {
			return names[i] < names[j]
		}
		return a.Total > b.Total
	})

	for _, name := range names {
		ms := stats.Methods[name]
		share := 0.0
		if stats.Total > 0 {
			share = float64(ms.Total) / float64(stats.Total)
		}
		failures := summarizeStatusBuckets(map[string]map[string]int{name: ms.StatusBuckets}, 2)
		if failures == "" {
			failures = "none"
		}
		rows = append(rows, []string{
			name,
			fmt.Sprintf("%d", ms.Total),
			formatPercent(share),
			fmt.Sprintf("%d", ms.Failures),
			fmt.Sprintf("%.1f", ms.RequestsPerSec),
			fmt.Sprintf("%.2f", ms.P50LatencyMs),
			fmt.Sprintf("%.2f", ms.P90LatencyMs),
			fmt.Sprintf("%.2f", ms.P99LatencyMs),
			failures,
		})
	}
	return rows
}

// checkLines renders one line per (scenario, check) plus the overall rate.
func checkLines(checks []metrics.CheckStats, total float64) string {
	if len(checks) == 0 {
		return "[No checks yet](fg:green)"
	}
	lines := make([]string, 0, len(checks)+1)
	for _, cs := range checks {
		color, mark := "green", "✓"
		if cs.Fails > 0 {
			color, mark = "red", "✗"
		}
		lines = append(lines, fmt.Sprintf("[%s %s/%s](fg:%s) %s ✓ %d ✗ %d",
			mark, cs.Scenario, cs.Name, color, formatPercent(cs.PassRate()), cs.Passes, cs.Fails))
	}
	lines = append(lines, "[total:](fg:white,mod:bold) "+formatPercent(total))
	return strings.Join(lines, "\n")
}

func statusRows(buckets map[string]map[string]int) []string {
	rows := metrics.FlattenStatusBuckets(buckets)
	if len(rows) == 0 {
		return []string{"[No failures](fg:green)"}
	}
	if len(rows) > maxStatusRows {
		rows = rows[:maxStatusRows]
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, fmt.Sprintf("[%s %s](fg:red) %d", strings.ToUpper(row.Method), row.Code, row.Count))
	}
	return out
}

func summarizeStatusBuckets(buckets map[string]map[string]int, limit int) string {
	rows := metrics.FlattenStatusBuckets(buckets)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		parts = append(parts, fmt.Sprintf("%s %s x%d", strings.ToUpper(row.Method), row.Code, row.Count))
	}
	return strings.Join(parts, ", ")
}

func formatPercent(rate float64) string {
	return fmt.Sprintf("%.1f%%", rate*100)
}
