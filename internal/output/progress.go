package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/torosent/brokerload/internal/metrics"
)

// ProgressReporter rewrites a single status line on an interval while a run
// is in flight.
type ProgressReporter struct {
	collector *metrics.Collector
	interval  time.Duration
	w         io.Writer
	start     time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewProgressReporter returns a reporter that writes to w (nil discards).
func NewProgressReporter(collector *metrics.Collector, interval time.Duration, w io.Writer) *ProgressReporter {
	if w == nil {
		w = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		interval:  interval,
		w:         w,
		start:     time.Now(),
		done:      make(chan struct{}),
	}
}

// Start launches the refresh goroutine. Later calls are no-ops.
func (p *ProgressReporter) Start() {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.loop(ctx)
	})
}

// Stop halts the refresh goroutine and waits for it. It is safe to call
// without Start and more than once.
func (p *ProgressReporter) Stop() {
	p.stopOnce.Do(func() {
		// Claim the start slot so a late Start cannot launch the loop.
		p.startOnce.Do(func() {})
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
	})
}

func (p *ProgressReporter) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(p.w, progressLine(p.collector.Stats(time.Since(p.start))))
		}
	}
}

func progressLine(stats metrics.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\r[%s] RPCs: %d | Successes: %d | Failures: %d | RPS: %.1f",
		stats.Duration.Round(time.Second), stats.Total, stats.Successes, stats.Failures, stats.RequestsPerSec)
	for _, name := range methodNames(stats) {
		fmt.Fprintf(&b, " | %s P99 %.1fms", name, stats.Methods[name].P99LatencyMs)
	}
	if stats.SubscribeMessages > 0 {
		fmt.Fprintf(&b, " | Stream msgs: %d", stats.SubscribeMessages)
	}
	if stats.ChecksPassed+stats.ChecksFailed > 0 {
		fmt.Fprintf(&b, " | Checks: %.1f%%", stats.CheckPassRate()*100)
	}
	return b.String()
}
