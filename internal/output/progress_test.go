package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/torosent/brokerload/internal/broker"
	"github.com/torosent/brokerload/internal/check"
	"github.com/torosent/brokerload/internal/metrics"
	"google.golang.org/grpc/codes"
)

func TestProgressLineShowsMethodsAndChecks(t *testing.T) {
	collector := metrics.NewCollector()
	tags := check.Tags{Scenario: "publishers", Method: broker.MethodPublish}

	for i := 0; i < 10; i++ {
		collector.RecordRPC(tags, &broker.Response{Method: broker.MethodPublish, Status: codes.OK}, 50*time.Millisecond)
		collector.RecordCheck(tags, check.NameResponseExists, true)
		collector.RecordCheck(tags, check.NameStatusAcceptable, false)
	}

	line := progressLine(collector.Stats(time.Second))
	if !strings.Contains(line, "RPCs: 10") {
		t.Errorf("line = %q, want RPC count", line)
	}
	if !strings.Contains(line, "publish P99") {
		t.Errorf("line = %q, want per-method latency", line)
	}
	if !strings.Contains(line, "Checks: 50.0%") {
		t.Errorf("line = %q, want check pass rate", line)
	}
}

func TestProgressReporterBasic(t *testing.T) {
	collector := metrics.NewCollector()

	var buf bytes.Buffer
	reporter := NewProgressReporter(collector, 100*time.Millisecond, &buf)

	if reporter == nil {
		t.Fatal("Expected non-nil reporter")
	}

	reporter.Stop()
	reporter.Start()
	reporter.Stop()
	if buf.Len() != 0 {
		t.Errorf("reporter wrote %q after being stopped", buf.String())
	}
}

func TestProgressLineShowsStreamMessages(t *testing.T) {
	collector := metrics.NewCollector()
	collector.RecordRPC(check.Tags{Method: broker.MethodSubscribe}, &broker.Response{Method: broker.MethodSubscribe, Status: codes.OK, Messages: 3}, time.Millisecond)

	line := progressLine(collector.Stats(2 * time.Second))
	if !strings.HasPrefix(line, "\r[2s] ") {
		t.Errorf("line = %q, want elapsed prefix", line)
	}
	if !strings.Contains(line, "Stream msgs: 3") {
		t.Errorf("line = %q, want stream message count", line)
	}
}

func TestProgressReporterFormatting(t *testing.T) {
	collector := metrics.NewCollector()
	collector.RecordRPC(check.Tags{Method: broker.MethodFetch}, nil, 0)

	var buf bytes.Buffer
	reporter := NewProgressReporter(collector, 50*time.Millisecond, &buf)
	reporter.Start()
	reporter.Start()

	time.Sleep(120 * time.Millisecond)
	reporter.Stop()
	reporter.Stop()

	output := buf.String()
	if !strings.Contains(output, "RPCs:") {
		t.Error("Expected 'RPCs:' in progress output")
	}
	if !strings.Contains(output, "Failures: 1") {
		t.Errorf("output = %q, want failure count", output)
	}
}
