// Package metrics aggregates the outcome of broker RPCs and checks.
//
// The [Collector] keeps everything the final report needs: latency
// percentiles overall and per method (HdrHistogram), failed status buckets,
// and pass/fail counts per scenario and check:
//
//	collector := metrics.NewCollector()
//	collector.RecordRPC(tags, resp, latency)
//	collector.RecordCheck(tags, check.NameStatusAcceptable, resp.OK())
//	stats := collector.Stats(elapsed)
//
// [PromSink] exposes the same events as Prometheus series for scraping while
// the run is in progress. [Fanout] forwards events to several sinks, so the
// scenario environment only ever holds one recorder and one check sink.
//
// All types are safe for concurrent use by every actor.
package metrics
