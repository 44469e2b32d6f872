package core

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricRecord struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	mu      sync.Mutex
	records []metricRecord
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, metricRecord{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.op == op && r.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	mu    sync.Mutex
	ended []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.ended {
		if s.op == op && (s.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

func TestServiceObservabilitySignals(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	env := newTestEnv(t, WithMetricsRecorder(metrics), WithTracer(tracer))
	ctx := context.Background()

	if _, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL050"), SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !metrics.has("save_record", true) {
		t.Fatal("missing metrics entry for successful save_record")
	}
	if !tracer.has("save_record", true) {
		t.Fatal("missing trace span for successful save_record")
	}

	if err := env.svc.DeleteRecord(ctx, tech, EntityPlasmid, 999); err == nil {
		t.Fatal("expected delete failure")
	}
	if !metrics.has("delete_record", false) {
		t.Fatal("missing metrics entry for failed delete_record")
	}
	if !tracer.has("delete_record", false) {
		t.Fatal("missing trace span for failed delete_record")
	}
}

func TestExpvarMetricsRecorderExports(t *testing.T) {
	recorder := NewExpvarMetricsRecorder("")
	recorder.Observe(context.Background(), "save_record", true, 25*time.Millisecond)
	recorder.Observe(context.Background(), "save_record", false, 5*time.Millisecond)

	snap := recorder.Snapshot()
	stats := snap.Operations["save_record"]
	if stats.Count != 2 || stats.Errors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TotalMS != 30 || stats.MaxMS != 25 {
		t.Fatalf("durations = %+v", stats)
	}
}

func TestExpvarMetricsRecorderSplitsErrorsByKind(t *testing.T) {
	recorder := NewExpvarMetricsRecorder("")
	recorder.Observe(context.Background(), "save_record", false, time.Millisecond)
	recorder.Observe(context.Background(), "dedup_history", false, time.Millisecond)
	recorder.Observe(context.Background(), "dedup_history", true, time.Millisecond)

	snap := recorder.Snapshot()
	if snap.InteractiveErrors != 1 || snap.ScheduledErrors != 1 {
		t.Fatalf("error split = %d/%d", snap.InteractiveErrors, snap.ScheduledErrors)
	}
}

func TestJSONTracerEmitsEntries(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "approve")
	span.End(nil)
	_, span = tracer.Start(context.Background(), "dedup_history")
	span.End(nil)

	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Operation != "approve" || entries[0].Status != "success" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Fatalf("sequence = %d, %d", entries[0].Seq, entries[1].Seq)
	}
	if entries[0].Kind != "interactive" || entries[1].Kind != "scheduled" {
		t.Fatalf("kinds = %q, %q", entries[0].Kind, entries[1].Kind)
	}
	if !strings.Contains(buf.String(), `"operation":"approve"`) {
		t.Fatalf("encoded output:\n%s", buf.String())
	}
}

func TestPrometheusRecorderRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	recorder.Observe(context.Background(), "dedup_history", true, 10*time.Millisecond)
	recorder.Observe(context.Background(), "dedup_history", false, 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	if !names["labledger_operation_duration_seconds"] || !names["labledger_operation_results_total"] {
		t.Fatalf("metric families = %v", names)
	}
}
