package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// scheduledOperations are the background jobs armed by ScheduleMaintenance.
// Their failures page an operator; everything else is a user-driven call
// whose failures surface to the caller.
var scheduledOperations = map[string]bool{
	"dedup_history":        true,
	"send_approver_digest": true,
}

func operationKind(operation string) string {
	if scheduledOperations[operation] {
		return "scheduled"
	}
	return "interactive"
}

// OperationStats aggregates the outcomes of one workflow operation.
type OperationStats struct {
	Count   int64   `json:"count"`
	Errors  int64   `json:"errors"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// ExpvarMetricsRecorder publishes per-operation timing and outcome counters
// via expvar, for deployments that prefer process-local metrics. Besides the
// per-operation stats it keeps separate error totals for interactive calls
// and scheduled jobs, so a digest cron failing overnight is distinguishable
// from users hitting save errors.
type ExpvarMetricsRecorder struct {
	name string

	mu                sync.Mutex
	operations        map[string]*OperationStats
	interactiveErrors int64
	scheduledErrors   int64
}

// ExpvarMetricsSnapshot captures a read-only view of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	Operations        map[string]OperationStats `json:"operations"`
	InteractiveErrors int64                     `json:"interactive_errors"`
	ScheduledErrors   int64                     `json:"scheduled_errors"`
	RecordedAt        time.Time                 `json:"recorded_at"`
}

// NewExpvarMetricsRecorder constructs an expvar-backed recorder published
// under the supplied name. When name is empty a unique one is generated.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("workflow_service_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name:       name,
		operations: make(map[string]*OperationStats),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	operations := make(map[string]OperationStats, len(r.operations))
	for op, stats := range r.operations {
		operations[op] = *stats
	}
	return ExpvarMetricsSnapshot{
		Operations:        operations,
		InteractiveErrors: r.interactiveErrors,
		ScheduledErrors:   r.scheduledErrors,
		RecordedAt:        time.Now().UTC(),
	}
}

// Observe records a workflow operation outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.operations[operation]
	if !ok {
		stats = &OperationStats{}
		r.operations[operation] = stats
	}
	stats.Count++
	stats.TotalMS += ms
	if ms > stats.MaxMS {
		stats.MaxMS = ms
	}
	if !success {
		stats.Errors++
		if operationKind(operation) == "scheduled" {
			r.scheduledErrors++
		} else {
			r.interactiveErrors++
		}
	}
}

// JSONTraceEntry is one serialized span emitted by JSONTraceTracer. Seq
// orders entries across goroutines; Kind tells interactive calls apart from
// scheduled jobs when grepping a trace file.
type JSONTraceEntry struct {
	Seq        int64     `json:"seq"`
	Operation  string    `json:"operation"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer serializes spans to a writer and retains them for inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	seq     int64
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer constructs a tracer that writes spans as JSON lines to the
// writer. Encoded spans are retained for later inspection via Entries().
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
	}
	return &JSONTraceTracer{enc: enc}
}

// Entries returns a copy of all recorded spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements the Tracer interface.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	span := &jsonTraceSpan{
		tracer:    t,
		operation: operation,
		started:   time.Now().UTC(),
	}
	return ctx, span
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	status := "success"
	var errMsg string
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Kind:       operationKind(s.operation),
		Status:     status,
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		Error:      errMsg,
		StartedAt:  s.started,
		EndedAt:    ended,
	}

	s.tracer.mu.Lock()
	s.tracer.seq++
	entry.Seq = s.tracer.seq
	s.tracer.entries = append(s.tracer.entries, entry)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(entry)
	}
	s.tracer.mu.Unlock()
}

var (
	_ MetricsRecorder = (*ExpvarMetricsRecorder)(nil)
	_ Tracer          = (*JSONTraceTracer)(nil)
)
