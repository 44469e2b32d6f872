// Package core implements the record revision and approval workflow: the
// approval gate, the multi-phase save reconciler, the relationship snapshot
// projector, the history dedup job, and their supporting plumbing.
package core

import (
	"context"
	"errors"
	"time"

	"labledger/internal/blob"
	"labledger/internal/mapservice"
	"labledger/internal/notify"
	"labledger/internal/schedule"
	"labledger/pkg/domain"
)

// ErrNotPermitted is returned when an actor lacks change permission for a
// record: not the owner, no unexpired grant, and not a privileged approver.
var ErrNotPermitted = errors.New("actor is not permitted to change this record")

// Logger receives structured service events. Key-value pairs alternate keys
// and values, zerolog style.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder aggregates operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer creates spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan terminates a single traced operation.
type TraceSpan interface {
	End(err error)
}

const defaultMapSizeLimit = 2 << 20 // 2 MiB

// Service exposes the workflow operations over a persistent store. The gate,
// reconciler, projector, and dedup job all run through it so that every
// read-then-write sequence shares one transaction scope.
type Service struct {
	store    domain.PersistentStore
	schemas  *domain.SchemaRegistry
	blobs    blob.Store
	maps     mapservice.Client
	notifier notify.Notifier
	runner   *schedule.Runner

	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	nowFn   func() time.Time

	labAbbreviation string
	mapSizeLimit    int64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a structured logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithNowFunc overrides the service clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithSchemaRegistry replaces the default relationship schema registry.
func WithSchemaRegistry(reg *domain.SchemaRegistry) Option {
	return func(s *Service) {
		if reg != nil {
			s.schemas = reg
		}
	}
}

// WithBlobStore wires the map file store used by the save reconciler.
func WithBlobStore(b blob.Store) Option {
	return func(s *Service) { s.blobs = b }
}

// WithMapService wires the sequence map conversion client.
func WithMapService(c mapservice.Client) Option {
	return func(s *Service) { s.maps = c }
}

// WithNotifier wires the outbound mail channel.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithScheduler wires the background task runner used for grant auto-revoke.
func WithScheduler(r *schedule.Runner) Option {
	return func(s *Service) { s.runner = r }
}

// WithLabAbbreviation sets the lab code embedded in canonical map file names.
func WithLabAbbreviation(abbr string) Option {
	return func(s *Service) { s.labAbbreviation = abbr }
}

// WithMapSizeLimit caps accepted map uploads in bytes.
func WithMapSizeLimit(limit int64) Option {
	return func(s *Service) {
		if limit > 0 {
			s.mapSizeLimit = limit
		}
	}
}

// NewService constructs a workflow service over the given store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:        store,
		schemas:      domain.DefaultSchemaRegistry(),
		logger:       noopLogger{},
		nowFn:        func() time.Time { return time.Now().UTC() },
		mapSizeLimit: defaultMapSizeLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Schemas returns the active schema registry.
func (s *Service) Schemas() *domain.SchemaRegistry { return s.schemas }

// instrument wraps one service operation with tracing, metrics, and logging.
func (s *Service) instrument(ctx context.Context, operation string, fn func(context.Context) error) error {
	started := time.Now()
	var span TraceSpan
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, operation)
	}
	err := fn(ctx)
	duration := time.Since(started)
	if span != nil {
		span.End(err)
	}
	if s.metrics != nil {
		s.metrics.Observe(ctx, operation, err == nil, duration)
	}
	if err != nil {
		s.logger.Error("operation failed", "operation", operation, "duration_ms", duration.Milliseconds(), "error", err)
	} else {
		s.logger.Debug("operation completed", "operation", operation, "duration_ms", duration.Milliseconds())
	}
	return err
}

func (s *Service) alert(subject, body string) {
	if s.notifier != nil {
		s.notifier.OperatorAlert(subject, body)
	}
}
