package core

import (
	"context"
	"time"
)

// Logger is the structured logger used by the service and the engine. It is
// satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoopLogger returns a logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a UTC wall clock.
func SystemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}

// AuditStatus is the outcome recorded for an operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one completed service or engine operation.
type AuditEntry struct {
	Operation string
	Status    AuditStatus
	Key       Key
	Error     string
	Duration  time.Duration
	At        time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation latencies and outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan is an in-flight operation span.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around operations. key is empty for operations that
// span several records.
type Tracer interface {
	Start(ctx context.Context, operation string, key Key) (context.Context, TraceSpan)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ Key) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// Observability bundles the ambient collaborators shared by the service, the
// reconciliation engine and the session.
type Observability struct {
	Logger  Logger
	Clock   Clock
	Audit   AuditRecorder
	Metrics MetricsRecorder
	Tracer  Tracer
}

// Option configures Observability.
type Option func(*Observability)

// WithLogger sets the logger. nil keeps the default.
func WithLogger(logger Logger) Option {
	return func(o *Observability) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithClock sets the clock. nil keeps the default.
func WithClock(clock Clock) Option {
	return func(o *Observability) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// WithAuditRecorder sets the audit recorder.
func WithAuditRecorder(rec AuditRecorder) Option {
	return func(o *Observability) {
		if rec != nil {
			o.Audit = rec
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(o *Observability) {
		if rec != nil {
			o.Metrics = rec
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) Option {
	return func(o *Observability) {
		if tracer != nil {
			o.Tracer = tracer
		}
	}
}

// NewObservability applies opts over no-op defaults and the system clock.
func NewObservability(opts ...Option) Observability {
	o := Observability{
		Logger:  noopLogger{},
		Clock:   SystemClock(),
		Audit:   noopAudit{},
		Metrics: noopMetrics{},
		Tracer:  noopTracer{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Instrument runs fn inside a span and records audit, metrics and logs for
// operation.
func (o Observability) Instrument(ctx context.Context, operation string, key Key, fn func(ctx context.Context) error) error {
	started := o.Clock.Now()
	spanCtx, span := o.Tracer.Start(ctx, operation, key)
	err := fn(spanCtx)
	span.End(err)
	duration := o.Clock.Now().Sub(started)

	entry := AuditEntry{
		Operation: operation,
		Status:    AuditStatusSuccess,
		Key:       key,
		Duration:  duration,
		At:        started,
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		o.Logger.Error("operation failed", "operation", operation, "key", string(key), "error", err)
	} else {
		o.Logger.Debug("operation completed", "operation", operation, "key", string(key), "duration", duration)
	}
	o.Audit.Record(ctx, entry)
	o.Metrics.Observe(ctx, operation, err == nil, duration)
	return err
}
