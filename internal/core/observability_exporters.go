package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq atomic.Uint64

// OperationStats aggregates the outcomes of one operation name.
type OperationStats struct {
	Calls   int64   `json:"calls"`
	Errors  int64   `json:"errors"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// ExpvarMetricsRecorder publishes per-operation stats under one expvar name.
type ExpvarMetricsRecorder struct {
	name string
	mu   sync.Mutex
	ops  map[string]OperationStats
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated name when empty. Publishing the same name twice panics, as
// expvar.Publish does.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("tokenvault_ops_%d", expvarSeq.Add(1))
	}
	rec := &ExpvarMetricsRecorder{name: name, ops: make(map[string]OperationStats)}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name is the expvar variable name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the stats gathered so far.
func (r *ExpvarMetricsRecorder) Snapshot() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.ops)
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ops[operation]
	st.Calls++
	if !success {
		st.Errors++
	}
	st.TotalMS += ms
	st.MaxMS = max(st.MaxMS, ms)
	r.ops[operation] = st
}

// MultiMetricsRecorder fans observations out to every non-nil recorder.
func MultiMetricsRecorder(recs ...MetricsRecorder) MetricsRecorder {
	out := make(multiMetrics, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiMetrics []MetricsRecorder

func (m multiMetrics) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		r.Observe(ctx, operation, success, duration)
	}
}

// Span is one finished operation as written by JSONTracer.
type Span struct {
	Operation  string    `json:"operation"`
	Key        Key       `json:"key,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
}

// JSONTracer writes each finished span as a JSON line and keeps a copy.
type JSONTracer struct {
	mu    sync.Mutex
	enc   *json.Encoder
	spans []Span
	now   func() time.Time
}

// NewJSONTracer writes spans to w. A nil writer only retains them.
func NewJSONTracer(w io.Writer) *JSONTracer {
	t := &JSONTracer{now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Spans returns the finished spans in completion order.
func (t *JSONTracer) Spans() []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Span(nil), t.spans...)
}

// Start implements Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string, key Key) (context.Context, TraceSpan) {
	return ctx, &jsonSpan{tracer: t, span: Span{Operation: operation, Key: key, StartedAt: t.now()}}
}

type jsonSpan struct {
	tracer *JSONTracer
	span   Span
}

func (s *jsonSpan) End(err error) {
	span := s.span
	span.DurationMS = float64(s.tracer.now().Sub(span.StartedAt)) / float64(time.Millisecond)
	span.Status = string(AuditStatusSuccess)
	if err != nil {
		span.Status = string(AuditStatusError)
		span.Error = err.Error()
	}
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.spans = append(s.tracer.spans, span)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(span)
	}
}

// SlogAuditRecorder writes audit entries to a slog logger at info level, or
// warn level for failures.
type SlogAuditRecorder struct {
	logger *slog.Logger
}

// NewSlogAuditRecorder wraps logger. A nil logger uses slog.Default().
func NewSlogAuditRecorder(logger *slog.Logger) *SlogAuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditRecorder{logger: logger.With("component", "audit")}
}

// Record implements AuditRecorder.
func (r *SlogAuditRecorder) Record(ctx context.Context, entry AuditEntry) {
	level := slog.LevelInfo
	if entry.Status == AuditStatusError {
		level = slog.LevelWarn
	}
	attrs := []any{
		"operation", entry.Operation,
		"status", string(entry.Status),
		"duration_ms", float64(entry.Duration) / float64(time.Millisecond),
	}
	if entry.Key != "" {
		attrs = append(attrs, "key", string(entry.Key))
	}
	if entry.Error != "" {
		attrs = append(attrs, "error", entry.Error)
	}
	r.logger.Log(ctx, level, "audit", attrs...)
}
