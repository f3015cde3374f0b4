package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"tokenvault/pkg/domain"
)

func liveToken(id, url string) domain.Item {
	return domain.Item{
		ID:           id,
		Type:         domain.ItemTypeImage,
		Name:         url,
		LastModified: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Image:        &domain.ImageContent{URL: url},
		Metadata:     domain.Metadata{"hp": 5.0},
	}
}

// event is one observation seen by a probe: "audit", "metric" or "span".
type event struct {
	source string
	op     string
	key    Key
	ok     bool
	at     time.Time
}

// probe records every audit entry, metrics sample and finished span it is
// handed, so a single value can be passed to all three service options.
type probe struct {
	mu     sync.Mutex
	events []event
}

func (p *probe) add(e event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *probe) Record(_ context.Context, entry AuditEntry) {
	p.add(event{source: "audit", op: entry.Operation, key: entry.Key, ok: entry.Status == AuditStatusSuccess, at: entry.At})
}

func (p *probe) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	p.add(event{source: "metric", op: op, ok: success})
}

func (p *probe) Start(ctx context.Context, op string, key Key) (context.Context, TraceSpan) {
	return ctx, probeSpan{p: p, op: op, key: key}
}

type probeSpan struct {
	p   *probe
	op  string
	key Key
}

func (s probeSpan) End(err error) {
	s.p.add(event{source: "span", op: s.op, key: s.key, ok: err == nil})
}

// saw reports whether source observed op with the given outcome and, when
// match is set, whether the event also satisfies it.
func (p *probe) saw(source, op string, ok bool, match func(event) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.source == source && e.op == op && e.ok == ok && (match == nil || match(e)) {
			return true
		}
	}
	return false
}

type captureLogger struct{ calls []string }

func (c *captureLogger) Debug(msg string, _ ...any) { c.calls = append(c.calls, "debug "+msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.calls = append(c.calls, "info "+msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.calls = append(c.calls, "warn "+msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.calls = append(c.calls, "error "+msg) }

func (c *captureLogger) count(level string) int {
	n := 0
	for _, call := range c.calls {
		if strings.HasPrefix(call, level+" ") {
			n++
		}
	}
	return n
}
