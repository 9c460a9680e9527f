// Package tracing provides lightweight request spans propagated through
// Go contexts and emitted as structured slog records. It exists to see
// where a slow search or rebuild spends its time without pulling in a
// full tracing stack.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span is one timed operation. Child spans inherit the trace id of the
// span already present in the context.
type Span struct {
	Name    string
	TraceID string
	Parent  string
	start   time.Time

	mu    sync.Mutex
	attrs []any
}

// Start begins a span and returns a context carrying it. With no span in
// ctx a new trace id is generated; otherwise the new span joins the
// existing trace.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	span := &Span{
		Name:  name,
		start: time.Now(),
	}
	if parent := FromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.Parent = parent.Name
	} else {
		span.TraceID = newTraceID()
	}
	return context.WithValue(ctx, contextKey{}, span), span
}

// FromContext returns the current span, or nil.
func FromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// SetAttr attaches an attribute recorded when the span ends.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

// End emits the span as one structured log record.
func (s *Span) End() {
	elapsed := time.Since(s.start)
	s.mu.Lock()
	attrs := append([]any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", elapsed.Milliseconds(),
	}, s.attrs...)
	if s.Parent != "" {
		attrs = append(attrs, "parent", s.Parent)
	}
	s.mu.Unlock()
	slog.Debug("span completed", attrs...)
}

func newTraceID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf[:])
}
