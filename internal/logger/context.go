package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds the fields of one unit of work (an HTTP request or a
// cron tick) that the *Ctx helpers prepend to every record.
type LogContext struct {
	TraceID   string
	SpanID    string
	RequestID string
	Worker    string // cron-<n> or http
	Database  string // tenant database name
	ClientIP  string
	StartTime time.Time
}

// WithContext returns ctx carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext returns the LogContext carried by ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext starts a LogContext for the given worker.
func NewLogContext(worker string) *LogContext {
	return &LogContext{Worker: worker, StartTime: time.Now()}
}

// Clone returns a copy of lc.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithDatabase returns a copy bound to database.
func (lc *LogContext) WithDatabase(database string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Database = database
	}
	return c
}

// WithTrace returns a copy carrying the trace identifiers.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}

// DurationMs returns the time since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return Duration(lc.StartTime)
}
