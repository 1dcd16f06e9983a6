package logger

import "log/slog"

// Standard field keys. Use them consistently so log queries work across
// components.
const (
	// Tracing
	KeyTraceID   = "trace_id"
	KeySpanID    = "span_id"
	KeyRequestID = "request_id"

	// Components and workers
	KeyComponent = "component"
	KeyWorker    = "worker"    // cron-<n>, http
	KeyKind      = "kind"      // worker slot kind: http, cron
	KeySlot      = "slot"      // worker slot id
	KeyDatabase  = "database"  // tenant or control database
	KeyClientIP  = "client_ip" // remote address of an HTTP client
	KeyMethod    = "method"
	KeyPath      = "path"
	KeyStatus    = "status"

	// Lifecycle
	KeyPhase    = "phase"
	KeyEvent    = "event"
	KeySignal   = "signal"
	KeyExitCode = "exit_code"
	KeyPID      = "pid"

	// Resources
	KeyMemory   = "memory"
	KeyLimit    = "limit"
	KeyInFlight = "in_flight"
	KeyCapacity = "capacity"
	KeyBusy     = "busy"
	KeyIdle     = "idle"
	KeyEvicted  = "evicted"
	KeyAge      = "age"
	KeyJob      = "job"
	KeyJobs     = "jobs"
	KeyAttempt  = "attempt"
	KeyStandby  = "standby"
	KeyChannel  = "channel"
	KeyAddress  = "address"
	KeyDuration = "duration"

	// Outcome
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// Err returns an attribute for err, or an empty attribute (dropped by the
// handlers) when err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Database returns the tenant database attribute.
func Database(name string) slog.Attr {
	return slog.String(KeyDatabase, name)
}

// Worker returns the worker attribute.
func Worker(name string) slog.Attr {
	return slog.String(KeyWorker, name)
}

// Phase returns the lifecycle phase attribute.
func Phase(p string) slog.Attr {
	return slog.String(KeyPhase, p)
}

// DurationMs returns a duration attribute in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
