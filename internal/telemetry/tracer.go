package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to phoenixd spans.
const (
	AttrDatabase   = "db.name"
	AttrWorker     = "phoenixd.worker"
	AttrWorkerKind = "phoenixd.worker.kind"
	AttrJob        = "phoenixd.cron.job"
	AttrJobs       = "phoenixd.cron.jobs"
	AttrStandby    = "phoenixd.cron.standby"
	AttrReadOnly   = "phoenixd.pool.readonly"
)

// Span names.
const (
	SpanCronTenant   = "cron.tenant"
	SpanCronJob      = "cron.job"
	SpanPoolBorrow   = "dbpool.borrow"
	SpanRegistryLoad = "registry.load"
	SpanHTTPRequest  = "http.request"
	SpanDrain        = "supervisor.drain"
)

// Database returns the tenant database attribute.
func Database(name string) attribute.KeyValue {
	return attribute.String(AttrDatabase, name)
}

// Worker returns the worker identity attribute.
func Worker(name string) attribute.KeyValue {
	return attribute.String(AttrWorker, name)
}

// WorkerKind returns the worker slot kind attribute (http or cron).
func WorkerKind(kind string) attribute.KeyValue {
	return attribute.String(AttrWorkerKind, kind)
}

// Job returns the cron job name attribute.
func Job(name string) attribute.KeyValue {
	return attribute.String(AttrJob, name)
}

// Jobs returns the number of cron jobs processed in a tick.
func Jobs(n int) attribute.KeyValue {
	return attribute.Int(AttrJobs, n)
}

// Standby reports whether the control database was a read replica.
func Standby(b bool) attribute.KeyValue {
	return attribute.Bool(AttrStandby, b)
}

// ReadOnly reports whether a connection came from the replica pool.
func ReadOnly(b bool) attribute.KeyValue {
	return attribute.Bool(AttrReadOnly, b)
}
