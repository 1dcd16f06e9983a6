package cron

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Job is one row of the cron_job table.
type Job struct {
	ID       int64
	Name     string
	Handler  string
	Interval time.Duration
	NextCall time.Time
	LastCall time.Time // zero if never run
}

// Due reports whether the job should run at now.
func (j Job) Due(now time.Time) bool {
	return !j.NextCall.After(now)
}

// Advance returns the first call time after now on the job's schedule.
// Missed calls are skipped, not replayed.
func (j Job) Advance(now time.Time) time.Time {
	if j.Interval <= 0 {
		return now
	}
	if j.NextCall.After(now) {
		return j.NextCall
	}
	missed := now.Sub(j.NextCall)/j.Interval + 1
	return j.NextCall.Add(missed * j.Interval)
}

// Run is passed to a Handler.
type Run struct {
	Database string
	Job      Job

	// Tx is the job's savepoint inside the tenant transaction. It is nil
	// for stores that are not backed by Postgres.
	Tx pgx.Tx
}

// Handler executes one job.
type Handler func(ctx context.Context, run Run) error

// Handlers maps handler names stored in cron_job.handler to code.
type Handlers map[string]Handler
