package cron

import (
	"errors"
	"fmt"
)

var (
	// ErrJobLocked is returned by JobStore.Process when another worker
	// holds the tenant's job queue.
	ErrJobLocked = errors.New("cron: job queue locked by another worker")

	// ErrNoHandler is recorded against a job whose handler is not
	// registered.
	ErrNoHandler = errors.New("cron: no handler registered")
)

// JobError reports the failure of one job. Other jobs of the same tenant
// still run.
type JobError struct {
	Database string
	Job      string
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("cron: job %q on %q: %v", e.Job, e.Database, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
