package cron

import (
	"context"
	"errors"

	"github.com/marmos91/phoenixd/internal/logger"
)

// ErrNoTransaction is returned by handlers that need the tenant
// transaction when the store does not provide one.
var ErrNoTransaction = errors.New("cron: job has no database transaction")

// Builtin returns the handlers shipped with the server:
//
//	noop     logs the run, useful to check that a tenant is scheduled
//	analyze  refreshes planner statistics of the tenant database
func Builtin() Handlers {
	return Handlers{
		"noop":    noop,
		"analyze": analyze,
	}
}

func noop(ctx context.Context, run Run) error {
	logger.InfoCtx(ctx, "cron noop", logger.KeyDatabase, run.Database, logger.KeyJob, run.Job.Name)
	return nil
}

func analyze(ctx context.Context, run Run) error {
	if run.Tx == nil {
		return ErrNoTransaction
	}
	_, err := run.Tx.Exec(ctx, "ANALYZE")
	return err
}
