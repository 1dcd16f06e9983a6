package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juju/clock"

	"github.com/marmos91/phoenixd/pkg/dbpool"
)

// Executor runs one claimed job.
type Executor func(ctx context.Context, run Run) error

// JobStore claims and records due jobs of a tenant.
type JobStore interface {
	// Process claims the due jobs of database and calls exec for each
	// while holding the claim, then records the outcome and the next call
	// time. It returns the number of jobs run, or ErrJobLocked when
	// another worker is processing the same tenant. An error from exec
	// fails only that job.
	Process(ctx context.Context, database string, exec Executor) (int, error)
}

// Borrower lends tenant connections.
type Borrower interface {
	Borrow(ctx context.Context, database string) (*dbpool.Handle, error)
}

// claimTxOptions runs the claim in read committed, overriding the session
// default of repeatable read: every statement then sees rows committed by
// the worker that held the lock before us, and FOR UPDATE does not fail
// with a serialization error on them.
var claimTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// lockKey identifies the cron queue among advisory locks of a database.
const lockKey = "phoenixd.cron_job"

const (
	tryLockQuery = `SELECT pg_try_advisory_xact_lock(hashtext($1))`

	selectDueQuery = `
SELECT id, name, handler, interval_seconds, nextcall, lastcall
  FROM cron_job
 WHERE active AND nextcall <= $1
 ORDER BY nextcall, id
   FOR UPDATE SKIP LOCKED`

	recordRunQuery = `
UPDATE cron_job
   SET lastcall = $2, nextcall = $3, last_error = $4
 WHERE id = $1`
)

// PgJobStore keeps jobs in the tenant's cron_job table. A tenant is
// processed inside one read committed transaction holding an advisory
// lock, and each job runs in its own savepoint.
type PgJobStore struct {
	Pool  Borrower
	Clock clock.Clock
}

func (s *PgJobStore) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// Process implements JobStore.
func (s *PgJobStore) Process(ctx context.Context, database string, exec Executor) (n int, err error) {
	h, err := s.Pool.Borrow(ctx, database)
	if err != nil {
		return 0, err
	}
	discard := false
	defer func() { _ = h.Release(discard) }()

	tx, err := h.Conn().BeginTx(ctx, claimTxOptions)
	if err != nil {
		discard = true
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var locked bool
	if err := tx.QueryRow(ctx, tryLockQuery, lockKey).Scan(&locked); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		return 0, ErrJobLocked
	}

	jobs, err := s.due(ctx, tx)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		started := s.now()
		runErr := runInSavepoint(ctx, tx, Run{Database: database, Job: job}, exec)

		var lastError *string
		if runErr != nil {
			msg := runErr.Error()
			lastError = &msg
		}
		if _, err := tx.Exec(ctx, recordRunQuery, job.ID, started, job.Advance(started), lastError); err != nil {
			return n, fmt.Errorf("record run of %q: %w", job.Name, err)
		}
		n++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (s *PgJobStore) due(ctx context.Context, tx pgx.Tx) ([]Job, error) {
	rows, err := tx.Query(ctx, selectDueQuery, s.now())
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) {
		var (
			j        Job
			seconds  int32
			lastCall *time.Time
		)
		if err := row.Scan(&j.ID, &j.Name, &j.Handler, &seconds, &j.NextCall, &lastCall); err != nil {
			return Job{}, err
		}
		j.Interval = time.Duration(seconds) * time.Second
		if lastCall != nil {
			j.LastCall = *lastCall
		}
		return j, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan due jobs: %w", err)
	}
	return jobs, nil
}

// runInSavepoint runs exec in a nested transaction so a failing job only
// rolls back its own work.
func runInSavepoint(ctx context.Context, tx pgx.Tx, run Run, exec Executor) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	run.Tx = sp
	if err := exec(ctx, run); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}
