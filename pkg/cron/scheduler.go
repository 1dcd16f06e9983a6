// Package cron runs background jobs for every ready tenant.
//
// A fixed set of workers each hold a connection to the control database,
// LISTEN for wake-ups there and fall back to polling. On every wake-up a
// worker walks a snapshot of the ready registries and asks the JobStore to
// claim and run the due jobs of each tenant. Claims are exclusive per
// tenant, so two workers never run the same job.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/internal/telemetry"
	"github.com/marmos91/phoenixd/pkg/registry"
	"github.com/marmos91/phoenixd/pkg/slots"
)

// ErrAlreadyRunning is returned by Run when the scheduler is running.
var ErrAlreadyRunning = errors.New("cron: scheduler already running")

// Registries lists the tenants eligible for processing.
type Registries interface {
	Ready() []registry.Named
}

// SlotTracker registers in-flight tenant ticks.
type SlotTracker interface {
	Start(ctx context.Context, kind slots.Kind, label string) (context.Context, func())
}

// Metrics receives scheduler observations. A nil Metrics disables
// collection.
type Metrics interface {
	ObserveTenant(outcome string, d time.Duration)
	RecordJob(outcome string)
	RecordWake(notified bool)
}

// Tenant and job outcomes reported to Metrics.
const (
	OutcomeOK        = "ok"
	OutcomeLocked    = "locked"
	OutcomeError     = "error"
	OutcomeNoHandler = "no_handler"
)

// Options configure a Scheduler.
type Options struct {
	// Workers is the number of cron workers. Zero disables cron.
	Workers int

	// PollInterval bounds the wait for a notification. Worker n waits
	// PollInterval + n seconds so that wake-ups spread out.
	PollInterval time.Duration

	// WorkerMaxAge recycles the control connection once exceeded. Zero
	// keeps it for the worker's lifetime.
	WorkerMaxAge time.Duration

	// Channel is the LISTEN/NOTIFY channel.
	Channel string

	Connector  Connector
	Store      JobStore
	Registries Registries
	Handlers   Handlers

	// Slots, when set, sees every tenant tick.
	Slots SlotTracker

	// RetryDelay and MaxRetryDelay bound the reconnect backoff.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	Clock   clock.Clock
	Metrics Metrics
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Workers   int    `json:"workers"`
	Standby   int    `json:"standby"`
	Wakeups   uint64 `json:"wakeups"`
	Tenants   uint64 `json:"tenants"`
	JobsRun   uint64 `json:"jobs_run"`
	JobErrors uint64 `json:"job_errors"`
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	opts    Options
	clock   clock.Clock
	log     *slog.Logger
	running atomic.Bool

	standby   atomic.Int32
	wakeups   atomic.Uint64
	tenants   atomic.Uint64
	jobsRun   atomic.Uint64
	jobErrors atomic.Uint64
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.Channel == "" {
		opts.Channel = "cron_trigger"
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = time.Minute
	}
	return &Scheduler{
		opts:  opts,
		clock: opts.Clock,
		log:   logger.With(logger.KeyComponent, "cron"),
	}
}

// Run starts the workers and blocks until ctx is done and every worker
// has returned its control connection.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	if s.opts.Workers <= 0 {
		s.log.Info("cron disabled")
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	for n := 0; n < s.opts.Workers; n++ {
		w := &worker{sched: s, n: n, name: fmt.Sprintf("cron-%d", n)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	s.log.Info("cron workers started", "workers", s.opts.Workers, logger.KeyChannel, s.opts.Channel)
	wg.Wait()
	s.log.Info("cron workers stopped")
	return nil
}

// Trigger wakes the workers to process database now.
func (s *Scheduler) Trigger(ctx context.Context, database string) error {
	return s.opts.Connector.Notify(ctx, s.opts.Channel, database)
}

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Workers:   s.opts.Workers,
		Standby:   int(s.standby.Load()),
		Wakeups:   s.wakeups.Load(),
		Tenants:   s.tenants.Load(),
		JobsRun:   s.jobsRun.Load(),
		JobErrors: s.jobErrors.Load(),
	}
}

// ProcessTenant claims and runs the due jobs of database on behalf of
// worker. Failures are logged and returned; they never escape as panics.
func (s *Scheduler) ProcessTenant(ctx context.Context, worker, database string) (n int, err error) {
	if s.opts.Slots != nil {
		var done func()
		ctx, done = s.opts.Slots.Start(ctx, slots.KindCron, worker+":"+database)
		defer done()
	}
	ctx = logger.WithContext(ctx, logger.NewLogContext(worker).WithDatabase(database))
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCronTenant)
	defer span.End()
	span.SetAttributes(telemetry.Database(database), telemetry.Worker(worker))

	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: panic while processing %s: %v", database, r)
		}

		outcome := OutcomeOK
		switch {
		case errors.Is(err, ErrJobLocked):
			outcome = OutcomeLocked
			logger.DebugCtx(ctx, "tenant busy in another worker")
		case err != nil:
			outcome = OutcomeError
			telemetry.RecordError(ctx, err)
			logger.WarnCtx(ctx, "cron tenant processing failed", logger.Err(err))
		case n > 0:
			logger.InfoCtx(ctx, "cron jobs processed", logger.KeyJobs, n,
				logger.KeyDurationMs, float64(s.clock.Now().Sub(start).Microseconds())/1000)
		}
		span.SetAttributes(telemetry.Jobs(n))
		s.tenants.Add(1)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveTenant(outcome, s.clock.Now().Sub(start))
		}
	}()

	return s.opts.Store.Process(ctx, database, s.execute)
}

// execute runs one claimed job through its registered handler.
func (s *Scheduler) execute(ctx context.Context, run Run) (err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCronJob)
	defer span.End()
	span.SetAttributes(telemetry.Job(run.Job.Name))

	handler, ok := s.opts.Handlers[run.Job.Handler]
	if !ok {
		logger.WarnCtx(ctx, "cron job has no handler", logger.KeyJob, run.Job.Name, "handler", run.Job.Handler)
		s.recordJob(OutcomeNoHandler)
		return &JobError{Database: run.Database, Job: run.Job.Name, Err: ErrNoHandler}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &JobError{Database: run.Database, Job: run.Job.Name, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			telemetry.RecordError(ctx, err)
			logger.WarnCtx(ctx, "cron job failed", logger.KeyJob, run.Job.Name, logger.Err(err))
			s.recordJob(OutcomeError)
			return
		}
		s.recordJob(OutcomeOK)
	}()

	if err := handler(ctx, run); err != nil {
		return &JobError{Database: run.Database, Job: run.Job.Name, Err: err}
	}
	return nil
}

func (s *Scheduler) recordJob(outcome string) {
	if outcome == OutcomeOK {
		s.jobsRun.Add(1)
	} else {
		s.jobErrors.Add(1)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordJob(outcome)
	}
}
