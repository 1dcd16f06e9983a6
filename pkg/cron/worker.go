package cron

import (
	"context"
	"time"

	"github.com/juju/retry"

	"github.com/marmos91/phoenixd/internal/logger"
)

type worker struct {
	sched *Scheduler
	n     int
	name  string
}

// run reconnects and serves until ctx is done.
func (w *worker) run(ctx context.Context) {
	log := w.sched.log.With(logger.KeyWorker, w.name)
	for ctx.Err() == nil {
		ctrl, err := w.connect(ctx)
		if err != nil {
			return
		}
		err = w.serve(ctx, ctrl)
		if cerr := ctrl.Close(); cerr != nil {
			log.Debug("error releasing control connection", logger.Err(cerr))
		}
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Warn("control connection lost", logger.Err(err))
		default:
			log.Info("worker max age reached, releasing connection", logger.KeyAge, w.sched.opts.WorkerMaxAge)
		}
	}
}

// connect opens a control connection, backing off between failures.
func (w *worker) connect(ctx context.Context) (Control, error) {
	s := w.sched
	var ctrl Control
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := s.opts.Connector.Connect(ctx)
			if err != nil {
				return err
			}
			ctrl = c
			return nil
		},
		IsFatalError: func(error) bool { return ctx.Err() != nil },
		NotifyFunc: func(err error, attempt int) {
			s.log.Warn("cannot reach control database", logger.KeyWorker, w.name, logger.KeyAttempt, attempt, logger.Err(err))
		},
		Attempts:    -1,
		Delay:       s.opts.RetryDelay,
		MaxDelay:    s.opts.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

// serve waits for wake-ups on ctrl and processes the ready tenants. It
// returns nil when the worker reached its max age.
func (w *worker) serve(ctx context.Context, ctrl Control) error {
	s := w.sched
	standby, err := w.arm(ctx, ctrl, false)
	if err != nil {
		return err
	}
	defer func() {
		if standby {
			s.standby.Add(-1)
		}
	}()

	born := s.clock.Now()
	timeout := s.opts.PollInterval + time.Duration(w.n)*time.Second
	stagger := time.Duration(w.n) * 10 * time.Millisecond

	for {
		notified, err := ctrl.Wait(ctx, timeout)
		if err != nil {
			return err
		}
		s.wakeups.Add(1)
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordWake(notified)
		}

		if stagger > 0 {
			select {
			case <-s.clock.After(stagger):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if standby {
			if standby, err = w.arm(ctx, ctrl, true); err != nil {
				return err
			}
		}
		if !standby {
			w.tick(ctx)
		}

		if s.opts.WorkerMaxAge > 0 && s.clock.Now().Sub(born) > s.opts.WorkerMaxAge {
			return nil
		}
	}
}

// arm checks whether the control database is a standby and LISTENs when
// it is not. NOTIFY does not work during recovery, so a standby worker
// only polls and never claims jobs.
func (w *worker) arm(ctx context.Context, ctrl Control, wasStandby bool) (bool, error) {
	s := w.sched
	standby, err := ctrl.InRecovery(ctx)
	if err != nil {
		return wasStandby, err
	}
	switch {
	case standby && !wasStandby:
		s.standby.Add(1)
		s.log.Warn("control database in recovery, cron trigger not activated", logger.KeyWorker, w.name, logger.KeyStandby, true)
	case !standby:
		if wasStandby {
			s.standby.Add(-1)
			s.log.Info("control database promoted", logger.KeyWorker, w.name)
		}
		if err := ctrl.Listen(ctx, s.opts.Channel); err != nil {
			return false, err
		}
	}
	return standby, nil
}

// tick processes every ready tenant once.
func (w *worker) tick(ctx context.Context) {
	s := w.sched
	s.log.Debug("polling for jobs", logger.KeyWorker, w.name)
	for _, reg := range s.opts.Registries.Ready() {
		if ctx.Err() != nil {
			return
		}
		if !reg.Entry.HasCron {
			continue
		}
		// A tick in progress outlives ctx so a graceful stop lets it
		// commit; the supervisor aborts it through its slot.
		_, _ = s.ProcessTenant(context.WithoutCancel(ctx), w.name, reg.Name)
	}
}
