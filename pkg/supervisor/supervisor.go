// Package supervisor owns the process lifecycle: it starts the HTTP
// server and the cron scheduler, turns signals into lifecycle events,
// enforces resource limits and runs the drain sequence on stop or
// restart.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/internal/telemetry"
	"github.com/marmos91/phoenixd/pkg/config"
	"github.com/marmos91/phoenixd/pkg/slots"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("supervisor: already running")

// drainGrace bounds the wait for services to return once their work has
// been cancelled.
const drainGrace = 5 * time.Second

// Server is the request-handling service.
type Server interface {
	Serve(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runner is a background service stopped by cancelling its context.
type Runner interface {
	Run(ctx context.Context) error
}

// Metrics receives supervisor observations. A nil Metrics disables
// collection.
type Metrics interface {
	SetPhase(phase string)
	RecordEvent(event string)
	RecordLimit(kind string)
	SetMemory(bytes uint64)
}

// Options wires the supervisor. Every service and resource is optional.
type Options struct {
	Config config.SupervisorConfig
	Limits config.LimitsConfig

	HTTP  Server
	Cron  Runner
	Slots *slots.Tracker

	// Memory is sampled every limit check. Nil disables the memory limit.
	Memory MemorySource

	// DevReload restarts the process when a watched file changes.
	DevReload *DevReloader

	// OnStop hooks run after in-flight work drained, before the
	// registry and pools are closed. They are skipped on a forced stop.
	OnStop []func(ctx context.Context) error

	Registry interface{ Close() }
	Pools    interface{ CloseAll() }

	// LogStats is called on EventLogStats.
	LogStats func()

	Clock   clock.Clock
	Metrics Metrics
}

// Supervisor is created once per process.
type Supervisor struct {
	opts   Options
	clock  clock.Clock
	log    *slog.Logger
	events chan request
	done   chan struct{}

	started atomic.Bool
	phase   atomic.Int32
	quits   atomic.Int32
	restart atomic.Bool
	limits  *limitWatcher
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Config.SleepInterval <= 0 {
		opts.Config.SleepInterval = time.Minute
	}
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = time.Second
	}
	if opts.Config.ShutdownTimeout <= 0 {
		opts.Config.ShutdownTimeout = 30 * time.Second
	}
	s := &Supervisor{
		opts:   opts,
		clock:  opts.Clock,
		log:    logger.With(logger.KeyComponent, "supervisor"),
		events: make(chan request, 16),
		done:   make(chan struct{}),
	}
	s.limits = &limitWatcher{
		clock:   opts.Clock,
		sleep:   opts.Config.SleepInterval,
		poll:    opts.Config.PollInterval,
		limits:  opts.Limits,
		slots:   opts.Slots,
		memory:  opts.Memory,
		metrics: opts.Metrics,
		log:     s.log,
		reload:  s.requestReload,
	}
	return s
}

// State returns a snapshot of the lifecycle state.
func (s *Supervisor) State() State {
	st := State{
		Phase:               s.Phase().String(),
		QuitSignalsReceived: int(s.quits.Load()),
		RestartRequested:    s.restart.Load(),
	}
	if at, ok := s.limits.limitReachedAt(); ok {
		at = at.UTC()
		st.LimitReachedAt = &at
	}
	return st
}

// Phase returns the current lifecycle phase.
func (s *Supervisor) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Supervisor) setPhase(p Phase) {
	old := Phase(s.phase.Swap(int32(p)))
	if old != p {
		s.log.Info("Phase changed", logger.Phase(p.String()), "from", old.String())
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetPhase(p.String())
	}
}

// Post delivers a lifecycle event to the control loop. It never blocks
// once Run has returned.
func (s *Supervisor) Post(ev Event) {
	s.post(request{event: ev})
}

func (s *Supervisor) requestReload(forced bool, reason string) {
	s.post(request{event: EventReload, forced: forced, reason: reason})
}

func (s *Supervisor) post(req request) {
	select {
	case s.events <- req:
	case <-s.done:
	}
}

// outcome is how the RUNNING phase ended.
type outcome struct {
	restart bool
	forced  bool // drain without waiting
	code    ExitCode
	err     error
}

// Run starts the services, processes lifecycle events until a stop or
// restart is requested, and drains. Cancelling ctx is a terminate
// request. It returns nil after a clean stop and an *ExitError
// otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)
	s.setPhase(PhaseStarting)

	if path := s.opts.Config.PidFile; path != "" {
		if err := WritePIDFile(path); err != nil {
			s.setPhase(PhaseStopped)
			return StartupError(err)
		}
		defer RemovePIDFile(path)
	}

	svcCtx, cancelSvc := context.WithCancel(context.Background())
	defer cancelSvc()
	g, gctx := errgroup.WithContext(svcCtx)
	cronCtx, cancelCron := context.WithCancel(gctx)
	defer cancelCron()
	limitCtx, cancelLimits := context.WithCancel(gctx)
	defer cancelLimits()

	cronDone := make(chan struct{})
	if s.opts.HTTP != nil {
		g.Go(func() error { return s.opts.HTTP.Serve(gctx) })
	}
	if s.opts.Cron != nil {
		g.Go(func() error {
			defer close(cronDone)
			return s.opts.Cron.Run(cronCtx)
		})
	} else {
		close(cronDone)
	}
	g.Go(func() error {
		s.limits.run(limitCtx)
		return nil
	})
	if s.opts.DevReload != nil {
		g.Go(func() error {
			return s.opts.DevReload.Run(limitCtx, func(path string) {
				s.requestReload(false, "file changed: "+path)
			})
		})
	}
	groupDone := make(chan error, 1)
	go func() { groupDone <- g.Wait() }()

	s.setPhase(PhaseRunning)
	s.log.Info("Server running", logger.KeyPID, os.Getpid())

	var out *outcome
	for out == nil {
		select {
		case req := <-s.events:
			out = s.handleRunning(req)
		case <-ctx.Done():
			out = s.handleRunning(request{event: EventTerminate})
		case <-gctx.Done():
			out = &outcome{code: ExitFailure, err: errors.New("a service stopped unexpectedly")}
		}
	}
	cancelLimits()

	if out.code == ExitLimit && !out.restart {
		// CPU limit: no drain.
		s.cancelSlots()
		s.teardown(false)
		s.setPhase(PhaseStopped)
		return &ExitError{Code: ExitLimit, Err: out.err}
	}

	aborted, bySignal := s.drain(out, cancelCron, cronDone)
	cancelSvc()
	select {
	case err := <-groupDone:
		if out.code == ExitFailure && err != nil {
			out.err = err
		}
	case <-s.clock.After(drainGrace):
		s.log.Warn("Services did not stop in time")
	}

	s.teardown(!aborted)
	s.setPhase(PhaseStopped)

	switch {
	case bySignal:
		return &ExitError{Code: ExitForced}
	case out.restart:
		return &ExitError{Code: out.code, Restart: true, Err: out.err}
	case out.code != ExitClean:
		return &ExitError{Code: out.code, Err: out.err}
	case aborted:
		return &ExitError{Code: ExitForced, Err: errors.New("shutdown timeout reached")}
	}
	return nil
}

// handleRunning applies one event in RUNNING. It returns nil while the
// process should keep running.
func (s *Supervisor) handleRunning(req request) *outcome {
	s.recordEvent(req.event)
	switch {
	case req.event.quit():
		s.quits.Add(1)
		s.log.Info("Shutdown requested; send the signal again to force", logger.KeyEvent, req.event.String())
		return &outcome{code: ExitClean}
	case req.event.restart():
		out := &outcome{restart: true, code: ExitRestart}
		if req.forced {
			out.forced, out.code = true, ExitLimit
		}
		if req.reason != "" {
			out.err = errors.New(req.reason)
		}
		s.restart.Store(true)
		s.log.Info("Restart requested", logger.KeyEvent, req.event.String(), "reason", req.reason, "forced", req.forced)
		return out
	case req.event == EventCPULimit:
		s.log.Error("CPU time limit exceeded, stopping immediately")
		return &outcome{code: ExitLimit, err: errors.New("cpu time limit exceeded")}
	default:
		s.handleInfo(req.event)
		return nil
	}
}

// handleInfo serves the events that never change the phase.
func (s *Supervisor) handleInfo(ev Event) {
	switch ev {
	case EventDumpStacks:
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		s.log.Info("Goroutine dump", "goroutines", runtime.NumGoroutine(), "stacks", string(buf[:n]))
	case EventLogStats:
		if s.opts.LogStats != nil {
			s.opts.LogStats()
		}
	}
}

// drain stops accepting work and waits for in-flight work, bounded by
// ShutdownTimeout. A second quit event or a CPU limit while draining
// cuts the wait short. It reports whether in-flight work was aborted and
// whether that was caused by an event.
func (s *Supervisor) drain(out *outcome, cancelCron context.CancelFunc, cronDone <-chan struct{}) (aborted, bySignal bool) {
	if out.restart {
		s.setPhase(PhaseReloading)
	} else {
		s.setPhase(PhaseDraining)
	}

	ctx, span := telemetry.StartSpan(context.Background(), telemetry.SpanDrain)
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := s.clock.AfterFunc(s.opts.Config.ShutdownTimeout, cancel)
	defer timer.Stop()

	var forced atomic.Bool
	stopWatch := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchDraining(stopWatch, cancel, &forced)
	}()
	defer func() {
		close(stopWatch)
		wg.Wait()
	}()

	if out.forced {
		cancel()
	}

	if s.opts.HTTP != nil {
		if err := s.opts.HTTP.Stop(ctx); err != nil {
			s.log.Warn("HTTP server did not drain", logger.Err(err))
		}
	}
	cancelCron()
	select {
	case <-cronDone:
	case <-ctx.Done():
	}
	if s.opts.Slots != nil {
		_ = s.opts.Slots.Wait(ctx)
	}

	if ctx.Err() == nil {
		s.log.Info("In-flight work drained")
		return false, false
	}
	n := s.cancelSlots()
	s.log.Warn("Drain cut short, cancelled in-flight work", logger.KeyInFlight, n)
	return true, forced.Load()
}

func (s *Supervisor) cancelSlots() int {
	if s.opts.Slots == nil {
		return 0
	}
	return s.opts.Slots.CancelAll()
}

// watchDraining handles events that arrive during the drain.
func (s *Supervisor) watchDraining(stop <-chan struct{}, cancel context.CancelFunc, forced *atomic.Bool) {
	for {
		select {
		case <-stop:
			return
		case req := <-s.events:
			s.recordEvent(req.event)
			switch {
			case req.event.quit(), req.event == EventCPULimit:
				if req.event.quit() {
					s.quits.Add(1)
				}
				s.log.Warn("Forced shutdown", logger.KeyEvent, req.event.String(), "quit_signals", s.quits.Load())
				forced.Store(true)
				cancel()
			case req.event.restart():
				s.log.Debug("Restart request ignored while draining", logger.KeyEvent, req.event.String())
			default:
				s.handleInfo(req.event)
			}
		}
	}
}

// teardown runs the stop hooks and closes the registry and the pools.
// It only runs after the drain, so no worker holds a connection unless
// the drain was forced, in which case the pools close busy connections
// on release.
func (s *Supervisor) teardown(runHooks bool) {
	if runHooks && len(s.opts.OnStop) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Config.ShutdownTimeout)
		for _, hook := range s.opts.OnStop {
			if err := hook(ctx); err != nil {
				s.log.Warn("Stop hook failed", logger.Err(err))
			}
		}
		cancel()
	}
	if s.opts.Registry != nil {
		s.opts.Registry.Close()
	}
	if s.opts.Pools != nil {
		s.opts.Pools.CloseAll()
	}
}

func (s *Supervisor) recordEvent(ev Event) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordEvent(ev.String())
	}
}
