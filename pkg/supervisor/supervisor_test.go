package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/marmos91/phoenixd/pkg/config"
	"github.com/marmos91/phoenixd/pkg/slots"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Fakes
// ============================================================================

// journal records the order of lifecycle side effects.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeHTTP struct {
	j *journal
	// stuck makes Stop wait until its context ends.
	stuck   bool
	stopped chan struct{}
	once    sync.Once
}

func newFakeHTTP(j *journal) *fakeHTTP {
	return &fakeHTTP{j: j, stopped: make(chan struct{})}
}

func (f *fakeHTTP) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-f.stopped:
	}
	return nil
}

func (f *fakeHTTP) Stop(ctx context.Context) error {
	f.j.add("http.stop")
	defer f.once.Do(func() { close(f.stopped) })
	if f.stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

type fakeCron struct {
	j   *journal
	err error
}

func (f *fakeCron) Run(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	f.j.add("cron.stop")
	return nil
}

type fakeRegistry struct{ j *journal }

func (f fakeRegistry) Close() { f.j.add("registry.close") }

type fakePools struct{ j *journal }

func (f fakePools) CloseAll() { f.j.add("pools.close") }

type recordingMetrics struct {
	mu     sync.Mutex
	phases []string
	events []string
	limits []string
}

func (m *recordingMetrics) SetPhase(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, p)
}

func (m *recordingMetrics) RecordEvent(e string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *recordingMetrics) RecordLimit(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = append(m.limits, k)
}

func (m *recordingMetrics) SetMemory(uint64) {}

type harness struct {
	sup  *Supervisor
	j    *journal
	http *fakeHTTP
	errc chan error
}

func baseOptions(j *journal) Options {
	return Options{
		Config: config.SupervisorConfig{
			SleepInterval:   time.Minute,
			PollInterval:    time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Cron:     &fakeCron{j: j},
		Slots:    slots.NewTracker(nil),
		Registry: fakeRegistry{j},
		Pools:    fakePools{j},
		OnStop: []func(context.Context) error{
			func(context.Context) error { j.add("hook"); return nil },
		},
	}
}

func start(t *testing.T, ctx context.Context, mutate func(*Options, *journal)) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{j: j, http: newFakeHTTP(j), errc: make(chan error, 1)}
	opts := baseOptions(j)
	opts.HTTP = h.http
	if mutate != nil {
		mutate(&opts, j)
	}
	h.sup = New(opts)
	go func() { h.errc <- h.sup.Run(ctx) }()
	require.Eventually(t, func() bool { return h.sup.Phase() == PhaseRunning }, 2*time.Second, time.Millisecond)
	return h
}

func (h *harness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func exitError(t *testing.T, err error) *ExitError {
	t.Helper()
	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	return ee
}

// ============================================================================
// Stop
// ============================================================================

func TestTerminateDrainsThenClosesResources(t *testing.T) {
	m := &recordingMetrics{}
	h := start(t, context.Background(), func(o *Options, _ *journal) { o.Metrics = m })

	h.sup.Post(EventTerminate)

	require.NoError(t, h.result(t))
	assert.Equal(t, []string{"http.stop", "cron.stop", "hook", "registry.close", "pools.close"}, h.j.list())
	assert.Equal(t, PhaseStopped, h.sup.Phase())

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"STARTING", "RUNNING", "DRAINING", "STOPPED"}, m.phases)
	assert.Equal(t, []string{"terminate"}, m.events)
}

func TestCancelledContextIsATerminateRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := start(t, ctx, nil)

	cancel()

	require.NoError(t, h.result(t))
	assert.Contains(t, h.j.list(), "pools.close")
}

func TestSecondQuitForcesStop(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.http.stuck = true

	h.sup.Post(EventInterrupt)
	require.Eventually(t, func() bool { return h.sup.Phase() == PhaseDraining }, 2*time.Second, time.Millisecond)
	h.sup.Post(EventInterrupt)

	ee := exitError(t, h.result(t))
	assert.Equal(t, ExitForced, ee.Code)
	assert.False(t, ee.Restart)
	assert.Equal(t, 2, ExitCodeOf(ee))
	assert.Equal(t, State{Phase: "STOPPED", QuitSignalsReceived: 2}, h.sup.State())

	entries := h.j.list()
	assert.NotContains(t, entries, "hook", "stop hooks are skipped on a forced stop")
	assert.Equal(t, []string{"registry.close", "pools.close"}, entries[len(entries)-2:])
}

func TestRestartEventsDuringDrainAreIgnored(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.http.stuck = true

	h.sup.Post(EventTerminate)
	require.Eventually(t, func() bool { return h.sup.Phase() == PhaseDraining }, 2*time.Second, time.Millisecond)
	h.sup.Post(EventHangup)
	h.sup.Post(EventReload)
	h.sup.Post(EventTerminate)

	ee := exitError(t, h.result(t))
	assert.Equal(t, ExitForced, ee.Code)
	assert.False(t, ee.Restart)
}

func TestDrainTimeoutCancelsInFlightWork(t *testing.T) {
	clk := testclock.NewClock(t0)
	tracker := slots.NewTracker(clk)
	h := start(t, context.Background(), func(o *Options, _ *journal) {
		o.Clock = clk
		o.Slots = tracker
		o.HTTP = nil
		o.Cron = nil
	})

	workCtx, done := tracker.Start(context.Background(), slots.KindHTTP, "GET /export")
	go func() {
		<-workCtx.Done()
		done()
	}()

	h.sup.Post(EventTerminate)
	// The limit check and the drain deadline.
	require.NoError(t, clk.WaitAdvance(10*time.Second, 2*time.Second, 2))

	ee := exitError(t, h.result(t))
	assert.Equal(t, ExitForced, ee.Code)
	assert.Error(t, workCtx.Err())
	assert.NotContains(t, h.j.list(), "hook")
	assert.Contains(t, h.j.list(), "pools.close")
}

// ============================================================================
// Restart
// ============================================================================

func TestHangupRequestsRestart(t *testing.T) {
	h := start(t, context.Background(), nil)

	h.sup.Post(EventHangup)
	require.Eventually(t, func() bool {
		p := h.sup.Phase()
		return p == PhaseReloading || p == PhaseStopped
	}, 2*time.Second, time.Millisecond)

	ee := exitError(t, h.result(t))
	assert.Equal(t, ExitRestart, ee.Code)
	assert.True(t, ee.Restart)
	assert.Equal(t, 5, ExitCodeOf(ee))
	assert.Contains(t, h.j.list(), "hook", "a restart drains gracefully")
	st := h.sup.State()
	assert.True(t, st.RestartRequested)
	assert.Zero(t, st.QuitSignalsReceived)
}

func TestMemoryLimitRestartsIdleServer(t *testing.T) {
	clk := testclock.NewClock(t0)
	h := start(t, context.Background(), func(o *Options, _ *journal) {
		o.Clock = clk
		o.Slots = slots.NewTracker(clk)
		o.Memory = memoryAt(3 * gib)
		o.Limits.MemorySoft = 2 * gib
	})

	require.NoError(t, clk.WaitAdvance(time.Minute, 2*time.Second, 1))

	ee := exitError(t, h.result(t))
	assert.Equal(t, ExitRestart, ee.Code)
	assert.True(t, ee.Restart)
	assert.Contains(t, ee.Error(), "memory")
}

func TestLimitForcesRestartWhenWorkDoesNotDrain(t *testing.T) {
	clk := testclock.NewClock(t0)
	tracker := slots.NewTracker(clk)
	h := start(t, context.Background(), func(o *Options, _ *journal) {
		o.Clock = clk
		o.Slots = tracker
		o.Memory = memoryAt(3 * gib)
		o.Limits.MemorySoft = 2 * gib
	})

	workCtx, done := tracker.Start(context.Background(), slots.KindHTTP, "GET /export")
	go func() {
		<-workCtx.Done()
		done()
	}()

	assert.False(t, h.sup.State().RestartRequested)
	require.NoError(t, clk.WaitAdvance(time.Minute, 2*time.Second, 1))
	require.Eventually(t, func() bool { return h.sup.State().LimitReachedAt != nil }, 2*time.Second, time.Millisecond)
	assert.WithinDuration(t, t0.Add(time.Minute), *h.sup.State().LimitReachedAt, 0)
	assert.Equal(t, "RUNNING", h.sup.State().Phase)
	for i := 0; i < 60; i++ {
		require.NoError(t, clk.WaitAdvance(time.Second, 2*time.Second, 1))
	}

	ee := exitError(t, h.result(t))
	assert.Equal(t, ExitLimit, ee.Code)
	assert.True(t, ee.Restart)
	assert.Equal(t, 4, ExitCodeOf(ee))
	assert.Error(t, workCtx.Err(), "a forced drain cancels in-flight work")
	assert.True(t, h.sup.State().RestartRequested)
}

// ============================================================================
// Other events
// ============================================================================

func TestCPULimitStopsImmediately(t *testing.T) {
	h := start(t, context.Background(), nil)

	h.sup.Post(EventCPULimit)

	ee := exitError(t, h.result(t))
	assert.Equal(t, ExitLimit, ee.Code)
	assert.False(t, ee.Restart)
	assert.NotContains(t, h.j.list(), "http.stop")
	assert.Contains(t, h.j.list(), "pools.close")
}

func TestInformationalEventsKeepRunning(t *testing.T) {
	stats := make(chan struct{}, 1)
	h := start(t, context.Background(), func(o *Options, _ *journal) {
		o.LogStats = func() { stats <- struct{}{} }
	})

	h.sup.Post(EventDumpStacks)
	h.sup.Post(EventLogStats)
	select {
	case <-stats:
	case <-time.After(2 * time.Second):
		t.Fatal("stats were not logged")
	}
	assert.Equal(t, PhaseRunning, h.sup.Phase())

	h.sup.Post(EventTerminate)
	require.NoError(t, h.result(t))
}

func TestServiceFailureStopsTheProcess(t *testing.T) {
	boom := errors.New("control database gone")
	j := &journal{}
	opts := baseOptions(j)
	opts.HTTP = newFakeHTTP(j)
	opts.Cron = &fakeCron{j: j, err: boom}

	err := New(opts).Run(context.Background())

	ee := exitError(t, err)
	assert.Equal(t, ExitFailure, ee.Code)
	assert.ErrorIs(t, ee, boom)
	assert.Contains(t, j.list(), "hook")
}

func TestRunTwice(t *testing.T) {
	h := start(t, context.Background(), nil)
	assert.ErrorIs(t, h.sup.Run(context.Background()), ErrAlreadyRunning)

	h.sup.Post(EventTerminate)
	require.NoError(t, h.result(t))
}

func TestPIDFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "phoenixd.pid")
	h := start(t, context.Background(), func(o *Options, _ *journal) { o.Config.PidFile = path })

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	h.sup.Post(EventTerminate)
	require.NoError(t, h.result(t))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFileFailureIsAStartupError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	opts := baseOptions(&journal{})
	opts.Config.PidFile = filepath.Join(blocker, "phoenixd.pid")
	err := New(opts).Run(context.Background())

	assert.Equal(t, 3, ExitCodeOf(err))
}

func TestPostAfterStopDoesNotBlock(t *testing.T) {
	h := start(t, context.Background(), nil)
	h.sup.Post(EventTerminate)
	require.NoError(t, h.result(t))

	for i := 0; i < 32; i++ {
		h.sup.Post(EventInterrupt)
	}
}
