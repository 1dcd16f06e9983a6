package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/marmos91/phoenixd/pkg/slots"
)

func dueJob(name, handler string) Job {
	return Job{ID: 1, Name: name, Handler: handler, Interval: time.Hour, NextCall: time.Now().Add(-time.Minute)}
}

// ============================================================================
// Tenant processing
// ============================================================================

func TestConcurrentClaimRunsJobOnce(t *testing.T) {
	store := newMemStore()
	store.add("tenant_a", dueJob("cleanup", "cleanup"))

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	s := New(Options{
		Store: store,
		Handlers: Handlers{"cleanup": func(context.Context, Run) error {
			calls.Add(1)
			close(started)
			<-release
			return nil
		}},
	})

	type result struct {
		n   int
		err error
	}
	first := make(chan result, 1)
	go func() {
		n, err := s.ProcessTenant(context.Background(), "cron-0", "tenant_a")
		first <- result{n, err}
	}()
	<-started

	n, err := s.ProcessTenant(context.Background(), "cron-1", "tenant_a")
	assert.ErrorIs(t, err, ErrJobLocked)
	assert.Zero(t, n)

	close(release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.n)

	// once the claim is released the job is no longer due
	n, err = s.ProcessTenant(context.Background(), "cron-1", "tenant_a")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, s.Stats().JobsRun)
}

func TestRacingWorkersNeverDoubleProcess(t *testing.T) {
	store := newMemStore()
	store.add("tenant_a", dueJob("report", "report"))

	var calls atomic.Int32
	s := New(Options{
		Store:    store,
		Handlers: Handlers{"report": func(context.Context, Run) error { calls.Add(1); return nil }},
	})

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := s.ProcessTenant(context.Background(), "cron-x", "tenant_a"); err == nil && n == 1 {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, successes.Load())
}

func TestMissingHandlerIsRecordedAndSkipped(t *testing.T) {
	store := newMemStore()
	store.add("tenant_a", dueJob("orphan", "gone"))
	s := New(Options{Store: store, Handlers: Handlers{}})

	n, err := s.ProcessTenant(context.Background(), "cron-0", "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var je *JobError
	require.ErrorAs(t, store.lastErr("tenant_a", "orphan"), &je)
	assert.ErrorIs(t, je, ErrNoHandler)
	assert.EqualValues(t, 1, s.Stats().JobErrors)
}

func TestJobFailureDoesNotStopOtherJobs(t *testing.T) {
	store := newMemStore()
	bad, good := dueJob("bad", "fail"), dueJob("good", "ok")
	good.ID = 2
	store.add("tenant_a", bad, good)

	var ran atomic.Bool
	s := New(Options{
		Store: store,
		Handlers: Handlers{
			"fail": func(context.Context, Run) error { return errors.New("constraint violation") },
			"ok":   func(context.Context, Run) error { ran.Store(true); return nil },
		},
	})

	n, err := s.ProcessTenant(context.Background(), "cron-0", "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, ran.Load())
	assert.Error(t, store.lastErr("tenant_a", "bad"))
	assert.NoError(t, store.lastErr("tenant_a", "good"))
}

func TestHandlerPanicIsContained(t *testing.T) {
	store := newMemStore()
	store.add("tenant_a", dueJob("boom", "panic"))
	s := New(Options{
		Store:    store,
		Handlers: Handlers{"panic": func(context.Context, Run) error { panic("nil map") }},
	})

	var n int
	var err error
	require.NotPanics(t, func() {
		n, err = s.ProcessTenant(context.Background(), "cron-0", "tenant_a")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorContains(t, store.lastErr("tenant_a", "boom"), "panic: nil map")
}

func TestTenantFailureIsReturned(t *testing.T) {
	s := New(Options{Store: newMemStore()})
	_, err := s.ProcessTenant(context.Background(), "cron-0", "unknown")
	assert.Error(t, err)
	assert.EqualValues(t, 1, s.Stats().Tenants)
}

func TestProcessTenantHoldsCronSlot(t *testing.T) {
	store := newMemStore()
	store.add("tenant_a", dueJob("slow", "slow"))
	tracker := slots.NewTracker(nil)

	var inFlight int
	var label string
	s := New(Options{
		Store: store,
		Slots: tracker,
		Handlers: Handlers{"slow": func(context.Context, Run) error {
			inFlight = tracker.InFlight(slots.KindCron)
			label = tracker.Snapshot()[0].Label
			return nil
		}},
	})

	_, err := s.ProcessTenant(context.Background(), "cron-3", "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, 1, inFlight)
	assert.Equal(t, "cron-3:tenant_a", label)
	assert.Zero(t, tracker.InFlight())
}

func TestCancelledSlotReachesHandler(t *testing.T) {
	store := newMemStore()
	store.add("tenant_a", dueJob("long", "long"))
	tracker := slots.NewTracker(nil)

	s := New(Options{
		Store: store,
		Slots: tracker,
		Handlers: Handlers{"long": func(ctx context.Context, _ Run) error {
			tracker.CancelAll()
			<-ctx.Done()
			return ctx.Err()
		}},
	})

	_, err := s.ProcessTenant(context.Background(), "cron-0", "tenant_a")
	require.NoError(t, err)
	assert.ErrorIs(t, store.lastErr("tenant_a", "long"), context.Canceled)
}

// ============================================================================
// Worker loop
// ============================================================================

func runScheduler(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestWorkerProcessesOnNotification(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newMemStore()
	conn := newFakeConnector()
	processed := make(chan string, 4)

	s := New(Options{
		Workers:      1,
		PollInterval: time.Hour,
		Connector:    conn,
		Store:        store,
		Registries:   ready("tenant_a"),
		Handlers: Handlers{"mail": func(_ context.Context, r Run) error {
			processed <- r.Database
			return nil
		}},
	})
	stop := runScheduler(t, s)

	require.Eventually(t, func() bool { return conn.connectCount() == 1 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.channels) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, "cron_trigger", conn.channels[0])

	store.add("tenant_a", dueJob("digest", "mail"))
	require.NoError(t, s.Trigger(context.Background(), "tenant_a"))

	select {
	case db := <-processed:
		assert.Equal(t, "tenant_a", db)
	case <-time.After(5 * time.Second):
		t.Fatal("notification did not wake the worker")
	}

	stop()
	assert.True(t, conn.allClosed(), "control connection released on stop")
	assert.Equal(t, []string{"tenant_a"}, conn.payloads)
}

func TestWorkerPollsWithoutNotification(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newMemStore()
	store.add("tenant_a", dueJob("digest", "mail"))
	var calls atomic.Int32

	s := New(Options{
		Workers:      1,
		PollInterval: 5 * time.Millisecond,
		Connector:    newFakeConnector(),
		Store:        store,
		Registries:   ready("tenant_a"),
		Handlers:     Handlers{"mail": func(context.Context, Run) error { calls.Add(1); return nil }},
	})
	stop := runScheduler(t, s)
	defer stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Positive(t, s.Stats().Wakeups)
}

func TestStandbyWorkerDoesNotClaim(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newMemStore()
	store.add("tenant_a", dueJob("digest", "mail"))
	conn := newFakeConnector()
	conn.recovery.Store(true)
	var calls atomic.Int32

	s := New(Options{
		Workers:      1,
		PollInterval: 2 * time.Millisecond,
		Connector:    conn,
		Store:        store,
		Registries:   ready("tenant_a"),
		Handlers:     Handlers{"mail": func(context.Context, Run) error { calls.Add(1); return nil }},
	})
	stop := runScheduler(t, s)
	defer stop()

	require.Eventually(t, func() bool { return s.Stats().Wakeups >= 5 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, s.Stats().Standby)
	conn.mu.Lock()
	assert.Empty(t, conn.channels, "no LISTEN during recovery")
	conn.mu.Unlock()

	// promotion arms the trigger and resumes processing
	conn.recovery.Store(false)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, s.Stats().Standby)
}

func TestWorkerRetriesControlConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newFakeConnector()
	conn.failures = 2

	s := New(Options{
		Workers:      1,
		PollInterval: time.Hour,
		RetryDelay:   time.Millisecond,
		Connector:    conn,
		Store:        newMemStore(),
		Registries:   ready(),
	})
	stop := runScheduler(t, s)
	defer stop()

	require.Eventually(t, func() bool { return conn.connectCount() == 3 }, 5*time.Second, time.Millisecond)
}

func TestWorkerRecyclesAfterMaxAge(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newFakeConnector()
	s := New(Options{
		Workers:      1,
		PollInterval: time.Millisecond,
		WorkerMaxAge: time.Nanosecond,
		Connector:    conn,
		Store:        newMemStore(),
		Registries:   ready(),
	})
	stop := runScheduler(t, s)

	require.Eventually(t, func() bool { return conn.connectCount() >= 3 }, 5*time.Second, time.Millisecond)
	stop()
	assert.True(t, conn.allClosed())
}

func TestRunTwiceFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(Options{Workers: 0})
	stop := runScheduler(t, s)
	require.Eventually(t, func() bool { return s.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
	stop()
}
