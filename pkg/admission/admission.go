// Package admission bounds the number of concurrent request workers with a
// counting semaphore. When the ceiling is reached callers wait a short,
// bounded time and then back off instead of spawning more work.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/marmos91/phoenixd/internal/logger"
)

// EnvMaxHTTPWorkers overrides the configured ceiling.
const EnvMaxHTTPWorkers = "PHOENIXD_MAX_HTTP_WORKERS"

// ErrNotAdmitted is returned when no slot became free within the timeout.
var ErrNotAdmitted = errors.New("admission: no worker slot available")

// Metrics receives admission observations. A nil Metrics disables
// collection.
type Metrics interface {
	ObserveAcquire(admitted bool, wait time.Duration)
	SetInFlight(n int)
}

// Admission is safe for concurrent use. A zero capacity admits everyone
// and only counts in-flight work.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
	metrics  Metrics
	log      *slog.Logger
}

// New creates an Admission admitting at most capacity workers at once.
// capacity <= 0 disables the ceiling.
func New(capacity int, metrics Metrics) *Admission {
	a := &Admission{
		metrics: metrics,
		log:     logger.With(logger.KeyComponent, "admission"),
	}
	if capacity > 0 {
		a.capacity = capacity
		a.sem = semaphore.NewWeighted(int64(capacity))
	}
	return a
}

// CapacityFromEnv resolves the ceiling. Without the environment variable
// the configured value is used. A value that is not a non-negative integer
// falls back to half of the connections left over by cron workers, and
// never less than one.
func CapacityFromEnv(configured, maxConn, cronWorkers int) int {
	raw, ok := os.LookupEnv(EnvMaxHTTPWorkers)
	if !ok {
		return configured
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil && n >= 0 {
		return n
	}
	return max((maxConn-cronWorkers)/2, 1)
}

// Capacity returns the ceiling, 0 when disabled.
func (a *Admission) Capacity() int {
	return a.capacity
}

// InFlight returns the number of admitted workers not yet released.
func (a *Admission) InFlight() int {
	return int(a.inFlight.Load())
}

// TryAcquire admits one worker, waiting at most timeout for a free slot.
// A successful call must be paired with exactly one Release.
func (a *Admission) TryAcquire(timeout time.Duration) bool {
	return a.acquire(context.Background(), timeout, false) == nil
}

// Acquire admits one worker, waiting until ctx is done.
func (a *Admission) Acquire(ctx context.Context) error {
	return a.acquire(ctx, 0, true)
}

func (a *Admission) acquire(ctx context.Context, timeout time.Duration, block bool) error {
	start := time.Now()
	err := a.wait(ctx, timeout, block)
	if a.metrics != nil {
		a.metrics.ObserveAcquire(err == nil, time.Since(start))
	}
	if err != nil {
		if ctx.Err() == nil {
			return ErrNotAdmitted
		}
		return err
	}
	a.setInFlight(a.inFlight.Add(1))
	return nil
}

func (a *Admission) wait(ctx context.Context, timeout time.Duration, block bool) error {
	if a.sem == nil {
		return ctx.Err()
	}
	if !block && timeout <= 0 {
		if a.sem.TryAcquire(1) {
			return nil
		}
		return context.DeadlineExceeded
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return a.sem.Acquire(ctx, 1)
}

// Release frees one slot. Releasing more than was acquired is logged and
// ignored.
func (a *Admission) Release() {
	n := a.inFlight.Add(-1)
	if n < 0 {
		a.inFlight.Add(1)
		a.log.Error("admission released more times than acquired")
		return
	}
	if a.sem != nil {
		a.sem.Release(1)
	}
	a.setInFlight(n)
}

// Admit is TryAcquire returning a release function that is safe to call
// more than once; only the first call frees the slot. It reports false
// when no slot became free in time or ctx ended.
func (a *Admission) Admit(ctx context.Context, timeout time.Duration) (release func(), ok bool) {
	if err := a.acquire(ctx, timeout, false); err != nil {
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(a.Release) }, true
}

func (a *Admission) setInFlight(n int64) {
	if a.metrics != nil {
		a.metrics.SetInFlight(int(n))
	}
}
