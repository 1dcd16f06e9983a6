package admission

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNeverAdmitsMoreThanCapacity(t *testing.T) {
	const capacity = 4
	a := New(capacity, nil)

	var (
		current, peak atomic.Int64
		admitted      atomic.Int64
		wg            sync.WaitGroup
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !a.TryAcquire(50 * time.Millisecond) {
				return
			}
			defer a.Release()
			admitted.Add(1)
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	assert.Positive(t, admitted.Load())
	assert.Zero(t, a.InFlight())
}

func TestTryAcquireTimesOutWhenFull(t *testing.T) {
	a := New(1, nil)
	require.True(t, a.TryAcquire(0))

	start := time.Now()
	assert.False(t, a.TryAcquire(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.False(t, a.TryAcquire(0))
	_, ok := a.Admit(context.Background(), 0)
	assert.False(t, ok)
	assert.ErrorIs(t, a.acquire(context.Background(), 0, false), ErrNotAdmitted)

	a.Release()
	assert.True(t, a.TryAcquire(0))
	a.Release()
}

func TestTryAcquireWakesOnRelease(t *testing.T) {
	a := New(1, nil)
	require.True(t, a.TryAcquire(0))

	got := make(chan bool, 1)
	go func() { got <- a.TryAcquire(5 * time.Second) }()

	time.Sleep(10 * time.Millisecond)
	a.Release()
	assert.True(t, <-got)
	assert.Equal(t, 1, a.InFlight())
	a.Release()
}

func TestAcquireHonorsContext(t *testing.T) {
	a := New(1, nil)
	require.NoError(t, a.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Acquire(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, a.InFlight())
	a.Release()
}

func TestAdmitReleaseIsOnce(t *testing.T) {
	a := New(2, nil)

	release, ok := a.Admit(context.Background(), 0)
	require.True(t, ok)
	assert.Equal(t, 1, a.InFlight())

	release()
	release()
	assert.Zero(t, a.InFlight())

	// both slots still available after the double call
	r1, ok1 := a.Admit(context.Background(), 0)
	r2, ok2 := a.Admit(context.Background(), 0)
	assert.True(t, ok1)
	assert.True(t, ok2)
	_, ok3 := a.Admit(context.Background(), 0)
	assert.False(t, ok3)
	r1()
	r2()
}

func TestOverReleaseIsIgnored(t *testing.T) {
	a := New(1, nil)
	a.Release()
	assert.Zero(t, a.InFlight())
	assert.True(t, a.TryAcquire(0))
	assert.False(t, a.TryAcquire(0))
	a.Release()
}

func TestDisabledCeilingCountsOnly(t *testing.T) {
	a := New(0, nil)
	assert.Zero(t, a.Capacity())
	for i := 0; i < 100; i++ {
		require.True(t, a.TryAcquire(0))
	}
	assert.Equal(t, 100, a.InFlight())
	for i := 0; i < 100; i++ {
		a.Release()
	}
	assert.Zero(t, a.InFlight())
}

func TestCapacityFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  *string
		want int
	}{
		{"Unset", nil, 8},
		{"Explicit", ptr("16"), 16},
		{"ZeroDisables", ptr("0"), 0},
		{"Garbage", ptr("lots"), 29}, // (64-6)/2
		{"Negative", ptr("-3"), 29},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env == nil {
				t.Setenv(EnvMaxHTTPWorkers, "")
				require.NoError(t, os.Unsetenv(EnvMaxHTTPWorkers))
			} else {
				t.Setenv(EnvMaxHTTPWorkers, *tt.env)
			}
			assert.Equal(t, tt.want, CapacityFromEnv(8, 64, 6))
		})
	}

	t.Run("FloorOfOne", func(t *testing.T) {
		t.Setenv(EnvMaxHTTPWorkers, "x")
		assert.Equal(t, 1, CapacityFromEnv(0, 2, 2))
	})
}

type recordingMetrics struct {
	mu       sync.Mutex
	admitted int
	rejected int
	inFlight int
}

func (m *recordingMetrics) ObserveAcquire(admitted bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if admitted {
		m.admitted++
	} else {
		m.rejected++
	}
}

func (m *recordingMetrics) SetInFlight(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = n
}

func TestMetrics(t *testing.T) {
	m := &recordingMetrics{}
	a := New(1, m)

	require.True(t, a.TryAcquire(0))
	assert.False(t, a.TryAcquire(0))
	assert.Equal(t, 1, m.inFlight)
	a.Release()

	assert.Equal(t, 1, m.admitted)
	assert.Equal(t, 1, m.rejected)
	assert.Zero(t, m.inFlight)
}

func ptr(s string) *string { return &s }
