package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/phoenixd/pkg/registry"
)

// memStore is an in-memory JobStore with per-tenant exclusive claims.
type memStore struct {
	mu      sync.Mutex
	now     func() time.Time
	tenants map[string]*memTenant
}

type memTenant struct {
	claim   sync.Mutex
	jobs    []Job
	lastErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{now: time.Now, tenants: make(map[string]*memTenant)}
}

func (s *memStore) add(database string, jobs ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[database]
	if !ok {
		t = &memTenant{lastErr: make(map[string]error)}
		s.tenants[database] = t
	}
	t.jobs = append(t.jobs, jobs...)
}

func (s *memStore) tenant(database string) *memTenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenants[database]
}

func (s *memStore) Process(ctx context.Context, database string, exec Executor) (int, error) {
	t := s.tenant(database)
	if t == nil {
		return 0, errors.New("relation \"cron_job\" does not exist")
	}
	if !t.claim.TryLock() {
		return 0, ErrJobLocked
	}
	defer t.claim.Unlock()

	n := 0
	for i := range t.jobs {
		now := s.now()
		if !t.jobs[i].Due(now) {
			continue
		}
		err := exec(ctx, Run{Database: database, Job: t.jobs[i]})
		t.lastErr[t.jobs[i].Name] = err
		t.jobs[i].LastCall = now
		t.jobs[i].NextCall = t.jobs[i].Advance(now)
		n++
	}
	return n, nil
}

func (s *memStore) lastErr(database, job string) error {
	t := s.tenant(database)
	t.claim.Lock()
	defer t.claim.Unlock()
	return t.lastErr[job]
}

// staticRegistries returns a fixed ready set.
type staticRegistries []registry.Named

func (r staticRegistries) Ready() []registry.Named { return r }

func ready(names ...string) staticRegistries {
	out := make(staticRegistries, len(names))
	for i, n := range names {
		out[i] = registry.Named{Name: n, Entry: &registry.Entry{Name: n, Ready: true, HasCron: true}}
	}
	return out
}

// fakeControl wakes on notifications pushed by fakeConnector.Notify.
type fakeControl struct {
	conn     *fakeConnector
	listened atomic.Bool
	closed   atomic.Bool
}

func (c *fakeControl) InRecovery(context.Context) (bool, error) {
	return c.conn.recovery.Load(), nil
}

func (c *fakeControl) Listen(_ context.Context, channel string) error {
	c.conn.mu.Lock()
	c.conn.channels = append(c.conn.channels, channel)
	c.conn.mu.Unlock()
	c.listened.Store(true)
	return nil
}

func (c *fakeControl) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if !c.listened.Load() {
		select {
		case <-time.After(timeout):
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	select {
	case <-c.conn.notify:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *fakeControl) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeConnector struct {
	mu       sync.Mutex
	failures int // Connect fails this many times first
	connects int
	controls []*fakeControl
	channels []string
	payloads []string
	recovery atomic.Bool
	notify   chan struct{}
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{notify: make(chan struct{}, 16)}
}

func (f *fakeConnector) Connect(context.Context) (Control, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	c := &fakeControl{conn: f}
	f.controls = append(f.controls, c)
	return c, nil
}

func (f *fakeConnector) Notify(_ context.Context, _ string, payload string) error {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeConnector) allClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.controls {
		if !c.closed.Load() {
			return false
		}
	}
	return true
}
