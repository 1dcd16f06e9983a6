// Package registry keeps a bounded, least-recently-used cache of loaded
// tenant registries keyed by database name.
//
// Request workers look registries up by name and the cron scheduler
// enumerates the ready ones. Both go through a single mutex; enumeration
// returns a snapshot so no lock is held while jobs run. Evicted entries are
// handed to a teardown hook after the lock is released.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/juju/clock"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/internal/telemetry"
)

// ErrClosed is returned by GetOrCreate after Close.
var ErrClosed = errors.New("registry: cache closed")

// Entry is one loaded tenant registry.
type Entry struct {
	Name string

	// Ready is set by the loader once the tenant can serve work.
	Ready bool

	// HasCron reports whether the tenant database carries a job table.
	HasCron bool

	LoadedAt time.Time
}

// Loader builds the entry for a database. Failed loads are not cached.
type Loader interface {
	Load(ctx context.Context, name string) (*Entry, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, name string) (*Entry, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, name string) (*Entry, error) {
	return f(ctx, name)
}

// Metrics receives cache observations. A nil Metrics disables collection.
type Metrics interface {
	RecordLookup(hit bool)
	RecordLoad(d time.Duration, err error)
	RecordEviction()
	SetEntries(n int)
}

// Options configure a Cache.
type Options struct {
	Capacity int
	Loader   Loader

	// Teardown runs for every entry leaving the cache (eviction, Remove
	// or Close), outside the cache lock.
	Teardown func(*Entry)

	Clock   clock.Clock
	Metrics Metrics
}

// Named pairs an entry with its key in a snapshot.
type Named struct {
	Name  string
	Entry *Entry
}

// Stats are cumulative cache counters.
type Stats struct {
	Capacity   int    `json:"capacity"`
	Entries    int    `json:"entries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	LoadErrors uint64 `json:"load_errors"`
}

// Cache is safe for concurrent use.
type Cache struct {
	opts  Options
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	lru     *simplelru.LRU
	loading map[string]*call
	removed []*Entry // filled by the eviction callback under mu
	stats   Stats
	closed  bool
}

// call is an in-flight load shared by concurrent callers.
type call struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// New creates a Cache. A capacity below 1 is treated as 1.
func New(opts Options) *Cache {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	c := &Cache{
		opts:    opts,
		clock:   opts.Clock,
		log:     logger.With(logger.KeyComponent, "registry"),
		loading: make(map[string]*call),
	}
	// NewLRU only fails for a non-positive size.
	c.lru, _ = simplelru.NewLRU(opts.Capacity, func(_, value interface{}) {
		c.removed = append(c.removed, value.(*Entry))
	})
	c.stats.Capacity = opts.Capacity
	return c
}

// Capacity returns the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.opts.Capacity
}

// GetOrCreate returns the entry for name, loading it on a miss. The entry
// becomes the most recently used. When the cache is full the least
// recently used entry is evicted before the new one is inserted.
// Concurrent calls for the same name share one load.
func (c *Cache) GetOrCreate(ctx context.Context, name string) (*Entry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if v, ok := c.lru.Get(name); ok {
		c.stats.Hits++
		c.mu.Unlock()
		c.recordLookup(true)
		return v.(*Entry), nil
	}
	c.stats.Misses++
	if inflight, ok := c.loading[name]; ok {
		c.mu.Unlock()
		c.recordLookup(false)
		select {
		case <-inflight.done:
			return inflight.entry, inflight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.loading[name] = cl
	c.mu.Unlock()
	c.recordLookup(false)

	cl.entry, cl.err = c.load(ctx, name)

	c.mu.Lock()
	delete(c.loading, name)
	var orphan *Entry
	switch {
	case cl.err != nil:
		c.stats.LoadErrors++
	case c.closed:
		orphan, cl.entry, cl.err = cl.entry, nil, ErrClosed
	default:
		if c.lru.Add(name, cl.entry) {
			c.stats.Evictions++
			if c.opts.Metrics != nil {
				c.opts.Metrics.RecordEviction()
			}
		}
	}
	removed := c.takeRemovedLocked()
	n := c.lru.Len()
	c.mu.Unlock()
	close(cl.done)

	if orphan != nil {
		removed = append(removed, orphan)
	}
	c.teardown(removed, "evicted")
	c.setEntries(n)
	return cl.entry, cl.err
}

func (c *Cache) load(ctx context.Context, name string) (*Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRegistryLoad)
	defer span.End()
	span.SetAttributes(telemetry.Database(name))

	start := c.clock.Now()
	entry, err := c.opts.Loader.Load(ctx, name)
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordLoad(c.clock.Now().Sub(start), err)
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		c.log.Warn("failed to load registry", logger.KeyDatabase, name, logger.Err(err))
		return nil, err
	}
	if entry.Name == "" {
		entry.Name = name
	}
	if entry.LoadedAt.IsZero() {
		entry.LoadedAt = c.clock.Now()
	}
	c.log.Debug("registry loaded", logger.KeyDatabase, name, "ready", entry.Ready)
	return entry, nil
}

// Touch marks name as most recently used. It reports whether name is
// cached.
func (c *Cache) Touch(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Get(name)
	return ok
}

// Peek returns the entry for name without changing its recency.
func (c *Cache) Peek(name string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Peek(name)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// All returns a point-in-time snapshot ordered from least to most
// recently used.
func (c *Cache) All() []Named {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.lru.Keys()
	out := make([]Named, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.lru.Peek(k); ok {
			out = append(out, Named{Name: k.(string), Entry: v.(*Entry)})
		}
	}
	return out
}

// Ready returns the snapshot restricted to ready entries.
func (c *Cache) Ready() []Named {
	all := c.All()
	out := all[:0]
	for _, n := range all {
		if n.Entry.Ready {
			out = append(out, n)
		}
	}
	return out
}

// Remove drops name from the cache, running its teardown. It reports
// whether name was cached.
func (c *Cache) Remove(name string) bool {
	c.mu.Lock()
	ok := c.lru.Remove(name)
	removed := c.takeRemovedLocked()
	n := c.lru.Len()
	c.mu.Unlock()

	c.teardown(removed, "removed")
	c.setEntries(n)
	return ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	return s
}

// Close tears down every entry. Later GetOrCreate calls fail with
// ErrClosed; loads in flight are torn down when they finish.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.lru.Purge()
	removed := c.takeRemovedLocked()
	c.mu.Unlock()

	c.teardown(removed, "closed")
	c.setEntries(0)
	c.log.Info("registry cache closed", "torn_down", len(removed))
}

func (c *Cache) takeRemovedLocked() []*Entry {
	removed := c.removed
	c.removed = nil
	return removed
}

func (c *Cache) teardown(entries []*Entry, reason string) {
	for _, e := range entries {
		c.log.Debug("registry torn down", logger.KeyDatabase, e.Name, "reason", reason)
		if c.opts.Teardown != nil {
			c.opts.Teardown(e)
		}
	}
}

func (c *Cache) recordLookup(hit bool) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordLookup(hit)
	}
}

func (c *Cache) setEntries(n int) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.SetEntries(n)
	}
}
