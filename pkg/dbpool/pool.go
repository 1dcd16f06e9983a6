// Package dbpool lends physical database connections to request and cron
// workers under one global capacity bound shared by every database name.
//
// Each database name has its own bucket of idle connections guarded by its
// own mutex, so tenants do not contend with each other. Capacity is a token
// set of size MaxConn: a token is held for every idle or busy connection
// (and while one is being dialed), which keeps busy+idle <= MaxConn at all
// times. When the pool is full, the oldest idle connection across all
// buckets is closed to make room.
package dbpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/internal/telemetry"
)

// ExhaustionPolicy selects what Borrow does when the pool is full and
// nothing idle can be evicted.
type ExhaustionPolicy int

const (
	// PolicyWait blocks up to Options.BorrowTimeout for a release.
	PolicyWait ExhaustionPolicy = iota
	// PolicyFail returns ErrPoolExhausted immediately.
	PolicyFail
)

// ParsePolicy maps "wait" and "fail" to a policy. Anything else is wait.
func ParsePolicy(s string) ExhaustionPolicy {
	if s == "fail" {
		return PolicyFail
	}
	return PolicyWait
}

func (p ExhaustionPolicy) String() string {
	if p == PolicyFail {
		return "fail"
	}
	return "wait"
}

// Metrics receives pool observations. A nil Metrics disables collection.
type Metrics interface {
	ObserveBorrow(readOnly bool, outcome string, d time.Duration)
	RecordClose(readOnly bool, reason string)
	SetConnections(readOnly bool, busy, idle int)
}

// Borrow outcomes and close reasons reported to Metrics.
const (
	OutcomeReused    = "reused"
	OutcomeOpened    = "opened"
	OutcomeExhausted = "exhausted"
	OutcomeError     = "error"

	CloseDead     = "dead"
	CloseIdle     = "idle_timeout"
	CloseEvicted  = "evicted"
	CloseDiscard  = "discarded"
	CloseResetErr = "reset_failed"
	CloseShutdown = "shutdown"
)

// Options configure a Pool.
type Options struct {
	// MaxConn bounds busy+idle connections across all databases.
	MaxConn int

	// MaxIdleTime closes idle connections unused for longer, on borrow.
	// Zero disables the check.
	MaxIdleTime time.Duration

	Policy ExhaustionPolicy

	// BorrowTimeout bounds the wait under PolicyWait.
	BorrowTimeout time.Duration

	// ReadOnly marks every connection as read-only (replica pool).
	ReadOnly bool

	Clock   clock.Clock
	Metrics Metrics
}

// Resolver turns a database name into connection info.
type Resolver func(name string, readOnly bool) (ConnInfo, error)

// Pool lends connections. It is safe for concurrent use.
type Pool struct {
	dialer  Dialer
	resolve Resolver
	opts    Options
	clock   clock.Clock
	log     *slog.Logger

	slots chan struct{}

	mu      sync.Mutex
	buckets map[string]*bucket
	waitCh  chan struct{}

	// closed is set under mu and read by release under a bucket lock.
	closed atomic.Bool
}

type bucket struct {
	mu   sync.Mutex
	name string
	info ConnInfo
	idle []*entry // oldest first; Borrow takes from the end
	busy int
}

type entry struct {
	conn     Conn
	openedAt time.Time
	lastUsed time.Time
}

// New creates a Pool. resolve maps database names to connection info.
func New(dialer Dialer, resolve Resolver, opts Options) *Pool {
	if opts.MaxConn <= 0 {
		opts.MaxConn = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	mode := "read-write"
	if opts.ReadOnly {
		mode = "read-only"
	}
	return &Pool{
		dialer:  dialer,
		resolve: resolve,
		opts:    opts,
		clock:   opts.Clock,
		log:     logger.With(logger.KeyComponent, "dbpool", "mode", mode),
		slots:   make(chan struct{}, opts.MaxConn),
		buckets: make(map[string]*bucket),
		waitCh:  make(chan struct{}),
	}
}

// MaxConn returns the capacity bound.
func (p *Pool) MaxConn() int {
	return p.opts.MaxConn
}

// ReadOnly reports whether this is a replica pool.
func (p *Pool) ReadOnly() bool {
	return p.opts.ReadOnly
}

// Borrow lends a connection to database. The handle must be released
// exactly once.
func (p *Pool) Borrow(ctx context.Context, database string) (*Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanPoolBorrow)
	defer span.End()
	span.SetAttributes(telemetry.Database(database), telemetry.ReadOnly(p.opts.ReadOnly))

	start := p.clock.Now()
	h, outcome, err := p.borrow(ctx, database)
	if p.opts.Metrics != nil {
		p.opts.Metrics.ObserveBorrow(p.opts.ReadOnly, outcome, p.clock.Now().Sub(start))
	}
	p.reportConnections()
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	return h, nil
}

func (p *Pool) borrow(ctx context.Context, database string) (*Handle, string, error) {
	b, err := p.bucket(database)
	if err != nil {
		return nil, OutcomeError, err
	}

	var deadline <-chan time.Time
	for {
		wait, closed := p.waitChan()
		if closed {
			return nil, OutcomeError, ErrPoolClosed
		}

		if h := p.reuseIdle(ctx, b); h != nil {
			return h, OutcomeReused, nil
		}

		if p.takeSlot() {
			h, err := p.open(ctx, b)
			if err != nil {
				return nil, OutcomeError, err
			}
			return h, OutcomeOpened, nil
		}

		if p.opts.Policy == PolicyFail || p.opts.BorrowTimeout <= 0 {
			p.log.Warn("connection pool exhausted", logger.KeyDatabase, database, logger.KeyCapacity, p.opts.MaxConn)
			return nil, OutcomeExhausted, ErrPoolExhausted
		}

		if deadline == nil {
			deadline = p.clock.After(p.opts.BorrowTimeout)
		}
		select {
		case <-wait:
		case <-deadline:
			p.log.Warn("connection pool exhausted after waiting",
				logger.KeyDatabase, database,
				logger.KeyCapacity, p.opts.MaxConn,
				logger.KeyDuration, p.opts.BorrowTimeout)
			return nil, OutcomeExhausted, ErrPoolExhausted
		case <-ctx.Done():
			return nil, OutcomeError, ctx.Err()
		}
	}
}

func (p *Pool) bucket(database string) (*bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if b, ok := p.buckets[database]; ok {
		return b, nil
	}
	info, err := p.resolve(database, p.opts.ReadOnly)
	if err != nil {
		return nil, &ConnectionError{Database: database, Err: err}
	}
	b := &bucket{name: database, info: info}
	p.buckets[database] = b
	return b, nil
}

// waitChan returns the channel closed on the next release, and whether
// the pool is closed.
func (p *Pool) waitChan() (<-chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitCh, p.closed.Load()
}

func (p *Pool) notify() {
	p.mu.Lock()
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.mu.Unlock()
}

// reuseIdle purges dead and expired idle connections of b, then lends the
// most recently released healthy one.
func (p *Pool) reuseIdle(ctx context.Context, b *bucket) *Handle {
	now := p.clock.Now()

	b.mu.Lock()
	var stale []*entry
	var reasons []string
	kept := b.idle[:0]
	for _, e := range b.idle {
		switch {
		case e.conn.IsClosed():
			stale, reasons = append(stale, e), append(reasons, CloseDead)
		case p.opts.MaxIdleTime > 0 && now.Sub(e.lastUsed) > p.opts.MaxIdleTime:
			stale, reasons = append(stale, e), append(reasons, CloseIdle)
		default:
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(b.idle); i++ {
		b.idle[i] = nil
	}
	b.idle = kept
	b.mu.Unlock()

	for i, e := range stale {
		p.discard(e, b.name, reasons[i])
	}

	for {
		b.mu.Lock()
		n := len(b.idle)
		if n == 0 {
			b.mu.Unlock()
			return nil
		}
		e := b.idle[n-1]
		b.idle[n-1] = nil
		b.idle = b.idle[:n-1]
		b.busy++
		b.mu.Unlock()

		if err := e.conn.Reset(ctx); err != nil {
			p.log.Debug("reset of idle connection failed", logger.KeyDatabase, b.name, logger.Err(err))
			b.mu.Lock()
			b.busy--
			b.mu.Unlock()
			p.discard(e, b.name, CloseResetErr)
			continue
		}
		return p.newHandle(b, e)
	}
}

// takeSlot reserves capacity, evicting the oldest idle connection across
// all databases if needed.
func (p *Pool) takeSlot() bool {
	for {
		select {
		case p.slots <- struct{}{}:
			return true
		default:
		}
		if !p.evictOldest() {
			return false
		}
	}
}

func (p *Pool) evictOldest() bool {
	p.mu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	var (
		victimBucket *bucket
		victimTime   time.Time
	)
	for _, b := range buckets {
		b.mu.Lock()
		if len(b.idle) > 0 {
			if t := b.idle[0].lastUsed; victimBucket == nil || t.Before(victimTime) {
				victimBucket, victimTime = b, t
			}
		}
		b.mu.Unlock()
	}
	if victimBucket == nil {
		return false
	}

	b := victimBucket
	b.mu.Lock()
	if len(b.idle) == 0 {
		b.mu.Unlock()
		// raced with a borrower; let the caller retry
		return true
	}
	e := b.idle[0]
	b.idle[0] = nil
	b.idle = b.idle[1:]
	b.mu.Unlock()

	p.log.Debug("evicting idle connection", logger.KeyDatabase, b.name, logger.KeyAge, p.clock.Now().Sub(e.lastUsed))
	p.discard(e, b.name, CloseEvicted)
	return true
}

func (p *Pool) open(ctx context.Context, b *bucket) (*Handle, error) {
	conn, err := p.dialer.Dial(ctx, b.info)
	if err != nil {
		<-p.slots
		p.notify()
		p.log.Warn("failed to open connection", logger.KeyDatabase, b.name, logger.Err(err))
		return nil, &ConnectionError{Database: b.name, Err: err}
	}
	now := p.clock.Now()
	e := &entry{conn: conn, openedAt: now, lastUsed: now}

	b.mu.Lock()
	b.busy++
	b.mu.Unlock()
	p.log.Debug("opened connection", logger.KeyDatabase, b.name)
	return p.newHandle(b, e), nil
}

// discard closes a connection that is no longer counted in any bucket and
// frees its capacity token.
func (p *Pool) discard(e *entry, database, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.conn.Close(ctx); err != nil {
		p.log.Debug("error closing connection", logger.KeyDatabase, database, logger.Err(err))
	}
	<-p.slots
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordClose(p.opts.ReadOnly, reason)
	}
	p.notify()
}

// release returns h's connection. It runs at most once per handle.
func (p *Pool) release(h *Handle, discard bool) {
	b, e := h.bucket, h.entry
	reason := CloseDiscard

	if !discard && e.conn.IsClosed() {
		discard, reason = true, CloseDead
	}
	if !discard {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.conn.Reset(ctx)
		cancel()
		if err != nil {
			p.log.Debug("reset on release failed", logger.KeyDatabase, b.name, logger.Err(err))
			discard, reason = true, CloseResetErr
		}
	}

	b.mu.Lock()
	b.busy--
	// CloseAll marks the pool before draining the buckets, so checking
	// under the bucket lock means the connection is either seen by the
	// drain or discarded here.
	if !discard && p.closed.Load() {
		discard, reason = true, CloseShutdown
	}
	if !discard {
		e.lastUsed = p.clock.Now()
		b.idle = append(b.idle, e)
	}
	b.mu.Unlock()

	if discard {
		p.discard(e, b.name, reason)
	} else {
		p.notify()
	}
	p.reportConnections()
}

// DatabaseStats is the ledger of one database.
type DatabaseStats struct {
	Database string `json:"database"`
	Busy     int    `json:"busy"`
	Idle     int    `json:"idle"`
}

// Stats summarizes the pool.
type Stats struct {
	ReadOnly  bool            `json:"readonly"`
	MaxConn   int             `json:"max_conn"`
	Busy      int             `json:"busy"`
	Idle      int             `json:"idle"`
	Databases []DatabaseStats `json:"databases"`
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	s := Stats{ReadOnly: p.opts.ReadOnly, MaxConn: p.opts.MaxConn}
	for _, b := range buckets {
		b.mu.Lock()
		ds := DatabaseStats{Database: b.name, Busy: b.busy, Idle: len(b.idle)}
		b.mu.Unlock()
		if ds.Busy == 0 && ds.Idle == 0 {
			continue
		}
		s.Busy += ds.Busy
		s.Idle += ds.Idle
		s.Databases = append(s.Databases, ds)
	}
	sort.Slice(s.Databases, func(i, j int) bool { return s.Databases[i].Database < s.Databases[j].Database })
	return s
}

func (p *Pool) reportConnections() {
	if p.opts.Metrics == nil {
		return
	}
	s := p.Stats()
	p.opts.Metrics.SetConnections(p.opts.ReadOnly, s.Busy, s.Idle)
}

// CloseAll closes every idle connection and refuses further borrows.
// Busy connections are closed when their handles are released, so a
// connection is never closed under a worker.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return
	}
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	closed := 0
	for _, b := range buckets {
		b.mu.Lock()
		idle := b.idle
		b.idle = nil
		b.mu.Unlock()
		for _, e := range idle {
			p.discard(e, b.name, CloseShutdown)
			closed++
		}
	}
	p.notify()
	p.reportConnections()
	p.log.Info("connection pool closed", "closed", closed)
}
