package dbpool

import (
	"sync/atomic"
	"time"
)

// Handle is one borrowed connection. It belongs to a single unit of work
// and must not be shared between goroutines running different units.
type Handle struct {
	pool       *Pool
	bucket     *bucket
	entry      *entry
	acquiredAt time.Time
	released   atomic.Bool
}

func (p *Pool) newHandle(b *bucket, e *entry) *Handle {
	return &Handle{pool: p, bucket: b, entry: e, acquiredAt: p.clock.Now()}
}

// Conn returns the borrowed connection.
func (h *Handle) Conn() Conn { return h.entry.conn }

// Database returns the database name the handle was borrowed for.
func (h *Handle) Database() string { return h.bucket.name }

// DSN returns the connection string used to open the connection.
func (h *Handle) DSN() string { return h.bucket.info.DSN }

// ReadOnly reports whether the connection came from a replica pool.
func (h *Handle) ReadOnly() bool { return h.pool.opts.ReadOnly }

// IsolationLevel returns the session isolation level.
func (h *Handle) IsolationLevel() string { return IsolationRepeatableRead }

// AcquiredAt returns when the handle was lent.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Pool returns the owning pool.
func (h *Handle) Pool() *Pool { return h.pool }

// Release returns the connection to the pool. With discard, or when the
// connection is dead or cannot be reset, the connection is closed instead
// of being kept idle. Only the first call has an effect; later calls
// return ErrHandleReleased.
func (h *Handle) Release(discard bool) error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	h.pool.release(h, discard)
	return nil
}
