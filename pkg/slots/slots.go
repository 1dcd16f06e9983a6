// Package slots tracks units of work in flight: one slot per HTTP request
// and one per cron tenant tick. The supervisor reads the tracker to find
// work that outlived its budget and to wait for in-flight work during a
// drain.
package slots

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Kind is the kind of work a slot holds.
type Kind string

const (
	KindHTTP Kind = "http"
	KindCron Kind = "cron"
)

// Info describes a slot at snapshot time.
type Info struct {
	ID    uint64        `json:"id"`
	Kind  Kind          `json:"kind"`
	Label string        `json:"label"`
	Start time.Time     `json:"start"`
	Age   time.Duration `json:"age"`
}

type slot struct {
	id     uint64
	kind   Kind
	label  string
	start  time.Time
	cancel context.CancelFunc
}

// Tracker is safe for concurrent use.
type Tracker struct {
	clock clock.Clock

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*slot
	empty  chan struct{} // closed when active drops to zero
}

// NewTracker creates a Tracker. A nil clock uses the wall clock.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tracker{clock: clk, active: make(map[uint64]*slot)}
}

// Start registers a unit of work. The returned context is cancelled when
// the slot is cancelled; the returned function ends the slot and is safe
// to call more than once.
func (t *Tracker) Start(ctx context.Context, kind Kind, label string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.nextID++
	s := &slot{id: t.nextID, kind: kind, label: label, start: t.clock.Now(), cancel: cancel}
	t.active[s.id] = s
	t.mu.Unlock()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			t.finish(s.id)
		})
	}
}

func (t *Tracker) finish(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
	if len(t.active) == 0 && t.empty != nil {
		close(t.empty)
		t.empty = nil
	}
}

// InFlight returns the number of active slots of the given kinds, or of
// every kind when none is given.
func (t *Tracker) InFlight(kinds ...Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(kinds) == 0 {
		return len(t.active)
	}
	n := 0
	for _, s := range t.active {
		for _, k := range kinds {
			if s.kind == k {
				n++
				break
			}
		}
	}
	return n
}

// Snapshot returns the active slots, oldest first.
func (t *Tracker) Snapshot() []Info {
	now := t.clock.Now()
	t.mu.Lock()
	out := make([]Info, 0, len(t.active))
	for _, s := range t.active {
		out = append(out, Info{ID: s.id, Kind: s.kind, Label: s.label, Start: s.start, Age: now.Sub(s.start)})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Cancel cancels the context of slot id. The slot stays active until its
// owner ends it. It reports whether the slot exists.
func (t *Tracker) Cancel(id uint64) bool {
	t.mu.Lock()
	s, ok := t.active[id]
	t.mu.Unlock()
	if ok {
		s.cancel()
	}
	return ok
}

// CancelAll cancels every active slot and returns how many there were.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.active))
	for _, s := range t.active {
		cancels = append(cancels, s.cancel)
	}
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Wait blocks until no slot is active or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	if len(t.active) == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.empty == nil {
		t.empty = make(chan struct{})
	}
	ch := t.empty
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
