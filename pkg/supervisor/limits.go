package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/pkg/config"
	"github.com/marmos91/phoenixd/pkg/slots"
)

// Limit kinds reported to Metrics.
const (
	LimitMemory     = "memory"
	LimitMemoryHard = "memory_hard"
	LimitTimeHTTP   = "time_http"
	LimitTimeCron   = "time_cron"
)

// limitWatcher enforces the memory caps and the per-slot wall-clock
// budgets. Offending slots are cancelled. While any limit stays reached
// it waits for the rest of the in-flight work to finish, up to
// SleepInterval, and then asks for a restart. Crossing the hard memory
// cap asks for the restart at once.
type limitWatcher struct {
	clock   clock.Clock
	sleep   time.Duration
	poll    time.Duration
	limits  config.LimitsConfig
	slots   *slots.Tracker
	memory  MemorySource
	metrics Metrics
	log     *slog.Logger

	// reload posts the restart request; forced means in-flight work
	// did not finish in time.
	reload func(forced bool, reason string)

	reachedAt atomic.Int64 // unix nanos, 0 when no limit is reached
}

func (w *limitWatcher) run(ctx context.Context) {
	offenders := make(map[uint64]slots.Info)
	var reachedAt time.Time

	for {
		wait := w.sleep
		if !reachedAt.IsZero() {
			wait = w.poll
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(wait):
		}

		snapshot := w.snapshot()
		memHigh, memHard, usage := w.checkMemory()
		w.checkSlots(snapshot, offenders)

		if !memHigh && len(offenders) == 0 {
			if !reachedAt.IsZero() {
				w.log.Info("Limits back to normal, restart cancelled")
			}
			reachedAt = time.Time{}
			w.reachedAt.Store(0)
			continue
		}

		now := w.clock.Now()
		if reachedAt.IsZero() {
			reachedAt = now
			w.reachedAt.Store(now.UnixNano())
		}

		reason := w.reason(memHigh, memHard, usage, offenders)
		others := len(snapshot)
		for _, s := range snapshot {
			if _, ok := offenders[s.ID]; ok {
				others--
			}
		}

		switch {
		case memHard:
			w.log.Warn("Restarting without waiting for in-flight work",
				"reason", reason, logger.KeyInFlight, others)
			w.reload(others > 0, reason)
			return
		case others == 0:
			w.log.Info("Limit reached with no other work in flight, restarting", "reason", reason)
			w.reload(false, reason)
			return
		case now.Sub(reachedAt) >= w.sleep:
			w.log.Warn("Work still in flight after grace window, forcing restart",
				"reason", reason, logger.KeyInFlight, others)
			w.reload(true, reason)
			return
		}
	}
}

func (w *limitWatcher) snapshot() []slots.Info {
	if w.slots == nil {
		return nil
	}
	return w.slots.Snapshot()
}

// checkMemory reports whether usage is above the soft and the hard cap.
func (w *limitWatcher) checkMemory() (soft, hard bool, usage uint64) {
	if w.memory == nil {
		return false, false, 0
	}
	usage, err := w.memory.Usage()
	if err != nil {
		w.log.Debug("Reading process memory failed", logger.Err(err))
		return false, false, 0
	}
	if w.metrics != nil {
		w.metrics.SetMemory(usage)
	}
	softLimit, hardLimit := w.limits.MemorySoft.Bytes(), w.limits.MemoryHard.Bytes()
	if hardLimit > 0 && usage > hardLimit {
		w.log.Error("Memory hard limit reached",
			logger.KeyMemory, humanize.IBytes(usage), logger.KeyLimit, humanize.IBytes(hardLimit))
		w.recordLimit(LimitMemoryHard)
		return true, true, usage
	}
	if softLimit == 0 || usage <= softLimit {
		return false, false, usage
	}
	w.log.Warn("Memory soft limit reached",
		logger.KeyMemory, humanize.IBytes(usage), logger.KeyLimit, humanize.IBytes(softLimit))
	w.recordLimit(LimitMemory)
	return true, false, usage
}

// checkSlots adds slots over their budget to offenders, cancelling each
// once, and forgets offenders that have finished.
func (w *limitWatcher) checkSlots(snapshot []slots.Info, offenders map[uint64]slots.Info) {
	alive := make(map[uint64]struct{}, len(snapshot))
	for _, s := range snapshot {
		alive[s.ID] = struct{}{}
		if _, known := offenders[s.ID]; known {
			continue
		}
		limit, kind := w.limits.TimeReal, LimitTimeHTTP
		if s.Kind == slots.KindCron {
			limit, kind = w.limits.CronTimeLimit(), LimitTimeCron
		}
		if limit <= 0 || s.Age <= limit {
			continue
		}
		w.log.Warn("Worker real time limit reached, cancelling",
			logger.KeyKind, s.Kind, logger.KeySlot, s.Label,
			logger.KeyAge, s.Age.Round(time.Second).String(), logger.KeyLimit, limit.String())
		offenders[s.ID] = s
		w.slots.Cancel(s.ID)
		w.recordLimit(kind)
	}
	for id := range offenders {
		if _, ok := alive[id]; !ok {
			delete(offenders, id)
		}
	}
}

func (w *limitWatcher) reason(memHigh, memHard bool, usage uint64, offenders map[uint64]slots.Info) string {
	if memHard {
		return fmt.Sprintf("memory %s over hard limit", humanize.IBytes(usage))
	}
	if memHigh {
		return fmt.Sprintf("memory %s over soft limit", humanize.IBytes(usage))
	}
	return fmt.Sprintf("%d worker(s) over time limit", len(offenders))
}

func (w *limitWatcher) recordLimit(kind string) {
	if w.metrics != nil {
		w.metrics.RecordLimit(kind)
	}
}

// limitReachedAt returns when the current limit episode started.
func (w *limitWatcher) limitReachedAt() (time.Time, bool) {
	ns := w.reachedAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
