package supervisor

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/marmos91/phoenixd/internal/logger"
)

// Event is a lifecycle request delivered to the control loop. Signals
// and internal requests share one channel, so the loop is the only
// writer of the phase.
type Event int

const (
	EventInterrupt  Event = iota + 1 // SIGINT
	EventTerminate                   // SIGTERM
	EventHangup                      // SIGHUP: drain, then restart
	EventReload                      // internal restart request
	EventDumpStacks                  // SIGQUIT
	EventLogStats                    // SIGUSR1
	EventCPULimit                    // SIGXCPU: exit immediately
)

var eventNames = map[Event]string{
	EventInterrupt:  "interrupt",
	EventTerminate:  "terminate",
	EventHangup:     "hangup",
	EventReload:     "reload",
	EventDumpStacks: "dump_stacks",
	EventLogStats:   "log_stats",
	EventCPULimit:   "cpu_limit",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown"
}

// quit reports whether e asks the process to stop.
func (e Event) quit() bool {
	return e == EventInterrupt || e == EventTerminate
}

// restart reports whether e asks the process to restart.
func (e Event) restart() bool {
	return e == EventHangup || e == EventReload
}

// request is one entry of the event channel.
type request struct {
	event  Event
	forced bool   // skip the graceful part of the drain
	reason string // why an internal reload was requested
}

// EventForSignal maps an OS signal to its event.
func EventForSignal(sig os.Signal) (Event, bool) {
	switch sig {
	case os.Interrupt:
		return EventInterrupt, true
	case syscall.SIGTERM:
		return EventTerminate, true
	case syscall.SIGHUP:
		return EventHangup, true
	}
	return platformEvent(sig)
}

// SignalCatcher buffers the handled OS signals from the moment it is
// created, so a signal arriving while the server is still being built is
// not handled by the default action.
type SignalCatcher struct {
	ch   chan os.Signal
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// CatchSignals starts catching the handled signals.
func CatchSignals() *SignalCatcher {
	c := &SignalCatcher{
		ch:   make(chan os.Signal, 8),
		quit: make(chan struct{}),
	}
	signal.Notify(c.ch, handledSignals...)
	return c
}

// Forward posts caught signals, including the ones buffered so far, to s
// as events. Call it once.
func (c *SignalCatcher) Forward(s *Supervisor) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.quit:
				return
			case sig := <-c.ch:
				ev, ok := EventForSignal(sig)
				if !ok {
					continue
				}
				s.log.Debug("Signal received", logger.KeySignal, sig.String(), logger.KeyEvent, ev.String())
				s.Post(ev)
			}
		}
	}()
}

// Stop restores the default signal handling.
func (c *SignalCatcher) Stop() {
	c.once.Do(func() {
		signal.Stop(c.ch)
		close(c.quit)
		c.wg.Wait()
	})
}

// ForwardSignals posts the handled OS signals as events until the
// returned function is called.
func (s *Supervisor) ForwardSignals() (stop func()) {
	c := CatchSignals()
	c.Forward(s)
	return c.Stop
}
