package supervisor

import "time"

// Phase is the lifecycle state of the process.
//
//	STARTING -> RUNNING -> DRAINING  -> STOPPED
//	                    \-> RELOADING -> (re-exec) STARTING
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseReloading
	PhaseStopped
)

var phaseNames = [...]string{"STARTING", "RUNNING", "DRAINING", "RELOADING", "STOPPED"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// State is a snapshot of the supervisor's lifecycle state.
type State struct {
	Phase string `json:"phase"`

	// QuitSignalsReceived counts interrupt and terminate requests. A
	// second one while draining forces the stop.
	QuitSignalsReceived int `json:"quit_signals_received"`

	// LimitReachedAt is set while a resource limit is reached and the
	// watcher waits for in-flight work.
	LimitReachedAt *time.Time `json:"limit_reached_at,omitempty"`

	// RestartRequested is set once the process will re-exec after the
	// drain instead of exiting.
	RestartRequested bool `json:"restart_requested"`
}
