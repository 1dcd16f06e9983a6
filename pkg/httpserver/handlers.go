package httpserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/pkg/cron"
	"github.com/marmos91/phoenixd/pkg/dbpool"
	"github.com/marmos91/phoenixd/pkg/registry"
	"github.com/marmos91/phoenixd/pkg/slots"
	"github.com/marmos91/phoenixd/pkg/supervisor"
)

// Pools lends database connections.
type Pools interface {
	For(readOnly bool) *dbpool.Pool
	Stats() []dbpool.Stats
}

// Registry resolves tenant databases.
type Registry interface {
	GetOrCreate(ctx context.Context, name string) (*registry.Entry, error)
	Stats() registry.Stats
}

// Workers reports the admission counters.
type Workers interface {
	Capacity() int
	InFlight() int
}

// Cron wakes and reports the cron scheduler.
type Cron interface {
	Trigger(ctx context.Context, database string) error
	Stats() cron.Stats
}

// Backend is what the handlers serve. Cron, Slots, Phase and State may
// be nil.
type Backend struct {
	Pools     Pools
	Registry  Registry
	Admission Workers
	Cron      Cron
	Slots     *slots.Tracker
	Phase     func() string
	State     func() supervisor.State
}

func (b Backend) phase() string {
	if b.Phase == nil {
		return "RUNNING"
	}
	return b.Phase()
}

// AdmissionStats reports the request worker ceiling. A zero capacity
// means no ceiling.
type AdmissionStats struct {
	Capacity int `json:"capacity"`
	InFlight int `json:"in_flight"`
}

// Status is the payload of GET /status.
type Status struct {
	Phase      string            `json:"phase"`
	PID        int               `json:"pid"`
	Supervisor *supervisor.State `json:"supervisor,omitempty"`
	Pools      []dbpool.Stats    `json:"pools"`
	Registry   registry.Stats    `json:"registry"`
	Admission  AdmissionStats    `json:"admission"`
	Cron       *cron.Stats       `json:"cron,omitempty"`
	Slots      []slots.Info      `json:"slots"`
}

// Ping is the payload of GET /db/{name}/ping.
type Ping struct {
	Database  string  `json:"database"`
	ReadOnly  bool    `json:"readonly"`
	HasCron   bool    `json:"has_cron"`
	LatencyMs float64 `json:"latency_ms"`
}

type handlers struct {
	backend Backend
}

func (h *handlers) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newResponse(StatusHealthy, map[string]any{
		"service": "phoenixd",
		"phase":   h.backend.phase(),
	}))
}

// readiness fails once the supervisor leaves RUNNING so load balancers
// stop routing to a draining process.
func (h *handlers) readiness(w http.ResponseWriter, _ *http.Request) {
	phase := h.backend.phase()
	if phase != "RUNNING" {
		resp := newResponse(StatusUnhealthy, map[string]any{"phase": phase})
		resp.Error = "not accepting work"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, newResponse(StatusHealthy, map[string]any{"phase": phase}))
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	b := h.backend
	st := Status{
		Phase: b.phase(),
		PID:   os.Getpid(),
		Slots: []slots.Info{},
	}
	if b.State != nil {
		sv := b.State()
		st.Supervisor = &sv
	}
	if b.Pools != nil {
		st.Pools = b.Pools.Stats()
	}
	if b.Registry != nil {
		st.Registry = b.Registry.Stats()
	}
	if b.Admission != nil {
		st.Admission = AdmissionStats{Capacity: b.Admission.Capacity(), InFlight: b.Admission.InFlight()}
	}
	if b.Cron != nil {
		cs := b.Cron.Stats()
		st.Cron = &cs
	}
	if b.Slots != nil {
		st.Slots = b.Slots.Snapshot()
	}
	writeOK(w, http.StatusOK, st)
}

const pingQuery = "SELECT 1"

func (h *handlers) ping(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	readOnly, _ := strconv.ParseBool(r.URL.Query().Get("readonly"))
	ctx := r.Context()

	entry, err := h.backend.Registry.GetOrCreate(ctx, name)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}

	start := time.Now()
	handle, err := h.backend.Pools.For(readOnly).Borrow(ctx, name)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}
	var one int
	if err := handle.Conn().QueryRow(ctx, pingQuery).Scan(&one); err != nil {
		_ = handle.Release(true)
		h.fail(w, r, name, err)
		return
	}
	_ = handle.Release(false)

	writeOK(w, http.StatusOK, Ping{
		Database:  name,
		ReadOnly:  handle.ReadOnly(),
		HasCron:   entry.HasCron,
		LatencyMs: logger.Duration(start),
	})
}

func (h *handlers) triggerCron(w http.ResponseWriter, r *http.Request) {
	if h.backend.Cron == nil {
		writeError(w, http.StatusNotFound, "cron is disabled")
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.backend.Cron.Trigger(r.Context(), name); err != nil {
		h.fail(w, r, name, err)
		return
	}
	writeOK(w, http.StatusAccepted, map[string]string{"database": name})
}

// fail maps a backend error to a status code.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, database string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, dbpool.ErrPoolExhausted),
		errors.Is(err, dbpool.ErrPoolClosed),
		errors.Is(err, registry.ErrClosed):
		code = http.StatusServiceUnavailable
	case dbpool.IsConnectionError(err):
		code = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	logger.WarnCtx(r.Context(), "Request failed",
		logger.Database(database), logger.KeyStatus, code, logger.Err(err))
	writeError(w, code, err.Error())
}
