package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/internal/telemetry"
	"github.com/marmos91/phoenixd/pkg/slots"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Backend Backend

	// Metrics is mounted at MetricsPath when both are set.
	Metrics     http.Handler
	MetricsPath string
}

// NewRouter builds the chi router.
//
// Routes:
//   - GET  /health                   liveness
//   - GET  /health/ready             readiness, 503 while draining
//   - GET  /status                   pools, registry, admission, cron, slots
//   - GET  /db/{name}/ping           load the registry and round-trip a query
//   - POST /db/{name}/cron/trigger   wake the cron workers for a database
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(tracing)

	h := &handlers{backend: opts.Backend}

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.liveness)
		r.Get("/ready", h.readiness)
	})
	if opts.Metrics != nil && opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, opts.Metrics)
	}

	// Work routes hold a worker slot so the supervisor can see and
	// cancel them.
	r.Group(func(r chi.Router) {
		if opts.Backend.Slots != nil {
			r.Use(workerSlot(opts.Backend.Slots))
		}
		r.Get("/status", h.status)
		r.Route("/db/{name}", func(r chi.Router) {
			r.Get("/ping", h.ping)
			r.Post("/cron/trigger", h.triggerCron)
		})
	})

	return r
}

// requestID reuses the client's X-Request-Id or assigns a fresh UUID,
// storing it where middleware.GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lc := logger.NewLogContext("http")
		lc.RequestID = middleware.GetReqID(r.Context())
		lc.ClientIP = r.RemoteAddr
		r = r.WithContext(logger.WithContext(r.Context(), lc))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		args := []any{
			logger.KeyMethod, r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyStatus, ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDuration, time.Since(start).String(),
		}
		// Health checks and scrapes are noisy.
		if isHealthPath(r.URL.Path) {
			logger.DebugCtx(r.Context(), "HTTP request completed", args...)
		} else {
			logger.InfoCtx(r.Context(), "HTTP request completed", args...)
		}
	})
}

func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/") || path == "/metrics"
}

func tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), telemetry.SpanHTTPRequest)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			telemetry.WorkerKind(string(slots.KindHTTP)),
		)

		if lc := logger.FromContext(ctx); lc != nil && telemetry.IsEnabled() {
			ctx = logger.WithContext(ctx, lc.WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx)))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// workerSlot registers the request with the slot tracker for its whole
// lifetime. The request context is cancelled if the slot is.
func workerSlot(tracker *slots.Tracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, done := tracker.Start(r.Context(), slots.KindHTTP, r.Method+" "+r.URL.Path)
			defer done()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
