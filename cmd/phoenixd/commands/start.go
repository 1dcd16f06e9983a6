package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/marmos91/phoenixd/internal/logger"
	"github.com/marmos91/phoenixd/internal/telemetry"
	"github.com/marmos91/phoenixd/pkg/admission"
	"github.com/marmos91/phoenixd/pkg/config"
	"github.com/marmos91/phoenixd/pkg/cron"
	"github.com/marmos91/phoenixd/pkg/dbpool"
	"github.com/marmos91/phoenixd/pkg/httpserver"
	"github.com/marmos91/phoenixd/pkg/metrics"
	promexp "github.com/marmos91/phoenixd/pkg/metrics/prometheus"
	"github.com/marmos91/phoenixd/pkg/registry"
	"github.com/marmos91/phoenixd/pkg/slots"
	"github.com/marmos91/phoenixd/pkg/supervisor"
)

var (
	startDaemonMode bool
	startPidFile    string
	startLogFile    string
	startDatabases  []string
	noReexec        bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the phoenixd server",
	Long: `Start the phoenixd server in the foreground.

The server runs until it receives SIGINT or SIGTERM. SIGHUP drains
in-flight work and restarts the binary in place. A second SIGINT or
SIGTERM while draining stops immediately.

Exit codes: 0 clean stop, 1 failure, 2 forced stop, 3 startup failure,
4 stopped on a resource limit, 5 restart requested but not performed.

Examples:
  # Start with the default config
  phoenixd start

  # Preload two tenant databases
  phoenixd start -d tenant_a -d tenant_b

  # Start in the background
  phoenixd start --daemon

  # Override settings from the environment
  PHOENIXD_LOGGING_LEVEL=DEBUG PHOENIXD_DATABASE_MAX_CONN=32 phoenixd start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startDaemonMode, "daemon", false, "Run in the background")
	startCmd.Flags().StringVar(&startPidFile, "pid-file", "", "Path to PID file (overrides supervisor.pid_file)")
	startCmd.Flags().StringVar(&startLogFile, "log-file", "", "Log file for daemon mode (default: $XDG_STATE_HOME/phoenixd/phoenixd.log)")
	startCmd.Flags().StringSliceVarP(&startDatabases, "database", "d", nil, "Database to load at startup (repeatable)")
	startCmd.Flags().BoolVar(&noReexec, "no-reexec", false, "Exit with code 5 instead of re-executing on restart")
}

// ReexecAllowed reports whether a restart should replace the process.
func ReexecAllowed() bool {
	return !noReexec && supervisor.ReexecSupported()
}

func runStart(cmd *cobra.Command, args []string) error {
	if startDaemonMode {
		return startDaemon()
	}

	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return supervisor.StartupError(err)
	}
	if startPidFile != "" {
		cfg.Supervisor.PidFile = startPidFile
	}
	cfg.Registry.Preload = append(cfg.Registry.Preload, startDatabases...)

	if err := InitLogger(cfg); err != nil {
		return supervisor.StartupError(err)
	}

	ctx := context.Background()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "phoenixd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return supervisor.StartupError(fmt.Errorf("failed to initialize telemetry: %w", err))
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "phoenixd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return supervisor.StartupError(fmt.Errorf("failed to initialize profiling: %w", err))
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	logger.Info("phoenixd starting", "version", Version, "commit", Commit)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}

	// Collectors are created by the constructors below only once the
	// registry exists.
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled", "path", cfg.Metrics.Path)
	}

	if hard := cfg.Limits.MemoryHard.Bytes(); hard > 0 {
		supervisor.SetHardMemoryLimit(hard)
		logger.Info("Memory limits", "soft", humanize.IBytes(cfg.Limits.MemorySoft.Bytes()), "hard", humanize.IBytes(hard))
	}

	// Signals received while building are replayed once the supervisor
	// exists.
	signals := supervisor.CatchSignals()
	defer signals.Stop()

	srv, err := build(ctx, cfg)
	if err != nil {
		return supervisor.StartupError(err)
	}
	signals.Forward(srv.sup)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("systemd notify failed", logger.Err(err))
	} else if ok {
		logger.Debug("Notified systemd")
	}

	return srv.sup.Run(ctx)
}

// server holds the wired components of one process lifetime.
type server struct {
	sup     *supervisor.Supervisor
	pools   *dbpool.Pools
	reg     *registry.Cache
	adm     *admission.Admission
	cron    *cron.Scheduler
	tracker *slots.Tracker
	http    *httpserver.Server
}

// build wires every component. On error, whatever was opened is closed.
func build(ctx context.Context, cfg *config.Config) (_ *server, err error) {
	clk := clock.WallClock
	s := &server{tracker: slots.NewTracker(clk)}

	s.pools = dbpool.NewPools(cfg.Database, dbpool.PgxDialer{}, clk, promexp.NewPoolMetrics())
	defer func() {
		if err != nil {
			s.pools.CloseAll()
		}
	}()

	s.reg = registry.New(registry.Options{
		Capacity: cfg.RegistryCapacity(),
		Loader:   &registry.PgLoader{Pool: s.pools.Primary},
		Clock:    clk,
		Metrics:  promexp.NewRegistryMetrics(),
	})
	defer func() {
		if err != nil {
			s.reg.Close()
		}
	}()
	logger.Info("Registry cache ready", "capacity", s.reg.Capacity())
	preload(ctx, s.reg, cfg.Registry.Preload)

	capacity := admission.CapacityFromEnv(cfg.HTTP.MaxWorkers, cfg.Database.MaxConn, cfg.Cron.MaxWorkers)
	s.adm = admission.New(capacity, promexp.NewAdmissionMetrics())

	if cfg.Cron.MaxWorkers > 0 {
		if err := checkControlDatabase(ctx, s.pools.Primary, cfg.Database); err != nil {
			return nil, err
		}
		s.cron = cron.New(cron.Options{
			Workers:      cfg.Cron.MaxWorkers,
			PollInterval: cfg.Cron.PollInterval,
			WorkerMaxAge: cfg.Cron.WorkerMaxAge,
			Channel:      cfg.Cron.Channel,
			Connector:    &cron.PgConnector{Pool: s.pools.Primary, Database: cfg.Database.ControlDatabase},
			Store:        &cron.PgJobStore{Pool: s.pools.Primary, Clock: clk},
			Registries:   s.reg,
			Handlers:     cron.Builtin(),
			Slots:        s.tracker,
			Clock:        clk,
			Metrics:      promexp.NewCronMetrics(),
		})
	}

	var watcher *supervisor.DevReloader
	if len(cfg.Supervisor.DevReload) > 0 {
		if watcher, err = supervisor.NewDevReloader(cfg.Supervisor.DevReload); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = watcher.Close()
			}
		}()
		logger.Info("Development reload enabled", "paths", cfg.Supervisor.DevReload)
	}

	if cfg.HTTP.Enabled {
		ln, err := httpserver.Listen(cfg.HTTP.Address())
		if err != nil {
			return nil, err
		}
		backend := httpserver.Backend{
			Pools:     s.pools,
			Registry:  s.reg,
			Admission: s.adm,
			Slots:     s.tracker,
			Phase:     func() string { return s.sup.Phase().String() },
			State:     func() supervisor.State { return s.sup.State() },
		}
		if s.cron != nil {
			backend.Cron = s.cron
		}
		var metricsHandler http.Handler
		if cfg.Metrics.Enabled {
			metricsHandler = metrics.Handler()
		}
		router := httpserver.NewRouter(httpserver.RouterOptions{
			Backend:     backend,
			Metrics:     metricsHandler,
			MetricsPath: cfg.Metrics.Path,
		})
		s.http = httpserver.NewServer(cfg.HTTP, httpserver.NewAdmissionListener(ln, s.adm, cfg.HTTP.AcquireTimeout), router)
		logger.Info("HTTP server listening", logger.KeyAddress, s.http.Addr().String(),
			"max_workers", capacity)
	}

	opts := supervisor.Options{
		Config:   cfg.Supervisor,
		Limits:   cfg.Limits,
		Slots:    s.tracker,
		Registry: s.reg,
		Pools:    s.pools,
		LogStats: s.logStats,
		OnStop:   []func(context.Context) error{notifyStopping},
		Clock:    clk,
		Metrics:  promexp.NewSupervisorMetrics(),
	}
	if s.http != nil {
		opts.HTTP = s.http
	}
	if s.cron != nil {
		opts.Cron = s.cron
	}
	if cfg.Limits.MemorySoft > 0 {
		mem, err := supervisor.NewProcessMemory()
		if err != nil {
			logger.Warn("Memory limit disabled, cannot inspect process", logger.Err(err))
		} else {
			opts.Memory = mem
		}
	}
	opts.DevReload = watcher
	s.sup = supervisor.New(opts)
	return s, nil
}

// preload loads the named registries. A database that cannot be reached
// is logged and skipped.
func preload(ctx context.Context, reg *registry.Cache, names []string) {
	for _, name := range names {
		entry, err := reg.GetOrCreate(ctx, name)
		if err != nil {
			logger.Warn("Could not preload database", logger.KeyDatabase, name, logger.Err(err))
			continue
		}
		logger.Info("Database loaded", logger.KeyDatabase, name, "has_cron", entry.HasCron)
	}
}

// checkControlDatabase borrows and returns one control connection so an
// unreachable control database fails startup instead of the first tick.
func checkControlDatabase(ctx context.Context, pool *dbpool.Pool, cfg config.DatabaseConfig) error {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := pool.Borrow(ctx, cfg.ControlDatabase)
	if err != nil {
		return fmt.Errorf("control database %q: %w", cfg.ControlDatabase, err)
	}
	return h.Release(false)
}

func notifyStopping(context.Context) error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// logStats answers SIGUSR1.
func (s *server) logStats() {
	for _, ps := range s.pools.Stats() {
		logger.Info("Pool stats", "readonly", ps.ReadOnly, "max_conn", ps.MaxConn,
			"busy", ps.Busy, "idle", ps.Idle, "databases", len(ps.Databases))
	}
	rs := s.reg.Stats()
	logger.Info("Registry stats", logger.KeyCapacity, rs.Capacity, "entries", rs.Entries,
		"hits", rs.Hits, "misses", rs.Misses, "evictions", rs.Evictions)
	logger.Info("Admission stats", logger.KeyCapacity, s.adm.Capacity(), logger.KeyInFlight, s.adm.InFlight())
	if s.cron != nil {
		cs := s.cron.Stats()
		logger.Info("Cron stats", "workers", cs.Workers, logger.KeyStandby, cs.Standby,
			"wakeups", cs.Wakeups, "jobs_run", cs.JobsRun, "job_errors", cs.JobErrors)
	}
	for _, info := range s.tracker.Snapshot() {
		logger.Info("In-flight worker", logger.KeyKind, info.Kind, logger.KeySlot, info.Label,
			logger.KeyAge, info.Age.Round(time.Millisecond).String())
	}
}
