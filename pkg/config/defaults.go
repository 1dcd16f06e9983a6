package config

import (
	"runtime"
	"strings"
	"time"
)

// Default values that other packages also refer to.
const (
	DefaultHTTPPort        = 8069
	DefaultCronChannel     = "cron_trigger"
	DefaultControlDatabase = "postgres"
	DefaultSleepInterval   = 60 * time.Second
	DefaultPollInterval    = time.Second
	DefaultMaxIdleTime     = 10 * time.Minute
)

// ApplyDefaults fills zero-valued fields. Explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyHTTPDefaults(&cfg.HTTP)
	applyCronDefaults(&cfg.Cron)
	applyLimitsDefaults(&cfg.Limits)
	applyDatabaseDefaults(&cfg.Database)
	applySupervisorDefaults(&cfg.Supervisor)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
}

func applyHTTPDefaults(cfg *HTTPConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultHTTPPort
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 100 * time.Millisecond
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

func applyCronDefaults(cfg *CronConfig) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultSleepInterval
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultCronChannel
	}
}

func applyLimitsDefaults(cfg *LimitsConfig) {
	if cfg.MemorySoft == 0 {
		cfg.MemorySoft = 2 * GiB
	}
	if cfg.MemoryHard == 0 {
		cfg.MemoryHard = 5 * GiB / 2
	}
	if cfg.TimeReal == 0 {
		cfg.TimeReal = 120 * time.Second
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}
	if cfg.ReplicaHost != "" && cfg.ReplicaPort == 0 {
		cfg.ReplicaPort = cfg.Port
	}
	if cfg.ControlDatabase == "" {
		cfg.ControlDatabase = DefaultControlDatabase
	}
	if cfg.MaxConn == 0 {
		cfg.MaxConn = 64
	}
	if cfg.MaxIdleTime == 0 {
		cfg.MaxIdleTime = DefaultMaxIdleTime
	}
	if cfg.BorrowTimeout == 0 {
		cfg.BorrowTimeout = 10 * time.Second
	}
	if cfg.ExhaustionPolicy == "" {
		cfg.ExhaustionPolicy = ExhaustionWait
	}
	cfg.ExhaustionPolicy = strings.ToLower(cfg.ExhaustionPolicy)
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
}

func applySupervisorDefaults(cfg *SupervisorConfig) {
	if cfg.SleepInterval == 0 {
		cfg.SleepInterval = DefaultSleepInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// GetDefaultConfig returns a fully defaulted Config, used for generating
// sample files and in tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		HTTP: HTTPConfig{Enabled: true},
		Cron: CronConfig{MaxWorkers: 2},
		Telemetry: TelemetryConfig{
			Insecure: true,
		},
		Database: DatabaseConfig{
			Host: "localhost",
			User: "phoenixd",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// posixHost reports whether the registry capacity should scale with the
// soft memory limit.
func posixHost() bool {
	return runtime.GOOS != "windows"
}

// RegistryCapacity returns the effective registry cache size.
func (c *Config) RegistryCapacity() int {
	return EffectiveRegistryCapacity(c.Registry.Capacity, c.Limits.MemorySoft, posixHost())
}

// EffectiveRegistryCapacity resolves the registry cache size: an explicit
// override wins; POSIX hosts get one registry per 15MiB of soft memory
// limit (at least one); other hosts get 42.
func EffectiveRegistryCapacity(override int, memorySoft ByteSize, posix bool) int {
	if override > 0 {
		return override
	}
	if posix && memorySoft > 0 {
		n := int(memorySoft / (15 * MiB))
		if n < 1 {
			n = 1
		}
		return n
	}
	return 42
}
