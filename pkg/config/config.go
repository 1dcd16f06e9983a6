package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the phoenixd configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PHOENIXD_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	// HTTP configures the request-handling listener and its admission ceiling.
	HTTP HTTPConfig `mapstructure:"http" yaml:"http"`

	// Cron configures the background job workers.
	Cron CronConfig `mapstructure:"cron" yaml:"cron"`

	// Limits are the per-process and per-worker resource ceilings.
	Limits LimitsConfig `mapstructure:"limits" yaml:"limits"`

	// Database holds connection parameters shared by every tenant database.
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Registry configures the per-tenant registry cache.
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`

	// Supervisor configures the lifecycle loop.
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (normalized to uppercase).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig controls the Prometheus endpoint mounted on the HTTP server.
// When disabled nothing is collected.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" validate:"required,startswith=/" yaml:"path"`
}

// HTTPConfig configures the request-handling listener.
type HTTPConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Interface string `mapstructure:"interface" yaml:"interface"`
	Port      int    `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// MaxWorkers bounds concurrently admitted request workers. Zero
	// disables the ceiling. PHOENIXD_MAX_HTTP_WORKERS overrides it.
	MaxWorkers int `mapstructure:"max_workers" validate:"gte=0" yaml:"max_workers"`

	// AcquireTimeout is how long the accept loop waits for an admission
	// slot before re-checking for shutdown.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"gt=0" yaml:"acquire_timeout"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Address returns the listen address.
func (c HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Interface, c.Port)
}

// CronConfig configures background job workers.
type CronConfig struct {
	// MaxWorkers is the number of cron workers. Zero disables cron.
	MaxWorkers int `mapstructure:"max_workers" validate:"gte=0" yaml:"max_workers"`

	// PollInterval bounds the notification wait. Worker n waits
	// PollInterval + n seconds.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0" yaml:"poll_interval"`

	// WorkerMaxAge recycles a worker's control connection once exceeded.
	// Zero keeps it for the life of the worker.
	WorkerMaxAge time.Duration `mapstructure:"worker_max_age" yaml:"worker_max_age"`

	// Channel is the LISTEN/NOTIFY channel name.
	Channel string `mapstructure:"channel" validate:"required" yaml:"channel"`
}

// LimitsConfig holds resource ceilings.
type LimitsConfig struct {
	// MemorySoft bounds the resident set size, checked periodically;
	// exceeding it triggers a reload once in-flight work finishes.
	MemorySoft ByteSize `mapstructure:"memory_soft" yaml:"memory_soft"`

	// MemoryHard is the Go runtime memory limit. Crossing it restarts
	// the process without waiting for in-flight work.
	MemoryHard ByteSize `mapstructure:"memory_hard" yaml:"memory_hard"`

	// TimeReal is the wall-clock budget of one HTTP request.
	TimeReal time.Duration `mapstructure:"time_real" yaml:"time_real"`

	// TimeRealCron is the wall-clock budget of one cron tenant tick.
	// Zero falls back to TimeReal.
	TimeRealCron time.Duration `mapstructure:"time_real_cron" yaml:"time_real_cron"`
}

// CronTimeLimit returns the effective cron wall-clock limit.
func (c LimitsConfig) CronTimeLimit() time.Duration {
	if c.TimeRealCron > 0 {
		return c.TimeRealCron
	}
	return c.TimeReal
}

// Exhaustion policies for the connection pool.
const (
	ExhaustionWait = "wait"
	ExhaustionFail = "fail"
)

// DatabaseConfig holds the connection parameters used to reach every
// tenant database and the control database.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	SSLMode  string `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full" yaml:"sslmode"`

	// ReplicaHost, when set, enables the read-only replica pool.
	ReplicaHost string `mapstructure:"replica_host" yaml:"replica_host,omitempty"`
	ReplicaPort int    `mapstructure:"replica_port" yaml:"replica_port,omitempty"`

	// ControlDatabase is the database cron workers LISTEN on.
	ControlDatabase string `mapstructure:"control_database" validate:"required" yaml:"control_database"`

	// MaxConn bounds busy+idle connections across all databases.
	MaxConn int `mapstructure:"max_conn" validate:"gt=0" yaml:"max_conn"`

	// MaxIdleTime closes idle connections older than this on borrow.
	MaxIdleTime time.Duration `mapstructure:"max_idle_time" yaml:"max_idle_time"`

	// BorrowTimeout bounds a borrow under the "wait" policy.
	BorrowTimeout time.Duration `mapstructure:"borrow_timeout" validate:"gt=0" yaml:"borrow_timeout"`

	// ExhaustionPolicy is "wait" (bounded wait, default) or "fail".
	ExhaustionPolicy string `mapstructure:"exhaustion_policy" validate:"oneof=wait fail" yaml:"exhaustion_policy"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// ApplicationName overrides the default "phoenixd-<pid>".
	ApplicationName string `mapstructure:"application_name" yaml:"application_name,omitempty"`
}

// RegistryConfig configures the registry cache.
type RegistryConfig struct {
	// Capacity overrides the derived cache size when > 0.
	Capacity int `mapstructure:"capacity" validate:"gte=0" yaml:"capacity"`

	// Preload lists databases loaded at startup.
	Preload []string `mapstructure:"preload" yaml:"preload,omitempty"`
}

// SupervisorConfig configures the lifecycle loop.
type SupervisorConfig struct {
	// SleepInterval is the limit check period and the grace window
	// granted to in-flight work once a limit is reached.
	SleepInterval time.Duration `mapstructure:"sleep_interval" validate:"gt=0" yaml:"sleep_interval"`

	// PollInterval is the check period while a limit is reached.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0" yaml:"poll_interval"`

	// ShutdownTimeout bounds the graceful drain.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`

	PidFile string `mapstructure:"pid_file" yaml:"pid_file,omitempty"`

	// DevReload lists paths whose changes trigger a reload.
	DevReload []string `mapstructure:"dev_reload" yaml:"dev_reload,omitempty"`
}

// Load reads configuration from configPath (or the default location),
// the environment, and defaults, then validates it. A missing file is not
// an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	registerDefaults(v, GetDefaultConfig())

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// registerDefaults declares every key to viper. AutomaticEnv only
// consults the environment for keys viper already knows, so without this
// PHOENIXD_* variables would be ignored when no file is present.
func registerDefaults(v *viper.Viper, defaults *Config) {
	var raw map[string]any
	if err := mapstructure.Decode(defaults, &raw); err != nil {
		return
	}
	setDefaults(v, "", raw)
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// MustLoad is Load that insists on an existing file and explains how to
// create one.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Create one with:\n"+
				"  phoenixd config init\n\n"+
				"Or pass an explicit file:\n"+
				"  phoenixd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n"+
			"  phoenixd config init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML with owner-only permissions, since the
// file may hold the database password.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// PHOENIXD_DATABASE_MAX_CONN=32 overrides database.max_conn
	v.SetEnvPrefix("PHOENIXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reports whether a file was read.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook accepts "2GiB", "512 MB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook accepts "30s", "5m" or raw nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/phoenixd, ~/.config/phoenixd, or ".".
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "phoenixd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "phoenixd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a file exists at the default path.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory.
func GetConfigDir() string {
	return getConfigDir()
}
