package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct tags and the cross-field rules the tags cannot
// express. Errors name the config keys (e.g. "database.max_conn").
func Validate(cfg *Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%s)", keyPath(fe.Namespace()), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	if cfg.Limits.MemoryHard > 0 && cfg.Limits.MemoryHard < cfg.Limits.MemorySoft {
		return fmt.Errorf("limits.memory_hard (%s) must not be lower than limits.memory_soft (%s)",
			cfg.Limits.MemoryHard, cfg.Limits.MemorySoft)
	}
	if cfg.Cron.MaxWorkers >= cfg.Database.MaxConn {
		return fmt.Errorf("cron.max_workers (%d) must be lower than database.max_conn (%d): each worker holds a control connection",
			cfg.Cron.MaxWorkers, cfg.Database.MaxConn)
	}
	if cfg.Supervisor.PollInterval > cfg.Supervisor.SleepInterval {
		return fmt.Errorf("supervisor.poll_interval (%s) must not exceed supervisor.sleep_interval (%s)",
			cfg.Supervisor.PollInterval, cfg.Supervisor.SleepInterval)
	}
	return nil
}

// keyPath turns "Config.database.max_conn" into "database.max_conn".
func keyPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
