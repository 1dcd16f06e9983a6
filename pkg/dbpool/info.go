package dbpool

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// AppNameEnv overrides the application_name reported to the server.
// "{pid}" in its value is replaced by the process id.
const AppNameEnv = "PHOENIXD_PGAPPNAME"

const maxAppNameLen = 63

// ConnInfo describes how to reach one database.
type ConnInfo struct {
	Database string
	DSN      string
	ReadOnly bool
}

// Settings are the server coordinates shared by every database name.
type Settings struct {
	Host            string
	Port            int
	User            string
	Password        string
	SSLMode         string
	ConnectTimeout  time.Duration
	ApplicationName string
}

// ApplicationName returns the name reported to the server.
func ApplicationName(configured string) string {
	name := configured
	if env, ok := os.LookupEnv(AppNameEnv); ok && env != "" {
		name = env
	}
	if name == "" {
		name = "phoenixd-{pid}"
	}
	name = strings.ReplaceAll(name, "{pid}", strconv.Itoa(os.Getpid()))
	if len(name) > maxAppNameLen {
		name = name[:maxAppNameLen]
	}
	return name
}

// Info resolves name to connection info. A name holding a URI
// ("postgres://...") or key/value pairs ("host=... dbname=...") is used as
// is; anything else is a database name on the configured server.
func (s Settings) Info(name string, readOnly bool) (ConnInfo, error) {
	if strings.Contains(name, "://") || strings.Contains(name, "=") {
		cfg, err := pgx.ParseConfig(name)
		if err != nil {
			return ConnInfo{}, fmt.Errorf("invalid connection string: %w", err)
		}
		return ConnInfo{Database: cfg.Database, DSN: name, ReadOnly: readOnly}, nil
	}
	if name == "" {
		return ConnInfo{}, fmt.Errorf("empty database name")
	}

	params := map[string]string{
		"dbname":           name,
		"application_name": ApplicationName(s.ApplicationName),
	}
	if s.Host != "" {
		params["host"] = s.Host
	}
	if s.Port != 0 {
		params["port"] = strconv.Itoa(s.Port)
	}
	if s.User != "" {
		params["user"] = s.User
	}
	if s.Password != "" {
		params["password"] = s.Password
	}
	if s.SSLMode != "" {
		params["sslmode"] = s.SSLMode
	}
	if s.ConnectTimeout > 0 {
		secs := int(s.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		params["connect_timeout"] = strconv.Itoa(secs)
	}
	return ConnInfo{Database: name, DSN: keyValueDSN(params), ReadOnly: readOnly}, nil
}

// keyValueDSN renders params in libpq key/value form with stable ordering.
func keyValueDSN(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteDSNValue(params[k]))
	}
	return b.String()
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
