package dbpool

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplicationName(t *testing.T) {
	pid := strconv.Itoa(os.Getpid())

	t.Run("DefaultIncludesPID", func(t *testing.T) {
		t.Setenv(AppNameEnv, "")
		assert.Equal(t, "phoenixd-"+pid, ApplicationName(""))
	})

	t.Run("ConfiguredValue", func(t *testing.T) {
		t.Setenv(AppNameEnv, "")
		assert.Equal(t, "billing", ApplicationName("billing"))
	})

	t.Run("EnvironmentWinsAndExpandsPID", func(t *testing.T) {
		t.Setenv(AppNameEnv, "worker-{pid}")
		assert.Equal(t, "worker-"+pid, ApplicationName("billing"))
	})

	t.Run("TruncatedTo63Bytes", func(t *testing.T) {
		t.Setenv(AppNameEnv, strings.Repeat("x", 100))
		assert.Len(t, ApplicationName(""), 63)
	})
}

func TestSettingsInfoFromName(t *testing.T) {
	t.Setenv(AppNameEnv, "test")
	s := Settings{
		Host:           "db.internal",
		Port:           5433,
		User:           "phoenixd",
		Password:       "s3cret word",
		SSLMode:        "disable",
		ConnectTimeout: 1500 * time.Millisecond,
	}

	info, err := s.Info("tenant_a", true)
	require.NoError(t, err)
	assert.Equal(t, "tenant_a", info.Database)
	assert.True(t, info.ReadOnly)
	assert.Equal(t,
		"application_name=test connect_timeout=2 dbname=tenant_a host=db.internal password='s3cret word' port=5433 sslmode=disable user=phoenixd",
		info.DSN)
}

func TestSettingsInfoPassesConnectionStringsThrough(t *testing.T) {
	s := Settings{Host: "ignored"}

	uri := "postgres://u:p@example.com:5432/orders?sslmode=disable"
	info, err := s.Info(uri, false)
	require.NoError(t, err)
	assert.Equal(t, "orders", info.Database)
	assert.Equal(t, uri, info.DSN)

	kv := "host=example.com dbname=inventory"
	info, err = s.Info(kv, false)
	require.NoError(t, err)
	assert.Equal(t, "inventory", info.Database)
	assert.Equal(t, kv, info.DSN)
}

func TestSettingsInfoRejectsEmptyName(t *testing.T) {
	_, err := Settings{}.Info("", false)
	assert.Error(t, err)
}

func TestQuoteDSNValue(t *testing.T) {
	assert.Equal(t, "plain", quoteDSNValue("plain"))
	assert.Equal(t, "''", quoteDSNValue(""))
	assert.Equal(t, `'it\'s'`, quoteDSNValue("it's"))
	assert.Equal(t, `'a\\b'`, quoteDSNValue(`a\b`))
}
