package parley

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := LoadConfig()
		require.NoError(t, err)
		require.NoError(t, config.Validate())

		assert.Equal(t, 8080, config.Port)
		assert.Equal(t, DevMode, config.Mode)
		assert.Len(t, config.Auth.Secret, 32, "a random secret is generated")
		assert.Equal(t, SQLiteDriver, config.Store.Driver)
		assert.Equal(t, 256, config.WS.SendBuffer)
		assert.Equal(t, 45*time.Second, config.Calls.RingTimeout)
		assert.Equal(t, time.Minute, config.Calls.Retention)
		assert.Equal(t, slog.LevelInfo, config.Log.Level)
		assert.Equal(t, []string{"*"}, config.AllowedOrigins)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("PORT", "9000")
		t.Setenv("MODE", "prod")
		t.Setenv("AUTH_SECRET", encodedSecret())
		t.Setenv("CALLS_RINGTIMEOUT", "5s")
		t.Setenv("LOG_LEVEL", "DEBUG")
		t.Setenv("ALLOWEDORIGINS", "https://a.example,https://b.example")

		config, err := LoadConfig()
		require.NoError(t, err)
		require.NoError(t, config.Validate())

		assert.Equal(t, 9000, config.Port)
		assert.Equal(t, ProdMode, config.Mode)
		assert.Equal(t, testSecret, []byte(config.Auth.Secret))
		assert.Equal(t, 5*time.Second, config.Calls.RingTimeout)
		assert.Equal(t, slog.LevelDebug, config.Log.Level)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.AllowedOrigins)
	})
}

func TestConfigValidate(t *testing.T) {
	tcs := []struct {
		name   string
		mutate func(*Config)
		exp    string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Port = 70000 },
			exp:    "port must be a valid port number",
		},
		{
			name:   "unknown mode",
			mutate: func(c *Config) { c.Mode = "staging" },
			exp:    "mode must be one of [dev prod]",
		},
		{
			name:   "unknown driver",
			mutate: func(c *Config) { c.Store.Driver = "mysql" },
			exp:    "driver must be one of [sqlite postgres]",
		},
		{
			name:   "missing secret",
			mutate: func(c *Config) { c.Auth.Secret = nil },
			exp:    "secret is a required field",
		},
		{
			name:   "send buffer",
			mutate: func(c *Config) { c.WS.SendBuffer = 0 },
			exp:    "sendBuffer must be at least 1",
		},
		{
			name: "postgres without url",
			mutate: func(c *Config) {
				c.Store.Driver = PostgresDriver
			},
			exp: "postgres.url is required when store.driver is postgres",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			config := newTestConfig(t)
			tc.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, FormatValidationErrors(err), tc.exp)
		})
	}

	t.Run("valid config is cached", func(t *testing.T) {
		config := newTestConfig(t)
		require.NoError(t, config.Validate())
		config.Port = 0
		assert.NoError(t, config.Validate())
	})
}
