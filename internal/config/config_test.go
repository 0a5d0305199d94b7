package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/deesec/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.GRPC.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "open", cfg.Identity.Mode)
	assert.Equal(t, 24*time.Hour, cfg.Identity.TokenTTL)
	assert.Equal(t, "deesec:events", cfg.Events.RedisChannel)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
}

func TestLoad_fileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: sqlite
  dsn: /tmp/ledger.db
identity:
  mode: token
  key_path: /tmp/key.pem
  token_ttl: 1h
`)
	t.Setenv("DEESEC_SERVER_PORT", "9999")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/ledger.db", cfg.Storage.DSN)
	assert.Equal(t, "token", cfg.Identity.Mode)
	assert.Equal(t, time.Hour, cfg.Identity.TokenTTL)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoad_rejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown driver":      "storage:\n  driver: mongo\n",
		"sqlite without dsn":  "storage:\n  driver: sqlite\n  dsn: \"\"\n",
		"bad identity mode":   "identity:\n  mode: ldap\n",
		"token without key":   "identity:\n  mode: token\n  key_path: \"\"\n",
		"webhook no secret":   "events:\n  webhook_urls: [\"https://example.com/hook\"]\n",
		"webhook bad url":     "events:\n  webhook_urls: [\"not a url\"]\n  webhook_secret: s\n",
		"queue without redis": "events:\n  queue_webhooks: true\n",
		"bad log level":       "log:\n  level: loud\n",
		"port clash":          "server:\n  port: 9090\ngrpc:\n  port: 9090\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, body))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, err := config.NewLogger(config.LogConfig{Level: "debug"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = config.NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
