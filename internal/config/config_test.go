package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_EnvOnlyDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://mibs:secret@db:5432/mibs")
	t.Setenv("AUTH_DISABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval)
	require.Equal(t, time.Minute, cfg.Scheduler.StaleWindow)
	require.Equal(t, 0, cfg.Scheduler.BatchSize)
	require.Equal(t, "MIBS", cfg.Delivery.Subject)
	require.Equal(t, "dummy", cfg.Mailer.Transport)
	require.Equal(t, 7*24*time.Hour, cfg.Redis.TTL)
	require.False(t, cfg.Redis.Enabled)
}

func TestLoad_FileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://mibs:secret@db:5432/mibs
auth:
  disabled: true
scheduler:
  poll_interval: 5s
  stale_window: 2m
  batch_size: 25
mailer:
  transport: smtp
  host: relay.internal
  port: 587
`), 0o600))
	t.Setenv("POLL_INTERVAL", "10s")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 10*time.Second, cfg.Scheduler.PollInterval)
	require.Equal(t, 2*time.Minute, cfg.Scheduler.StaleWindow)
	require.Equal(t, 25, cfg.Scheduler.BatchSize)
	require.Equal(t, "smtp", cfg.Mailer.Transport)
	require.Equal(t, "relay.internal", cfg.Mailer.Host)
	require.Equal(t, 587, cfg.Mailer.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://mibs@db/mibs")
	t.Setenv("AUTH_DISABLED", "true")
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"no dsn":           func(c *Config) { c.Database.DSN = "" },
		"zero poll":        func(c *Config) { c.Scheduler.PollInterval = 0 },
		"negative stale":   func(c *Config) { c.Scheduler.StaleWindow = -time.Second },
		"negative batch":   func(c *Config) { c.Scheduler.BatchSize = -1 },
		"bad transport":    func(c *Config) { c.Mailer.Transport = "pigeon" },
		"auth without key": func(c *Config) { c.Auth.Disabled = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			require.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}

	withJWKS := *base
	withJWKS.Auth.Disabled = false
	withJWKS.Auth.JWKSURI = "https://idp.example.com/realms/safezone/protocol/openid-connect/certs"
	require.NoError(t, withJWKS.Validate())
}

func TestDumpRedactsSecrets(t *testing.T) {
	cfg := &Config{
		Database: Database{DSN: "postgres://mibs:hunter2@db:5432/mibs?sslmode=disable"},
		Redis:    Redis{Password: "redispass"},
		Mailer:   Mailer{Password: "smtppass"},
	}
	out, err := Dump(cfg)
	require.NoError(t, err)

	require.NotContains(t, out, "hunter2")
	require.NotContains(t, out, "redispass")
	require.NotContains(t, out, "smtppass")
	require.Contains(t, out, "postgres://mibs:[redacted]@db:5432/mibs?sslmode=disable")
	// the caller's copy is untouched
	require.Equal(t, "redispass", cfg.Redis.Password)
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/etc/mibs.yaml")
	require.Equal(t, "/etc/mibs.yaml", PathFromEnv(""))
	require.Equal(t, "local.yaml", PathFromEnv("local.yaml"))
}
