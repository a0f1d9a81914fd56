package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/trustcore/internal/crypto/fieldcrypt"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "trustcore.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Session.RememberTTL)
	assert.Equal(t, fieldcrypt.AlgAES256GCM, cfg.Crypto.Algorithm)
	assert.False(t, cfg.Crypto.LegacyReads)
}

func TestLoad_Layering(t *testing.T) {
	file := writeYAML(t, `
listen_addr: 0.0.0.0:9000
policy_version: "2025-01"
storage:
  driver: postgres
  dsn: postgres://file/db
session:
  ttl: 2h
limiter:
  max_fails: 7
`)

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := load([]string{"-config", file}, envMap(nil))
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
		assert.Equal(t, "2025-01", cfg.PolicyVersion)
		assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
		assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
		assert.Equal(t, 7, cfg.Limiter.MaxFails)
		// untouched keys keep their defaults
		assert.Equal(t, 30*24*time.Hour, cfg.Session.RememberTTL)
	})

	t.Run("env over file", func(t *testing.T) {
		cfg, err := load(nil, envMap(map[string]string{
			"TRUSTCORE_CONFIG":          file,
			"TRUSTCORE_DSN":             "postgres://env/db",
			"TRUSTCORE_SESSION_TTL":     "3h",
			"TRUSTCORE_LIMIT_MAX_FAILS": "9",
			"TRUSTCORE_LEGACY_READS":    "yes",
		}))
		require.NoError(t, err)
		assert.Equal(t, "postgres://env/db", cfg.Storage.DSN)
		assert.Equal(t, 3*time.Hour, cfg.Session.TTL)
		assert.Equal(t, 9, cfg.Limiter.MaxFails)
		assert.True(t, cfg.Crypto.LegacyReads)
	})

	t.Run("flags over env", func(t *testing.T) {
		cfg, err := load(
			[]string{"-config", file, "-session-ttl", "4h", "-dsn", "postgres://flag/db"},
			envMap(map[string]string{"TRUSTCORE_SESSION_TTL": "3h", "TRUSTCORE_DSN": "postgres://env/db"}),
		)
		require.NoError(t, err)
		assert.Equal(t, 4*time.Hour, cfg.Session.TTL)
		assert.Equal(t, "postgres://flag/db", cfg.Storage.DSN)
	})
}

func TestLoad_Errors(t *testing.T) {
	_, err := load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, envMap(nil))
	require.Error(t, err)

	_, err = load(nil, envMap(map[string]string{"TRUSTCORE_SESSION_TTL": "soon"}))
	require.ErrorContains(t, err, "TRUSTCORE_SESSION_TTL")

	_, err = load([]string{"-no-such-flag"}, envMap(nil))
	require.Error(t, err)

	bad := writeYAML(t, "storage: [not, a, map]\n")
	_, err = load([]string{"-config", bad}, envMap(nil))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "unknown storage driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "needs a DSN"},
		{"unknown session backend", func(c *Config) { c.Session.Backend = "redis" }, "unknown session backend"},
		{"badger without dir", func(c *Config) { c.Session.Backend = SessionsBadger; c.Session.BadgerDir = "" }, "needs a directory"},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }, "TTLs must be positive"},
		{"bad cipher", func(c *Config) { c.Crypto.Algorithm = "DES" }, "unsupported cipher"},
		{"file store without path", func(c *Config) { c.Key.Store = KeyStoreFile; c.Key.File = "" }, "key file path"},
		{"half tls", func(c *Config) { c.TLS.CertFile = "cert.pem" }, "set together"},
		{"zero max fails", func(c *Config) { c.Limiter.MaxFails = 0 }, "limiter"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			require.ErrorContains(t, c.Validate(), tc.want)
		})
	}
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool("ON", false))
	assert.False(t, parseBool("0", true))
	assert.True(t, parseBool("maybe", true))
}
