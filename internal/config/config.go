// Package config resolves runtime settings for the Trust Core host and the
// admin CLI. Sources are layered: built-in defaults, an optional YAML file,
// TRUSTCORE_* environment variables and finally command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/and161185/trustcore/internal/crypto/fieldcrypt"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Session backends.
const (
	SessionsSQL    = "sql"
	SessionsBadger = "badger"
)

// Key store kinds.
const (
	KeyStoreKeyring = "keyring"
	KeyStoreFile    = "file"
)

// Config holds every tunable of the process.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	PolicyVersion string        `yaml:"policy_version"`
	Dev           bool          `yaml:"dev"`
	Storage       StorageConfig `yaml:"storage"`
	Session       SessionConfig `yaml:"session"`
	Limiter       LimiterConfig `yaml:"limiter"`
	Crypto        CryptoConfig  `yaml:"crypto"`
	Key           KeyConfig     `yaml:"key"`
	TLS           TLSConfig     `yaml:"tls"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

type SessionConfig struct {
	Backend       string        `yaml:"backend"`
	BadgerDir     string        `yaml:"badger_dir"`
	TTL           time.Duration `yaml:"ttl"`
	RememberTTL   time.Duration `yaml:"remember_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LimiterConfig struct {
	Window   time.Duration `yaml:"window"`
	MaxFails int           `yaml:"max_fails"`
	BlockFor time.Duration `yaml:"block_for"`
}

type CryptoConfig struct {
	Algorithm   string `yaml:"algorithm"`
	LegacyReads bool   `yaml:"legacy_reads"`
}

type KeyConfig struct {
	Store          string `yaml:"store"`
	File           string `yaml:"file"`
	BootstrapFile  string `yaml:"bootstrap_file"`
	KeyringService string `yaml:"keyring_service"`
	KeyringUser    string `yaml:"keyring_user"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Default returns settings for a single-user desktop install.
func Default() Config {
	return Config{
		ListenAddr:    "127.0.0.1:8443",
		PolicyVersion: "1",
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "data/trustcore.db",
		},
		Session: SessionConfig{
			Backend:       SessionsSQL,
			BadgerDir:     "data/sessions",
			TTL:           24 * time.Hour,
			RememberTTL:   30 * 24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Limiter: LimiterConfig{
			Window:   15 * time.Minute,
			MaxFails: 5,
			BlockFor: 15 * time.Minute,
		},
		Crypto: CryptoConfig{Algorithm: fieldcrypt.AlgAES256GCM},
		Key: KeyConfig{
			Store:          KeyStoreKeyring,
			File:           "data/master.key",
			KeyringService: "trustcore",
			KeyringUser:    "master-key",
		},
	}
}

// Load resolves the configuration from args (without the program name) and
// the process environment.
func Load(args []string) (Config, error) {
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("trustcore", flag.ContinueOnError)
	path := bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// flags win over everything, so remember them and replay after the other layers
	set := map[string]string{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = f.Value.String() })

	file := *path
	if file == "" {
		file = getenv("TRUSTCORE_CONFIG")
	}

	cfg = Default()
	if file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	for name, v := range set {
		if err := fs.Set(name, v); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func bindFlags(fs *flag.FlagSet, c *Config) *string {
	path := fs.String("config", "", "YAML config file")
	fs.StringVar(&c.ListenAddr, "addr", c.ListenAddr, "listen address")
	fs.StringVar(&c.PolicyVersion, "policy-version", c.PolicyVersion, "consent policy version")
	fs.BoolVar(&c.Dev, "dev", c.Dev, "enable server reflection (dev only)")
	fs.StringVar(&c.Storage.Driver, "driver", c.Storage.Driver, "storage driver: sqlite|postgres")
	fs.StringVar(&c.Storage.DSN, "dsn", c.Storage.DSN, "PostgreSQL DSN")
	fs.StringVar(&c.Storage.SQLitePath, "db", c.Storage.SQLitePath, "SQLite database path")
	fs.StringVar(&c.Session.Backend, "sessions", c.Session.Backend, "session backend: sql|badger")
	fs.StringVar(&c.Session.BadgerDir, "badger-dir", c.Session.BadgerDir, "badger session directory")
	fs.DurationVar(&c.Session.TTL, "session-ttl", c.Session.TTL, "session lifetime")
	fs.DurationVar(&c.Session.RememberTTL, "remember-ttl", c.Session.RememberTTL, "remember-me session lifetime")
	fs.DurationVar(&c.Session.SweepInterval, "sweep-interval", c.Session.SweepInterval, "expired session sweep interval (0 disables)")
	fs.DurationVar(&c.Limiter.Window, "limit-window", c.Limiter.Window, "login failure window")
	fs.IntVar(&c.Limiter.MaxFails, "limit-max-fails", c.Limiter.MaxFails, "failures before a block")
	fs.DurationVar(&c.Limiter.BlockFor, "limit-block", c.Limiter.BlockFor, "block duration")
	fs.StringVar(&c.Crypto.Algorithm, "cipher", c.Crypto.Algorithm, "field cipher for new envelopes")
	fs.BoolVar(&c.Crypto.LegacyReads, "legacy-reads", c.Crypto.LegacyReads, "pass unframed plaintext through on decrypt")
	fs.StringVar(&c.Key.Store, "key-store", c.Key.Store, "master key store: keyring|file")
	fs.StringVar(&c.Key.File, "key-file", c.Key.File, "master key file (file store)")
	fs.StringVar(&c.Key.BootstrapFile, "bootstrap-file", c.Key.BootstrapFile, "one-time bootstrap key file")
	fs.StringVar(&c.TLS.CertFile, "tls-cert", c.TLS.CertFile, "TLS certificate (PEM)")
	fs.StringVar(&c.TLS.KeyFile, "tls-key", c.TLS.KeyFile, "TLS private key (PEM)")
	return path
}

func applyEnv(c *Config, getenv func(string) string) error {
	var errList []error
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errList = append(errList, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("TRUSTCORE_LISTEN_ADDR", &c.ListenAddr)
	str("TRUSTCORE_POLICY_VERSION", &c.PolicyVersion)
	if v := getenv("TRUSTCORE_DEV"); v != "" {
		c.Dev = parseBool(v, c.Dev)
	}
	str("TRUSTCORE_DRIVER", &c.Storage.Driver)
	str("TRUSTCORE_DSN", &c.Storage.DSN)
	str("TRUSTCORE_SQLITE_PATH", &c.Storage.SQLitePath)
	str("TRUSTCORE_SESSION_BACKEND", &c.Session.Backend)
	str("TRUSTCORE_BADGER_DIR", &c.Session.BadgerDir)
	dur("TRUSTCORE_SESSION_TTL", &c.Session.TTL)
	dur("TRUSTCORE_REMEMBER_TTL", &c.Session.RememberTTL)
	dur("TRUSTCORE_SWEEP_INTERVAL", &c.Session.SweepInterval)
	dur("TRUSTCORE_LIMIT_WINDOW", &c.Limiter.Window)
	dur("TRUSTCORE_LIMIT_BLOCK", &c.Limiter.BlockFor)
	if v := getenv("TRUSTCORE_LIMIT_MAX_FAILS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("TRUSTCORE_LIMIT_MAX_FAILS: %w", err))
		} else {
			c.Limiter.MaxFails = n
		}
	}
	str("TRUSTCORE_CIPHER", &c.Crypto.Algorithm)
	if v := getenv("TRUSTCORE_LEGACY_READS"); v != "" {
		c.Crypto.LegacyReads = parseBool(v, c.Crypto.LegacyReads)
	}
	str("TRUSTCORE_KEY_STORE", &c.Key.Store)
	str("TRUSTCORE_KEY_FILE", &c.Key.File)
	str("TRUSTCORE_BOOTSTRAP_FILE", &c.Key.BootstrapFile)
	str("TRUSTCORE_TLS_CERT", &c.TLS.CertFile)
	str("TRUSTCORE_TLS_KEY", &c.TLS.KeyFile)
	return errors.Join(errList...)
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}

// Validate rejects combinations the host cannot start with.
func (c Config) Validate() error {
	var errList []error
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errList = append(errList, errors.New("sqlite driver needs a database path"))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errList = append(errList, errors.New("postgres driver needs a DSN"))
		}
	default:
		errList = append(errList, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Session.Backend {
	case SessionsSQL:
	case SessionsBadger:
		if c.Session.BadgerDir == "" {
			errList = append(errList, errors.New("badger session backend needs a directory"))
		}
	default:
		errList = append(errList, fmt.Errorf("unknown session backend %q", c.Session.Backend))
	}
	if c.Session.TTL <= 0 || c.Session.RememberTTL <= 0 {
		errList = append(errList, errors.New("session TTLs must be positive"))
	}
	if c.Session.SweepInterval < 0 {
		errList = append(errList, errors.New("sweep interval must not be negative"))
	}
	if c.Limiter.MaxFails <= 0 || c.Limiter.Window <= 0 || c.Limiter.BlockFor <= 0 {
		errList = append(errList, errors.New("limiter window, max fails and block must be positive"))
	}
	switch c.Crypto.Algorithm {
	case fieldcrypt.AlgAES256GCM, fieldcrypt.AlgXChaCha20Poly1305:
	default:
		errList = append(errList, fmt.Errorf("unsupported cipher %q", c.Crypto.Algorithm))
	}
	switch c.Key.Store {
	case KeyStoreKeyring:
	case KeyStoreFile:
		if c.Key.File == "" {
			errList = append(errList, errors.New("file key store needs a key file path"))
		}
	default:
		errList = append(errList, fmt.Errorf("unknown key store %q", c.Key.Store))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errList = append(errList, errors.New("tls cert and key must be set together"))
	}
	if c.PolicyVersion == "" {
		errList = append(errList, errors.New("policy version must not be empty"))
	}
	return errors.Join(errList...)
}
