// Package config loads server settings from an optional YAML file, a .env file and
// TESORO_* environment variables, in that order of increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnvVariable names the YAML config file to read before environment overrides.
const FileEnvVariable = "TESORO_CONFIG"

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Database  DatabaseConfig  `yaml:"database"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stream    StreamConfig    `yaml:"stream"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type GRPCConfig struct {
	Addr           string        `yaml:"addr"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// DatabaseConfig selects the store. An empty DSN runs the in-memory ledger.
type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
	Seed        bool   `yaml:"seed"`
}

type LedgerConfig struct {
	LockWait     time.Duration `yaml:"lock_wait"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	PageSize     int           `yaml:"page_size"`
}

type AuthConfig struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	DevTokens bool          `yaml:"dev_tokens"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type RateLimitConfig struct {
	Burst     int `yaml:"burst"`
	PerSecond int `yaml:"per_second"`
}

type StreamConfig struct {
	Buffer int `yaml:"buffer"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		GRPC: GRPCConfig{
			Addr:           ":9090",
			HealthInterval: 10 * time.Second,
		},
		Ledger: LedgerConfig{
			LockWait:     2 * time.Second,
			MaxRetries:   3,
			RetryBackoff: 20 * time.Millisecond,
			PageSize:     100,
		},
		Auth: AuthConfig{
			Issuer:   "tesoro",
			TokenTTL: 15 * time.Minute,
		},
		RateLimit: RateLimitConfig{Burst: 50, PerSecond: 25},
		Stream:    StreamConfig{Buffer: 16},
	}
}

// Load builds the configuration. envFile, when non-empty, must exist; otherwise a .env in
// the working directory is read if present. Variables already set in the process win over
// .env entries.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(FileEnvVariable)); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("TESORO_HTTP_ADDR", &c.HTTP.Addr)
	duration("TESORO_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	if v, ok := os.LookupEnv("TESORO_CORS_ORIGINS"); ok {
		c.HTTP.CORSOrigins = splitList(v)
	}
	str("TESORO_GRPC_ADDR", &c.GRPC.Addr)
	str("TESORO_PG_DSN", &c.Database.DSN)
	boolean("TESORO_AUTO_MIGRATE", &c.Database.AutoMigrate)
	boolean("TESORO_SEED", &c.Database.Seed)
	duration("TESORO_LOCK_WAIT", &c.Ledger.LockWait)
	integer("TESORO_MAX_RETRIES", &c.Ledger.MaxRetries)
	duration("TESORO_RETRY_BACKOFF", &c.Ledger.RetryBackoff)
	integer("TESORO_PAGE_SIZE", &c.Ledger.PageSize)
	str("TESORO_AUTH_SECRET", &c.Auth.Secret)
	str("TESORO_AUTH_ISSUER", &c.Auth.Issuer)
	boolean("TESORO_DEV_TOKENS", &c.Auth.DevTokens)
	duration("TESORO_TOKEN_TTL", &c.Auth.TokenTTL)
	integer("TESORO_RATE_BURST", &c.RateLimit.Burst)
	integer("TESORO_RATE_PER_SEC", &c.RateLimit.PerSecond)
	integer("TESORO_STREAM_BUFFER", &c.Stream.Buffer)

	return errors.Join(errs...)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.GRPC.Addr != "" && c.GRPC.HealthInterval <= 0 {
		errs = append(errs, errors.New("grpc.health_interval must be > 0"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required (TESORO_AUTH_SECRET)"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be > 0"))
	}
	if c.Ledger.LockWait <= 0 {
		errs = append(errs, errors.New("ledger.lock_wait must be > 0"))
	}
	if c.Ledger.MaxRetries < 0 {
		errs = append(errs, errors.New("ledger.max_retries must be >= 0"))
	}
	if c.Ledger.PageSize <= 0 {
		errs = append(errs, errors.New("ledger.page_size must be > 0"))
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit.burst and rate_limit.per_second must be > 0"))
	}
	if c.Database.Seed && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.seed requires database.dsn"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
