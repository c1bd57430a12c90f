package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// unset clears key for the test and restores it afterwards.
func unset(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}
}

func TestLoadDefaultsWithSecret(t *testing.T) {
	unset(t, FileEnvVariable)
	t.Setenv("TESORO_AUTH_SECRET", "s3cret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.GRPC.Addr != ":9090" {
		t.Fatalf("unexpected addrs: %+v %+v", cfg.HTTP, cfg.GRPC)
	}
	if cfg.Database.DSN != "" || cfg.Ledger.MaxRetries != 3 || cfg.Auth.TokenTTL != 15*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := writeFile(t, "tesoro.yaml", `
http:
  addr: ":7000"
  cors_origins: ["https://app.example.com"]
database:
  dsn: postgres://file
  auto_migrate: true
ledger:
  lock_wait: 750ms
  page_size: 25
auth:
  secret: from-file
  dev_tokens: true
`)
	t.Setenv(FileEnvVariable, path)
	t.Setenv("TESORO_PG_DSN", "postgres://env")
	t.Setenv("TESORO_RATE_BURST", "7")
	t.Setenv("TESORO_CORS_ORIGINS", "https://a.example, https://b.example,")
	unset(t, "TESORO_AUTH_SECRET")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Database.DSN != "postgres://env" || !cfg.Database.AutoMigrate {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Ledger.LockWait != 750*time.Millisecond || cfg.Ledger.PageSize != 25 {
		t.Fatalf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Auth.Secret != "from-file" || !cfg.Auth.DevTokens {
		t.Fatalf("auth = %+v", cfg.Auth)
	}
	if cfg.RateLimit.Burst != 7 || cfg.RateLimit.PerSecond != 25 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	if strings.Join(cfg.HTTP.CORSOrigins, "|") != "https://a.example|https://b.example" {
		t.Fatalf("cors = %v", cfg.HTTP.CORSOrigins)
	}
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	path := writeFile(t, "bad.yaml", "htp:\n  addr: \":1\"\n")
	t.Setenv(FileEnvVariable, path)
	t.Setenv("TESORO_AUTH_SECRET", "x")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadEnvFile(t *testing.T) {
	unset(t, FileEnvVariable)
	unset(t, "TESORO_AUTH_SECRET")
	unset(t, "TESORO_PAGE_SIZE")
	path := writeFile(t, ".env", "TESORO_AUTH_SECRET=dotenv\nTESORO_PAGE_SIZE=10\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Secret != "dotenv" || cfg.Ledger.PageSize != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestLoadReportsBadValues(t *testing.T) {
	unset(t, FileEnvVariable)
	t.Setenv("TESORO_AUTH_SECRET", "x")
	t.Setenv("TESORO_LOCK_WAIT", "soon")
	t.Setenv("TESORO_DEV_TOKENS", "maybe")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"TESORO_LOCK_WAIT", "TESORO_DEV_TOKENS"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	cfg.Auth.Secret = "x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.Database.Seed = true
	cfg.Ledger.PageSize = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "page_size") || !strings.Contains(err.Error(), "seed") {
		t.Fatalf("expected joined errors, got %v", err)
	}
}
