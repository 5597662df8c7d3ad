package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("AUTHCORE_STORE__BACKEND", "bunt")
	t.Setenv("AUTHCORE_LOCKOUT__MAX_FAILED_ATTEMPTS", "7")
	t.Setenv("AUTHCORE_TOKENS__ACCESS_TTL", "10m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "bunt" {
		t.Fatalf("store backend: %q", cfg.Store.Backend)
	}
	if cfg.Lockout.MaxFailedAttempts != 7 {
		t.Fatalf("max failed attempts: %d", cfg.Lockout.MaxFailedAttempts)
	}
	if cfg.Tokens.AccessTTL != 10*time.Minute {
		t.Fatalf("access ttl: %s", cfg.Tokens.AccessTTL)
	}
	if cfg.Lockout.DefaultDuration != 15*time.Minute || !cfg.Lockout.EnableIdempotentUnlock {
		t.Fatalf("lockout defaults lost: %+v", cfg.Lockout)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authcore.yaml")
	data := `
store:
  backend: postgres
database:
  dsn: postgres://authcore@localhost/authcore
cache:
  backend: none
lockout:
  default_duration: 30m
tokens:
  access_format: jwt
  signing_secret: 0123456789abcdef0123456789abcdef
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTHCORE_LOCKOUT__DEFAULT_DURATION", "45m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.DSN != "postgres://authcore@localhost/authcore" {
		t.Fatalf("dsn: %q", cfg.Database.DSN)
	}
	if cfg.Cache.Backend != "none" || cfg.Tokens.AccessFormat != "jwt" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Lockout.DefaultDuration != 45*time.Minute {
		t.Fatalf("env must override file, got %s", cfg.Lockout.DefaultDuration)
	}
	if cfg.Database.MaxOpenConns != 10 {
		t.Fatalf("default pool size lost: %d", cfg.Database.MaxOpenConns)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "postgres"
	cfg.Tokens.AccessFormat = "jwt"
	cfg.Cache.Backend = "redis"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"database.dsn", "signing_secret", "cache.backend"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestEnvKey(t *testing.T) {
	if got := envKey("AUTHCORE_LOCKOUT__MAX_FAILED_ATTEMPTS"); got != "lockout.max_failed_attempts" {
		t.Fatalf("envKey: %q", got)
	}
}
