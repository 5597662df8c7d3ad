// Package config loads authcore settings. Loading order: compiled defaults,
// then an optional YAML file, then environment variables with the AUTHCORE_
// prefix where __ separates nested keys, e.g.
// AUTHCORE_LOCKOUT__MAX_FAILED_ATTEMPTS=10.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"authcore.org/internal/lockout"
)

const EnvPrefix = "AUTHCORE_"

type Config struct {
	Database    Database       `koanf:"database"`
	Store       Store          `koanf:"store"`
	Cache       Cache          `koanf:"cache"`
	Tokens      Tokens         `koanf:"tokens"`
	Lockout     lockout.Config `koanf:"lockout"`
	Audit       Audit          `koanf:"audit"`
	HTTP        HTTP           `koanf:"http"`
	Maintenance Maintenance    `koanf:"maintenance"`
}

type Database struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type Store struct {
	// Backend is "postgres" or "bunt".
	Backend string `koanf:"backend"`
	// BuntPath is a file path or ":memory:".
	BuntPath string `koanf:"bunt_path"`
}

type Cache struct {
	// Backend is "memory", "valkey" or "none".
	Backend      string        `koanf:"backend"`
	Size         int           `koanf:"size"`
	ValkeyAddr   []string      `koanf:"valkey_addr"`
	ValkeyPrefix string        `koanf:"valkey_prefix"`
	MaxTTL       time.Duration `koanf:"max_ttl"`
}

type Tokens struct {
	AccessTTL     time.Duration `koanf:"access_ttl"`
	RefreshTTL    time.Duration `koanf:"refresh_ttl"`
	MaxAccessTTL  time.Duration `koanf:"max_access_ttl"`
	MaxRefreshTTL time.Duration `koanf:"max_refresh_ttl"`
	MaxOtherTTL   time.Duration `koanf:"max_other_ttl"`
	// AccessFormat is "jwt" or "opaque".
	AccessFormat  string `koanf:"access_format"`
	SigningSecret string `koanf:"signing_secret"`
	Issuer        string `koanf:"issuer"`
	UsageBuffer   int    `koanf:"usage_buffer"`
}

type Audit struct {
	// Sink is "log" or "postgres".
	Sink         string        `koanf:"sink"`
	Buffer       int           `koanf:"buffer"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type HTTP struct {
	Addr string `koanf:"addr"`
	// RateBurst and RatePerSecond bound requests per client IP; a
	// non-positive rate disables limiting.
	RateBurst     int     `koanf:"rate_burst"`
	RatePerSecond float64 `koanf:"rate_per_second"`
}

type Maintenance struct {
	PurgeInterval  time.Duration `koanf:"purge_interval"`
	TokenRetention time.Duration `koanf:"token_retention"`
}

func Default() Config {
	return Config{
		Database: Database{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Store: Store{Backend: "postgres", BuntPath: ":memory:"},
		Cache: Cache{
			Backend:      "memory",
			Size:         10000,
			ValkeyPrefix: "authcore:perm:",
			MaxTTL:       time.Hour,
		},
		Tokens: Tokens{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			MaxAccessTTL:  time.Hour,
			MaxRefreshTTL: 90 * 24 * time.Hour,
			MaxOtherTTL:   7 * 24 * time.Hour,
			AccessFormat:  "opaque",
			Issuer:        "authcore",
			UsageBuffer:   1024,
		},
		Lockout: lockout.DefaultConfig(),
		Audit:   Audit{Sink: "log", Buffer: 1024, WriteTimeout: 5 * time.Second},
		HTTP:    HTTP{Addr: ":8080", RateBurst: 20, RatePerSecond: 10},
		Maintenance: Maintenance{
			PurgeInterval:  time.Hour,
			TokenRetention: 30 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps AUTHCORE_TOKENS__ACCESS_TTL to tokens.access_ttl.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres store"))
		}
	case "bunt":
		if c.Store.BuntPath == "" {
			errs = append(errs, errors.New("store.bunt_path is required for the bunt store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of postgres, bunt", c.Store.Backend))
	}

	switch c.Cache.Backend {
	case "memory":
		if c.Cache.Size <= 0 {
			errs = append(errs, errors.New("cache.size must be positive"))
		}
	case "valkey":
		if len(c.Cache.ValkeyAddr) == 0 {
			errs = append(errs, errors.New("cache.valkey_addr is required for the valkey cache"))
		}
		if c.Cache.MaxTTL <= 0 {
			errs = append(errs, errors.New("cache.max_ttl must be positive"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of memory, valkey, none", c.Cache.Backend))
	}

	t := c.Tokens
	if t.AccessTTL <= 0 || t.RefreshTTL <= 0 {
		errs = append(errs, errors.New("tokens.access_ttl and tokens.refresh_ttl must be positive"))
	}
	if t.AccessTTL > t.MaxAccessTTL {
		errs = append(errs, fmt.Errorf("tokens.access_ttl %s exceeds tokens.max_access_ttl %s", t.AccessTTL, t.MaxAccessTTL))
	}
	if t.RefreshTTL > t.MaxRefreshTTL {
		errs = append(errs, fmt.Errorf("tokens.refresh_ttl %s exceeds tokens.max_refresh_ttl %s", t.RefreshTTL, t.MaxRefreshTTL))
	}
	switch t.AccessFormat {
	case "opaque":
	case "jwt":
		if len(t.SigningSecret) < 32 {
			errs = append(errs, errors.New("tokens.signing_secret must be at least 32 bytes for jwt access tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("tokens.access_format %q is not one of jwt, opaque", t.AccessFormat))
	}

	if err := c.Lockout.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Audit.Sink {
	case "log":
	case "postgres":
		if c.Store.Backend != "postgres" {
			errs = append(errs, errors.New("audit.sink postgres requires store.backend postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.sink %q is not one of log, postgres", c.Audit.Sink))
	}

	if c.Maintenance.PurgeInterval < 0 || c.Maintenance.TokenRetention < 0 {
		errs = append(errs, errors.New("maintenance durations must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
