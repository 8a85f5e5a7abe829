// Package config resolves runtime settings for the escrow API.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	StoreDriver string
	DatabaseURL string
	MaxDBConns  int32
	RedisURL    string
	RedisPrefix string

	JWTSecret string
	ProofTTL  time.Duration
	// Arbitrators are registered with the arbitrator role at startup.
	Arbitrators []Principal

	CustodyAddress   string
	DefaultToken     string
	SystemArbitrator string

	// Faucet exposes minting on the in-process ledger. Development only.
	Faucet bool

	LogLevel string
	LogDev   bool
}

// Principal is a name and password registered at startup.
type Principal struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// file mirrors the YAML schema of configs/escrow.yaml.
type file struct {
	Server struct {
		Addr            string `yaml:"addr"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Store struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		MaxConns    int32  `yaml:"max_conns"`
		RedisURL    string `yaml:"redis_url"`
		RedisPrefix string `yaml:"redis_prefix"`
	} `yaml:"store"`
	Auth struct {
		JWTSecret   string      `yaml:"jwt_secret"`
		ProofTTL    string      `yaml:"proof_ttl"`
		Arbitrators []Principal `yaml:"arbitrators"`
	} `yaml:"auth"`
	Escrow struct {
		CustodyAddress   string `yaml:"custody_address"`
		DefaultToken     string `yaml:"default_token"`
		SystemArbitrator string `yaml:"system_arbitrator"`
		Faucet           bool   `yaml:"faucet"`
	} `yaml:"escrow"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

func defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		ShutdownTimeout: 10 * time.Second,
		StoreDriver:     DriverMemory,
		MaxDBConns:      20,
		RedisPrefix:     "escrow",
		ProofTTL:        15 * time.Minute,
		CustodyAddress:  "escrow",
		DefaultToken:    "native",
		LogLevel:        "info",
	}
}

// Load resolves configuration in priority order: defaults, then the YAML file at path (a
// missing file is skipped), then ESCROW_* environment variables.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
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

func (c *Config) applyFile(raw []byte) error {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}
	setString(&c.HTTPAddr, f.Server.Addr)
	setString(&c.StoreDriver, f.Store.Driver)
	setString(&c.DatabaseURL, f.Store.DatabaseURL)
	setString(&c.RedisURL, f.Store.RedisURL)
	setString(&c.RedisPrefix, f.Store.RedisPrefix)
	setString(&c.JWTSecret, f.Auth.JWTSecret)
	setString(&c.CustodyAddress, f.Escrow.CustodyAddress)
	setString(&c.DefaultToken, f.Escrow.DefaultToken)
	setString(&c.SystemArbitrator, f.Escrow.SystemArbitrator)
	setString(&c.LogLevel, f.Log.Level)
	if f.Store.MaxConns > 0 {
		c.MaxDBConns = f.Store.MaxConns
	}
	if f.Log.Development {
		c.LogDev = true
	}
	if f.Escrow.Faucet {
		c.Faucet = true
	}
	if len(f.Auth.Arbitrators) > 0 {
		c.Arbitrators = f.Auth.Arbitrators
	}
	if err := setDuration(&c.ShutdownTimeout, "server.shutdown_timeout", f.Server.ShutdownTimeout); err != nil {
		return err
	}
	return setDuration(&c.ProofTTL, "auth.proof_ttl", f.Auth.ProofTTL)
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOrDefault("ESCROW_HTTP_ADDR", c.HTTPAddr)
	c.StoreDriver = envOrDefault("ESCROW_STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = envOrDefault("ESCROW_DATABASE_URL", envOrDefault("DATABASE_URL", c.DatabaseURL))
	c.RedisURL = envOrDefault("ESCROW_REDIS_URL", c.RedisURL)
	c.RedisPrefix = envOrDefault("ESCROW_REDIS_PREFIX", c.RedisPrefix)
	c.JWTSecret = envOrDefault("ESCROW_JWT_SECRET", c.JWTSecret)
	c.CustodyAddress = envOrDefault("ESCROW_CUSTODY_ADDRESS", c.CustodyAddress)
	c.DefaultToken = envOrDefault("ESCROW_DEFAULT_TOKEN", c.DefaultToken)
	c.SystemArbitrator = envOrDefault("ESCROW_SYSTEM_ARBITRATOR", c.SystemArbitrator)
	c.LogLevel = envOrDefault("ESCROW_LOG_LEVEL", c.LogLevel)
	c.LogDev = envBool("ESCROW_LOG_DEV", c.LogDev)
	c.Faucet = envBool("ESCROW_FAUCET", c.Faucet)
	if raw := os.Getenv("ESCROW_ARBITRATORS"); raw != "" {
		arbs, err := parsePrincipals(raw)
		if err != nil {
			return err
		}
		c.Arbitrators = arbs
	}
	c.MaxDBConns = int32(envInt("ESCROW_DB_MAX_CONNS", int(c.MaxDBConns)))

	if err := setDuration(&c.ShutdownTimeout, "ESCROW_SHUTDOWN_TIMEOUT", os.Getenv("ESCROW_SHUTDOWN_TIMEOUT")); err != nil {
		return err
	}
	return setDuration(&c.ProofTTL, "ESCROW_PROOF_TTL", os.Getenv("ESCROW_PROOF_TTL"))
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: store driver %q needs ESCROW_DATABASE_URL", c.StoreDriver)
		}
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: store driver %q needs ESCROW_REDIS_URL", c.StoreDriver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: missing ESCROW_JWT_SECRET")
	}
	if c.CustodyAddress == "" {
		return fmt.Errorf("config: custody address required")
	}
	if c.MaxDBConns <= 0 {
		return fmt.Errorf("config: max db conns must be positive")
	}
	for _, p := range c.Arbitrators {
		if p.Name == "" || p.Password == "" {
			return fmt.Errorf("config: arbitrator entries need name and password")
		}
	}
	return nil
}

// parsePrincipals reads comma-separated name:password pairs.
func parsePrincipals(raw string) ([]Principal, error) {
	var out []Principal
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, password, ok := strings.Cut(part, ":")
		if !ok || name == "" || password == "" {
			return nil, fmt.Errorf("config: ESCROW_ARBITRATORS entry %q is not name:password", part)
		}
		out = append(out, Principal{Name: name, Password: password})
	}
	return out, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("config: %s must be positive", name)
	}
	*dst = d
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	switch os.Getenv(name) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
