package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds process settings. Values come from defaults, then the YAML
// file named by YARDOPS_CONFIG, then YARDOPS_* environment variables.
type Config struct {
	HTTPAddr     string        `yaml:"http_addr"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	PostgresDSN  string        `yaml:"postgres_dsn"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisTTL     time.Duration `yaml:"redis_ttl"`
	CasbinModel  string        `yaml:"casbin_model"`
	CasbinPolicy string        `yaml:"casbin_policy"`
	GuardPolicy  string        `yaml:"guard_policy"`

	SuperuserRoles []string `yaml:"superuser_roles"`
	CORSOrigins    []string `yaml:"cors_origins"`
	TrustedProxies []string `yaml:"trusted_proxies"`

	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	AuthSecret string        `yaml:"auth_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	DevTokens  bool          `yaml:"dev_tokens"`
	LogLevel   string        `yaml:"log_level"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		RedisTTL:       30 * time.Second,
		SuperuserRoles: []string{"super_admin"},
		CORSOrigins:    []string{"*"},
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		MaxBodyBytes:   1 << 20,
		SweepInterval:  time.Minute,
		TokenTTL:       time.Hour,
		LogLevel:       "info",
	}
}

// Load reads an optional .env file, the optional YAML overlay and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("YARDOPS_CONFIG")); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = splitList(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("YARDOPS_HTTP_ADDR", &c.HTTPAddr)
	str("YARDOPS_GRPC_ADDR", &c.GRPCAddr)
	str("YARDOPS_PG_DSN", &c.PostgresDSN)
	str("YARDOPS_REDIS_ADDR", &c.RedisAddr)
	dur("YARDOPS_REDIS_TTL", &c.RedisTTL)
	str("YARDOPS_CASBIN_MODEL", &c.CasbinModel)
	str("YARDOPS_CASBIN_POLICY", &c.CasbinPolicy)
	str("YARDOPS_GUARD_POLICY", &c.GuardPolicy)
	list("YARDOPS_SUPERUSER_ROLES", &c.SuperuserRoles)
	list("YARDOPS_CORS_ORIGINS", &c.CORSOrigins)
	list("YARDOPS_TRUSTED_PROXIES", &c.TrustedProxies)
	dur("YARDOPS_SWEEP_INTERVAL", &c.SweepInterval)
	str("YARDOPS_AUTH_SECRET", &c.AuthSecret)
	dur("YARDOPS_TOKEN_TTL", &c.TokenTTL)
	str("YARDOPS_LOG_LEVEL", &c.LogLevel)

	if v := strings.TrimSpace(getenv("YARDOPS_RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("YARDOPS_RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimitRPS = f
		}
	}
	if v := strings.TrimSpace(getenv("YARDOPS_RATE_LIMIT_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("YARDOPS_RATE_LIMIT_BURST: %w", err))
		} else {
			c.RateLimitBurst = n
		}
	}
	if v := strings.TrimSpace(getenv("YARDOPS_MAX_BODY_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("YARDOPS_MAX_BODY_BYTES: %w", err))
		} else {
			c.MaxBodyBytes = n
		}
	}
	if v := strings.TrimSpace(getenv("YARDOPS_DEV_TOKENS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("YARDOPS_DEV_TOKENS: %w", err))
		} else {
			c.DevTokens = b
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http address is required")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be positive")
	}
	if c.SweepInterval < 0 || c.RedisTTL < 0 || c.TokenTTL <= 0 {
		return errors.New("durations must not be negative")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become
// single-host prefixes.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
