package payoutd

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/runtime"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations for TOML and environment overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Oracle modes.
const (
	OracleModeLocal  = "local"
	OracleModeRemote = "remote"
)

// Config captures the runtime configuration for payoutd.
type Config struct {
	ListenAddress      string           `yaml:"listen" toml:"listen"`
	AdminListenAddress string           `yaml:"admin_listen" toml:"admin_listen"`
	DataDir            string           `yaml:"data_dir" toml:"data_dir"`
	Coordinator        string           `yaml:"coordinator" toml:"coordinator"`
	Factory            string           `yaml:"factory" toml:"factory"`
	PauseOnStart       bool             `yaml:"pause" toml:"pause"`
	StrandedTracking   bool             `yaml:"stranded_tracking" toml:"stranded_tracking"`
	ServiceTimeScale   Duration         `yaml:"service_time_scale" toml:"service_time_scale"`
	ShutdownGrace      Duration         `yaml:"shutdown_grace" toml:"shutdown_grace"`
	Oracle             OracleConfig     `yaml:"oracle" toml:"oracle"`
	Auth               CallerAuthConfig `yaml:"auth" toml:"auth"`
	Admin              AdminConfig      `yaml:"admin" toml:"admin"`
	RateLimit          RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Accounts           []GenesisAccount `yaml:"accounts" toml:"accounts"`
	Log                LogConfig        `yaml:"log" toml:"log"`
}

// OracleConfig selects where eligibility answers come from.
type OracleConfig struct {
	Account string        `yaml:"account" toml:"account"`
	Mode    string        `yaml:"mode" toml:"mode"`
	URL     string        `yaml:"url" toml:"url"`
	Timeout Duration      `yaml:"timeout" toml:"timeout"`
	Entries []string      `yaml:"entries" toml:"entries"`
	Breaker BreakerConfig `yaml:"breaker" toml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding the remote oracle.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `yaml:"consecutive_failures" toml:"consecutive_failures"`
	MaxRequests         uint32   `yaml:"max_requests" toml:"max_requests"`
	Interval            Duration `yaml:"interval" toml:"interval"`
	Timeout             Duration `yaml:"timeout" toml:"timeout"`
}

// CallerAuthConfig configures JWT verification on the public API.
type CallerAuthConfig struct {
	JWTSecret     string   `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretFile string   `yaml:"jwt_secret_file" toml:"jwt_secret_file"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      string   `yaml:"audience" toml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string         `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string         `yaml:"bearer_token_file" toml:"bearer_token_file"`
	MTLS            MTLSConfig     `yaml:"mtls" toml:"mtls"`
	TLS             AdminTLSConfig `yaml:"tls" toml:"tls"`
}

// MTLSConfig controls mutual TLS verification.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ClientCAPath string `yaml:"client_ca" toml:"client_ca"`
}

// AdminTLSConfig configures TLS certificates for the admin API.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable" toml:"disable"`
	CertPath string `yaml:"cert" toml:"cert"`
	KeyPath  string `yaml:"key" toml:"key"`
}

// RateLimitConfig bounds payout submissions per caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// GenesisAccount is created on first start when missing.
type GenesisAccount struct {
	ID      string `yaml:"id" toml:"id"`
	Balance string `yaml:"balance" toml:"balance"`
}

// LogConfig controls the optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("caller auth: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7082"
	}
	if cfg.AdminListenAddress == "" {
		cfg.AdminListenAddress = ":7083"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data/payoutd"
	}
	if cfg.Coordinator == "" {
		cfg.Coordinator = "whitelist-payouts"
	}
	if cfg.ServiceTimeScale.Duration == 0 {
		cfg.ServiceTimeScale.Duration = 200 * time.Millisecond
	}
	if cfg.ShutdownGrace.Duration <= 0 {
		cfg.ShutdownGrace.Duration = runtime.DefaultShutdownGrace
	}
	cfg.Oracle.Mode = strings.ToLower(strings.TrimSpace(cfg.Oracle.Mode))
	if cfg.Oracle.Mode == "" {
		cfg.Oracle.Mode = OracleModeLocal
	}
	if cfg.Oracle.Account == "" {
		cfg.Oracle.Account = "smart-whitelist"
	}
	if cfg.Oracle.Timeout.Duration == 0 {
		cfg.Oracle.Timeout.Duration = 2 * time.Second
	}
	if cfg.Oracle.Breaker.ConsecutiveFailures == 0 {
		cfg.Oracle.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Oracle.Breaker.MaxRequests == 0 {
		cfg.Oracle.Breaker.MaxRequests = 1
	}
	if cfg.Oracle.Breaker.Timeout.Duration == 0 {
		cfg.Oracle.Breaker.Timeout.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	for name, value := range map[string]string{
		"coordinator":    cfg.Coordinator,
		"factory":        cfg.Factory,
		"oracle.account": cfg.Oracle.Account,
	} {
		if _, err := identity.ParseAccountID(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch cfg.Oracle.Mode {
	case OracleModeLocal:
		for _, entry := range cfg.Oracle.Entries {
			if _, err := identity.ParseAccountID(entry); err != nil {
				return fmt.Errorf("oracle.entries: %w", err)
			}
		}
	case OracleModeRemote:
		if strings.TrimSpace(cfg.Oracle.URL) == "" {
			return fmt.Errorf("oracle.url must be configured in remote mode")
		}
	default:
		return fmt.Errorf("oracle.mode %q must be local or remote", cfg.Oracle.Mode)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be configured")
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.MTLS.Enabled {
		return fmt.Errorf("configure either bearer_token or mTLS for admin authentication")
	}
	for _, account := range cfg.Accounts {
		if _, err := identity.ParseAccountID(account.ID); err != nil {
			return fmt.Errorf("accounts: %w", err)
		}
		if _, err := parseAmount(account.Balance); err != nil {
			return fmt.Errorf("accounts %s: %w", account.ID, err)
		}
	}
	return nil
}

func (c *CallerAuthConfig) normalise() error {
	secret := strings.TrimSpace(c.JWTSecret)
	if path := strings.TrimSpace(c.JWTSecretFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	c.JWTSecret = secret
	c.Issuer = strings.TrimSpace(c.Issuer)
	c.Audience = strings.TrimSpace(c.Audience)
	return nil
}

func (a *AdminConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.CertPath == "" && a.TLS.KeyPath == "" {
		a.TLS.Disable = true
	}
	if !a.TLS.Disable {
		if a.TLS.CertPath == "" {
			return fmt.Errorf("tls.cert must be configured when TLS is enabled")
		}
		if a.TLS.KeyPath == "" {
			return fmt.Errorf("tls.key must be configured when TLS is enabled")
		}
	}
	if a.MTLS.Enabled && a.TLS.Disable {
		return fmt.Errorf("mTLS requires TLS to be enabled")
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}
