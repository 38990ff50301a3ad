package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brixsport/backend/internal/logging"
)

// Config is the root configuration for the platform backend
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  logging.Config `yaml:"logging"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Sentry   SentryConfig   `yaml:"sentry"`
}

// ServerConfig defines the HTTP server settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableMetrics   bool          `yaml:"enable_metrics"`
}

// RedisConfig defines the key-value store connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Enabled false falls back to the in-process store; acceptable for
	// single-node deployments and tests.
	Enabled bool `yaml:"enabled"`
}

// DatabaseConfig defines the durable record store connection
type DatabaseConfig struct {
	// Driver is sqlite3 or postgres
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SentryConfig defines error reporting
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// SecurityConfig groups all security-core tunables. Every threshold here is
// environment-overridable via the BRIXSPORT_ prefix.
type SecurityConfig struct {
	Session    SessionConfig    `yaml:"session"`
	Login      LoginConfig      `yaml:"login"`
	Traffic    TrafficConfig    `yaml:"traffic"`
	CSRF       CSRFConfig       `yaml:"csrf"`
	MFA        MFAConfig        `yaml:"mfa"`
	Audit      AuditConfig      `yaml:"audit"`
	JWT        JWTConfig        `yaml:"jwt"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// SessionConfig defines session lifecycle settings
type SessionConfig struct {
	TTL                  time.Duration  `yaml:"ttl"`
	ActivityWindow       time.Duration  `yaml:"activity_window"`
	AutoExtend           bool           `yaml:"auto_extend"`
	PinIP                bool           `yaml:"pin_ip"`
	PinUserAgent         bool           `yaml:"pin_user_agent"`
	MaxConcurrentDefault int            `yaml:"max_concurrent_default"`
	MaxConcurrentPerRole map[string]int `yaml:"max_concurrent_per_role"`
	RefreshTokenTTL      time.Duration  `yaml:"refresh_token_ttl"`
}

// LoginConfig defines brute-force protection settings
type LoginConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	AttemptWindow   time.Duration `yaml:"attempt_window"`
	LockoutDuration time.Duration `yaml:"lockout_duration"`
}

// TrafficConfig defines DDoS/WAF heuristics thresholds
type TrafficConfig struct {
	RequestsPerMinute          int           `yaml:"requests_per_minute"`
	UserAgentRequestsPerMinute int           `yaml:"user_agent_requests_per_minute"`
	MaxQueryParams             int           `yaml:"max_query_params"`
	IPBlockDuration            time.Duration `yaml:"ip_block_duration"`
	SuspiciousBlockDuration    time.Duration `yaml:"suspicious_block_duration"`
	ScannerBlockDuration       time.Duration `yaml:"scanner_block_duration"`
	GlobalRequestsPerSecond    int           `yaml:"global_requests_per_second"`
	GlobalBurst                int           `yaml:"global_burst"`
}

// CSRFConfig defines anti-forgery token settings
type CSRFConfig struct {
	TokenTTL   time.Duration `yaml:"token_ttl"`
	CookieName string        `yaml:"cookie_name"`
}

// MFAConfig defines multi-factor settings
type MFAConfig struct {
	Issuer          string        `yaml:"issuer"`
	BackupCodeCount int           `yaml:"backup_code_count"`
	BackupCodeTTL   time.Duration `yaml:"backup_code_ttl"`
}

// AuditConfig defines audit pipeline settings
type AuditConfig struct {
	BufferSize      int           `yaml:"buffer_size"`
	RecentEventsCap int           `yaml:"recent_events_cap"`
	ChannelCap      int           `yaml:"channel_cap"`
	ActiveAlertsCap int           `yaml:"active_alerts_cap"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// JWTConfig defines access/refresh token settings
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// EncryptionConfig defines symmetric encryption settings
type EncryptionConfig struct {
	// MaxPlaintextBytes bounds the input accepted by Encrypt
	MaxPlaintextBytes int `yaml:"max_plaintext_bytes"`
	BcryptCost        int `yaml:"bcrypt_cost"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EnableMetrics:   true,
		},
		Logging: *logging.DefaultConfig(),
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Enabled: false,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "data/brixsport.db",
		},
		Security: SecurityConfig{
			Session: SessionConfig{
				TTL:                  7 * 24 * time.Hour,
				ActivityWindow:       30 * 24 * time.Hour,
				AutoExtend:           false,
				PinIP:                false,
				PinUserAgent:         false,
				MaxConcurrentDefault: 1,
				MaxConcurrentPerRole: map[string]int{
					"user":          1,
					"logger":        3,
					"senior_logger": 3,
					"logger_admin":  5,
					"admin":         5,
					"super_admin":   10,
				},
				RefreshTokenTTL: 30 * 24 * time.Hour,
			},
			Login: LoginConfig{
				MaxAttempts:     5,
				AttemptWindow:   15 * time.Minute,
				LockoutDuration: 15 * time.Minute,
			},
			Traffic: TrafficConfig{
				RequestsPerMinute:          300,
				UserAgentRequestsPerMinute: 500,
				MaxQueryParams:             100,
				IPBlockDuration:            5 * time.Minute,
				SuspiciousBlockDuration:    10 * time.Minute,
				ScannerBlockDuration:       1 * time.Hour,
				GlobalRequestsPerSecond:    1000,
				GlobalBurst:                2000,
			},
			CSRF: CSRFConfig{
				TokenTTL:   1 * time.Hour,
				CookieName: "_csrf",
			},
			MFA: MFAConfig{
				Issuer:          "Brixsport",
				BackupCodeCount: 10,
				BackupCodeTTL:   30 * 24 * time.Hour,
			},
			Audit: AuditConfig{
				BufferSize:      500,
				RecentEventsCap: 1000,
				ChannelCap:      100,
				ActiveAlertsCap: 100,
				FlushInterval:   30 * time.Second,
			},
			JWT: JWTConfig{
				AccessTTL:  15 * time.Minute,
				RefreshTTL: 30 * 24 * time.Hour,
			},
			Encryption: EncryptionConfig{
				MaxPlaintextBytes: 1 << 20,
				BcryptCost:        12,
			},
		},
		Sentry: SentryConfig{
			Environment: "production",
		},
	}
}

// Load reads configuration from an optional yaml file, then overlays
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := NewEnvLoader("BRIXSPORT").Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Security.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.Security.Login.MaxAttempts <= 0 {
		return fmt.Errorf("login max attempts must be positive")
	}
	if c.Security.Traffic.RequestsPerMinute <= 0 {
		return fmt.Errorf("traffic requests per minute must be positive")
	}
	if c.Security.Traffic.MaxQueryParams <= 0 {
		return fmt.Errorf("traffic max query params must be positive")
	}
	if c.Security.CSRF.TokenTTL <= 0 {
		return fmt.Errorf("csrf token ttl must be positive")
	}
	if c.Security.Encryption.BcryptCost < 10 || c.Security.Encryption.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost out of range: %d", c.Security.Encryption.BcryptCost)
	}
	return nil
}
