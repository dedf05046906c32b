// Package config defines and loads sentinel configuration.
//
// Defaults come from Default(); environment variables prefixed with SENTINEL_
// override them. The first underscore after the prefix separates the section
// from the field, so SENTINEL_TOKEN_MAX_SESSIONS_PER_ACCOUNT sets
// token.max_sessions_per_account.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/chimerakang/sentinel-go/logger"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "SENTINEL_"

// Config is the complete sentinel configuration.
type Config struct {
	Vault      VaultConfig      `koanf:"vault"`
	TOTP       TOTPConfig       `koanf:"totp"`
	Token      TokenConfig      `koanf:"token"`
	APIKey     APIKeyConfig     `koanf:"apikey"`
	RateLimit  RateLimitConfig  `koanf:"ratelimit"`
	Threat     ThreatConfig     `koanf:"threat"`
	Audit      AuditConfig      `koanf:"audit"`
	Encryption EncryptionConfig `koanf:"encryption"`
	Log        logger.Config    `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Redis      RedisConfig      `koanf:"redis"`
	Postgres   PostgresConfig   `koanf:"postgres"`
}

// VaultConfig controls password hashing and lockout.
type VaultConfig struct {
	BcryptCost        int           `koanf:"bcrypt_cost"         validate:"min=10,max=31"`
	MaxFailedAttempts int           `koanf:"max_failed_attempts" validate:"min=1"`
	LockoutDuration   time.Duration `koanf:"lockout_duration"    validate:"min=1s"`
	MinPasswordLength int           `koanf:"min_password_length" validate:"min=1"`
}

// TOTPConfig controls MFA codes.
type TOTPConfig struct {
	Issuer string        `koanf:"issuer" validate:"required"`
	Period time.Duration `koanf:"period" validate:"min=1s"`
	// Window is the number of steps accepted on each side of the current one.
	// Each extra step widens the replay window by one period.
	Window int `koanf:"window" validate:"min=0,max=10"`
}

// TokenConfig controls session tokens.
type TokenConfig struct {
	// Secret is the HMAC signing key. Empty means a random per-process key.
	Secret                string        `koanf:"secret"`
	Issuer                string        `koanf:"issuer"                   validate:"required"`
	TTL                   time.Duration `koanf:"ttl"                      validate:"min=1s"`
	MaxSessionsPerAccount int           `koanf:"max_sessions_per_account" validate:"min=1"`
	SweepInterval         time.Duration `koanf:"sweep_interval"           validate:"min=1s"`
}

// APIKeyConfig controls API key defaults.
type APIKeyConfig struct {
	DefaultRateLimit int           `koanf:"default_rate_limit" validate:"min=1"`
	Window           time.Duration `koanf:"window"             validate:"min=1s"`
}

// RateLimitConfig bounds limiter memory.
type RateLimitConfig struct {
	MaxKeys int `koanf:"max_keys" validate:"min=1"`
}

// ThreatConfig controls scoring and escalation.
type ThreatConfig struct {
	KnownBadIPs     []string      `koanf:"known_bad_ips"`
	BurstThreshold  int           `koanf:"burst_threshold"  validate:"min=1"`
	BurstWindow     time.Duration `koanf:"burst_window"     validate:"min=1s"`
	EscalationLevel string        `koanf:"escalation_level" validate:"oneof=LOW MEDIUM HIGH CRITICAL"`
	DisableRules    bool          `koanf:"disable_rules"`
}

// AuditConfig controls the event log and aggregation.
type AuditConfig struct {
	BufferSize        int    `koanf:"buffer_size"        validate:"min=1"`
	AggregateSchedule string `koanf:"aggregate_schedule" validate:"required"`
}

// EncryptionConfig controls key material.
type EncryptionConfig struct {
	// MasterKey is a base64 secret (>= 32 bytes decoded). Empty means a random per-process key.
	MasterKey  string `koanf:"master_key"`
	RSAKeyBits int    `koanf:"rsa_key_bits" validate:"oneof=2048 3072 4096"`
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// RedisConfig configures the Redis revocation store. Empty Addr disables it.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"         validate:"min=0"`
	KeyPrefix string `koanf:"key_prefix"`
}

// PostgresConfig configures the PostgreSQL stores. Empty DSN disables them.
type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Vault: VaultConfig{
			BcryptCost:        12,
			MaxFailedAttempts: 5,
			LockoutDuration:   30 * time.Minute,
			MinPasswordLength: 8,
		},
		TOTP: TOTPConfig{
			Issuer: "TradeDesk",
			Period: 30 * time.Second,
			Window: 1,
		},
		Token: TokenConfig{
			Issuer:                "sentinel",
			TTL:                   time.Hour,
			MaxSessionsPerAccount: 5,
			SweepInterval:         5 * time.Minute,
		},
		APIKey: APIKeyConfig{
			DefaultRateLimit: 60,
			Window:           time.Minute,
		},
		RateLimit: RateLimitConfig{MaxKeys: 100_000},
		Threat: ThreatConfig{
			BurstThreshold:  10,
			BurstWindow:     time.Minute,
			EscalationLevel: "HIGH",
		},
		Audit: AuditConfig{
			BufferSize:        1000,
			AggregateSchedule: "@hourly",
		},
		Encryption: EncryptionConfig{RSAKeyBits: 2048},
		Log:        logger.DefaultConfig(),
		Redis:      RedisConfig{KeyPrefix: "sentinel:"},
	}
}

// Load builds a Config from defaults and SENTINEL_* environment variables.
func Load() (*Config, error) {
	return load(EnvPrefix)
}

func load(prefix string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("sentinel/config: load defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: prefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKey(prefix, key), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("sentinel/config: load env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("sentinel/config: unmarshal: %w", err)
	}
	if cfg.Log.Output == nil {
		cfg.Log.Output = Default().Log.Output
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SENTINEL_TOKEN_MAX_SESSIONS_PER_ACCOUNT to token.max_sessions_per_account.
func envKey(prefix, key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, prefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("sentinel/config: invalid configuration: %w", err)
	}
	return nil
}
