// Package config loads wallet and sandbox settings from defaults, an optional
// YAML file and TAPWALLET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds application configuration.
type Config struct {
	Store        StoreConfig
	Network      NetworkConfig
	Verification VerificationConfig
	Session      SessionConfig
	Limiter      LimiterConfig
	EMV          EMVConfig
	Device       DeviceConfig
	Sandbox      SandboxConfig
	Log          LogConfig
}

// StoreConfig selects the token and key store.
type StoreConfig struct {
	Driver string // sqlite | postgres
	DSN    string // sqlite file path or postgres DSN
	Secret string // KEK passphrase
}

// NetworkConfig points the wallet at the card network.
type NetworkConfig struct {
	Addr      string
	CACert    string `mapstructure:"ca_cert"`
	Insecure  bool
	Plaintext bool
	APIKey    string `mapstructure:"api_key"` // HS256 key for device tokens
	Timeout   time.Duration
}

type VerificationConfig struct {
	TTL         time.Duration
	MaxAttempts int `mapstructure:"max_attempts"`
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LimiterConfig struct {
	Window   time.Duration
	MaxFails int           `mapstructure:"max_fails"`
	BlockFor time.Duration `mapstructure:"block_for"`
}

type EMVConfig struct {
	Budget time.Duration
	AIDs   []string
}

// DeviceConfig feeds the device security probe.
type DeviceConfig struct {
	Model          string
	ExpectedDigest string `mapstructure:"expected_digest"`
	MinBattery     int    `mapstructure:"min_battery"`
}

// SandboxConfig configures cmd/sandbox.
type SandboxConfig struct {
	Addr            string
	OTPCode         string `mapstructure:"otp_code"`
	ActivationPolls int    `mapstructure:"activation_polls"`
	TLSCert         string `mapstructure:"tls_cert"`
	TLSKey          string `mapstructure:"tls_key"`
	Reflection      bool
}

type LogConfig struct {
	Level string
}

// Dir is the per-user configuration directory.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "tapwallet")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tapwallet")
}

// Load reads configuration from path (or TAPWALLET_CONFIG, or Dir()/config.yaml)
// and the environment. Env var overrides use prefix TAPWALLET_.
// An explicitly named file must exist; the default one is optional.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", filepath.Join(Dir(), "wallet.db"))
	v.SetDefault("store.secret", "")
	v.SetDefault("network.addr", "localhost:8443")
	v.SetDefault("network.ca_cert", "")
	v.SetDefault("network.insecure", false)
	v.SetDefault("network.plaintext", false)
	v.SetDefault("network.api_key", "")
	v.SetDefault("network.timeout", 15*time.Second)
	v.SetDefault("verification.ttl", 5*time.Minute)
	v.SetDefault("verification.max_attempts", 3)
	v.SetDefault("session.ttl", 15*time.Minute)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("limiter.window", 15*time.Minute)
	v.SetDefault("limiter.max_fails", 5)
	v.SetDefault("limiter.block_for", 15*time.Minute)
	v.SetDefault("emv.budget", 500*time.Millisecond)
	v.SetDefault("emv.aids", []string{"A0000000031010", "A0000000041010"})
	v.SetDefault("device.model", "tapwallet-cli")
	v.SetDefault("device.expected_digest", "")
	v.SetDefault("device.min_battery", 15)
	v.SetDefault("sandbox.addr", ":8443")
	v.SetDefault("sandbox.otp_code", "123456")
	v.SetDefault("sandbox.activation_polls", 1)
	v.SetDefault("sandbox.tls_cert", "")
	v.SetDefault("sandbox.tls_key", "")
	v.SetDefault("sandbox.reflection", false)
	v.SetDefault("log.level", "info")

	v.SetConfigType("yaml")
	explicit := path != ""
	if !explicit {
		path = os.Getenv("TAPWALLET_CONFIG")
		explicit = path != ""
	}
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("TAPWALLET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return Config{}, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	return c, nil
}

// NewLogger builds a production logger, or a development one for level debug.
func NewLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}
