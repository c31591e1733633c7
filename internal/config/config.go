package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FIELDSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "fieldsync.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "fieldsync-auth"
	defaultTokenAudience   = "fieldsync-api"
	defaultTokenTTLMinutes = 60
	defaultMaxBatchSize    = 500
	defaultMaxPayloadBytes = 65536
	defaultPullLimit       = 200
	defaultMaxPullLimit    = 1000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string
	SigningSecret    string
	TokenIssuer      string
	TokenAudience    string
	TokenTTL         time.Duration
	MaxBatchSize     int
	MaxPayloadBytes  int
	DefaultPullLimit int
	MaxPullLimit     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.max_batch_size", defaultMaxBatchSize)
	configViper.SetDefault("sync.max_payload_bytes", defaultMaxPayloadBytes)
	configViper.SetDefault("sync.default_pull_limit", defaultPullLimit)
	configViper.SetDefault("sync.max_pull_limit", defaultMaxPullLimit)
}

func bindEnvironment(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// ReadFile merges an optional config file into the viper instance.
func ReadFile(configViper *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenIssuer:      configViper.GetString("auth.issuer"),
		TokenAudience:    configViper.GetString("auth.audience"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		MaxBatchSize:     configViper.GetInt("sync.max_batch_size"),
		MaxPayloadBytes:  configViper.GetInt("sync.max_payload_bytes"),
		DefaultPullLimit: configViper.GetInt("sync.default_pull_limit"),
		MaxPullLimit:     configViper.GetInt("sync.max_pull_limit"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("sync.max_batch_size must be positive")
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("sync.max_payload_bytes must be positive")
	}
	if c.MaxPullLimit <= 0 {
		return fmt.Errorf("sync.max_pull_limit must be positive")
	}
	if c.DefaultPullLimit <= 0 || c.DefaultPullLimit > c.MaxPullLimit {
		return fmt.Errorf("sync.default_pull_limit must be between 1 and sync.max_pull_limit")
	}
	return nil
}
