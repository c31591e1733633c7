package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultClientDatabasePath   = "fieldsync-client.db"
	defaultClientBatchSize      = 50
	defaultClientPullPageSize   = 200
	defaultSyncIntervalSeconds  = 60
	defaultProbeIntervalSeconds = 15
	defaultRequestTimeout       = 30
	defaultRetryBaseSeconds     = 2
	defaultRetryMaxSeconds      = 300
)

// ClientConfig captures runtime configuration for the field client.
type ClientConfig struct {
	ServerURL      string
	DatabasePath   string
	Token          string
	LogLevel       string
	BatchSize      int
	PullPageSize   int
	SyncInterval   time.Duration
	ProbeInterval  time.Duration
	RequestTimeout time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
}

// NewClientViper returns a viper instance with client defaults and env bindings configured.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

// ApplyClientDefaults configures client defaults and env bindings on the provided viper instance.
func ApplyClientDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	configViper.SetDefault("client.database_path", defaultClientDatabasePath)
	configViper.SetDefault("client.batch_size", defaultClientBatchSize)
	configViper.SetDefault("client.pull_page_size", defaultClientPullPageSize)
	configViper.SetDefault("client.sync_interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("client.probe_interval_seconds", defaultProbeIntervalSeconds)
	configViper.SetDefault("client.request_timeout_seconds", defaultRequestTimeout)
	configViper.SetDefault("client.retry_base_seconds", defaultRetryBaseSeconds)
	configViper.SetDefault("client.retry_max_seconds", defaultRetryMaxSeconds)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadClient parses field client configuration from viper. Offline-only commands pass
// requireServer=false so the queue can be inspected without a server address.
func LoadClient(configViper *viper.Viper, requireServer bool) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("client.server_url")), "/"),
		DatabasePath:   configViper.GetString("client.database_path"),
		Token:          strings.TrimSpace(configViper.GetString("client.token")),
		LogLevel:       configViper.GetString("log.level"),
		BatchSize:      configViper.GetInt("client.batch_size"),
		PullPageSize:   configViper.GetInt("client.pull_page_size"),
		SyncInterval:   seconds(configViper, "client.sync_interval_seconds"),
		ProbeInterval:  seconds(configViper, "client.probe_interval_seconds"),
		RequestTimeout: seconds(configViper, "client.request_timeout_seconds"),
		RetryBase:      seconds(configViper, "client.retry_base_seconds"),
		RetryMax:       seconds(configViper, "client.retry_max_seconds"),
	}

	if err := cfg.validate(requireServer); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func seconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt(key)) * time.Second
}

func (c ClientConfig) validate(requireServer bool) error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	if requireServer {
		if c.ServerURL == "" {
			return fmt.Errorf("client.server_url is required")
		}
		parsed, err := url.Parse(c.ServerURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("client.server_url must be an absolute http(s) URL, got %q", c.ServerURL)
		}
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("client.batch_size must be positive")
	}
	if c.PullPageSize <= 0 {
		return fmt.Errorf("client.pull_page_size must be positive")
	}
	if c.SyncInterval <= 0 || c.ProbeInterval <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("client intervals and timeouts must be positive")
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("client.retry_base_seconds must be positive and not exceed client.retry_max_seconds")
	}
	return nil
}
