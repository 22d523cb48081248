package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "MILEAGE"
	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabasePath          = "mileage.db"
	defaultServerDatabasePath    = "mileage-server.db"
	defaultAttachmentsDir        = "attachments"
	defaultLogLevel              = "info"
	defaultRemoteTimeoutSeconds  = 30
	defaultTokenTTLMinutes       = 60
	defaultBatchSize             = 50
	defaultMaxRetryAttempts      = 5
	defaultAttachmentConcurrency = 3
	defaultIntervalSeconds       = 900
)

// AppConfig captures runtime configuration for the sync client and the reference server.
type AppConfig struct {
	DatabasePath string
	LogLevel     string

	RemoteBaseURL string
	RemoteTimeout time.Duration

	AuthToken     string
	SigningSecret string
	TokenTTL      time.Duration

	UserID                string
	BatchSize             int
	MaxRetryAttempts      int
	AttachmentConcurrency int
	SyncInterval          time.Duration

	HTTPAddress        string
	ServerDatabasePath string
	AttachmentsDir     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeoutSeconds)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.max_retry_attempts", defaultMaxRetryAttempts)
	configViper.SetDefault("sync.attachment_concurrency", defaultAttachmentConcurrency)
	configViper.SetDefault("sync.interval_seconds", defaultIntervalSeconds)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
	configViper.SetDefault("storage.attachments_dir", defaultAttachmentsDir)
}

// Load parses runtime configuration from viper. Role-specific requirements
// are checked by ValidateClient and ValidateServer.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:          strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:              configViper.GetString("log.level"),
		RemoteBaseURL:         strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteTimeout:         time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		AuthToken:             strings.TrimSpace(configViper.GetString("auth.token")),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		TokenTTL:              time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		UserID:                strings.TrimSpace(configViper.GetString("sync.user_id")),
		BatchSize:             configViper.GetInt("sync.batch_size"),
		MaxRetryAttempts:      configViper.GetInt("sync.max_retry_attempts"),
		AttachmentConcurrency: configViper.GetInt("sync.attachment_concurrency"),
		SyncInterval:          time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		HTTPAddress:           strings.TrimSpace(configViper.GetString("http.address")),
		ServerDatabasePath:    strings.TrimSpace(configViper.GetString("server.database_path")),
		AttachmentsDir:        strings.TrimSpace(configViper.GetString("storage.attachments_dir")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("sync.max_retry_attempts must be positive")
	}
	if c.AttachmentConcurrency <= 0 {
		return fmt.Errorf("sync.attachment_concurrency must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	return nil
}

// ValidateClient checks the settings a syncing device needs. A device needs
// either a fixed token or the signing secret to mint its own.
func (c AppConfig) ValidateClient() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("sync.user_id is required")
	}
	if c.AuthToken == "" && strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.token or auth.signing_secret is required")
	}
	return nil
}

// ValidateServer checks the settings the reference server needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.ServerDatabasePath == "" {
		return fmt.Errorf("server.database_path is required")
	}
	if c.AttachmentsDir == "" {
		return fmt.Errorf("storage.attachments_dir is required")
	}
	return nil
}
