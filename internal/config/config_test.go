package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DatabasePath != defaultDatabasePath || cfg.BatchSize != 50 || cfg.MaxRetryAttempts != 5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AttachmentConcurrency != 3 || cfg.SyncInterval != 15*time.Minute || cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MILEAGE_REMOTE_BASE_URL", "https://sync.example.com")
	t.Setenv("MILEAGE_SYNC_USER_ID", "user-1")
	t.Setenv("MILEAGE_SYNC_BATCH_SIZE", "10")
	t.Setenv("MILEAGE_AUTH_TOKEN", "device-token")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RemoteBaseURL != "https://sync.example.com" || cfg.UserID != "user-1" || cfg.BatchSize != 10 {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("expected a valid client config, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "batch-size", key: "sync.batch_size", want: "sync.batch_size"},
		{name: "retry-attempts", key: "sync.max_retry_attempts", want: "sync.max_retry_attempts"},
		{name: "interval", key: "sync.interval_seconds", want: "sync.interval_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(tt.key, 0)
			if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateRoles(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.ValidateClient(); err == nil || !strings.Contains(err.Error(), "remote.base_url") {
		t.Fatalf("expected missing base url, got %v", err)
	}
	if err := cfg.ValidateServer(); err == nil || !strings.Contains(err.Error(), "auth.signing_secret") {
		t.Fatalf("expected missing signing secret, got %v", err)
	}

	cfg.SigningSecret = "secret"
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("expected a valid server config, got %v", err)
	}
	cfg.RemoteBaseURL = "http://localhost:8080"
	cfg.UserID = "user-1"
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("expected the signing secret to satisfy the client, got %v", err)
	}
}
