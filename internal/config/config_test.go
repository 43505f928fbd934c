package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
relay:
  host: smtp.example.com
sender:
  from: noreply@relayq.io
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Relay.Port != 587 {
		t.Errorf("relay.port = %d, want 587", cfg.Relay.Port)
	}
	if cfg.Relay.Encryption != "starttls" {
		t.Errorf("relay.encryption = %q, want starttls", cfg.Relay.Encryption)
	}
	if cfg.RateLimit.PerMinute != 8 {
		t.Errorf("rate_limit.per_minute = %d, want 8", cfg.RateLimit.PerMinute)
	}
	if cfg.RateLimit.Burst != 1 {
		t.Errorf("rate_limit.burst = %d, want 1", cfg.RateLimit.Burst)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Errorf("dispatch.max_attempts = %d, want 5", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.RetryBase != time.Minute {
		t.Errorf("dispatch.retry_base = %v, want 1m", cfg.Dispatch.RetryBase)
	}
	if cfg.Storage.Path == "" {
		t.Error("storage.path default not applied")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage:
  path: /var/lib/relayq/jobs.db
relay:
  host: smtp.example.com
  port: 465
  username: mailer
  password: secret
  encryption: tls
sender:
  from: noreply@relayq.io
  from_name: RelayQ
dispatch:
  pass_interval: 10s
  max_attempts: 3
  retry_base: 30s
rate_limit:
  per_minute: 20
  domain_per_minute: 5
api:
  enabled: true
  listen_addr: 0.0.0.0:8080
  api_key: hunter2
timezone: UTC
retention:
  max_age: 168h
`))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Relay.Port != 465 || cfg.Relay.Encryption != "tls" {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Dispatch.MaxAttempts != 3 || cfg.Dispatch.RetryBase != 30*time.Second {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.RateLimit.DomainPerMinute != 5 {
		t.Errorf("rate_limit.domain_per_minute = %d", cfg.RateLimit.DomainPerMinute)
	}
	if cfg.Retention.MaxAge != 168*time.Hour {
		t.Errorf("retention.max_age = %v", cfg.Retention.MaxAge)
	}

	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("location = %v, err = %v", loc, err)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing relay host",
			content: "sender:\n  from: a@b.io\n",
			wantErr: "relay.host",
		},
		{
			name:    "missing sender",
			content: "relay:\n  host: smtp.example.com\n",
			wantErr: "sender.from",
		},
		{
			name:    "bad sender address",
			content: "relay:\n  host: smtp.example.com\nsender:\n  from: not-an-address\n",
			wantErr: "sender.from",
		},
		{
			name:    "bad encryption",
			content: "relay:\n  host: h\n  encryption: rot13\nsender:\n  from: a@b.io\n",
			wantErr: "encryption",
		},
		{
			name:    "bad log level",
			content: minimalConfig + "logging:\n  level: loud\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad timezone",
			content: minimalConfig + "timezone: Mars/Olympus\n",
			wantErr: "timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
