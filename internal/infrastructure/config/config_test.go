package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

const validConfig = `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
hub:
  address: "http://hub.local"
  app_id: "42"
  access_token: "test-token"
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Hub.Address != "http://hub.local" {
		t.Errorf("Hub.Address = %q, want %q", cfg.Hub.Address, "http://hub.local")
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}

	// Defaults fill in unspecified sections.
	if cfg.Rules.MaxTimers != 4096 {
		t.Errorf("Rules.MaxTimers = %d, want 4096", cfg.Rules.MaxTimers)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "site: [unclosed"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Hub.Address = "http://hub.local"
		cfg.Hub.AccessToken = "token"
		cfg.Security.JWT.Secret = strings.Repeat("s", 32)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing site id", func(c *Config) { c.Site.ID = "" }, "site.id"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing hub address", func(c *Config) { c.Hub.Address = "" }, "hub.address"},
		{"missing hub token", func(c *Config) { c.Hub.AccessToken = "" }, "hub.access_token"},
		{"invalid qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"zero max timers", func(c *Config) { c.Rules.MaxTimers = 0 }, "rules.max_timers"},
		{"invalid api port", func(c *Config) { c.API.Port = 0 }, "api.port"},
		{"missing jwt secret", func(c *Config) { c.Security.JWT.Secret = "" }, "security.jwt.secret"},
		{"short jwt secret", func(c *Config) { c.Security.JWT.Secret = "short" }, "32 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("HEARTH_DATABASE_PATH", "/env/override.db")
	t.Setenv("HEARTH_HUB_TOKEN", "env-token")
	t.Setenv("HEARTH_JWT_SECRET", strings.Repeat("x", 32))

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/env/override.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Hub.AccessToken != "env-token" {
		t.Errorf("Hub.AccessToken = %q, want env override", cfg.Hub.AccessToken)
	}
	if cfg.Security.JWT.Secret != strings.Repeat("x", 32) {
		t.Error("JWT secret env override not applied")
	}
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %vs, want 30s", got)
	}
	if got := cfg.Hub.Timeout().Seconds(); got != 10 {
		t.Errorf("Hub.Timeout() = %vs, want 10s", got)
	}
	if cfg.ScriptTimeout() != 0 {
		t.Errorf("ScriptTimeout() = %v, want 0", cfg.ScriptTimeout())
	}
}
