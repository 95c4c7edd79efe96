package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"DOCKER_HOST", "NOONA_HOST_DOCKER_SOCKETS", "HOST_DOCKER_SOCKETS",
		"SERVICE_NAME", "HOST_SERVICE_URL", "WARDEN_DB_PATH", "WARDEN_LOG_JSON",
		"WARDEN_WEB_PORT", "DEBUG", "WARDEN_HISTORY_CAPACITY",
		"WARDEN_HEALTH_TIMEOUT", "WARDEN_PUBLISH_TIMEOUT",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.HostServiceBase() != "http://localhost" {
		t.Errorf("HostServiceBase = %q, want http://localhost", cfg.HostServiceBase())
	}
	if cfg.ServiceName != "warden" {
		t.Errorf("ServiceName = %q, want warden", cfg.ServiceName)
	}
	if cfg.DBPath != "/data/warden.db" {
		t.Errorf("DBPath = %q, want /data/warden.db", cfg.DBPath)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if cfg.WebPort != "8080" {
		t.Errorf("WebPort = %q, want 8080", cfg.WebPort)
	}
	if cfg.Debug() != "false" {
		t.Errorf("Debug = %q, want false", cfg.Debug())
	}
	if cfg.HistoryCapacity() != 500 {
		t.Errorf("HistoryCapacity = %d, want 500", cfg.HistoryCapacity())
	}
	if cfg.HealthTimeout() != 10*time.Second {
		t.Errorf("HealthTimeout = %s, want 10s", cfg.HealthTimeout())
	}
	if cfg.PublishTimeout() != 10*time.Second {
		t.Errorf("PublishTimeout = %s, want 10s", cfg.PublishTimeout())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HOST_SERVICE_URL", "http://warden-host:9000/")
	t.Setenv("DEBUG", "super")
	t.Setenv("WARDEN_HISTORY_CAPACITY", "1000")
	t.Setenv("WARDEN_LOG_JSON", "false")

	cfg := Load()
	if cfg.HostServiceBase() != "http://warden-host:9000" {
		t.Errorf("HostServiceBase = %q, want trailing slash trimmed", cfg.HostServiceBase())
	}
	if !cfg.SuperBoot() {
		t.Error("SuperBoot() = false, want true when DEBUG=super")
	}
	if cfg.HistoryCapacity() != 1000 {
		t.Errorf("HistoryCapacity = %d, want 1000", cfg.HistoryCapacity())
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestLoadPrefersNoonaSocketsOverLegacy(t *testing.T) {
	t.Setenv("NOONA_HOST_DOCKER_SOCKETS", "/a.sock")
	t.Setenv("HOST_DOCKER_SOCKETS", "/b.sock")

	cfg := Load()
	if cfg.HostDockerSockets != "/a.sock" {
		t.Errorf("HostDockerSockets = %q, want /a.sock", cfg.HostDockerSockets)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"invalid debug level", func(c *Config) { c.SetDebug("yolo") }, true},
		{"super is valid", func(c *Config) { c.SetDebug("super") }, false},
		{"zero history capacity", func(c *Config) { c.SetHistoryCapacity(0) }, true},
		{"zero health timeout", func(c *Config) { c.SetHealthTimeout(0) }, true},
		{"zero publish timeout", func(c *Config) { c.SetPublishTimeout(0) }, true},
		{"empty host service base", func(c *Config) { c.SetHostServiceBase("") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "WARDEN_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("WARDEN_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "WARDEN_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "WARDEN_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "WARDEN_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "c"); got != "c" {
		t.Errorf("got %q, want c", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
