package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all Warden configuration from environment variables.
// Mutable fields are protected by an RWMutex and must be accessed via
// getter/setter methods at runtime, since the HTTP handlers and the
// installation engine goroutine may read or write concurrently.
type Config struct {
	// Docker connection
	DockerHost         string // DOCKER_HOST, consulted by docker.Discover
	HostDockerSockets  string // NOONA_HOST_DOCKER_SOCKETS / HOST_DOCKER_SOCKETS, comma list

	// Identity
	ServiceName     string // SERVICE_NAME, this instance's advertised name
	hostServiceBase string // derived from HOST_SERVICE_URL

	// Storage
	DBPath string

	// Logging
	LogJSON bool

	// Web
	WebPort string

	// WizardPublisher transport
	VaultBaseURL string
	VaultToken   string

	// WizardPublisher optional MQTT mirror
	MQTTBroker string
	MQTTTopic  string

	MetricsEnabled bool

	// mu protects the mutable runtime fields below.
	mu              sync.RWMutex
	debug           string        // "false" | "info" | "debug" | "super"
	historyCapacity int           // per-service ring buffer capacity
	healthTimeout   time.Duration // HealthProber per-candidate GET timeout
	publishTimeout  time.Duration // WizardPublisher per-request timeout
}

// NewTestConfig creates a Config with sensible defaults for testing.
// Use the setter methods to override specific values.
func NewTestConfig() *Config {
	return &Config{
		hostServiceBase: "http://localhost",
		ServiceName:     "warden-test",
		debug:           "false",
		historyCapacity: 500,
		healthTimeout:   10 * time.Second,
		publishTimeout:  10 * time.Second,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DockerHost:        envStr("DOCKER_HOST", ""),
		HostDockerSockets: firstNonEmpty(envStr("NOONA_HOST_DOCKER_SOCKETS", ""), envStr("HOST_DOCKER_SOCKETS", "")),
		ServiceName:       envStr("SERVICE_NAME", "warden"),
		hostServiceBase:   strings.TrimRight(envStr("HOST_SERVICE_URL", "http://localhost"), "/"),
		DBPath:            envStr("WARDEN_DB_PATH", "/data/warden.db"),
		LogJSON:           envBool("WARDEN_LOG_JSON", true),
		WebPort:           envStr("WARDEN_WEB_PORT", "8080"),
		VaultBaseURL:      envStr("WARDEN_VAULT_BASE_URL", ""),
		VaultToken:        envStr("WARDEN_VAULT_TOKEN", ""),
		MQTTBroker:        envStr("WARDEN_MQTT_BROKER", ""),
		MQTTTopic:         envStr("WARDEN_MQTT_TOPIC", "warden/wizard/state"),
		MetricsEnabled:    envBool("WARDEN_METRICS", false),
		debug:             envStr("DEBUG", "false"),
		historyCapacity:   envInt("WARDEN_HISTORY_CAPACITY", 500),
		healthTimeout:     envDuration("WARDEN_HEALTH_TIMEOUT", 10*time.Second),
		publishTimeout:    envDuration("WARDEN_PUBLISH_TIMEOUT", 10*time.Second),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	dbg := c.debug
	hc := c.historyCapacity
	ht := c.healthTimeout
	pt := c.publishTimeout
	c.mu.RUnlock()

	var errs []error
	switch dbg {
	case "false", "info", "debug", "super":
		// valid
	default:
		errs = append(errs, fmt.Errorf("DEBUG must be false, info, debug, or super, got %q", dbg))
	}
	if hc <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_HISTORY_CAPACITY must be > 0, got %d", hc))
	}
	if ht <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_HEALTH_TIMEOUT must be > 0, got %s", ht))
	}
	if pt <= 0 {
		errs = append(errs, fmt.Errorf("WARDEN_PUBLISH_TIMEOUT must be > 0, got %s", pt))
	}
	if c.hostServiceBase == "" {
		errs = append(errs, fmt.Errorf("HOST_SERVICE_URL must not be empty"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	dbg := c.debug
	hc := c.historyCapacity
	ht := c.healthTimeout
	pt := c.publishTimeout
	c.mu.RUnlock()

	return map[string]string{
		"DOCKER_HOST":               c.DockerHost,
		"NOONA_HOST_DOCKER_SOCKETS": c.HostDockerSockets,
		"SERVICE_NAME":              c.ServiceName,
		"HOST_SERVICE_URL":          c.hostServiceBase,
		"WARDEN_DB_PATH":            c.DBPath,
		"WARDEN_LOG_JSON":           fmt.Sprintf("%t", c.LogJSON),
		"WARDEN_WEB_PORT":           c.WebPort,
		"WARDEN_VAULT_BASE_URL":     c.VaultBaseURL,
		"WARDEN_VAULT_TOKEN":        redactPath(c.VaultToken),
		"WARDEN_MQTT_BROKER":        c.MQTTBroker,
		"WARDEN_MQTT_TOPIC":         c.MQTTTopic,
		"WARDEN_METRICS":            fmt.Sprintf("%t", c.MetricsEnabled),
		"DEBUG":                     dbg,
		"WARDEN_HISTORY_CAPACITY":   fmt.Sprintf("%d", hc),
		"WARDEN_HEALTH_TIMEOUT":     ht.String(),
		"WARDEN_PUBLISH_TIMEOUT":    pt.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// HostServiceBase returns the base URL other services' health/test
// endpoints are composed against (thread-safe: set once at Load but read
// from multiple goroutines).
func (c *Config) HostServiceBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostServiceBase
}

// SetHostServiceBase overrides the host service base, used by tests.
func (c *Config) SetHostServiceBase(s string) {
	c.mu.Lock()
	c.hostServiceBase = strings.TrimRight(s, "/")
	c.mu.Unlock()
}

// Debug returns the current debug level (thread-safe).
func (c *Config) Debug() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debug
}

// SetDebug updates the debug level at runtime (thread-safe).
func (c *Config) SetDebug(s string) {
	c.mu.Lock()
	c.debug = s
	c.mu.Unlock()
}

// SuperBoot reports whether DEBUG=super, which triggers a full catalog
// boot at startup regardless of the installation request.
func (c *Config) SuperBoot() bool {
	return c.Debug() == "super"
}

// HistoryCapacity returns the per-service ring buffer capacity (thread-safe).
func (c *Config) HistoryCapacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.historyCapacity
}

// SetHistoryCapacity updates the ring buffer capacity at runtime (thread-safe).
func (c *Config) SetHistoryCapacity(n int) {
	c.mu.Lock()
	c.historyCapacity = n
	c.mu.Unlock()
}

// HealthTimeout returns the per-candidate HealthProber GET timeout (thread-safe).
func (c *Config) HealthTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthTimeout
}

// SetHealthTimeout updates the health probe timeout at runtime (thread-safe).
func (c *Config) SetHealthTimeout(d time.Duration) {
	c.mu.Lock()
	c.healthTimeout = d
	c.mu.Unlock()
}

// PublishTimeout returns the per-request WizardPublisher timeout (thread-safe).
func (c *Config) PublishTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.publishTimeout
}

// SetPublishTimeout updates the publish timeout at runtime (thread-safe).
func (c *Config) SetPublishTimeout(d time.Duration) {
	c.mu.Lock()
	c.publishTimeout = d
	c.mu.Unlock()
}

// redactPath returns "(set)" if the value is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}
