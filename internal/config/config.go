// Package config handles Wankr configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gitNoodler/wankr-sub000/internal/chat"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wankr/config.yaml, /etc/wankr/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wankr", "config.yaml"))
	}

	paths = append(paths, "/etc/wankr/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Wankr configuration.
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	DataDir    string            `yaml:"data_dir"`
	LogLevel   string            `yaml:"log_level"`
	LogFormat  string            `yaml:"log_format"` // text or json
	Storage    map[string]string `yaml:"storage"`    // category -> directory override
	Active     ActiveConfig      `yaml:"active"`
	Archive    ArchiveConfig     `yaml:"archive"`
	Roles      chat.Roles        `yaml:"roles"`
	Annotation AnnotationConfig  `yaml:"annotation"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ActiveConfig bounds the per-user active chat set.
type ActiveConfig struct {
	MaxChats      int           `yaml:"max_chats"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	MinExchanges  int           `yaml:"min_exchanges"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ArchiveConfig controls the archive pipeline.
type ArchiveConfig struct {
	// MinExchanges is the smallest conversation worth keeping. Chats
	// below it are discarded without writing anything.
	MinExchanges int `yaml:"min_exchanges"`
	// BufferCap is the file count kept in each capped buffer folder.
	BufferCap int `yaml:"buffer_cap"`
}

// AnnotationConfig selects and configures the annotation service.
type AnnotationConfig struct {
	// Provider is "http" (native contract posted to URL) or "openai"
	// (chat completions against BaseURL).
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	// APIKey is the fallback credential used when a request does not
	// carry one.
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// MQTTConfig defines the optional stats publisher. Leave Broker empty
// to disable it.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, and fills defaults. It does not validate; call
// [Config.Validate] for that.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Active.MaxChats == 0 {
		c.Active.MaxChats = 20
	}
	if c.Active.StaleAfter == 0 {
		c.Active.StaleAfter = 7 * 24 * time.Hour
	}
	if c.Active.MinExchanges == 0 {
		c.Active.MinExchanges = 5
	}
	if c.Active.SweepInterval == 0 {
		c.Active.SweepInterval = time.Hour
	}

	if c.Archive.MinExchanges == 0 {
		c.Archive.MinExchanges = 5
	}
	if c.Archive.BufferCap == 0 {
		c.Archive.BufferCap = 10
	}

	if len(c.Roles.Human) == 0 && len(c.Roles.Agent) == 0 {
		c.Roles = chat.DefaultRoles()
	}

	if c.Annotation.Provider == "" {
		c.Annotation.Provider = "http"
	}
	if c.Annotation.Timeout == 0 {
		c.Annotation.Timeout = 60 * time.Second
	}
	if c.Annotation.MaxConcurrent == 0 {
		c.Annotation.MaxConcurrent = 4
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "wankr"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for values that would make the
// service misbehave.
func (c *Config) Validate() error {
	var problems []string

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		problems = append(problems, fmt.Sprintf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}

	if c.Active.MaxChats < 1 {
		problems = append(problems, "active.max_chats must be at least 1")
	}
	if c.Active.StaleAfter < 0 {
		problems = append(problems, "active.stale_after must not be negative")
	}
	if c.Active.SweepInterval < time.Minute {
		problems = append(problems, "active.sweep_interval must be at least 1m")
	}
	if c.Archive.BufferCap < 1 {
		problems = append(problems, "archive.buffer_cap must be at least 1")
	}
	if c.Archive.MinExchanges < 0 {
		problems = append(problems, "archive.min_exchanges must not be negative")
	}

	switch c.Annotation.Provider {
	case "http":
		if c.Annotation.URL == "" {
			problems = append(problems, "annotation.url is required for the http provider")
		}
	case "openai":
		if c.Annotation.Model == "" {
			problems = append(problems, "annotation.model is required for the openai provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("annotation.provider %q must be http or openai", c.Annotation.Provider))
	}
	if c.Annotation.MaxConcurrent < 1 {
		problems = append(problems, "annotation.max_concurrent must be at least 1")
	}

	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec < 10 {
		problems = append(problems, "mqtt.publish_interval must be at least 10 seconds")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		problems = append(problems, "metrics.path must start with /")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
