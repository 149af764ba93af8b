// Package config loads and validates the relay configuration.
//
// Config is a YAML file with ${VAR:-default} environment expansion, so the
// same file works across deployments (compose, systemd, local dev).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server          ServerConfig              `yaml:"server"`
	Upstream        UpstreamConfig            `yaml:"upstream"`
	Endpoints       map[string]EndpointConfig `yaml:"endpoints"`
	DefaultEndpoint string                    `yaml:"default_endpoint"`
	ToolLog         ToolLogConfig             `yaml:"tool_log"`
	Auth            AuthConfig                `yaml:"auth"`
	Monitoring      MonitoringConfig          `yaml:"monitoring"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UpstreamConfig describes the agent runtime the relay fronts.
type UpstreamConfig struct {
	// BaseURL is the runtime's OpenAI-compatible HTTP base URL.
	BaseURL string `yaml:"base_url"`
	// ControlURL is the runtime's control WebSocket. Empty means BaseURL + "/ws".
	ControlURL      string        `yaml:"control_url"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// EndpointConfig binds a chat frontend to a session-key template.
//
// SessionTemplate is expanded with {conversationId} (from ConversationHeader)
// plus any entries in Vars. The resolved key is forwarded upstream under
// SessionHeader, and is the addressing token for aborts.
type EndpointConfig struct {
	ConversationHeader string            `yaml:"conversation_header"`
	SessionHeader      string            `yaml:"session_header"`
	SessionTemplate    string            `yaml:"session_template"`
	Vars               map[string]string `yaml:"vars"`
}

// ToolLogConfig locates the runtime log files the tool-event tailer reads.
type ToolLogConfig struct {
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AuthConfig holds the optional shared bearer key for /v1 endpoints.
type AuthConfig struct {
	ProxyKey string `yaml:"proxy_key"`
}

// MonitoringConfig controls logging and the run-history store.
type MonitoringConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DBPath    string `yaml:"db_path"`
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR:-default} references with environment values.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[3]
	})
}

// Load reads, expands, parses, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the -config flag
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses config bytes. Exposed for tests and embedded defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config usable with no file at all: a single "librechat"
// endpoint against a local runtime, everything overridable via environment.
func Default() *Config {
	cfg := &Config{
		Endpoints: map[string]EndpointConfig{
			"librechat": {
				SessionTemplate: "librechat:{conversationId}",
			},
		},
		DefaultEndpoint: "librechat",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.ControlURL == "" {
		c.Upstream.ControlURL = c.Upstream.BaseURL + "/ws"
	}
	if c.Upstream.ConnectTimeout == 0 {
		c.Upstream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = DefaultMaxRetries
	}
	if c.Upstream.RetryDelay == 0 {
		c.Upstream.RetryDelay = DefaultRetryDelay
	}
	if c.Upstream.RecoveryTimeout == 0 {
		c.Upstream.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.ToolLog.Dir == "" {
		c.ToolLog.Dir = DefaultToolLogDir
	}
	if c.ToolLog.PollInterval == 0 {
		c.ToolLog.PollInterval = DefaultTailPollInterval
	}
	if c.Monitoring.LogLevel == "" {
		c.Monitoring.LogLevel = "info"
	}
	if c.Monitoring.LogFormat == "" {
		c.Monitoring.LogFormat = "console"
	}
	if c.Monitoring.DBPath == "" {
		c.Monitoring.DBPath = DefaultDBPath
	}

	for name, ep := range c.Endpoints {
		if ep.ConversationHeader == "" {
			ep.ConversationHeader = DefaultConversationHeader
		}
		if ep.SessionHeader == "" {
			ep.SessionHeader = DefaultSessionHeader
		}
		c.Endpoints[name] = ep
	}
	if c.DefaultEndpoint == "" && len(c.Endpoints) == 1 {
		for name := range c.Endpoints {
			c.DefaultEndpoint = name
		}
	}
}

func (c *Config) validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("config: at least one endpoint must be configured")
	}
	if c.DefaultEndpoint == "" {
		return fmt.Errorf("config: default_endpoint is required with multiple endpoints")
	}
	if _, ok := c.Endpoints[c.DefaultEndpoint]; !ok {
		return fmt.Errorf("config: default_endpoint %q is not a configured endpoint", c.DefaultEndpoint)
	}
	for name, ep := range c.Endpoints {
		if ep.SessionTemplate == "" {
			return fmt.Errorf("config: endpoint %q has no session_template", name)
		}
	}
	return nil
}

// Endpoint returns the named endpoint config, falling back to the default.
func (c *Config) Endpoint(name string) (EndpointConfig, bool) {
	if name == "" {
		name = c.DefaultEndpoint
	}
	ep, ok := c.Endpoints[name]
	return ep, ok
}
