// Package config handles toolrelay configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/providers"
)

// Defaults applied by [Load] and [Default].
const (
	DefaultPort           = 8080
	DefaultMaxIterations  = 3
	DefaultRequestTimeout = 10 * time.Second
	DefaultStopGrace      = 5 * time.Second
	DefaultLLMTimeout     = 5 * time.Minute
	DefaultModel          = "qwen3:4b"
	DefaultTopicPrefix    = "toolrelay"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolrelay/config.yaml, /etc/toolrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/toolrelay/config.yaml")
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

// Config holds all toolrelay configuration.
type Config struct {
	Listen    ListenConfig         `yaml:"listen"`
	LogLevel  string               `yaml:"log_level"`
	LogFormat string               `yaml:"log_format" validate:"omitempty,oneof=text json"`
	DataDir   string               `yaml:"data_dir"`
	LLM       LLMConfig            `yaml:"llm"`
	Agent     AgentConfig          `yaml:"agent"`
	MCP       MCPConfig            `yaml:"mcp"`
	Server    ServerConfig         `yaml:"server"`
	Providers []providers.Provider `yaml:"providers"`
	MQTT      MQTTConfig           `yaml:"mqtt"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" validate:"min=0,max=65535"`
}

// Addr returns the host:port the API server binds.
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// LLMConfig selects and configures the language model backend.
type LLMConfig struct {
	// Provider is "ollama" (default) or "anthropic".
	Provider     string        `yaml:"provider" validate:"omitempty,oneof=ollama anthropic"`
	OllamaURL    string        `yaml:"ollama_url" validate:"omitempty,url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout" validate:"min=0"`
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations" validate:"min=0,max=100"`
}

// MCPConfig holds the transport settings shared by every provider.
type MCPConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=0"`
	// TimeoutPolicy is "keep" (default) or "restart".
	TimeoutPolicy string        `yaml:"timeout_policy" validate:"omitempty,oneof=keep restart"`
	StopGrace     time.Duration `yaml:"stop_grace" validate:"min=0"`
}

// Policy returns the configured timeout policy as an [mcp.TimeoutPolicy].
func (m MCPConfig) Policy() mcp.TimeoutPolicy {
	return mcp.TimeoutPolicy(m.TimeoutPolicy)
}

// ServerConfig is the identity of the relay's own tool server.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// MQTTConfig configures event forwarding. Forwarding is disabled when
// Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker" validate:"omitempty,url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: DefaultPort},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills every zero value that has a default and assigns
// ids to providers that lack one. Ids are stable across loads only
// when set explicitly in the file.
func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "ollama"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultModel
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = DefaultLLMTimeout
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.MCP.RequestTimeout == 0 {
		c.MCP.RequestTimeout = DefaultRequestTimeout
	}
	if c.MCP.TimeoutPolicy == "" {
		c.MCP.TimeoutPolicy = string(mcp.TimeoutKeep)
	}
	if c.MCP.StopGrace == 0 {
		c.MCP.StopGrace = DefaultStopGrace
	}
	if c.Server.Name == "" {
		c.Server.Name = "toolrelay"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	for i := range c.Providers {
		if c.Providers[i].ID == "" {
			c.Providers[i].ID = uuid.NewString()
		}
	}
}

var validate = validator.New()

// Validate checks struct constraints, the backend requirements, and
// every configured provider.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if c.LLM.Provider == "anthropic" && c.LLM.APIKey == "" {
		return errors.New("llm.api_key is required for the anthropic provider")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// ProviderDBPath is where the provider store lives.
func (c *Config) ProviderDBPath() string {
	return filepath.Join(c.DataDir, "providers.db")
}
