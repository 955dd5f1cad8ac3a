// Package config handles Reeve configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "reeve", "config.yaml"))
	}

	paths = append(paths, "/etc/reeve/config.yaml")
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

// Config holds all Reeve configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Log       LogConfig       `yaml:"log"`
	Persona   PersonaConfig   `yaml:"persona"`
	Search    SearchConfig    `yaml:"search"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Turn      TurnConfig      `yaml:"turn"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	// LogFormat selects the slog handler: "text" (default) or "json".
	LogFormat string `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default string `yaml:"default"`
	// OllamaURL is the base URL of an Ollama server for ollama-provider models.
	OllamaURL string `yaml:"ollama_url"`
	// OpenAIURL is the base URL of an OpenAI-compatible server
	// (e.g. http://host:8000/v1). Used for openai-provider models.
	OpenAIURL string `yaml:"openai_url"`
	// OpenAIKey is the bearer token for the OpenAI-compatible server.
	OpenAIKey string        `yaml:"openai_key"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, openai
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for the scoped file-read capability.
	// All tool paths are resolved relative to this directory and must
	// stay inside it. If empty, file tools are disabled.
	Path string `yaml:"path"`
}

// LogConfig defines conversation event log storage.
type LogConfig struct {
	// Dir is the directory holding one JSONL file per conversation.
	// Defaults to <data_dir>/conversations when empty.
	Dir string `yaml:"dir"`
}

// PersonaConfig defines where the agent identity is loaded from.
type PersonaConfig struct {
	// Dir contains the persona markdown fragments. The directory must
	// exist and contain at least one .md file at startup.
	Dir string `yaml:"dir"`
}

// SearchConfig defines web search provider settings.
type SearchConfig struct {
	// Provider selects the search backend. "searxng" (also the
	// default when empty) is the only supported value.
	Provider string `yaml:"provider"`
	// SearXNGURL is the base URL of a SearXNG instance. Web search is
	// disabled when empty.
	SearXNGURL string `yaml:"searxng_url"`
}

// FetchConfig defines web page fetch settings.
type FetchConfig struct {
	// MaxChars caps extracted page text returned to the model (default 50000).
	MaxChars int `yaml:"max_chars"`
}

// GatewayConfig defines the chat network gateway bridge.
type GatewayConfig struct {
	Enabled bool `yaml:"enabled"`
	// URL is the gateway websocket endpoint.
	URL string `yaml:"url"`
	// Token authenticates the bridge to the gateway.
	Token string `yaml:"token"`
	// AllowedSenders restricts which sender IDs the bridge will answer.
	// Empty means all senders are allowed.
	AllowedSenders []string `yaml:"allowed_senders"`
	// RateLimitPerMinute caps turns per sender per minute (default 6).
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// DedupeSize bounds the echo-suppression FIFO set (default 256).
	DedupeSize int `yaml:"dedupe_size"`
}

// MQTTConfig defines the optional presence/telemetry publisher.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://host:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
	// PublishIntervalSec controls how often telemetry is pushed
	// (default 60).
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// TurnConfig tunes the orchestrator loop.
type TurnConfig struct {
	// MaxRounds caps model round-trips per turn (default 5).
	MaxRounds int `yaml:"max_rounds"`
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
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	if c.Models.OllamaURL == "" {
		return fmt.Errorf("models.ollama_url is required")
	}
	for i, m := range c.Models.Available {
		if m.Name == "" {
			return fmt.Errorf("models.available[%d].name must not be empty", i)
		}
		switch m.Provider {
		case "", "ollama":
		case "openai":
			if c.Models.OpenAIURL == "" {
				return fmt.Errorf("models.available[%d] (%s): provider openai requires models.openai_url", i, m.Name)
			}
		default:
			return fmt.Errorf("models.available[%d] (%s): unknown provider %q", i, m.Name, m.Provider)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}
	if c.Search.Provider != "" && c.Search.Provider != "searxng" {
		return fmt.Errorf("search.provider %q invalid (expected searxng)", c.Search.Provider)
	}
	if c.Fetch.MaxChars < 0 {
		return fmt.Errorf("fetch.max_chars must not be negative")
	}
	if c.Turn.MaxRounds < 0 {
		return fmt.Errorf("turn.max_rounds must not be negative")
	}
	if c.Gateway.Enabled {
		if c.Gateway.URL == "" {
			return fmt.Errorf("gateway.url is required when gateway.enabled is true")
		}
		if c.Gateway.Token == "" {
			return fmt.Errorf("gateway.token is required when gateway.enabled is true")
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enabled is true")
		}
		if c.MQTT.DeviceName == "" {
			return fmt.Errorf("mqtt.device_name is required when mqtt.enabled is true")
		}
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
		Turn: TurnConfig{MaxRounds: 5},
		Gateway: GatewayConfig{
			RateLimitPerMinute: 6,
			DedupeSize:         256,
		},
		MQTT: MQTTConfig{
			DeviceName:         "reeve",
			PublishIntervalSec: 60,
		},
		Fetch: FetchConfig{MaxChars: 50000},
	}
}

// EventLogDir returns the conversation log directory, applying the
// data_dir fallback.
func (c *Config) EventLogDir() string {
	if c.Log.Dir != "" {
		return c.Log.Dir
	}
	return filepath.Join(c.DataDir, "conversations")
}

// StateDBPath returns the SQLite path for operational state.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.DataDir, "opstate.db")
}
