// Package config loads the service configuration from YAML, with environment
// fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Listen is the TCP address the switch connects to.
	Listen string `yaml:"listen"`

	// MetricsPort serves /metrics and /health.
	MetricsPort int `yaml:"metrics_port"`

	Redis       RedisConfig   `yaml:"redis"`
	Recognizer  SpeechConfig  `yaml:"recognizer"`
	Synthesizer SpeechConfig  `yaml:"synthesizer"`
	Agent       AgentConfig   `yaml:"agent"`
	Tools       ToolsConfig   `yaml:"tools"`
	Switch      SwitchConfig  `yaml:"switch"`
	CallLog     CallLogConfig `yaml:"call_log"`
	Prompts     Prompts       `yaml:"prompts"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// RedisConfig holds session store settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// SpeechConfig points at one speech vendor websocket endpoint.
type SpeechConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Language string `yaml:"language"`
	Voice    string `yaml:"voice"`
}

// AgentConfig holds the conversational agent settings.
type AgentConfig struct {
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// ToolsConfig holds the backend tool endpoint settings.
type ToolsConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SwitchConfig holds the telephony switch control API settings.
type SwitchConfig struct {
	ControlURL    string `yaml:"control_url"`
	APIKey        string `yaml:"api_key"`
	OperatorQueue string `yaml:"operator_queue"`
}

// CallLogConfig holds call log persistence settings.
type CallLogConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// Prompts are the canned phrases the bot speaks outside agent turns.
type Prompts struct {
	Greeting string `yaml:"greeting"`
	CheckIn  string `yaml:"check_in"`
	Apology  string `yaml:"apology"`
	Fallback string `yaml:"fallback"`
	Goodbye  string `yaml:"goodbye"`
}

// TracingConfig holds trace export settings.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = ":7070"
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 30 * time.Minute
	}
	if cfg.Recognizer.Language == "" {
		cfg.Recognizer.Language = "en-US"
	}
	if cfg.Switch.OperatorQueue == "" {
		cfg.Switch.OperatorQueue = "operators"
	}
	if cfg.CallLog.Path == "" {
		cfg.CallLog.Path = "voxgate.db"
	}
	if cfg.Prompts.Greeting == "" {
		cfg.Prompts.Greeting = "Hello! You have reached our automated assistant. How can I help you today?"
	}
	if cfg.Prompts.CheckIn == "" {
		cfg.Prompts.CheckIn = "Are you still there?"
	}
	if cfg.Prompts.Apology == "" {
		cfg.Prompts.Apology = "I am sorry, I am having trouble right now. Let me connect you to an operator."
	}
	if cfg.Prompts.Fallback == "" {
		cfg.Prompts.Fallback = "I cannot look that up at the moment. Is there anything else I can help with?"
	}
	if cfg.Prompts.Goodbye == "" {
		cfg.Prompts.Goodbye = "Thank you for calling. Goodbye!"
	}

	// Load API keys from environment if not in config
	if cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Recognizer.APIKey == "" {
		cfg.Recognizer.APIKey = os.Getenv("RECOGNIZER_API_KEY")
	}
	if cfg.Synthesizer.APIKey == "" {
		cfg.Synthesizer.APIKey = os.Getenv("SYNTHESIZER_API_KEY")
	}
	if cfg.Switch.APIKey == "" {
		cfg.Switch.APIKey = os.Getenv("SWITCH_API_KEY")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Recognizer.URL == "" {
		return fmt.Errorf("recognizer.url is required")
	}
	if c.Synthesizer.URL == "" {
		return fmt.Errorf("synthesizer.url is required")
	}
	if c.Agent.APIKey == "" {
		return fmt.Errorf("agent.api_key is required (or set OPENAI_API_KEY)")
	}
	if c.Tools.BaseURL == "" {
		return fmt.Errorf("tools.base_url is required")
	}
	if c.Switch.ControlURL == "" {
		return fmt.Errorf("switch.control_url is required")
	}
	return nil
}
