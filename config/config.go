// Package config loads the service configuration from an optional YAML file
// overlaid by ACASINHA_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix         = "ACASINHA_"
	maxConfigFileSize = 1024 * 1024
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Log          LogConfig          `koanf:"log"`
	Conversation ConversationConfig `koanf:"conversation"`
	Extraction   ExtractionConfig   `koanf:"extraction"`
	Events       EventsConfig       `koanf:"events"`
}

type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty DSN keeps everything in memory.
type DatabaseConfig struct {
	DSN          Secret   `koanf:"dsn"`
	MaxOpenConns int      `koanf:"max_open_conns"`
	ReadAttempts int      `koanf:"read_attempts"`
	ReadBackoff  Duration `koanf:"read_backoff"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type ConversationConfig struct {
	MaxClarificationRounds int      `koanf:"max_clarification_rounds"`
	SessionTTL             Duration `koanf:"session_ttl"`
	SweepInterval          Duration `koanf:"sweep_interval"`
	WriteTimeout           Duration `koanf:"write_timeout"`
}

// ExtractionConfig picks the language models. Provider "heuristic" runs
// without one. Otherwise the primary model is tried first, then the optional
// fallback model, then the heuristic.
//
// Timeout bounds a whole extraction attempt; CallTimeout bounds a single model
// call and must be shorter so a hung model leaves time for the next one.
type ExtractionConfig struct {
	Provider      string      `koanf:"provider"`
	Model         string      `koanf:"model"`
	BaseURL       string      `koanf:"base_url"`
	APIKey        Secret      `koanf:"api_key"`
	Fallback      ModelConfig `koanf:"fallback"`
	Timeout       Duration    `koanf:"timeout"`
	CallTimeout   Duration    `koanf:"call_timeout"`
	Backoff       Duration    `koanf:"backoff"`
	RateLimit     float64     `koanf:"rate_limit"`
	Burst         int         `koanf:"burst"`
	MinConfidence float64     `koanf:"min_confidence"`
}

// ModelConfig describes one language model endpoint. An empty Provider means
// none is configured.
type ModelConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
}

func (c ExtractionConfig) Primary() ModelConfig {
	return ModelConfig{Provider: c.Provider, Model: c.Model, BaseURL: c.BaseURL, APIKey: c.APIKey}
}

type EventsConfig struct {
	BufferSize int    `koanf:"buffer_size"`
	NatsURL    string `koanf:"nats_url"`
	Subject    string `koanf:"subject"`
}

const (
	ProviderHeuristic = "heuristic"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
)

// Load reads path (skipped when empty or missing) and then the environment.
// Environment variables win over the file:
//
//	ACASINHA_SERVER_ADDR                        -> server.addr
//	ACASINHA_CONVERSATION_SESSION_TTL           -> conversation.session_ttl
//	ACASINHA_EXTRACTION_API_KEY                 -> extraction.api_key
//	ACASINHA_EXTRACTION_FALLBACK_API_KEY        -> extraction.fallback.api_key
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return content, nil
}

// nestedBlocks lists the sub-blocks a section has, so their fields can be set
// from the environment too.
var nestedBlocks = map[string][]string{
	"extraction": {"fallback"},
}

// envKey maps ACASINHA_SECTION_FIELD_NAME to section.field_name, and
// ACASINHA_SECTION_BLOCK_FIELD to section.block.field for nested blocks.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	for _, block := range nestedBlocks[section] {
		if rest, found := strings.CutPrefix(field, block+"_"); found {
			return section + "." + block + "." + rest
		}
	}
	return section + "." + field
}

func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.ReadAttempts == 0 {
		c.Database.ReadAttempts = 3
	}
	if c.Database.ReadBackoff == 0 {
		c.Database.ReadBackoff = Duration(100 * time.Millisecond)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Conversation.MaxClarificationRounds == 0 {
		c.Conversation.MaxClarificationRounds = 3
	}
	if c.Conversation.SessionTTL == 0 {
		c.Conversation.SessionTTL = Duration(15 * time.Minute)
	}
	if c.Conversation.SweepInterval == 0 {
		c.Conversation.SweepInterval = Duration(30 * time.Second)
	}
	if c.Conversation.WriteTimeout == 0 {
		c.Conversation.WriteTimeout = Duration(5 * time.Second)
	}
	if c.Extraction.Provider == "" {
		c.Extraction.Provider = ProviderHeuristic
	}
	if c.Extraction.Timeout == 0 {
		c.Extraction.Timeout = Duration(20 * time.Second)
	}
	if c.Extraction.CallTimeout == 0 {
		c.Extraction.CallTimeout = Duration(c.Extraction.Timeout.Duration() / 3)
	}
	if c.Extraction.Backoff == 0 {
		c.Extraction.Backoff = Duration(500 * time.Millisecond)
	}
	if c.Extraction.RateLimit == 0 {
		c.Extraction.RateLimit = 2
	}
	if c.Extraction.Burst == 0 {
		c.Extraction.Burst = 4
	}
	if c.Extraction.MinConfidence == 0 {
		c.Extraction.MinConfidence = 0.5
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 100
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "acasinha.events"
	}
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if c.Conversation.MaxClarificationRounds < 1 {
		return fmt.Errorf("max clarification rounds must be at least 1, got %d", c.Conversation.MaxClarificationRounds)
	}
	if c.Conversation.SessionTTL.Duration() < time.Minute {
		return fmt.Errorf("session ttl must be at least 1m, got %s", c.Conversation.SessionTTL.Duration())
	}
	if c.Extraction.MinConfidence < 0 || c.Extraction.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0 and 1, got %v", c.Extraction.MinConfidence)
	}
	if c.Events.BufferSize < 1 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}

	if c.Extraction.Provider == ProviderHeuristic {
		if c.Extraction.Fallback.Provider != "" {
			return errors.New("extraction fallback needs a primary model provider")
		}
		return nil
	}
	if err := c.Extraction.Primary().validate("extraction"); err != nil {
		return err
	}
	if c.Extraction.Fallback.Provider != "" {
		if err := c.Extraction.Fallback.validate("extraction fallback"); err != nil {
			return err
		}
	}
	if c.Extraction.CallTimeout.Duration() >= c.Extraction.Timeout.Duration() {
		return fmt.Errorf("extraction call timeout %s must be shorter than the extraction timeout %s",
			c.Extraction.CallTimeout.Duration(), c.Extraction.Timeout.Duration())
	}
	return nil
}

func (m ModelConfig) validate(name string) error {
	switch m.Provider {
	case ProviderOllama:
		if m.Model == "" {
			return fmt.Errorf("%s model is required for ollama", name)
		}
	case ProviderOpenAI:
		if m.Model == "" {
			return fmt.Errorf("%s model is required for openai", name)
		}
		if !m.APIKey.IsSet() {
			return fmt.Errorf("%s api key is required for openai", name)
		}
	default:
		return fmt.Errorf("unknown %s provider %q", name, m.Provider)
	}
	return nil
}
