// Package config loads and validates coauthord configuration from YAML
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportMode selects the delivery path for proposal generation.
// It is injected at construction time rather than read from the
// environment at runtime so behavior is fixed per process.
type TransportMode string

const (
	// TransportStreaming streams provider output over the live session stream.
	TransportStreaming TransportMode = "streaming"
	// TransportFallback skips streaming entirely and accumulates the
	// full result before delivery. Used when the streaming transport is
	// known to be unavailable (e.g. restrictive proxies).
	TransportFallback TransportMode = "fallback"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultAddress           = ":8080"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSectionSlots      = 1
	DefaultProposalTTL       = 10 * time.Minute
	DefaultIdleSessionTTL    = 5 * time.Minute
	DefaultSweepInterval     = time.Minute
	DefaultReplayBuffer      = 100
	DefaultContextMaxTokens  = 24000
	DefaultRequestTimeout    = 2 * time.Minute
)

// Config represents the complete coauthord configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Provider  ProviderConfig  `yaml:"provider"`
	Bus       BusConfig       `yaml:"bus"`
	Proposals ProposalsConfig `yaml:"proposals"`
	Audit     AuditConfig     `yaml:"audit"`
	Context   ContextConfig   `yaml:"context"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// StorageConfig configures SQLite persistence.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig configures the upstream AI provider.
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BusConfig configures the external observer message bus.
type BusConfig struct {
	Mode string `yaml:"mode"` // "memory" or "nats"
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// ProposalsConfig governs the proposal engine.
type ProposalsConfig struct {
	// SectionSlots is the per-section concurrency capacity. Promotion
	// semantics do not depend on this value.
	SectionSlots   int           `yaml:"section_slots"`
	TransportMode  TransportMode `yaml:"transport_mode"`
	ProposalTTL    time.Duration `yaml:"proposal_ttl"`
	IdleSessionTTL time.Duration `yaml:"idle_session_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ReplayBuffer   int           `yaml:"replay_buffer"`
}

// AuditConfig configures the JSONL audit trail.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// ContextConfig bounds provider context assembly.
type ContextConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           DefaultAddress,
			HeartbeatInterval: DefaultHeartbeatInterval,
		},
		Storage: StorageConfig{
			Path: "coauthor.db",
		},
		Provider: ProviderConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			Model:          "anthropic/claude-sonnet-4-5",
			RequestTimeout: DefaultRequestTimeout,
		},
		Bus: BusConfig{
			Mode: "memory",
			Name: "coauthord",
		},
		Proposals: ProposalsConfig{
			SectionSlots:   DefaultSectionSlots,
			TransportMode:  TransportStreaming,
			ProposalTTL:    DefaultProposalTTL,
			IdleSessionTTL: DefaultIdleSessionTTL,
			SweepInterval:  DefaultSweepInterval,
			ReplayBuffer:   DefaultReplayBuffer,
		},
		Audit: AuditConfig{
			Dir: "audit",
		},
		Context: ContextConfig{
			MaxTokens: DefaultContextMaxTokens,
		},
	}
}

// Load reads configuration from path, applying defaults for missing
// fields and environment overrides on top. A missing file is not an
// error; defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COAUTHOR_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("COAUTHOR_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("COAUTHOR_PROVIDER_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("COAUTHOR_PROVIDER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" && c.Provider.APIKey == "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("COAUTHOR_PROVIDER_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("COAUTHOR_BUS_MODE"); v != "" {
		c.Bus.Mode = v
	}
	if v := os.Getenv("COAUTHOR_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("COAUTHOR_TRANSPORT_MODE"); v != "" {
		c.Proposals.TransportMode = TransportMode(strings.ToLower(v))
	}
	if v := os.Getenv("COAUTHOR_SECTION_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Proposals.SectionSlots = n
		}
	}
	if v := os.Getenv("COAUTHOR_AUDIT_DIR"); v != "" {
		c.Audit.Dir = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address cannot be empty")
	}
	if c.Proposals.SectionSlots < 1 {
		return fmt.Errorf("proposals.section_slots must be >= 1, got %d", c.Proposals.SectionSlots)
	}
	switch c.Proposals.TransportMode {
	case TransportStreaming, TransportFallback:
	default:
		return fmt.Errorf("proposals.transport_mode must be %q or %q, got %q",
			TransportStreaming, TransportFallback, c.Proposals.TransportMode)
	}
	if c.Proposals.ProposalTTL <= 0 {
		return fmt.Errorf("proposals.proposal_ttl must be positive")
	}
	if c.Proposals.IdleSessionTTL <= 0 {
		return fmt.Errorf("proposals.idle_session_ttl must be positive")
	}
	if c.Proposals.ReplayBuffer < 1 {
		return fmt.Errorf("proposals.replay_buffer must be >= 1")
	}
	switch c.Bus.Mode {
	case "memory", "nats":
	default:
		return fmt.Errorf("bus.mode must be \"memory\" or \"nats\", got %q", c.Bus.Mode)
	}
	if c.Context.MaxTokens < 1 {
		return fmt.Errorf("context.max_tokens must be >= 1")
	}
	return nil
}
