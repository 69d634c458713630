package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Transport TransportConfig `koanf:"transport"`
	Debate    DebateConfig    `koanf:"debate"`
	Cost      CostConfig      `koanf:"cost"`
	Events    EventsConfig    `koanf:"events"`
	Queue     QueueConfig     `koanf:"queue"`
	Sessions  SessionsConfig  `koanf:"sessions"`
	Storage   StorageConfig   `koanf:"storage"`
	Outputs   OutputsConfig   `koanf:"outputs"`
	Roles     RolesConfig     `koanf:"roles"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// TransportConfig configures the remote agent-session API.
type TransportConfig struct {
	BaseURL               string  `koanf:"base_url"`
	RequestTimeoutSeconds float64 `koanf:"request_timeout_seconds"`
}

type DebateConfig struct {
	MaxWaitSeconds      int     `koanf:"max_wait_seconds"`
	PollIntervalSeconds float64 `koanf:"poll_interval_seconds"`
	MaxRounds           int     `koanf:"max_rounds"`
	MaxBudgetEUR        float64 `koanf:"max_budget_eur"`
	MaxContextChars     int     `koanf:"max_context_chars"`
	// ChiefRole is the conductor role; interventions are not drained after its turns.
	ChiefRole      string `koanf:"chief_role"`
	SummarizerRole string `koanf:"summarizer_role"`
}

// CostConfig holds per-token USD rates (per million tokens) and the EUR
// conversion factor.
type CostConfig struct {
	InputUSDPerMTok  float64 `koanf:"input_usd_per_mtok"`
	OutputUSDPerMTok float64 `koanf:"output_usd_per_mtok"`
	EURPerUSD        float64 `koanf:"eur_per_usd"`
	// PreciseTokenCounts enables tiktoken-based counting for models it supports.
	PreciseTokenCounts bool `koanf:"precise_token_counts"`
}

type EventsConfig struct {
	Enabled         bool   `koanf:"enabled"`
	LogFile         string `koanf:"log_file"`
	MaxLogTextChars int    `koanf:"max_log_text_chars"`
}

type QueueConfig struct {
	File string `koanf:"file"`
}

type SessionsConfig struct {
	File string `koanf:"file"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// OutputsConfig configures derivation of output events from agent text.
type OutputsConfig struct {
	Enabled      bool     `koanf:"enabled"`
	Trigger      string   `koanf:"trigger"`
	Entity       string   `koanf:"entity"`
	AllowedRoles []string `koanf:"allowed_roles"`
}

type RolesConfig struct {
	File string `koanf:"file"`
}

// Load reads config.yaml (when present) and RT_-prefixed environment
// variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars and defaults.
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Environment variables override file config: RT_DEBATE__MAX_ROUNDS etc.
	if err := k.Load(env.Provider("RT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RT_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.Transport.BaseURL = strings.TrimSuffix(cfg.Transport.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.port":                       8080,
		"transport.base_url":                "http://localhost:4096",
		"transport.request_timeout_seconds": 20.0,
		"debate.max_wait_seconds":           60,
		"debate.poll_interval_seconds":      1.5,
		"debate.max_rounds":                 15,
		"debate.max_budget_eur":             0.50,
		"debate.max_context_chars":          12000,
		"debate.chief_role":                 "Conductor",
		"debate.summarizer_role":            "Summarizer",
		"cost.input_usd_per_mtok":           0.59,
		"cost.output_usd_per_mtok":          0.79,
		"cost.eur_per_usd":                  0.92,
		"events.enabled":                    true,
		"events.log_file":                   "debate_events.jsonl",
		"events.max_log_text_chars":         4000,
		"queue.file":                        "interventions_queue.jsonl",
		"sessions.file":                     "team_sessions.json",
		"storage.sqlite.path":               "roundtable.db",
		"outputs.enabled":                   true,
		"outputs.trigger":                   "#task",
		"outputs.entity":                    "task",
		"roles.file":                        "roles.yaml",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

// Validate rejects configurations the engine cannot run with. Invalid values
// are errors, never silently replaced.
func (c *Config) Validate() error {
	if c.Transport.BaseURL == "" {
		return fmt.Errorf("transport.base_url must not be empty")
	}
	if c.Transport.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("transport.request_timeout_seconds must be positive, got %v", c.Transport.RequestTimeoutSeconds)
	}
	if c.Debate.MaxWaitSeconds <= 0 {
		return fmt.Errorf("debate.max_wait_seconds must be positive, got %d", c.Debate.MaxWaitSeconds)
	}
	if c.Debate.PollIntervalSeconds <= 0 {
		return fmt.Errorf("debate.poll_interval_seconds must be positive, got %v", c.Debate.PollIntervalSeconds)
	}
	if c.Debate.MaxRounds <= 0 {
		return fmt.Errorf("debate.max_rounds must be positive, got %d", c.Debate.MaxRounds)
	}
	if c.Debate.MaxBudgetEUR < 0 {
		return fmt.Errorf("debate.max_budget_eur must not be negative, got %v", c.Debate.MaxBudgetEUR)
	}
	if c.Debate.MaxContextChars <= 0 {
		return fmt.Errorf("debate.max_context_chars must be positive, got %d", c.Debate.MaxContextChars)
	}
	if c.Cost.EURPerUSD <= 0 {
		return fmt.Errorf("cost.eur_per_usd must be positive, got %v", c.Cost.EURPerUSD)
	}
	if c.Events.Enabled && c.Events.LogFile == "" {
		return fmt.Errorf("events.log_file must be set when events.enabled is true")
	}
	if c.Events.MaxLogTextChars <= 0 {
		return fmt.Errorf("events.max_log_text_chars must be positive, got %d", c.Events.MaxLogTextChars)
	}
	if c.Outputs.Enabled && c.Outputs.Trigger == "" {
		return fmt.Errorf("outputs.trigger must be set when outputs.enabled is true")
	}
	return nil
}
