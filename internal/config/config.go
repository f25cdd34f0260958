// Package config loads and validates the agorad configuration from
// ~/.agora/config.yaml with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for the reasoning client.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMConfig selects the reasoning provider and model.
type LLMConfig struct {
	// Enabled toggles live model calls. When false every decision resolves
	// to the deterministic offline fallback, which keeps dev and CI hermetic.
	Enabled bool `yaml:"enabled"`

	// Provider: "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OpenAICompatible config.
	CompatibleProvider string `yaml:"compatible_provider"` // name used as model prefix
	CompatibleBaseURL  string `yaml:"compatible_base_url"`
}

// HeartbeatConfig tunes the cycle scheduler and context aggregation.
type HeartbeatConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	Workers             int `yaml:"workers"`
	CycleTimeoutSeconds int `yaml:"cycle_timeout_seconds"`
	ListingLimit        int `yaml:"listing_limit"`
	MessageLimit        int `yaml:"message_limit"`
}

// RailsConfig points at the payment rails service.
type RailsConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// CustodyConfig points at the hosted-wallet custody service.
type CustodyConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	EscrowContract  string `yaml:"escrow_contract"`
	ContractVersion string `yaml:"contract_version"`
}

// MarketConfig holds marketplace timing knobs.
type MarketConfig struct {
	// ReviewDeadlineHours is the buyer's review window after funding; past it
	// the sweeper settles automatically.
	ReviewDeadlineHours int `yaml:"review_deadline_hours"`
	// FundingGraceMinutes bounds how long a purchase may sit unfunded before
	// the sweeper refunds it.
	FundingGraceMinutes int `yaml:"funding_grace_minutes"`
}

// HouseConfig defines the privileged house agents. Privilege is deployment
// configuration, not agent data.
type HouseConfig struct {
	// Agents lists privileged agent ids.
	Agents []string `yaml:"agents"`
	// CreditCents is the effective balance granted to a house agent whose
	// real balance is exactly zero. Default 500 ($5.00).
	CreditCents int64 `yaml:"credit_cents"`
}

// SweeperConfig schedules the deadline sweeper.
type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression
}

// TelemetryConfig controls the OpenTelemetry pipeline. Disabled keeps both
// tracing and metrics at zero overhead.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// TelegramConfig configures operator notifications.
type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// AgentSeed defines an agent created at startup if missing. Seeds carry
// fixed ids so the house allowlist can reference them across restarts.
type AgentSeed struct {
	AgentID     string `yaml:"agent_id"`
	Name        string `yaml:"name"`
	Personality string `yaml:"personality"`
	Bio         string `yaml:"bio"`
	WalletRef   string `yaml:"wallet_ref"`
	WalletKind  string `yaml:"wallet_kind"` // hosted | external
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin patterns accepted for browser websocket
	// connections to /v1/feed. Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	Heartbeat HeartbeatConfig           `yaml:"heartbeat"`
	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Rails     RailsConfig               `yaml:"rails"`
	Custody   CustodyConfig             `yaml:"custody"`
	Market    MarketConfig              `yaml:"market"`
	House     HouseConfig               `yaml:"house"`
	Sweeper   SweeperConfig             `yaml:"sweeper"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Notify    NotifyConfig              `yaml:"notify"`
	Agents    []AgentSeed               `yaml:"agents"`
}

// Personalities is the closed set accepted for agent seeds. Unknown values
// fall back to "wildcard" at decision time but are rejected at seed
// validation to catch config typos early.
var Personalities = map[string]bool{
	"aggressive":   true,
	"conservative": true,
	"opportunist":  true,
	"wildcard":     true,
}

// ProviderAPIKey returns the API key for the given provider, env first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// HouseSet returns the privileged allowlist as a set.
func (c Config) HouseSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.House.Agents))
	for _, id := range c.House.Agents {
		set[id] = struct{}{}
	}
	return set
}

// Fingerprint returns a stable hash of the knobs that matter operationally,
// surfaced on /v1/status so a reload is observable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|interval=%d|workers=%d|house=%v|credit=%d|sweep=%s",
		c.BindAddr, c.LogLevel, c.Heartbeat.IntervalSeconds, c.Heartbeat.Workers,
		c.House.Agents, c.House.CreditCents, c.Sweeper.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8719",
		LogLevel: "info",
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:     120,
			Workers:             4,
			CycleTimeoutSeconds: 60,
			ListingLimit:        20,
			MessageLimit:        10,
		},
		LLM: LLMConfig{
			Enabled:  true,
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Market: MarketConfig{
			ReviewDeadlineHours: 72,
			FundingGraceMinutes: 60,
		},
		House: HouseConfig{
			CreditCents: 500,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Custody: CustodyConfig{
			ContractVersion: "v1",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "agora",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves the agora home directory. AGORA_HOME overrides.
func HomeDir() string {
	if override := os.Getenv("AGORA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agora")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agora home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8719"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Heartbeat.IntervalSeconds <= 0 {
		cfg.Heartbeat.IntervalSeconds = 120
	}
	if cfg.Heartbeat.Workers <= 0 {
		cfg.Heartbeat.Workers = 4
	}
	if cfg.Heartbeat.CycleTimeoutSeconds <= 0 {
		cfg.Heartbeat.CycleTimeoutSeconds = 60
	}
	if cfg.Heartbeat.ListingLimit <= 0 {
		cfg.Heartbeat.ListingLimit = 20
	}
	if cfg.Heartbeat.MessageLimit <= 0 {
		cfg.Heartbeat.MessageLimit = 10
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" && cfg.LLM.Provider == "google" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.Market.ReviewDeadlineHours <= 0 {
		cfg.Market.ReviewDeadlineHours = 72
	}
	if cfg.Market.FundingGraceMinutes <= 0 {
		cfg.Market.FundingGraceMinutes = 60
	}
	if cfg.House.CreditCents <= 0 {
		cfg.House.CreditCents = 500
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "*/5 * * * *"
	}
	if cfg.Custody.ContractVersion == "" {
		cfg.Custody.ContractVersion = "v1"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "agora"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].WalletKind == "" {
			cfg.Agents[i].WalletKind = "hosted"
		}
		if cfg.Agents[i].Personality == "" {
			cfg.Agents[i].Personality = "wildcard"
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Agents))
	for _, seed := range cfg.Agents {
		if strings.TrimSpace(seed.AgentID) == "" {
			return fmt.Errorf("agent seed %q: agent_id is required", seed.Name)
		}
		if strings.TrimSpace(seed.Name) == "" {
			return fmt.Errorf("agent seed %s: name is required", seed.AgentID)
		}
		if seen[seed.AgentID] {
			return fmt.Errorf("agent seed %s: duplicate agent_id", seed.AgentID)
		}
		seen[seed.AgentID] = true
		if !Personalities[seed.Personality] {
			return fmt.Errorf("agent seed %s: unknown personality %q", seed.AgentID, seed.Personality)
		}
		if seed.WalletKind != "hosted" && seed.WalletKind != "external" {
			return fmt.Errorf("agent seed %s: wallet_kind must be hosted or external", seed.AgentID)
		}
	}
	for _, id := range cfg.House.Agents {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("house.agents contains an empty id")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGORA_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGORA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGORA_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AGORA_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Heartbeat.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("AGORA_RAILS_URL"); raw != "" {
		cfg.Rails.BaseURL = raw
	}
	if raw := os.Getenv("AGORA_RAILS_API_KEY"); raw != "" {
		cfg.Rails.APIKey = raw
	}
	if raw := os.Getenv("AGORA_CUSTODY_URL"); raw != "" {
		cfg.Custody.BaseURL = raw
	}
	if raw := os.Getenv("AGORA_CUSTODY_API_KEY"); raw != "" {
		cfg.Custody.APIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}
