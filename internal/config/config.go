// Package config handles Jarvis configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: $JARVIS_CONFIG, ./jarvis.yaml, ~/.config/jarvis/config.yaml,
// /etc/jarvis/config.yaml.
func DefaultSearchPaths() []string {
	var paths []string

	if env := os.Getenv("JARVIS_CONFIG"); env != "" {
		paths = append(paths, env)
	}
	paths = append(paths, "jarvis.yaml")

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "jarvis", "config.yaml"))
	}

	paths = append(paths, "/etc/jarvis/config.yaml")
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

// Config holds all Jarvis configuration.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // text or json
	Listen     ListenConfig
	Auth       AuthConfig
	Budget     BudgetConfig
	Loop       LoopConfig
	Memory     MemoryConfig
	Embeddings EmbeddingsConfig
	Providers  []ProviderConfig
	Tiers      map[string][]TierEntry
	Router     RouterConfig
	Search     SearchConfig
	ShellExec  ShellExecConfig `yaml:"shell_exec"`
	Chat       ChatConfig
	MQTT       MQTTConfig
	Email      EmailConfig
	Telegram   TelegramConfig
	SelfUpdate SelfUpdateConfig `yaml:"self_update"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AuthConfig gates mutating API routes. Mode "off" leaves the surface
// open (local deployments); "creator-token" requires the configured
// bearer token on everything except /health and GET /status.
type AuthConfig struct {
	Mode         string `yaml:"mode"`
	CreatorToken string `yaml:"creator_token"`
}

// BudgetConfig seeds the budget tracker.
type BudgetConfig struct {
	MonthlyCapUSD float64 `yaml:"monthly_cap_usd"`
}

// LoopConfig tunes the core loop cadence.
type LoopConfig struct {
	MinSleepSec         int `yaml:"min_sleep_seconds"`
	MaxSleepSec         int `yaml:"max_sleep_seconds"`
	DefaultSleepSec     int `yaml:"default_sleep_seconds"`
	FreeMaxSleepSec     int `yaml:"free_max_sleep_seconds"` // sleep ceiling while a free provider exists
	ChatBatch           int `yaml:"chat_batch"`
	MaintenanceEvery    int `yaml:"maintenance_every"`
	DedupEvery          int `yaml:"dedup_every"`
	GoalReviewEvery     int `yaml:"goal_review_every"`
	IterationTimeoutSec int `yaml:"iteration_timeout_seconds"`
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_seconds"`
}

// MemoryConfig holds the runtime-adjustable retrieval knobs. The values
// here are boot defaults; the agent and the API can change them within
// the ranges enforced by Validate.
type MemoryConfig struct {
	RetrievalCount     int     `yaml:"retrieval_count" json:"retrieval_count"`
	RelevanceThreshold float64 `yaml:"relevance_threshold" json:"relevance_threshold"`
	DecayFactor        float64 `yaml:"decay_factor" json:"decay_factor"`
	MaxContextTokens   int     `yaml:"max_context_tokens" json:"max_context_tokens"`
}

// Validate rejects out-of-range memory settings.
func (m MemoryConfig) Validate() error {
	if m.RetrievalCount < 1 || m.RetrievalCount > 100 {
		return fmt.Errorf("retrieval_count %d outside 1..100", m.RetrievalCount)
	}
	if m.RelevanceThreshold < 0 || m.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance_threshold %g outside 0..1", m.RelevanceThreshold)
	}
	if m.DecayFactor < 0.5 || m.DecayFactor > 1 {
		return fmt.Errorf("decay_factor %g outside 0.5..1", m.DecayFactor)
	}
	if m.MaxContextTokens < 1000 {
		return fmt.Errorf("max_context_tokens %d below 1000", m.MaxContextTokens)
	}
	return nil
}

// EmbeddingsConfig selects how vector-memory embeddings are produced.
// Provider "local" uses the built-in deterministic embedder and needs
// no external service.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // local, ollama, openai
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// ProviderConfig declares an LLM (or tool API) vendor account.
type ProviderConfig struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"` // anthropic, openai, ollama
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	Tier         string   `yaml:"tier"`     // paid, free, unknown
	Currency     string   `yaml:"currency"` // USD, EUR, GBP, credits, requests
	KnownBalance *float64 `yaml:"known_balance"`
	InputPer1K   float64  `yaml:"input_per_1k"`
	OutputPer1K  float64  `yaml:"output_per_1k"`
	Notes        string   `yaml:"notes"`
}

// TierEntry names one candidate model within a routing tier.
type TierEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RouterConfig tunes model selection.
type RouterConfig struct {
	// MaxFallback caps how many candidate models one request may try
	// across its whole tier chain before giving up.
	MaxFallback int `yaml:"max_fallback"`
}

// SearchConfig selects the web_search backend.
type SearchConfig struct {
	Provider string `yaml:"provider"` // searxng or brave
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block in addition to the
	// built-in safety rules (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// ChatConfig tunes the synchronous /chat endpoint.
type ChatConfig struct {
	SyncReplyTimeoutSec int `yaml:"sync_reply_timeout_seconds"`
}

// MQTTConfig defines the MQTT chat channel.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// EmailConfig defines the IMAP inbox listener and SMTP reply path.
type EmailConfig struct {
	Enabled         bool     `yaml:"enabled"`
	IMAPHost        string   `yaml:"imap_host"`
	IMAPPort        int      `yaml:"imap_port"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	Folder          string   `yaml:"folder"`
	PollIntervalSec int      `yaml:"poll_interval_seconds"`
	TrustedSenders  []string `yaml:"trusted_senders"`
	SMTPHost        string   `yaml:"smtp_host"`
	SMTPPort        int      `yaml:"smtp_port"`
	SMTPUsername    string   `yaml:"smtp_username"`
	SMTPPassword    string   `yaml:"smtp_password"`
	FromAddress     string   `yaml:"from_address"`
}

// TelegramConfig defines the Telegram bot listener.
type TelegramConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BotToken        string `yaml:"bot_token"`
	ChatID          string `yaml:"chat_id"`
	PollIntervalSec int    `yaml:"poll_interval_seconds"`
}

// SelfUpdateConfig controls the source backup and optional remote mirror.
type SelfUpdateConfig struct {
	// LiveDir is the running source tree. Empty disables live mirroring
	// (backup-only mode).
	LiveDir string `yaml:"live_dir"`
	// Infrastructure paths may be clobbered by image-update merges even
	// when the agent modified them.
	Infrastructure []string     `yaml:"infrastructure"`
	GitHub         GitHubConfig `yaml:"github"`
}

// GitHubConfig enables pushing accepted self-update proposals to a
// remote repository.
type GitHubConfig struct {
	Enabled bool   `yaml:"enabled"`
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	Branch  string `yaml:"branch"`
	Token   string `yaml:"token"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "off"
	}
	if c.Budget.MonthlyCapUSD == 0 {
		c.Budget.MonthlyCapUSD = 100.0
	}
	if c.Loop.MinSleepSec == 0 {
		c.Loop.MinSleepSec = 10
	}
	if c.Loop.MaxSleepSec == 0 {
		c.Loop.MaxSleepSec = 3600
	}
	if c.Loop.DefaultSleepSec == 0 {
		c.Loop.DefaultSleepSec = 30
	}
	if c.Loop.FreeMaxSleepSec == 0 {
		c.Loop.FreeMaxSleepSec = 120
	}
	if c.Loop.ChatBatch == 0 {
		c.Loop.ChatBatch = 16
	}
	if c.Loop.MaintenanceEvery == 0 {
		c.Loop.MaintenanceEvery = 10
	}
	if c.Loop.DedupEvery == 0 {
		c.Loop.DedupEvery = 50
	}
	if c.Loop.GoalReviewEvery == 0 {
		c.Loop.GoalReviewEvery = 5
	}
	if c.Loop.IterationTimeoutSec == 0 {
		c.Loop.IterationTimeoutSec = 300
	}
	if c.Loop.HeartbeatTimeoutSec == 0 {
		c.Loop.HeartbeatTimeoutSec = 600
	}
	if c.Memory.RetrievalCount == 0 {
		c.Memory.RetrievalCount = 5
	}
	if c.Memory.RelevanceThreshold == 0 {
		c.Memory.RelevanceThreshold = 0.3
	}
	if c.Memory.DecayFactor == 0 {
		c.Memory.DecayFactor = 0.95
	}
	if c.Memory.MaxContextTokens == 0 {
		c.Memory.MaxContextTokens = 24000
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "local"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if len(c.Providers) == 0 {
		c.Providers = DefaultProviders()
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if c.Router.MaxFallback == 0 {
		c.Router.MaxFallback = 8
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "searxng"
	}
	if c.ShellExec.DefaultTimeoutSec == 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.Chat.SyncReplyTimeoutSec == 0 {
		c.Chat.SyncReplyTimeoutSec = 120
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "jarvis"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "jarvis"
	}
	if c.Email.Folder == "" {
		c.Email.Folder = "INBOX"
	}
	if c.Email.IMAPPort == 0 {
		c.Email.IMAPPort = 993
	}
	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if c.Email.PollIntervalSec == 0 {
		c.Email.PollIntervalSec = 300
	}
	if c.Telegram.PollIntervalSec == 0 {
		c.Telegram.PollIntervalSec = 2
	}
	if c.SelfUpdate.GitHub.Branch == "" {
		c.SelfUpdate.GitHub.Branch = "main"
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Budget.MonthlyCapUSD < 0 {
		return fmt.Errorf("budget.monthly_cap_usd must not be negative")
	}
	if c.Loop.MinSleepSec < 1 || c.Loop.MaxSleepSec < c.Loop.MinSleepSec {
		return fmt.Errorf("loop sleep bounds invalid: min=%d max=%d", c.Loop.MinSleepSec, c.Loop.MaxSleepSec)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	switch c.Auth.Mode {
	case "off":
	case "creator-token":
		if c.Auth.CreatorToken == "" {
			return fmt.Errorf("auth.creator_token required when mode is creator-token")
		}
	default:
		return fmt.Errorf("auth.mode %q unknown (valid: off, creator-token)", c.Auth.Mode)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	for tier, entries := range c.Tiers {
		for _, e := range entries {
			if !seen[e.Provider] {
				return fmt.Errorf("tier %s references unknown provider %q", tier, e.Provider)
			}
		}
	}
	return nil
}

// Default returns a complete default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultProviders returns the provider set assumed by DefaultTiers.
// Balances are placeholders; set_known_balance or config overrides them.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name: "anthropic", Kind: "anthropic",
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Tier:   "paid", Currency: "USD",
			InputPer1K: 0.003, OutputPer1K: 0.015,
			Notes: "Prepaid credits",
		},
		{
			Name: "openai", Kind: "openai",
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: "https://api.openai.com/v1",
			Tier:    "paid", Currency: "USD",
			InputPer1K: 0.0025, OutputPer1K: 0.01,
			Notes: "Prepaid credits",
		},
		{
			Name: "mistral", Kind: "openai",
			APIKey:  os.Getenv("MISTRAL_API_KEY"),
			BaseURL: "https://api.mistral.ai/v1",
			Tier:    "free", Currency: "USD",
			InputPer1K: 0, OutputPer1K: 0,
			Notes: "Free tier, limits unknown",
		},
		{
			Name: "grok", Kind: "openai",
			APIKey:  os.Getenv("GROK_API_KEY"),
			BaseURL: "https://api.x.ai/v1",
			Tier:    "paid", Currency: "USD",
			InputPer1K: 0.0002, OutputPer1K: 0.0005,
			Notes: "Very cheap, signup credit",
		},
		{
			Name: "ollama", Kind: "ollama",
			BaseURL: "http://localhost:11434",
			Tier:    "free", Currency: "USD",
			InputPer1K: 0, OutputPer1K: 0,
			Notes: "Local, no cost",
		},
		{
			Name: "brave", Kind: "search",
			APIKey: os.Getenv("BRAVE_API_KEY"),
			Tier:   "free", Currency: "requests",
			KnownBalance: float64Ptr(2000),
			Notes:        "Search API free plan, 2000 requests/month",
		},
	}
}

// DefaultTiers returns the routing ladder. Free providers appear in
// every tier as fallbacks so they stay reachable when paid budget is
// exhausted.
func DefaultTiers() map[string][]TierEntry {
	return map[string][]TierEntry{
		"level1": {
			{Provider: "anthropic", Model: "claude-opus-4-6"},
			{Provider: "openai", Model: "gpt-5.2"},
			{Provider: "grok", Model: "grok-4-1-fast-reasoning"},
			{Provider: "mistral", Model: "mistral-large-latest"},
		},
		"level2": {
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			{Provider: "openai", Model: "gpt-4o"},
			{Provider: "grok", Model: "grok-4-1-fast-non-reasoning"},
			{Provider: "mistral", Model: "mistral-large-latest"},
			{Provider: "grok", Model: "grok-3-mini"},
			{Provider: "anthropic", Model: "claude-haiku-35-20241022"},
			{Provider: "mistral", Model: "mistral-small-latest"},
		},
		"level3": {
			{Provider: "mistral", Model: "mistral-small-latest"},
			{Provider: "grok", Model: "grok-3-mini"},
			{Provider: "openai", Model: "gpt-4o-mini"},
			{Provider: "ollama", Model: "mistral:7b-instruct"},
		},
		"local_only": {
			{Provider: "mistral", Model: "mistral-small-latest"},
			{Provider: "ollama", Model: "mistral:7b-instruct"},
		},
		"coding_level1": {
			{Provider: "mistral", Model: "devstral-medium-2507"},
			{Provider: "grok", Model: "grok-code-fast-1"},
			{Provider: "grok", Model: "grok-4-1-fast-reasoning"},
			{Provider: "anthropic", Model: "claude-opus-4-6"},
			{Provider: "mistral", Model: "mistral-large-latest"},
		},
		"coding_level2": {
			{Provider: "mistral", Model: "devstral-small-2507"},
			{Provider: "mistral", Model: "devstral-medium-2507"},
			{Provider: "grok", Model: "grok-code-fast-1"},
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			{Provider: "mistral", Model: "mistral-large-latest"},
		},
		"coding_level3": {
			{Provider: "mistral", Model: "devstral-small-2507"},
			{Provider: "mistral", Model: "mistral-small-latest"},
			{Provider: "grok", Model: "grok-3-mini"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
	}
}

func float64Ptr(v float64) *float64 { return &v }
