// Package config handles mobo configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mobo/config.yaml, /etc/mobo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mobo", "config.yaml"))
	}

	paths = append(paths, "/etc/mobo/config.yaml")
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

// Config holds all mobo configuration.
type Config struct {
	Discord    DiscordConfig           `yaml:"discord"`
	LLM        LLMConfig               `yaml:"llm"`
	Embeddings EmbeddingsConfig        `yaml:"embeddings"`
	Memory     MemoryConfig            `yaml:"memory"`
	Governor   GovernorConfig          `yaml:"governor"`
	RateLimits RateLimitsConfig        `yaml:"rate_limits"`
	Engine     EngineConfig            `yaml:"engine"`
	Tools      ToolsConfig             `yaml:"tools"`
	Janitor    JanitorConfig           `yaml:"janitor"`
	Database   DatabaseConfig          `yaml:"database"`
	Pricing    map[string]PricingEntry `yaml:"pricing"`

	PersonaFile string `yaml:"persona_file"`
	PersonaURL  string `yaml:"persona_url"`
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json
}

// DiscordConfig defines the chat platform connection.
type DiscordConfig struct {
	Token string `yaml:"token"`
	// ReplyTimeout bounds the whole handling of one inbound message,
	// including every LLM call and tool execution.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	// RespondToAll makes the bot consider every message in a channel,
	// not only mentions, replies and DMs.
	RespondToAll bool `yaml:"respond_to_all"`
	// AllowedChannels restricts the bot to these channel IDs. Empty
	// means every channel the bot can see.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// LLMConfig defines providers and the model used at each pipeline step.
type LLMConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`

	// Classify selects the query classifier model. When its Model is
	// empty the strategist uses a keyword heuristic instead.
	Classify   ModelConfig `yaml:"classify"`
	Decide     ModelConfig `yaml:"decide"`
	Synthesize ModelConfig `yaml:"synthesize"`
}

// ProviderConfig holds credentials for one LLM provider. BaseURL points
// the OpenAI provider at any compatible API (OpenRouter, Ollama).
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelConfig selects a model for one step.
type ModelConfig struct {
	Model       string   `yaml:"model"`
	Provider    string   `yaml:"provider"` // openai (default) or anthropic
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"` // defaults to llm.openai.base_url
	APIKey  string `yaml:"api_key"`  // defaults to llm.openai.api_key
}

// MemoryConfig selects the vector search backend.
type MemoryConfig struct {
	// VectorBackend is "chromem" (default) or "sqlite".
	VectorBackend string `yaml:"vector_backend"`
	// VectorDir is where chromem persists its collection. Relative
	// paths resolve against data_dir.
	VectorDir string `yaml:"vector_dir"`
}

// GovernorConfig tunes bot-to-bot loop protection.
type GovernorConfig struct {
	MaxConsecutive int           `yaml:"max_consecutive"`
	Cooldown       time.Duration `yaml:"cooldown"`
	MaxPerHour     int           `yaml:"max_per_hour"`
}

// RateLimitsConfig holds the ceilings for rate-limited resources.
type RateLimitsConfig struct {
	ImageGeneration RateLimit `yaml:"image_generation"`
}

// RateLimit is one resource ceiling.
type RateLimit struct {
	MaxRequests int    `yaml:"max_requests"`
	Period      string `yaml:"period"` // minute, hour, day, month
	PerUser     bool   `yaml:"per_user"`
}

// EngineConfig tunes the message-processing pipeline.
type EngineConfig struct {
	MaxToolIterations int            `yaml:"max_tool_iterations"`
	Timeouts          TimeoutsConfig `yaml:"timeouts"`
}

// TimeoutsConfig bounds each external step of the pipeline.
type TimeoutsConfig struct {
	Retrieval time.Duration `yaml:"retrieval"`
	Decision  time.Duration `yaml:"decision"`
	Tool      time.Duration `yaml:"tool"`
	Synthesis time.Duration `yaml:"synthesis"`
	Persist   time.Duration `yaml:"persist"`
	Embedding time.Duration `yaml:"embedding"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	// Disabled lists tool names that are not offered to the model.
	Disabled   []string `yaml:"disabled"`
	ImageModel string   `yaml:"image_model"`
	ImageSize  string   `yaml:"image_size"`
}

// JanitorConfig schedules retention sweeps.
type JanitorConfig struct {
	Schedule  string        `yaml:"schedule"` // cron expression
	Retention time.Duration `yaml:"retention"`
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo, default) or sqlite (pure Go)
	Path   string `yaml:"path"`   // relative paths resolve against data_dir
}

// PricingEntry is the cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// envOverrides are secrets and switches read from the environment.
// Non-empty values win over the YAML file.
type envOverrides struct {
	DiscordToken    string `env:"DISCORD_TOKEN"`
	OpenAIKey       string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	AnthropicKey    string `env:"ANTHROPIC_API_KEY"`
	DataDir         string `env:"MOBO_DATA_DIR"`
	LogLevel        string `env:"MOBO_LOG_LEVEL"`
	LogFormat       string `env:"MOBO_LOG_FORMAT"`
	DatabaseDriver  string `env:"MOBO_DATABASE_DRIVER"`
	VectorBackend   string `env:"MOBO_VECTOR_BACKEND"`
	EmbeddingsModel string `env:"MOBO_EMBEDDINGS_MODEL"`
}

// Load reads configuration from a YAML file, applies environment
// overrides and fills defaults.
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
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// FromEnv builds a configuration from defaults and the environment
// alone, for running without a config file.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Discord.Token, o.DiscordToken)
	set(&c.LLM.OpenAI.APIKey, o.OpenAIKey)
	set(&c.LLM.OpenAI.BaseURL, o.OpenAIBaseURL)
	set(&c.LLM.Anthropic.APIKey, o.AnthropicKey)
	set(&c.DataDir, o.DataDir)
	set(&c.LogLevel, o.LogLevel)
	set(&c.LogFormat, o.LogFormat)
	set(&c.Database.Driver, o.DatabaseDriver)
	set(&c.Memory.VectorBackend, o.VectorBackend)
	set(&c.Embeddings.Model, o.EmbeddingsModel)
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values. Values that are meaningful at zero
// (governor ceilings, image limit) are only defaulted when the whole
// section is absent.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Discord.ReplyTimeout <= 0 {
		c.Discord.ReplyTimeout = 2 * time.Minute
	}

	if c.LLM.Decide.Model == "" {
		c.LLM.Decide.Model = "gpt-4o-mini"
	}
	if c.LLM.Decide.Temperature == nil {
		c.LLM.Decide.Temperature = float(0.3)
	}
	if c.LLM.Synthesize.Model == "" {
		c.LLM.Synthesize.Model = c.LLM.Decide.Model
		if c.LLM.Synthesize.Provider == "" {
			c.LLM.Synthesize.Provider = c.LLM.Decide.Provider
		}
	}
	if c.LLM.Synthesize.Temperature == nil {
		c.LLM.Synthesize.Temperature = float(0.8)
	}
	if c.LLM.Classify.Model != "" && c.LLM.Classify.Temperature == nil {
		c.LLM.Classify.Temperature = float(0)
	}

	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.LLM.OpenAI.BaseURL
	}
	if c.Embeddings.APIKey == "" {
		c.Embeddings.APIKey = c.LLM.OpenAI.APIKey
	}

	if c.Memory.VectorBackend == "" {
		c.Memory.VectorBackend = "chromem"
	}
	if c.Memory.VectorDir == "" {
		c.Memory.VectorDir = "vectors"
	}

	if c.Governor == (GovernorConfig{}) {
		c.Governor = GovernorConfig{MaxConsecutive: 5, Cooldown: time.Minute}
	}

	if c.RateLimits.ImageGeneration == (RateLimit{}) {
		c.RateLimits.ImageGeneration = RateLimit{MaxRequests: 10, Period: "day", PerUser: true}
	}
	if c.RateLimits.ImageGeneration.Period == "" {
		c.RateLimits.ImageGeneration.Period = "day"
	}

	if c.Engine.MaxToolIterations <= 0 {
		c.Engine.MaxToolIterations = 3
	}
	t := &c.Engine.Timeouts
	defaultDuration(&t.Retrieval, 10*time.Second)
	defaultDuration(&t.Decision, 30*time.Second)
	defaultDuration(&t.Tool, 60*time.Second)
	defaultDuration(&t.Synthesis, 60*time.Second)
	defaultDuration(&t.Persist, 5*time.Second)
	defaultDuration(&t.Embedding, 20*time.Second)

	if c.Tools.ImageModel == "" {
		c.Tools.ImageModel = "dall-e-3"
	}
	if c.Tools.ImageSize == "" {
		c.Tools.ImageSize = "1024x1024"
	}

	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "17 * * * *"
	}
	if c.Janitor.Retention <= 0 {
		c.Janitor.Retention = 7 * 24 * time.Hour
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mobo.db"
	}
}

// Validate reports configuration errors that would prevent startup.
// requireDiscord is false for commands that never connect to Discord.
func (c *Config) Validate(requireDiscord bool) error {
	var errs []error

	if requireDiscord && c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (or set DISCORD_TOKEN)"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: must be sqlite3 or sqlite", c.Database.Driver))
	}
	switch c.Memory.VectorBackend {
	case "chromem", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("memory.vector_backend %q: must be chromem or sqlite", c.Memory.VectorBackend))
	}
	for name, m := range map[string]ModelConfig{
		"classify":   c.LLM.Classify,
		"decide":     c.LLM.Decide,
		"synthesize": c.LLM.Synthesize,
	} {
		switch strings.ToLower(m.Provider) {
		case "", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("llm.%s.provider %q: must be openai or anthropic", name, m.Provider))
		}
	}
	if gx := gronx.New(); !gx.IsValid(c.Janitor.Schedule) {
		errs = append(errs, fmt.Errorf("janitor.schedule %q: not a valid cron expression", c.Janitor.Schedule))
	}
	if c.Governor.MaxConsecutive < 0 || c.Governor.Cooldown < 0 || c.Governor.MaxPerHour < 0 {
		errs = append(errs, errors.New("governor values must not be negative"))
	}
	switch c.RateLimits.ImageGeneration.Period {
	case "minute", "hour", "day", "month":
	default:
		errs = append(errs, fmt.Errorf("rate_limits.image_generation.period %q: must be minute, hour, day or month",
			c.RateLimits.ImageGeneration.Period))
	}

	return errors.Join(errs...)
}

// ResolvePath returns p unchanged when absolute, otherwise joined to
// the data directory. A leading ~ expands to the home directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || p == ":memory:" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func defaultDuration(d *time.Duration, v time.Duration) {
	if *d <= 0 {
		*d = v
	}
}

func float(v float64) *float64 { return &v }
