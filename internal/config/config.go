package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/membound/internal/memory"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultSummaryMaxTokens  = 1024
	DefaultRecencyHorizon    = "1h"
	DefaultSweepSchedule     = "0 */5 * * * *"
	DefaultEmbedTimeoutMs    = 8000
	DefaultEmbedBatchSize    = 32
	DefaultSummarizerTimeout = 30000

	SummarizerHeuristic = "heuristic"
	SummarizerModel     = "model"
	SummarizerChat      = "chat"

	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var cronParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Config struct {
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	Scoring    ScoringConfig    `json:"scoring" yaml:"scoring"`
	Summarizer SummarizerConfig `json:"summarizer" yaml:"summarizer"`
	LongTerm   LongTermConfig   `json:"longTerm" yaml:"longTerm"`
	Sweep      SweepConfig      `json:"sweep" yaml:"sweep"`
}

type MemoryConfig struct {
	MaxMessages     int     `json:"maxMessages" yaml:"maxMessages"`
	RecentKeep      int     `json:"recentKeep" yaml:"recentKeep"`
	CheckInterval   int     `json:"checkInterval" yaml:"checkInterval"`
	MinImportance   float64 `json:"minImportance" yaml:"minImportance"`
	AutoConsolidate bool    `json:"autoConsolidate" yaml:"autoConsolidate"`
	MaxPreserved    int     `json:"maxPreserved" yaml:"maxPreserved"`
}

type ScoringConfig struct {
	RecencyHorizon string `json:"recencyHorizon,omitempty" yaml:"recencyHorizon,omitempty"`
	// Weights overrides individual score terms by name, e.g. "errorBonus".
	Weights map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
}

type SummarizerConfig struct {
	Kind            string         `json:"kind" yaml:"kind"`
	ExcerptChars    int            `json:"excerptChars,omitempty" yaml:"excerptChars,omitempty"`
	MaxExcerpts     int            `json:"maxExcerpts,omitempty" yaml:"maxExcerpts,omitempty"`
	Model           string         `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens       int            `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	ReasoningEffort string         `json:"reasoningEffort,omitempty" yaml:"reasoningEffort,omitempty"`
	TimeoutMs       int            `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Provider        ProviderConfig `json:"provider" yaml:"provider"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

type LongTermConfig struct {
	Enabled   bool            `json:"enabled" yaml:"enabled"`
	DBPath    string          `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
}

// EmbeddingConfig is optional; without a model the store searches by keyword only.
type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty" yaml:"provider,omitempty"` // "api" (default) or "ollama"
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty" yaml:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	BatchSize int    `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
}

type SweepConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			MaxMessages:     memory.DefaultMaxMessages,
			RecentKeep:      memory.DefaultRecentKeep,
			CheckInterval:   memory.DefaultCheckInterval,
			MinImportance:   memory.DefaultMinImportance,
			AutoConsolidate: true,
			MaxPreserved:    memory.DefaultMaxPreserved,
		},
		Scoring: ScoringConfig{
			RecencyHorizon: DefaultRecencyHorizon,
		},
		Summarizer: SummarizerConfig{
			Kind:         SummarizerHeuristic,
			ExcerptChars: memory.DefaultExcerptChars,
			MaxExcerpts:  memory.DefaultMaxExcerpts,
			Model:        DefaultModel,
			MaxTokens:    DefaultSummaryMaxTokens,
			TimeoutMs:    DefaultSummarizerTimeout,
		},
		LongTerm: LongTermConfig{
			Embedding: EmbeddingConfig{
				TimeoutMs: DefaultEmbedTimeoutMs,
				BatchSize: DefaultEmbedBatchSize,
			},
		},
		Sweep: SweepConfig{
			Schedule: DefaultSweepSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".membound")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DefaultDBPath() string {
	return filepath.Join(ConfigDir(), "recall.db")
}

// LoadConfig reads the default config file. A missing file yields defaults.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads path as YAML when it ends in .yaml or .yml and as
// JSON otherwise, then applies environment overrides. A missing file yields
// defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)

	if strings.TrimSpace(cfg.Summarizer.Kind) == "" {
		cfg.Summarizer.Kind = SummarizerHeuristic
	}
	if cfg.Scoring.RecencyHorizon == "" {
		cfg.Scoring.RecencyHorizon = DefaultRecencyHorizon
	}
	if cfg.LongTerm.DBPath == "" {
		cfg.LongTerm.DBPath = DefaultDBPath()
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = DefaultSweepSchedule
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	// Summarizer credentials
	if key := os.Getenv("MEMBOUND_API_KEY"); key != "" {
		cfg.Summarizer.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Summarizer.Provider.APIKey == "" {
		cfg.Summarizer.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Summarizer.Provider.APIKey == "" {
		cfg.Summarizer.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Summarizer.Provider.APIKey == "" {
		cfg.Summarizer.Provider.APIKey = key
		if cfg.Summarizer.Provider.Type == "" {
			cfg.Summarizer.Provider.Type = ProviderOpenAI
		}
	}
	if url := os.Getenv("MEMBOUND_BASE_URL"); url != "" {
		cfg.Summarizer.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Summarizer.Provider.BaseURL == "" {
		cfg.Summarizer.Provider.BaseURL = url
	}
	if kind := os.Getenv("MEMBOUND_SUMMARIZER_KIND"); kind != "" {
		cfg.Summarizer.Kind = kind
	}
	if model := os.Getenv("MEMBOUND_SUMMARIZER_MODEL"); model != "" {
		cfg.Summarizer.Model = model
	}

	// Consolidation
	if v, ok := envInt("MEMBOUND_MAX_MESSAGES"); ok {
		cfg.Memory.MaxMessages = v
	}
	if v, ok := envInt("MEMBOUND_RECENT_KEEP"); ok {
		cfg.Memory.RecentKeep = v
	}
	if v, ok := envInt("MEMBOUND_CHECK_INTERVAL"); ok {
		cfg.Memory.CheckInterval = v
	}
	if v := os.Getenv("MEMBOUND_MIN_IMPORTANCE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Memory.MinImportance = parsed
		}
	}
	if v, ok := envInt("MEMBOUND_MAX_PRESERVED"); ok {
		cfg.Memory.MaxPreserved = v
	}
	if v := os.Getenv("MEMBOUND_AUTO_CONSOLIDATE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Memory.AutoConsolidate = parsed
		}
	}

	// Long-term store
	if v := os.Getenv("MEMBOUND_LONGTERM_ENABLED"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.LongTerm.Enabled = parsed
		}
	}
	if dbPath := os.Getenv("MEMBOUND_DB_PATH"); dbPath != "" {
		cfg.LongTerm.DBPath = dbPath
	}
	if key := os.Getenv("MEMBOUND_EMBEDDING_API_KEY"); key != "" {
		cfg.LongTerm.Embedding.APIKey = key
	}
	if url := os.Getenv("MEMBOUND_EMBEDDING_BASE_URL"); url != "" {
		cfg.LongTerm.Embedding.BaseURL = url
	}
	if model := os.Getenv("MEMBOUND_EMBEDDING_MODEL"); model != "" {
		cfg.LongTerm.Embedding.Model = model
	}

	if v := os.Getenv("MEMBOUND_SWEEP_ENABLED"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Sweep.Enabled = parsed
		}
	}
	if schedule := os.Getenv("MEMBOUND_SWEEP_SCHEDULE"); schedule != "" {
		cfg.Sweep.Schedule = schedule
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Validate reports every problem in cfg at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ConsolidationConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ScoringConfig(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Summarizer.Kind)) {
	case SummarizerHeuristic:
	case SummarizerModel:
		switch strings.ToLower(strings.TrimSpace(c.Summarizer.Provider.Type)) {
		case "", ProviderAnthropic, ProviderOpenAI:
		default:
			errs = append(errs, fmt.Errorf("summarizer provider type %q is not supported", c.Summarizer.Provider.Type))
		}
	case SummarizerChat:
		if strings.TrimSpace(c.Summarizer.Provider.BaseURL) == "" {
			errs = append(errs, fmt.Errorf("summarizer kind chat requires provider baseUrl"))
		}
	default:
		errs = append(errs, fmt.Errorf("summarizer kind %q is not one of heuristic, model, chat", c.Summarizer.Kind))
	}
	if c.Summarizer.ExcerptChars < 0 || c.Summarizer.MaxExcerpts < 0 || c.Summarizer.MaxTokens < 0 || c.Summarizer.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("summarizer excerptChars, maxExcerpts, maxTokens and timeoutMs cannot be negative"))
	}

	if c.LongTerm.Enabled && strings.TrimSpace(c.LongTerm.DBPath) == "" {
		errs = append(errs, fmt.Errorf("longTerm dbPath is required when longTerm is enabled"))
	}
	emb := c.LongTerm.Embedding
	switch strings.ToLower(strings.TrimSpace(emb.Provider)) {
	case "", "api", "ollama":
	default:
		errs = append(errs, fmt.Errorf("longTerm embedding provider %q is not supported", emb.Provider))
	}
	if emb.Dimension < 0 || emb.TimeoutMs < 0 || emb.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("longTerm embedding dimension, timeoutMs and batchSize cannot be negative"))
	}

	if c.Sweep.Enabled {
		if _, err := cronParser.Parse(c.Sweep.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sweep schedule %q: %w", c.Sweep.Schedule, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", memory.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) ConsolidationConfig() memory.ConsolidationConfig {
	return memory.ConsolidationConfig{
		MaxMessages:     c.Memory.MaxMessages,
		RecentKeep:      c.Memory.RecentKeep,
		CheckInterval:   c.Memory.CheckInterval,
		MinImportance:   c.Memory.MinImportance,
		AutoConsolidate: c.Memory.AutoConsolidate,
		MaxPreserved:    c.Memory.MaxPreserved,
	}
}

// ScoringConfig applies the horizon and weight overrides to the default weights.
func (c *Config) ScoringConfig() (memory.ScoringConfig, error) {
	out := memory.DefaultScoringConfig()
	if h := strings.TrimSpace(c.Scoring.RecencyHorizon); h != "" {
		d, err := time.ParseDuration(h)
		if err != nil {
			return out, fmt.Errorf("scoring recencyHorizon: %w", err)
		}
		out.RecencyHorizon = d
	}
	for name, v := range c.Scoring.Weights {
		field := weightField(&out, name)
		if field == nil {
			return out, fmt.Errorf("scoring weight %q is unknown", name)
		}
		*field = v
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

func weightField(s *memory.ScoringConfig, name string) *float64 {
	switch name {
	case "base":
		return &s.Base
	case "recencyBonus":
		return &s.RecencyBonus
	case "userBonus":
		return &s.UserBonus
	case "assistantPenalty":
		return &s.AssistantPenalty
	case "systemPenalty":
		return &s.SystemPenalty
	case "errorBonus":
		return &s.ErrorBonus
	case "fixBonus":
		return &s.FixBonus
	case "decisionBonus":
		return &s.DecisionBonus
	case "decisionTagBonus":
		return &s.DecisionTagBonus
	case "artifactBonus":
		return &s.ArtifactBonus
	case "taskCompletedBonus":
		return &s.TaskCompletedBonus
	case "longContentBonus":
		return &s.LongContentBonus
	case "questionBonus":
		return &s.QuestionBonus
	default:
		return nil
	}
}

// SummarizerTimeout returns the per-call timeout of model-backed summarizers.
func (c *Config) SummarizerTimeout() time.Duration {
	if c.Summarizer.TimeoutMs <= 0 {
		return time.Duration(DefaultSummarizerTimeout) * time.Millisecond
	}
	return time.Duration(c.Summarizer.TimeoutMs) * time.Millisecond
}

func (c *Config) EmbedTimeout() time.Duration {
	ms := c.LongTerm.Embedding.TimeoutMs
	if ms <= 0 || ms > math.MaxInt32 {
		ms = DefaultEmbedTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

func SaveConfig(cfg *Config) error {
	return SaveConfigFile(cfg, ConfigPath())
}

// SaveConfigFile writes cfg to path, as YAML or JSON by extension.
func SaveConfigFile(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
