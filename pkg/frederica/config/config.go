// Package config loads the gateway configuration from YAML files with
// credential resolution via environment variables, .env files and the
// system keyring.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Validation sentinel errors.
var (
	ErrMissingWeComCredentials = errors.New("wecom corp_id, corp_secret and agent_id are required")
	ErrMissingCallbackSecrets  = errors.New("wecom callback token and encoding_aes_key are required")
	ErrMissingModel            = errors.New("llm model is required")
)

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values. Group 2 captures the whole ":-default" modifier so an empty default
// is distinguishable from no modifier at all.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// Config is the root configuration.
type Config struct {
	WeCom    WeComConfig    `yaml:"wecom"`
	LLM      LLMConfig      `yaml:"llm"`
	Session  SessionConfig  `yaml:"session"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// WeComConfig holds the WeCom app credentials and callback settings.
type WeComConfig struct {
	CorpID         string  `yaml:"corp_id"`
	CorpSecret     string  `yaml:"corp_secret"`
	AgentID        int64   `yaml:"agent_id"`
	Token          string  `yaml:"token"`
	EncodingAESKey string  `yaml:"encoding_aes_key"`
	ListenAddress  string  `yaml:"listen_address"`
	APIBaseURL     string  `yaml:"api_base_url"`
	RateLimit      float64 `yaml:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst"`
}

// LLMConfig holds the chat completion backend settings.
type LLMConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
	MaxToolRounds  int     `yaml:"max_tool_rounds"`
	Persona        string  `yaml:"persona"`
}

// SessionConfig controls message batching and session lifecycle.
type SessionConfig struct {
	BatchTimeoutSeconds        int `yaml:"batch_timeout_seconds"`
	ConversationTimeoutSeconds int `yaml:"conversation_timeout_seconds"`
	MaxSessions                int `yaml:"max_sessions"`
	PollIntervalSeconds        int `yaml:"poll_interval_seconds"`
}

// PipelineConfig controls reply segmentation and memory depth.
type PipelineConfig struct {
	SegmentDelayMillis int `yaml:"segment_delay_ms"`
	HistoryLimit       int `yaml:"history_limit"`
	RecallLimit        int `yaml:"recall_limit"`
}

// StoreConfig controls conversation persistence and retention.
type StoreConfig struct {
	Path              string `yaml:"path"`
	RetentionSchedule string `yaml:"retention_schedule"`
	RetentionDays     int    `yaml:"retention_days"`
}

// ToolsConfig controls the model's tool sandbox.
type ToolsConfig struct {
	Enabled bool   `yaml:"enabled"`
	WorkDir string `yaml:"work_dir"`
}

// LoggingConfig controls log output and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		WeCom: WeComConfig{
			ListenAddress: ":8770",
			APIBaseURL:    "https://qyapi.weixin.qq.com/cgi-bin",
			RateLimit:     5,
			RateBurst:     5,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			Temperature:    0.7,
			TimeoutSeconds: 120,
			MaxRetries:     3,
			MaxToolRounds:  8,
		},
		Session: SessionConfig{
			BatchTimeoutSeconds:        40,
			ConversationTimeoutSeconds: 3600,
			MaxSessions:                10,
			PollIntervalSeconds:        1,
		},
		Pipeline: PipelineConfig{
			SegmentDelayMillis: 500,
			HistoryLimit:       10,
			RecallLimit:        3,
		},
		Store: StoreConfig{
			Path:              "frederica.db",
			RetentionSchedule: "0 4 * * *",
			RetentionDays:     0,
		},
		Tools: ToolsConfig{
			Enabled: true,
			WorkDir: "workspace",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. .env files are
// loaded first and ${VAR} references in the YAML are expanded before
// parsing. Secrets left empty in the file are resolved from the environment
// and the system keyring.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML bytes, overlaying values onto the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable for serving.
func (c *Config) Validate() error {
	if c.WeCom.CorpID == "" || c.WeCom.CorpSecret == "" || c.WeCom.AgentID == 0 {
		return ErrMissingWeComCredentials
	}
	if c.WeCom.Token == "" || c.WeCom.EncodingAESKey == "" {
		return ErrMissingCallbackSecrets
	}
	if len(c.WeCom.EncodingAESKey) != 43 {
		return fmt.Errorf("wecom encoding_aes_key must be 43 characters, got %d", len(c.WeCom.EncodingAESKey))
	}
	if c.LLM.Model == "" {
		return ErrMissingModel
	}
	if c.Session.BatchTimeoutSeconds <= 0 {
		return fmt.Errorf("session batch_timeout_seconds must be positive, got %d", c.Session.BatchTimeoutSeconds)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session max_sessions must be positive, got %d", c.Session.MaxSessions)
	}
	return nil
}

// BatchTimeout returns the quiet period before a queue becomes a batch.
func (c *SessionConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutSeconds) * time.Second
}

// ConversationTimeout returns the inactivity window after which a
// conversation expires.
func (c *SessionConfig) ConversationTimeout() time.Duration {
	return time.Duration(c.ConversationTimeoutSeconds) * time.Second
}

// PollInterval returns the dispatcher tick interval.
func (c *SessionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SegmentDelay returns the pause between delivered reply segments.
func (c *PipelineConfig) SegmentDelay() time.Duration {
	return time.Duration(c.SegmentDelayMillis) * time.Millisecond
}

// RequestTimeout returns the per-request deadline for the LLM backend.
func (c *LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetentionAge returns how long archived data is kept. Zero disables the
// retention sweep.
func (c *StoreConfig) RetentionAge() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"frederica.yaml",
		"frederica.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files from standard locations. godotenv does not
// overwrite variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with their
// environment values. An unset variable with a ":-" modifier resolves to the
// default, even an empty one; without a modifier the placeholder is kept.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier := sub[1], sub[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if strings.HasPrefix(modifier, ":-") {
			return modifier[2:]
		}
		return match
	})
}
