package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Search   SearchConfig   `yaml:"search"`
	LLM      LLMConfig      `yaml:"llm"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SearchConfig configures the blog search API. Credentials have no defaults.
type SearchConfig struct {
	BaseURL      string  `yaml:"base_url"`
	ClientID     string  `yaml:"client_id"`
	ClientSecret string  `yaml:"client_secret"`
	Timeout      string  `yaml:"timeout"`
	Count        int     `yaml:"count"`
	Sort         string  `yaml:"sort"`       // "recency" or "relevance"
	RateLimit    float64 `yaml:"rate_limit"` // requests per second, 0 disables
}

// ParseTimeout returns the search timeout as time.Duration.
func (s SearchConfig) ParseTimeout() time.Duration {
	return parseDuration(s.Timeout, 30*time.Second)
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	DefaultOpenAIModel = "gpt-4o-mini"
)

// LLMConfig configures the review analysis model. An empty Model for the
// anthropic provider lets the analyzer pick its default.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "openai" or "anthropic"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // custom endpoint (optional)
	Timeout  string `yaml:"timeout"`
}

// ParseTimeout returns the analysis timeout as time.Duration.
func (l LLMConfig) ParseTimeout() time.Duration {
	return parseDuration(l.Timeout, 2*time.Minute)
}

// AlertsConfig configures where fresh analysis results are published.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook notifications.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook notifications.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./data/reviews.db"},
		Search: SearchConfig{
			BaseURL:   "https://openapi.naver.com/v1/search",
			Timeout:   "30s",
			Count:     50,
			Sort:      "recency",
			RateLimit: 10,
		},
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			Model:    DefaultOpenAIModel,
			Timeout:  "2m",
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	// Blank the LLM choice so we can tell whether the file made one.
	cfg.LLM.Provider, cfg.LLM.Model = "", ""

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REVIEWRADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("REVIEWRADAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NAVER_CLIENT_ID"); v != "" {
		cfg.Search.ClientID = v
	}
	if v := os.Getenv("NAVER_CLIENT_SECRET"); v != "" {
		cfg.Search.ClientSecret = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("REVIEWRADAR_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("REVIEWRADAR_WEBHOOK_SECRET"); v != "" {
		cfg.Alerts.Webhook.Secret = v
	}
	resolveLLM(&cfg.LLM, os.Getenv("REVIEWRADAR_LLM_PROVIDER"), os.Getenv("OPENAI_API_KEY"), os.Getenv("ANTHROPIC_API_KEY"))
}

// resolveLLM settles provider, key and model. An explicit provider (env, then
// file) always wins; otherwise an Anthropic key alone selects Anthropic. Each
// provider only ever takes its own key.
func resolveLLM(l *LLMConfig, envProvider, openaiKey, anthropicKey string) {
	if envProvider != "" {
		l.Provider = envProvider
	}
	if l.Provider == "" {
		l.Provider = ProviderOpenAI
		if openaiKey == "" && anthropicKey != "" {
			l.Provider = ProviderAnthropic
		}
	}
	l.Provider = strings.ToLower(strings.TrimSpace(l.Provider))

	switch l.Provider {
	case ProviderAnthropic:
		if anthropicKey != "" {
			l.APIKey = anthropicKey
		}
	default:
		if openaiKey != "" {
			l.APIKey = openaiKey
		}
		if l.Model == "" {
			l.Model = DefaultOpenAIModel
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
