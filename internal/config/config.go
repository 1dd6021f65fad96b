// Package config provides configuration for the chat service.
package config

import (
	"github.com/spf13/viper"
)

// Config holds the service configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	OpenAI OpenAIConfig `mapstructure:"openai"`
	Search SearchConfig `mapstructure:"search"`
	Chat   ChatConfig   `mapstructure:"chat"`
	Plans  PlansConfig  `mapstructure:"plans"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type StoreConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	TitleModel  string  `mapstructure:"title_model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type SearchConfig struct {
	APIKey     string `mapstructure:"api_key"`
	URL        string `mapstructure:"url"`
	MaxResults int    `mapstructure:"max_results"`
}

type ChatConfig struct {
	SystemPrompt     string `mapstructure:"system_prompt"`
	MaxMessageLength int    `mapstructure:"max_message_length"`
	MaxToolRounds    int    `mapstructure:"max_tool_rounds"`
	PromptTokenLimit int    `mapstructure:"prompt_token_limit"`
	DefaultTimezone  string `mapstructure:"default_timezone"`
}

// PlansConfig defines the billing tiers. Limits is tier name to daily
// message limit; OverrideEmails are promoted to TopTier regardless of the
// stored plan.
type PlansConfig struct {
	BaseTier       string         `mapstructure:"base_tier"`
	TopTier        string         `mapstructure:"top_tier"`
	Limits         map[string]int `mapstructure:"limits"`
	OverrideEmails []string       `mapstructure:"override_emails"`
}

// Load reads configuration from the given yaml file, with environment
// variables taking precedence for secrets.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "file:kasa.db?cache=shared&mode=rwc")
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.title_model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 4096)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("search.url", "https://api.tavily.com/search")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("chat.system_prompt", defaultSystemPrompt)
	v.SetDefault("chat.max_message_length", 4000)
	v.SetDefault("chat.max_tool_rounds", 5)
	v.SetDefault("chat.prompt_token_limit", 12000)
	v.SetDefault("chat.default_timezone", "UTC")
	v.SetDefault("plans.base_tier", "free")
	v.SetDefault("plans.top_tier", "pro")
	v.SetDefault("plans.limits", map[string]int{"free": 10, "plus": 50, "pro": 200})

	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if key := v.GetString("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if key := v.GetString("SEARCH_API_KEY"); key != "" {
		cfg.Search.APIKey = key
	}
	if dsn := v.GetString("DATABASE_URL"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	return &cfg, nil
}

const defaultSystemPrompt = "You are a helpful assistant. Use the web_search tool " +
	"when the user asks about current events or facts you are unsure of. " +
	"Answer concisely in the user's language."
