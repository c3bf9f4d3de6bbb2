// Package config loads service configuration from defaults and PROSPECTOR_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server  ServerConfig
	Reddit  RedditConfig
	OpenAI  OpenAIConfig
	Storage StorageConfig
	Tasks   TasksConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port  int
	Token string // bearer token for the management API; empty disables auth
}

type RedditConfig struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
}

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type TasksConfig struct {
	// Retention is how long finished tasks stay readable before eviction.
	Retention time.Duration
	// Heartbeat is the SSE keep-alive interval while a task runs.
	Heartbeat time.Duration
	// FetchSize bounds how many posts one listing request pulls.
	FetchSize int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Reddit: RedditConfig{
			UserAgent: "MarketResearchBot/1.0",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-ada-002",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Tasks: TasksConfig{
			Retention: 30 * time.Minute,
			Heartbeat: 15 * time.Second,
			FetchSize: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "prospector")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "prospector")
}

// Load builds the configuration from defaults and environment overrides.
// Reddit credentials and the OpenAI API key are required.
func Load() (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg)

	if cfg.Reddit.ClientID == "" || cfg.Reddit.ClientSecret == "" {
		return Config{}, fmt.Errorf("missing required config: Reddit credentials. " +
			"Set PROSPECTOR_REDDIT_CLIENT_ID and PROSPECTOR_REDDIT_CLIENT_SECRET")
	}
	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenAI API key. " +
			"Set PROSPECTOR_OPENAI_API_KEY")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Token, "PROSPECTOR_API_TOKEN")
	setInt(&cfg.Server.Port, "PROSPECTOR_PORT")
	setString(&cfg.Reddit.ClientID, "PROSPECTOR_REDDIT_CLIENT_ID")
	setString(&cfg.Reddit.ClientSecret, "PROSPECTOR_REDDIT_CLIENT_SECRET")
	setString(&cfg.Reddit.UserAgent, "PROSPECTOR_REDDIT_USER_AGENT")
	setString(&cfg.OpenAI.BaseURL, "PROSPECTOR_OPENAI_BASE_URL")
	setString(&cfg.OpenAI.APIKey, "PROSPECTOR_OPENAI_API_KEY")
	setString(&cfg.OpenAI.ChatModel, "PROSPECTOR_CHAT_MODEL")
	setString(&cfg.OpenAI.EmbedModel, "PROSPECTOR_EMBED_MODEL")
	setString(&cfg.Storage.DataDir, "PROSPECTOR_DATA_DIR")
	setDuration(&cfg.Tasks.Retention, "PROSPECTOR_TASK_RETENTION")
	setDuration(&cfg.Tasks.Heartbeat, "PROSPECTOR_TASK_HEARTBEAT")
	setInt(&cfg.Tasks.FetchSize, "PROSPECTOR_FETCH_SIZE")
	setString(&cfg.Log.Level, "PROSPECTOR_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
