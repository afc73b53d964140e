// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Chat providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Try-on backends.
const (
	BackendGradio = "gradio"
	BackendGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	FrontendURL    string        `env:"FRONTEND_URL"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	DBPath         string        `env:"DB_PATH" envDefault:"./data/studio.db"`
	DataDir        string        `env:"DATA_DIR" envDefault:"./data"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
	RedisURL       string        `env:"REDIS_URL"` // empty = in-process processing lock

	Chat      ChatConfig
	TryOn     TryOnConfig
	RateLimit RateLimitConfig
}

// ChatConfig configures the stylist chat generator.
type ChatConfig struct {
	Provider     string        `env:"CHAT_PROVIDER" envDefault:"gemini"`
	Model        string        `env:"CHAT_MODEL"`
	GeminiAPIKey string        `env:"API_KEY"`
	OpenAIAPIKey string        `env:"OPENAI_API_KEY"`
	Timeout      time.Duration `env:"CHAT_TIMEOUT" envDefault:"60s"`
	PersonaFile  string        `env:"PERSONA_FILE"` // empty = embedded persona
}

// TryOnConfig configures the virtual try-on backend.
type TryOnConfig struct {
	Backend   string        `env:"TRYON_BACKEND" envDefault:"gradio"`
	SpaceURL  string        `env:"TRYON_SPACE_URL" envDefault:"https://yisol-idm-vton.hf.space"`
	APIPrefix string        `env:"TRYON_API_PREFIX"` // "/gradio_api" for Gradio 5 spaces
	HFToken   string        `env:"HF_TOKEN"`
	GRPCAddr  string        `env:"TRYON_GRPC_ADDR" envDefault:"localhost:50061"`
	Timeout   time.Duration `env:"TRYON_TIMEOUT" envDefault:"5m"`
}

// RateLimitConfig bounds requests per user to the external services.
type RateLimitConfig struct {
	RequestsPerWindow int           `env:"RATE_LIMIT_REQUESTS" envDefault:"20"`
	WindowDuration    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.Chat.Provider = strings.ToLower(strings.TrimSpace(cfg.Chat.Provider))
	cfg.TryOn.Backend = strings.ToLower(strings.TrimSpace(cfg.TryOn.Backend))
	cfg.TryOn.SpaceURL = strings.TrimRight(cfg.TryOn.SpaceURL, "/")
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = defaultModel(cfg.Chat.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultModel(provider string) string {
	if provider == ProviderOpenAI {
		return "gpt-4o-mini"
	}
	return "gemini-2.0-flash"
}

// Validate checks the fields the server cannot start without.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.DataDir == "" {
		return errors.New("DATA_DIR cannot be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be > 0")
	}
	switch c.Chat.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("CHAT_PROVIDER %q is not supported", c.Chat.Provider)
	}
	switch c.TryOn.Backend {
	case BackendGradio:
		if c.TryOn.SpaceURL == "" {
			return errors.New("TRYON_SPACE_URL cannot be empty")
		}
	case BackendGRPC:
		if c.TryOn.GRPCAddr == "" {
			return errors.New("TRYON_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("TRYON_BACKEND %q is not supported", c.TryOn.Backend)
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// ConfigurationError reports problems that disable a feature without stopping
// the server. The UI still renders and shows the message.
func (c *Config) ConfigurationError() error {
	switch c.Chat.Provider {
	case ProviderOpenAI:
		if c.Chat.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is not set")
		}
	default:
		if c.Chat.GeminiAPIKey == "" {
			return errors.New("API_KEY is not set")
		}
	}
	return nil
}

// ChatAPIKey returns the key for the selected chat provider.
func (c *Config) ChatAPIKey() string {
	if c.Chat.Provider == ProviderOpenAI {
		return c.Chat.OpenAIAPIKey
	}
	return c.Chat.GeminiAPIKey
}

// SlogLevel converts LOG_LEVEL into a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
