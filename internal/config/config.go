// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Auth modes.
const (
	AuthFirebase = "firebase"
	AuthHS256    = "hs256"
)

// Config holds all server configuration.
type Config struct {
	Port           string   `env:"PORT" envDefault:"3001"`
	FrontendURL    string   `env:"FRONTEND_URL"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxBodyBytes   int64    `env:"MAX_BODY_BYTES" envDefault:"10485760"`

	Store     StoreConfig
	Auth      AuthConfig
	LLM       LLMConfig
	RateLimit RateLimitConfig

	GRPCHealthPort string        `env:"GRPC_HEALTH_PORT"`
	HealthTimeout  time.Duration `env:"HEALTH_TIMEOUT" envDefault:"5s"`
}

// StoreConfig selects the history store backend.
type StoreConfig struct {
	Driver        string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DBPath        string `env:"DB_PATH" envDefault:"./data/coursechat.db"`
	BoltPath      string `env:"BOLT_PATH" envDefault:"./data/coursechat.bolt"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"ai-course-db"`
}

// AuthConfig selects how bearer tokens are verified.
type AuthConfig struct {
	Mode              string `env:"AUTH_MODE" envDefault:"firebase"`
	FirebaseProjectID string `env:"FIREBASE_PROJECT_ID"`
	HS256Secret       string `env:"AUTH_HS256_SECRET"`
}

// LLMConfig configures the outline generator.
type LLMConfig struct {
	APIKey  string        `env:"LLM_API_KEY"`
	BaseURL string        `env:"LLM_BASE_URL"`
	Model   string        `env:"LLM_MODEL" envDefault:"gemini-2.5-flash"`
	Timeout time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
}

// RateLimitConfig bounds generation requests per client. With RedisAddr set
// the budget is shared across instances.
type RateLimitConfig struct {
	Requests  int           `env:"RATE_LIMIT_REQUESTS" envDefault:"10"`
	Window    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RedisAddr string        `env:"REDIS_ADDR"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaultOrigins(cfg.FrontendURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be > 0")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "bolt":
		if c.Store.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH cannot be empty")
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite, bolt or mongo, got %q", c.Store.Driver)
	}

	switch c.Auth.Mode {
	case AuthFirebase:
		if c.Auth.FirebaseProjectID == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required when AUTH_MODE=firebase")
		}
	case AuthHS256:
		if c.Auth.HS256Secret == "" {
			return fmt.Errorf("AUTH_HS256_SECRET is required when AUTH_MODE=hs256")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be firebase or hs256, got %q", c.Auth.Mode)
	}

	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func defaultOrigins(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(frontendURL, "/")}
}

// ClientConfig configures the terminal client.
type ClientConfig struct {
	APIURL      string        `env:"COURSECHAT_API_URL" envDefault:"http://localhost:3001"`
	Token       string        `env:"COURSECHAT_TOKEN"`
	HS256Secret string        `env:"AUTH_HS256_SECRET"`
	Timeout     time.Duration `env:"COURSECHAT_TIMEOUT" envDefault:"90s"`
}

// LoadClient reads the terminal client configuration.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("COURSECHAT_API_URL cannot be empty")
	}
	return cfg, nil
}
