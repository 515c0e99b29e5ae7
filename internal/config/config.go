package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the voice gateway.
type Config struct {
	Port             int           `env:"PORT" envDefault:"8080"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsNamespace string        `env:"METRICS_NAMESPACE" envDefault:"voice_gateway"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// VoiceEngineSecret signs session tokens; the engine holds the same
	// secret and verifies them on connect.
	VoiceEngineSecret    string        `env:"VOICE_ENGINE_SECRET"`
	VoiceEnginePublicURL string        `env:"VOICE_ENGINE_PUBLIC_URL"`
	TokenTTL             time.Duration `env:"SESSION_TOKEN_TTL" envDefault:"2h"`

	MaxDailySessions int  `env:"MAX_DAILY_SESSIONS" envDefault:"50"`
	QuotaFailOpen    bool `env:"QUOTA_FAIL_OPEN" envDefault:"false"`

	MaxSessionMinutes        int           `env:"MAX_SESSION_MINUTES" envDefault:"30"`
	SessionInactivityTimeout time.Duration `env:"SESSION_INACTIVITY_TIMEOUT" envDefault:"35m"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionMinutes) * time.Minute
}

// Validate rejects configurations that would make every token mint or
// every brokered connection fail at request time instead of at boot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.VoiceEngineSecret) == "" {
		return fmt.Errorf("VOICE_ENGINE_SECRET is required to sign session tokens")
	}
	if strings.TrimSpace(c.VoiceEnginePublicURL) == "" {
		return fmt.Errorf("VOICE_ENGINE_PUBLIC_URL is required to broker connections")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("SESSION_TOKEN_TTL must be positive")
	}
	if c.MaxDailySessions <= 0 {
		return fmt.Errorf("MAX_DAILY_SESSIONS must be positive")
	}
	if c.MaxSessionMinutes <= 0 {
		return fmt.Errorf("MAX_SESSION_MINUTES must be positive")
	}
	return nil
}

// Load reads environment variables and applies defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
