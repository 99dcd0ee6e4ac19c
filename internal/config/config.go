package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	DatabaseURL   string `env:"DATABASE_URL,required"`
	RedisURL      string `env:"REDIS_URL,required"`
	APIToken      string `env:"API_TOKEN"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`
	AuthDir       string `env:"AUTH_DIR" envDefault:"./auth"`
	Transport     string `env:"TRANSPORT" envDefault:"dev"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.Transport != "dev" && c.Transport != "external" {
		return fmt.Errorf("TRANSPORT must be \"dev\" or \"external\", got %q", c.Transport)
	}

	if isProduction {
		if c.APIToken == "" {
			return fmt.Errorf("API_TOKEN is required in production (generate with: openssl rand -hex 32)")
		}
		if len(c.APIToken) < 32 {
			return fmt.Errorf("API_TOKEN must be at least 32 characters in production")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: credentials will not be encrypted at rest")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.Transport == "dev" {
			log.Warn().Msg("TRANSPORT=dev in production: sockets are simulated, no backend traffic")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
