package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"

	"github.com/fedchat/chat-server-go/internal/util"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "jwt-secret", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	Domain      string `env:"DOMAIN,required"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	// Hex-encoded 32 byte key used to seal the server private key at rest.
	EncryptionKey string `env:"ENCRYPTION_KEY"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	SessionIdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"1h"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"5m"`

	KeyRotationInterval time.Duration `env:"KEY_ROTATION_INTERVAL" envDefault:"168h"`
	KeyGraceWindow      time.Duration `env:"KEY_GRACE_WINDOW" envDefault:"1h"`
	KeyCacheTTL         time.Duration `env:"KEY_CACHE_TTL" envDefault:"10m"`

	FederationTimeout time.Duration `env:"FEDERATION_TIMEOUT" envDefault:"8s"`
	FederationScheme  string        `env:"FEDERATION_SCHEME" envDefault:"https"`
	RelayMaxAttempts  int           `env:"RELAY_MAX_ATTEMPTS" envDefault:"3"`
	RelayBackoffBase  time.Duration `env:"RELAY_BACKOFF_BASE" envDefault:"500ms"`
	RelayBackoffMax   time.Duration `env:"RELAY_BACKOFF_MAX" envDefault:"5s"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	sealingKey []byte
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

// SealingKey is the decoded ENCRYPTION_KEY, set by Validate. Nil when unset.
func (c *Config) SealingKey() []byte {
	return c.sealingKey
}

func (c *Config) Validate(isProduction bool) error {
	c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
	if c.Domain == "" {
		return fmt.Errorf("DOMAIN must not be empty")
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory)
	}

	if c.FederationScheme != "https" && c.FederationScheme != "http" {
		return fmt.Errorf("FEDERATION_SCHEME must be https or http")
	}
	if c.RelayMaxAttempts < 1 {
		return fmt.Errorf("RELAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.KeyGraceWindow >= c.KeyRotationInterval {
		return fmt.Errorf("KEY_GRACE_WINDOW must be shorter than KEY_ROTATION_INTERVAL")
	}

	c.sealingKey = nil
	if c.EncryptionKey != "" {
		key, err := util.ParseEncryptionKey(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters")
		}
		c.sealingKey = key
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if c.FederationScheme != "https" {
			return fmt.Errorf("FEDERATION_SCHEME must be https in production")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: server private key will be stored unencrypted")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
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
