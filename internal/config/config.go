// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// minJWTSecretLen is the minimum length of the HS256 signing secret in bytes.
// A shorter secret is a fatal misconfiguration, not a warning.
const minJWTSecretLen = 32

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the Redis address for daily token quota counters (e.g. localhost:6379). Empty disables quota enforcement.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// JWTSecret is the HS256 signing secret; must be at least 32 bytes.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTTTL is the access token lifetime (e.g. "24h").
	JWTTTL string `mapstructure:"JWT_TTL"`
	// JWTIssuer is the iss claim (e.g. "llm-platform").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// GatewayURL is the base URL of the downstream LLM gateway (e.g. http://litellm:4000).
	GatewayURL string `mapstructure:"GATEWAY_URL"`
	// GatewayTimeout bounds a single upstream completion call (e.g. "5m").
	GatewayTimeout string `mapstructure:"GATEWAY_TIMEOUT"`
	// AllowedOrigins is a comma-separated list of CORS origins; "*" allows all.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	// MaxModelLen is the context window of the served model, used by the public config endpoint.
	MaxModelLen int `mapstructure:"MAX_MODEL_LEN"`
	// LogLevel is the zap log level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	// The fingerprint cookie is marked Secure when Env is production.
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("JWT_ISSUER", "llm-platform")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("GATEWAY_URL", "http://localhost:4000")
	v.SetDefault("GATEWAY_TIMEOUT", "5m")
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_MODEL_LEN", 4096)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "development")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if len(cfg.JWTSecret) < minJWTSecretLen {
		return nil, errors.New("config: JWT_SECRET must be at least 32 bytes")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.GatewayURL == "" {
		return nil, errors.New("config: GATEWAY_URL must be set")
	}

	return &cfg, nil
}

// TokenTTL parses JWTTTL as a time.Duration. Returns 24h if unset or invalid.
func (c *Config) TokenTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// UpstreamTimeout parses GatewayTimeout as a time.Duration. Returns 5m if unset or invalid.
func (c *Config) UpstreamTimeout() time.Duration {
	d, err := time.ParseDuration(c.GatewayTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// Production reports whether the app runs in production mode.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// AllowedOriginsList returns CORS origins from the comma-separated config.
func (c *Config) AllowedOriginsList() []string {
	if c == nil || c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
