package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

// DatabaseConfig resolves the connection either from DATABASE_URL or from
// the discrete <PREFIX>_* settings named by DB_PREFIX.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// SSL enables TLS without certificate verification; the database is
	// expected to sit behind a trusted network edge.
	SSL      bool
	MaxConns int
	MinConns int
}

func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	sslmode := "disable"
	if d.SSL {
		sslmode = "require"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, sslmode,
	)
}

type AuthConfig struct {
	// JWTSecret enables HMAC-signed bearer verification. When empty only
	// the unsigned development token form is accepted.
	JWTSecret string
	Realm     string
}

type LoggingConfig struct {
	Level string
}

// RateLimitConfig bounds per-client request rates. RPS 0 disables the
// limiter.
type RateLimitConfig struct {
	RPS   int
	Burst int
}

func Load() (*Config, error) {
	prefix := getEnv("DB_PREFIX", "EVENTLY")
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("PORT", 4802),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv(prefix+"_HOST", "localhost"),
			Port:     getEnvInt(prefix+"_PORT", 5432),
			User:     getEnv(prefix+"_USER", "postgres"),
			Password: getEnv(prefix+"_PASSWORD", ""),
			Database: getEnv(prefix+"_DATABASE", "evently"),
			SSL:      getEnvBool("PGSSL", false),
			MaxConns: getEnvInt("DB_MAX_CONNS", 25),
			MinConns: getEnvInt("DB_MIN_CONNS", 5),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Realm:     getEnv("AUTH_REALM", "evently"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "trace"),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvInt("RATE_LIMIT_RPS", 0),
			Burst: getEnvInt("RATE_LIMIT_BURST", 20),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
