// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults used when the environment leaves a key unset.
const (
	DefaultSQLMode        = "STRICT_TRANS_TABLES,NO_ZERO_IN_DATE,NO_ZERO_DATE,ERROR_FOR_DIVISION_BY_ZERO,NO_AUTO_CREATE_USER,NO_ENGINE_SUBSTITUTION"
	DefaultReconnectDelay = 2 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	DefaultBodyLimit      = 1 << 20 // 1MB
	DefaultAuthExempt     = "POST /users,POST /login,GET /healthz"
)

const maxPasswordBytes = 72

// DB holds the database connection settings.
type DB struct {
	Host     string
	Username string
	Password string
	Name     string
	SQLMode  string

	ReconnectDelay time.Duration
	KeepAlive      time.Duration
}

// Config is the full process configuration.
type Config struct {
	Name    string
	Version string
	Env     string
	Port    string

	JWTSecret  string
	AuthExempt []string

	LogLevel string

	CORSAllowedOrigins []string
	RegisterRateLimit  int
	BodyLimit          int64

	AdminUsername string
	AdminPassword string

	DB DB
}

// Load reads an optional .env file and then the process environment.
// Variables already present in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Name:    getenv("APP_NAME", "rest-api"),
		Version: getenv("APP_VERSION", "1.0.0"),
		Env:     getenv("APP_ENV", "development"),
		Port:    getenv("PORT", "8080"),

		JWTSecret:  os.Getenv("JWT_SECRET"),
		AuthExempt: splitList(getenv("AUTH_EXEMPT", DefaultAuthExempt)),

		LogLevel: getenv("LOG_LEVEL", "info"),

		CORSAllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS", "*")),
		RegisterRateLimit:  parseIntEnv("REGISTER_RATE_LIMIT", 10),
		BodyLimit:          int64(parseIntEnv("BODY_LIMIT", DefaultBodyLimit)),

		AdminUsername: os.Getenv("ADMIN_USERNAME"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		DB: DB{
			Host:           getenv("DB_HOST", "localhost:3306"),
			Username:       getenv("DB_USERNAME", "root"),
			Password:       os.Getenv("DB_PASSWORD"),
			Name:           getenv("DB_NAME", "api"),
			SQLMode:        getenv("DB_SQL_MODE", DefaultSQLMode),
			ReconnectDelay: parseDurationEnv("DB_RECONNECT_DELAY", DefaultReconnectDelay),
			KeepAlive:      parseDurationEnv("DB_KEEPALIVE", DefaultKeepAlive),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if c.Env != "development" {
			return errors.New("JWT_SECRET is required outside development")
		}
		c.JWTSecret = "dev-secret"
	}
	if c.Port == "" {
		return errors.New("PORT must not be empty")
	}
	if c.DB.Name == "" {
		return errors.New("DB_NAME must not be empty")
	}
	if c.DB.ReconnectDelay <= 0 {
		return fmt.Errorf("DB_RECONNECT_DELAY must be positive, got %s", c.DB.ReconnectDelay)
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}
	// bcrypt rejects longer passwords.
	if len(c.AdminPassword) > maxPasswordBytes {
		return fmt.Errorf("ADMIN_PASSWORD must be at most %d bytes", maxPasswordBytes)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
