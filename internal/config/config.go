package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is resolved in three layers: built-in defaults, an optional TOML
// file, then environment variables.
type Config struct {
	Port           string   `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	LogLevel       string   `toml:"log_level"`

	DatabaseURL string `toml:"database_url"`
	SQLitePath  string `toml:"sqlite_path"`

	RedisAddr             string `toml:"redis_addr"`
	RedisPassword         string `toml:"redis_password"`
	RedisDB               int    `toml:"redis_db"`
	PolicyCacheTTLSeconds int    `toml:"policy_cache_ttl_seconds"`

	AuthSecret            string `toml:"auth_secret"`
	AccessTokenTTLMinutes int    `toml:"access_token_ttl_minutes"`
	ManagerPIN            string `toml:"manager_pin"`

	TimeZone   string `toml:"time_zone"`
	MinorUnits int32  `toml:"minor_units"`
}

func Defaults() Config {
	return Config{
		Port:                  "8080",
		AllowedOrigins:        []string{"http://127.0.0.1:3000"},
		LogLevel:              "info",
		PolicyCacheTTLSeconds: 60,
		AccessTokenTTLMinutes: 480,
		TimeZone:              "UTC",
		MinorUnits:            2,
	}
}

// Load applies path (skipped when empty) and the environment over the
// defaults. Auth secrets have no defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.PolicyCacheTTLSeconds = getEnvInt("POLICY_CACHE_TTL_SECONDS", cfg.PolicyCacheTTLSeconds)
	cfg.AuthSecret = strings.TrimSpace(getEnv("AUTH_SECRET", cfg.AuthSecret))
	cfg.AccessTokenTTLMinutes = getEnvInt("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTLMinutes)
	cfg.ManagerPIN = strings.TrimSpace(getEnv("MANAGER_PIN", cfg.ManagerPIN))
	cfg.TimeZone = getEnv("BUSINESS_TIME_ZONE", cfg.TimeZone)
	cfg.MinorUnits = int32(getEnvInt("CURRENCY_MINOR_UNITS", int(cfg.MinorUnits)))

	if cfg.PolicyCacheTTLSeconds < 1 {
		cfg.PolicyCacheTTLSeconds = 60
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.MinorUnits < 0 || cfg.MinorUnits > 4 {
		return Config{}, fmt.Errorf("minor_units must be between 0 and 4, got %d", cfg.MinorUnits)
	}
	if _, err := cfg.Location(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location is the zone business dates are taken in.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(c.TimeZone))
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

func (c Config) PolicyCacheTTL() time.Duration {
	return time.Duration(c.PolicyCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
