// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Port        int
	Store       string
	SQLitePath  string
	PostgresDSN string

	PostgresMaxConns    int
	PostgresLockTimeout time.Duration

	Timezone          string
	MinInterval       time.Duration
	GeofenceTolerance float64
	RetryMaxTries     int
	AuditInterval     time.Duration
	GeofenceFile      string

	LogLevel    string
	LogFormat   string
	CORSOrigins []string

	// parse failures from Load, reported by Validate
	problems []error
}

// MaxRetryTries is the largest accepted TIMECLOCK_RETRY_MAX_TRIES.
const MaxRetryTries = 10

// Load reads .env (if present) and then the environment. Unparseable
// values keep their defaults and are reported by Validate.
func Load() Config {
	_ = godotenv.Load()

	var env envReader
	cfg := Config{
		Port:        env.getInt("TIMECLOCK_PORT", 8080),
		Store:       strings.ToLower(getenv("TIMECLOCK_STORE", StoreSQLite)),
		SQLitePath:  getenv("TIMECLOCK_SQLITE_PATH", "timeclock.db"),
		PostgresDSN: strings.TrimSpace(getenv("TIMECLOCK_POSTGRES_DSN", "")),

		PostgresMaxConns:    env.getInt("TIMECLOCK_POSTGRES_MAX_CONNS", 10),
		PostgresLockTimeout: env.getDuration("TIMECLOCK_POSTGRES_LOCK_TIMEOUT", 2*time.Second),

		Timezone:          getenv("TIMECLOCK_TIMEZONE", "UTC"),
		MinInterval:       env.getDuration("TIMECLOCK_MIN_INTERVAL", punch.DefaultMinInterval),
		GeofenceTolerance: env.getFloat("TIMECLOCK_GEOFENCE_TOLERANCE", geo.DefaultTolerance),
		RetryMaxTries:     env.getInt("TIMECLOCK_RETRY_MAX_TRIES", punch.DefaultMaxTries),
		AuditInterval:     env.getDuration("TIMECLOCK_AUDIT_INTERVAL", time.Hour),
		GeofenceFile:      strings.TrimSpace(getenv("TIMECLOCK_GEOFENCE_FILE", "")),

		LogLevel:    getenv("TIMECLOCK_LOG_LEVEL", "info"),
		LogFormat:   getenv("TIMECLOCK_LOG_FORMAT", "json"),
		CORSOrigins: getenvList("TIMECLOCK_CORS_ORIGINS", []string{"*"}),
	}
	cfg.problems = env.errs
	return cfg
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	errs := append([]error(nil), c.problems...)
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("TIMECLOCK_PORT %d out of range", c.Port))
	}
	switch c.Store {
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("TIMECLOCK_SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("TIMECLOCK_POSTGRES_DSN is required for the postgres store"))
		}
		if c.PostgresMaxConns < 1 {
			errs = append(errs, errors.New("TIMECLOCK_POSTGRES_MAX_CONNS must be at least 1"))
		}
	default:
		errs = append(errs, fmt.Errorf("TIMECLOCK_STORE %q must be sqlite or postgres", c.Store))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMECLOCK_TIMEZONE: %w", err))
	}
	if c.MinInterval <= 0 {
		errs = append(errs, errors.New("TIMECLOCK_MIN_INTERVAL must be positive"))
	}
	if c.GeofenceTolerance < 0 {
		errs = append(errs, errors.New("TIMECLOCK_GEOFENCE_TOLERANCE cannot be negative"))
	}
	if c.RetryMaxTries < 1 || c.RetryMaxTries > MaxRetryTries {
		errs = append(errs, fmt.Errorf("TIMECLOCK_RETRY_MAX_TRIES %d must be between 1 and %d", c.RetryMaxTries, MaxRetryTries))
	}
	if c.AuditInterval < 0 {
		errs = append(errs, errors.New("TIMECLOCK_AUDIT_INTERVAL cannot be negative"))
	}
	return errors.Join(errs...)
}

// MaxTries is RetryMaxTries for punch.WithMaxTries; call Validate first.
func (c Config) MaxTries() uint {
	if c.RetryMaxTries < 1 {
		return punch.DefaultMaxTries
	}
	return uint(min(c.RetryMaxTries, MaxRetryTries))
}

// Location resolves Timezone; call Validate first.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envReader parses typed variables and collects the failures.
type envReader struct {
	errs []error
}

func (e *envReader) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s %q: %w", key, value, err))
}

func (e *envReader) getInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value, err)
		return def
	}
	return parsed
}

func (e *envReader) getFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, err)
		return def
	}
	return parsed
}

func (e *envReader) getDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if value == "0" {
		return 0
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value, err)
		return def
	}
	return parsed
}

func getenvList(key string, def []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
