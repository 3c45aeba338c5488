package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr           string `validate:"required"`
	StoreBackend       string `validate:"oneof=memory redis postgres"`
	RedisAddr          string `validate:"required_if=StoreBackend redis"`
	RedisPassword      string
	DatabaseURL        string `validate:"required_if=StoreBackend postgres"`
	NATSURL            string
	LogNATSSubjects    bool
	MetricsAddr        string
	RoutesFile         string
	FixTimeout         time.Duration `validate:"gte=0"`
	FixMaxAge          time.Duration `validate:"gte=0"`
	HighAccuracy       bool
	// MaxPublishFailures of 0 never aborts tracking on write failures.
	MaxPublishFailures int    `validate:"gte=0"`
	LogFormat          string `validate:"oneof=text json"`
	LogLevel           slog.Level
	Autostart          bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:      getenvDefault("HTTP_ADDR", ":8080"),
		StoreBackend:  strings.ToLower(getenvDefault("STORE_BACKEND", "memory")),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		// Empty disables the change bus.
		NATSURL: os.Getenv("NATS_URL"),
		// Empty disables the metrics server.
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		RoutesFile:  os.Getenv("ROUTES_FILE"),
		LogFormat:   strings.ToLower(getenvDefault("LOG_FORMAT", "text")),
	}

	dsn, err := databaseURL()
	if err != nil {
		return nil, err
	}
	cfg.DatabaseURL = dsn

	if cfg.FixTimeout, err = envMillis("FIX_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.FixMaxAge, err = envMillis("FIX_MAX_AGE_MS", 0); err != nil {
		return nil, err
	}
	if v := os.Getenv("MAX_PUBLISH_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid MAX_PUBLISH_FAILURES: %q", v)
		}
		cfg.MaxPublishFailures = n
	} else {
		cfg.MaxPublishFailures = 3
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %q", v)
		}
	}

	cfg.HighAccuracy = envBool("HIGH_ACCURACY")
	cfg.LogNATSSubjects = envBool("LOG_NATS_SUBJECTS")
	cfg.Autostart = envBool("AUTOSTART")

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NewLogger returns the process logger for the configured format and level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
// PGDATABASE, when set, replaces the database named in an explicit URL.
func databaseURL() (string, error) {
	db := os.Getenv("PGDATABASE")
	dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if dsn != "" {
		if db == "" {
			return dsn, nil
		}
		out, err := withDBName(dsn, db)
		if err != nil {
			return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		return out, nil
	}
	if db == "" {
		return "", nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

// withDBName returns dsn with its database path replaced. A DSN without a
// scheme is treated as postgres://.
func withDBName(dsn, database string) (string, error) {
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

func envMillis(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envBool(k string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
