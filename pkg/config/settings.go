package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Settings configures pprofit serve and the optional stores the run
// command reports to. Every field comes from a PPROFIT_ environment variable.
type Settings struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	DBHost     string `envconfig:"DB_HOST"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"pprofit"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"pprofit"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBDebug    bool   `envconfig:"DB_DEBUG"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"pprofit"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL"`
}

// IsDev reports whether PPROFIT_ENVIRONMENT is unset or "development".
func IsDev() bool {
	env := os.Getenv(EnvPrefix + "_ENVIRONMENT")
	return env == "" || env == "development"
}

// LoadSettings reads the settings from the environment, loading .env first
// in development.
func LoadSettings() (*Settings, error) {
	if IsDev() {
		if err := godotenv.Load(); err == nil {
			log.Println("✓ Loaded .env file")
		}
	}

	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks settings that only make sense together.
func (s *Settings) Validate() error {
	var errors []string

	if s.DBHost != "" && s.DBPort <= 0 {
		errors = append(errors, "  ❌ PPROFIT_DB_PORT must be positive")
	}
	if s.S3Endpoint != "" && (s.S3AccessKey == "" || s.S3SecretKey == "") {
		errors = append(errors, "  ❌ PPROFIT_S3_ACCESS_KEY and PPROFIT_S3_SECRET_KEY are required when PPROFIT_S3_ENDPOINT is set")
	}
	if s.S3Endpoint != "" && s.S3Bucket == "" {
		errors = append(errors, "  ❌ PPROFIT_S3_BUCKET must not be empty")
	}

	if len(errors) > 0 {
		return fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

// DatabaseEnabled reports whether a history database is configured.
func (s *Settings) DatabaseEnabled() bool {
	return s.DBHost != ""
}

// DSN is the postgres connection string for the history database.
func (s *Settings) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.DBUser, s.DBPassword, s.DBHost, s.DBPort, s.DBName, s.DBSSLMode)
}

func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func (s *Settings) Print(fmtr func(string, ...any)) {
	fmtr("📋 Configuration:\n")
	fmtr("  Environment: %s\n", s.Environment)
	fmtr("  Listen: %s\n", s.ListenAddr)
	if s.MetricsAddr != "" {
		fmtr("  Metrics: %s\n", s.MetricsAddr)
	}

	if s.RedisAddr != "" {
		fmtr("  Redis: ✓ %s (db %d, password %s)\n", s.RedisAddr, s.RedisDB, MaskSecret(s.RedisPassword))
	} else {
		fmtr("  Redis: ✗ Disabled (in-memory status)\n")
	}

	if s.DatabaseEnabled() {
		fmtr("  Database: %s@%s:%d/%s (sslmode=%s)\n", s.DBUser, s.DBHost, s.DBPort, s.DBName, s.DBSSLMode)
	} else {
		fmtr("  Database: ✗ Disabled\n")
	}

	if s.S3Endpoint != "" {
		fmtr("  Artifacts: ✓ %s/%s\n", s.S3Endpoint, s.S3Bucket)
		fmtr("    Access Key: %s\n", MaskSecret(s.S3AccessKey))
		fmtr("    Secret Key: %s\n", MaskSecret(s.S3SecretKey))
	} else {
		fmtr("  Artifacts: ✗ Disabled\n")
	}
}
