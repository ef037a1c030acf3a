// Package config provides application configuration management.
// It loads settings from environment variables (optionally via a .env file)
// and validates them per run mode.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ValidationMode selects which settings are mandatory.
type ValidationMode int

const (
	// ServerMode requires LINE credentials and an image provider.
	ServerMode ValidationMode = iota
	// AdminMode is used by the maintenance CLI; only storage settings matter.
	AdminMode
)

// State store backends.
const (
	StateBackendSQL   = "sql"
	StateBackendRedis = "redis"
)

// Image providers.
const (
	ImageProviderReplicate = "replicate"
	ImageProviderGemini    = "gemini"
)

// Config holds all application configuration
type Config struct {
	// LINE Bot Configuration
	LineChannelToken  string
	LineChannelSecret string

	// Server Configuration
	Port            string
	LogLevel        string
	ShutdownTimeout time.Duration
	ServerName      string
	SandboxMode     bool // never send to users; always return echo objects

	// Data Configuration
	DataDir     string // directory for the SQLite database and backups
	DatabaseURL string // postgres://… switches storage to PostgreSQL

	// Session state
	StateBackend         string
	StateTTL             time.Duration
	StateCleanupSchedule string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int

	// Image processing
	ImageProvider         string
	ReplicateAPIToken     string
	ReplicateBaseURL      string
	ReplicatePollInterval time.Duration
	GeminiAPIKey          string
	GeminiImageModel      string

	// R2 object storage
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicBaseURL   string
	BackupSchedule    string // cron spec; empty disables backups

	// Metrics Authentication
	MetricsUsername string
	MetricsPassword string // empty = no auth

	// Observability
	BetterStackToken    string
	BetterStackEndpoint string
	SentryToken         string
	SentryHost          string
	SentryEnvironment   string
	SentrySampleRate    float64

	Bot BotConfig
}

// Load reads configuration for server mode.
func Load() (*Config, error) {
	return LoadForMode(ServerMode)
}

// LoadForMode reads configuration from the environment and validates it for mode.
// A .env file in the working directory is loaded first when present.
func LoadForMode(mode ValidationMode) (*Config, error) {
	_ = godotenv.Load()

	bot := DefaultBotConfig()
	bot.WebhookTimeout = getDurationEnv(EnvWebhookTimeout, bot.WebhookTimeout)
	bot.UserRateLimitRPS = getFloatEnv(EnvUserRateLimitRPS, bot.UserRateLimitRPS)
	bot.UserRateLimitBurst = getIntEnv(EnvUserRateLimitBurst, bot.UserRateLimitBurst)
	bot.ImageJobTimeout = getDurationEnv(EnvImageJobTimeout, bot.ImageJobTimeout)
	bot.ImageJobConcurrency = int64(getIntEnv(EnvImageJobConcurrency, int(bot.ImageJobConcurrency)))
	bot.ColorizeCostPoints = int64(getIntEnv(EnvColorizeCostPoints, int(bot.ColorizeCostPoints)))
	bot.EditCostPoints = int64(getIntEnv(EnvEditCostPoints, int(bot.EditCostPoints)))
	bot.SignupBonusPoints = int64(getIntEnv(EnvSignupBonusPoints, int(bot.SignupBonusPoints)))

	cfg := &Config{
		LineChannelToken:  getEnv(EnvLineChannelAccessToken, ""),
		LineChannelSecret: getEnv(EnvLineChannelSecret, ""),

		Port:            getEnv(EnvPort, "10000"),
		LogLevel:        getEnv(EnvLogLevel, "info"),
		ShutdownTimeout: getDurationEnv(EnvShutdownTimeout, GracefulShutdown),
		ServerName:      getEnv(EnvServerName, "linebot-imagelab"),
		SandboxMode:     getBoolEnv(EnvSandboxMode, false),

		DataDir:     getEnv(EnvDataDir, getDefaultDataDir()),
		DatabaseURL: getEnv(EnvDatabaseURL, ""),

		StateBackend:         strings.ToLower(getEnv(EnvStateBackend, StateBackendSQL)),
		StateTTL:             getDurationEnv(EnvStateTTL, StateTTL),
		StateCleanupSchedule: getEnv(EnvStateCleanupSchedule, StateCleanupSchedule),
		RedisAddr:            getEnv(EnvRedisAddr, ""),
		RedisPassword:        getEnv(EnvRedisPassword, ""),
		RedisDB:              getIntEnv(EnvRedisDB, 0),

		ImageProvider:         strings.ToLower(getEnv(EnvImageProvider, ImageProviderReplicate)),
		ReplicateAPIToken:     getEnv(EnvReplicateAPIToken, ""),
		ReplicateBaseURL:      getEnv(EnvReplicateBaseURL, "https://api.replicate.com/v1"),
		ReplicatePollInterval: getDurationEnv(EnvReplicatePollInterval, ReplicatePollInterval),
		GeminiAPIKey:          getEnv(EnvGeminiAPIKey, ""),
		GeminiImageModel:      getEnv(EnvGeminiImageModel, "gemini-2.5-flash-image"),

		R2AccountID:       getEnv(EnvR2AccountID, ""),
		R2AccessKeyID:     getEnv(EnvR2AccessKeyID, ""),
		R2SecretAccessKey: getEnv(EnvR2SecretAccessKey, ""),
		R2BucketName:      getEnv(EnvR2BucketName, ""),
		R2PublicBaseURL:   strings.TrimRight(getEnv(EnvR2PublicBaseURL, ""), "/"),
		BackupSchedule:    getEnv(EnvBackupSchedule, ""),

		MetricsUsername: getEnv(EnvMetricsUsername, "prometheus"),
		MetricsPassword: getEnv(EnvMetricsPassword, ""),

		BetterStackToken:    getEnv(EnvBetterStackToken, ""),
		BetterStackEndpoint: getEnv(EnvBetterStackEndpoint, ""),
		SentryToken:         getEnv(EnvSentryDSNToken, ""),
		SentryHost:          getEnv(EnvSentryHost, ""),
		SentryEnvironment:   getEnv(EnvSentryEnvironment, "production"),
		SentrySampleRate:    getFloatEnv(EnvSentrySampleRate, 1.0),

		Bot: bot,
	}

	if err := cfg.Validate(mode); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that the settings required by mode are present and sane.
// All problems are reported together.
func (c *Config) Validate(mode ValidationMode) error {
	var errs []error

	if mode == ServerMode {
		if c.LineChannelToken == "" {
			errs = append(errs, fmt.Errorf("%s is required", EnvLineChannelAccessToken))
		}
		if c.LineChannelSecret == "" {
			errs = append(errs, fmt.Errorf("%s is required", EnvLineChannelSecret))
		}
		if c.Port == "" {
			errs = append(errs, fmt.Errorf("%s is required", EnvPort))
		}
		switch c.ImageProvider {
		case ImageProviderReplicate:
			if c.ReplicateAPIToken == "" && !c.SandboxMode {
				errs = append(errs, fmt.Errorf("%s is required for the replicate provider", EnvReplicateAPIToken))
			}
		case ImageProviderGemini:
			if c.GeminiAPIKey == "" {
				errs = append(errs, fmt.Errorf("%s is required for the gemini provider", EnvGeminiAPIKey))
			}
			if !c.R2Enabled() || c.R2PublicBaseURL == "" {
				errs = append(errs, errors.New("gemini provider needs R2 credentials and R2_PUBLIC_BASE_URL to host results"))
			}
		default:
			errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", EnvImageProvider, ImageProviderReplicate, ImageProviderGemini, c.ImageProvider))
		}
		if err := c.Bot.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("bot config: %w", err))
		}
	}

	if c.DatabaseURL == "" && c.DataDir == "" {
		errs = append(errs, fmt.Errorf("%s or %s is required", EnvDataDir, EnvDatabaseURL))
	}
	if c.DatabaseURL != "" && !c.UsePostgres() {
		errs = append(errs, fmt.Errorf("%s must start with postgres:// or postgresql://", EnvDatabaseURL))
	}
	switch c.StateBackend {
	case StateBackendSQL:
	case StateBackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%s is required for the redis state backend", EnvRedisAddr))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", EnvStateBackend, StateBackendSQL, StateBackendRedis, c.StateBackend))
	}
	if c.StateTTL <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", EnvStateTTL, c.StateTTL))
	}
	if c.SentryToken != "" && c.SentryHost == "" {
		errs = append(errs, fmt.Errorf("%s is required when %s is set", EnvSentryHost, EnvSentryDSNToken))
	}
	if c.BackupSchedule != "" && !c.R2Enabled() {
		errs = append(errs, fmt.Errorf("%s needs R2 credentials", EnvBackupSchedule))
	}

	return errors.Join(errs...)
}

// getEnv retrieves environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves integer environment variable with fallback to default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getBoolEnv accepts the values understood by strconv.ParseBool.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv retrieves duration environment variable with fallback to default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getFloatEnv retrieves float64 environment variable with fallback to default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDefaultDataDir returns platform-specific default data directory
func getDefaultDataDir() string {
	if runtime.GOOS == "windows" {
		return "./data"
	}
	return "/data"
}

// SQLitePath returns the full path to the SQLite database file
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "imagelab.db")
}

// UsePostgres reports whether DATABASE_URL selects PostgreSQL.
func (c *Config) UsePostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// R2Enabled reports whether all R2 credentials are present.
func (c *Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

// R2Endpoint returns the S3-compatible endpoint for the configured account.
func (c *Config) R2Endpoint() string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.R2AccountID)
}

// MetricsAuthEnabled reports whether /metrics requires Basic Auth.
func (c *Config) MetricsAuthEnabled() bool {
	return c.MetricsPassword != ""
}
