package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cutout/internal/domain"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string
	StoragePath string

	RetentionWindow  time.Duration
	SweepInterval    time.Duration
	ResetInterval    time.Duration
	QueueMaxAttempts int
	QueueBackoffBase time.Duration
	WorkerPollEvery  time.Duration

	FreeDailyUploads           int
	FreeMaxResolution          int
	FreeTrialDays              int
	IntermediateMonthlyUploads int
	IntermediateMaxResolution  int
	PremiumMonthlyUploads      int // <= 0 means unlimited
	PremiumMaxResolution       int
	MaxUploadBytes             int64

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		RetentionWindow:  time.Hour * time.Duration(getEnvInt("PROJECT_RETENTION_HOURS", 24)),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Hour),
		ResetInterval:    getEnvDuration("MONTHLY_RESET_CHECK_INTERVAL", time.Hour),
		QueueMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueBackoffBase: getEnvDuration("QUEUE_BACKOFF_BASE", 5*time.Second),
		WorkerPollEvery:  getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),

		FreeDailyUploads:           getEnvInt("FREE_DAILY_UPLOADS", 3),
		FreeMaxResolution:          getEnvInt("FREE_MAX_RESOLUTION", 720),
		FreeTrialDays:              getEnvInt("FREE_TRIAL_DAYS", 7),
		IntermediateMonthlyUploads: getEnvInt("INTERMEDIATE_MONTHLY_UPLOADS", 30),
		IntermediateMaxResolution:  getEnvInt("INTERMEDIATE_MAX_RESOLUTION", 1080),
		PremiumMonthlyUploads:      getEnvInt("PREMIUM_MONTHLY_UPLOADS", 0),
		PremiumMaxResolution:       getEnvInt("PREMIUM_MAX_RESOLUTION", 2160),
		MaxUploadBytes:             int64(getEnvInt("MAX_UPLOAD_MB", 100)) * 1024 * 1024,

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 60)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		CORSOrigins:      splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.QueueMaxAttempts < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

// PlanCatalog builds the tier catalog from the configured limits. Caps set
// to zero or below are treated as unlimited.
func (c *Config) PlanCatalog() domain.PlanCatalog {
	freeDaily := c.FreeDailyUploads
	intermediateMonthly := c.IntermediateMonthlyUploads

	catalog := domain.PlanCatalog{
		domain.PlanTierFree: {
			Name:          "Free Trial",
			DurationDays:  c.FreeTrialDays,
			DailyUploads:  &freeDaily,
			MaxResolution: c.FreeMaxResolution,
			Priority:      domain.QueuePriorityLow,
		},
		domain.PlanTierIntermediate: {
			Name:           "Intermediate",
			DurationDays:   365,
			MonthlyUploads: &intermediateMonthly,
			MaxResolution:  c.IntermediateMaxResolution,
			Priority:       domain.QueuePriorityMedium,
		},
		domain.PlanTierPremium: {
			Name:          "Premium",
			DurationDays:  365,
			MaxResolution: c.PremiumMaxResolution,
			Priority:      domain.QueuePriorityHigh,
		},
	}

	if c.PremiumMonthlyUploads > 0 {
		premiumMonthly := c.PremiumMonthlyUploads
		premium := catalog[domain.PlanTierPremium]
		premium.MonthlyUploads = &premiumMonthly
		catalog[domain.PlanTierPremium] = premium
	}

	return catalog
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
