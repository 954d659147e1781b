package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the memory substrate. Every
// lifecycle knob lives here; components receive the values through their
// constructors and never read the environment themselves.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DatabaseURL  string
	RedisURL     string
	EmbeddingDim int

	GenAIMode      string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	ChatModel      string
	EmbeddingModel string
	GenAITimeout   time.Duration

	CIARThreshold float64
	AgeHalfLife   time.Duration
	RecencyWindow time.Duration

	WindowSize int
	WindowTTL  time.Duration
	FactTTL    time.Duration

	PromotionBatchSize   int
	ConsolidationWindow  time.Duration
	MinFactCount         int
	MinEpisodeCount      int
	DefaultContextBudget int

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	PromotionInterval     time.Duration
	ConsolidationInterval time.Duration
	DistillationInterval  time.Duration
	ReconcileInterval     time.Duration

	TelemetryBuffer int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "mnemo"),
		AllowAnyOrigin:   false,
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisURL:         stringsTrimSpace("REDIS_URL"),
		EmbeddingDim:     1536,

		GenAIMode:      envOrDefault("GENAI_MODE", "auto"),
		OpenAIAPIKey:   stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:  stringsTrimSpace("OPENAI_BASE_URL"),
		ChatModel:      envOrDefault("GENAI_CHAT_MODEL", "gpt-4o-mini"),
		EmbeddingModel: envOrDefault("GENAI_EMBEDDING_MODEL", "text-embedding-3-small"),

		ShutdownTimeout: 15 * time.Second,
		GenAITimeout:    30 * time.Second,

		CIARThreshold: 0.6,
		AgeHalfLife:   72 * time.Hour,
		RecencyWindow: 24 * time.Hour,

		WindowSize: 10,
		WindowTTL:  time.Hour,
		FactTTL:    7 * 24 * time.Hour,

		PromotionBatchSize:   20,
		ConsolidationWindow:  24 * time.Hour,
		MinFactCount:         3,
		MinEpisodeCount:      3,
		DefaultContextBudget: 4096,

		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,

		PromotionInterval:     time.Minute,
		ConsolidationInterval: time.Hour,
		DistillationInterval:  24 * time.Hour,
		ReconcileInterval:     time.Hour,

		TelemetryBuffer: 256,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.GenAITimeout, err = durationFromEnv("GENAI_TIMEOUT", cfg.GenAITimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.EmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.EmbeddingDim); err != nil {
		return Config{}, err
	}
	if cfg.CIARThreshold, err = floatFromEnv("MEMORY_CIAR_THRESHOLD", cfg.CIARThreshold); err != nil {
		return Config{}, err
	}
	if cfg.AgeHalfLife, err = durationFromEnv("MEMORY_AGE_HALF_LIFE", cfg.AgeHalfLife); err != nil {
		return Config{}, err
	}
	if cfg.RecencyWindow, err = durationFromEnv("MEMORY_RECENCY_WINDOW", cfg.RecencyWindow); err != nil {
		return Config{}, err
	}
	if cfg.WindowSize, err = intFromEnv("MEMORY_WINDOW_SIZE", cfg.WindowSize); err != nil {
		return Config{}, err
	}
	if cfg.WindowTTL, err = durationFromEnv("MEMORY_WINDOW_TTL", cfg.WindowTTL); err != nil {
		return Config{}, err
	}
	if cfg.FactTTL, err = durationFromEnv("MEMORY_FACT_TTL", cfg.FactTTL); err != nil {
		return Config{}, err
	}
	if cfg.PromotionBatchSize, err = intFromEnv("MEMORY_PROMOTION_BATCH_SIZE", cfg.PromotionBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.ConsolidationWindow, err = durationFromEnv("MEMORY_CONSOLIDATION_WINDOW", cfg.ConsolidationWindow); err != nil {
		return Config{}, err
	}
	if cfg.MinFactCount, err = intFromEnv("MEMORY_MIN_FACT_COUNT", cfg.MinFactCount); err != nil {
		return Config{}, err
	}
	if cfg.MinEpisodeCount, err = intFromEnv("MEMORY_MIN_EPISODE_COUNT", cfg.MinEpisodeCount); err != nil {
		return Config{}, err
	}
	if cfg.DefaultContextBudget, err = intFromEnv("MEMORY_CONTEXT_BUDGET", cfg.DefaultContextBudget); err != nil {
		return Config{}, err
	}
	if cfg.BreakerFailureThreshold, err = intFromEnv("MEMORY_BREAKER_FAILURES", cfg.BreakerFailureThreshold); err != nil {
		return Config{}, err
	}
	if cfg.BreakerCooldown, err = durationFromEnv("MEMORY_BREAKER_COOLDOWN", cfg.BreakerCooldown); err != nil {
		return Config{}, err
	}
	if cfg.PromotionInterval, err = durationFromEnv("MEMORY_PROMOTION_INTERVAL", cfg.PromotionInterval); err != nil {
		return Config{}, err
	}
	if cfg.ConsolidationInterval, err = durationFromEnv("MEMORY_CONSOLIDATION_INTERVAL", cfg.ConsolidationInterval); err != nil {
		return Config{}, err
	}
	if cfg.DistillationInterval, err = durationFromEnv("MEMORY_DISTILLATION_INTERVAL", cfg.DistillationInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = durationFromEnv("MEMORY_RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.TelemetryBuffer, err = intFromEnv("MEMORY_TELEMETRY_BUFFER", cfg.TelemetryBuffer); err != nil {
		return Config{}, err
	}

	if cfg.CIARThreshold < 0 || cfg.CIARThreshold > 1 {
		return Config{}, fmt.Errorf("MEMORY_CIAR_THRESHOLD must be in [0,1]")
	}
	if cfg.WindowSize <= 0 {
		return Config{}, fmt.Errorf("MEMORY_WINDOW_SIZE must be positive")
	}
	if cfg.WindowTTL <= 0 || cfg.FactTTL <= 0 {
		return Config{}, fmt.Errorf("MEMORY_WINDOW_TTL and MEMORY_FACT_TTL must be positive")
	}
	if cfg.PromotionBatchSize <= 0 {
		return Config{}, fmt.Errorf("MEMORY_PROMOTION_BATCH_SIZE must be positive")
	}
	if cfg.MinFactCount <= 0 || cfg.MinEpisodeCount <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MIN_FACT_COUNT and MEMORY_MIN_EPISODE_COUNT must be positive")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return Config{}, fmt.Errorf("MEMORY_BREAKER_FAILURES must be positive")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
