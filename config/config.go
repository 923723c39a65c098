package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Upstream inference endpoint
	UpstreamBaseURL string // default: https://api.openai.com/v1

	// Ledger
	BaselineTokens int64 // allocated amount for lazily created rows, default: 50

	// Admin
	AdminToken string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		UpstreamBaseURL:      getEnv("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	baselineStr := getEnv("BASELINE_TOKENS", "50")
	baseline, err := strconv.ParseInt(baselineStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid BASELINE_TOKENS: %w", err)
	}
	cfg.BaselineTokens = baseline

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
