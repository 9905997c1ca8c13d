package pipelineconfig

import (
	"os"
	"strconv"
	"time"
)

// ExtractionConfig controls the Extraction Engine (C5). Recognized env vars
// are exactly those enumerated in spec §6; unset/invalid values fall back
// to the defaults below.
type ExtractionConfig struct {
	ChunkSize         int
	MemoryThresholdMB int
	RetryDelay        time.Duration
	MaxRetries        int
	MaxAnomalousRatio float64
	MaxFailedRatio    float64
	Concurrency       int
	MaxTokens         int
	Temperature       float64
	ChunkTimeout      time.Duration
}

// DefaultExtractionConfig returns the built-in defaults named in spec §4.3/§5.
func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		ChunkSize:         8000,
		MemoryThresholdMB: 512,
		RetryDelay:        500 * time.Millisecond,
		MaxRetries:        2,
		MaxAnomalousRatio: 0.30,
		MaxFailedRatio:    0.50,
		Concurrency:       4,
		MaxTokens:         4096,
		Temperature:       0.2,
		ChunkTimeout:      30 * time.Second,
	}
}

// LoadExtractionConfigFromEnv loads ExtractionConfig, falling back to
// DefaultExtractionConfig for anything unset or unparsable.
func LoadExtractionConfigFromEnv() ExtractionConfig {
	cfg := DefaultExtractionConfig()

	cfg.ChunkSize = envInt("EXTRACTION_CHUNK_SIZE", cfg.ChunkSize)
	cfg.MemoryThresholdMB = envInt("EXTRACTION_MEMORY_THRESHOLD_MB", cfg.MemoryThresholdMB)
	cfg.RetryDelay = envDuration("EXTRACTION_RETRY_DELAY_MS", cfg.RetryDelay)
	cfg.MaxRetries = envInt("EXTRACTION_MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxAnomalousRatio = envFloat("EXTRACTION_MAX_ANOMALOUS_RATIO", cfg.MaxAnomalousRatio)
	cfg.MaxFailedRatio = envFloat("EXTRACTION_MAX_FAILED_RATIO", cfg.MaxFailedRatio)
	cfg.Concurrency = envInt("EXTRACTION_CONCURRENCY", cfg.Concurrency)
	cfg.MaxTokens = envInt("EXTRACTION_MAX_TOKENS", cfg.MaxTokens)
	cfg.Temperature = envFloat("EXTRACTION_TEMPERATURE", cfg.Temperature)

	return cfg
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDuration reads a millisecond integer env var (per spec §6's *_MS naming)
// into a time.Duration, falling back to def.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
