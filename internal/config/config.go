// Package config loads the engine's environment-variable configuration,
// in the getEnv/getEnvAsInt style the teacher's internal/config/config.go
// uses, with fields swapped for this domain's collaborators: the model
// provider, the places provider, Redis (backing the idempotency cache),
// and the event bus.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the itinerary engine.
type Config struct {
	Port        int
	Environment string

	Model    ModelConfig
	Places   PlacesConfig
	Redis    RedisConfig
	Eventbus EventbusConfig
}

// ModelConfig configures the LLM provider used by every model-calling agent.
type ModelConfig struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// PlacesConfig configures the places-provider throttle (spec.md §1 keeps
// the provider itself out of scope; only the mock + rate limit are real).
type PlacesConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// RedisConfig configures the cache backing the idempotency store.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// EventbusConfig configures the per-subscriber SSE buffer.
type EventbusConfig struct {
	BufferSize int
	IdleWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvAsInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),
		Model: ModelConfig{
			Provider:    getEnv("MODEL_PROVIDER", "openai"),
			APIKey:      getEnv("MODEL_API_KEY", ""),
			BaseURL:     getEnv("MODEL_BASE_URL", ""),
			Model:       getEnv("MODEL_NAME", "gpt-4o-mini"),
			MaxTokens:   getEnvAsInt("MODEL_MAX_TOKENS", 2048),
			Temperature: getEnvAsFloat("MODEL_TEMPERATURE", 0.7),
			Timeout:     time.Duration(getEnvAsInt("MODEL_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Places: PlacesConfig{
			RequestsPerSecond: getEnvAsFloat("PLACES_RPS", 5),
			Burst:             getEnvAsInt("PLACES_BURST", 10),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Eventbus: EventbusConfig{
			BufferSize: getEnvAsInt("EVENTBUS_BUFFER_SIZE", 64),
			IdleWindow: time.Duration(getEnvAsInt("EVENTBUS_IDLE_WINDOW_SECONDS", 300)) * time.Second,
		},
	}

	return cfg, nil
}

// getEnv gets an environment variable with a fallback value.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt gets an environment variable as integer with a fallback value.
func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return fallback
}

// getEnvAsFloat gets an environment variable as float64 with a fallback value.
func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return fallback
}
