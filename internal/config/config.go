package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Search backends.
const (
	BackendOpenSearch  = "opensearch"
	BackendMeiliSearch = "meilisearch"
)

// Config holds all application configuration. It is resolved once at
// startup and passed to the components that need it.
type Config struct {
	// Server configuration
	ServerAddress string `validate:"required"`
	Environment   string `validate:"required"`
	LogLevel      string `validate:"oneof=debug info warn error"`

	// Redis
	RedisAddr     string        `validate:"required"`
	RedisPassword string
	RedisDB       int           `validate:"min=0"`
	RedisTLS      bool
	RedisTimeout  time.Duration `validate:"gt=0"`

	// Document store
	SearchBackend      string `validate:"oneof=opensearch meilisearch"`
	OpenSearchEndpoint string `validate:"required_if=SearchBackend opensearch"`
	OpenSearchUsername string
	OpenSearchPassword string
	MeiliURL           string        `validate:"required_if=SearchBackend meilisearch"`
	MeiliKey           string
	SearchTimeout      time.Duration `validate:"gt=0"`
	SearchMaxRetries   int           `validate:"min=0"`

	// Circuit breaker around the document store
	BreakerFailures uint32        `validate:"gt=0"`
	BreakerTimeout  time.Duration `validate:"gt=0"`

	// Ingestion
	IngestWorkers int `validate:"gt=0"`

	// Kafka consumer
	KafkaBrokers string
	KafkaTopic   string
	KafkaGroup   string
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", "127.0.0.1:9800"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTLS:      getEnvBool("REDIS_TLS", false),
		RedisTimeout:  getEnvDuration("REDIS_TIMEOUT", 5*time.Second),

		SearchBackend:      strings.ToLower(getEnv("SEARCH_BACKEND", BackendOpenSearch)),
		OpenSearchEndpoint: normalizeEndpoint(getEnv("OPENSEARCH_ENDPOINT", "http://localhost:9200")),
		OpenSearchUsername: getEnv("OPENSEARCH_USERNAME", ""),
		OpenSearchPassword: getEnv("OPENSEARCH_PASSWORD", ""),
		MeiliURL:           getEnv("MEILI_URL", "http://localhost:7700"),
		MeiliKey:           getEnv("MEILI_KEY", ""),
		SearchTimeout:      getEnvDuration("SEARCH_TIMEOUT", 30*time.Second),
		SearchMaxRetries:   getEnvInt("SEARCH_MAX_RETRIES", 3),

		BreakerFailures: uint32(getEnvInt("BREAKER_FAILURES", 5)),
		BreakerTimeout:  getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),

		IngestWorkers: getEnvInt("INGEST_WORKERS", 8),

		KafkaBrokers: getEnv("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "commerce-records"),
		KafkaGroup:   getEnv("KAFKA_GROUP", "commerce-pipeline"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// normalizeEndpoint accepts a bare host the way managed OpenSearch domains
// publish it and turns it into an https URL.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSuffix(endpoint, "/")
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or whole seconds ("10").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
