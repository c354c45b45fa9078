package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Neo4j (graph store)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// SQLite (relational store)
	SQLitePath string

	// Badger (cache store)
	BadgerDir      string
	BadgerInMemory bool

	// Embeddings (vector store, best-effort)
	EmbeddingURL    string
	EmbeddingAPIKey string
	EmbeddingModel  string

	// Normalization
	EvidenceCap int // max evidence entries retained per relationship

	// Coordinator
	StoreTimeout time.Duration // per store call
	RetryCount   int
	RetryBackoff time.Duration
	EventBuffer  int // bounded commit-event channel size

	// Recovery
	CheckpointHops      int
	RollbackCap         int
	RollbackTTL         time.Duration
	RollbackDurable     bool // persist captures to the relational store
	CheckpointRetention time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		Neo4jURI:            getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:           getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:       getEnv("NEO4J_PASSWORD", "password"),
		SQLitePath:          getEnv("SQLITE_PATH", ".codegraph/graph.db"),
		BadgerDir:           getEnv("BADGER_DIR", ".codegraph/cache"),
		BadgerInMemory:      getEnvBool("BADGER_IN_MEMORY", false),
		EmbeddingURL:        getEnv("EMBEDDING_URL", ""),
		EmbeddingAPIKey:     getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EvidenceCap:         getEnvInt("EVIDENCE_CAP", 20),
		StoreTimeout:        getEnvDuration("STORE_TIMEOUT", 10*time.Second),
		RetryCount:          getEnvInt("RETRY_COUNT", 3),
		RetryBackoff:        getEnvDuration("RETRY_BACKOFF", 250*time.Millisecond),
		EventBuffer:         getEnvInt("EVENT_BUFFER", 256),
		CheckpointHops:      getEnvInt("CHECKPOINT_HOPS", 2),
		RollbackCap:         getEnvInt("ROLLBACK_CAP", 1000),
		RollbackTTL:         getEnvDuration("ROLLBACK_TTL", 24*time.Hour),
		RollbackDurable:     getEnvBool("ROLLBACK_DURABLE", false),
		CheckpointRetention: getEnvDuration("CHECKPOINT_RETENTION", 7*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.Neo4jURI == "" {
		return fmt.Errorf("NEO4J_URI is required")
	}
	if c.Neo4jUser == "" {
		return fmt.Errorf("NEO4J_USER is required")
	}
	if c.Neo4jPassword == "" {
		return fmt.Errorf("NEO4J_PASSWORD is required")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required")
	}
	if c.EvidenceCap < 1 {
		return fmt.Errorf("EVIDENCE_CAP must be at least 1")
	}
	if c.RollbackCap < 1 {
		return fmt.Errorf("ROLLBACK_CAP must be at least 1")
	}
	if c.CheckpointHops < 0 {
		return fmt.Errorf("CHECKPOINT_HOPS must not be negative")
	}
	// Embedding settings are optional: the vector store degrades quietly
	// when unconfigured.
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
