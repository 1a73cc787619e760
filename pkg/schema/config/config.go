package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds configuration for corpus loading, embedding and index operations
type Config struct {
	// Corpus source: "sqlite" (the distributed .db files) or "postgres"
	CorpusBackend    string
	QuranDBPath      string
	HadithDBPath     string
	QuranTranslation string // column of the verse table to serve
	QuranLanguage    string

	// PostgreSQL (when CorpusBackend = "postgres")
	PostgresURI string

	// Embeddings
	EmbeddingProvider   string // "local", "custom", "vertex" or "openai"
	EmbeddingModel      string
	EmbeddingServiceURL string // For custom provider
	EmbeddingDimensions int
	EmbeddingMaxTokens  int
	EncoderVersion      string // overrides provider:model
	EncoderWorkers      int
	EmbeddingCacheDir   string // "memory" for in-process, empty to disable
	EmbeddingCacheTTL   time.Duration
	ModelDir            string // local model download location

	// OpenAI-compatible API (when EmbeddingProvider = "openai")
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Vertex AI (when EmbeddingProvider = "vertex")
	GCPProjectID string
	GCPLocation  string
	VertexModel  string

	// ANN index artifacts, one subdirectory per corpus
	IndexDir   string
	ANNEnabled bool
	ANNProbe   int
}

var (
	config *Config
	once   sync.Once
)

// GetConfig returns the singleton configuration instance
func GetConfig() *Config {
	once.Do(func() {
		config = loadConfig()
	})
	return config
}

func loadConfig() *Config {
	return &Config{
		// Corpora
		CorpusBackend:    getEnv("CORPUS_BACKEND", "sqlite"),
		QuranDBPath:      getEnv("QURAN_DB_PATH", "data/quran.db"),
		HadithDBPath:     getEnv("HADITH_DB_PATH", "data/hadith.db"),
		QuranTranslation: getEnv("QURAN_TRANSLATION", "Saheeh International"),
		QuranLanguage:    getEnv("QURAN_LANGUAGE", "en"),

		// PostgreSQL
		PostgresURI: getEnv("POSTGRES_URI", ""),

		// Embeddings
		EmbeddingProvider:   getEnv("EMBEDDING_PROVIDER", "local"),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "sentence-transformers/all-MiniLM-L6-v2"),
		EmbeddingServiceURL: getEnv("EMBEDDING_SERVICE_URL", "http://localhost:8001"),
		EmbeddingDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 384),
		EmbeddingMaxTokens:  getEnvInt("EMBEDDING_MAX_TOKENS", 256),
		EncoderVersion:      getEnv("ENCODER_VERSION", ""),
		EncoderWorkers:      getEnvInt("ENCODER_WORKERS", max(1, runtime.NumCPU()/2)),
		EmbeddingCacheDir:   getEnv("EMBEDDING_CACHE_DIR", ""),
		EmbeddingCacheTTL:   getEnvDuration("EMBEDDING_CACHE_TTL", 0),
		ModelDir:            getEnv("MODEL_DIR", "models"),

		// OpenAI
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		// Vertex AI
		GCPProjectID: getEnv("GCP_PROJECT_ID", ""),
		GCPLocation:  getEnv("GCP_LOCATION", "us-central1"),
		VertexModel:  getEnv("VERTEX_MODEL", "text-embedding-005"),

		// ANN
		IndexDir:   getEnv("INDEX_DIR", "index"),
		ANNEnabled: getEnvBool("ANN_ENABLED", true),
		ANNProbe:   getEnvInt("ANN_NPROBE", 0),
	}
}

// Version identifies the encoder that produced query embeddings. ANN artifacts
// record it and are rejected when it changes.
func (c *Config) Version() string {
	if c.EncoderVersion != "" {
		return c.EncoderVersion
	}
	model := c.EmbeddingModel
	if c.EmbeddingProvider == "vertex" {
		model = c.VertexModel
	}
	return c.EmbeddingProvider + ":" + model
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return i
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return defaultValue
		}
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return d
	}
	return defaultValue
}
