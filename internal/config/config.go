package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all application configuration
type Config struct {
	// API Settings
	APITitle       string
	APIVersion     string
	APIPrefix      string
	Port           string
	Env            string
	LogLevel       string
	RequestTimeout time.Duration

	// CORS
	CORSOrigins []string

	// Retrieval backend: "ann" (local index, scan fallback), "scan", "pgvector" or "vertex"
	VectorBackend string

	// Vertex AI Vector Search settings (used when VectorBackend = "vertex")
	VertexProjectID            string
	VertexLocation             string
	VertexIndexEndpointID      string
	VertexQuranDeployedIndex   string
	VertexHadithDeployedIndex  string
	VertexPublicEndpointDomain string
	VertexQuranIndexID         string // used by the indexer to upsert
	VertexHadithIndexID        string
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
		APITitle:       getEnv("API_TITLE", "Quran & Hadith Search API"),
		APIVersion:     getEnv("API_VERSION", "1.0.0"),
		APIPrefix:      getEnv("API_PREFIX", "/api/v1"),
		Port:           getEnv("PORT", "8081"),
		Env:            getEnv("ENV", "local"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
		CORSOrigins:    parseCORSOrigins(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),

		VectorBackend: getEnv("VECTOR_BACKEND", "ann"),

		// Vertex AI settings
		VertexProjectID:            getEnv("VERTEX_PROJECT_ID", ""),
		VertexLocation:             getEnv("VERTEX_LOCATION", "us-central1"),
		VertexIndexEndpointID:      getEnv("VERTEX_INDEX_ENDPOINT_ID", ""),
		VertexQuranDeployedIndex:   getEnv("VERTEX_QURAN_DEPLOYED_INDEX_ID", ""),
		VertexHadithDeployedIndex:  getEnv("VERTEX_HADITH_DEPLOYED_INDEX_ID", ""),
		VertexPublicEndpointDomain: getEnv("VERTEX_PUBLIC_ENDPOINT_DOMAIN", ""),
		VertexQuranIndexID:         getEnv("VERTEX_QURAN_INDEX_ID", ""),
		VertexHadithIndexID:        getEnv("VERTEX_HADITH_INDEX_ID", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are seconds.
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func parseCORSOrigins(value string) []string {
	var origins []string
	if err := json.Unmarshal([]byte(value), &origins); err == nil {
		return origins
	}
	parts := strings.Split(value, ",")
	origins = make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
