package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "")
	t.Setenv("ENCODER_VERSION", "")
	t.Setenv("EMBEDDING_DIMENSIONS", "")
	t.Setenv("EMBEDDING_MODEL", "")
	t.Setenv("ANN_ENABLED", "")

	cfg := loadConfig()
	assert.Equal(t, "local", cfg.EmbeddingProvider)
	assert.Equal(t, 384, cfg.EmbeddingDimensions)
	assert.Equal(t, 256, cfg.EmbeddingMaxTokens)
	assert.Equal(t, "Saheeh International", cfg.QuranTranslation)
	assert.GreaterOrEqual(t, cfg.EncoderWorkers, 1)
	assert.True(t, cfg.ANNEnabled)
	assert.Equal(t, "local:sentence-transformers/all-MiniLM-L6-v2", cfg.Version())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "vertex")
	t.Setenv("VERTEX_MODEL", "text-embedding-005")
	t.Setenv("EMBEDDING_DIMENSIONS", "not-a-number")
	t.Setenv("ANN_ENABLED", "false")
	t.Setenv("EMBEDDING_CACHE_TTL", "90m")
	t.Setenv("ENCODER_VERSION", "")

	cfg := loadConfig()
	assert.Equal(t, 384, cfg.EmbeddingDimensions, "invalid ints fall back to the default")
	assert.False(t, cfg.ANNEnabled)
	assert.Equal(t, 90*time.Minute, cfg.EmbeddingCacheTTL)
	assert.Equal(t, "vertex:text-embedding-005", cfg.Version())

	t.Setenv("ENCODER_VERSION", "minilm-v2")
	assert.Equal(t, "minilm-v2", loadConfig().Version())
}
