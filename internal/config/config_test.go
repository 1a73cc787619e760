package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadConfig()

	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, "ann", cfg.VectorBackend)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "vertex")
	t.Setenv("REQUEST_TIMEOUT", "3")
	t.Setenv("CORS_ORIGINS", `["https://example.org"]`)
	t.Setenv("VERTEX_HADITH_DEPLOYED_INDEX_ID", "hadith_v2")

	cfg := loadConfig()

	assert.Equal(t, "vertex", cfg.VectorBackend)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, []string{"https://example.org"}, cfg.CORSOrigins)
	assert.Equal(t, "hadith_v2", cfg.VertexHadithDeployedIndex)
}

func TestParseCORSOrigins(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseCORSOrigins(" a, ,b "))
	assert.Empty(t, parseCORSOrigins(""))
}
