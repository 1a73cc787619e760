package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/qh-search-api/internal/models"
	"github.com/qh-search-api/internal/services"
)

// HealthHandler handles health and statistics endpoints
type HealthHandler struct {
	search *services.VectorSearchService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(search *services.VectorSearchService) *HealthHandler {
	return &HealthHandler{search: search}
}

// HealthResponse is the response for basic health check
type HealthResponse struct {
	Status  string `json:"status"`
	Corpora int    `json:"corpora"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Corpora: len(h.search.Stats()),
	})
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, models.StatsResponse{
		EncoderVersion: h.search.EncoderVersion(),
		Corpora:        h.search.Stats(),
	})
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/health", h.Health)
	g.GET("/stats", h.Stats)
}
