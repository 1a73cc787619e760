package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/qh-search-api/internal/models"
	"github.com/qh-search-api/internal/services"
	"github.com/qh-search-api/pkg/schema/corpus"
)

// PassageHandler handles catalog and similarity endpoints
type PassageHandler struct {
	vectorSearch *services.VectorSearchService
}

// NewPassageHandler creates a new passage handler
func NewPassageHandler(vectorSearch *services.VectorSearchService) *PassageHandler {
	return &PassageHandler{vectorSearch: vectorSearch}
}

// Similar handles GET /hadith/:id/similar?top_n=
func (h *PassageHandler) Similar(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid hadith id")
	}
	topN, err := queryTopN(c, defaultCorpusTopN)
	if err != nil {
		return err
	}

	res, err := h.vectorSearch.FindSimilar(c.Request().Context(), id, topN)
	if err != nil {
		return searchError(err)
	}
	return c.JSON(http.StatusOK, models.SimilarResponse{
		HadithID: id,
		Count:    len(res.Results),
		Results:  res.Results,
		Reason:   res.Reason,
	})
}

// Topics handles GET /hadith/topics
func (h *PassageHandler) Topics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"topics": h.vectorSearch.Topics()})
}

// Collections handles GET /hadith/collections
func (h *PassageHandler) Collections(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"collections": h.vectorSearch.Collections()})
}

// ByTopic handles GET /hadith/topic/:topic?top_n=
func (h *PassageHandler) ByTopic(c echo.Context) error {
	topic := pathValue(c, "topic")
	if topic == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Topic is required")
	}
	limit, err := queryTopN(c, defaultBrowseLimit)
	if err != nil {
		return err
	}
	res := h.vectorSearch.HadithsByTopic(topic, limit)
	return c.JSON(http.StatusOK, models.BrowseResponse{
		Topic:   topic,
		Count:   len(res.Results),
		Results: res.Results,
		Reason:  res.Reason,
	})
}

// ByCollection handles GET /hadith/collection/:collection?top_n=
func (h *PassageHandler) ByCollection(c echo.Context) error {
	collection := pathValue(c, "collection")
	if collection == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Collection is required")
	}
	limit, err := queryTopN(c, defaultBrowseLimit)
	if err != nil {
		return err
	}
	res := h.vectorSearch.HadithsByCollection(collection, limit)
	return c.JSON(http.StatusOK, models.BrowseResponse{
		Collection: collection,
		Count:      len(res.Results),
		Results:    res.Results,
		Reason:     res.Reason,
	})
}

// Passage handles GET /quran/:id and GET /hadith/:id
func (h *PassageHandler) Passage(kind corpus.Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid id")
		}
		p, err := h.vectorSearch.Passage(kind, id)
		if err != nil {
			return searchError(err)
		}
		return c.JSON(http.StatusOK, p)
	}
}

// RegisterRoutes registers catalog routes
func (h *PassageHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/hadith/topics", h.Topics)
	g.GET("/hadith/collections", h.Collections)
	g.GET("/hadith/topic/:topic", h.ByTopic)
	g.GET("/hadith/collection/:collection", h.ByCollection)
	g.GET("/hadith/:id/similar", h.Similar)
	g.GET("/hadith/:id", h.Passage(corpus.KindHadith))
	g.GET("/quran/:id", h.Passage(corpus.KindQuran))
}

// queryTopN reads the optional top_n query parameter.
func queryTopN(c echo.Context, def int) (int, error) {
	raw := c.QueryParam("top_n")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid top_n")
	}
	return n, nil
}

// pathValue returns the unescaped, trimmed path parameter name.
func pathValue(c echo.Context, name string) string {
	raw := c.Param(name)
	if v, err := url.PathUnescape(raw); err == nil {
		raw = v
	}
	return strings.TrimSpace(raw)
}
