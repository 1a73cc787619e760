package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/qh-search-api/internal/models"
	"github.com/qh-search-api/internal/services"
	"github.com/qh-search-api/pkg/schema/corpus"
	pkgservices "github.com/qh-search-api/pkg/schema/services"
)

// Default result counts when a request omits them.
const (
	defaultUnifiedTopN = 10
	defaultCorpusTopN  = 5
	defaultBrowseLimit = 20
)

// statusClientClosedRequest is the nginx status for a client that went away.
const statusClientClosedRequest = 499

// SearchHandler handles search endpoints
type SearchHandler struct {
	vectorSearch *services.VectorSearchService
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(vectorSearch *services.VectorSearchService) *SearchHandler {
	return &SearchHandler{
		vectorSearch: vectorSearch,
	}
}

// UnifiedSearch handles POST /search/unified - one list merged across both corpora
func (h *SearchHandler) UnifiedSearch(c echo.Context) error {
	var req models.UnifiedSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Query is required")
	}

	res, err := h.vectorSearch.Search(c.Request().Context(), models.Query{
		Text:          req.Query,
		TopN:          intOr(req.TopN, defaultUnifiedTopN),
		IncludeQuran:  boolOr(req.IncludeQuran, true),
		IncludeHadith: boolOr(req.IncludeHadith, true),
		Collection:    optional(req.Collection),
		Topic:         optional(req.Topic),
		Mode:          parseMode(req.Mode),
	})
	if err != nil {
		return searchError(err)
	}
	return c.JSON(http.StatusOK, searchResponse(req.Query, res))
}

// QuranSearch handles POST /search/quran
func (h *SearchHandler) QuranSearch(c echo.Context) error {
	return h.corpusSearch(c, corpus.KindQuran)
}

// HadithSearch handles POST /search/hadith
func (h *SearchHandler) HadithSearch(c echo.Context) error {
	return h.corpusSearch(c, corpus.KindHadith)
}

func (h *SearchHandler) corpusSearch(c echo.Context, kind corpus.Kind) error {
	var req models.CorpusSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Query is required")
	}

	res, err := h.vectorSearch.SearchCorpus(c.Request().Context(), kind, models.Query{
		Text:       req.Query,
		TopN:       intOr(req.TopN, defaultCorpusTopN),
		Collection: optional(req.Collection),
		Topic:      optional(req.Topic),
		Mode:       parseMode(req.Mode),
	})
	if err != nil {
		return searchError(err)
	}
	return c.JSON(http.StatusOK, searchResponse(req.Query, res))
}

// SeparateSearch handles POST /search/all - independent lists per corpus
func (h *SearchHandler) SeparateSearch(c echo.Context) error {
	var req models.SeparateSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Query is required")
	}

	res, err := h.vectorSearch.SearchSeparate(c.Request().Context(), req.Query,
		intOr(req.QuranResults, defaultCorpusTopN),
		intOr(req.HadithResults, defaultCorpusTopN),
		req.Collection,
	)
	if err != nil {
		return searchError(err)
	}
	return c.JSON(http.StatusOK, models.SeparateSearchResponse{
		Query:  req.Query,
		Quran:  res.Quran,
		Hadith: res.Hadith,
		Reason: res.Reason,
	})
}

// RegisterRoutes registers search routes
func (h *SearchHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/search/unified", h.UnifiedSearch)
	g.POST("/search/quran", h.QuranSearch)
	g.POST("/search/hadith", h.HadithSearch)
	g.POST("/search/all", h.SeparateSearch)
}

func searchResponse(query string, res *models.SearchResult) models.SearchResponse {
	return models.SearchResponse{
		Query:   query,
		Count:   len(res.Results),
		Results: res.Results,
		Reason:  res.Reason,
	}
}

// searchError maps core errors to HTTP status codes. Context errors are
// checked first: the encoder wraps them when a request times out waiting for it.
func searchError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "Search timed out")
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(statusClientClosedRequest, "Request canceled")
	case errors.Is(err, pkgservices.ErrEmptyText):
		return echo.NewHTTPError(http.StatusBadRequest, "Query is required")
	case errors.Is(err, corpus.ErrPassageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pkgservices.ErrEncoding):
		return echo.NewHTTPError(http.StatusBadGateway, "Encoding failed: "+err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Search failed: "+err.Error())
	}
}

func parseMode(mode string) models.Mode {
	return models.Mode(strings.ToLower(strings.TrimSpace(mode)))
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
