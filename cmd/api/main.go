package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qh-search-api/internal/bootstrap"
	"github.com/qh-search-api/internal/config"
	"github.com/qh-search-api/internal/handlers"
	"github.com/qh-search-api/internal/logger"
	"github.com/qh-search-api/internal/metrics"
	"github.com/qh-search-api/internal/middleware"
	"github.com/qh-search-api/internal/services"
	pkgconfig "github.com/qh-search-api/pkg/schema/config"
	pkgservices "github.com/qh-search-api/pkg/schema/services"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Get configuration
	cfg := config.GetConfig()
	libCfg := pkgconfig.GetConfig()

	log, err := logger.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		stdlog.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, libCfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, libCfg *pkgconfig.Config, log *zap.Logger) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Corpora are loaded before the port is bound; a failure stops startup.
	ctx := context.Background()
	corpora, err := bootstrap.LoadCorpora(ctx, libCfg, cfg.VectorBackend == "pgvector", log)
	if err != nil {
		return err
	}
	defer corpora.Close()
	for _, s := range corpora.Stores {
		metrics.CorpusPassages.WithLabelValues(s.Kind().String()).Set(float64(s.Len()))
	}

	embeddings, err := pkgservices.NewEmbeddingsServiceFromConfig(ctx, libCfg, pkgservices.Metrics{
		CacheTotal: metrics.EmbeddingCacheTotal,
		Latency:    metrics.EmbeddingDuration,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize embeddings service: %w", err)
	}
	defer embeddings.Close()
	if err := corpora.CheckDimension(embeddings.Dimension()); err != nil {
		return err
	}

	retrievers, err := bootstrap.BuildRetrievers(ctx, cfg, libCfg, corpora, metrics.ANNFallbackTotal, log)
	if err != nil {
		return err
	}
	defer retrievers.Close()

	vectorSearchSvc, err := services.NewVectorSearchService(embeddings, retrievers.Corpora, services.Options{
		Logger:     log.Named("search"),
		Requests:   metrics.SearchRequestsTotal,
		Duration:   metrics.SearchDuration,
		Retrievals: metrics.RetrievalTotal,
	})
	if err != nil {
		return err
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(echomiddleware.RequestID())
	e.Use(middleware.RequestLogger(log.Named("http")))
	e.Use(echomiddleware.Recover())
	e.Use(middleware.CORSMiddleware(cfg.CORSOrigins))
	e.Use(metrics.Middleware())
	e.Use(echomiddleware.ContextTimeout(cfg.RequestTimeout))

	// Create API group with prefix
	api := e.Group(cfg.APIPrefix)

	// Register handlers
	handlers.NewHealthHandler(vectorSearchSvc).RegisterRoutes(api)
	handlers.NewSearchHandler(vectorSearchSvc).RegisterRoutes(api)
	handlers.NewPassageHandler(vectorSearchSvc).RegisterRoutes(api)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Root health check
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"name":            cfg.APITitle,
			"version":         cfg.APIVersion,
			"encoder_version": embeddings.Version(),
			"status":          "running",
		})
	})

	// Start server
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		log.Info("Starting server",
			zap.String("name", cfg.APITitle),
			zap.String("version", cfg.APIVersion),
			zap.String("addr", addr),
			zap.String("encoder_version", embeddings.Version()),
		)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// SIGHUP swaps in rebuilt index artifacts; SIGINT/SIGTERM shut down.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-hup:
			log.Info("Reloading ANN indexes")
			retrievers.Reload(log)
		case err := <-errCh:
			return fmt.Errorf("server stopped: %w", err)
		case <-quit:
			log.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				log.Error("Error shutting down server", zap.Error(err))
			}
			log.Info("Server stopped")
			return nil
		}
	}
}
