package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qh-search-api/pkg/schema/cache"
	"github.com/qh-search-api/pkg/schema/config"
)

// Options configures an EmbeddingsService.
type Options struct {
	// Dimension every vector must have. Zero disables the check.
	Dimension int
	// MaxTokens truncates input to this many whitespace-separated tokens. Zero disables it.
	MaxTokens int
	// Workers bounds concurrent encoder calls. Default 1.
	Workers int
	// Version identifies the encoder for cache keys and index artifacts.
	Version string
	// Latency observes encoder calls, labelled by task. May be nil.
	Latency *prometheus.HistogramVec
	Logger  *zap.Logger
}

// Metrics are the collectors handed to NewEmbeddingsServiceFromConfig.
type Metrics struct {
	CacheTotal *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
}

// EmbeddingsService validates text and runs a pluggable embedding backend on a
// bounded worker pool
type EmbeddingsService struct {
	embedder  Embedder
	pool      *ants.Pool
	dimension int
	maxTokens int
	version   string
	latency   *prometheus.HistogramVec
	logger    *zap.Logger
	closers   []io.Closer
}

// NewEmbeddingsService wraps embedder.
func NewEmbeddingsService(embedder Embedder, opts Options) (*EmbeddingsService, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	pool, err := ants.NewPool(max(1, opts.Workers))
	if err != nil {
		return nil, fmt.Errorf("create encoder pool: %w", err)
	}
	return &EmbeddingsService{
		embedder:  embedder,
		pool:      pool,
		dimension: opts.Dimension,
		maxTokens: opts.MaxTokens,
		version:   opts.Version,
		latency:   opts.Latency,
		logger:    opts.Logger,
	}, nil
}

// NewEmbeddingsServiceFromConfig selects the backend named by EMBEDDING_PROVIDER
// and puts the optional badger cache in front of it.
func NewEmbeddingsServiceFromConfig(ctx context.Context, cfg *config.Config, m Metrics, logger *zap.Logger) (*EmbeddingsService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var embedder Embedder
	switch cfg.EmbeddingProvider {
	case "vertex":
		var err error
		embedder, err = NewVertexEmbedder(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vertex AI embedder: %w", err)
		}
	case "openai":
		var err error
		embedder, err = NewOpenAIEmbedder(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
	case "custom":
		embedder = NewCustomEmbedder(cfg)
	case "local", "":
		embedder = NewLocalEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	var closers []io.Closer
	if c, ok := embedder.(io.Closer); ok {
		closers = append(closers, c)
	}

	if cfg.EmbeddingCacheDir != "" {
		store, err := cache.Open(cfg.EmbeddingCacheDir, cfg.EmbeddingCacheTTL, logger)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		closers = append(closers, store)
		embedder = NewCachedEmbedder(embedder, store, cfg.Version(), m.CacheTotal, logger)
		logger.Info("Embedding cache enabled", zap.String("dir", cfg.EmbeddingCacheDir))
	}

	svc, err := NewEmbeddingsService(embedder, Options{
		Dimension: cfg.EmbeddingDimensions,
		MaxTokens: cfg.EmbeddingMaxTokens,
		Workers:   cfg.EncoderWorkers,
		Version:   cfg.Version(),
		Latency:   m.Latency,
		Logger:    logger,
	})
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	svc.closers = closers
	return svc, nil
}

// Version identifies the encoder.
func (s *EmbeddingsService) Version() string { return s.version }

// Dimension is the enforced output dimension, or 0.
func (s *EmbeddingsService) Dimension() int { return s.dimension }

// EmbedQuery embeds a search query for retrieval
func (s *EmbeddingsService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	text, err := s.prepare(query)
	if err != nil {
		return nil, err
	}

	var vec []float32
	err = s.run(ctx, TaskTypeQuery, func() error {
		var err error
		vec, err = s.embedder.Embed(ctx, text, TaskTypeQuery)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.checkDimension(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedDocuments embeds passages as documents, preserving order
func (s *EmbeddingsService) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	prepared := make([]string, len(texts))
	for i, t := range texts {
		p, err := s.prepare(t)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		prepared[i] = p
	}
	if len(prepared) == 0 {
		return [][]float32{}, nil
	}

	var vecs [][]float32
	err := s.run(ctx, TaskTypeDocument, func() error {
		var err error
		vecs, err = s.embedder.EmbedBatch(ctx, prepared, TaskTypeDocument)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(prepared) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEncoderUnavailable, len(vecs), len(prepared))
	}
	for i, v := range vecs {
		if err := s.checkDimension(v); err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
	}
	return vecs, nil
}

// Close releases the pool and backend resources.
func (s *EmbeddingsService) Close() error {
	s.pool.Release()
	return closeAll(s.closers)
}

// prepare trims text and truncates it to the token limit.
func (s *EmbeddingsService) prepare(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if s.maxTokens > 0 {
		if fields := strings.Fields(text); len(fields) > s.maxTokens {
			text = strings.Join(fields[:s.maxTokens], " ")
		}
	}
	return text, nil
}

// run executes fn on the pool and waits for it or for ctx.
func (s *EmbeddingsService) run(ctx context.Context, task TaskType, fn func() error) error {
	start := time.Now()
	done := make(chan error, 1)
	if err := s.pool.Submit(func() { done <- fn() }); err != nil {
		return fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if s.latency != nil {
		s.latency.WithLabelValues(string(task)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.Warn("Embedding failed", zap.String("task", string(task)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrEncoderUnavailable, err)
	}
	return nil
}

func (s *EmbeddingsService) checkDimension(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty embedding", ErrEncoderUnavailable)
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrEncoderUnavailable, len(vec), s.dimension)
	}
	return nil
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
