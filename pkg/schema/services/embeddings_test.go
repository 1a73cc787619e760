package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qh-search-api/pkg/schema/cache"
	"github.com/qh-search-api/pkg/schema/config"
)

// fakeEmbedder returns a vector derived from the text length.
type fakeEmbedder struct {
	mu       sync.Mutex
	dim      int
	err      error
	texts    []string
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeEmbedder) vector(text string) []float32 {
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = float32(len(text) + i)
	}
	return v
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string, _ TaskType) ([]float32, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.vector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, taskType TaskType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t, taskType)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newService(t *testing.T, e Embedder, opts Options) *EmbeddingsService {
	t.Helper()
	s, err := NewEmbeddingsService(e, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEmbedQuery(t *testing.T) {
	t.Run("returns a vector of the configured dimension", func(t *testing.T) {
		f := &fakeEmbedder{dim: 4}
		s := newService(t, f, Options{Dimension: 4, Workers: 2, Version: "fake:1"})

		vec, err := s.EmbedQuery(context.Background(), "  patience in hardship ")
		require.NoError(t, err)
		assert.Len(t, vec, 4)
		assert.Equal(t, []string{"patience in hardship"}, f.texts)
		assert.Equal(t, "fake:1", s.Version())
	})

	t.Run("same text gives the same vector", func(t *testing.T) {
		s := newService(t, &fakeEmbedder{dim: 3}, Options{Dimension: 3})
		a, err := s.EmbedQuery(context.Background(), "mercy")
		require.NoError(t, err)
		b, err := s.EmbedQuery(context.Background(), "mercy")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("empty text", func(t *testing.T) {
		f := &fakeEmbedder{dim: 3}
		s := newService(t, f, Options{Dimension: 3})
		_, err := s.EmbedQuery(context.Background(), " \t\n")
		assert.ErrorIs(t, err, ErrEmptyText)
		assert.ErrorIs(t, err, ErrEncoding)
		assert.Zero(t, f.calls.Load())
	})

	t.Run("long text is truncated, not rejected", func(t *testing.T) {
		f := &fakeEmbedder{dim: 3}
		s := newService(t, f, Options{Dimension: 3, MaxTokens: 5})
		long := strings.Repeat("word ", 1000)
		_, err := s.EmbedQuery(context.Background(), long)
		require.NoError(t, err)
		require.Len(t, f.texts, 1)
		assert.Equal(t, "word word word word word", f.texts[0])
	})

	t.Run("wrong dimension", func(t *testing.T) {
		s := newService(t, &fakeEmbedder{dim: 5}, Options{Dimension: 384})
		_, err := s.EmbedQuery(context.Background(), "text")
		assert.ErrorIs(t, err, ErrEncoderUnavailable)
	})

	t.Run("backend failure", func(t *testing.T) {
		boom := errors.New("connection refused")
		s := newService(t, &fakeEmbedder{dim: 3, err: boom}, Options{Dimension: 3})
		_, err := s.EmbedQuery(context.Background(), "text")
		assert.ErrorIs(t, err, ErrEncoderUnavailable)
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrEmptyText)
	})

	t.Run("observes latency", func(t *testing.T) {
		latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_latency"}, []string{"task"})
		s := newService(t, &fakeEmbedder{dim: 3}, Options{Dimension: 3, Latency: latency})
		_, err := s.EmbedQuery(context.Background(), "text")
		require.NoError(t, err)
		assert.Equal(t, 1, testutil.CollectAndCount(latency))
	})
}

func TestEmbedQueryBoundedConcurrency(t *testing.T) {
	f := &fakeEmbedder{dim: 2, delay: 5 * time.Millisecond}
	s := newService(t, f, Options{Dimension: 2, Workers: 2})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.EmbedQuery(context.Background(), "concurrent")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(16), f.calls.Load())
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
}

func TestEmbedDocuments(t *testing.T) {
	f := &fakeEmbedder{dim: 2}
	s := newService(t, f, Options{Dimension: 2})

	vecs, err := s.EmbedDocuments(context.Background(), []string{"a", "bbb", "cc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(3), vecs[1][0])
	assert.Equal(t, float32(2), vecs[2][0])

	_, err = s.EmbedDocuments(context.Background(), []string{"ok", ""})
	assert.ErrorIs(t, err, ErrEmptyText)

	vecs, err = s.EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestCachedEmbedder(t *testing.T) {
	store, err := cache.Open(cache.InMemory, 0, nil)
	require.NoError(t, err)
	defer store.Close()

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cache_total"}, []string{"result"})
	f := &fakeEmbedder{dim: 3}
	c := NewCachedEmbedder(f, store, "fake:1", counter, nil)
	ctx := context.Background()

	first, err := c.Embed(ctx, "charity", TaskTypeQuery)
	require.NoError(t, err)
	second, err := c.Embed(ctx, "charity", TaskTypeQuery)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("miss")))

	t.Run("task type is part of the key", func(t *testing.T) {
		_, err := c.Embed(ctx, "charity", TaskTypeDocument)
		require.NoError(t, err)
		assert.Equal(t, int32(2), f.calls.Load())
	})

	t.Run("batch only embeds misses, in order", func(t *testing.T) {
		before := f.calls.Load()
		vecs, err := c.EmbedBatch(ctx, []string{"charity", "fasting", "pilgrimage"}, TaskTypeQuery)
		require.NoError(t, err)
		require.Len(t, vecs, 3)
		assert.Equal(t, first, vecs[0])
		assert.Equal(t, f.vector("fasting"), vecs[1])
		assert.Equal(t, f.vector("pilgrimage"), vecs[2])
		assert.Equal(t, before+2, f.calls.Load())
	})

	t.Run("encoder version is part of the key", func(t *testing.T) {
		other := NewCachedEmbedder(f, store, "fake:2", nil, nil)
		before := f.calls.Load()
		_, err := other.Embed(ctx, "charity", TaskTypeQuery)
		require.NoError(t, err)
		assert.Equal(t, before+1, f.calls.Load())
	})
}

func TestCustomEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embed":
			var req customEmbeddingRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Contains(t, req.Instruction, "question")
			_ = json.NewEncoder(w).Encode(customEmbeddingResponse{Embedding: []float32{0.1, 0.2}})
		case "/embed/batch":
			var req customBatchEmbeddingRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			out := customBatchEmbeddingResponse{}
			for range req.Texts {
				out.Embeddings = append(out.Embeddings, []float32{1, 0})
			}
			_ = json.NewEncoder(w).Encode(out)
		default:
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	e := NewCustomEmbedder(&config.Config{EmbeddingServiceURL: srv.URL})
	ctx := context.Background()

	vec, err := e.Embed(ctx, "who is most deserving of kindness", TaskTypeQuery)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)

	vecs, err := e.EmbedBatch(ctx, []string{"a", "b"}, TaskTypeDocument)
	require.NoError(t, err)
	assert.Len(t, vecs, 2)

	broken := NewCustomEmbedder(&config.Config{EmbeddingServiceURL: srv.URL + "/missing"})
	_, err = broken.Embed(ctx, "x", TaskTypeQuery)
	assert.ErrorContains(t, err, "503")
}

func TestNewEmbeddingsServiceFromConfig(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewEmbeddingsServiceFromConfig(context.Background(), &config.Config{EmbeddingProvider: "word2vec"}, Metrics{}, nil)
		assert.Error(t, err)
	})

	t.Run("openai requires a key", func(t *testing.T) {
		_, err := NewEmbeddingsServiceFromConfig(context.Background(), &config.Config{EmbeddingProvider: "openai"}, Metrics{}, nil)
		assert.Error(t, err)
	})

	t.Run("custom with in-memory cache", func(t *testing.T) {
		cfg := &config.Config{
			EmbeddingProvider:   "custom",
			EmbeddingModel:      "bge-small",
			EmbeddingServiceURL: "http://127.0.0.1:0",
			EmbeddingDimensions: 384,
			EncoderWorkers:      1,
			EmbeddingCacheDir:   cache.InMemory,
		}
		s, err := NewEmbeddingsServiceFromConfig(context.Background(), cfg, Metrics{}, nil)
		require.NoError(t, err)
		assert.Equal(t, "custom:bge-small", s.Version())
		assert.Equal(t, 384, s.Dimension())
		assert.NoError(t, s.Close())
	})
}
