// Package memory retrieves candidates from the in-memory corpus store, either
// by exact scan or through a loaded ANN index.
package memory

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/pkg/schema/ann"
	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/ranker"
)

var (
	_ repository.Retriever = (*ScanRetriever)(nil)
	_ repository.Retriever = (*IndexRetriever)(nil)
)

// ScanRetriever scores every passage. It is exact.
type ScanRetriever struct {
	store *corpus.Store
}

// NewScanRetriever creates a full-scan retriever over store
func NewScanRetriever(store *corpus.Store) *ScanRetriever {
	return &ScanRetriever{store: store}
}

func (r *ScanRetriever) Name() string { return "scan" }

// Retrieve ranks every passage passing filter.
func (r *ScanRetriever) Retrieve(ctx context.Context, query []float32, k int, filter repository.Filter) ([]ranker.Scored, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ranker.ErrInvalidTopN, k)
	}
	if len(query) != r.store.Dimension() {
		return nil, fmt.Errorf("%w: query has %d dims, %s corpus has %d",
			ranker.ErrDimensionMismatch, len(query), r.store.Kind(), r.store.Dimension())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scorer := ranker.NewScorer(query)
	top := ranker.NewCollector(k)
	passages := r.store.Passages()
	for i := range passages {
		p := &passages[i]
		if !filter.Match(p) {
			continue
		}
		top.Push(ranker.Scored{ID: p.ID, Score: scorer.Score(p.Embedding)})
	}
	return top.Results(), nil
}

// IndexRetriever queries the ANN index published in a holder and falls back
// to a full scan when no index is loaded or when a filtered query comes back
// short.
type IndexRetriever struct {
	store    *corpus.Store
	holder   *ann.Holder
	nprobe   int
	scan     *ScanRetriever
	fallback *prometheus.CounterVec
	logger   *zap.Logger
}

// NewIndexRetriever creates an ANN retriever. nprobe 0 uses the index default.
// fallback (labels corpus, reason) may be nil.
func NewIndexRetriever(store *corpus.Store, holder *ann.Holder, nprobe int, fallback *prometheus.CounterVec, logger *zap.Logger) *IndexRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexRetriever{
		store:    store,
		holder:   holder,
		nprobe:   nprobe,
		scan:     NewScanRetriever(store),
		fallback: fallback,
		logger:   logger,
	}
}

func (r *IndexRetriever) Name() string { return "ann" }

// Accelerated reports whether an index is currently loaded.
func (r *IndexRetriever) Accelerated() bool { return r.holder.Get() != nil }

// Retrieve answers from the index when possible.
func (r *IndexRetriever) Retrieve(ctx context.Context, query []float32, k int, filter repository.Filter) ([]ranker.Scored, error) {
	ix := r.holder.Get()
	if ix == nil {
		r.countFallback("no_index")
		return r.scan.Retrieve(ctx, query, k, filter)
	}

	results, err := ix.Search(query, k, r.nprobe, filter.Keep(r.store))
	if err != nil {
		return nil, err
	}
	// Sparse filters can leave the probed lists short; the scan is exact.
	if len(results) < k && len(results) < r.store.Len() {
		r.countFallback("short")
		return r.scan.Retrieve(ctx, query, k, filter)
	}
	return results, nil
}

func (r *IndexRetriever) countFallback(reason string) {
	if r.fallback != nil {
		r.fallback.WithLabelValues(r.store.Kind().String(), reason).Inc()
	}
	r.logger.Debug("ANN fallback to full scan",
		zap.String("corpus", r.store.Kind().String()), zap.String("reason", reason))
}
