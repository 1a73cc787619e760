package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	apiconfig "github.com/qh-search-api/internal/config"
	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/internal/repository/memory"
	"github.com/qh-search-api/internal/repository/postgres"
	"github.com/qh-search-api/internal/repository/vertex"
	"github.com/qh-search-api/internal/services"
	"github.com/qh-search-api/pkg/schema/ann"
	"github.com/qh-search-api/pkg/schema/config"
	"github.com/qh-search-api/pkg/schema/corpus"
)

// IndexSlot is a corpus served through a reloadable local ANN index.
type IndexSlot struct {
	Corpus corpus.Kind
	Holder *ann.Holder
	Dir    string
	Expect ann.Expect
}

// Retrievers is the retrieval wiring for every loaded corpus.
type Retrievers struct {
	Corpora []services.Corpus
	Slots   []IndexSlot
	closers []io.Closer
}

// Close releases remote clients.
func (r *Retrievers) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Reload re-reads every slot's artifact. A slot whose artifact fails to load
// keeps serving what it had.
func (r *Retrievers) Reload(logger *zap.Logger) {
	for _, slot := range r.Slots {
		ix, err := slot.Holder.Reload(slot.Dir, slot.Expect)
		if err != nil {
			logger.Warn("Index reload failed, keeping current index",
				zap.String("corpus", slot.Corpus.String()), zap.Error(err))
			continue
		}
		logger.Info("Index reloaded",
			zap.String("corpus", slot.Corpus.String()),
			zap.Int("nlist", ix.Manifest().NList),
			zap.Int("count", ix.Len()),
		)
	}
}

// BuildRetrievers picks the retriever of every corpus from VECTOR_BACKEND.
// fallback (labels corpus, reason) may be nil.
func BuildRetrievers(ctx context.Context, api *apiconfig.Config, cfg *config.Config, c *Corpora, fallback *prometheus.CounterVec, logger *zap.Logger) (*Retrievers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := &Retrievers{}

	for _, store := range c.Stores {
		var (
			r   repository.Retriever
			err error
		)
		switch api.VectorBackend {
		case "scan":
			r = memory.NewScanRetriever(store)
		case "ann", "":
			r = out.indexRetriever(cfg, store, fallback, logger)
		case "pgvector":
			if c.Postgres == nil {
				return nil, errors.New("pgvector backend needs CORPUS_BACKEND=postgres")
			}
			r = postgres.NewVectorSearchRepository(c.Postgres, store)
		case "vertex":
			r, err = out.vertexRetriever(ctx, api, store, logger)
		default:
			err = fmt.Errorf("unknown vector backend %q", api.VectorBackend)
		}
		if err != nil {
			out.Close()
			return nil, err
		}

		logger.Info("Retriever selected",
			zap.String("corpus", store.Kind().String()),
			zap.String("retriever", r.Name()),
		)
		out.Corpora = append(out.Corpora, services.Corpus{Store: store, Retriever: r})
	}
	return out, nil
}

// indexRetriever loads the local artifact. Any load failure degrades the
// corpus to a full scan instead of refusing to serve it.
func (r *Retrievers) indexRetriever(cfg *config.Config, store *corpus.Store, fallback *prometheus.CounterVec, logger *zap.Logger) repository.Retriever {
	kind := store.Kind()
	if !cfg.ANNEnabled {
		logger.Info("ANN disabled, serving by full scan", zap.String("corpus", kind.String()))
		return memory.NewScanRetriever(store)
	}

	slot := IndexSlot{
		Corpus: kind,
		Holder: ann.NewHolder(nil),
		Dir:    IndexDir(cfg, kind),
		Expect: Expectation(cfg, store),
	}

	ix, err := ann.Load(slot.Dir, slot.Expect)
	if err != nil {
		reason := "corrupt"
		switch {
		case errors.Is(err, ann.ErrIndexVersionMismatch):
			reason = "mismatch"
		case errors.Is(err, fs.ErrNotExist):
			reason = "missing"
		}
		if fallback != nil {
			fallback.WithLabelValues(kind.String(), reason).Inc()
		}
		logger.Warn("ANN index unavailable, serving by full scan",
			zap.String("corpus", kind.String()),
			zap.String("dir", slot.Dir),
			zap.String("reason", reason),
			zap.Error(err),
		)
	} else {
		slot.Holder.Swap(ix)
		logger.Info("ANN index loaded",
			zap.String("corpus", kind.String()),
			zap.Int("nlist", ix.Manifest().NList),
			zap.String("encoder_version", ix.Manifest().EncoderVersion),
		)
	}

	r.Slots = append(r.Slots, slot)
	return memory.NewIndexRetriever(store, slot.Holder, cfg.ANNProbe, fallback, logger)
}

func (r *Retrievers) vertexRetriever(ctx context.Context, api *apiconfig.Config, store *corpus.Store, logger *zap.Logger) (repository.Retriever, error) {
	deployed := api.VertexQuranDeployedIndex
	if store.Kind() == corpus.KindHadith {
		deployed = api.VertexHadithDeployedIndex
	}
	if deployed == "" {
		logger.Warn("No deployed Vertex index for corpus, serving by full scan",
			zap.String("corpus", store.Kind().String()))
		return memory.NewScanRetriever(store), nil
	}

	repo, err := vertex.NewVectorSearchRepository(ctx, vertex.Config{
		ProjectID:            api.VertexProjectID,
		Location:             api.VertexLocation,
		IndexEndpointID:      api.VertexIndexEndpointID,
		DeployedIndexID:      deployed,
		PublicEndpointDomain: api.VertexPublicEndpointDomain,
	}, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI vector repository: %w", err)
	}
	r.closers = append(r.closers, repo)
	return repo, nil
}
