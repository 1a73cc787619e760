// Package ann implements the offline-built approximate nearest neighbor index
// used to accelerate corpus retrieval.
//
// The index is an inverted file (IVF-Flat): passages are partitioned by
// spherical k-means and a query only scores the members of the nprobe closest
// partitions. Members are scored exactly with the ranker's cosine, so scores
// are comparable with a full scan; only recall is approximate.
//
// An Index is immutable. It is bound to one corpus snapshot (corpus hash) and
// one encoder version, both recorded in its manifest and checked by Load.
package ann

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/ranker"
)

// FormatVersion is the on-disk layout version written to the manifest.
const FormatVersion = 1

var (
	// ErrIndexVersionMismatch signals an artifact built for another encoder,
	// corpus snapshot or layout. The caller must not serve from it.
	ErrIndexVersionMismatch = errors.New("index version mismatch")
	// ErrIndexCorrupt signals an unreadable or inconsistent artifact.
	ErrIndexCorrupt = errors.New("index artifact corrupt")
)

// Manifest describes an index artifact.
type Manifest struct {
	FormatVersion  int       `yaml:"format_version"`
	Corpus         string    `yaml:"corpus"`
	EncoderVersion string    `yaml:"encoder_version"`
	Dimension      int       `yaml:"dimension"`
	Count          int       `yaml:"count"`
	NList          int       `yaml:"nlist"`
	CorpusHash     string    `yaml:"corpus_hash"`
	BuiltAt        time.Time `yaml:"built_at"`
	// Checksum is the crc32 of the data file, set by Save.
	Checksum uint32 `yaml:"checksum"`
}

// BuildOptions tunes index construction. Zero values pick defaults.
type BuildOptions struct {
	// NList is the number of partitions. Default round(sqrt(N)).
	NList int
	// Iterations bounds the k-means refinement passes. Default 20.
	Iterations int
	// Seed makes the build reproducible.
	Seed uint64
}

// Index is a loaded, read-only IVF index.
type Index struct {
	manifest  Manifest
	centroids [][]float32
	lists     [][]uint32
	ids       []int64
	vectors   [][]float32
}

// Build partitions the store's embeddings. It is an offline operation.
func Build(store *corpus.Store, encoderVersion string, opts BuildOptions) (*Index, error) {
	if store == nil || store.Len() == 0 {
		return nil, fmt.Errorf("build index: empty corpus")
	}
	if encoderVersion == "" {
		return nil, fmt.Errorf("build index: encoder version is required")
	}

	n := store.Len()
	nlist := opts.NList
	if nlist <= 0 {
		nlist = int(math.Round(math.Sqrt(float64(n))))
	}
	nlist = max(1, min(nlist, n))
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = 20
	}

	ids := make([]int64, n)
	vectors := make([][]float32, n)
	for i, p := range store.Passages() {
		ids[i] = p.ID
		vectors[i] = p.Embedding
	}

	centroids, assign := sphericalKMeans(vectors, nlist, iterations, opts.Seed)

	lists := make([][]uint32, len(centroids))
	for i, c := range assign {
		lists[c] = append(lists[c], uint32(i))
	}

	return &Index{
		manifest: Manifest{
			FormatVersion:  FormatVersion,
			Corpus:         store.Kind().String(),
			EncoderVersion: encoderVersion,
			Dimension:      store.Dimension(),
			Count:          n,
			NList:          len(centroids),
			CorpusHash:     store.Hash(),
			BuiltAt:        time.Now().UTC(),
		},
		centroids: centroids,
		lists:     lists,
		ids:       ids,
		vectors:   vectors,
	}, nil
}

// Manifest returns the artifact description.
func (ix *Index) Manifest() Manifest { return ix.manifest }

// Len is the number of indexed vectors.
func (ix *Index) Len() int { return len(ix.ids) }

// DefaultProbes is the nprobe used when the caller passes 0.
func (ix *Index) DefaultProbes() int {
	return max(1, len(ix.centroids)/4)
}

// Search returns the approximate topN neighbors of query, best first.
// keep, when non-nil, filters candidates by id before scoring.
func (ix *Index) Search(query []float32, topN, nprobe int, keep func(id int64) bool) ([]ranker.Scored, error) {
	if topN <= 0 {
		return nil, fmt.Errorf("%w: got %d", ranker.ErrInvalidTopN, topN)
	}
	if len(query) != ix.manifest.Dimension {
		return nil, fmt.Errorf("%w: query has %d dims, index has %d",
			ranker.ErrDimensionMismatch, len(query), ix.manifest.Dimension)
	}
	if nprobe <= 0 {
		nprobe = ix.DefaultProbes()
	}
	nprobe = min(nprobe, len(ix.centroids))

	scorer := ranker.NewScorer(query)

	probe := ranker.NewCollector(nprobe)
	for c, centroid := range ix.centroids {
		probe.Push(ranker.Scored{ID: int64(c), Score: scorer.Score(centroid)})
	}

	top := ranker.NewCollector(topN)
	for _, p := range probe.Results() {
		for _, pos := range ix.lists[p.ID] {
			id := ix.ids[pos]
			if keep != nil && !keep(id) {
				continue
			}
			top.Push(ranker.Scored{ID: id, Score: scorer.Score(ix.vectors[pos])})
		}
	}
	return top.Results(), nil
}

// Recall is the fraction of exact results that the approximate list recovered.
func Recall(approx, exact []ranker.Scored) float64 {
	if len(exact) == 0 {
		return 1
	}
	found := make(map[int64]struct{}, len(approx))
	for _, s := range approx {
		found[s.ID] = struct{}{}
	}
	hits := 0
	for _, s := range exact {
		if _, ok := found[s.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(exact))
}
