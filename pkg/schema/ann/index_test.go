package ann

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/ranker"
)

const testEncoder = "local:all-MiniLM-L6-v2"

// clusteredStore builds a verse corpus of noisy points around random centers.
func clusteredStore(t *testing.T, rng *rand.Rand, clusters, perCluster, dim int) *corpus.Store {
	t.Helper()
	passages := make([]corpus.Passage, 0, clusters*perCluster)
	id := int64(1)
	for c := 0; c < clusters; c++ {
		center := gaussian(rng, dim, 1)
		for i := 0; i < perCluster; i++ {
			v := gaussian(rng, dim, 0.05)
			for j := range v {
				v[j] += center[j]
			}
			passages = append(passages, corpus.Passage{
				ID:        id,
				Corpus:    corpus.KindQuran,
				Text:      "verse",
				Embedding: v,
				Meta:      corpus.VerseMeta{Surah: c + 1, Ayat: i + 1},
			})
			id++
		}
	}
	s, err := corpus.NewStore(corpus.KindQuran, passages)
	require.NoError(t, err)
	return s
}

func gaussian(rng *rand.Rand, dim int, sigma float64) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64() * sigma)
	}
	return v
}

func exact(t *testing.T, s *corpus.Store, query []float32, topN int) []ranker.Scored {
	t.Helper()
	candidates := make([]ranker.Candidate, s.Len())
	for i, p := range s.Passages() {
		candidates[i] = ranker.Candidate{ID: p.ID, Vector: p.Embedding}
	}
	out, err := ranker.Rank(query, candidates, topN)
	require.NoError(t, err)
	return out
}

func TestBuildAndSearchRecall(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	store := clusteredStore(t, rng, 40, 50, 16)

	ix, err := Build(store, testEncoder, BuildOptions{Seed: 42})
	require.NoError(t, err)

	m := ix.Manifest()
	assert.Equal(t, 2000, ix.Len())
	assert.Equal(t, 45, m.NList)
	assert.Equal(t, "quran", m.Corpus)
	assert.Equal(t, store.Hash(), m.CorpusHash)
	assert.Equal(t, 16, m.Dimension)

	var total float64
	queries := 50
	for q := 0; q < queries; q++ {
		base := store.At(rng.IntN(store.Len())).Embedding
		query := make([]float32, len(base))
		noise := gaussian(rng, len(base), 0.02)
		for i := range query {
			query[i] = base[i] + noise[i]
		}

		approx, err := ix.Search(query, 10, 0, nil)
		require.NoError(t, err)
		want := exact(t, store, query, 10)
		total += Recall(approx, want)

		// Exact scoring of probed members: shared ids carry identical scores.
		scores := make(map[int64]float64, len(want))
		for _, s := range want {
			scores[s.ID] = s.Score
		}
		for _, s := range approx {
			if w, ok := scores[s.ID]; ok {
				assert.Equal(t, w, s.Score)
			}
		}
	}
	assert.GreaterOrEqual(t, total/float64(queries), 0.9)
}

func TestSearchProbingEveryListIsExact(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	store := clusteredStore(t, rng, 8, 20, 8)
	ix, err := Build(store, testEncoder, BuildOptions{NList: 6, Seed: 1})
	require.NoError(t, err)

	query := gaussian(rng, 8, 1)
	approx, err := ix.Search(query, 15, 6, nil)
	require.NoError(t, err)
	assert.Equal(t, exact(t, store, query, 15), approx)
}

func TestSearchKeepFilter(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	store := clusteredStore(t, rng, 4, 10, 8)
	ix, err := Build(store, testEncoder, BuildOptions{NList: 2, Seed: 9})
	require.NoError(t, err)

	results, err := ix.Search(store.At(0).Embedding, 5, 2, func(id int64) bool { return id%2 == 0 })
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Zero(t, r.ID%2)
	}
}

func TestSearchValidation(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	store := clusteredStore(t, rng, 2, 5, 4)
	ix, err := Build(store, testEncoder, BuildOptions{})
	require.NoError(t, err)

	_, err = ix.Search([]float32{1, 0, 0, 0}, 0, 0, nil)
	assert.ErrorIs(t, err, ranker.ErrInvalidTopN)

	_, err = ix.Search([]float32{1, 0}, 3, 0, nil)
	assert.ErrorIs(t, err, ranker.ErrDimensionMismatch)

	_, err = Build(store, "", BuildOptions{})
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	store := clusteredStore(t, rng, 5, 12, 8)
	ix, err := Build(store, testEncoder, BuildOptions{Seed: 3})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, ix.Save(dir))

	want := Expect{
		Corpus:         "quran",
		EncoderVersion: testEncoder,
		Dimension:      8,
		CorpusHash:     store.Hash(),
	}

	t.Run("round trip", func(t *testing.T) {
		loaded, err := Load(dir, want)
		require.NoError(t, err)
		assert.Equal(t, ix.Len(), loaded.Len())
		assert.Equal(t, ix.Manifest().NList, loaded.Manifest().NList)

		query := store.At(7).Embedding
		a, err := ix.Search(query, 10, 2, nil)
		require.NoError(t, err)
		b, err := loaded.Search(query, 10, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("encoder mismatch", func(t *testing.T) {
		w := want
		w.EncoderVersion = "openai:text-embedding-3-small"
		_, err := Load(dir, w)
		assert.ErrorIs(t, err, ErrIndexVersionMismatch)
	})

	t.Run("corpus snapshot mismatch", func(t *testing.T) {
		w := want
		w.CorpusHash = "sha256:other"
		_, err := Load(dir, w)
		assert.ErrorIs(t, err, ErrIndexVersionMismatch)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		w := want
		w.Dimension = 384
		_, err := Load(dir, w)
		assert.ErrorIs(t, err, ErrIndexVersionMismatch)
	})

	t.Run("corrupt data", func(t *testing.T) {
		bad := t.TempDir()
		raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(bad, manifestFile), raw, 0o644))

		data, err := os.ReadFile(filepath.Join(dir, dataFile))
		require.NoError(t, err)
		data[len(data)/2] ^= 0xff
		require.NoError(t, os.WriteFile(filepath.Join(bad, dataFile), data, 0o644))

		_, err = Load(bad, want)
		assert.ErrorIs(t, err, ErrIndexCorrupt)
	})

	t.Run("missing artifact", func(t *testing.T) {
		_, err := Load(t.TempDir(), want)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrIndexVersionMismatch)
	})
}

func TestHolder(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	store := clusteredStore(t, rng, 3, 6, 4)
	ix, err := Build(store, testEncoder, BuildOptions{})
	require.NoError(t, err)

	h := NewHolder(nil)
	assert.Nil(t, h.Get())

	dir := t.TempDir()
	require.NoError(t, ix.Save(dir))

	_, err = h.Reload(dir, Expect{EncoderVersion: "other"})
	assert.ErrorIs(t, err, ErrIndexVersionMismatch)
	assert.Nil(t, h.Get(), "failed reload keeps the current index")

	loaded, err := h.Reload(dir, Expect{EncoderVersion: testEncoder})
	require.NoError(t, err)
	assert.Same(t, loaded, h.Get())

	prev := h.Swap(ix)
	assert.Same(t, loaded, prev)

	var nilHolder *Holder
	assert.Nil(t, nilHolder.Get())
}
