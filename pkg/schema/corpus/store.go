package corpus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Store is an immutable in-memory corpus snapshot. It is safe for concurrent reads.
type Store struct {
	kind      Kind
	dimension int
	passages  []Passage
	byID      map[int64]int
	hash      string
}

// NewStore validates the passages and builds a store ordered by id.
// All passages must belong to kind, have unique ids and share one embedding dimension.
func NewStore(kind Kind, passages []Passage) (*Store, error) {
	if len(passages) == 0 {
		return nil, fmt.Errorf("%w: %s corpus has no passages with embeddings", ErrCorpusLoad, kind)
	}

	sorted := make([]Passage, len(passages))
	copy(sorted, passages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	dim := len(sorted[0].Embedding)
	byID := make(map[int64]int, len(sorted))
	for i := range sorted {
		p := &sorted[i]
		if p.Corpus != kind {
			return nil, fmt.Errorf("%w: passage %d belongs to %s, not %s", ErrCorpusLoad, p.ID, p.Corpus, kind)
		}
		if len(p.Embedding) == 0 {
			return nil, fmt.Errorf("%w: passage %d has an empty embedding", ErrCorpusLoad, p.ID)
		}
		if len(p.Embedding) != dim {
			return nil, fmt.Errorf("%w: passage %d has dimension %d, expected %d",
				ErrCorpusLoad, p.ID, len(p.Embedding), dim)
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate passage id %d", ErrCorpusLoad, p.ID)
		}
		byID[p.ID] = i
	}

	s := &Store{
		kind:      kind,
		dimension: dim,
		passages:  sorted,
		byID:      byID,
	}
	s.hash = s.computeHash()
	return s, nil
}

func (s *Store) Kind() Kind     { return s.kind }
func (s *Store) Len() int       { return len(s.passages) }
func (s *Store) Dimension() int { return s.dimension }

// Hash identifies the snapshot (ids and embeddings). ANN artifacts are bound to it.
func (s *Store) Hash() string { return s.hash }

// At returns the i-th passage in id order. The pointer must not be mutated.
func (s *Store) At(i int) *Passage { return &s.passages[i] }

// Get looks a passage up by id.
func (s *Store) Get(id int64) (*Passage, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return &s.passages[i], true
}

// Passages returns the backing slice in id order. Callers must treat it as read-only.
func (s *Store) Passages() []Passage { return s.passages }

func (s *Store) computeHash() string {
	h := sha256.New()
	var buf [8]byte
	h.Write([]byte(s.kind.String()))
	for i := range s.passages {
		p := &s.passages[i]
		binary.LittleEndian.PutUint64(buf[:], uint64(p.ID))
		h.Write(buf[:])
		for _, f := range p.Embedding {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
			h.Write(buf[:4])
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// GroupCount is a name with the number of passages carrying it.
type GroupCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Collections counts hadiths per collection. Empty for the verse corpus.
func (s *Store) Collections() []GroupCount {
	return s.group(func(m HadithMeta) string { return m.Collection })
}

// Topics counts hadiths per topic. Empty for the verse corpus.
func (s *Store) Topics() []GroupCount {
	return s.group(func(m HadithMeta) string { return m.Topic })
}

func (s *Store) group(key func(HadithMeta) string) []GroupCount {
	counts := make(map[string]int)
	for i := range s.passages {
		m, ok := s.passages[i].Meta.(HadithMeta)
		if !ok {
			continue
		}
		name := strings.TrimSpace(key(m))
		if name == "" {
			continue
		}
		counts[name]++
	}

	out := make([]GroupCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, GroupCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
