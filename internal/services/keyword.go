package services

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/ranker"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// rrfK is the Reciprocal Rank Fusion constant (Cormack et al. 2009).
const rrfK = 60

type posting struct {
	pos int32
	tf  int32
}

// keywordIndex is an inverted index over passage text scored with BM25.
// It is built once per store and read-only afterwards.
type keywordIndex struct {
	store    *corpus.Store
	postings map[string][]posting
	lengths  []int32
	avgLen   float64
}

func newKeywordIndex(store *corpus.Store) *keywordIndex {
	ix := &keywordIndex{
		store:    store,
		postings: make(map[string][]posting),
		lengths:  make([]int32, store.Len()),
	}

	var total int
	tf := make(map[string]int32)
	for i := range store.Passages() {
		clear(tf)
		words := tokenizeWords(store.At(i).Text)
		for _, w := range words {
			tf[w]++
		}
		for w, n := range tf {
			ix.postings[w] = append(ix.postings[w], posting{pos: int32(i), tf: n})
		}
		ix.lengths[i] = int32(len(words))
		total += len(words)
	}
	if store.Len() > 0 {
		ix.avgLen = float64(total) / float64(store.Len())
	}
	return ix
}

// Search returns up to topN passages containing query words, best BM25 score
// first. keep may be nil.
func (ix *keywordIndex) Search(query string, topN int, keep func(id int64) bool) []ranker.Scored {
	words := tokenizeWords(query)
	if len(words) == 0 || topN <= 0 || ix.avgLen == 0 {
		return nil
	}

	n := float64(ix.store.Len())
	scores := make(map[int32]float64)
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true

		list := ix.postings[w]
		if len(list) == 0 {
			continue
		}
		df := float64(len(list))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for _, p := range list {
			tf := float64(p.tf)
			norm := bm25K1 * (1 - bm25B + bm25B*float64(ix.lengths[p.pos])/ix.avgLen)
			scores[p.pos] += idf * tf * (bm25K1 + 1) / (tf + norm)
		}
	}

	top := ranker.NewCollector(topN)
	for pos, score := range scores {
		id := ix.store.At(int(pos)).ID
		if keep != nil && !keep(id) {
			continue
		}
		top.Push(ranker.Scored{ID: id, Score: score})
	}
	return top.Results()
}

// fuseRRF merges two rankings with Reciprocal Rank Fusion:
// score(d) = sum of 1/(k + rank_i(d)) over the rankings containing d.
func fuseRRF(semantic, keyword []ranker.Scored, topN int) []ranker.Scored {
	scores := make(map[int64]float64, len(semantic)+len(keyword))
	for rank, s := range semantic {
		scores[s.ID] += 1.0 / float64(rrfK+rank+1)
	}
	for rank, s := range keyword {
		scores[s.ID] += 1.0 / float64(rrfK+rank+1)
	}

	fused := make([]ranker.Scored, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, ranker.Scored{ID: id, Score: score})
	}
	sort.Slice(fused, func(i, j int) bool { return ranker.Before(fused[i], fused[j]) })

	if len(fused) > topN {
		fused = fused[:topN]
	}
	return fused
}

// stopWords contains common words to exclude from keyword search
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "with": true,
	"this": true, "are": true, "but": true, "not": true, "you": true,
	"all": true, "was": true, "his": true, "her": true, "from": true,
	"they": true, "have": true, "had": true, "been": true, "were": true,
	"will": true, "would": true, "could": true, "should": true, "shall": true,
	"unto": true, "them": true, "which": true, "there": true, "their": true,
	"when": true, "then": true, "than": true, "into": true, "upon": true,
	"who": true, "what": true, "said": true, "him": true, "your": true,
}

// tokenizeWords splits text into lowercase searchable words
func tokenizeWords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	filtered := make([]string, 0, len(words))
	for _, word := range words {
		if len([]rune(word)) >= 2 && !stopWords[word] {
			filtered = append(filtered, word)
		}
	}
	return filtered
}
