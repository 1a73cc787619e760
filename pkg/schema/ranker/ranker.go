// Package ranker scores candidate embeddings against a query embedding.
//
// Scores are raw cosine similarity in [-1, 1]: the same convention used by the
// pgvector expression 1 - (a <=> b) and by Vertex AI's 1 - cosine distance, so
// results from every retrieval path are directly comparable. A zero vector on
// either side scores 0. Ties are broken by ascending id.
package ranker

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidTopN signals a non-positive result count.
	ErrInvalidTopN = errors.New("top_n must be positive")
	// ErrDimensionMismatch signals vectors of different lengths.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Candidate is an id with its embedding.
type Candidate struct {
	ID     int64
	Vector []float32
}

// Scored is an id with its similarity to the query.
type Scored struct {
	ID    int64
	Score float64
}

// Before reports whether a ranks ahead of b: higher score first, then lower id.
func Before(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// sumSquares returns the squared euclidean norm of v.
func sumSquares(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return sum
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero vector.
// a and b must have the same length.
func Cosine(a, b []float32) float64 {
	return NewScorer(a).Score(b)
}

// Scorer caches the squared query norm so a full scan does not recompute it
// per candidate.
type Scorer struct {
	query []float32
	sq    float64
}

// NewScorer prepares a scorer for query.
func NewScorer(query []float32) Scorer {
	return Scorer{query: query, sq: sumSquares(query)}
}

// Dimension is the query length.
func (s Scorer) Dimension() int { return len(s.query) }

// Score returns the cosine similarity of the query and v. A candidate equal
// to the query scores exactly 1: dot and sum are then the same float64 and
// sqrt(x*x) == x.
func (s Scorer) Score(v []float32) float64 {
	if s.sq == 0 {
		return 0
	}
	var dot, sum float64
	for i, f := range v {
		x := float64(f)
		dot += float64(s.query[i]) * x
		sum += x * x
	}
	if sum == 0 {
		return 0
	}
	c := dot / math.Sqrt(s.sq*sum)
	if c > 1 {
		return 1
	}
	if c < -1 {
		return -1
	}
	return c
}

// Rank scores every candidate against query and returns the best topN,
// ordered by non-increasing score. Fewer candidates than topN is not an error.
func Rank(query []float32, candidates []Candidate, topN int) ([]Scored, error) {
	if topN <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopN, topN)
	}
	scorer := NewScorer(query)
	top := NewCollector(topN)
	for _, c := range candidates {
		if len(c.Vector) != len(query) {
			return nil, fmt.Errorf("%w: candidate %d has %d dims, query has %d",
				ErrDimensionMismatch, c.ID, len(c.Vector), len(query))
		}
		top.Push(Scored{ID: c.ID, Score: scorer.Score(c.Vector)})
	}
	return top.Results(), nil
}

// Collector keeps the best n results seen so far.
type Collector struct {
	n int
	h worstFirst
}

// NewCollector creates a collector for n results. n must be positive.
func NewCollector(n int) *Collector {
	return &Collector{n: n, h: make(worstFirst, 0, n)}
}

// Push offers a result to the collector.
func (c *Collector) Push(s Scored) {
	if len(c.h) < c.n {
		heap.Push(&c.h, s)
		return
	}
	if Before(s, c.h[0]) {
		c.h[0] = s
		heap.Fix(&c.h, 0)
	}
}

// Len is the number of results held.
func (c *Collector) Len() int { return len(c.h) }

// Results drains the collector, best first.
func (c *Collector) Results() []Scored {
	out := make([]Scored, len(c.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&c.h).(Scored)
	}
	return out
}

// worstFirst is a heap whose root is the result that ranks last.
type worstFirst []Scored

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return Before(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(Scored)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
