package repository

import (
	"context"
	"strings"

	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/ranker"
)

// CorpusLoader reads one corpus into an immutable store. A failure is fatal
// for the serving process.
type CorpusLoader interface {
	Load(ctx context.Context) (*corpus.Store, error)
}

// Retriever returns the k passages of one corpus most similar to an embedding,
// best first, scored with the ranker convention.
type Retriever interface {
	// Name identifies the strategy for logs and metrics.
	Name() string
	Retrieve(ctx context.Context, query []float32, k int, filter Filter) ([]ranker.Scored, error)
}

// Filter restricts retrieval to hadiths of one collection and/or topic.
// The zero value keeps every passage.
type Filter struct {
	// Collection is matched exactly after lowercasing.
	Collection string
	// Topic is matched case-insensitively.
	Topic string
}

// Empty reports whether the filter keeps everything.
func (f Filter) Empty() bool {
	return f.Collection == "" && f.Topic == ""
}

// Match reports whether p passes the filter. Passages without hadith
// metadata only pass an empty filter.
func (f Filter) Match(p *corpus.Passage) bool {
	if f.Empty() {
		return true
	}
	if p == nil {
		return false
	}
	m, ok := p.Meta.(corpus.HadithMeta)
	if !ok {
		return false
	}
	if f.Collection != "" && !strings.EqualFold(m.Collection, f.Collection) {
		return false
	}
	if f.Topic != "" && !strings.EqualFold(strings.TrimSpace(m.Topic), strings.TrimSpace(f.Topic)) {
		return false
	}
	return true
}

// Keep adapts the filter to an id predicate over store, or nil when empty.
func (f Filter) Keep(store *corpus.Store) func(id int64) bool {
	if f.Empty() {
		return nil
	}
	return func(id int64) bool {
		p, ok := store.Get(id)
		return ok && f.Match(p)
	}
}
