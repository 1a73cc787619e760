package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/ranker"
)

// Ensure VectorSearchRepository implements repository.Retriever
var _ repository.Retriever = (*VectorSearchRepository)(nil)

// VectorSearchRepository retrieves candidates with a pgvector nearest-neighbor
// query and rescores them against the in-memory store, so scores and tie-breaks
// match every other retriever.
type VectorSearchRepository struct {
	db    *sqlx.DB
	store *corpus.Store
	table string
}

// NewVectorSearchRepository creates a pgvector retriever over store's corpus
func NewVectorSearchRepository(db *sqlx.DB, store *corpus.Store) *VectorSearchRepository {
	table := quranTable
	if store.Kind() == corpus.KindHadith {
		table = hadithTable
	}
	return &VectorSearchRepository{db: db, store: store, table: table}
}

// Name identifies the retriever
func (r *VectorSearchRepository) Name() string { return "pgvector" }

// Retrieve performs vector similarity search using pgvector
func (r *VectorSearchRepository) Retrieve(ctx context.Context, query []float32, k int, filter repository.Filter) ([]ranker.Scored, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ranker.ErrInvalidTopN, k)
	}
	if !filter.Empty() && r.store.Kind() != corpus.KindHadith {
		return []ranker.Scored{}, nil
	}

	sqlText, args := r.buildQuery(pgvector.NewVector(query), k, filter)

	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, sqlText, args...); err != nil {
		return nil, fmt.Errorf("vector search %s: %w", r.table, err)
	}

	scorer := ranker.NewScorer(query)
	top := ranker.NewCollector(k)
	for _, id := range ids {
		p, ok := r.store.Get(id)
		if !ok || !filter.Match(p) {
			continue
		}
		top.Push(ranker.Scored{ID: id, Score: scorer.Score(p.Embedding)})
	}
	return top.Results(), nil
}

func (r *VectorSearchRepository) buildQuery(vec pgvector.Vector, k int, filter repository.Filter) (string, []any) {
	args := []any{vec}
	where := "embedding IS NOT NULL"
	if filter.Collection != "" {
		args = append(args, filter.Collection)
		where += fmt.Sprintf(" AND lower(collection) = lower($%d)", len(args))
	}
	if filter.Topic != "" {
		args = append(args, filter.Topic)
		where += fmt.Sprintf(" AND lower(trim(topic)) = lower(trim($%d))", len(args))
	}
	args = append(args, k)
	return fmt.Sprintf(`
		SELECT id
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1::vector, id
		LIMIT $%d
	`, r.table, where, len(args)), args
}
