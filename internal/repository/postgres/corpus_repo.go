package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/pkg/schema/corpus"
)

// Ensure CorpusRepository implements repository.CorpusLoader
var _ repository.CorpusLoader = (*CorpusRepository)(nil)

// Table names of the Postgres corpus schema.
const (
	quranTable  = "quran_verses"
	hadithTable = "hadiths"
)

// CorpusRepository loads one corpus from PostgreSQL with pgvector embeddings
type CorpusRepository struct {
	db   *sqlx.DB
	kind corpus.Kind
}

// NewCorpusRepository creates a loader for kind
func NewCorpusRepository(db *sqlx.DB, kind corpus.Kind) *CorpusRepository {
	return &CorpusRepository{db: db, kind: kind}
}

type verseRow struct {
	ID          int64           `db:"id"`
	Surah       int             `db:"surah"`
	Ayat        int             `db:"ayat"`
	SurahName   sql.NullString  `db:"surah_name"`
	Translation sql.NullString  `db:"translation"`
	Language    sql.NullString  `db:"language"`
	Text        string          `db:"text"`
	Embedding   pgvector.Vector `db:"embedding"`
}

type hadithRow struct {
	ID           int64           `db:"id"`
	Collection   string          `db:"collection"`
	Text         string          `db:"hadith_text"`
	Reference    sql.NullString  `db:"reference"`
	BookNumber   sql.NullString  `db:"book_number"`
	HadithNumber sql.NullString  `db:"hadith_number"`
	Grade        sql.NullString  `db:"grade"`
	QuestionID   sql.NullString  `db:"question_id"`
	Question     sql.NullString  `db:"question"`
	Topic        sql.NullString  `db:"topic"`
	Embedding    pgvector.Vector `db:"embedding"`
}

// Load reads every passage that has an embedding
func (r *CorpusRepository) Load(ctx context.Context) (*corpus.Store, error) {
	var passages []corpus.Passage
	var err error
	switch r.kind {
	case corpus.KindQuran:
		passages, err = r.loadVerses(ctx)
	case corpus.KindHadith:
		passages, err = r.loadHadiths(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", corpus.ErrUnknownCorpus, r.kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corpus.ErrCorpusLoad, err)
	}
	return corpus.NewStore(r.kind, passages)
}

func (r *CorpusRepository) loadVerses(ctx context.Context) ([]corpus.Passage, error) {
	var rows []verseRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, surah, ayat, surah_name, translation, language, text, embedding
		FROM `+quranTable+`
		WHERE embedding IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query verses: %w", err)
	}

	passages := make([]corpus.Passage, len(rows))
	for i, v := range rows {
		passages[i] = corpus.Passage{
			ID:        v.ID,
			Corpus:    corpus.KindQuran,
			Text:      v.Text,
			Embedding: v.Embedding.Slice(),
			Meta: corpus.VerseMeta{
				Surah:       v.Surah,
				Ayat:        v.Ayat,
				SurahName:   v.SurahName.String,
				Translation: v.Translation.String,
				Language:    v.Language.String,
			},
		}
	}
	return passages, nil
}

func (r *CorpusRepository) loadHadiths(ctx context.Context) ([]corpus.Passage, error) {
	var rows []hadithRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, collection, hadith_text, reference, book_number::text AS book_number,
		       hadith_number::text AS hadith_number, grade, question_id, question, topic, embedding
		FROM `+hadithTable+`
		WHERE embedding IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query hadiths: %w", err)
	}

	passages := make([]corpus.Passage, len(rows))
	for i, h := range rows {
		passages[i] = corpus.Passage{
			ID:        h.ID,
			Corpus:    corpus.KindHadith,
			Text:      h.Text,
			Embedding: h.Embedding.Slice(),
			Meta: corpus.HadithMeta{
				Collection:   strings.ToLower(strings.TrimSpace(h.Collection)),
				Reference:    h.Reference.String,
				BookNumber:   h.BookNumber.String,
				HadithNumber: h.HadithNumber.String,
				Grade:        h.Grade.String,
				QuestionID:   h.QuestionID.String,
				Question:     h.Question.String,
				Topic:        strings.TrimSpace(h.Topic.String),
			},
		}
	}
	return passages, nil
}
