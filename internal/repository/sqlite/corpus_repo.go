package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/pkg/schema/corpus"
)

// Ensure the loaders implement repository.CorpusLoader
var (
	_ repository.CorpusLoader = (*QuranLoader)(nil)
	_ repository.CorpusLoader = (*HadithLoader)(nil)
)

// QuranLoader reads verses of one translation from the quran_db10_translations table
type QuranLoader struct {
	db          *sqlx.DB
	translation string
	language    string
	logger      *zap.Logger
}

// NewQuranLoader creates a verse loader. translation is the column holding the
// verse text, e.g. "Saheeh International".
func NewQuranLoader(db *sqlx.DB, translation, language string, logger *zap.Logger) *QuranLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuranLoader{db: db, translation: translation, language: language, logger: logger}
}

type verseRow struct {
	ID        int64          `db:"id"`
	Name      sql.NullString `db:"name"`
	Surah     int            `db:"surah"`
	Ayat      int            `db:"ayat"`
	Text      sql.NullString `db:"text"`
	Embedding []byte         `db:"embedding"`
}

// Load reads every verse that has an embedding
func (l *QuranLoader) Load(ctx context.Context) (*corpus.Store, error) {
	// SQLite reads an unknown double-quoted identifier as a string literal,
	// so the translation column is checked up front.
	var columns []string
	if err := l.db.SelectContext(ctx, &columns, `SELECT name FROM pragma_table_info('quran_db10_translations')`); err != nil {
		return nil, fmt.Errorf("%w: inspect verse table: %v", corpus.ErrCorpusLoad, err)
	}
	if !slices.Contains(columns, l.translation) {
		return nil, fmt.Errorf("%w: translation %q not found in verse table", corpus.ErrCorpusLoad, l.translation)
	}

	query := fmt.Sprintf(`
		SELECT id, Name AS name, Surah AS surah, Ayat AS ayat, %s AS text, embedding
		FROM quran_db10_translations
		WHERE embedding IS NOT NULL
		ORDER BY id
	`, quoteIdent(l.translation))

	var rows []verseRow
	if err := l.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("%w: query verses: %v", corpus.ErrCorpusLoad, err)
	}

	passages := make([]corpus.Passage, 0, len(rows))
	for _, r := range rows {
		vec, err := corpus.DecodeEmbedding(r.Embedding)
		if err != nil {
			return nil, fmt.Errorf("%w: verse %d: %v", corpus.ErrCorpusLoad, r.ID, err)
		}
		passages = append(passages, corpus.Passage{
			ID:        r.ID,
			Corpus:    corpus.KindQuran,
			Text:      r.Text.String,
			Embedding: vec,
			Meta: corpus.VerseMeta{
				Surah:       r.Surah,
				Ayat:        r.Ayat,
				SurahName:   r.Name.String,
				Translation: l.translation,
				Language:    l.language,
			},
		})
	}

	logSkipped(ctx, l.db, l.logger, "quran_db10_translations")
	return corpus.NewStore(corpus.KindQuran, passages)
}

// HadithLoader reads the hadiths table
type HadithLoader struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewHadithLoader creates a hadith loader
func NewHadithLoader(db *sqlx.DB, logger *zap.Logger) *HadithLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HadithLoader{db: db, logger: logger}
}

type hadithRow struct {
	ID           int64          `db:"id"`
	Collection   sql.NullString `db:"collection"`
	Text         sql.NullString `db:"hadith_text"`
	Reference    sql.NullString `db:"reference"`
	BookNumber   sql.NullString `db:"book_number"`
	HadithNumber sql.NullString `db:"hadith_number"`
	Grade        sql.NullString `db:"grade"`
	QuestionID   sql.NullString `db:"question_id"`
	Question     sql.NullString `db:"question"`
	Topic        sql.NullString `db:"topic"`
	Embedding    []byte         `db:"embedding"`
}

// Load reads every hadith that has an embedding
func (l *HadithLoader) Load(ctx context.Context) (*corpus.Store, error) {
	var rows []hadithRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT id, collection, hadith_text, reference, book_number, hadith_number,
		       grade, question_id, question, topic, embedding
		FROM hadiths
		WHERE embedding IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query hadiths: %v", corpus.ErrCorpusLoad, err)
	}

	passages := make([]corpus.Passage, 0, len(rows))
	for _, r := range rows {
		vec, err := corpus.DecodeEmbedding(r.Embedding)
		if err != nil {
			return nil, fmt.Errorf("%w: hadith %d: %v", corpus.ErrCorpusLoad, r.ID, err)
		}
		passages = append(passages, corpus.Passage{
			ID:        r.ID,
			Corpus:    corpus.KindHadith,
			Text:      r.Text.String,
			Embedding: vec,
			Meta: corpus.HadithMeta{
				Collection:   strings.ToLower(strings.TrimSpace(r.Collection.String)),
				Reference:    r.Reference.String,
				BookNumber:   r.BookNumber.String,
				HadithNumber: r.HadithNumber.String,
				Grade:        r.Grade.String,
				QuestionID:   r.QuestionID.String,
				Question:     r.Question.String,
				Topic:        strings.TrimSpace(r.Topic.String),
			},
		})
	}

	logSkipped(ctx, l.db, l.logger, "hadiths")
	return corpus.NewStore(corpus.KindHadith, passages)
}

// logSkipped reports rows left out because they carry no embedding.
func logSkipped(ctx context.Context, db *sqlx.DB, logger *zap.Logger, table string) {
	var skipped int
	if err := db.GetContext(ctx, &skipped, `SELECT COUNT(*) FROM `+table+` WHERE embedding IS NULL`); err != nil {
		logger.Warn("Failed to count rows without embeddings", zap.String("table", table), zap.Error(err))
		return
	}
	if skipped > 0 {
		logger.Warn("Skipped rows without embeddings", zap.String("table", table), zap.Int("rows", skipped))
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
