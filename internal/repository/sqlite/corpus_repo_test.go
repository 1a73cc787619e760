package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qh-search-api/pkg/schema/corpus"
)

func newDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", filepath.Join(t.TempDir(), "corpus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	db.MustExec(`CREATE TABLE quran_db10_translations (
		id INTEGER PRIMARY KEY, Name TEXT, Surah INTEGER, Ayat INTEGER,
		"Saheeh International" TEXT, "Yusuf Ali" TEXT, embedding BLOB)`)
	db.MustExec(`CREATE TABLE hadiths (
		id INTEGER PRIMARY KEY, collection TEXT, hadith_text TEXT, reference TEXT,
		book_number INTEGER, hadith_number INTEGER, grade TEXT, question_id TEXT,
		question TEXT, topic TEXT, embedding BLOB)`)
	return db
}

func TestQuranLoader(t *testing.T) {
	db := newDB(t)
	insert := `INSERT INTO quran_db10_translations (id, Name, Surah, Ayat, "Saheeh International", "Yusuf Ali", embedding) VALUES (?, ?, ?, ?, ?, ?, ?)`
	db.MustExec(insert, 2, "Al-Baqarah", 2, 153, "seek help through patience", "Yusuf text", corpus.EncodeEmbedding([]float32{0, 1, 0}))
	db.MustExec(insert, 1, "Al-Fatihah", 1, 1, "In the name of Allah", "Yusuf text", corpus.EncodeEmbedding([]float32{1, 0, 0}))
	db.MustExec(insert, 3, "Al-Baqarah", 2, 154, "no embedding yet", "Yusuf text", nil)

	store, err := NewQuranLoader(db, "Saheeh International", "en", nil).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, corpus.KindQuran, store.Kind())
	assert.Equal(t, 2, store.Len(), "rows without embeddings are skipped")
	assert.Equal(t, 3, store.Dimension())

	p, ok := store.Get(2)
	require.True(t, ok)
	assert.Equal(t, "seek help through patience", p.Text)
	assert.Equal(t, "Surah 2:153", p.Citation())
	meta := p.Meta.(corpus.VerseMeta)
	assert.Equal(t, "Al-Baqarah", meta.SurahName)
	assert.Equal(t, "en", meta.Language)

	t.Run("other translation column", func(t *testing.T) {
		store, err := NewQuranLoader(db, "Yusuf Ali", "en", nil).Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Yusuf text", store.At(0).Text)
	})

	t.Run("unknown translation column", func(t *testing.T) {
		_, err := NewQuranLoader(db, "Pickthall", "en", nil).Load(context.Background())
		assert.ErrorIs(t, err, corpus.ErrCorpusLoad)
	})
}

func TestHadithLoader(t *testing.T) {
	db := newDB(t)
	insert := `INSERT INTO hadiths (id, collection, hadith_text, reference, book_number, hadith_number, grade, question_id, question, topic, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	db.MustExec(insert, 10, "Bukhari", "Actions are by intentions", "Sahih al-Bukhari 1", 1, 1, "Sahih", "q1", "What matters?", "Intention ", corpus.EncodeEmbedding([]float32{1, 0}))
	db.MustExec(insert, 11, "muslim", "Religion is sincerity", "Sahih Muslim 55", 1, 55, "Sahih", nil, nil, "Sincerity", corpus.EncodeEmbedding([]float32{0, 1}))
	db.MustExec(insert, 12, "ahmad", "pending", "Musnad Ahmad 1", 1, 1, nil, nil, nil, nil, nil)

	store, err := NewHadithLoader(db, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	p, ok := store.Get(10)
	require.True(t, ok)
	meta := p.Meta.(corpus.HadithMeta)
	assert.Equal(t, "bukhari", meta.Collection, "collections are stored lowercase")
	assert.Equal(t, "Intention", meta.Topic)
	assert.Equal(t, "1", meta.HadithNumber)
	assert.Equal(t, "Sahih al-Bukhari 1", p.Citation())

	p, _ = store.Get(11)
	assert.Empty(t, p.Meta.(corpus.HadithMeta).Question)
}

func TestHadithLoaderRejectsBadEmbeddings(t *testing.T) {
	t.Run("truncated blob", func(t *testing.T) {
		db := newDB(t)
		db.MustExec(`INSERT INTO hadiths (id, collection, hadith_text, embedding) VALUES (1, 'muslim', 'x', ?)`, []byte{1, 2, 3})
		_, err := NewHadithLoader(db, nil).Load(context.Background())
		assert.ErrorIs(t, err, corpus.ErrCorpusLoad)
	})

	t.Run("mixed dimensions", func(t *testing.T) {
		db := newDB(t)
		db.MustExec(`INSERT INTO hadiths (id, collection, hadith_text, embedding) VALUES (1, 'muslim', 'x', ?)`, corpus.EncodeEmbedding([]float32{1, 0}))
		db.MustExec(`INSERT INTO hadiths (id, collection, hadith_text, embedding) VALUES (2, 'muslim', 'y', ?)`, corpus.EncodeEmbedding([]float32{1, 0, 0}))
		_, err := NewHadithLoader(db, nil).Load(context.Background())
		assert.ErrorIs(t, err, corpus.ErrCorpusLoad)
	})

	t.Run("empty table", func(t *testing.T) {
		_, err := NewHadithLoader(newDB(t), nil).Load(context.Background())
		assert.ErrorIs(t, err, corpus.ErrCorpusLoad)
	})
}
