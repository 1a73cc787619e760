package main

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/qh-search-api/pkg/schema/ann"
	"github.com/qh-search-api/pkg/schema/corpus"
)

func writeDatabases(t *testing.T) (quranPath, hadithPath string) {
	t.Helper()
	dir := t.TempDir()
	quranPath = filepath.Join(dir, "quran.db")
	hadithPath = filepath.Join(dir, "hadith.db")

	q, err := sqlx.Connect("sqlite3", quranPath)
	require.NoError(t, err)
	defer q.Close()
	q.MustExec(`CREATE TABLE quran_db10_translations (
		id INTEGER PRIMARY KEY, Name TEXT, Surah INTEGER, Ayat INTEGER,
		"Saheeh International" TEXT, embedding BLOB)`)
	for i := 1; i <= 12; i++ {
		vec := []float32{float32(i % 3), float32(i % 5), 1, float32(i)}
		q.MustExec(`INSERT INTO quran_db10_translations VALUES (?, ?, ?, ?, ?, ?)`,
			i, "Al-Baqarah", 2, i, "verse text", corpus.EncodeEmbedding(vec))
	}

	h, err := sqlx.Connect("sqlite3", hadithPath)
	require.NoError(t, err)
	defer h.Close()
	h.MustExec(`CREATE TABLE hadiths (
		id INTEGER PRIMARY KEY, collection TEXT, hadith_text TEXT, reference TEXT,
		book_number INTEGER, hadith_number INTEGER, grade TEXT, question_id TEXT,
		question TEXT, topic TEXT, embedding BLOB)`)
	for i := 1; i <= 8; i++ {
		vec := []float32{1, float32(i), float32(i % 2), 0}
		h.MustExec(`INSERT INTO hadiths VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i, "Bukhari", "hadith text", "", 1, i, "Sahih", "", "", "Prayer", corpus.EncodeEmbedding(vec))
	}
	return quranPath, hadithPath
}

// testApp runs the indexer against temporary databases and artifact root.
func testApp(t *testing.T) (run func(args ...string) (string, error), indexDir string) {
	t.Helper()
	quranPath, hadithPath := writeDatabases(t)
	indexDir = t.TempDir()

	return func(args ...string) (string, error) {
		var out bytes.Buffer
		app := newApp()
		app.Writer = &out
		app.ErrWriter = &out
		app.ExitErrHandler = func(*cli.Context, error) {}
		full := append([]string{"indexer",
			"--log-level", "error",
			"--quran-db", quranPath,
			"--hadith-db", hadithPath,
			"--index-dir", indexDir,
			"--encoder-version", "test:v1",
		}, args...)
		err := app.Run(full)
		return out.String(), err
	}, indexDir
}

func TestCommandFlags(t *testing.T) {
	app := newApp()

	find := func(command, flag string) cli.Flag {
		for _, cmd := range app.Commands {
			if cmd.Name != command {
				continue
			}
			for _, f := range cmd.Flags {
				for _, name := range f.Names() {
					if name == flag {
						return f
					}
				}
			}
		}
		return nil
	}

	t.Run("build defaults to every corpus", func(t *testing.T) {
		f, ok := find("build", "corpus").(*cli.StringFlag)
		require.True(t, ok)
		assert.Equal(t, "all", f.Value)
	})

	t.Run("verify fails below 0.9 recall by default", func(t *testing.T) {
		f, ok := find("verify", "min-recall").(*cli.Float64Flag)
		require.True(t, ok)
		assert.Equal(t, 0.9, f.Value)
	})

	t.Run("vertex commands need a single corpus", func(t *testing.T) {
		for _, command := range []string{"export-vertex", "create-vertex-index", "upsert-vertex"} {
			f, ok := find(command, "corpus").(*cli.StringFlag)
			require.True(t, ok, command)
			assert.True(t, f.Required, command)
		}
	})

	t.Run("missing required flag", func(t *testing.T) {
		run, _ := testApp(t)
		_, err := run("export-vertex")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corpus")
	})
}

func TestSelectKinds(t *testing.T) {
	kinds, err := selectKinds("all")
	require.NoError(t, err)
	assert.Equal(t, corpus.Kinds, kinds)

	kinds, err = selectKinds("Hadith")
	require.NoError(t, err)
	assert.Equal(t, []corpus.Kind{corpus.KindHadith}, kinds)

	_, err = selectKinds("tafsir")
	assert.ErrorIs(t, err, corpus.ErrUnknownCorpus)
}

func TestBuildVerifyInspect(t *testing.T) {
	run, indexDir := testApp(t)

	_, err := run("build", "--seed", "7")
	require.NoError(t, err)
	for _, kind := range []string{"quran", "hadith"} {
		_, err := os.Stat(filepath.Join(indexDir, kind))
		require.NoError(t, err, kind)
	}

	// Probing every partition makes the index exact.
	out, err := run("verify", "--queries", "5", "--top", "3", "--nprobe", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "quran\trecall@3=1.0000")
	assert.Contains(t, out, "hadith\trecall@3=1.0000")

	_, err = run("verify", "--corpus", "quran", "--nprobe", "100", "--min-recall", "1.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below")

	out, err = run("inspect", "--corpus", "hadith")
	require.NoError(t, err)
	assert.Contains(t, out, "corpus: hadith")
	assert.Contains(t, out, "encoder_version: test:v1")
	assert.Contains(t, out, "count: 8")

	// Artifacts built for another encoder are refused.
	_, err = run("--encoder-version", "other:v2", "verify")
	require.Error(t, err)
	assert.ErrorIs(t, err, ann.ErrIndexVersionMismatch)
}

func TestExportVertex(t *testing.T) {
	run, _ := testApp(t)
	path := filepath.Join(t.TempDir(), "hadith.jsonl")

	_, err := run("export-vertex", "--corpus", "hadith", "--output", path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 8)
	assert.Contains(t, lines[0], `"namespace":"collection"`)

	_, err = run("export-vertex", "--corpus", "all")
	assert.Error(t, err)
}

func TestMeasureRecall(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	passages := make([]corpus.Passage, 300)
	for i := range passages {
		vec := make([]float32, 8)
		for j := range vec {
			vec[j] = float32(rng.NormFloat64())
		}
		passages[i] = corpus.Passage{ID: int64(i + 1), Corpus: corpus.KindQuran, Embedding: vec, Meta: corpus.VerseMeta{Surah: 1, Ayat: i + 1}}
	}
	store, err := corpus.NewStore(corpus.KindQuran, passages)
	require.NoError(t, err)

	ix, err := ann.Build(store, "test:v1", ann.BuildOptions{NList: 16, Seed: 1})
	require.NoError(t, err)

	recall, err := measureRecall(context.Background(), store, ix, 50, 10, 16, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, recall)

	recall, err = measureRecall(context.Background(), store, ix, 50, 10, 1, 1)
	require.NoError(t, err)
	assert.Greater(t, recall, 0.0)
	assert.LessOrEqual(t, recall, 1.0)

	_, err = measureRecall(context.Background(), store, ix, 0, 10, 1, 1)
	assert.Error(t, err)
}
