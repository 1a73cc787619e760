// Package bootstrap wires the shared library for the API server and the
// indexer, so both load the same corpus snapshots and index artifacts.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/internal/repository/postgres"
	"github.com/qh-search-api/internal/repository/sqlite"
	"github.com/qh-search-api/pkg/schema/ann"
	"github.com/qh-search-api/pkg/schema/config"
	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/db"
)

// Corpora holds the loaded stores in priority order.
type Corpora struct {
	Stores []*corpus.Store
	// Postgres stays open only when the caller asked to keep it.
	Postgres *sqlx.DB
}

// Store returns the store of kind, or nil.
func (c *Corpora) Store(kind corpus.Kind) *corpus.Store {
	for _, s := range c.Stores {
		if s.Kind() == kind {
			return s
		}
	}
	return nil
}

// Close releases the Postgres handle if one was kept.
func (c *Corpora) Close() error {
	if c.Postgres != nil {
		return c.Postgres.Close()
	}
	return nil
}

// CheckDimension fails with corpus.ErrCorpusLoad when a store's vectors do not
// have the encoder's dimension. A dimension of 0 means unknown and passes.
func (c *Corpora) CheckDimension(dim int) error {
	if dim <= 0 {
		return nil
	}
	for _, s := range c.Stores {
		if s.Dimension() != dim {
			return fmt.Errorf("%w: %s embeddings have %d dimensions, encoder produces %d",
				corpus.ErrCorpusLoad, s.Kind(), s.Dimension(), dim)
		}
	}
	return nil
}

// LoadCorpora reads both corpora from the backend named by CORPUS_BACKEND.
// Every failure wraps corpus.ErrCorpusLoad.
func LoadCorpora(ctx context.Context, cfg *config.Config, keepPostgres bool, logger *zap.Logger) (*Corpora, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		out *Corpora
		err error
	)
	switch cfg.CorpusBackend {
	case "sqlite", "":
		out, err = loadSQLite(ctx, cfg, logger)
	case "postgres":
		out, err = loadPostgres(ctx, cfg, keepPostgres)
	default:
		err = fmt.Errorf("unknown corpus backend %q", cfg.CorpusBackend)
	}
	if err != nil {
		if !errors.Is(err, corpus.ErrCorpusLoad) {
			err = fmt.Errorf("%w: %w", corpus.ErrCorpusLoad, err)
		}
		return nil, err
	}

	for _, s := range out.Stores {
		logger.Info("Corpus loaded",
			zap.String("corpus", s.Kind().String()),
			zap.Int("passages", s.Len()),
			zap.Int("dimension", s.Dimension()),
			zap.String("hash", s.Hash()),
		)
	}
	return out, nil
}

func loadSQLite(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Corpora, error) {
	quran, err := loadFromFile(ctx, cfg.QuranDBPath, func(conn *sqlx.DB) repository.CorpusLoader {
		return sqlite.NewQuranLoader(conn, cfg.QuranTranslation, cfg.QuranLanguage, logger)
	})
	if err != nil {
		return nil, err
	}
	hadith, err := loadFromFile(ctx, cfg.HadithDBPath, func(conn *sqlx.DB) repository.CorpusLoader {
		return sqlite.NewHadithLoader(conn, logger)
	})
	if err != nil {
		return nil, err
	}
	return &Corpora{Stores: []*corpus.Store{quran, hadith}}, nil
}

// loadFromFile opens path, loads it and closes it again: the store lives in memory.
func loadFromFile(ctx context.Context, path string, loader func(*sqlx.DB) repository.CorpusLoader) (*corpus.Store, error) {
	conn, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return loader(conn).Load(ctx)
}

func loadPostgres(ctx context.Context, cfg *config.Config, keep bool) (*Corpora, error) {
	conn, err := db.OpenPostgres(ctx, cfg.PostgresURI)
	if err != nil {
		return nil, err
	}

	out := &Corpora{}
	for _, kind := range corpus.Kinds {
		store, err := postgres.NewCorpusRepository(conn, kind).Load(ctx)
		if err != nil {
			conn.Close()
			return nil, err
		}
		out.Stores = append(out.Stores, store)
	}

	if keep {
		out.Postgres = conn
	} else {
		conn.Close()
	}
	return out, nil
}

// IndexDir is the artifact directory of one corpus.
func IndexDir(cfg *config.Config, kind corpus.Kind) string {
	return filepath.Join(cfg.IndexDir, kind.String())
}

// Expectation is what an index artifact must match to serve store.
func Expectation(cfg *config.Config, store *corpus.Store) ann.Expect {
	return ann.Expect{
		Corpus:         store.Kind().String(),
		EncoderVersion: cfg.Version(),
		Dimension:      store.Dimension(),
		CorpusHash:     store.Hash(),
	}
}
