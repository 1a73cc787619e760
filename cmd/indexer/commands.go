package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/qh-search-api/internal/bootstrap"
	apiconfig "github.com/qh-search-api/internal/config"
	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/internal/repository/memory"
	"github.com/qh-search-api/internal/repository/vertex"
	"github.com/qh-search-api/pkg/schema/ann"
	"github.com/qh-search-api/pkg/schema/config"
	"github.com/qh-search-api/pkg/schema/corpus"
)

// libConfig is the environment configuration with the global flag overrides applied.
func libConfig(c *cli.Context) *config.Config {
	cfg := *config.GetConfig()
	if v := c.String("quran-db"); v != "" {
		cfg.QuranDBPath = v
		cfg.CorpusBackend = "sqlite"
	}
	if v := c.String("hadith-db"); v != "" {
		cfg.HadithDBPath = v
		cfg.CorpusBackend = "sqlite"
	}
	if v := c.String("index-dir"); v != "" {
		cfg.IndexDir = v
	}
	if v := c.String("encoder-version"); v != "" {
		cfg.EncoderVersion = v
	}
	return &cfg
}

// selectKinds resolves the --corpus flag.
func selectKinds(name string) ([]corpus.Kind, error) {
	if name == "" || name == "all" {
		return corpus.Kinds, nil
	}
	kind, err := corpus.ParseKind(name)
	if err != nil {
		return nil, err
	}
	return []corpus.Kind{kind}, nil
}

// loadStores loads the corpora and keeps the ones named by --corpus.
func loadStores(c *cli.Context, cfg *config.Config) ([]*corpus.Store, error) {
	kinds, err := selectKinds(c.String("corpus"))
	if err != nil {
		return nil, err
	}
	loaded, err := bootstrap.LoadCorpora(c.Context, cfg, false, loggerFrom(c))
	if err != nil {
		return nil, err
	}
	stores := make([]*corpus.Store, 0, len(kinds))
	for _, kind := range kinds {
		if s := loaded.Store(kind); s != nil {
			stores = append(stores, s)
		}
	}
	return stores, nil
}

func loadStore(c *cli.Context, cfg *config.Config) (*corpus.Store, error) {
	if c.String("corpus") == "all" {
		return nil, errors.New("choose a single corpus: quran or hadith")
	}
	stores, err := loadStores(c, cfg)
	if err != nil {
		return nil, err
	}
	if len(stores) != 1 {
		return nil, fmt.Errorf("corpus %q not loaded", c.String("corpus"))
	}
	return stores[0], nil
}

func buildCommand(c *cli.Context) error {
	log := loggerFrom(c)
	cfg := libConfig(c)

	stores, err := loadStores(c, cfg)
	if err != nil {
		return err
	}

	opts := ann.BuildOptions{
		NList:      c.Int("nlist"),
		Iterations: c.Int("iterations"),
		Seed:       c.Uint64("seed"),
	}
	for _, store := range stores {
		start := time.Now()
		ix, err := ann.Build(store, cfg.Version(), opts)
		if err != nil {
			return fmt.Errorf("build %s index: %w", store.Kind(), err)
		}
		dir := bootstrap.IndexDir(cfg, store.Kind())
		if err := ix.Save(dir); err != nil {
			return fmt.Errorf("save %s index: %w", store.Kind(), err)
		}
		m := ix.Manifest()
		log.Info("Index built",
			zap.String("corpus", m.Corpus),
			zap.String("dir", dir),
			zap.Int("count", m.Count),
			zap.Int("nlist", m.NList),
			zap.String("encoder_version", m.EncoderVersion),
			zap.Duration("took", time.Since(start)),
		)
	}
	return nil
}

func verifyCommand(c *cli.Context) error {
	log := loggerFrom(c)
	cfg := libConfig(c)

	stores, err := loadStores(c, cfg)
	if err != nil {
		return err
	}

	minRecall := c.Float64("min-recall")
	var failed []string
	for _, store := range stores {
		ix, err := ann.Load(bootstrap.IndexDir(cfg, store.Kind()), bootstrap.Expectation(cfg, store))
		if err != nil {
			return fmt.Errorf("load %s index: %w", store.Kind(), err)
		}
		recall, err := measureRecall(c.Context, store, ix, c.Int("queries"), c.Int("top"), c.Int("nprobe"), c.Uint64("seed"))
		if err != nil {
			return fmt.Errorf("verify %s index: %w", store.Kind(), err)
		}
		fmt.Fprintf(c.App.Writer, "%s\trecall@%d=%.4f\n", store.Kind(), c.Int("top"), recall)
		log.Info("Index verified",
			zap.String("corpus", store.Kind().String()),
			zap.Float64("recall", recall),
			zap.Float64("min_recall", minRecall),
		)
		if recall < minRecall {
			failed = append(failed, fmt.Sprintf("%s recall %.4f below %.4f", store.Kind(), recall, minRecall))
		}
	}
	if len(failed) > 0 {
		return cli.Exit(fmt.Sprint(failed), 1)
	}
	return nil
}

// measureRecall samples stored embeddings as queries and returns the mean
// recall of ix against an exact scan.
func measureRecall(ctx context.Context, store *corpus.Store, ix *ann.Index, queries, topN, nprobe int, seed uint64) (float64, error) {
	if queries <= 0 {
		return 0, fmt.Errorf("queries must be positive, got %d", queries)
	}
	queries = min(queries, store.Len())
	rng := rand.New(rand.NewPCG(seed, seed))
	scan := memory.NewScanRetriever(store)

	total := 0.0
	for _, i := range rng.Perm(store.Len())[:queries] {
		query := store.At(i).Embedding
		exact, err := scan.Retrieve(ctx, query, topN, repository.Filter{})
		if err != nil {
			return 0, err
		}
		approx, err := ix.Search(query, topN, nprobe, nil)
		if err != nil {
			return 0, err
		}
		total += ann.Recall(approx, exact)
	}
	return total / float64(queries), nil
}

func inspectCommand(c *cli.Context) error {
	cfg := libConfig(c)
	kinds, err := selectKinds(c.String("corpus"))
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(c.App.Writer)
	defer enc.Close()
	for _, kind := range kinds {
		m, err := ann.ReadManifest(bootstrap.IndexDir(cfg, kind))
		if err != nil {
			return fmt.Errorf("read %s manifest: %w", kind, err)
		}
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func exportVertexCommand(c *cli.Context) error {
	log := loggerFrom(c)
	store, err := loadStore(c, libConfig(c))
	if err != nil {
		return err
	}

	path := c.String("output")
	if path == "" {
		path = store.Kind().String() + ".jsonl"
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	n, err := vertex.ExportJSONL(w, store)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Info("Datapoints exported",
		zap.String("corpus", store.Kind().String()),
		zap.String("output", path),
		zap.Int("count", n),
	)
	return nil
}

func createVertexIndexCommand(c *cli.Context) error {
	log := loggerFrom(c)
	project, location := c.String("project"), c.String("location")
	if project == "" {
		return errors.New("--project or VERTEX_PROJECT_ID is required")
	}
	cfg := libConfig(c)
	store, err := loadStore(c, cfg)
	if err != nil {
		return err
	}

	name := c.String("display-name")
	if name == "" {
		name = "qh-" + store.Kind().String()
	}
	client, err := vertex.NewIndexClient(c.Context, location)
	if err != nil {
		return err
	}
	defer client.Close()

	index, err := vertex.CreateIndex[*aiplatform.CreateIndexOperation](c.Context, client, vertex.LocationName(project, location), vertex.IndexSpec{
		DisplayName:      name,
		Description:      fmt.Sprintf("%s passage embeddings (%s)", store.Kind(), cfg.Version()),
		Dimensions:       store.Dimension(),
		ContentsDeltaURI: c.String("contents-uri"),
	}, func(op string) {
		log.Info("Index creation started, this can take up to an hour", zap.String("operation", op))
	})
	if err != nil {
		return err
	}
	log.Info("Index created", zap.String("name", index.Name), zap.String("corpus", store.Kind().String()))
	return nil
}

func upsertVertexCommand(c *cli.Context) error {
	log := loggerFrom(c)
	api := apiconfig.GetConfig()
	project, location := c.String("project"), c.String("location")
	if project == "" {
		return errors.New("--project or VERTEX_PROJECT_ID is required")
	}
	store, err := loadStore(c, libConfig(c))
	if err != nil {
		return err
	}

	indexID := c.String("index-id")
	if indexID == "" {
		indexID = api.VertexQuranIndexID
		if store.Kind() == corpus.KindHadith {
			indexID = api.VertexHadithIndexID
		}
	}
	if indexID == "" {
		return fmt.Errorf("no index id for corpus %s", store.Kind())
	}

	client, err := vertex.NewIndexClient(c.Context, location)
	if err != nil {
		return err
	}
	defer client.Close()

	indexName := vertex.IndexName(project, location, indexID)
	log.Info("Upserting datapoints", zap.String("index", indexName), zap.Int("count", store.Len()))
	n, err := vertex.Upsert(c.Context, client, indexName, store, func(done int) {
		log.Debug("Upsert progress", zap.Int("done", done), zap.Int("total", store.Len()))
	})
	if err != nil {
		return fmt.Errorf("upserted %d of %d datapoints: %w", n, store.Len(), err)
	}
	log.Info("Upsert complete", zap.String("corpus", store.Kind().String()), zap.Int("count", n))
	return nil
}
