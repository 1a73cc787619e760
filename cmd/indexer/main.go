// Command indexer builds and checks the offline artifacts the search API
// serves from: local ANN indexes and Vertex AI Vector Search datapoints.
package main

import (
	"fmt"
	stdlog "log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/qh-search-api/internal/logger"
)

const loggerKey = "logger"

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		stdlog.Fatal(err)
	}
}

func newApp() *cli.App {
	corpusFlag := func(value string) *cli.StringFlag {
		return &cli.StringFlag{
			Name:    "corpus",
			Aliases: []string{"c"},
			Usage:   "Corpus to process (quran, hadith or all)",
			Value:   value,
		}
	}
	vertexFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{
				Name:    "project",
				Usage:   "GCP project ID (defaults to VERTEX_PROJECT_ID)",
				EnvVars: []string{"VERTEX_PROJECT_ID", "GCP_PROJECT_ID"},
			},
			&cli.StringFlag{
				Name:    "location",
				Usage:   "Vertex AI region",
				EnvVars: []string{"VERTEX_LOCATION"},
				Value:   "us-central1",
			},
		}
	}

	return &cli.App{
		Name:  "indexer",
		Usage: "Build and verify retrieval artifacts for the Quran and Hadith corpora",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "env",
				Usage:   "Logging environment (local or prod)",
				EnvVars: []string{"ENV"},
				Value:   "local",
			},
			&cli.StringFlag{
				Name:  "quran-db",
				Usage: "Quran SQLite database (overrides QURAN_DB_PATH)",
			},
			&cli.StringFlag{
				Name:  "hadith-db",
				Usage: "Hadith SQLite database (overrides HADITH_DB_PATH)",
			},
			&cli.StringFlag{
				Name:  "index-dir",
				Usage: "Artifact root, one subdirectory per corpus (overrides INDEX_DIR)",
			},
			&cli.StringFlag{
				Name:  "encoder-version",
				Usage: "Encoder version recorded in artifacts (overrides ENCODER_VERSION)",
			},
		},
		Before: setupLogger,
		After: func(c *cli.Context) error {
			_ = loggerFrom(c).Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "build",
				Usage:  "Build ANN index artifacts from the corpus embeddings",
				Action: buildCommand,
				Flags: []cli.Flag{
					corpusFlag("all"),
					&cli.IntFlag{
						Name:  "nlist",
						Usage: "Number of partitions (0 picks sqrt of the corpus size)",
					},
					&cli.IntFlag{
						Name:  "iterations",
						Usage: "Maximum k-means iterations",
						Value: 20,
					},
					&cli.Uint64Flag{
						Name:  "seed",
						Usage: "Seed for reproducible builds",
						Value: 1,
					},
				},
			},
			{
				Name:   "verify",
				Usage:  "Measure recall of the saved artifacts against an exact scan",
				Action: verifyCommand,
				Flags: []cli.Flag{
					corpusFlag("all"),
					&cli.IntFlag{
						Name:  "queries",
						Usage: "Number of sampled passages used as queries",
						Value: 200,
					},
					&cli.IntFlag{
						Name:  "top",
						Usage: "Neighbors compared per query",
						Value: 10,
					},
					&cli.IntFlag{
						Name:  "nprobe",
						Usage: "Partitions probed per query (0 uses the index default)",
					},
					&cli.Float64Flag{
						Name:  "min-recall",
						Usage: "Fail when mean recall is below this value",
						Value: 0.9,
					},
					&cli.Uint64Flag{
						Name:  "seed",
						Usage: "Seed for query sampling",
						Value: 1,
					},
				},
			},
			{
				Name:   "inspect",
				Usage:  "Print the manifest of a saved artifact",
				Action: inspectCommand,
				Flags:  []cli.Flag{corpusFlag("all")},
			},
			{
				Name:   "export-vertex",
				Usage:  "Write corpus embeddings as Vertex AI JSONL datapoints",
				Action: exportVertexCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "corpus",
						Aliases:  []string{"c"},
						Usage:    "Corpus to export (quran or hadith)",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output JSONL file (defaults to <corpus>.jsonl)",
					},
				},
			},
			{
				Name:   "create-vertex-index",
				Usage:  "Create a stream-update Vertex AI index sized for a corpus",
				Action: createVertexIndexCommand,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "corpus",
						Aliases:  []string{"c"},
						Usage:    "Corpus the index serves (quran or hadith)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "display-name",
						Usage: "Index display name (defaults to qh-<corpus>)",
					},
					&cli.StringFlag{
						Name:    "contents-uri",
						Usage:   "gs:// prefix holding exported JSONL for the initial import",
						EnvVars: []string{"GCS_BUCKET_URI"},
					},
				}, vertexFlags()...),
			},
			{
				Name:   "upsert-vertex",
				Usage:  "Stream corpus datapoints into a Vertex AI index",
				Action: upsertVertexCommand,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "corpus",
						Aliases:  []string{"c"},
						Usage:    "Corpus to upsert (quran or hadith)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "index-id",
						Usage: "Index ID (defaults to VERTEX_QURAN_INDEX_ID or VERTEX_HADITH_INDEX_ID)",
					},
				}, vertexFlags()...),
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	l, err := logger.NewLogger(c.String("env"), c.String("log-level"))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata[loggerKey] = l
	return nil
}

func loggerFrom(c *cli.Context) *zap.Logger {
	if l, ok := c.App.Metadata[loggerKey].(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}
