package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/qh-search-api/pkg/schema/config"
)

// LocalEmbedder runs a sentence-transformers model in process through hugot.
// The model is downloaded and loaded on first use; a load failure is permanent
// for the life of the process.
type LocalEmbedder struct {
	modelName string
	modelDir  string

	once     sync.Once
	loadErr  error
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
}

// NewLocalEmbedder creates a lazily loaded local embedder
func NewLocalEmbedder(cfg *config.Config) *LocalEmbedder {
	return &LocalEmbedder{
		modelName: cfg.EmbeddingModel,
		modelDir:  cfg.ModelDir,
	}
}

// Embed generates an embedding for a single text
func (e *LocalEmbedder) Embed(ctx context.Context, text string, taskType TaskType) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding generated")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts. The model is symmetric,
// so the task type is ignored.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string, _ TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.load(); err != nil {
		return nil, err
	}

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("model returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// Close releases the hugot session
func (e *LocalEmbedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

func (e *LocalEmbedder) load() error {
	e.once.Do(func() {
		modelPath, err := prepareModel(e.modelName, e.modelDir)
		if err != nil {
			e.loadErr = err
			return
		}

		session, err := hugot.NewGoSession()
		if err != nil {
			e.loadErr = fmt.Errorf("failed to create hugot session: %w", err)
			return
		}

		pipeline, err := hugot.NewPipeline(session, hugot.FeatureExtractionConfig{
			ModelPath: modelPath,
			Name:      "query-embedder",
		})
		if err != nil {
			if destroyErr := session.Destroy(); destroyErr != nil {
				e.loadErr = fmt.Errorf("failed to create embedding pipeline: %w (cleanup error: %v)", err, destroyErr)
				return
			}
			e.loadErr = fmt.Errorf("failed to create embedding pipeline: %w", err)
			return
		}

		e.session = session
		e.pipeline = pipeline
	})
	return e.loadErr
}

// prepareModel downloads the model into modelDir if it is not there yet and
// returns its path.
func prepareModel(modelName, modelDir string) (string, error) {
	modelPath := filepath.Join(modelDir, strings.ReplaceAll(modelName, "/", "_"))
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat model directory: %w", err)
	}

	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}
	downloadOptions := hugot.NewDownloadOptions()
	downloadOptions.OnnxFilePath = "onnx/model.onnx"
	downloadedPath, err := hugot.DownloadModel(modelName, modelDir, downloadOptions)
	if err != nil {
		return "", fmt.Errorf("failed to download model: %w", err)
	}
	return downloadedPath, nil
}
