package services

import (
	"context"
	"errors"
	"fmt"
)

// TaskType represents the type of embedding task. Backends that support
// asymmetric retrieval embed queries and documents differently.
type TaskType string

const (
	TaskTypeQuery    TaskType = "RETRIEVAL_QUERY"
	TaskTypeDocument TaskType = "RETRIEVAL_DOCUMENT"
)

var (
	// ErrEncoding is the root of every encoder failure.
	ErrEncoding = errors.New("encoding failed")
	// ErrEmptyText signals a query with no content after trimming.
	ErrEmptyText = fmt.Errorf("%w: empty text", ErrEncoding)
	// ErrEncoderUnavailable signals that the backend could not produce a vector.
	ErrEncoderUnavailable = fmt.Errorf("%w: encoder unavailable", ErrEncoding)
)

// Embedder defines the interface for text embedding operations
type Embedder interface {
	// Embed generates an embedding for a single text with the given task type
	Embed(ctx context.Context, text string, taskType TaskType) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts with the given task type.
	// The output preserves input order.
	EmbedBatch(ctx context.Context, texts []string, taskType TaskType) ([][]float32, error)
}
