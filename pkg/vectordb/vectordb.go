// Package vectordb provides the vector index used by semantic prompt
// routing. Three providers implement the same narrow interface: qdrant
// (gRPC), milvus (HTTP) and chromem (embedded, for local mode).
package vectordb

import (
	"context"
	"fmt"

	"github.com/agenticwork/activitycore/pkg/config"
)

// Result is one similarity hit. Score is cosine similarity in [0, 1].
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider is the vector index seam. Collections are created implicitly on
// first upsert.
type Provider interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteCollection(ctx context.Context, collection string) error
	Name() string
	Close() error
}

// New builds the provider selected by the configuration.
func New(cfg config.VectorDBConfig) (Provider, error) {
	switch cfg.Type {
	case "qdrant":
		return NewQdrantProvider(cfg)
	case "milvus":
		return NewMilvusProvider(cfg)
	case "chromem", "":
		return NewChromemProvider(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported vector database type: %s", cfg.Type)
	}
}
