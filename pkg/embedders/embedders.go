// Package embedders turns text into vectors for semantic prompt routing.
package embedders

import (
	"context"
	"fmt"

	"github.com/agenticwork/activitycore/pkg/config"
)

// Embedder produces a fixed-dimension vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
	Close() error
}

// New builds the embedder selected by the configuration.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama", "":
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}
}
