package vectordb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemProvider is the embedded, pure-Go index for local mode. Vectors
// live in memory with optional gob persistence under a directory.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

func NewChromemProvider(path string) (*ChromemProvider, error) {
	var db *chromem.DB
	if path != "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vector directory: %w", err)
		}
		dbPath := filepath.Join(path, "vectors.gob")
		if _, err := os.Stat(dbPath); err == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				return nil, fmt.Errorf("failed to load vector database: %w", err)
			}
			db = loaded
		}
	}
	if db == nil {
		db = chromem.NewDB()
	}
	return &ChromemProvider{
		db:          db,
		persistPath: path,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (p *ChromemProvider) Name() string { return "chromem" }

// noEmbed rejects text embedding; all vectors arrive pre-computed.
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be pre-computed")
}

func (p *ChromemProvider) collection(name string) (*chromem.Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if col, ok := p.collections[name]; ok {
		return col, nil
	}
	col, err := p.db.GetOrCreateCollection(name, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}

	strMeta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMeta[k] = fmt.Sprint(v)
	}
	content := ""
	if c, ok := metadata["content"].(string); ok {
		content = c
	}

	err = col.AddDocuments(ctx, []chromem.Document{{
		ID:        id,
		Content:   content,
		Metadata:  strMeta,
		Embedding: vector,
	}}, 1)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return p.persist()
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *ChromemProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := p.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem refuses topK larger than the collection.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}

	hits, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		meta := make(map[string]any, len(hit.Metadata))
		for k, v := range hit.Metadata {
			meta[k] = v
		}
		out = append(out, Result{
			ID:       hit.ID,
			Score:    hit.Similarity,
			Content:  hit.Content,
			Metadata: meta,
		})
	}
	return out, nil
}

func (p *ChromemProvider) Delete(ctx context.Context, collection, id string) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return p.persist()
}

func (p *ChromemProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	delete(p.collections, collection)
	return nil
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}
	dbPath := filepath.Join(p.persistPath, "vectors.gob")
	if err := p.db.Export(dbPath, false, ""); err != nil {
		return fmt.Errorf("failed to persist vector database: %w", err)
	}
	return nil
}

func (p *ChromemProvider) Close() error { return p.persist() }
