package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/httpclient"
)

// MilvusProvider reaches milvus through its HTTP API with the shared
// retrying client.
type MilvusProvider struct {
	baseURL string
	apiKey  string
	client  *httpclient.Client
}

func NewMilvusProvider(cfg config.VectorDBConfig) (*MilvusProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for milvus")
	}
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	port := cfg.Port
	if port == 0 {
		port = 19530
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &MilvusProvider{
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port),
		apiKey:  cfg.APIKey,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(3),
		),
	}, nil
}

func (p *MilvusProvider) Name() string { return "milvus" }

func (p *MilvusProvider) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("milvus request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("milvus returned status %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode milvus response: %w", err)
		}
	}
	return nil
}

func (p *MilvusProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	row := map[string]any{"id": id, "vector": vector}
	for k, v := range metadata {
		row[k] = v
	}
	payload := map[string]any{
		"collection_name": collection,
		"data":            []map[string]any{row},
	}
	return p.post(ctx, "/api/v1/entities", payload, nil)
}

type milvusSearchResponse struct {
	Data []struct {
		ID       string         `json:"id"`
		Distance float32        `json:"distance"`
		Entity   map[string]any `json:"entity"`
	} `json:"data"`
}

func (p *MilvusProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *MilvusProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	payload := map[string]any{
		"collection_name": collection,
		"vector":          vector,
		"top_k":           topK,
		"metric_type":     "COSINE",
	}
	if len(filter) > 0 {
		payload["expr"] = buildMilvusExpr(filter)
	}

	var resp milvusSearchResponse
	if err := p.post(ctx, "/api/v1/search", payload, &resp); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(resp.Data))
	for _, hit := range resp.Data {
		content := ""
		if c, ok := hit.Entity["content"].(string); ok {
			content = c
		}
		results = append(results, Result{
			ID:       hit.ID,
			Score:    hit.Distance,
			Content:  content,
			Metadata: hit.Entity,
		})
	}
	return results, nil
}

func buildMilvusExpr(filter map[string]any) string {
	terms := make([]string, 0, len(filter))
	for k, v := range filter {
		terms = append(terms, fmt.Sprintf(`%s == "%v"`, k, v))
	}
	return strings.Join(terms, " && ")
}

func (p *MilvusProvider) Delete(ctx context.Context, collection, id string) error {
	payload := map[string]any{
		"collection_name": collection,
		"expr":            fmt.Sprintf(`id == "%s"`, id),
	}
	return p.post(ctx, "/api/v1/entities/delete", payload, nil)
}

func (p *MilvusProvider) DeleteCollection(ctx context.Context, collection string) error {
	payload := map[string]any{"collection_name": collection}
	return p.post(ctx, "/api/v1/collection/drop", payload, nil)
}

func (p *MilvusProvider) Close() error { return nil }
