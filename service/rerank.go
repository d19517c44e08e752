package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"lexmx-backend/models"
)

const (
	rerankTimeout      = 10 * time.Second
	rerankDocMaxChars  = 2000
	defaultRerankModel = "rerank-2.5"
)

// RerankClient reorders retrieved documents by relevance through an external
// rerank endpoint. Reranking is strictly best-effort: any failure keeps the
// original ordering.
type RerankClient struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
	log      *zap.Logger
}

// NewRerankClient returns a client for the given endpoint. An empty model
// selects the default.
func NewRerankClient(apiKey, endpoint, model string, log *zap.Logger) *RerankClient {
	if model == "" {
		model = defaultRerankModel
	}
	return &RerankClient{
		apiKey:   apiKey,
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: rerankTimeout},
		log:      log,
	}
}

// Enabled reports whether the client is configured to make calls.
func (c *RerankClient) Enabled() bool {
	return c != nil && c.apiKey != "" && c.endpoint != ""
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank reorders docs by model relevance and returns at most topN of them.
// Document text is truncated before sending; returned scores replace the
// retrieval scores. On any failure the input slice is returned unchanged.
func (c *RerankClient) Rerank(ctx context.Context, query string, docs []models.Document, topN int) []models.Document {
	if !c.Enabled() || len(docs) == 0 || query == "" {
		return docs
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	passages := make([]string, len(docs))
	for i, d := range docs {
		text := d.Texto
		if len([]rune(text)) > rerankDocMaxChars {
			text = string([]rune(text)[:rerankDocMaxChars])
		}
		passages[i] = text
	}

	body, err := json.Marshal(rerankRequest{
		Model:     c.model,
		Query:     query,
		Documents: passages,
		TopN:      topN,
	})
	if err != nil {
		c.log.Warn("rerank marshal failed, keeping retrieval order", zap.Error(err))
		return docs
	}

	ctx, cancel := context.WithTimeout(ctx, rerankTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		c.log.Warn("rerank request build failed, keeping retrieval order", zap.Error(err))
		return docs
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("rerank call failed, keeping retrieval order", zap.Error(err))
		return docs
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("rerank returned non-200, keeping retrieval order",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(detail)))
		return docs
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.log.Warn("rerank decode failed, keeping retrieval order", zap.Error(err))
		return docs
	}
	if len(parsed.Results) == 0 {
		return docs
	}

	reranked := make([]models.Document, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			c.log.Warn("rerank returned out-of-range index", zap.Int("index", r.Index))
			return docs
		}
		doc := docs[r.Index]
		doc.Score = r.RelevanceScore
		reranked = append(reranked, doc)
	}
	return reranked
}
