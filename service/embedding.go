package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"lexmx-backend/models"
)

var ErrEmbeddingFailed = errors.New("failed to generate embedding")

const (
	embeddingAPI      = "https://generativelanguage.googleapis.com/v1beta/models/gemini-embedding-001:embedContent"
	batchEmbeddingAPI = "https://generativelanguage.googleapis.com/v1beta/models/gemini-embedding-001:batchEmbedContents"

	embeddingModel = "models/gemini-embedding-001"

	// EmbeddingBatchSize bounds batch calls at ingestion time.
	EmbeddingBatchSize = 50

	// Inputs beyond this are truncated before embedding.
	embeddingMaxChars = 30000

	taskRetrievalQuery    = "RETRIEVAL_QUERY"
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"

	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// EmbeddingRequest represents an embedding API request
type EmbeddingRequest struct {
	Model                string       `json:"model"`
	Content              ContentInput `json:"content"`
	TaskType             string       `json:"task_type,omitempty"`
	OutputDimensionality int          `json:"output_dimensionality,omitempty"`
}

// ContentInput represents content for embedding
type ContentInput struct {
	Parts []PartInput `json:"parts"`
}

// PartInput represents a part of content
type PartInput struct {
	Text string `json:"text"`
}

// EmbeddingResponse represents an embedding API response
type EmbeddingResponse struct {
	Embedding EmbeddingData `json:"embedding"`
}

// BatchEmbeddingRequest represents a batch embedding API request
type BatchEmbeddingRequest struct {
	Requests []EmbeddingRequest `json:"requests"`
}

// BatchEmbeddingResponse represents a batch embedding API response
type BatchEmbeddingResponse struct {
	Embeddings []EmbeddingData `json:"embeddings"`
}

// EmbeddingData contains the embedding values
type EmbeddingData struct {
	Values []float32 `json:"values"`
}

// EmbeddingClient produces 1536-dim dense vectors through the Gemini embedding
// REST API. One shared instance per process.
type EmbeddingClient struct {
	apiKey   string
	endpoint string
	batchURL string
	client   *http.Client
	log      *zap.Logger
}

func NewEmbeddingClient(apiKey string, log *zap.Logger) *EmbeddingClient {
	return &EmbeddingClient{
		apiKey:   apiKey,
		endpoint: embeddingAPI,
		batchURL: batchEmbeddingAPI,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
	}
}

// EmbedQuery embeds a retrieval query.
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text, taskRetrievalQuery)
}

// EmbedDocument embeds a single passage for indexing.
func (c *EmbeddingClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text, taskRetrievalDocument)
}

func (c *EmbeddingClient) embed(ctx context.Context, text, taskType string) ([]float32, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}

	reqBody := EmbeddingRequest{
		Model: embeddingModel,
		Content: ContentInput{
			Parts: []PartInput{{Text: truncateForEmbedding(text)}},
		},
		TaskType:             taskType,
		OutputDimensionality: models.EmbeddingDim,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	backoff := initialBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, err)
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			var apiResp EmbeddingResponse
			if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
				resp.Body.Close()
				if attempt == maxRetries-1 {
					return nil, fmt.Errorf("failed to decode response: %w", err)
				}
				continue
			}
			resp.Body.Close()
			return normalizeEmbedding(apiResp.Embedding.Values), nil
		}

		resp.Body.Close()

		// Don't retry on 400 or 401 errors
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("API error: %d", resp.StatusCode)
		}

		if attempt == maxRetries-1 {
			return nil, fmt.Errorf("API error after %d attempts: %d", maxRetries, resp.StatusCode)
		}
	}

	return nil, ErrEmbeddingFailed
}

// EmbedDocuments embeds passages in batches of EmbeddingBatchSize, preserving
// input order.
func (c *EmbeddingClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += EmbeddingBatchSize {
		end := start + EmbeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := BatchEmbeddingRequest{Requests: make([]EmbeddingRequest, 0, end-start)}
		for _, t := range texts[start:end] {
			batch.Requests = append(batch.Requests, EmbeddingRequest{
				Model: embeddingModel,
				Content: ContentInput{
					Parts: []PartInput{{Text: truncateForEmbedding(t)}},
				},
				TaskType:             taskRetrievalDocument,
				OutputDimensionality: models.EmbeddingDim,
			})
		}

		vectors, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *EmbeddingClient) embedBatch(ctx context.Context, batch BatchEmbeddingRequest) ([][]float32, error) {
	jsonData, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	backoff := initialBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.batchURL, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, err)
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			var apiResp BatchEmbeddingResponse
			if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
				resp.Body.Close()
				if attempt == maxRetries-1 {
					return nil, fmt.Errorf("failed to decode response: %w", err)
				}
				continue
			}
			resp.Body.Close()

			vectors := make([][]float32, len(apiResp.Embeddings))
			for i, e := range apiResp.Embeddings {
				vectors[i] = normalizeEmbedding(e.Values)
			}
			return vectors, nil
		}

		resp.Body.Close()

		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("API error: %d", resp.StatusCode)
		}

		if attempt == maxRetries-1 {
			return nil, fmt.Errorf("API error after %d attempts: %d", maxRetries, resp.StatusCode)
		}
	}

	return nil, ErrEmbeddingFailed
}

func truncateForEmbedding(text string) string {
	if len(text) <= embeddingMaxChars {
		return text
	}
	return text[:embeddingMaxChars]
}

func normalizeEmbedding(vec []float32) []float32 {
	norm := 0.0
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
