package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	deepseekDefaultBaseURL = "https://api.deepseek.com/v1"
	deepseekTimeout        = 300 * time.Second
	deepseekMaxRetries     = 3
)

// DeepSeekClient drives an OpenAI-compatible reasoner endpoint. Deltas carry
// either content or reasoning_content; the latter is surfaced as thought
// tokens.
type DeepSeekClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewDeepSeekClient builds a shared client. baseURL may be empty to use the
// public endpoint.
func NewDeepSeekClient(apiKey, baseURL string, log *zap.Logger) *DeepSeekClient {
	if baseURL == "" {
		baseURL = deepseekDefaultBaseURL
	}
	return &DeepSeekClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: deepseekTimeout},
		log:     log,
	}
}

type deepseekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepseekRequest struct {
	Model       string            `json:"model"`
	Messages    []deepseekMessage `json:"messages"`
	Stream      bool              `json:"stream"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
}

type deepseekChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamChat implements Streamer over the chat-completions SSE protocol.
func (c *DeepSeekClient) StreamChat(ctx context.Context, req Request) (<-chan StreamToken, <-chan error) {
	tokens := make(chan StreamToken, tokenBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		messages := make([]deepseekMessage, 0, len(req.Messages)+1)
		if req.System != "" {
			messages = append(messages, deepseekMessage{Role: RoleSystem, Content: req.System})
		}
		for _, m := range req.Messages {
			messages = append(messages, deepseekMessage{Role: m.Role, Content: m.Content})
		}

		body := deepseekRequest{
			Model:       req.Model,
			Messages:    messages,
			Stream:      true,
			MaxTokens:   int(req.MaxOutputTokens),
			Temperature: req.Temperature,
		}
		payload, err := json.Marshal(body)
		if err != nil {
			errs <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		resp, err := c.connectWithRetry(ctx, payload)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				if data == "[DONE]" {
					return
				}
				continue
			}

			var chunk deepseekChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.log.Warn("skipping malformed stream chunk", zap.Error(err))
				continue
			}
			for _, choice := range chunk.Choices {
				var tok StreamToken
				switch {
				case choice.Delta.Content != "":
					tok.Text = choice.Delta.Content
				case choice.Delta.ReasoningContent != "":
					tok.Thought = choice.Delta.ReasoningContent
				default:
					continue
				}
				select {
				case tokens <- tok:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("stream read: %w", err)
		}
	}()

	return tokens, errs
}

// connectWithRetry opens the SSE stream, retrying transient failures with
// exponential backoff. 4xx responses other than 429 are not retried.
func (c *DeepSeekClient) connectWithRetry(ctx context.Context, payload []byte) (*http.Response, error) {
	url := c.baseURL + "/chat/completions"

	var lastErr error
	for attempt := 1; attempt <= deepseekMaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", deepseekMaxRetries, lastErr)
}
