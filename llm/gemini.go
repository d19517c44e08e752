package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiClient drives Gemini through the current SDK. It is the only driver
// that supports thought parts and cached-content references, so the
// orchestrator routes thinking mode and the cache path here.
type GeminiClient struct {
	client *genai.Client
	log    *zap.Logger
}

// NewGeminiClient builds a shared, reentrant client for the Gemini API.
func NewGeminiClient(ctx context.Context, apiKey string, log *zap.Logger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, log: log}, nil
}

// StreamChat implements Streamer. Response chunks arrive as part lists; each
// part is either thought or output text and is forwarded as the matching token
// kind.
func (c *GeminiClient) StreamChat(ctx context.Context, req Request) (<-chan StreamToken, <-chan error) {
	tokens := make(chan StreamToken, tokenBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		config := &genai.GenerateContentConfig{}
		if req.MaxOutputTokens > 0 {
			config.MaxOutputTokens = req.MaxOutputTokens
		}
		if req.Temperature > 0 {
			config.Temperature = genai.Ptr(req.Temperature)
		}
		if req.Thinking {
			config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		}

		contents := make([]*genai.Content, 0, len(req.Messages)+1)
		if req.System != "" {
			if req.CachedContent != "" {
				// The API rejects a request system instruction when the cache
				// already defines one; send it as a leading user turn instead.
				contents = append(contents, genai.NewContentFromText(req.System, genai.RoleUser))
			} else {
				config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
			}
		}
		if req.CachedContent != "" {
			config.CachedContent = req.CachedContent
		}
		for _, m := range req.Messages {
			var role genai.Role = genai.RoleUser
			if m.Role == RoleAssistant {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(m.Content, role))
		}

		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				errs <- fmt.Errorf("gemini stream: %w", err)
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part == nil || part.Text == "" {
						continue
					}
					tok := StreamToken{}
					if part.Thought {
						tok.Thought = part.Text
					} else {
						tok.Text = part.Text
					}
					select {
					case tokens <- tok:
					case <-ctx.Done():
						errs <- ctx.Err()
						return
					}
				}
			}
		}
	}()

	return tokens, errs
}

// ProbeCache reports whether the named context cache exists and has not
// expired. A missing cache is not an error for callers; they fall back to the
// uncached path.
func (c *GeminiClient) ProbeCache(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	cached, err := c.client.Caches.Get(ctx, name, nil)
	if err != nil {
		return false, err
	}
	if !cached.ExpireTime.IsZero() && cached.ExpireTime.Before(time.Now()) {
		c.log.Info("context cache expired", zap.String("cache", name),
			zap.Time("expire_time", cached.ExpireTime))
		return false, nil
	}
	return true, nil
}
