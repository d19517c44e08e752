package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
)

// FlashClient drives Gemini through the legacy SDK, which yields plain text
// parts with no thought channel. The orchestrator uses it as the default chat
// fallback.
type FlashClient struct {
	client *genai.Client
	log    *zap.Logger
}

// NewFlashClient wraps an already-initialized legacy SDK client; the same
// client instance also serves the enrichment agent.
func NewFlashClient(client *genai.Client, log *zap.Logger) *FlashClient {
	return &FlashClient{client: client, log: log}
}

// StreamChat implements Streamer over the legacy response iterator.
func (c *FlashClient) StreamChat(ctx context.Context, req Request) (<-chan StreamToken, <-chan error) {
	tokens := make(chan StreamToken, tokenBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		if len(req.Messages) == 0 {
			errs <- fmt.Errorf("empty message history")
			return
		}

		model := c.client.GenerativeModel(req.Model)
		if req.System != "" {
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
		}
		if req.MaxOutputTokens > 0 {
			model.SetMaxOutputTokens(req.MaxOutputTokens)
		}
		if req.Temperature > 0 {
			model.SetTemperature(req.Temperature)
		}

		cs := model.StartChat()
		for _, m := range req.Messages[:len(req.Messages)-1] {
			role := "user"
			if m.Role == RoleAssistant {
				role = "model"
			}
			cs.History = append(cs.History, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}

		last := req.Messages[len(req.Messages)-1]
		iter := cs.SendMessageStream(ctx, genai.Text(last.Content))
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("gemini legacy stream: %w", err)
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					text, ok := part.(genai.Text)
					if !ok || text == "" {
						continue
					}
					select {
					case tokens <- StreamToken{Text: string(text)}:
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
