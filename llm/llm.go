// Package llm abstracts the streaming chat providers behind one token
// interface. Three driver shapes are supported: part-list chunks with separate
// thought parts (Gemini, current SDK), plain-text part iterators (Gemini,
// legacy SDK), and OpenAI-style deltas with reasoning_content (DeepSeek).
package llm

import "context"

// Message roles on the provider wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// StreamToken is one unit of provider output. Exactly one field is non-empty;
// thought tokens are captured by the orchestrator but never forwarded to the
// client.
type StreamToken struct {
	Text    string
	Thought string
}

// Message is one turn of conversation history.
type Message struct {
	Role    string
	Content string
}

// Request describes a single streaming completion.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	MaxOutputTokens int32
	Temperature     float32

	// CachedContent names a provider-side context cache. Empty means none.
	CachedContent string

	// Thinking requests chain-of-thought parts where the provider supports it.
	Thinking bool
}

// Streamer is implemented by every provider driver. Both channels are closed
// when the stream ends; at most one error is delivered. Tokens already read
// remain valid after an error.
type Streamer interface {
	StreamChat(ctx context.Context, req Request) (<-chan StreamToken, <-chan error)
}

const tokenBuffer = 100
