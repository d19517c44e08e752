package models

import (
	"regexp"
	"strings"
)

// Chat message roles accepted on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one turn of client-supplied conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// top_k bounds for the chat contract.
const (
	DefaultTopK = 40
	MinTopK     = 1
	MaxTopK     = 80
)

// ChatRequest is the body of POST /chat. Turns are stateless; the client
// resends the full history every time.
type ChatRequest struct {
	Messages            []ChatMessage `json:"messages"`
	Estado              *string       `json:"estado"`
	TopK                int           `json:"top_k"`
	EnableReasoning     bool          `json:"enable_reasoning"`
	EnableGenioJuridico bool          `json:"enable_genio_juridico"`
	UserID              *string       `json:"user_id"`
	Materia             *string       `json:"materia"`
	Fuero               *string       `json:"fuero"`
}

// ClampTopK applies the contract default and bounds.
func (r *ChatRequest) ClampTopK() {
	if r.TopK == 0 {
		r.TopK = DefaultTopK
	}
	if r.TopK < MinTopK {
		r.TopK = MinTopK
	}
	if r.TopK > MaxTopK {
		r.TopK = MaxTopK
	}
}

// LatestUserMessage returns the content of the most recent user message, or ""
// if the history carries none.
func (r *ChatRequest) LatestUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Inline attachment markers. Clients paste staged documents into a message
// wrapped in these delimiters; the sanitizer strips the wrapped content before
// scanning and the orchestrator uses them for mode detection and truncation.
const (
	AttachedDocumentOpen  = "===DOCUMENTO ADJUNTO:"
	AttachedSentenciaOpen = "===SENTENCIA ADJUNTA:"
	AttachedClose         = "===FIN DOCUMENTO==="
)

var attachedBlockRe = regexp.MustCompile(`(?s)===(?:DOCUMENTO ADJUNTO|SENTENCIA ADJUNTA):[^\n]*===.*?===FIN DOCUMENTO===`)

// StripAttachedDocuments removes attached-document blocks from text. Document
// bodies legitimately contain words that would trip the security scan.
func StripAttachedDocuments(text string) string {
	return attachedBlockRe.ReplaceAllString(text, "")
}

// HasAttachedDocument reports whether any message carries an inline attachment.
func (r *ChatRequest) HasAttachedDocument() bool {
	for _, m := range r.Messages {
		if strings.Contains(m.Content, AttachedDocumentOpen) ||
			strings.Contains(m.Content, AttachedSentenciaOpen) {
			return true
		}
	}
	return false
}

// HasAttachedSentencia reports whether any message carries an inline sentencia.
func (r *ChatRequest) HasAttachedSentencia() bool {
	for _, m := range r.Messages {
		if strings.Contains(m.Content, AttachedSentenciaOpen) {
			return true
		}
	}
	return false
}

// AttachedContentLength returns the total rune length of attached blocks across
// the history. Used to suppress the context cache for large documents.
func (r *ChatRequest) AttachedContentLength() int {
	total := 0
	for _, m := range r.Messages {
		for _, block := range attachedBlockRe.FindAllString(m.Content, -1) {
			total += len([]rune(block))
		}
	}
	return total
}

// Error codes returned by the pre-flight gates as single JSON payloads.
const (
	ErrCodeAccountSuspended = "account_suspended"
	ErrCodeQuotaExceeded    = "quota_exceeded"
	ErrCodeInputRejected    = "input_rejected"
	ErrCodeSecurityBlocked  = "security_blocked"
	ErrCodeRateLimited      = "rate_limited"
)

// Stream sentinels embedded in the response body.
const (
	CacheActiveSentinel    = "<!--CACHE:ACTIVE-->"
	CitationTrailerOpen    = "<!-- CITATION_META:"
	CitationTrailerClose   = " -->"
	ContinuationAskMessage = "He agotado el espacio de razonamiento para esta respuesta. Por favor pídeme continuar para desarrollar la conclusión."
)
