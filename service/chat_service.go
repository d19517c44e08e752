package service

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lexmx-backend/llm"
	"lexmx-backend/models"
)

const (
	maxOutputTokensDefault  = 32000
	maxOutputTokensThinking = 50000

	// Attachments beyond this suppress the context cache: corpus + document +
	// history could exceed the provider's window.
	cacheSuppressAttachedRunes = 50000

	// Attached sentencia content is truncated to this many runes per block.
	sentenciaMaxRunes = 80000
)

// GateError is a pre-flight rejection: blocked account, exhausted quota,
// sanitizer rejection, or a critical security match. It maps 1:1 onto the
// chat contract's single-JSON error payloads.
type GateError struct {
	Code    string
	Message string
	Status  int
	Quota   *models.QuotaStatus
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UserStore is the quota surface of the user repository.
type UserStore interface {
	IsBlocked(ctx context.Context, userID string) (bool, error)
	ConsumeQuery(ctx context.Context, userID string) (*models.QuotaStatus, error)
}

// CacheProber checks the provider-side context cache by name.
type CacheProber interface {
	ProbeCache(ctx context.Context, name string) (bool, error)
}

// ChatConfig carries the model names and cache reference, resolved from the
// environment in main.
type ChatConfig struct {
	ReasonerModel string // provider A: sentencia analysis
	ThinkingModel string // provider B: thinking mode
	CachedModel   string // provider C: context-cache path
	DefaultModel  string // provider D: fallback chat
	CacheName     string // provider-side cache reference, empty disables
}

// ChatService orchestrates one chat turn: gates, retrieval, model selection,
// streaming and citation verification.
type ChatService struct {
	retrieval *RetrievalService
	assembler *ContextAssembler
	verifier  *CitationVerifier
	security  *SecurityService
	users     UserStore

	reasoner llm.Streamer // DeepSeek
	thinking llm.Streamer // Gemini, current SDK
	fallback llm.Streamer // Gemini, legacy SDK
	prober   CacheProber

	config ChatConfig
	log    *zap.Logger
}

func NewChatService(
	retrieval *RetrievalService,
	assembler *ContextAssembler,
	verifier *CitationVerifier,
	security *SecurityService,
	users UserStore,
	reasoner, thinking, fallback llm.Streamer,
	prober CacheProber,
	config ChatConfig,
	log *zap.Logger,
) *ChatService {
	return &ChatService{
		retrieval: retrieval,
		assembler: assembler,
		verifier:  verifier,
		security:  security,
		users:     users,
		reasoner:  reasoner,
		thinking:  thinking,
		fallback:  fallback,
		prober:    prober,
		config:    config,
		log:       log,
	}
}

// Turn is one prepared chat exchange: model chosen, context assembled,
// messages composed. The handler sets response headers from it before
// streaming.
type Turn struct {
	Model       string
	Mode        ChatMode
	Thinking    bool
	CacheActive bool

	streamer llm.Streamer
	request  llm.Request
	docIDMap map[string]models.Document
}

// PrepareTurn runs the gates and the retrieval pipeline. Quota check,
// retrieval and the cache probe execute in parallel; a gate rejection aborts
// and the retrieval results are discarded.
func (s *ChatService) PrepareTurn(ctx context.Context, req *models.ChatRequest) (*Turn, error) {
	req.ClampTopK()
	query := req.LatestUserMessage()
	if query == "" {
		return nil, &GateError{
			Code:    models.ErrCodeInputRejected,
			Message: "se requiere al menos un mensaje de usuario",
			Status:  http.StatusBadRequest,
		}
	}

	clean, err := s.security.Sanitize(query)
	if err != nil {
		return nil, &GateError{
			Code:    models.ErrCodeInputRejected,
			Message: "La consulta contiene contenido no permitido. Reformúlala en términos jurídicos.",
			Status:  http.StatusBadRequest,
		}
	}
	query = clean
	if err := s.security.Scan(ctx, query, req.UserID); err != nil {
		return nil, &GateError{
			Code:    models.ErrCodeSecurityBlocked,
			Message: "La consulta fue bloqueada por políticas de seguridad.",
			Status:  http.StatusForbidden,
		}
	}

	mode := DetectMode(req)
	attachedLen := req.AttachedContentLength()
	probeCache := req.EnableGenioJuridico &&
		s.config.CacheName != "" &&
		mode != ModeSentenciaAnalysis &&
		attachedLen <= cacheSuppressAttachedRunes

	var (
		gateErr     *GateError
		result      *RetrievalResult
		cacheActive bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gateErr = s.gate(gctx, req)
		if gateErr != nil {
			return gateErr
		}
		return nil
	})
	g.Go(func() error {
		r, err := s.retrieval.Retrieve(gctx, RetrievalRequest{
			Query:   models.StripAttachedDocuments(query),
			Estado:  derefOrEmpty(req.Estado),
			Fuero:   models.ParseFuero(derefOrEmpty(req.Fuero)),
			Materia: models.ParseMateria(derefOrEmpty(req.Materia)),
			TopK:    req.TopK,
		})
		if err != nil {
			// Retrieval failure degrades to an empty context rather than
			// aborting the turn.
			s.log.Error("retrieval failed, answering without context", zap.Error(err))
			r = &RetrievalResult{
				Plan:     models.DefaultRetrievalPlan(),
				DocIDMap: map[string]models.Document{},
			}
		}
		result = r
		return nil
	})
	g.Go(func() error {
		if !probeCache {
			return nil
		}
		ok, err := s.prober.ProbeCache(gctx, s.config.CacheName)
		if err != nil {
			s.log.Warn("cache probe failed", zap.Error(err))
			return nil
		}
		cacheActive = ok
		return nil
	})
	if err := g.Wait(); err != nil {
		if gateErr != nil {
			return nil, gateErr
		}
		return nil, err
	}

	estado := ""
	if len(result.Estados) > 0 {
		estado = result.Estados[0]
	}
	contextBlock := ""
	cheatSheet := ""
	if len(result.Documents) > 0 {
		contextBlock = s.assembler.Assemble(result.Documents, estado, result.Estados)
		cheatSheet = s.assembler.CheatSheet(result.Documents)
	}

	turn := &Turn{
		Mode:        mode,
		CacheActive: cacheActive,
		docIDMap:    result.DocIDMap,
	}
	s.selectModel(turn, req)

	turn.request = llm.Request{
		Model:           turn.Model,
		System:          ComposeSystemBlock(mode, estado, contextBlock, cheatSheet),
		Messages:        composeHistory(s.security.CleanMessages(req.Messages)),
		MaxOutputTokens: maxOutputTokensDefault,
		Temperature:     0.3,
	}
	if turn.Thinking {
		turn.request.MaxOutputTokens = maxOutputTokensThinking
		turn.request.Thinking = true
	}
	if turn.CacheActive {
		turn.request.CachedContent = s.config.CacheName
	}
	return turn, nil
}

// selectModel applies the provider priority order: sentencia analysis goes to
// the reasoner, thinking mode to the thought-capable driver, a valid cache to
// the cached path, everything else to the default chat model.
func (s *ChatService) selectModel(turn *Turn, req *models.ChatRequest) {
	isDrafting := turn.Mode == ModeDrafting || turn.Mode == ModeChatDrafting
	wantsThinking := req.EnableReasoning || req.HasAttachedDocument() || isDrafting

	switch {
	case turn.Mode == ModeSentenciaAnalysis:
		turn.Model = s.config.ReasonerModel
		turn.streamer = s.reasoner
		turn.Thinking = true
		turn.CacheActive = false
	case wantsThinking:
		turn.Model = s.config.ThinkingModel
		turn.streamer = s.thinking
		turn.Thinking = true
		turn.CacheActive = false
	case turn.CacheActive:
		turn.Model = s.config.CachedModel
		turn.streamer = s.thinking
	default:
		turn.Model = s.config.DefaultModel
		turn.streamer = s.fallback
		turn.CacheActive = false
	}
}

// gate runs the block check and the atomic quota consumption in parallel.
// Store failures are logged and treated as allow so the service stays
// available during outages.
func (s *ChatService) gate(ctx context.Context, req *models.ChatRequest) *GateError {
	userID := derefOrEmpty(req.UserID)
	if userID == "" {
		return nil
	}

	var (
		blocked bool
		quota   *models.QuotaStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.users.IsBlocked(gctx, userID)
		if err != nil {
			s.log.Warn("block check failed, allowing", zap.Error(err))
			return nil
		}
		blocked = b
		return nil
	})
	g.Go(func() error {
		q, err := s.users.ConsumeQuery(gctx, userID)
		if err != nil {
			s.log.Warn("quota check failed, allowing", zap.Error(err))
			return nil
		}
		quota = q
		return nil
	})
	_ = g.Wait()

	if blocked {
		return &GateError{
			Code:    models.ErrCodeAccountSuspended,
			Message: "Tu cuenta está suspendida. Contacta a soporte.",
			Status:  http.StatusForbidden,
		}
	}
	if quota != nil && !quota.Allowed {
		return &GateError{
			Code:    models.ErrCodeQuotaExceeded,
			Message: "Has alcanzado el límite de consultas de tu plan.",
			Status:  http.StatusForbidden,
			Quota:   quota,
		}
	}
	return nil
}

// StreamTurn drives the provider stream into emit and closes with the
// citation trailer. The trailer is always the last bytes; any provider error
// surfaces inline so the user sees what failed.
func (s *ChatService) StreamTurn(ctx context.Context, turn *Turn, emit func(string) error) {
	var full strings.Builder
	thoughtLen := 0

	if turn.CacheActive {
		if err := emit(models.CacheActiveSentinel); err != nil {
			return
		}
	}

	tokens, errs := turn.streamer.StreamChat(ctx, turn.request)
	for tok := range tokens {
		if tok.Thought != "" {
			// Thought parts are captured but never forwarded.
			thoughtLen += len(tok.Thought)
			continue
		}
		if tok.Text == "" {
			continue
		}
		full.WriteString(tok.Text)
		if err := emit(tok.Text); err != nil {
			// Client gone; stop forwarding but let in-flight work drain.
			s.log.Info("client disconnected mid-stream")
			return
		}
	}
	if err := <-errs; err != nil && ctx.Err() == nil {
		s.log.Error("llm stream failed", zap.String("model", turn.Model), zap.Error(err))
		msg := fmt.Sprintf("\n\n❌ Error: %v", err)
		full.WriteString(msg)
		_ = emit(msg)
	}

	if full.Len() == 0 && thoughtLen > 0 {
		// The provider spent all output tokens on hidden reasoning.
		_ = emit(models.ContinuationAskMessage)
	}

	validation := s.verifier.Validate(full.String(), turn.docIDMap)
	trailer := s.verifier.BuildTrailer(validation, turn.docIDMap)
	_ = emit("\n" + TrailerComment(trailer))
}

var sentenciaBlockRe = regexp.MustCompile(`(?s)===SENTENCIA ADJUNTA:[^\n]*===.*?===FIN DOCUMENTO===`)

// composeHistory converts the client history to provider messages, truncating
// attached sentencia blocks that would blow the context window.
func composeHistory(messages []models.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleUser
		if m.Role == models.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{
			Role:    role,
			Content: truncateSentencias(m.Content),
		})
	}
	return out
}

func truncateSentencias(content string) string {
	return sentenciaBlockRe.ReplaceAllStringFunc(content, func(block string) string {
		runes := []rune(block)
		if len(runes) <= sentenciaMaxRunes {
			return block
		}
		return string(runes[:sentenciaMaxRunes]) + "\n[... contenido truncado ...]\n" + models.AttachedClose
	})
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
