package service

import (
	"context"
	"errors"
	"regexp"

	"go.uber.org/zap"

	"lexmx-backend/models"
)

const maxMessageRunes = 15000

// Rejections surfaced by the input gates. The handler maps them to the 400/403
// payloads of the chat contract.
var (
	ErrInputRejected   = errors.New("la consulta contiene contenido no permitido")
	ErrSecurityBlocked = errors.New("la consulta fue bloqueada por seguridad")
)

// Severity levels for secondary-scan pattern matches. Critical matches abort
// the turn; everything else is audited and allowed through.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

var sqlInjectionRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|insert\s+into|delete\s+from|drop\s+(table|database)|truncate\s+table)\b`),
	regexp.MustCompile(`(?i)('\s*or\s+'?\d+'?\s*=\s*'?\d+|--\s*$|;\s*drop\b)`),
	regexp.MustCompile(`(?i)\bexec(\s|\()+(s|x)p\w+`),
}

var promptInjectionRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(ignora|ignore|olvida|forget|descarta)\s+(todas?\s+)?(las?\s+|tus?\s+|los?\s+|previous\s+|prior\s+|all\s+)*(instrucciones|instructions|reglas|rules|indicaciones)`),
	regexp.MustCompile(`(?i)(revela|reveal|muestra|show|imprime|print)\s+(me\s+)?(tu|your|el|the)\s+(prompt|sistema|system\s+prompt|instrucciones\s+de\s+sistema)`),
	regexp.MustCompile(`(?i)(act[úu]a|act)\s+(como|as)\s+(si\s+fueras\s+)?(system|sistema|developer|desarrollador)\b`),
	regexp.MustCompile(`(?i)\b(you\s+are\s+now|ahora\s+eres)\b.{0,40}\b(sin\s+restricciones|unrestricted|jailbroken)\b`),
	regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start)\s*\|?\s*>`),
}

var xssRes = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script[^>]*>`),
	regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe[^>]*>`),
	regexp.MustCompile(`(?i)<[^>]+\son\w+\s*=\s*["'][^"']*["'][^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
}

// SecurityPattern is one secondary-scan rule with its audit metadata.
type SecurityPattern struct {
	Category string
	Severity string
	Pattern  *regexp.Regexp
}

var securityPatterns = []SecurityPattern{
	{
		Category: "prompt_injection",
		Severity: SeverityCritical,
		Pattern:  regexp.MustCompile(`(?i)(ignora|ignore)\s+.{0,30}(instrucciones|instructions)\s+(anteriores|previas|previous|prior)`),
	},
	{
		Category: "prompt_extraction",
		Severity: SeverityCritical,
		Pattern:  regexp.MustCompile(`(?i)(transcribe|repite|repeat|copia)\s+.{0,30}(prompt|instrucciones\s+de\s+sistema|system\s+instructions)`),
	},
	{
		Category: "jailbreak",
		Severity: SeverityCritical,
		Pattern:  regexp.MustCompile(`(?i)\b(dan\s+mode|developer\s+mode|modo\s+desarrollador|sin\s+filtros\s+ni\s+restricciones)\b`),
	},
	{
		Category: "credential_probe",
		Severity: SeverityHigh,
		Pattern:  regexp.MustCompile(`(?i)(api\s*key|contraseñas?|passwords?|tokens?\s+de\s+acceso|secret\s+key)\s+(del?\s+)?(sistema|servidor|backend|server)`),
	},
	{
		Category: "architecture_probe",
		Severity: SeverityMedium,
		Pattern:  regexp.MustCompile(`(?i)(qu[ée]\s+(modelo|base\s+de\s+datos|librer[íi]as?)\s+(usas|utilizas|corres))|(?i)(what\s+(model|database)\s+(are\s+you|do\s+you\s+use))`),
	},
	{
		Category: "reverse_engineering",
		Severity: SeverityMedium,
		Pattern:  regexp.MustCompile(`(?i)(c[óo]mo\s+est[áa]s?\s+(construido|programado|implementado))|(?i)(how\s+(are|were)\s+you\s+(built|programmed|implemented))`),
	},
}

// AuditSink persists non-critical pattern matches. Implemented by the audit
// repository; failures are best-effort.
type AuditSink interface {
	Insert(ctx context.Context, entry *models.SecurityAuditEntry) error
}

// SecurityService runs the input sanitizer and the severity-scored secondary
// scan over the user's latest message.
type SecurityService struct {
	audit AuditSink
	log   *zap.Logger
}

func NewSecurityService(audit AuditSink, log *zap.Logger) *SecurityService {
	return &SecurityService{audit: audit, log: log}
}

// Sanitize scans the message with attached-document bodies stripped (they
// legitimately contain words like "instrucciones"), rejects SQL and prompt
// injection, strips XSS fragments silently, and truncates oversized input.
// The returned text preserves the attachment blocks.
func (s *SecurityService) Sanitize(message string) (string, error) {
	scanned := models.StripAttachedDocuments(message)

	for _, re := range sqlInjectionRes {
		if re.MatchString(scanned) {
			s.log.Warn("input rejected: sql injection pattern")
			return "", ErrInputRejected
		}
	}
	for _, re := range promptInjectionRes {
		if re.MatchString(scanned) {
			s.log.Warn("input rejected: prompt injection pattern")
			return "", ErrInputRejected
		}
	}

	return cleanText(message), nil
}

// CleanMessages applies the non-rejecting sanitizer passes to a whole history
// before it is composed into a provider request.
func (s *SecurityService) CleanMessages(messages []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = m
		out[i].Content = cleanText(m.Content)
	}
	return out
}

// cleanText strips XSS fragments and truncates oversized plain messages.
// Attachment-bearing messages are not length-capped here; the attached blocks
// carry their own limits downstream.
func cleanText(message string) string {
	clean := message
	for _, re := range xssRes {
		clean = re.ReplaceAllString(clean, "")
	}
	if models.StripAttachedDocuments(clean) != clean {
		return clean
	}
	if runes := []rune(clean); len(runes) > maxMessageRunes {
		clean = string(runes[:maxMessageRunes])
	}
	return clean
}

// Scan runs the severity patterns over the stripped query. A critical match
// returns ErrSecurityBlocked; lower severities insert an audit row and allow
// the turn to continue.
func (s *SecurityService) Scan(ctx context.Context, message string, userID *string) error {
	scanned := models.StripAttachedDocuments(message)

	for _, p := range securityPatterns {
		if !p.Pattern.MatchString(scanned) {
			continue
		}
		if p.Severity == SeverityCritical {
			s.log.Warn("security block",
				zap.String("category", p.Category))
			return ErrSecurityBlocked
		}
		if s.audit != nil {
			entry := &models.SecurityAuditEntry{
				UserID:          userID,
				PatternCategory: p.Category,
				Severity:        p.Severity,
				QueryExcerpt:    excerpt(scanned, 200),
			}
			if err := s.audit.Insert(ctx, entry); err != nil {
				s.log.Warn("security audit insert failed", zap.Error(err))
			}
		}
	}
	return nil
}

func excerpt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
