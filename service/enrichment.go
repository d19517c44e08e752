package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"

	"lexmx-backend/models"
)

const (
	enrichmentModel       = "gemini-2.0-flash"
	enrichmentTemperature = 0.1

	hydeMinWords        = 3
	decomposeMinWords   = 10
	maxSubQueries       = 3
	maxExpansionTokens  = 8
	maxExpansionConcept = 3
	maxExpansionJuris   = 2
	maxExpansionLeyes   = 1
)

// Conjunctions that signal a compound question worth decomposing.
var decomposeConjunctions = []string{"y", "además", "tambien", "también", "pero"}

const planPrompt = `Eres un estratega de búsqueda jurídica mexicana. Analiza la consulta y responde SOLO con JSON válido, sin texto adicional:
{
  "fuero_detectado": "constitucional|federal|estatal|mixto",
  "materia_principal": "penal|civil|mercantil|laboral|administrativo|fiscal|familiar|constitucional|procesal|agrario",
  "via_procesal": "vía procesal aplicable o cadena vacía",
  "conceptos_juridicos": ["hasta 5 conceptos jurídicos clave"],
  "jurisprudencia_keywords": ["hasta 3 términos para buscar tesis"],
  "leyes_primarias": ["hasta 3 leyes o códigos aplicables"],
  "pesos_silos": {"constitucional": 0.0, "federal": 0.0, "estatal": 0.0, "jurisprudencia": 0.0},
  "requiere_ddhh": false
}
Los pesos deben sumar aproximadamente 1.

Consulta: %s`

const hydePrompt = `Redacta un fragmento de doctrina jurídica mexicana de entre 150 y 250 palabras que respondería idealmente la siguiente consulta. Usa lenguaje de texto legal (artículos, supuestos, efectos). No menciones que es hipotético. Responde solo con el fragmento.

Consulta: %s`

const decomposePrompt = `Divide la siguiente consulta jurídica compuesta en 2 o 3 subconsultas independientes y autocontenidas. Responde SOLO con JSON válido: {"subconsultas": ["...", "..."]}

Consulta: %s`

// EnrichmentAgent converts raw queries into retrieval plans and auxiliary
// search texts through low-temperature JSON calls. Every output degrades to a
// safe default; the agent never fails a turn.
type EnrichmentAgent struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

func NewEnrichmentAgent(client *genai.Client, log *zap.Logger) *EnrichmentAgent {
	return &EnrichmentAgent{client: client, model: enrichmentModel, log: log}
}

// ExtractPlan asks the model for a retrieval plan. Unparseable output, after a
// fence-stripping repair pass, yields the default plan.
func (a *EnrichmentAgent) ExtractPlan(ctx context.Context, query string) *models.RetrievalPlan {
	raw, err := a.generateJSON(ctx, fmt.Sprintf(planPrompt, query))
	if err != nil {
		a.log.Warn("plan extraction failed, using default plan", zap.Error(err))
		return models.DefaultRetrievalPlan()
	}
	plan, err := ParsePlanJSON(raw)
	if err != nil {
		a.log.Warn("plan output unparseable, using default plan", zap.Error(err))
		return models.DefaultRetrievalPlan()
	}
	return plan
}

// ParsePlanJSON parses agent output into a plan, stripping code fences when the
// model wraps its JSON despite instructions.
func ParsePlanJSON(raw string) (*models.RetrievalPlan, error) {
	var plan models.RetrievalPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		repaired := StripCodeFences(raw)
		if err2 := json.Unmarshal([]byte(repaired), &plan); err2 != nil {
			return nil, fmt.Errorf("invalid plan JSON: %w", err)
		}
	}
	plan.Normalize()
	return &plan, nil
}

// StripCodeFences removes markdown code fences and leading language labels from
// model output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// GenerateHyDE produces the hypothetical legal document whose embedding
// replaces the raw-query embedding for dense search.
func (a *EnrichmentAgent) GenerateHyDE(ctx context.Context, query string) (string, error) {
	model := a.client.GenerativeModel(a.model)
	model.SetTemperature(0.4)

	resp, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf(hydePrompt, query)))
	if err != nil {
		return "", fmt.Errorf("hyde generation: %w", err)
	}
	text := firstText(resp)
	if text == "" {
		return "", fmt.Errorf("hyde generation: empty response")
	}
	return text, nil
}

// DecomposeQuery splits a compound query into at most 3 sub-queries. Returns
// nil on any failure; the caller simply skips sub-query searches.
func (a *EnrichmentAgent) DecomposeQuery(ctx context.Context, query string) []string {
	raw, err := a.generateJSON(ctx, fmt.Sprintf(decomposePrompt, query))
	if err != nil {
		a.log.Warn("query decomposition failed", zap.Error(err))
		return nil
	}
	var parsed struct {
		Subconsultas []string `json:"subconsultas"`
	}
	if err := json.Unmarshal([]byte(StripCodeFences(raw)), &parsed); err != nil {
		a.log.Warn("decomposition output unparseable", zap.Error(err))
		return nil
	}
	var subs []string
	for _, s := range parsed.Subconsultas {
		s = strings.TrimSpace(s)
		if s != "" {
			subs = append(subs, s)
		}
		if len(subs) == maxSubQueries {
			break
		}
	}
	return subs
}

func (a *EnrichmentAgent) generateJSON(ctx context.Context, prompt string) (string, error) {
	model := a.client.GenerativeModel(a.model)
	model.SetTemperature(enrichmentTemperature)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("agent call: %w", err)
	}
	text := firstText(resp)
	if text == "" {
		return "", fmt.Errorf("agent call: empty response")
	}
	return text, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// ShouldUseHyDE gates hypothetical-document generation: trivial queries and
// explicit article lookups embed better as-is.
func ShouldUseHyDE(query string) bool {
	if len(strings.Fields(query)) < hydeMinWords {
		return false
	}
	return len(DetectArticleNumbers(query)) == 0
}

var conjunctionRes = buildConjunctionRes()

func buildConjunctionRes() []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(decomposeConjunctions))
	for _, c := range decomposeConjunctions {
		res = append(res, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(c)+`\b`))
	}
	return res
}

// ShouldDecompose gates sub-query generation: long or conjunction-bearing
// queries tend to bundle several questions.
func ShouldDecompose(query string) bool {
	if len(strings.Fields(query)) > decomposeMinWords {
		return true
	}
	for _, re := range conjunctionRes {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

// BuildExpandedQuery augments the original query with the strongest enrichment
// terms: at most 3 conceptos, 2 jurisprudencia keywords and 1 primary law,
// capped at 8 appended tokens overall.
func BuildExpandedQuery(query string, plan *models.RetrievalPlan) string {
	if plan == nil {
		return query
	}
	var extra []string
	appendCapped := func(terms []string, max int) {
		for i, t := range terms {
			if i == max || len(extra) >= maxExpansionTokens {
				return
			}
			t = strings.TrimSpace(t)
			if t != "" && !strings.Contains(strings.ToLower(query), strings.ToLower(t)) {
				extra = append(extra, t)
			}
		}
	}
	appendCapped(plan.ConceptosJuridicos, maxExpansionConcept)
	appendCapped(plan.JurisprudenciaKeywords, maxExpansionJuris)
	appendCapped(plan.LeyesPrimarias, maxExpansionLeyes)

	if len(extra) == 0 {
		return query
	}
	return query + " " + strings.Join(extra, " ")
}
