package service

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"lexmx-backend/models"
)

const (
	contextChunkMaxRunes = 6000
	cheatSheetMaxEntries = 15

	// ContextHeader opens the retrieved-context block in the prompt.
	ContextHeader = "CONTEXTO JURÍDICO RECUPERADO:"
)

var (
	textArticleRe = regexp.MustCompile(`(?i)art[íi]culo\s+(\d+)`)
	textLawNameRe = regexp.MustCompile(`(?i)(Ley|C[óo]digo|Constituci[óo]n|Reglamento|Pacto|Convenci[óo]n|Tratado)[^\n.;:()]{3,80}`)
)

// ContextAssembler serializes a ranked candidate set into the tagged document
// bundle the LLM receives, plus the doc-ID cheat sheet that keeps the model
// from inventing identifiers.
type ContextAssembler struct{}

func NewContextAssembler() *ContextAssembler {
	return &ContextAssembler{}
}

// EnrichMetadata backfills missing origen/ref by pattern-matching the chunk
// text. Best effort; documents the patterns miss stay as they are.
func (a *ContextAssembler) EnrichMetadata(docs []models.Document) []models.Document {
	for i := range docs {
		if docs[i].Ref == "" {
			if m := textArticleRe.FindStringSubmatch(docs[i].Texto); m != nil {
				docs[i].Ref = "Art. " + m[1]
			}
		}
		if docs[i].Origen == "" {
			if m := textLawNameRe.FindString(docs[i].Texto); m != "" {
				docs[i].Origen = strings.TrimSpace(m)
			}
		}
	}
	return docs
}

// OrderByHierarchy stable-sorts documents by hierarchy level ascending, score
// descending, id ascending. This is the final context order invariant.
func OrderByHierarchy(docs []models.Document) []models.Document {
	sort.SliceStable(docs, func(i, j int) bool {
		hi, hj := docs[i].Hierarchy(), docs[j].Hierarchy()
		if hi != hj {
			return hi < hj
		}
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	return docs
}

// Assemble produces the full context block. estado carries the primary state
// when one was explicitly selected; estados carries every detected state for
// multi-state grouping.
func (a *ContextAssembler) Assemble(docs []models.Document, estado string, estados []string) string {
	docs = a.EnrichMetadata(docs)
	docs = OrderByHierarchy(docs)

	var b strings.Builder
	b.WriteString(ContextHeader)
	b.WriteString("\n")

	if estado != "" {
		fmt.Fprintf(&b, "<!-- La legislación de %s es la fuente primaria para esta consulta. -->\n",
			humanizeCode(estado))
	}

	if len(estados) >= 2 {
		a.writeGroupedByState(&b, docs, estados)
	} else {
		for _, d := range docs {
			b.WriteString(a.renderDocument(d))
		}
	}
	return b.String()
}

// writeGroupedByState emits per-state sections for comparison queries, with the
// non-state documents (federal, constitutional, jurisprudencia) first.
func (a *ContextAssembler) writeGroupedByState(b *strings.Builder, docs []models.Document, estados []string) {
	byState := make(map[string][]models.Document)
	var general []models.Document
	for _, d := range docs {
		if d.Hierarchy() == models.HierarchyLeyEstatal {
			code := stateCodeForDocument(d)
			if containsString(estados, code) {
				byState[code] = append(byState[code], d)
				continue
			}
		}
		general = append(general, d)
	}

	for _, d := range general {
		b.WriteString(a.renderDocument(d))
	}
	for _, code := range estados {
		if len(byState[code]) == 0 {
			continue
		}
		fmt.Fprintf(b, "\n=== LEGISLACIÓN DE %s ===\n", humanizeCode(code))
		for _, d := range byState[code] {
			b.WriteString(a.renderDocument(d))
		}
	}
}

// stateCodeForDocument resolves a state document's canonical code from its
// entidad payload or its silo name.
func stateCodeForDocument(d models.Document) string {
	if d.Entidad != "" {
		return NormalizeEstado(d.Entidad)
	}
	if strings.HasPrefix(d.Silo, models.StateSiloPrefix) {
		return NormalizeEstado(strings.TrimPrefix(d.Silo, models.StateSiloPrefix))
	}
	return ""
}

func (a *ContextAssembler) renderDocument(d models.Document) string {
	text := d.Texto
	if runes := []rune(text); len(runes) > contextChunkMaxRunes {
		text = string(runes[:contextChunkMaxRunes]) + "…"
	}
	return fmt.Sprintf(
		"<documento id=%q ref=%q origen=%q silo=%q jerarquia=%q jurisdiccion=%q score=%q tipo=%q>\n%s\n</documento>\n",
		html.EscapeString(d.ID),
		html.EscapeString(d.Ref),
		html.EscapeString(d.Origen),
		html.EscapeString(d.Silo),
		d.Hierarchy().Label(),
		html.EscapeString(d.Jurisdiccion),
		fmt.Sprintf("%.3f", d.Score),
		d.TypeTag(),
		html.EscapeString(text),
	)
}

// CheatSheet emits the compact list of citable ids the orchestrator injects
// into the prompt. At most 15 entries; order follows the context.
func (a *ContextAssembler) CheatSheet(docs []models.Document) string {
	docs = OrderByHierarchy(append([]models.Document(nil), docs...))

	var b strings.Builder
	b.WriteString("IDs de documentos disponibles para citar (usa exactamente [Doc ID: <id>], ninguno más):\n")
	for i, d := range docs {
		if i == cheatSheetMaxEntries {
			break
		}
		label := d.Ref
		if label == "" {
			label = d.Origen
		}
		if label == "" {
			label = d.Silo
		}
		fmt.Fprintf(&b, "- %s — %s\n", d.ID, label)
	}
	return b.String()
}

// humanizeCode turns a canonical state code into display form:
// CIUDAD_DE_MEXICO -> Ciudad De Mexico.
func humanizeCode(code string) string {
	words := strings.Split(strings.ToLower(code), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
