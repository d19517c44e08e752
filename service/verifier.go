package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"lexmx-backend/models"
)

// citationRe matches the [Doc ID: <id>] shape the prompt instructs the model
// to emit. The keyword is case-insensitive; the id is any run without
// whitespace or brackets.
var citationRe = regexp.MustCompile(`(?i)\[doc\s+id:\s*([^\s\[\]]+)\s*\]`)

// CitationVerifier cross-checks model-emitted identifiers against the set of
// documents actually retrieved for the turn.
type CitationVerifier struct{}

func NewCitationVerifier() *CitationVerifier {
	return &CitationVerifier{}
}

// ExtractCitationIDs returns the distinct cited ids in order of first
// occurrence.
func ExtractCitationIDs(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate classifies every citation in the response text against the
// doc_id_map built at retrieval time. Every citation is either valid or
// invalid; there is no third outcome.
func (v *CitationVerifier) Validate(text string, docIDMap map[string]models.Document) models.ValidationResult {
	ids := ExtractCitationIDs(text)

	result := models.ValidationResult{
		Citations:  make([]models.Citation, 0, len(ids)),
		TotalCount: len(ids),
	}
	for _, id := range ids {
		if doc, ok := docIDMap[id]; ok {
			result.Citations = append(result.Citations, models.Citation{
				ID:     id,
				Status: models.CitationValid,
				Ref:    doc.Ref,
			})
			result.ValidCount++
		} else {
			result.Citations = append(result.Citations, models.Citation{
				ID:     id,
				Status: models.CitationInvalid,
			})
			result.InvalidCount++
		}
	}

	if result.TotalCount == 0 {
		result.ConfidenceScore = 1.0
	} else {
		result.ConfidenceScore = float64(result.ValidCount) / float64(result.TotalCount)
	}
	return result
}

// BuildTrailer produces the trailer payload from a validation result. Sources
// for unresolved citations are reported as unverified.
func (v *CitationVerifier) BuildTrailer(result models.ValidationResult, docIDMap map[string]models.Document) models.CitationTrailer {
	trailer := models.CitationTrailer{
		Valid:      result.ValidCount,
		Invalid:    result.InvalidCount,
		Total:      result.TotalCount,
		InvalidIDs: []string{},
		Sources:    make(map[string]models.CitationSource, result.TotalCount),
	}
	for _, c := range result.Citations {
		if c.Status == models.CitationInvalid {
			trailer.InvalidIDs = append(trailer.InvalidIDs, c.ID)
			trailer.Sources[c.ID] = models.CitationSource{
				Origen: models.UnverifiedSourceName,
			}
			continue
		}
		doc := docIDMap[c.ID]
		trailer.Sources[c.ID] = models.CitationSource{
			Origen:  HumanizeOrigen(doc),
			Ref:     doc.Ref,
			Texto:   doc.Texto,
			PDFURL:  doc.PDFURL,
			Silo:    doc.Silo,
			Entidad: doc.Entidad,
		}
	}
	return trailer
}

// TrailerComment serializes the trailer into the stream's final sentinel.
// Marshal failure falls back to an empty trailer so the sentinel still closes
// the stream.
func TrailerComment(trailer models.CitationTrailer) string {
	payload, err := json.Marshal(trailer)
	if err != nil {
		payload = []byte(`{"valid":0,"invalid":0,"total":0,"invalid_ids":[],"sources":{}}`)
	}
	return models.CitationTrailerOpen + string(payload) + models.CitationTrailerClose
}

// HumanizeOrigen returns a display name for a document's source, falling back
// through origen, silo, and ref.
func HumanizeOrigen(doc models.Document) string {
	if doc.Origen != "" {
		return strings.Join(strings.Fields(strings.ReplaceAll(doc.Origen, "_", " ")), " ")
	}
	if doc.Silo != "" {
		return humanizeCode(strings.ToUpper(doc.Silo))
	}
	return doc.Ref
}

// AnnotateInvalidCitations appends a warning marker after every invalid
// citation. Non-streaming consumers use it; the live stream leaves the text
// untouched and reports through the trailer instead.
func (v *CitationVerifier) AnnotateInvalidCitations(text string, result models.ValidationResult) string {
	invalid := make(map[string]bool, result.InvalidCount)
	for _, c := range result.Citations {
		if c.Status == models.CitationInvalid {
			invalid[c.ID] = true
		}
	}
	if len(invalid) == 0 {
		return text
	}
	return citationRe.ReplaceAllStringFunc(text, func(match string) string {
		m := citationRe.FindStringSubmatch(match)
		if m == nil || !invalid[m[1]] {
			return match
		}
		return fmt.Sprintf("%s ⚠️ [cita no verificada]", match)
	})
}
