package models

// CitationStatus classifies a model-emitted citation.
type CitationStatus string

const (
	CitationValid   CitationStatus = "valid"
	CitationInvalid CitationStatus = "invalid"
)

// Citation is one document identifier parsed from model output.
type Citation struct {
	ID     string         `json:"id"`
	Status CitationStatus `json:"status"`
	Ref    string         `json:"ref,omitempty"`
}

// ValidationResult aggregates the citations of one response.
type ValidationResult struct {
	Citations       []Citation `json:"citations"`
	ValidCount      int        `json:"valid_count"`
	InvalidCount    int        `json:"invalid_count"`
	TotalCount      int        `json:"total_count"`
	ConfidenceScore float64    `json:"confidence_score"`
}

// CitationSource is one entry of the trailer's sources map.
type CitationSource struct {
	Origen  string `json:"origen"`
	Ref     string `json:"ref"`
	Texto   string `json:"texto"`
	PDFURL  string `json:"pdf_url,omitempty"`
	Silo    string `json:"silo,omitempty"`
	Entidad string `json:"entidad,omitempty"`
}

// UnverifiedSourceName is the origen reported for citations that do not
// resolve to any retrieved document.
const UnverifiedSourceName = "Fuente no verificada"

// CitationTrailer is the JSON payload embedded in the stream's final
// CITATION_META comment.
type CitationTrailer struct {
	Valid      int                       `json:"valid"`
	Invalid    int                       `json:"invalid"`
	Total      int                       `json:"total"`
	InvalidIDs []string                  `json:"invalid_ids"`
	Sources    map[string]CitationSource `json:"sources"`
}
