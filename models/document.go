package models

import "strings"

// Fixed silo names. State silos are named leyes_<estado> (e.g. leyes_queretaro);
// leyes_estatales is the legacy multi-state collection filtered by entidad.
const (
	SiloFederal              = "federal"
	SiloJurisprudencia       = "jurisprudencia_nacional"
	SiloBloqueConstitucional = "bloque_constitucional"
	SiloLegacyEstatal        = "leyes_estatales"

	StateSiloPrefix = "leyes_"
)

// Vector dimensionalities shared by the silo schema, the embedding client and
// the sparse encoder.
const (
	EmbeddingDim = 1536
	SparseDim    = 1 << 20
)

// Document represents one indexed fragment of a legal text. Score semantics vary
// by pipeline stage (RRF, cosine, cross-encoder) but remain comparable within a
// single merged set.
type Document struct {
	ID           string  `json:"id"`
	Score        float64 `json:"score"`
	Texto        string  `json:"texto"`
	Ref          string  `json:"ref,omitempty"`
	Origen       string  `json:"origen,omitempty"`
	Jurisdiccion string  `json:"jurisdiccion,omitempty"`
	Entidad      string  `json:"entidad,omitempty"`
	Silo         string  `json:"silo,omitempty"`
	PDFURL       string  `json:"pdf_url,omitempty"`
	ChunkIndex   int     `json:"chunk_index"`

	// Jurisprudencia-only payload fields.
	Registro  string `json:"registro,omitempty"`
	Instancia string `json:"instancia,omitempty"`
	Tesis     string `json:"tesis,omitempty"`
	Tipo      string `json:"tipo,omitempty"`
}

// HierarchyLevel orders legal authority. Smaller values outrank larger ones.
type HierarchyLevel int

const (
	HierarchyConstitucion HierarchyLevel = iota
	HierarchyLeyFederal
	HierarchyLeyEstatal
	HierarchyJurisprudencia
)

// HierarchyForSilo classifies a silo into its hierarchy level. Unknown silos
// rank as federal law.
func HierarchyForSilo(silo string) HierarchyLevel {
	switch {
	case silo == SiloBloqueConstitucional:
		return HierarchyConstitucion
	case silo == SiloJurisprudencia:
		return HierarchyJurisprudencia
	case strings.HasPrefix(silo, StateSiloPrefix):
		return HierarchyLeyEstatal
	default:
		return HierarchyLeyFederal
	}
}

// Label returns the uppercase hierarchy name used in context records.
func (h HierarchyLevel) Label() string {
	switch h {
	case HierarchyConstitucion:
		return "CONSTITUCION"
	case HierarchyLeyEstatal:
		return "LEY_ESTATAL"
	case HierarchyJurisprudencia:
		return "JURISPRUDENCIA"
	default:
		return "LEY_FEDERAL"
	}
}

// Hierarchy returns the document's hierarchy level based on its silo.
func (d Document) Hierarchy() HierarchyLevel {
	return HierarchyForSilo(d.Silo)
}

var treatyMarkers = []string{
	"pacto", "convencion", "convención", "tratado", "protocolo",
	"declaracion universal", "declaración universal",
}

// IsTreaty reports whether the document's origen names a human-rights treaty
// rather than the constitution itself.
func (d Document) IsTreaty() bool {
	origen := strings.ToLower(d.Origen)
	for _, m := range treatyMarkers {
		if strings.Contains(origen, m) {
			return true
		}
	}
	return false
}

// TypeTag returns the tipo attribute emitted in context records.
func (d Document) TypeTag() string {
	h := d.Hierarchy()
	if h == HierarchyConstitucion && d.IsTreaty() {
		return "TRATADO_DDHH"
	}
	switch h {
	case HierarchyConstitucion:
		return "CONSTITUCION"
	case HierarchyLeyEstatal:
		return "LEGISLACION_ESTATAL"
	case HierarchyJurisprudencia:
		return "JURISPRUDENCIA"
	default:
		return "LEY_FEDERAL"
	}
}
