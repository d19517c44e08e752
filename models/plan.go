package models

import "strings"

// Fuero is the legal jurisdiction that determines which bodies of law apply.
type Fuero string

const (
	FueroConstitucional Fuero = "constitucional"
	FueroFederal        Fuero = "federal"
	FueroEstatal        Fuero = "estatal"
	FueroMixto          Fuero = "mixto"
)

// ParseFuero maps free-form input to a known fuero. Unknown input returns "".
func ParseFuero(s string) Fuero {
	switch Fuero(strings.ToLower(strings.TrimSpace(s))) {
	case FueroConstitucional:
		return FueroConstitucional
	case FueroFederal:
		return FueroFederal
	case FueroEstatal:
		return FueroEstatal
	case FueroMixto:
		return FueroMixto
	default:
		return ""
	}
}

// Materia is the legal matter used to route and filter retrieval.
type Materia string

const (
	MateriaPenal          Materia = "penal"
	MateriaCivil          Materia = "civil"
	MateriaMercantil      Materia = "mercantil"
	MateriaLaboral        Materia = "laboral"
	MateriaAdministrativo Materia = "administrativo"
	MateriaFiscal         Materia = "fiscal"
	MateriaFamiliar       Materia = "familiar"
	MateriaConstitucional Materia = "constitucional"
	MateriaProcesal       Materia = "procesal"
	MateriaAgrario        Materia = "agrario"
)

var knownMaterias = map[Materia]bool{
	MateriaPenal: true, MateriaCivil: true, MateriaMercantil: true,
	MateriaLaboral: true, MateriaAdministrativo: true, MateriaFiscal: true,
	MateriaFamiliar: true, MateriaConstitucional: true, MateriaProcesal: true,
	MateriaAgrario: true,
}

// ParseMateria maps free-form input to a known materia. Unknown input returns "".
func ParseMateria(s string) Materia {
	m := Materia(strings.ToLower(strings.TrimSpace(s)))
	if knownMaterias[m] {
		return m
	}
	return ""
}

// Hierarchy bucket keys used in pesos_silos and slot allocation.
const (
	BucketConstitucional = "constitucional"
	BucketFederal        = "federal"
	BucketEstatal        = "estatal"
	BucketJurisprudencia = "jurisprudencia"
)

// RetrievalPlan is the search strategy the enrichment agent extracts from a
// query. It lives for one turn and is discarded.
type RetrievalPlan struct {
	FueroDetectado         Fuero              `json:"fuero_detectado"`
	MateriaPrincipal       Materia            `json:"materia_principal"`
	ViaProcesal            string             `json:"via_procesal,omitempty"`
	ConceptosJuridicos     []string           `json:"conceptos_juridicos"`
	JurisprudenciaKeywords []string           `json:"jurisprudencia_keywords"`
	LeyesPrimarias         []string           `json:"leyes_primarias"`
	PesosSilos             map[string]float64 `json:"pesos_silos"`
	RequiereDDHH           bool               `json:"requiere_ddhh"`

	// ExpandedQuery is derived after parsing; not part of the agent contract.
	ExpandedQuery string `json:"-"`
}

// DefaultRetrievalPlan returns the fallback plan used when the agent output
// cannot be parsed: fuero mixto, no materia, uniform silo weights.
func DefaultRetrievalPlan() *RetrievalPlan {
	return &RetrievalPlan{
		FueroDetectado: FueroMixto,
		PesosSilos: map[string]float64{
			BucketConstitucional: 0.25,
			BucketFederal:        0.25,
			BucketEstatal:        0.25,
			BucketJurisprudencia: 0.25,
		},
	}
}

// Normalize coerces agent output into the closed enums and fills missing silo
// weights so downstream allocation never divides by zero.
func (p *RetrievalPlan) Normalize() {
	if ParseFuero(string(p.FueroDetectado)) == "" {
		p.FueroDetectado = FueroMixto
	}
	if ParseMateria(string(p.MateriaPrincipal)) == "" {
		p.MateriaPrincipal = ""
	}
	if len(p.PesosSilos) == 0 {
		p.PesosSilos = DefaultRetrievalPlan().PesosSilos
	}
}
