package service

import (
	"sort"
	"strings"
)

// Canonical state codes: uppercase, underscore-separated, accent-free. These
// are the only values stored in the entidad payload field and the only suffixes
// used to derive dedicated state silo names.
var stateCodes = map[string]bool{
	"AGUASCALIENTES":      true,
	"BAJA_CALIFORNIA":     true,
	"BAJA_CALIFORNIA_SUR": true,
	"CAMPECHE":            true,
	"CHIAPAS":             true,
	"CHIHUAHUA":           true,
	"CIUDAD_DE_MEXICO":    true,
	"COAHUILA":            true,
	"COLIMA":              true,
	"DURANGO":             true,
	"ESTADO_DE_MEXICO":    true,
	"GUANAJUATO":          true,
	"GUERRERO":            true,
	"HIDALGO":             true,
	"JALISCO":             true,
	"MICHOACAN":           true,
	"MORELOS":             true,
	"NAYARIT":             true,
	"NUEVO_LEON":          true,
	"OAXACA":              true,
	"PUEBLA":              true,
	"QUERETARO":           true,
	"QUINTANA_ROO":        true,
	"SAN_LUIS_POTOSI":     true,
	"SINALOA":             true,
	"SONORA":              true,
	"TABASCO":             true,
	"TAMAULIPAS":          true,
	"TLAXCALA":            true,
	"VERACRUZ":            true,
	"YUCATAN":             true,
	"ZACATECAS":           true,
}

// Common aliases and official long names mapped to canonical codes.
var stateAliases = map[string]string{
	"CDMX":                            "CIUDAD_DE_MEXICO",
	"DF":                              "CIUDAD_DE_MEXICO",
	"DISTRITO_FEDERAL":                "CIUDAD_DE_MEXICO",
	"NL":                              "NUEVO_LEON",
	"EDOMEX":                          "ESTADO_DE_MEXICO",
	"MEXICO":                          "ESTADO_DE_MEXICO",
	"BC":                              "BAJA_CALIFORNIA",
	"BCS":                             "BAJA_CALIFORNIA_SUR",
	"SLP":                             "SAN_LUIS_POTOSI",
	"QRO":                             "QUERETARO",
	"QROO":                            "QUINTANA_ROO",
	"Q_ROO":                           "QUINTANA_ROO",
	"COAHUILA_DE_ZARAGOZA":            "COAHUILA",
	"MICHOACAN_DE_OCAMPO":             "MICHOACAN",
	"VERACRUZ_DE_IGNACIO_DE_LA_LLAVE": "VERACRUZ",
}

var accentReplacer = strings.NewReplacer(
	"Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U", "Ü", "U",
	"á", "A", "é", "E", "í", "I", "ó", "O", "ú", "U", "ü", "U",
)

// NormalizeEstado maps free-form state input ("Querétaro", "cdmx", "Nuevo León")
// to its canonical code. Unrecognized input returns "". Idempotent over its own
// output.
func NormalizeEstado(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return ""
	}
	s = accentReplacer.Replace(strings.ToUpper(s))
	s = strings.Join(strings.Fields(s), "_")
	s = strings.ReplaceAll(s, "-", "_")
	if canonical, ok := stateAliases[s]; ok {
		return canonical
	}
	if stateCodes[s] {
		return s
	}
	return ""
}

// StateSiloName returns the dedicated silo for a canonical state code, e.g.
// QUERETARO -> leyes_queretaro.
func StateSiloName(code string) string {
	return "leyes_" + strings.ToLower(code)
}

// AllStateCodes returns the canonical codes in lexical order.
func AllStateCodes() []string {
	codes := make([]string, 0, len(stateCodes))
	for c := range stateCodes {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// detectionNames maps the lowercase accent-free spelling of each state as it
// appears in running text to its canonical code. Longer spellings come first so
// "baja california sur" wins over "baja california". Bare "mexico" is excluded
// on purpose: nearly every query about Mexican law contains it.
var detectionNames = []struct {
	name string
	code string
}{
	{"baja california sur", "BAJA_CALIFORNIA_SUR"},
	{"baja california", "BAJA_CALIFORNIA"},
	{"ciudad de mexico", "CIUDAD_DE_MEXICO"},
	{"estado de mexico", "ESTADO_DE_MEXICO"},
	{"san luis potosi", "SAN_LUIS_POTOSI"},
	{"quintana roo", "QUINTANA_ROO"},
	{"nuevo leon", "NUEVO_LEON"},
	{"aguascalientes", "AGUASCALIENTES"},
	{"campeche", "CAMPECHE"},
	{"chiapas", "CHIAPAS"},
	{"chihuahua", "CHIHUAHUA"},
	{"cdmx", "CIUDAD_DE_MEXICO"},
	{"coahuila", "COAHUILA"},
	{"colima", "COLIMA"},
	{"durango", "DURANGO"},
	{"edomex", "ESTADO_DE_MEXICO"},
	{"guanajuato", "GUANAJUATO"},
	{"guerrero", "GUERRERO"},
	{"hidalgo", "HIDALGO"},
	{"jalisco", "JALISCO"},
	{"michoacan", "MICHOACAN"},
	{"morelos", "MORELOS"},
	{"nayarit", "NAYARIT"},
	{"oaxaca", "OAXACA"},
	{"puebla", "PUEBLA"},
	{"queretaro", "QUERETARO"},
	{"sinaloa", "SINALOA"},
	{"sonora", "SONORA"},
	{"tabasco", "TABASCO"},
	{"tamaulipas", "TAMAULIPAS"},
	{"tlaxcala", "TLAXCALA"},
	{"veracruz", "VERACRUZ"},
	{"yucatan", "YUCATAN"},
	{"zacatecas", "ZACATECAS"},
}

// DetectEstados finds Mexican states mentioned in free text and returns their
// canonical codes in order of first appearance, deduplicated. Used for
// multi-state comparison queries.
func DetectEstados(query string) []string {
	text := accentReplacer.Replace(strings.ToUpper(query))
	text = strings.ToLower(text)

	type hit struct {
		pos  int
		code string
	}
	var hits []hit
	seen := make(map[string]bool)
	consumed := make([]bool, len(text))

	for _, entry := range detectionNames {
		idx := 0
		for {
			rel := strings.Index(text[idx:], entry.name)
			if rel < 0 {
				break
			}
			pos := idx + rel
			idx = pos + len(entry.name)
			if consumed[pos] {
				continue
			}
			for i := pos; i < pos+len(entry.name) && i < len(consumed); i++ {
				consumed[i] = true
			}
			if !seen[entry.code] {
				seen[entry.code] = true
				hits = append(hits, hit{pos: pos, code: entry.code})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	codes := make([]string, len(hits))
	for i, h := range hits {
		codes[i] = h.code
	}
	return codes
}
