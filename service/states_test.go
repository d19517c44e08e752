package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEstado(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"Querétaro", "QUERETARO"},
		{"queretaro", "QUERETARO"},
		{"QUERETARO", "QUERETARO"},
		{"Nuevo León", "NUEVO_LEON"},
		{"nuevo leon", "NUEVO_LEON"},
		{"NL", "NUEVO_LEON"},
		{"cdmx", "CIUDAD_DE_MEXICO"},
		{"CDMX", "CIUDAD_DE_MEXICO"},
		{"DF", "CIUDAD_DE_MEXICO"},
		{"Distrito Federal", "CIUDAD_DE_MEXICO"},
		{"Ciudad de México", "CIUDAD_DE_MEXICO"},
		{"edomex", "ESTADO_DE_MEXICO"},
		{"México", "ESTADO_DE_MEXICO"},
		{"Baja California Sur", "BAJA_CALIFORNIA_SUR"},
		{"baja-california-sur", "BAJA_CALIFORNIA_SUR"},
		{"San Luis Potosí", "SAN_LUIS_POTOSI"},
		{"SLP", "SAN_LUIS_POTOSI"},
		{"Coahuila de Zaragoza", "COAHUILA"},
		{"Michoacán de Ocampo", "MICHOACAN"},
		{"Veracruz de Ignacio de la Llave", "VERACRUZ"},
		{"  jalisco  ", "JALISCO"},
		{"", ""},
		{"Texas", ""},
		{"estado inexistente", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeEstado(tc.input), "input %q", tc.input)
	}
}

func TestNormalizeEstadoIdempotent(t *testing.T) {
	for _, code := range AllStateCodes() {
		assert.Equal(t, code, NormalizeEstado(code))
		assert.Equal(t, code, NormalizeEstado(NormalizeEstado(code)))
	}
}

func TestAllStateCodes(t *testing.T) {
	codes := AllStateCodes()
	require.Len(t, codes, 32)

	// Lexical order, no duplicates.
	seen := make(map[string]bool)
	for i, c := range codes {
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
		if i > 0 {
			assert.Less(t, codes[i-1], c)
		}
	}
}

func TestStateSiloName(t *testing.T) {
	assert.Equal(t, "leyes_queretaro", StateSiloName("QUERETARO"))
	assert.Equal(t, "leyes_ciudad_de_mexico", StateSiloName("CIUDAD_DE_MEXICO"))
}

func TestDetectEstados(t *testing.T) {
	cases := []struct {
		query string
		want  []string
	}{
		{
			query: "¿Cómo difiere el divorcio en Jalisco y Nuevo León?",
			want:  []string{"JALISCO", "NUEVO_LEON"},
		},
		{
			query: "pensión alimenticia en Querétaro",
			want:  []string{"QUERETARO"},
		},
		{
			query: "requisitos del contrato en baja california sur",
			want:  []string{"BAJA_CALIFORNIA_SUR"},
		},
		{
			query: "arrendamiento en CDMX y el Estado de México",
			want:  []string{"CIUDAD_DE_MEXICO", "ESTADO_DE_MEXICO"},
		},
		{
			// Bare "mexico" is deliberately not a state mention.
			query: "derecho laboral en México",
			want:  nil,
		},
		{
			query: "amparo directo contra sentencia definitiva",
			want:  nil,
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectEstados(tc.query), "query %q", tc.query)
	}
}

func TestDetectEstadosDeduplicates(t *testing.T) {
	got := DetectEstados("Jalisco, jalisco y otra vez Jalisco")
	assert.Equal(t, []string{"JALISCO"}, got)
}

func TestDetectEstadosOrderOfAppearance(t *testing.T) {
	got := DetectEstados("compara Sonora, Chiapas y Aguascalientes")
	assert.Equal(t, []string{"SONORA", "CHIAPAS", "AGUASCALIENTES"}, got)
}
