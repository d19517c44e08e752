package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexmx-backend/models"
)

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StripCodeFences(tc.input), "input %q", tc.input)
	}
}

func TestParsePlanJSON(t *testing.T) {
	raw := `{
		"fuero_detectado": "federal",
		"materia_principal": "laboral",
		"conceptos_juridicos": ["despido injustificado", "indemnización"],
		"pesos_silos": {"constitucional": 0.1, "federal": 0.5, "estatal": 0.1, "jurisprudencia": 0.3},
		"requiere_ddhh": false
	}`
	plan, err := ParsePlanJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, models.FueroFederal, plan.FueroDetectado)
	assert.Equal(t, models.MateriaLaboral, plan.MateriaPrincipal)
	assert.Equal(t, 0.5, plan.PesosSilos[models.BucketFederal])
}

func TestParsePlanJSONFenced(t *testing.T) {
	raw := "```json\n{\"fuero_detectado\": \"estatal\"}\n```"
	plan, err := ParsePlanJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, models.FueroEstatal, plan.FueroDetectado)
	// Normalize fills missing weights.
	assert.NotEmpty(t, plan.PesosSilos)
}

func TestParsePlanJSONInvalid(t *testing.T) {
	_, err := ParsePlanJSON("no es json")
	assert.Error(t, err)
}

func TestParsePlanJSONNormalizesUnknownEnums(t *testing.T) {
	plan, err := ParsePlanJSON(`{"fuero_detectado": "galáctico", "materia_principal": "espacial"}`)
	require.NoError(t, err)
	assert.Equal(t, models.FueroMixto, plan.FueroDetectado)
	assert.Equal(t, models.Materia(""), plan.MateriaPrincipal)
}

func TestShouldUseHyDE(t *testing.T) {
	assert.True(t, ShouldUseHyDE("requisitos para tramitar el divorcio incausado"))
	assert.False(t, ShouldUseHyDE("amparo directo"), "too short")
	assert.False(t, ShouldUseHyDE("¿qué dice el artículo 123?"), "article lookups embed as-is")
}

func TestShouldDecompose(t *testing.T) {
	assert.True(t, ShouldDecompose("cuáles son los requisitos y plazos para presentar una demanda de amparo indirecto federal"))
	assert.True(t, ShouldDecompose("divorcio y pensión"), "conjunction")
	assert.True(t, ShouldDecompose("despido injustificado pero con contrato verbal"))
	assert.False(t, ShouldDecompose("prescripción negativa"))
	// "y" inside a word is not a conjunction.
	assert.False(t, ShouldDecompose("proyecto de sentencia"))
}

func TestBuildExpandedQuery(t *testing.T) {
	plan := &models.RetrievalPlan{
		ConceptosJuridicos:     []string{"despido injustificado", "salarios caídos", "reinstalación", "cuarto concepto"},
		JurisprudenciaKeywords: []string{"indemnización constitucional", "ofrecimiento de trabajo", "tercero"},
		LeyesPrimarias:         []string{"Ley Federal del Trabajo", "Código Civil"},
	}
	got := BuildExpandedQuery("me despidieron sin causa", plan)

	assert.Contains(t, got, "despido injustificado")
	assert.Contains(t, got, "reinstalación")
	assert.NotContains(t, got, "cuarto concepto", "conceptos capped at 3")
	assert.Contains(t, got, "indemnización constitucional")
	assert.NotContains(t, got, "tercero", "jurisprudencia keywords capped at 2")
	assert.Contains(t, got, "Ley Federal del Trabajo")
	assert.NotContains(t, got, "Código Civil", "leyes capped at 1")
}

func TestBuildExpandedQuerySkipsTermsAlreadyPresent(t *testing.T) {
	plan := &models.RetrievalPlan{ConceptosJuridicos: []string{"amparo"}}
	got := BuildExpandedQuery("demanda de amparo", plan)
	assert.Equal(t, "demanda de amparo", got)
}

func TestBuildExpandedQueryNilPlan(t *testing.T) {
	assert.Equal(t, "consulta", BuildExpandedQuery("consulta", nil))
}
