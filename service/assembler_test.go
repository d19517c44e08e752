package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexmx-backend/models"
)

func TestOrderByHierarchy(t *testing.T) {
	docs := []models.Document{
		{ID: "j1", Silo: models.SiloJurisprudencia, Score: 0.9},
		{ID: "f1", Silo: models.SiloFederal, Score: 0.5},
		{ID: "e1", Silo: "leyes_jalisco", Score: 0.8},
		{ID: "c1", Silo: models.SiloBloqueConstitucional, Score: 0.3},
		{ID: "f2", Silo: models.SiloFederal, Score: 0.7},
	}
	ordered := OrderByHierarchy(docs)

	var ids []string
	for _, d := range ordered {
		ids = append(ids, d.ID)
	}
	// Constitution first, then federal by score desc, state, jurisprudence.
	assert.Equal(t, []string{"c1", "f2", "f1", "e1", "j1"}, ids)
}

func TestOrderByHierarchyTiebreakByID(t *testing.T) {
	docs := []models.Document{
		{ID: "b", Silo: models.SiloFederal, Score: 0.5},
		{ID: "a", Silo: models.SiloFederal, Score: 0.5},
	}
	ordered := OrderByHierarchy(docs)
	assert.Equal(t, "a", ordered[0].ID)
}

func TestAssembleHeaderAndRecords(t *testing.T) {
	a := NewContextAssembler()
	docs := []models.Document{
		{ID: "f1", Silo: models.SiloFederal, Ref: "Art. 47", Origen: "Ley Federal del Trabajo", Texto: "El patrón podrá rescindir...", Score: 0.8},
	}
	out := a.Assemble(docs, "", nil)

	assert.True(t, strings.HasPrefix(out, ContextHeader))
	assert.Contains(t, out, `<documento id="f1"`)
	assert.Contains(t, out, `ref="Art. 47"`)
	assert.Contains(t, out, `jerarquia="LEY_FEDERAL"`)
	assert.Contains(t, out, `tipo="LEY_FEDERAL"`)
	assert.Contains(t, out, "El patrón podrá rescindir...")
	assert.Contains(t, out, "</documento>")
}

func TestAssembleStatePrimacyComment(t *testing.T) {
	a := NewContextAssembler()
	docs := []models.Document{{ID: "e1", Silo: "leyes_queretaro", Texto: "x"}}
	out := a.Assemble(docs, "QUERETARO", []string{"QUERETARO"})
	assert.Contains(t, out, "La legislación de Queretaro es la fuente primaria")
}

func TestAssembleMultiStateGrouping(t *testing.T) {
	a := NewContextAssembler()
	docs := []models.Document{
		{ID: "j1", Silo: "leyes_jalisco", Texto: "divorcio en jalisco", Score: 0.8},
		{ID: "n1", Silo: "leyes_nuevo_leon", Texto: "divorcio en nl", Score: 0.7},
		{ID: "f1", Silo: models.SiloFederal, Texto: "código civil federal", Score: 0.6},
	}
	out := a.Assemble(docs, "JALISCO", []string{"JALISCO", "NUEVO_LEON"})

	jalisco := strings.Index(out, "=== LEGISLACIÓN DE Jalisco ===")
	nl := strings.Index(out, "=== LEGISLACIÓN DE Nuevo Leon ===")
	federal := strings.Index(out, `id="f1"`)

	require.Greater(t, jalisco, -1)
	require.Greater(t, nl, -1)
	require.Greater(t, federal, -1)
	// General documents come before the per-state sections, in estados order.
	assert.Less(t, federal, jalisco)
	assert.Less(t, jalisco, nl)
}

func TestAssembleTruncatesLongChunks(t *testing.T) {
	a := NewContextAssembler()
	docs := []models.Document{
		{ID: "f1", Silo: models.SiloFederal, Texto: strings.Repeat("a", contextChunkMaxRunes+100)},
	}
	out := a.Assemble(docs, "", nil)
	assert.Contains(t, out, "…")
	assert.NotContains(t, out, strings.Repeat("a", contextChunkMaxRunes+1))
}

func TestAssembleEscapesAttributeValues(t *testing.T) {
	a := NewContextAssembler()
	docs := []models.Document{
		{ID: "x", Silo: models.SiloFederal, Ref: `Art. "1"`, Texto: "a < b"},
	}
	out := a.Assemble(docs, "", nil)
	assert.Contains(t, out, "&#34;1&#34;")
	assert.Contains(t, out, "a &lt; b")
}

func TestEnrichMetadataBackfills(t *testing.T) {
	a := NewContextAssembler()
	docs := a.EnrichMetadata([]models.Document{
		{ID: "1", Texto: "El Artículo 47 de la Ley Federal del Trabajo establece..."},
		{ID: "2", Ref: "Art. 9", Origen: "CPEUM", Texto: "texto"},
	})
	assert.Equal(t, "Art. 47", docs[0].Ref)
	assert.Contains(t, docs[0].Origen, "Ley Federal del Trabajo")
	// Existing metadata is never overwritten.
	assert.Equal(t, "Art. 9", docs[1].Ref)
	assert.Equal(t, "CPEUM", docs[1].Origen)
}

func TestCheatSheetCapsEntries(t *testing.T) {
	a := NewContextAssembler()
	var docs []models.Document
	for i := 0; i < 25; i++ {
		docs = append(docs, models.Document{
			ID:   string(rune('a' + i)),
			Ref:  "Art. 1",
			Silo: models.SiloFederal,
		})
	}
	sheet := a.CheatSheet(docs)
	assert.Equal(t, cheatSheetMaxEntries, strings.Count(sheet, "\n- "))
}

func TestCheatSheetContent(t *testing.T) {
	a := NewContextAssembler()
	sheet := a.CheatSheet([]models.Document{
		{ID: "abc", Ref: "Art. 123", Silo: models.SiloFederal},
		{ID: "def", Origen: "CPEUM", Silo: models.SiloBloqueConstitucional},
	})
	assert.Contains(t, sheet, "[Doc ID: <id>]")
	// Constitution outranks federal in the sheet's order.
	assert.Less(t, strings.Index(sheet, "def"), strings.Index(sheet, "abc"))
	assert.Contains(t, sheet, "- abc — Art. 123")
	assert.Contains(t, sheet, "- def — CPEUM")
}

func TestHumanizeCode(t *testing.T) {
	assert.Equal(t, "Ciudad De Mexico", humanizeCode("CIUDAD_DE_MEXICO"))
	assert.Equal(t, "Jalisco", humanizeCode("JALISCO"))
}
