package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lexmx-backend/models"
)

// fakeBackend serves canned documents per silo and records which silos were
// searched.
type fakeBackend struct {
	silos  map[string]bool
	hybrid map[string][]models.Document
	dense  map[string][]models.Document

	mu          sync.Mutex
	hybridCalls []string
	denseCalls  []string
}

func (f *fakeBackend) HasSilo(_ context.Context, name string) bool { return f.silos[name] }

func (f *fakeBackend) StateSilos(_ context.Context) []string {
	var out []string
	for s := range f.silos {
		if s != models.SiloFederal && s != models.SiloJurisprudencia &&
			s != models.SiloBloqueConstitucional && s != models.SiloLegacyEstatal {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeBackend) HybridSearch(_ context.Context, silo string, _ []float32, _ map[int32]float32, _ string, topK int) ([]models.Document, error) {
	f.mu.Lock()
	f.hybridCalls = append(f.hybridCalls, silo)
	f.mu.Unlock()
	docs := f.hybrid[silo]
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

func (f *fakeBackend) DenseSearch(_ context.Context, silo string, _ []float32, _ string, topK int, _ float64) ([]models.Document, error) {
	f.mu.Lock()
	f.denseCalls = append(f.denseCalls, silo)
	f.mu.Unlock()
	docs := f.dense[silo]
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

func (f *fakeBackend) FindByOrigenRefs(_ context.Context, _ string, _ string, _ []string, _ int) ([]models.Document, error) {
	return nil, nil
}

// fakePlanner returns fixed enrichment outputs without calling any model.
type fakePlanner struct {
	plan *models.RetrievalPlan
	hyde string
	subs []string
}

func (f *fakePlanner) ExtractPlan(_ context.Context, _ string) *models.RetrievalPlan {
	if f.plan == nil {
		return models.DefaultRetrievalPlan()
	}
	return f.plan
}

func (f *fakePlanner) GenerateHyDE(_ context.Context, _ string) (string, error) {
	return f.hyde, nil
}

func (f *fakePlanner) DecomposeQuery(_ context.Context, _ string) []string { return f.subs }

// fakeEmbedder returns a fixed vector and records its inputs.
type fakeEmbedder struct {
	mu     sync.Mutex
	inputs []string
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, text)
	f.mu.Unlock()
	return []float32{1, 0, 0}, nil
}

func newTestRetrieval(backend *fakeBackend, planner *fakePlanner, scroller *fakeScroller) *RetrievalService {
	log := zap.NewNop()
	if scroller == nil {
		scroller = &fakeScroller{}
	}
	return NewRetrievalService(
		backend,
		NewSiloRouter(backend),
		NewArticleFetcher(scroller, log),
		planner,
		&fakeEmbedder{},
		nil,
		nil,
		log,
	)
}

func TestRetrieveMergesAndDeduplicates(t *testing.T) {
	backend := &fakeBackend{
		silos: map[string]bool{},
		hybrid: map[string][]models.Document{
			models.SiloFederal: {
				{ID: "f1", Silo: models.SiloFederal, Score: 0.7},
				{ID: "shared", Silo: models.SiloFederal, Score: 0.6},
			},
			models.SiloBloqueConstitucional: {
				{ID: "c1", Silo: models.SiloBloqueConstitucional, Score: 0.8},
				{ID: "shared", Silo: models.SiloBloqueConstitucional, Score: 0.5},
			},
			models.SiloJurisprudencia: {
				{ID: "j1", Silo: models.SiloJurisprudencia, Score: 0.65},
				{ID: "j2", Silo: models.SiloJurisprudencia, Score: 0.6},
				{ID: "j3", Silo: models.SiloJurisprudencia, Score: 0.55},
				{ID: "j4", Silo: models.SiloJurisprudencia, Score: 0.5},
				{ID: "j5", Silo: models.SiloJurisprudencia, Score: 0.45},
			},
		},
	}
	svc := newTestRetrieval(backend, &fakePlanner{}, nil)

	result, err := svc.Retrieve(context.Background(), RetrievalRequest{
		Query: "plazo para contestar la demanda", TopK: 10,
	})
	require.NoError(t, err)

	ids := make(map[string]int)
	for _, d := range result.Documents {
		ids[d.ID]++
	}
	assert.Equal(t, 1, ids["shared"], "duplicate chunk must appear once")
	assert.Contains(t, ids, "c1")
	assert.Contains(t, ids, "f1")
	assert.Contains(t, ids, "j1")

	// Scores descend.
	for i := 1; i < len(result.Documents); i++ {
		assert.GreaterOrEqual(t, result.Documents[i-1].Score, result.Documents[i].Score)
	}

	// Every returned document resolves through the doc ID map.
	for _, d := range result.Documents {
		got, ok := result.DocIDMap[d.ID]
		require.True(t, ok)
		assert.Equal(t, d.ID, got.ID)
	}
}

func TestRetrieveDeterministicArticleOutranksEverything(t *testing.T) {
	backend := &fakeBackend{
		silos: map[string]bool{},
		hybrid: map[string][]models.Document{
			models.SiloFederal: {{ID: "f1", Silo: models.SiloFederal, Score: 0.99}},
			models.SiloJurisprudencia: {
				{ID: "j1", Silo: models.SiloJurisprudencia, Score: 0.9},
				{ID: "j2", Silo: models.SiloJurisprudencia, Score: 0.89},
				{ID: "j3", Silo: models.SiloJurisprudencia, Score: 0.88},
				{ID: "j4", Silo: models.SiloJurisprudencia, Score: 0.87},
				{ID: "j5", Silo: models.SiloJurisprudencia, Score: 0.86},
			},
		},
	}
	scroller := &fakeScroller{
		byRefs: map[string][]models.Document{
			models.SiloBloqueConstitucional: {
				{ID: "det", Ref: "Art. 123 CPEUM", Silo: models.SiloBloqueConstitucional},
			},
		},
	}
	svc := newTestRetrieval(backend, &fakePlanner{}, scroller)

	result, err := svc.Retrieve(context.Background(), RetrievalRequest{
		Query: "¿qué dice el artículo 123?", TopK: 10,
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.Documents)
	assert.Equal(t, "det", result.Documents[0].ID)
	assert.GreaterOrEqual(t, result.Documents[0].Score, 2.0)
}

// fakeReranker rescores by ID and trims to topN, like the remote
// cross-encoder would.
type fakeReranker struct {
	scores map[string]float64
}

func (f *fakeReranker) Enabled() bool { return true }

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []models.Document, topN int) []models.Document {
	out := make([]models.Document, len(docs))
	copy(out, docs)
	for i := range out {
		if s, ok := f.scores[out[i].ID]; ok {
			out[i].Score = s
		}
	}
	sortByScore(out)
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func TestRetrieveDeterministicSurvivesReranking(t *testing.T) {
	backend := &fakeBackend{
		silos: map[string]bool{},
		hybrid: map[string][]models.Document{
			models.SiloFederal: {{ID: "f1", Silo: models.SiloFederal, Score: 0.7}},
			models.SiloJurisprudencia: {
				{ID: "j1", Silo: models.SiloJurisprudencia, Score: 0.69},
				{ID: "j2", Silo: models.SiloJurisprudencia, Score: 0.68},
				{ID: "j3", Silo: models.SiloJurisprudencia, Score: 0.67},
				{ID: "j4", Silo: models.SiloJurisprudencia, Score: 0.66},
				{ID: "j5", Silo: models.SiloJurisprudencia, Score: 0.65},
			},
		},
	}
	scroller := &fakeScroller{
		byRefs: map[string][]models.Document{
			models.SiloBloqueConstitucional: {
				{ID: "det", Ref: "Art. 123 CPEUM", Silo: models.SiloBloqueConstitucional},
			},
		},
	}
	svc := newTestRetrieval(backend, &fakePlanner{}, scroller)
	// The cross-encoder down-scores the injected article and likes everything
	// else; the injection must still survive the trim with its pinned score.
	svc.reranker = &fakeReranker{scores: map[string]float64{
		"det": 0.01, "f1": 0.9, "j1": 0.9, "j2": 0.9, "j3": 0.9, "j4": 0.9, "j5": 0.9,
	}}

	result, err := svc.Retrieve(context.Background(), RetrievalRequest{
		Query: "¿qué dice el artículo 123?", TopK: 3,
	})
	require.NoError(t, err)

	require.Len(t, result.Documents, 3)
	assert.Equal(t, "det", result.Documents[0].ID)
	assert.GreaterOrEqual(t, result.Documents[0].Score, 2.0)

	// The reserved slot leaves room for exactly TopK-1 reranked candidates.
	reranked := 0
	for _, d := range result.Documents[1:] {
		if d.Score == 0.9 {
			reranked++
		}
	}
	assert.Equal(t, 2, reranked)
}

func TestRetrieveFueroOverrideRestrictsTargets(t *testing.T) {
	backend := &fakeBackend{
		silos: map[string]bool{},
		hybrid: map[string][]models.Document{
			models.SiloFederal: {{ID: "f1", Silo: models.SiloFederal, Score: 0.5}},
			models.SiloJurisprudencia: {
				{ID: "j1", Silo: models.SiloJurisprudencia, Score: 0.4},
				{ID: "j2", Silo: models.SiloJurisprudencia, Score: 0.39},
				{ID: "j3", Silo: models.SiloJurisprudencia, Score: 0.38},
				{ID: "j4", Silo: models.SiloJurisprudencia, Score: 0.37},
				{ID: "j5", Silo: models.SiloJurisprudencia, Score: 0.36},
			},
		},
	}
	// The planner disagrees; the manual selection wins.
	planner := &fakePlanner{plan: &models.RetrievalPlan{
		FueroDetectado: models.FueroConstitucional,
		PesosSilos:     models.DefaultRetrievalPlan().PesosSilos,
	}}
	svc := newTestRetrieval(backend, planner, nil)

	_, err := svc.Retrieve(context.Background(), RetrievalRequest{
		Query: "renuncia voluntaria finiquito", Fuero: models.FueroFederal, TopK: 10,
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{models.SiloFederal, models.SiloJurisprudencia}, backend.hybridCalls)
}

func TestRetrieveMultiStateAddsDetectedSilos(t *testing.T) {
	backend := &fakeBackend{
		silos: map[string]bool{
			"leyes_jalisco":    true,
			"leyes_nuevo_leon": true,
		},
		hybrid: map[string][]models.Document{},
	}
	planner := &fakePlanner{plan: &models.RetrievalPlan{
		FueroDetectado: models.FueroEstatal,
		PesosSilos:     models.DefaultRetrievalPlan().PesosSilos,
	}}
	svc := newTestRetrieval(backend, planner, nil)

	result, err := svc.Retrieve(context.Background(), RetrievalRequest{
		Query: "compara el divorcio en Jalisco y Nuevo León", TopK: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"JALISCO", "NUEVO_LEON"}, result.Estados)
	assert.Contains(t, backend.hybridCalls, "leyes_jalisco")
	assert.Contains(t, backend.hybridCalls, "leyes_nuevo_leon")
}

func TestRetrieveJurisprudenceBoostWhenScarce(t *testing.T) {
	backend := &fakeBackend{
		silos: map[string]bool{},
		hybrid: map[string][]models.Document{
			models.SiloFederal: {{ID: "f1", Silo: models.SiloFederal, Score: 0.5}},
		},
		dense: map[string][]models.Document{
			models.SiloJurisprudencia: {
				{ID: "tesis1", Silo: models.SiloJurisprudencia, Score: 0.3},
			},
		},
	}
	planner := &fakePlanner{plan: &models.RetrievalPlan{
		FueroDetectado:     models.FueroFederal,
		ConceptosJuridicos: []string{"despido"},
		PesosSilos:         models.DefaultRetrievalPlan().PesosSilos,
	}}
	svc := newTestRetrieval(backend, planner, nil)

	result, err := svc.Retrieve(context.Background(), RetrievalRequest{
		Query: "indemnización por despido injustificado", TopK: 10,
	})
	require.NoError(t, err)

	assert.Contains(t, backend.denseCalls, models.SiloJurisprudencia)
	found := false
	for _, d := range result.Documents {
		if d.ID == "tesis1" {
			found = true
		}
	}
	assert.True(t, found, "boost hits must join the pool")
}

func TestRetrieveEmptyQuery(t *testing.T) {
	svc := newTestRetrieval(&fakeBackend{silos: map[string]bool{}}, &fakePlanner{}, nil)
	_, err := svc.Retrieve(context.Background(), RetrievalRequest{Query: "   "})
	assert.Error(t, err)
}

func TestRetrieveTrimsToTopK(t *testing.T) {
	var docs []models.Document
	for i := 0; i < 60; i++ {
		docs = append(docs, models.Document{
			ID:    string(rune('A' + i%26)) + string(rune('a' + i/26)),
			Silo:  models.SiloFederal,
			Score: 0.9 - float64(i)*0.01,
		})
	}
	backend := &fakeBackend{
		silos:  map[string]bool{},
		hybrid: map[string][]models.Document{models.SiloFederal: docs},
	}
	planner := &fakePlanner{plan: &models.RetrievalPlan{
		FueroDetectado: models.FueroFederal,
		PesosSilos:     models.DefaultRetrievalPlan().PesosSilos,
	}}
	svc := newTestRetrieval(backend, planner, nil)

	result, err := svc.Retrieve(context.Background(), RetrievalRequest{
		Query: "contrato de prestación de servicios profesionales", TopK: 5,
	})
	require.NoError(t, err)
	assert.Len(t, result.Documents, 5)
}

func TestMergeWithSlotsStateSelected(t *testing.T) {
	var candidates []models.Document
	// State hits score lower than everything else; slots must still front them.
	for i := 0; i < 20; i++ {
		candidates = append(candidates, models.Document{
			ID: string(rune('a'+i)) + "-est", Silo: "leyes_jalisco", Score: 0.1,
		})
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, models.Document{
			ID: string(rune('a'+i)) + "-jur", Silo: models.SiloJurisprudencia, Score: 0.9,
		})
	}
	merged := mergeWithSlots(candidates, models.DefaultRetrievalPlan(), true, false, 40)

	for i := 0; i < stateSlotEstatal; i++ {
		assert.Equal(t, models.HierarchyLeyEstatal, merged[i].Hierarchy(), "position %d", i)
	}
}

func TestMergeWithSlotsDDHH(t *testing.T) {
	var candidates []models.Document
	for i := 0; i < 15; i++ {
		candidates = append(candidates, models.Document{
			ID: string(rune('a'+i)) + "-c", Silo: models.SiloBloqueConstitucional, Score: 0.2,
		})
	}
	for i := 0; i < 15; i++ {
		candidates = append(candidates, models.Document{
			ID: string(rune('a'+i)) + "-f", Silo: models.SiloFederal, Score: 0.8,
		})
	}
	merged := mergeWithSlots(candidates, models.DefaultRetrievalPlan(), false, true, 40)

	for i := 0; i < ddhhSlotConstitucional; i++ {
		assert.Equal(t, models.HierarchyConstitucion, merged[i].Hierarchy(), "position %d", i)
	}
}

func TestFilterByMateria(t *testing.T) {
	docs := []models.Document{
		{ID: "top", Silo: models.SiloFederal, Jurisdiccion: "laboral", Score: 0.9},
		{ID: "near", Silo: models.SiloFederal, Jurisdiccion: "civil", Score: 0.7},
		{ID: "far", Silo: models.SiloFederal, Jurisdiccion: "civil", Score: 0.3},
		{ID: "jur", Silo: models.SiloJurisprudencia, Jurisdiccion: "civil", Score: 0.2},
		{ID: "const", Silo: models.SiloBloqueConstitucional, Jurisdiccion: "civil", Score: 0.1},
		{ID: "general", Silo: models.SiloFederal, Jurisdiccion: "general", Score: 0.2},
	}
	kept := filterByMateria(docs, models.MateriaLaboral)

	ids := make(map[string]bool)
	for _, d := range kept {
		ids[d.ID] = true
	}
	assert.True(t, ids["top"])
	assert.True(t, ids["near"], "within margin of the leader")
	assert.False(t, ids["far"], "foreign materia far below the leader")
	assert.True(t, ids["jur"], "jurisprudencia always survives")
	assert.True(t, ids["const"], "constitutional block always survives")
	assert.True(t, ids["general"], "general jurisdiccion matches every materia")
}

func TestFilterByMateriaNoMateria(t *testing.T) {
	docs := []models.Document{{ID: "a", Jurisdiccion: "civil", Score: 0.1}}
	assert.Equal(t, docs, filterByMateria(docs, ""))
}

func TestExtractLegalRefs(t *testing.T) {
	docs := []models.Document{
		{
			Silo:  models.SiloFederal,
			Texto: "Conforme al artículo 47 de la Ley Federal del Trabajo, el patrón...",
		},
		{
			Silo:  models.SiloJurisprudencia,
			Texto: "el artículo 1 de la Ley de Amparo no cuenta, es jurisprudencia",
		},
	}
	refs := extractLegalRefs(docs, 3)
	require.Len(t, refs, 1)
	assert.Contains(t, refs[0], "artículo 47")
	assert.Contains(t, refs[0], "Ley Federal del Trabajo")
}

func TestAppendNew(t *testing.T) {
	merged := []models.Document{{ID: "a"}, {ID: "b"}}
	out := appendNew(merged, []models.Document{{ID: "b"}, {ID: "c"}})
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[2].ID)
}

func TestInjectFront(t *testing.T) {
	injected := []models.Document{{ID: "det", Score: 2.0}}
	merged := []models.Document{{ID: "x", Score: 0.9}, {ID: "det", Score: 0.5}}
	out := injectFront(injected, merged)

	require.Len(t, out, 2)
	assert.Equal(t, "det", out[0].ID)
	assert.Equal(t, 2.0, out[0].Score)
	assert.Equal(t, "x", out[1].ID)
}

func TestQueryNeedsDDHH(t *testing.T) {
	assert.True(t, QueryNeedsDDHH("¿viola mis derechos humanos?"))
	assert.True(t, QueryNeedsDDHH("el control de convencionalidad aplica"))
	assert.False(t, QueryNeedsDDHH("contrato de compraventa"))
}
