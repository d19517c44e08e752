package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lexmx-backend/models"
)

// Slot allocation floors. DDHH questions front-load the constitutional block;
// an explicitly selected state puts its legislation first.
const (
	ddhhSlotConstitucional = 12
	ddhhSlotJurisprudencia = 6
	ddhhSlotFederal        = 6
	ddhhSlotEstatal        = 3

	stateSlotEstatal        = 15
	stateSlotJurisprudencia = 8
	stateSlotFederal        = 5
	stateSlotConstitucional = 4

	proportionalSlotFloor = 3
	proportionalScale     = 1.5

	minJurisprudenciaHits = 5
	jurisBoostThreshold   = 0.01

	enrichmentRefCap    = 3
	enrichmentHitCap    = 8
	enrichmentPerSearch = 4

	neighborScoreGate = 0.4
	neighborScore     = 0.15
	neighborHitCap    = 6

	materiaScoreMargin = 0.25

	preTrimHeadroom = 10
	subQuerySilos   = 4
)

var ddhhKeywords = []string{
	"derechos humanos", "ddhh", "pacto de san jose", "pacto de san josé",
	"convencion americana", "convención americana", "debido proceso",
	"tratado internacional", "corte interamericana", "control de convencionalidad",
	"dignidad humana", "pro persona",
}

// leyRefRe extracts explicit ley+article references ("artículo 123 de la Ley
// Federal del Trabajo") from legislative chunk text for second-pass enrichment.
var leyRefRe = regexp.MustCompile(`(?i)art[íi]culo\s+(\d+)\s+(?:de\s+la|de\s+el|del?)\s+((?:Ley|C[óo]digo|Constituci[óo]n|Reglamento)[^,.;:()\n]{0,70})`)

// SearchBackend is the vector-store surface the orchestrator needs. The silo
// repository implements it; tests install fakes.
type SearchBackend interface {
	SiloCatalog
	HybridSearch(ctx context.Context, silo string, dense []float32, sparse map[int32]float32, entidad string, topK int) ([]models.Document, error)
	DenseSearch(ctx context.Context, silo string, dense []float32, entidad string, topK int, threshold float64) ([]models.Document, error)
	FindByOrigenRefs(ctx context.Context, silo string, origen string, refs []string, limit int) ([]models.Document, error)
}

// QueryEmbedder produces dense query vectors.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SparseQueryEncoder produces sparse query vectors; nil while still loading.
type SparseQueryEncoder interface {
	EncodeQuery(text string) map[int32]float32
}

// QueryPlanner is the LLM-side preparation surface: plan extraction, HyDE and
// decomposition. Implemented by EnrichmentAgent.
type QueryPlanner interface {
	ExtractPlan(ctx context.Context, query string) *models.RetrievalPlan
	GenerateHyDE(ctx context.Context, query string) (string, error)
	DecomposeQuery(ctx context.Context, query string) []string
}

// DocumentReranker re-scores a candidate set. Implemented by RerankClient.
type DocumentReranker interface {
	Enabled() bool
	Rerank(ctx context.Context, query string, docs []models.Document, topN int) []models.Document
}

// RetrievalRequest carries one turn's search parameters. Estado and the
// overrides arrive already validated by the handler.
type RetrievalRequest struct {
	Query   string
	Estado  string
	Fuero   models.Fuero
	Materia models.Materia
	TopK    int
}

// RetrievalResult is the ranked context for one turn plus the doc_id_map the
// citation verifier checks against.
type RetrievalResult struct {
	Documents []models.Document
	Plan      *models.RetrievalPlan
	Estados   []string
	DocIDMap  map[string]models.Document
}

// RetrievalService runs the hybrid multi-silo pipeline: plan/HyDE/decomposition
// in parallel, embeddings in parallel, one hybrid search per routed silo in
// parallel, then merge, boost, enrich, filter and rerank.
type RetrievalService struct {
	backend  SearchBackend
	router   *SiloRouter
	fetcher  *ArticleFetcher
	planner  QueryPlanner
	embedder QueryEmbedder
	sparse   SparseQueryEncoder
	reranker DocumentReranker
	log      *zap.Logger
}

func NewRetrievalService(
	backend SearchBackend,
	router *SiloRouter,
	fetcher *ArticleFetcher,
	planner QueryPlanner,
	embedder QueryEmbedder,
	sparse SparseQueryEncoder,
	reranker DocumentReranker,
	log *zap.Logger,
) *RetrievalService {
	return &RetrievalService{
		backend:  backend,
		router:   router,
		fetcher:  fetcher,
		planner:  planner,
		embedder: embedder,
		sparse:   sparse,
		reranker: reranker,
		log:      log,
	}
}

// Retrieve produces the final ranked candidate list for a query.
func (s *RetrievalService) Retrieve(ctx context.Context, req RetrievalRequest) (*RetrievalResult, error) {
	if req.TopK <= 0 {
		req.TopK = models.DefaultTopK
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	articleNumbers := DetectArticleNumbers(query)
	estados := DetectEstados(query)
	if req.Estado != "" {
		if norm := NormalizeEstado(req.Estado); norm != "" && !containsString(estados, norm) {
			estados = append([]string{norm}, estados...)
		}
	}

	// Pre-search LLM calls and the deterministic fetch run together; none of
	// them may fail the turn.
	var (
		plan          *models.RetrievalPlan
		hydeText      string
		subQueries    []string
		deterministic []models.Document
	)
	prep, prepCtx := errgroup.WithContext(ctx)
	prep.Go(func() error {
		plan = s.planner.ExtractPlan(prepCtx, query)
		return nil
	})
	prep.Go(func() error {
		if !ShouldUseHyDE(query) {
			return nil
		}
		text, err := s.planner.GenerateHyDE(prepCtx, query)
		if err != nil {
			s.log.Warn("hyde failed, embedding raw query", zap.Error(err))
			return nil
		}
		hydeText = text
		return nil
	})
	prep.Go(func() error {
		if ShouldDecompose(query) {
			subQueries = s.planner.DecomposeQuery(prepCtx, query)
		}
		return nil
	})
	prep.Go(func() error {
		deterministic = s.fetcher.FetchDeterministic(prepCtx, query)
		return nil
	})
	if err := prep.Wait(); err != nil {
		return nil, err
	}

	if plan == nil {
		plan = models.DefaultRetrievalPlan()
	}
	if req.Fuero != "" {
		// A manual fuero selection overrides the agent's detection.
		plan.FueroDetectado = req.Fuero
	}
	if req.Materia != "" {
		plan.MateriaPrincipal = req.Materia
	}
	plan.ExpandedQuery = BuildExpandedQuery(query, plan)

	denseInput := query
	if hydeText != "" {
		denseInput = hydeText
	}
	dense, sparseVec, err := s.embedQuery(ctx, denseInput, plan.ExpandedQuery)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	estado := ""
	if len(estados) > 0 {
		estado = estados[0]
	}
	targets := s.router.Route(ctx, plan.FueroDetectado, estado)
	targets = s.addMultiStateTargets(ctx, targets, estados)

	candidates := s.searchAllSilos(ctx, targets, dense, sparseVec, req.TopK)

	ddhh := plan.RequiereDDHH || QueryNeedsDDHH(query)
	merged := mergeWithSlots(candidates, plan, estado != "", ddhh, req.TopK)

	merged = injectFront(deterministic, merged)

	merged = s.jurisprudenceBoost(ctx, query, plan, merged, req.TopK)

	merged = BoostArticleMatches(merged, articleNumbers)

	// Both enrichment passes read the merged snapshot and only append.
	var crossHits, neighborHits []models.Document
	enrich, enrichCtx := errgroup.WithContext(ctx)
	enrich.Go(func() error {
		crossHits = s.crossSiloEnrichment(enrichCtx, merged)
		return nil
	})
	enrich.Go(func() error {
		neighborHits = s.fetchNeighborChunks(enrichCtx, merged)
		return nil
	})
	if err := enrich.Wait(); err != nil {
		return nil, err
	}
	merged = appendNew(merged, crossHits)
	merged = appendNew(merged, neighborHits)

	merged = s.runSubQueries(ctx, subQueries, targets, merged)

	merged = filterByMateria(merged, plan.MateriaPrincipal)

	sortByScore(merged)
	if len(merged) > req.TopK+preTrimHeadroom {
		merged = merged[:req.TopK+preTrimHeadroom]
	}

	if s.reranker != nil && s.reranker.Enabled() {
		// Deterministic injections never enter the reranker: the cross-encoder
		// would replace their pinned score and the trim could evict them.
		pinned, pool := splitPinned(merged)
		slots := req.TopK - len(pinned)
		if slots < 0 {
			slots = 0
		}
		merged = append(pinned, s.reranker.Rerank(ctx, query, pool, slots)...)
	}
	sortByScore(merged)
	if len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}

	docIDMap := make(map[string]models.Document, len(merged))
	for _, d := range merged {
		docIDMap[d.ID] = d
	}

	return &RetrievalResult{
		Documents: merged,
		Plan:      plan,
		Estados:   estados,
		DocIDMap:  docIDMap,
	}, nil
}

// embedQuery computes the dense and sparse vectors in parallel. The dense
// vector may come from a HyDE text; the sparse one always comes from the
// expanded original query.
func (s *RetrievalService) embedQuery(ctx context.Context, denseInput, sparseInput string) ([]float32, map[int32]float32, error) {
	var (
		dense     []float32
		sparseVec map[int32]float32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := s.embedder.EmbedQuery(gctx, denseInput)
		dense = vec
		return err
	})
	g.Go(func() error {
		if s.sparse != nil {
			sparseVec = s.sparse.EncodeQuery(sparseInput)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return dense, sparseVec, nil
}

// addMultiStateTargets unions the dedicated silos of every additionally
// detected state so cross-state comparisons search each of them.
func (s *RetrievalService) addMultiStateTargets(ctx context.Context, targets []SiloTarget, estados []string) []SiloTarget {
	if len(estados) < 2 {
		return targets
	}
	present := make(map[string]bool, len(targets))
	for _, t := range targets {
		present[t.Name] = true
	}
	for _, code := range estados[1:] {
		silo := StateSiloName(code)
		if present[silo] || !s.backend.HasSilo(ctx, silo) {
			continue
		}
		present[silo] = true
		targets = append(targets, SiloTarget{Name: silo})
	}
	return targets
}

// searchAllSilos fans one hybrid search out per target. A failed silo
// contributes zero documents; the turn continues.
func (s *RetrievalService) searchAllSilos(
	ctx context.Context,
	targets []SiloTarget,
	dense []float32,
	sparse map[int32]float32,
	topK int,
) []models.Document {
	results := make([][]models.Document, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			entidad := ""
			if target.Filter != nil {
				entidad = target.Filter.Entidad
			}
			docs, err := s.backend.HybridSearch(gctx, target.Name, dense, sparse, entidad, topK)
			if err != nil {
				s.log.Error("silo search failed",
					zap.String("silo", target.Name), zap.Error(err))
				return nil
			}
			results[i] = docs
			return nil
		})
	}
	_ = g.Wait()

	var all []models.Document
	seen := make(map[string]bool)
	for _, docs := range results {
		for _, d := range docs {
			if !seen[d.ID] {
				seen[d.ID] = true
				all = append(all, d)
			}
		}
	}
	return all
}

// mergeWithSlots buckets candidates by hierarchy category and emits them in
// slot order: guaranteed minima per bucket first, then the remainder by score.
func mergeWithSlots(candidates []models.Document, plan *models.RetrievalPlan, stateSelected, ddhh bool, topK int) []models.Document {
	buckets := map[string][]models.Document{}
	for _, d := range candidates {
		buckets[bucketFor(d)] = append(buckets[bucketFor(d)], d)
	}
	for _, docs := range buckets {
		sortByScore(docs)
	}

	type alloc struct {
		bucket string
		slots  int
	}
	var order []alloc
	switch {
	case ddhh:
		order = []alloc{
			{models.BucketConstitucional, ddhhSlotConstitucional},
			{models.BucketJurisprudencia, ddhhSlotJurisprudencia},
			{models.BucketFederal, ddhhSlotFederal},
			{models.BucketEstatal, ddhhSlotEstatal},
		}
	case stateSelected:
		order = []alloc{
			{models.BucketEstatal, stateSlotEstatal},
			{models.BucketJurisprudencia, stateSlotJurisprudencia},
			{models.BucketFederal, stateSlotFederal},
			{models.BucketConstitucional, stateSlotConstitucional},
		}
	default:
		pesos := plan.PesosSilos
		slots := func(bucket string) int {
			n := int(pesos[bucket] * proportionalScale * float64(topK))
			if n < proportionalSlotFloor {
				n = proportionalSlotFloor
			}
			return n
		}
		order = []alloc{
			{models.BucketConstitucional, slots(models.BucketConstitucional)},
			{models.BucketFederal, slots(models.BucketFederal)},
			{models.BucketEstatal, slots(models.BucketEstatal)},
			{models.BucketJurisprudencia, slots(models.BucketJurisprudencia)},
		}
	}

	var merged []models.Document
	taken := make(map[string]int)
	for _, a := range order {
		docs := buckets[a.bucket]
		n := a.slots
		if n > len(docs) {
			n = len(docs)
		}
		merged = append(merged, docs[:n]...)
		taken[a.bucket] = n
	}

	// Remainder beyond the guaranteed slots, best first.
	var rest []models.Document
	for bucket, docs := range buckets {
		if taken[bucket] < len(docs) {
			rest = append(rest, docs[taken[bucket]:]...)
		}
	}
	sortByScore(rest)
	return append(merged, rest...)
}

func bucketFor(d models.Document) string {
	switch d.Hierarchy() {
	case models.HierarchyConstitucion:
		return models.BucketConstitucional
	case models.HierarchyLeyEstatal:
		return models.BucketEstatal
	case models.HierarchyJurisprudencia:
		return models.BucketJurisprudencia
	default:
		return models.BucketFederal
	}
}

// injectFront prepends deterministic article hits, removing any semantic
// duplicate of the same chunk.
func injectFront(injected, merged []models.Document) []models.Document {
	if len(injected) == 0 {
		return merged
	}
	inFront := make(map[string]bool, len(injected))
	for _, d := range injected {
		inFront[d.ID] = true
	}
	out := make([]models.Document, 0, len(injected)+len(merged))
	out = append(out, injected...)
	for _, d := range merged {
		if !inFront[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

// QueryNeedsDDHH reports whether the query invokes human-rights framing.
func QueryNeedsDDHH(query string) bool {
	q := strings.ToLower(query)
	for _, kw := range ddhhKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// jurisprudenceBoost runs three extra low-threshold searches against the
// national jurisprudence silo when the merged set carries too few tesis.
func (s *RetrievalService) jurisprudenceBoost(
	ctx context.Context,
	query string,
	plan *models.RetrievalPlan,
	merged []models.Document,
	topK int,
) []models.Document {
	jurisCount := 0
	for _, d := range merged {
		if d.Hierarchy() == models.HierarchyJurisprudencia {
			jurisCount++
		}
	}
	if jurisCount >= minJurisprudenciaHits {
		return merged
	}

	variants := []string{
		"tesis jurisprudencia SCJN " + query,
		"primera sala segunda sala pleno " + query,
	}
	if len(plan.ConceptosJuridicos) > 0 {
		variants = append(variants, "jurisprudencia "+strings.Join(plan.ConceptosJuridicos, " "))
	}

	results := make([][]models.Document, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	for i, variant := range variants {
		i, variant := i, variant
		g.Go(func() error {
			dense, err := s.embedder.EmbedQuery(gctx, variant)
			if err != nil {
				s.log.Warn("jurisprudence boost embedding failed", zap.Error(err))
				return nil
			}
			docs, err := s.backend.DenseSearch(gctx, models.SiloJurisprudencia, dense, "", topK/2, jurisBoostThreshold)
			if err != nil {
				s.log.Warn("jurisprudence boost search failed", zap.Error(err))
				return nil
			}
			results[i] = docs
			return nil
		})
	}
	_ = g.Wait()

	for _, docs := range results {
		merged = appendNew(merged, docs)
	}
	return merged
}

// crossSiloEnrichment parses the top legislative hits for explicit ley+article
// references and issues two targeted searches per reference: one into
// jurisprudencia, one into the constitutional block.
func (s *RetrievalService) crossSiloEnrichment(ctx context.Context, merged []models.Document) []models.Document {
	refs := extractLegalRefs(merged, enrichmentRefCap)
	if len(refs) == 0 {
		return nil
	}

	type probe struct {
		query string
		silo  string
	}
	var probes []probe
	for _, ref := range refs {
		probes = append(probes,
			probe{"jurisprudencia tesis " + ref, models.SiloJurisprudencia},
			probe{"constitución " + ref, models.SiloBloqueConstitucional},
		)
	}

	results := make([][]models.Document, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			dense, err := s.embedder.EmbedQuery(gctx, p.query)
			if err != nil {
				return nil
			}
			docs, err := s.backend.DenseSearch(gctx, p.silo, dense, "", enrichmentPerSearch, jurisBoostThreshold)
			if err != nil {
				s.log.Warn("cross-silo enrichment search failed",
					zap.String("silo", p.silo), zap.Error(err))
				return nil
			}
			results[i] = docs
			return nil
		})
	}
	_ = g.Wait()

	var hits []models.Document
	seen := make(map[string]bool)
	for _, docs := range results {
		for _, d := range docs {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			hits = append(hits, d)
			if len(hits) == enrichmentHitCap {
				return hits
			}
		}
	}
	return hits
}

// extractLegalRefs returns up to limit distinct "artículo N <ley>" references
// found in the text of legislative candidates.
func extractLegalRefs(docs []models.Document, limit int) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, d := range docs {
		if d.Hierarchy() == models.HierarchyJurisprudencia {
			continue
		}
		for _, m := range leyRefRe.FindAllStringSubmatch(d.Texto, -1) {
			ref := "artículo " + m[1] + " " + strings.TrimSpace(m[2])
			key := strings.ToLower(ref)
			if seen[key] {
				continue
			}
			seen[key] = true
			refs = append(refs, ref)
			if len(refs) == limit {
				return refs
			}
		}
	}
	return refs
}

// fetchNeighborChunks attaches the N-1 and N+1 articles of high-scoring
// legislative hits from the same source.
func (s *RetrievalService) fetchNeighborChunks(ctx context.Context, merged []models.Document) []models.Document {
	var hits []models.Document
	seen := make(map[string]bool)
	for _, d := range merged {
		if len(hits) >= neighborHitCap {
			break
		}
		if d.Score <= neighborScoreGate || d.Hierarchy() == models.HierarchyJurisprudencia {
			continue
		}
		n, ok := ArticleNumberFromRef(d.Ref)
		if !ok || d.Origen == "" {
			continue
		}
		var refs []string
		for _, adj := range []int{n - 1, n + 1} {
			if adj < 1 {
				continue
			}
			refs = append(refs,
				fmt.Sprintf("Art. %d", adj),
				fmt.Sprintf("Artículo %d", adj),
				fmt.Sprintf("Art. %d CPEUM", adj),
			)
		}
		docs, err := s.backend.FindByOrigenRefs(ctx, d.Silo, d.Origen, refs, 4)
		if err != nil {
			s.log.Warn("neighbor fetch failed",
				zap.String("silo", d.Silo), zap.String("origen", d.Origen), zap.Error(err))
			continue
		}
		for _, nd := range docs {
			if seen[nd.ID] {
				continue
			}
			seen[nd.ID] = true
			nd.Score = neighborScore
			hits = append(hits, nd)
			if len(hits) >= neighborHitCap {
				break
			}
		}
	}
	return hits
}

// runSubQueries executes decomposition sub-queries against the top silos and
// unions new hits into the pool.
func (s *RetrievalService) runSubQueries(ctx context.Context, subQueries []string, targets []SiloTarget, merged []models.Document) []models.Document {
	if len(subQueries) == 0 {
		return merged
	}
	top := targets
	if len(top) > subQuerySilos {
		top = top[:subQuerySilos]
	}

	results := make([][]models.Document, len(subQueries))
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subQueries {
		i, sub := i, sub
		g.Go(func() error {
			dense, err := s.embedder.EmbedQuery(gctx, sub)
			if err != nil {
				s.log.Warn("sub-query embedding failed", zap.Error(err))
				return nil
			}
			var sparseVec map[int32]float32
			if s.sparse != nil {
				sparseVec = s.sparse.EncodeQuery(sub)
			}

			inner := make([][]models.Document, len(top))
			ig, igctx := errgroup.WithContext(gctx)
			for j, target := range top {
				j, target := j, target
				ig.Go(func() error {
					entidad := ""
					if target.Filter != nil {
						entidad = target.Filter.Entidad
					}
					docs, err := s.backend.HybridSearch(igctx, target.Name, dense, sparseVec, entidad, enrichmentPerSearch)
					if err != nil {
						return nil
					}
					inner[j] = docs
					return nil
				})
			}
			_ = ig.Wait()

			var all []models.Document
			for _, docs := range inner {
				all = append(all, docs...)
			}
			results[i] = all
			return nil
		})
	}
	_ = g.Wait()

	for _, docs := range results {
		merged = appendNew(merged, docs)
	}
	return merged
}

// filterByMateria drops candidates of a foreign materia that also score well
// below the leader. Jurisprudencia and the constitutional block always
// survive: they cut across materias.
func filterByMateria(docs []models.Document, materia models.Materia) []models.Document {
	if materia == "" || len(docs) == 0 {
		return docs
	}
	top := docs[0].Score
	for _, d := range docs {
		if d.Score > top {
			top = d.Score
		}
	}

	kept := docs[:0]
	for _, d := range docs {
		switch {
		case d.Hierarchy() == models.HierarchyJurisprudencia,
			d.Silo == models.SiloBloqueConstitucional:
			kept = append(kept, d)
		case matchesMateria(d.Jurisdiccion, materia):
			kept = append(kept, d)
		case d.Score >= top-materiaScoreMargin:
			kept = append(kept, d)
		}
	}
	return kept
}

func matchesMateria(jurisdiccion string, materia models.Materia) bool {
	j := strings.ToLower(strings.TrimSpace(jurisdiccion))
	return j == "" || j == "general" || j == string(materia)
}

// appendNew unions docs into merged, keeping first occurrences.
func appendNew(merged, docs []models.Document) []models.Document {
	if len(docs) == 0 {
		return merged
	}
	seen := make(map[string]bool, len(merged))
	for _, d := range merged {
		seen[d.ID] = true
	}
	for _, d := range docs {
		if !seen[d.ID] {
			seen[d.ID] = true
			merged = append(merged, d)
		}
	}
	return merged
}

// sortByScore orders by score descending with id as the deterministic
// tie-break.
// splitPinned separates deterministic injections from rerankable candidates.
// Pinned documents keep their fixed score and rejoin ahead of the reranked
// pool, with their slots reserved out of the trim budget.
func splitPinned(docs []models.Document) (pinned, pool []models.Document) {
	for _, d := range docs {
		if d.Score >= scoreDeterministic {
			pinned = append(pinned, d)
		} else {
			pool = append(pool, d)
		}
	}
	return pinned, pool
}

func sortByScore(docs []models.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
