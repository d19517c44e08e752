package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lexmx-backend/models"
)

var ErrDocumentNotFound = errors.New("document not found")

// Hybrid search tuning. RRF scores and cosine scores are not comparable across
// calls; within one call the order is stable and the reranker normalizes later.
const (
	rrfK                  = 60
	hybridPrefetchFactor  = 5
	denseThresholdDefault = 0.03
	denseThresholdJuris   = 0.02
)

// Silo names become table names; guard against anything that cannot be safely
// interpolated.
var siloNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const docColumns = `id::text,
		COALESCE(texto, ''),
		COALESCE(ref, ''),
		COALESCE(origen, ''),
		COALESCE(entidad, ''),
		COALESCE(jurisdiccion, ''),
		COALESCE(chunk_index, 0),
		COALESCE(pdf_url, ''),
		COALESCE(registro, ''),
		COALESCE(instancia, ''),
		COALESCE(tesis, ''),
		COALESCE(tipo, '')`

// SiloRepository is the vector-store access layer. Each silo is one Postgres
// table with a dense pgvector column and an optional sparsevec column.
type SiloRepository struct {
	db  *pgxpool.Pool
	log *zap.Logger

	mu          sync.RWMutex
	knownSilos  map[string]bool
	sparseSilos map[string]bool
}

// NewSiloRepository creates a new silo repository
func NewSiloRepository(db *pgxpool.Pool, log *zap.Logger) *SiloRepository {
	return &SiloRepository{
		db:  db,
		log: log,
	}
}

// RefreshCatalog discovers which tables are silos (have an embedding column)
// and which of them carry sparse vectors. Called at startup and lazily on
// first use.
func (r *SiloRepository) RefreshCatalog(ctx context.Context) error {
	rows, err := r.db.Query(ctx, `
		SELECT table_name, bool_or(column_name = 'sparse_embedding') AS has_sparse
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND column_name IN ('embedding', 'sparse_embedding')
		GROUP BY table_name
		HAVING bool_or(column_name = 'embedding')`)
	if err != nil {
		return fmt.Errorf("failed to discover silos: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	sparse := make(map[string]bool)
	for rows.Next() {
		var name string
		var hasSparse bool
		if err := rows.Scan(&name, &hasSparse); err != nil {
			return fmt.Errorf("failed to scan silo catalog: %w", err)
		}
		known[name] = true
		sparse[name] = hasSparse
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating silo catalog: %w", err)
	}

	r.mu.Lock()
	r.knownSilos = known
	r.sparseSilos = sparse
	r.mu.Unlock()
	return nil
}

func (r *SiloRepository) catalog(ctx context.Context) (map[string]bool, map[string]bool) {
	r.mu.RLock()
	known, sparse := r.knownSilos, r.sparseSilos
	r.mu.RUnlock()
	if known != nil {
		return known, sparse
	}
	if err := r.RefreshCatalog(ctx); err != nil {
		r.log.Warn("silo catalog refresh failed", zap.Error(err))
		return map[string]bool{}, map[string]bool{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.knownSilos, r.sparseSilos
}

// HasSilo reports whether a silo exists.
func (r *SiloRepository) HasSilo(ctx context.Context, name string) bool {
	known, _ := r.catalog(ctx)
	return known[name]
}

// StateSilos returns the dedicated per-state silos in lexical order, excluding
// the legacy multi-state collection.
func (r *SiloRepository) StateSilos(ctx context.Context) []string {
	known, _ := r.catalog(ctx)
	var silos []string
	for name := range known {
		if strings.HasPrefix(name, models.StateSiloPrefix) && name != models.SiloLegacyEstatal {
			silos = append(silos, name)
		}
	}
	sort.Strings(silos)
	return silos
}

// AllSilos returns every known silo, fixed silos first.
func (r *SiloRepository) AllSilos(ctx context.Context) []string {
	known, _ := r.catalog(ctx)
	fixed := []string{models.SiloBloqueConstitucional, models.SiloFederal, models.SiloJurisprudencia}
	var silos []string
	for _, f := range fixed {
		if known[f] {
			silos = append(silos, f)
		}
	}
	var rest []string
	for name := range known {
		switch name {
		case models.SiloBloqueConstitucional, models.SiloFederal, models.SiloJurisprudencia:
		default:
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(silos, rest...)
}

func (r *SiloRepository) hasSparse(ctx context.Context, silo string) bool {
	_, sparse := r.catalog(ctx)
	return sparse[silo]
}

func (r *SiloRepository) defaultThreshold(silo string) float64 {
	if silo == models.SiloJurisprudencia {
		return denseThresholdJuris
	}
	return denseThresholdDefault
}

// HybridSearch runs the per-silo search strategy: sparse+dense prefetch at
// 5*topK fused with RRF when the silo carries sparse vectors, dense-only with
// a score threshold otherwise. A hybrid result of zero hits falls back to
// dense-only (sparse encoders can drift between ingestion and query time).
func (r *SiloRepository) HybridSearch(
	ctx context.Context,
	silo string,
	dense []float32,
	sparse map[int32]float32,
	entidad string,
	topK int,
) ([]models.Document, error) {
	if !siloNameRe.MatchString(silo) {
		return nil, fmt.Errorf("invalid silo name %q", silo)
	}
	if len(dense) != models.EmbeddingDim {
		return nil, fmt.Errorf("embedding must be %d dimensions, got %d", models.EmbeddingDim, len(dense))
	}

	if !r.hasSparse(ctx, silo) || len(sparse) == 0 {
		return r.DenseSearch(ctx, silo, dense, entidad, topK, r.defaultThreshold(silo))
	}

	prefetch := hybridPrefetchFactor * topK
	var denseDocs, sparseDocs []models.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := r.queryDense(gctx, silo, dense, entidad, prefetch, 0)
		denseDocs = docs
		return err
	})
	g.Go(func() error {
		docs, err := r.querySparse(gctx, silo, sparse, entidad, prefetch)
		sparseDocs = docs
		return err
	})
	if err := g.Wait(); err != nil {
		r.log.Warn("hybrid search failed, falling back to dense-only",
			zap.String("silo", silo), zap.Error(err))
		return r.DenseSearch(ctx, silo, dense, entidad, topK, r.defaultThreshold(silo))
	}

	fused := reciprocalRankFusion(denseDocs, sparseDocs, topK)
	if len(fused) == 0 {
		return r.DenseSearch(ctx, silo, dense, entidad, topK, r.defaultThreshold(silo))
	}
	return fused, nil
}

// DenseSearch runs a dense-only cosine search. Results below threshold are
// dropped; pass 0 to keep everything.
func (r *SiloRepository) DenseSearch(
	ctx context.Context,
	silo string,
	dense []float32,
	entidad string,
	topK int,
	threshold float64,
) ([]models.Document, error) {
	if !siloNameRe.MatchString(silo) {
		return nil, fmt.Errorf("invalid silo name %q", silo)
	}
	return r.queryDense(ctx, silo, dense, entidad, topK, threshold)
}

func (r *SiloRepository) queryDense(
	ctx context.Context,
	silo string,
	dense []float32,
	entidad string,
	limit int,
	threshold float64,
) ([]models.Document, error) {
	args := []interface{}{pgvector.NewVector(dense)}
	filter := ""
	if entidad != "" {
		filter = "WHERE entidad = $2"
		args = append(args, entidad)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			%s,
			1 - (embedding <=> $1) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, docColumns, silo, filter, len(args))

	docs, err := r.queryDocuments(ctx, silo, query, args)
	if err != nil {
		if entidad != "" && isUndefinedColumn(err) {
			// The silo predates the entidad payload; retry unfiltered.
			return r.queryDense(ctx, silo, dense, "", limit, threshold)
		}
		return nil, err
	}
	if threshold > 0 {
		kept := docs[:0]
		for _, d := range docs {
			if d.Score >= threshold {
				kept = append(kept, d)
			}
		}
		docs = kept
	}
	return docs, nil
}

func (r *SiloRepository) querySparse(
	ctx context.Context,
	silo string,
	sparse map[int32]float32,
	entidad string,
	limit int,
) ([]models.Document, error) {
	vec := pgvector.NewSparseVectorFromMap(sparse, models.SparseDim)
	args := []interface{}{vec}
	filter := "WHERE sparse_embedding IS NOT NULL"
	if entidad != "" {
		filter += " AND entidad = $2"
		args = append(args, entidad)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			%s,
			-(sparse_embedding <#> $1) AS score
		FROM %s
		%s
		ORDER BY sparse_embedding <#> $1
		LIMIT $%d`, docColumns, silo, filter, len(args))

	docs, err := r.queryDocuments(ctx, silo, query, args)
	if err != nil {
		if entidad != "" && isUndefinedColumn(err) {
			return r.querySparse(ctx, silo, sparse, "", limit)
		}
		return nil, err
	}
	return docs, nil
}

// ScrollByRefs fetches chunks whose ref matches any of the given labels.
func (r *SiloRepository) ScrollByRefs(ctx context.Context, silo string, refs []string, limit int) ([]models.Document, error) {
	if !siloNameRe.MatchString(silo) {
		return nil, fmt.Errorf("invalid silo name %q", silo)
	}
	query := fmt.Sprintf(`
		SELECT %s, 0::float8 AS score
		FROM %s
		WHERE ref = ANY($1)
		ORDER BY ref, chunk_index
		LIMIT $2`, docColumns, silo)
	return r.queryDocuments(ctx, silo, query, []interface{}{refs, limit})
}

// ScrollByRefPrefix fetches chunks whose ref starts with prefix.
func (r *SiloRepository) ScrollByRefPrefix(ctx context.Context, silo string, prefix string, limit int) ([]models.Document, error) {
	if !siloNameRe.MatchString(silo) {
		return nil, fmt.Errorf("invalid silo name %q", silo)
	}
	query := fmt.Sprintf(`
		SELECT %s, 0::float8 AS score
		FROM %s
		WHERE ref LIKE $1 || '%%'
		ORDER BY ref, chunk_index
		LIMIT $2`, docColumns, silo)
	return r.queryDocuments(ctx, silo, query, []interface{}{prefix, limit})
}

// ScrollByOrigen fetches every chunk of one source ordered by chunk_index.
func (r *SiloRepository) ScrollByOrigen(ctx context.Context, silo string, origen string) ([]models.Document, error) {
	if !siloNameRe.MatchString(silo) {
		return nil, fmt.Errorf("invalid silo name %q", silo)
	}
	query := fmt.Sprintf(`
		SELECT %s, 0::float8 AS score
		FROM %s
		WHERE origen = $1
		ORDER BY chunk_index, ref`, docColumns, silo)
	return r.queryDocuments(ctx, silo, query, []interface{}{origen})
}

// FindByOrigenRefs fetches chunks of one source whose ref matches any label.
// Used for neighbor-article lookups.
func (r *SiloRepository) FindByOrigenRefs(ctx context.Context, silo string, origen string, refs []string, limit int) ([]models.Document, error) {
	if !siloNameRe.MatchString(silo) {
		return nil, fmt.Errorf("invalid silo name %q", silo)
	}
	query := fmt.Sprintf(`
		SELECT %s, 0::float8 AS score
		FROM %s
		WHERE origen = $1 AND ref = ANY($2)
		ORDER BY ref, chunk_index
		LIMIT $3`, docColumns, silo)
	return r.queryDocuments(ctx, silo, query, []interface{}{origen, refs, limit})
}

// GetByID looks a chunk up by id across all known silos.
func (r *SiloRepository) GetByID(ctx context.Context, id string) (*models.Document, error) {
	for _, silo := range r.AllSilos(ctx) {
		query := fmt.Sprintf(`
			SELECT %s, 0::float8 AS score
			FROM %s
			WHERE id::text = $1
			LIMIT 1`, docColumns, silo)
		docs, err := r.queryDocuments(ctx, silo, query, []interface{}{id})
		if err != nil {
			r.log.Warn("document lookup failed", zap.String("silo", silo), zap.Error(err))
			continue
		}
		if len(docs) > 0 {
			return &docs[0], nil
		}
	}
	return nil, ErrDocumentNotFound
}

// FindOrigenSilo locates the silo that holds a given origen.
func (r *SiloRepository) FindOrigenSilo(ctx context.Context, origen string) (string, error) {
	for _, silo := range r.AllSilos(ctx) {
		query := fmt.Sprintf(`SELECT 1 FROM %s WHERE origen = $1 LIMIT 1`, silo)
		rows, err := r.db.Query(ctx, query, origen)
		if err != nil {
			r.log.Warn("origen lookup failed", zap.String("silo", silo), zap.Error(err))
			continue
		}
		found := rows.Next()
		rows.Close()
		if rows.Err() != nil {
			continue
		}
		if found {
			return silo, nil
		}
	}
	return "", ErrDocumentNotFound
}

func (r *SiloRepository) queryDocuments(ctx context.Context, silo, query string, args []interface{}) ([]models.Document, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query silo %s: %w", silo, err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		err := rows.Scan(
			&d.ID,
			&d.Texto,
			&d.Ref,
			&d.Origen,
			&d.Entidad,
			&d.Jurisdiccion,
			&d.ChunkIndex,
			&d.PDFURL,
			&d.Registro,
			&d.Instancia,
			&d.Tesis,
			&d.Tipo,
			&d.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.Silo = silo
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

// isUndefinedColumn reports whether the error is Postgres 42703, raised when a
// filter references a payload column the silo does not have.
func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42703"
}

// reciprocalRankFusion fuses two ranked lists: each document scores the sum of
// 1/(k+rank+1) over the lists it appears in, k=60. Ties break on id so the
// output is deterministic.
func reciprocalRankFusion(dense, sparse []models.Document, topK int) []models.Document {
	scores := make(map[string]float64)
	byID := make(map[string]models.Document)

	for rank, d := range dense {
		scores[d.ID] += 1.0 / float64(rrfK+rank+1)
		if _, ok := byID[d.ID]; !ok {
			byID[d.ID] = d
		}
	}
	for rank, d := range sparse {
		scores[d.ID] += 1.0 / float64(rrfK+rank+1)
		if _, ok := byID[d.ID]; !ok {
			byID[d.ID] = d
		}
	}

	fused := make([]models.Document, 0, len(byID))
	for id, doc := range byID {
		doc.Score = scores[id]
		fused = append(fused, doc)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}
