package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"lexmx-backend/models"
)

// Deterministic injection scores. 2.0 beats anything a semantic stage can
// produce; 0.95 keeps CPEUM sweep results above ordinary hits without
// outranking explicit article fetches.
const (
	scoreDeterministic = 2.0
	scoreCPEUMSweep    = 0.95

	articleHitsPerSilo  = 3
	cpeumSweepLimit     = 20
	boostArticleMention = 0.5
)

var (
	articuloRe   = regexp.MustCompile(`(?i)art[íi]culo\s+(\d+)[°oa]?`)
	artAbbrevRe  = regexp.MustCompile(`(?i)art\.\s*(\d+)[°oa]?`)
	cpeumQueryRe = regexp.MustCompile(`(?i)\b(cpeum|constituci[óo]n|constitucional)\b`)
)

// DetectArticleNumbers extracts the distinct article numbers explicitly named
// in a query, in order of first appearance.
func DetectArticleNumbers(query string) []string {
	var numbers []string
	seen := make(map[string]bool)
	for _, re := range []*regexp.Regexp{articuloRe, artAbbrevRe} {
		for _, m := range re.FindAllStringSubmatch(query, -1) {
			n := m[1]
			if !seen[n] {
				seen[n] = true
				numbers = append(numbers, n)
			}
		}
	}
	return numbers
}

// QueryNamesConstitution reports whether the query explicitly names the CPEUM.
func QueryNamesConstitution(query string) bool {
	return cpeumQueryRe.MatchString(query)
}

// RefVariants returns every ref spelling under which article N may be indexed.
func RefVariants(n string) []string {
	return []string{
		fmt.Sprintf("Art. %s CPEUM", n),
		fmt.Sprintf("Art. %so CPEUM", n),
		fmt.Sprintf("Art. %s° CPEUM", n),
		fmt.Sprintf("Art. %sa CPEUM", n),
		fmt.Sprintf("Artículo %s", n),
		fmt.Sprintf("Art. %s", n),
	}
}

// ArticleNumberFromRef parses the article number out of a ref label like
// "Art. 163" or "Artículo 14 CPEUM".
func ArticleNumberFromRef(ref string) (int, bool) {
	m := regexp.MustCompile(`\d+`).FindString(ref)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RefScroller is the repository surface the fetcher needs: exact-ref and
// ref-prefix scrolls against one silo.
type RefScroller interface {
	ScrollByRefs(ctx context.Context, silo string, refs []string, limit int) ([]models.Document, error)
	ScrollByRefPrefix(ctx context.Context, silo string, prefix string, limit int) ([]models.Document, error)
}

// ArticleFetcher guarantees that explicitly requested articles reach the
// context regardless of semantic search outcomes. The 2024 judicial reform
// rewrote several constitutional articles; semantic similarity can favor
// pre-reform jurisprudence, so the authoritative current text is fetched by
// filter and injected with a score no semantic stage can reach.
type ArticleFetcher struct {
	repo RefScroller
	log  *zap.Logger
}

func NewArticleFetcher(repo RefScroller, log *zap.Logger) *ArticleFetcher {
	return &ArticleFetcher{repo: repo, log: log}
}

// FetchDeterministic retrieves exact-match chunks for every article number in
// the query from the constitutional and federal silos, capped at 3 hits per
// silo per number, injected with score 2.0. When the query names the CPEUM
// explicitly it additionally sweeps all chunks of each named constitutional
// article at score 0.95.
func (f *ArticleFetcher) FetchDeterministic(ctx context.Context, query string) []models.Document {
	numbers := DetectArticleNumbers(query)
	if len(numbers) == 0 {
		return nil
	}

	var injected []models.Document
	seen := make(map[string]bool)

	for _, n := range numbers {
		for _, silo := range []string{models.SiloBloqueConstitucional, models.SiloFederal} {
			docs, err := f.repo.ScrollByRefs(ctx, silo, RefVariants(n), articleHitsPerSilo)
			if err != nil {
				f.log.Warn("deterministic article fetch failed",
					zap.String("silo", silo), zap.String("articulo", n), zap.Error(err))
				continue
			}
			for _, d := range docs {
				if seen[d.ID] {
					continue
				}
				seen[d.ID] = true
				d.Score = scoreDeterministic
				injected = append(injected, d)
			}
		}
	}

	if QueryNamesConstitution(query) {
		for _, n := range numbers {
			prefix := "Art. " + n
			docs, err := f.repo.ScrollByRefPrefix(ctx, models.SiloBloqueConstitucional, prefix, cpeumSweepLimit)
			if err != nil {
				f.log.Warn("cpeum sweep failed", zap.String("articulo", n), zap.Error(err))
				continue
			}
			for _, d := range docs {
				if seen[d.ID] || !refMatchesArticle(d.Ref, n) {
					continue
				}
				seen[d.ID] = true
				d.Score = scoreCPEUMSweep
				injected = append(injected, d)
			}
		}
	}

	return injected
}

// refMatchesArticle guards the prefix scroll against digit bleed: the prefix
// "Art. 1" must not accept "Art. 14".
func refMatchesArticle(ref, n string) bool {
	prefix := "Art. " + n
	if !strings.HasPrefix(ref, prefix) {
		return false
	}
	rest := ref[len(prefix):]
	if rest == "" {
		return true
	}
	return rest[0] < '0' || rest[0] > '9'
}

// BoostArticleMatches adds +0.5 to every candidate whose text mentions one of
// the explicitly requested article numbers. Applied once per document.
func BoostArticleMatches(docs []models.Document, numbers []string) []models.Document {
	if len(numbers) == 0 {
		return docs
	}
	res := make([]*regexp.Regexp, len(numbers))
	for i, n := range numbers {
		res[i] = regexp.MustCompile(`(?i)(art[íi]culo|art\.?)\s*` + regexp.QuoteMeta(n) + `\b`)
	}
	for i := range docs {
		for _, re := range res {
			if re.MatchString(docs[i].Texto) || re.MatchString(docs[i].Ref) {
				docs[i].Score += boostArticleMention
				break
			}
		}
	}
	return docs
}
