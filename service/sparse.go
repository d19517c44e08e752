package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lexmx-backend/models"
)

// BM25 parameters. Sparse vectors use the models.SparseDim dimensionality
// shared with the silo schema.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Spanish function words excluded from sparse terms.
var sparseStopwords = map[string]bool{
	"de": true, "la": true, "el": true, "en": true, "los": true, "las": true,
	"y": true, "que": true, "del": true, "para": true, "por": true, "con": true,
	"un": true, "una": true, "es": true, "al": true, "lo": true, "se": true,
	"su": true, "como": true, "mas": true, "o": true, "si": true, "no": true,
	"a": true, "e": true, "u": true, "ante": true, "sobre": true, "entre": true,
}

type bm25Vocabulary struct {
	Avgdl float64            `json:"avgdl"`
	IDF   map[string]float64 `json:"idf"`
}

// BM25Encoder produces sparse term-weight vectors for hybrid search. The
// vocabulary statistics file is heavy, so it is loaded lazily on a background
// task at startup; queries arriving before it is ready get an empty vector and
// the pipeline degrades to dense-only.
type BM25Encoder struct {
	source string

	mu    sync.RWMutex
	ready bool
	idf   map[string]float64
	avgdl float64

	log *zap.Logger
}

// NewBM25Encoder builds an encoder that will read its vocabulary from source,
// either a filesystem path or an http(s) URL.
func NewBM25Encoder(source string, log *zap.Logger) *BM25Encoder {
	return &BM25Encoder{source: source, log: log}
}

// Load fetches and parses the vocabulary. Callers run it in a goroutine so the
// HTTP health check stays fast.
func (e *BM25Encoder) Load(ctx context.Context) error {
	if e.source == "" {
		return fmt.Errorf("bm25 vocabulary source not configured")
	}

	var raw []byte
	if strings.HasPrefix(e.source, "http://") || strings.HasPrefix(e.source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.source, nil)
		if err != nil {
			return fmt.Errorf("bm25 vocabulary request: %w", err)
		}
		client := &http.Client{Timeout: 60 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("bm25 vocabulary download: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("bm25 vocabulary download: status %d", resp.StatusCode)
		}
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("bm25 vocabulary download: %w", err)
		}
	} else {
		var err error
		raw, err = os.ReadFile(e.source)
		if err != nil {
			return fmt.Errorf("bm25 vocabulary read: %w", err)
		}
	}

	var vocab bm25Vocabulary
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return fmt.Errorf("bm25 vocabulary parse: %w", err)
	}
	if vocab.Avgdl <= 0 {
		vocab.Avgdl = 1
	}

	e.mu.Lock()
	e.idf = vocab.IDF
	e.avgdl = vocab.Avgdl
	e.ready = true
	e.mu.Unlock()

	e.log.Info("bm25 vocabulary loaded",
		zap.Int("terms", len(vocab.IDF)), zap.Float64("avgdl", vocab.Avgdl))
	return nil
}

// LoadFromVocabulary installs an in-memory vocabulary. Used by ingestion and
// tests.
func (e *BM25Encoder) LoadFromVocabulary(idf map[string]float64, avgdl float64) {
	if avgdl <= 0 {
		avgdl = 1
	}
	e.mu.Lock()
	e.idf = idf
	e.avgdl = avgdl
	e.ready = true
	e.mu.Unlock()
}

// Ready reports whether the vocabulary has finished loading.
func (e *BM25Encoder) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// EncodeQuery produces IDF weights for the distinct terms of a query. Returns
// an empty vector while the vocabulary is still loading.
func (e *BM25Encoder) EncodeQuery(text string) map[int32]float32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return nil
	}

	vec := make(map[int32]float32)
	for _, term := range sparseTokenize(text) {
		idx := sparseTermIndex(term)
		w := float32(e.termIDF(term))
		if w > vec[idx] {
			vec[idx] = w
		}
	}
	return vec
}

// EncodePassage produces tf-saturated BM25 weights for a passage. Used at
// ingestion time.
func (e *BM25Encoder) EncodePassage(text string) map[int32]float32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return nil
	}

	tokens := sparseTokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]float64)
	for _, t := range tokens {
		tf[t]++
	}
	dl := float64(len(tokens))

	vec := make(map[int32]float32)
	for term, f := range tf {
		norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*dl/e.avgdl))
		w := float32(e.termIDF(term) * norm)
		idx := sparseTermIndex(term)
		if w > vec[idx] {
			vec[idx] = w
		}
	}
	return vec
}

// termIDF must be called with the read lock held.
func (e *BM25Encoder) termIDF(term string) float64 {
	if w, ok := e.idf[term]; ok {
		return w
	}
	return 1.0
}

// sparseTermIndex hashes a term into the fixed sparse dimensionality.
func sparseTermIndex(term string) int32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return int32(h.Sum32() % models.SparseDim)
}

// sparseTokenize lowercases, strips accents, splits on non-alphanumeric runs
// and drops stopwords and single letters.
func sparseTokenize(text string) []string {
	text = strings.ToLower(accentReplacer.Replace(strings.ToUpper(text)))
	fields := strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		case r == 'ñ':
			return false
		default:
			return true
		}
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || sparseStopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
