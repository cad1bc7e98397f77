// Package matcher ranks locally authored competency units against the
// reference catalog by cosine similarity of their embeddings.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/logger"
	"github.com/pbaille/cpsynth/internal/similarity"
)

const component = "matcher"

const (
	DefaultTopK            = 5
	DefaultAcceptThreshold = 0.78
	MaxBatchSize           = 200
	DefaultCatalogKey      = "default"

	bandHigh   = 0.85
	bandMedium = 0.78
	bandLow    = 0.70

	// epsilon keeps identical texts at or above a threshold of 1.0
	epsilon = 1e-9
)

// Embedder turns texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Options tunes one Match call. Zero values take the defaults.
type Options struct {
	TopK            int
	AcceptThreshold float64
	// CatalogKey names the catalog vector cache entry.
	CatalogKey string
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.AcceptThreshold <= 0 {
		o.AcceptThreshold = DefaultAcceptThreshold
	}
	if o.CatalogKey == "" {
		o.CatalogKey = DefaultCatalogKey
	}
	return o
}

type cachedCatalog struct {
	count   int
	vectors [][]float64
}

type Engine struct {
	embedder  Embedder
	batchSize int
	log       *logger.Logger

	mu    sync.Mutex
	cache map[string]cachedCatalog
	group singleflight.Group
}

type Option func(*Engine)

// WithBatchSize sets texts per embedding call, capped at MaxBatchSize.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 && n <= MaxBatchSize {
			e.batchSize = n
		}
	}
}

func NewEngine(embedder Embedder, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		embedder:  embedder,
		batchSize: MaxBatchSize,
		log:       log.With("component", component),
		cache:     make(map[string]cachedCatalog),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Match scores every input against the catalog and returns one result per
// input, in input order. Embedding failures are returned as
// EMBEDDING_UNAVAILABLE; results are never silently empty.
func (e *Engine) Match(ctx context.Context, inputs []domain.CompetencyUnit, catalog []domain.ReferenceCURecord, opts Options) ([]domain.MatchResult, error) {
	opts = opts.withDefaults()
	results := make([]domain.MatchResult, 0, len(inputs))
	if len(inputs) == 0 {
		return results, nil
	}

	if len(catalog) == 0 {
		for _, cu := range inputs {
			results = append(results, decide(cu, nil, opts))
		}
		return results, nil
	}

	catalogVecs, err := e.catalogVectors(ctx, opts.CatalogKey, catalog)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(inputs))
	for i, cu := range inputs {
		texts[i] = RenderCU(cu)
	}
	inputVecs, err := e.embedAll(ctx, texts)
	if err != nil {
		return nil, err
	}

	for i, cu := range inputs {
		scored := make([]domain.MatchCandidate, len(catalog))
		for j, rec := range catalog {
			scored[j] = domain.MatchCandidate{
				CUCode:  rec.CUCode,
				CUTitle: rec.CUTitle,
				Score:   similarity.Cosine(inputVecs[i], catalogVecs[j]),
			}
		}
		sort.Slice(scored, func(a, b int) bool {
			if scored[a].Score != scored[b].Score {
				return scored[a].Score > scored[b].Score
			}
			return scored[a].CUCode < scored[b].CUCode
		})
		if len(scored) > opts.TopK {
			scored = scored[:opts.TopK]
		}
		results = append(results, decide(cu, scored, opts))
	}

	e.log.Debug("match finished", "inputs", len(inputs), "catalog", len(catalog), "catalog_key", opts.CatalogKey)
	return results, nil
}

// Invalidate drops the cached vectors for key.
func (e *Engine) Invalidate(key string) {
	if key == "" {
		key = DefaultCatalogKey
	}
	e.mu.Lock()
	delete(e.cache, key)
	e.mu.Unlock()
}

func decide(cu domain.CompetencyUnit, candidates []domain.MatchCandidate, opts Options) domain.MatchResult {
	if candidates == nil {
		candidates = []domain.MatchCandidate{}
	}
	res := domain.MatchResult{
		InputCU:    domain.MatchInput{CUCode: cu.CUCode, CUTitle: cu.CUTitle},
		Candidates: candidates,
		Confidence: domain.ConfidenceNone,
		Decision:   domain.DecisionNoMatch,
	}
	if len(candidates) == 0 {
		return res
	}
	res.BestScore = candidates[0].Score
	res.Confidence = Band(res.BestScore)
	if res.BestScore >= opts.AcceptThreshold-epsilon {
		res.Decision = domain.DecisionMatch
	}
	return res
}

// Band maps a score to its confidence band.
func Band(score float64) domain.Confidence {
	switch {
	case score >= bandHigh-epsilon:
		return domain.ConfidenceHigh
	case score >= bandMedium-epsilon:
		return domain.ConfidenceMedium
	case score >= bandLow-epsilon:
		return domain.ConfidenceLow
	default:
		return domain.ConfidenceNone
	}
}

// catalogVectors returns cached vectors for key while the catalog size is
// unchanged. Concurrent rebuilds of the same key and size share one call.
func (e *Engine) catalogVectors(ctx context.Context, key string, catalog []domain.ReferenceCURecord) ([][]float64, error) {
	if v, ok := e.cached(key, len(catalog)); ok {
		return v, nil
	}

	flightKey := fmt.Sprintf("%s#%d", key, len(catalog))
	v, err, _ := e.group.Do(flightKey, func() (interface{}, error) {
		if v, ok := e.cached(key, len(catalog)); ok {
			return v, nil
		}
		texts := make([]string, len(catalog))
		for i, rec := range catalog {
			texts[i] = RenderRecord(rec)
		}
		vectors, err := e.embedAll(ctx, texts)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[key] = cachedCatalog{count: len(catalog), vectors: vectors}
		e.mu.Unlock()
		e.log.Info("catalog embeddings rebuilt", "catalog_key", key, "records", len(catalog))
		return vectors, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float64), nil
}

func (e *Engine) cached(key string, count int) ([][]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cache[key]
	if !ok || c.count != count {
		return nil, false
	}
	return c.vectors, true
}

func (e *Engine) embedAll(ctx context.Context, texts []string) ([][]float64, error) {
	if e.embedder == nil {
		return nil, domain.NewError(component, domain.CodeEmbeddingUnavailable, "no embedding service configured", nil)
	}
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			if domain.IsCode(err, domain.CodeEmbeddingUnavailable) {
				return nil, err
			}
			return nil, domain.NewError(component, domain.CodeEmbeddingUnavailable, "embedding failed", err)
		}
		if len(vecs) != end-start {
			return nil, domain.NewError(component, domain.CodeEmbeddingUnavailable,
				fmt.Sprintf("embedding service returned %d vectors for %d texts", len(vecs), end-start), nil)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// RenderCU is the text embedded for a local CU: "title: description; wa1; wa2".
func RenderCU(cu domain.CompetencyUnit) string {
	parts := []string{head(cu.CUTitle, cu.CUDescription)}
	for _, wa := range cu.WorkActivities {
		if t := strings.TrimSpace(wa.WATitle); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "; ")
}

// RenderRecord is the text embedded for a catalog record.
func RenderRecord(rec domain.ReferenceCURecord) string {
	return head(rec.CUTitle, rec.CUDescription)
}

func head(title, description string) string {
	title = strings.TrimSpace(title)
	if d := strings.TrimSpace(description); d != "" {
		return title + ": " + d
	}
	return title
}
