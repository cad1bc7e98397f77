// Package cluster groups short activity statements into candidate competency
// units, either by token overlap or over a cosine similarity graph of
// caller-supplied embeddings.
package cluster

import (
	"context"
	"fmt"
	"sort"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/logger"
	"github.com/pbaille/cpsynth/internal/similarity"
)

const component = "cluster"

// Mode selects the grouping strategy
type Mode string

const (
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
)

// Item is one text to cluster
type Item struct {
	ID   string
	Text string
}

// Options tunes a clustering run. Zero values take the defaults below.
type Options struct {
	Mode Mode
	// SimilarityThreshold is used as given. 0 joins every pair, so a lexical
	// run with a zero threshold groups all items around the first seed.
	SimilarityThreshold float64
	MinClusterSize      int
	// MaxClusters caps emitted clusters; 0 means unlimited.
	MaxClusters   int
	StableMinSize int
	// MinTokenLength drops short tokens in lexical mode.
	MinTokenLength int
	KeepEmpty      bool
	// Embeddings[i] is the vector of items[i]; vector mode only.
	Embeddings [][]float64
}

const (
	DefaultMinClusterSize = 2
	DefaultStableMinSize  = 3
	DefaultMinTokenLength = 4
)

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeLexical
	}
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = DefaultMinClusterSize
	}
	if o.StableMinSize <= 0 {
		o.StableMinSize = DefaultStableMinSize
	}
	if o.MinTokenLength <= 0 {
		o.MinTokenLength = DefaultMinTokenLength
	}
	return o
}

// Result is the output of one run
type Result struct {
	Clusters   []domain.Cluster `json:"clusters"`
	Unassigned []string         `json:"unassigned"`
}

// TextGenerator suggests cluster titles
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Engine struct {
	gen TextGenerator
	log *logger.Logger
}

type Option func(*Engine)

// WithGenerator enables generated cluster titles.
func WithGenerator(g TextGenerator) Option {
	return func(e *Engine) { e.gen = g }
}

func NewEngine(log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{log: log.With("component", component)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cluster groups items. Identical input and options always give the same
// partition, and no item id appears in more than one cluster.
func (e *Engine) Cluster(ctx context.Context, items []Item, opts Options) (Result, error) {
	opts = opts.withDefaults()

	var groups [][]int
	switch opts.Mode {
	case ModeLexical:
		groups = lexicalGroups(items, opts)
	case ModeVector:
		if len(opts.Embeddings) != len(items) {
			return Result{}, domain.NewError(component, domain.CodeInvalidInput,
				fmt.Sprintf("got %d embeddings for %d items", len(opts.Embeddings), len(items)), nil)
		}
		groups = vectorGroups(opts.Embeddings, opts)
	default:
		return Result{}, domain.NewError(component, domain.CodeInvalidInput, fmt.Sprintf("unknown mode %q", opts.Mode), nil)
	}

	sortGroups(groups)
	if opts.MaxClusters > 0 && len(groups) > opts.MaxClusters {
		groups = groups[:opts.MaxClusters]
	}

	res := Result{Clusters: []domain.Cluster{}, Unassigned: []string{}}
	emitted := make(map[string]bool)
	for _, g := range groups {
		var members []string
		var texts []string
		for _, idx := range g {
			id := items[idx].ID
			if emitted[id] {
				continue
			}
			emitted[id] = true
			members = append(members, id)
			texts = append(texts, items[idx].Text)
		}
		if len(members) == 0 && !opts.KeepEmpty {
			continue
		}
		if members == nil {
			members = []string{}
		}

		n := len(res.Clusters) + 1
		c := domain.Cluster{
			ClusterID: fmt.Sprintf("C%d", n),
			MemberIDs: members,
			Strength:  domain.StrengthWeak,
		}
		if len(members) >= opts.StableMinSize {
			c.Strength = domain.StrengthStable
		}
		c.SuggestedTitle = e.suggestTitle(ctx, n, texts)
		res.Clusters = append(res.Clusters, c)
	}

	seen := make(map[string]bool)
	for _, it := range items {
		if emitted[it.ID] || seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		res.Unassigned = append(res.Unassigned, it.ID)
	}

	e.log.Debug("clustering finished", "mode", string(opts.Mode), "items", len(items),
		"clusters", len(res.Clusters), "unassigned", len(res.Unassigned))
	return res, nil
}

// lexicalGroups grows groups greedily around each unused seed. Groups below
// the minimum size release their members back to the pool.
func lexicalGroups(items []Item, opts Options) [][]int {
	sets := make([]map[string]struct{}, len(items))
	for i, it := range items {
		sets[i] = similarity.TokenSet(similarity.Tokenize(it.Text), opts.MinTokenLength)
	}

	used := make([]bool, len(items))
	var groups [][]int
	for seed := range items {
		if used[seed] {
			continue
		}
		group := []int{seed}
		for j := range items {
			if j == seed || used[j] {
				continue
			}
			if similarity.Jaccard(sets[seed], sets[j]) >= opts.SimilarityThreshold {
				group = append(group, j)
			}
		}
		if len(group) < opts.MinClusterSize {
			continue
		}
		sort.Ints(group)
		for _, idx := range group {
			used[idx] = true
		}
		groups = append(groups, group)
	}
	return groups
}

// vectorGroups returns the connected components of the graph whose edges join
// items with cosine similarity at or above the threshold.
func vectorGroups(vectors [][]float64, opts Options) [][]int {
	n := len(vectors)
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if similarity.Cosine(vectors[i], vectors[j]) >= opts.SimilarityThreshold {
				uf.union(i, j)
			}
		}
	}

	byRoot := make(map[int][]int)
	var roots []int
	for i := 0; i < n; i++ {
		r := uf.find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], i)
	}

	var groups [][]int
	for _, r := range roots {
		if g := byRoot[r]; len(g) >= opts.MinClusterSize {
			groups = append(groups, g)
		}
	}
	return groups
}

// sortGroups orders groups largest first, ties by lowest member index. Each
// group is already sorted ascending.
func sortGroups(groups [][]int) {
	sort.SliceStable(groups, func(a, b int) bool {
		if len(groups[a]) != len(groups[b]) {
			return len(groups[a]) > len(groups[b])
		}
		return groups[a][0] < groups[b][0]
	})
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
