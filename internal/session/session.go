// Package session handles the activity cards of a facilitation session: card
// ingestion, clustering runs, tagging cards with their cluster and turning
// clusters into competency unit shapes.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pbaille/cpsynth/internal/cluster"
	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/logger"
)

const component = "session"

// CardStore is the keyed card collection of each session.
type CardStore interface {
	GetCards(ctx context.Context, sessionID string) ([]domain.ActivityCard, error)
	AppendCard(ctx context.Context, sessionID string, card domain.ActivityCard) (domain.ActivityCard, error)
	// TagCard writes the card's group once. A different existing group is
	// INVALID_STATE; the same group is a no-op.
	TagCard(ctx context.Context, sessionID, cardID, groupID string) error
}

// Embedder supplies vectors for vector-mode clustering.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// textFields are the accepted names of the activity text, in priority order.
var textFields = []string{
	"rawText", "raw_text", "text", "activity", "activityText", "activity_text",
	"statement", "content", "description", "aktivitas", "kegiatan",
}

// NormalizeCardText picks the activity text out of a loosely shaped card
// payload. It reports false when no known field holds non-blank text.
func NormalizeCardText(raw map[string]any) (string, bool) {
	for _, f := range textFields {
		v, ok := raw[f]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, true
		}
	}
	return "", false
}

type Service struct {
	cards    CardStore
	engine   *cluster.Engine
	embedder Embedder
	log      *logger.Logger

	mu   sync.Mutex
	runs map[string]cluster.Result
}

type Option func(*Service)

// WithEmbedder enables vector-mode clustering without caller-supplied vectors.
func WithEmbedder(e Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

func NewService(cards CardStore, engine *cluster.Engine, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if engine == nil {
		engine = cluster.NewEngine(log)
	}
	s := &Service{
		cards:  cards,
		engine: engine,
		log:    log.With("component", component),
		runs:   make(map[string]cluster.Result),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest normalizes raw and appends it as a new card.
func (s *Service) Ingest(ctx context.Context, sessionID string, raw map[string]any) (domain.ActivityCard, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.ActivityCard{}, domain.NewError(component, domain.CodeInvalidInput, "session id is required", nil)
	}
	text, ok := NormalizeCardText(raw)
	if !ok {
		return domain.ActivityCard{}, domain.NewError(component, domain.CodeInvalidInput, "card has no activity text", nil)
	}
	card := domain.ActivityCard{RawText: text}
	if id, ok := raw["id"].(string); ok {
		card.ID = strings.TrimSpace(id)
	}
	saved, err := s.cards.AppendCard(ctx, sessionID, card)
	if err != nil {
		return domain.ActivityCard{}, err
	}
	s.log.Debug("card ingested", "session_id", sessionID, "card_id", saved.ID)
	return saved, nil
}

// Cards lists the session's cards in submission order.
func (s *Service) Cards(ctx context.Context, sessionID string) ([]domain.ActivityCard, error) {
	cards, err := s.cards.GetCards(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	return cards, nil
}

// RunClustering clusters the session's cards and replaces the previous run.
func (s *Service) RunClustering(ctx context.Context, sessionID string, opts cluster.Options) (cluster.Result, error) {
	cards, err := s.Cards(ctx, sessionID)
	if err != nil {
		return cluster.Result{}, err
	}

	items := make([]cluster.Item, len(cards))
	texts := make([]string, len(cards))
	for i, c := range cards {
		items[i] = cluster.Item{ID: c.ID, Text: c.RawText}
		texts[i] = c.RawText
	}

	if opts.Mode == cluster.ModeVector && opts.Embeddings == nil && len(items) > 0 {
		if s.embedder == nil {
			return cluster.Result{}, domain.NewError(component, domain.CodeEmbeddingUnavailable,
				"vector clustering needs an embedding service", nil)
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			if domain.IsCode(err, domain.CodeEmbeddingUnavailable) {
				return cluster.Result{}, err
			}
			return cluster.Result{}, domain.NewError(component, domain.CodeEmbeddingUnavailable, "embedding cards failed", err)
		}
		opts.Embeddings = vecs
	}

	res, err := s.engine.Cluster(ctx, items, opts)
	if err != nil {
		return cluster.Result{}, err
	}

	s.mu.Lock()
	s.runs[sessionID] = res
	s.mu.Unlock()
	s.log.Info("clustering run stored", "session_id", sessionID, "cards", len(cards), "clusters", len(res.Clusters))
	return res, nil
}

// LastRun returns the latest clustering result of the session.
func (s *Service) LastRun(sessionID string) (cluster.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.runs[sessionID]
	return res, ok
}

// ApplyResult reports what ApplyClusters did
type ApplyResult struct {
	Tagged  int      `json:"tagged"`
	Skipped []string `json:"skipped"`
}

// ApplyClusters tags each member of the last run with its cluster id. Cards
// already tagged with another group keep it and are reported as skipped.
func (s *Service) ApplyClusters(ctx context.Context, sessionID string) (ApplyResult, error) {
	res, ok := s.LastRun(sessionID)
	if !ok {
		return ApplyResult{}, domain.NewError(component, domain.CodeNotFound, "no clustering run for session "+sessionID, nil)
	}

	cards, err := s.Cards(ctx, sessionID)
	if err != nil {
		return ApplyResult{}, err
	}
	groups := make(map[string]string, len(cards))
	for _, c := range cards {
		groups[c.ID] = c.GroupID
	}

	out := ApplyResult{Skipped: []string{}}
	for _, c := range res.Clusters {
		for _, id := range c.MemberIDs {
			current, exists := groups[id]
			if !exists || (current != "" && current != c.ClusterID) {
				out.Skipped = append(out.Skipped, id)
				continue
			}
			if err := s.cards.TagCard(ctx, sessionID, id, c.ClusterID); err != nil {
				if domain.IsCode(err, domain.CodeInvalidState) {
					out.Skipped = append(out.Skipped, id)
					continue
				}
				return out, fmt.Errorf("tag card %s: %w", id, err)
			}
			out.Tagged++
		}
	}
	s.log.Info("clusters applied", "session_id", sessionID, "tagged", out.Tagged, "skipped", len(out.Skipped))
	return out, nil
}

// UnitsFromClusters maps each cluster to a CU shape with one work activity per
// member card. Codes run CU-01, CU-02, ... in cluster order.
func UnitsFromClusters(res cluster.Result, cards []domain.ActivityCard) []domain.CompetencyUnit {
	byID := make(map[string]domain.ActivityCard, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}

	units := make([]domain.CompetencyUnit, 0, len(res.Clusters))
	for i, c := range res.Clusters {
		cu := domain.CompetencyUnit{
			CUCode:         fmt.Sprintf("CU-%02d", i+1),
			CUTitle:        c.SuggestedTitle,
			WorkActivities: []domain.WorkActivity{},
		}
		for _, id := range c.MemberIDs {
			card, ok := byID[id]
			if !ok {
				continue
			}
			cu.WorkActivities = append(cu.WorkActivities, domain.WorkActivity{
				WACode:  fmt.Sprint(len(cu.WorkActivities) + 1),
				WATitle: card.RawText,
			})
		}
		units = append(units, cu)
	}
	return units
}
