// Package profile owns the competency profile document: draft generation, the
// per-(session, CU) version history and the DRAFT/LOCKED lifecycle.
package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/logger"
	"github.com/pbaille/cpsynth/internal/validator"
)

const component = "profile"

// Latest selects the newest version in GetVersion.
const Latest = 0

// VersionStore persists the append-only version history of each document.
// Implementations must make each call atomic per (session, CU) key.
type VersionStore interface {
	GetVersions(ctx context.Context, sessionID, cuCode string) ([]domain.CPDocument, error)
	// AppendVersion stores doc as version baseVersion+1. It fails with
	// CONFLICT when the latest stored version is not baseVersion.
	AppendVersion(ctx context.Context, doc domain.CPDocument, baseVersion int) (domain.CPDocument, error)
	// OverwriteLatestUnlocked replaces the latest version, which must be a DRAFT.
	OverwriteLatestUnlocked(ctx context.Context, doc domain.CPDocument) (domain.CPDocument, error)
}

// TextGenerator is the optional generation collaborator.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Actor identifies who performs a lifecycle transition.
type Actor struct {
	ID         string
	Privileged bool
}

// DraftOptions tunes GenerateDraft.
type DraftOptions struct {
	Language string
	// Enrich asks the generator for work steps before falling back to templates.
	Enrich bool
}

type Service struct {
	store    VersionStore
	gen      TextGenerator
	log      *logger.Logger
	language string
	now      func() time.Time
	locks    keyedMutex
}

type Option func(*Service)

// WithGenerator enables generator-backed draft enrichment.
func WithGenerator(g TextGenerator) Option {
	return func(s *Service) { s.gen = g }
}

// WithLanguage sets the default draft language.
func WithLanguage(lang string) Option {
	return func(s *Service) {
		if strings.TrimSpace(lang) != "" {
			s.language = lang
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store VersionStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		store:    store,
		log:      log.With("component", component),
		language: "en",
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateDraft builds an unsaved DRAFT for cu. Every work activity ends up with
// at least MinWorkSteps steps and every step carries a criterion.
func (s *Service) GenerateDraft(ctx context.Context, sessionID string, cu domain.CompetencyUnit, opts DraftOptions) (domain.CPDocument, error) {
	if err := checkKey(sessionID, cu.CUCode); err != nil {
		return domain.CPDocument{}, err
	}
	lang := opts.Language
	if strings.TrimSpace(lang) == "" {
		lang = s.language
	}

	was := make([]domain.WorkActivity, 0, len(cu.WorkActivities))
	for i, wa := range cu.WorkActivities {
		wa.WACode = codeOr(wa.WACode, fmt.Sprint(i+1))
		steps := make([]domain.WorkStep, 0, validator.MinWorkSteps)
		for _, ws := range wa.WorkSteps {
			if ws.PerformanceCriterion == nil {
				ws.PerformanceCriterion = criterionFor(lang, ws.WSText)
			}
			steps = append(steps, ws)
		}

		if len(steps) < validator.MinWorkSteps {
			var extra []domain.WorkStep
			if opts.Enrich && s.gen != nil {
				extra = s.enrichSteps(ctx, lang, cu, wa)
			}
			if len(extra) < validator.MinWorkSteps {
				extra = templateSteps(lang, wa)
			}
			for _, st := range extra {
				if len(steps) >= validator.MinWorkSteps {
					break
				}
				steps = append(steps, st)
			}
		}

		for j := range steps {
			steps[j].WSCode = codeOr(steps[j].WSCode, fmt.Sprintf("%s.%d", wa.WACode, j+1))
		}
		wa.WorkSteps = steps
		was = append(was, wa)
	}

	now := s.now()
	doc := domain.CPDocument{
		SessionID:      sessionID,
		CUCode:         cu.CUCode,
		CUTitle:        cu.CUTitle,
		CUDescription:  cu.CUDescription,
		Language:       lang,
		Status:         domain.StatusDraft,
		WorkActivities: was,
		Audit:          domain.Audit{CreatedAt: now, UpdatedAt: now},
	}
	doc.Validation = validator.Validate(doc)
	return doc, nil
}

// SaveWorking stores doc as the working draft. It overwrites the latest DRAFT
// version, or appends a new one when there is none or the latest is LOCKED.
// Outstanding validation errors never block a save.
func (s *Service) SaveWorking(ctx context.Context, doc domain.CPDocument) (domain.CPDocument, error) {
	if err := checkKey(doc.SessionID, doc.CUCode); err != nil {
		return domain.CPDocument{}, err
	}
	if doc.Language == "" {
		doc.Language = s.language
	}
	release := s.locks.Lock(docKey(doc.SessionID, doc.CUCode))
	defer release()

	versions, err := s.store.GetVersions(ctx, doc.SessionID, doc.CUCode)
	if err != nil {
		return domain.CPDocument{}, fmt.Errorf("load versions: %w", err)
	}

	now := s.now()
	doc.Status = domain.StatusDraft
	doc.Validation = validator.Validate(doc)

	if len(versions) == 0 || versions[len(versions)-1].Status == domain.StatusLocked {
		base := 0
		if len(versions) > 0 {
			base = versions[len(versions)-1].Version
		}
		doc.Audit = domain.Audit{CreatedAt: now, UpdatedAt: now}
		saved, err := s.store.AppendVersion(ctx, doc, base)
		if err != nil {
			return domain.CPDocument{}, err
		}
		s.log.Debug("draft version appended", "session_id", doc.SessionID, "cu_code", doc.CUCode, "version", saved.Version)
		return saved, nil
	}

	latest := versions[len(versions)-1]
	doc.Version = latest.Version
	doc.Audit = latest.Audit
	doc.Audit.UpdatedAt = now
	saved, err := s.store.OverwriteLatestUnlocked(ctx, doc)
	if err != nil {
		return domain.CPDocument{}, err
	}
	s.log.Debug("draft overwritten", "session_id", doc.SessionID, "cu_code", doc.CUCode,
		"version", saved.Version, "errors", saved.Validation.ErrorCount())
	return saved, nil
}

// Lock re-validates the latest version and, if it has no ERROR issues, appends
// a LOCKED copy. A rejected lock returns VALIDATION_BLOCKED with the issues and
// leaves the history untouched.
func (s *Service) Lock(ctx context.Context, sessionID, cuCode, actor string) (domain.CPDocument, error) {
	if err := checkKey(sessionID, cuCode); err != nil {
		return domain.CPDocument{}, err
	}
	release := s.locks.Lock(docKey(sessionID, cuCode))
	defer release()

	latest, err := s.latest(ctx, sessionID, cuCode)
	if err != nil {
		return domain.CPDocument{}, err
	}
	if latest.Status == domain.StatusLocked {
		return domain.CPDocument{}, domain.NewError(component, domain.CodeInvalidState,
			fmt.Sprintf("version %d of %s is already locked", latest.Version, cuCode), nil)
	}

	res := validator.Validate(latest)
	if !res.Passed {
		rejected := domain.NewError(component, domain.CodeValidationBlocked,
			fmt.Sprintf("lock rejected: %d blocking issue(s)", res.ErrorCount()), nil)
		rejected.Issues = res.Issues
		s.log.Info("lock rejected", "session_id", sessionID, "cu_code", cuCode, "errors", res.ErrorCount())
		return domain.CPDocument{}, rejected
	}

	now := s.now()
	locked := latest
	locked.Status = domain.StatusLocked
	locked.Validation = res
	locked.Audit.UpdatedAt = now
	locked.Audit.LockedAt = &now
	locked.Audit.LockedBy = actor
	locked.Audit.LockID = uuid.NewString()

	saved, err := s.store.AppendVersion(ctx, locked, latest.Version)
	if err != nil {
		return domain.CPDocument{}, err
	}
	s.log.Info("document locked", "session_id", sessionID, "cu_code", cuCode, "version", saved.Version, "actor", actor)
	return saved, nil
}

// Unlock appends a DRAFT copy of a LOCKED latest version. Only privileged
// actors may unlock; history is kept.
func (s *Service) Unlock(ctx context.Context, sessionID, cuCode string, actor Actor) (domain.CPDocument, error) {
	if err := checkKey(sessionID, cuCode); err != nil {
		return domain.CPDocument{}, err
	}
	if !actor.Privileged {
		return domain.CPDocument{}, domain.NewError(component, domain.CodeForbidden, "unlock requires a privileged caller", nil)
	}
	release := s.locks.Lock(docKey(sessionID, cuCode))
	defer release()

	latest, err := s.latest(ctx, sessionID, cuCode)
	if err != nil {
		return domain.CPDocument{}, err
	}
	if latest.Status != domain.StatusLocked {
		return domain.CPDocument{}, domain.NewError(component, domain.CodeInvalidState,
			fmt.Sprintf("version %d of %s is not locked", latest.Version, cuCode), nil)
	}

	now := s.now()
	draft := latest
	draft.Status = domain.StatusDraft
	draft.Audit = domain.Audit{
		CreatedAt:  now,
		UpdatedAt:  now,
		UnlockedAt: &now,
		UnlockedBy: actor.ID,
	}
	draft.Validation = validator.Validate(draft)

	saved, err := s.store.AppendVersion(ctx, draft, latest.Version)
	if err != nil {
		return domain.CPDocument{}, err
	}
	s.log.Info("document unlocked", "session_id", sessionID, "cu_code", cuCode, "version", saved.Version, "actor", actor.ID)
	return saved, nil
}

// GetVersion returns one version, or the newest for Latest.
func (s *Service) GetVersion(ctx context.Context, sessionID, cuCode string, version int) (domain.CPDocument, error) {
	versions, err := s.History(ctx, sessionID, cuCode)
	if err != nil {
		return domain.CPDocument{}, err
	}
	if version == Latest {
		return versions[len(versions)-1], nil
	}
	for _, v := range versions {
		if v.Version == version {
			return v, nil
		}
	}
	return domain.CPDocument{}, domain.NewError(component, domain.CodeNotFound,
		fmt.Sprintf("version %d of %s not found", version, cuCode), nil)
}

// History returns every version in ascending order.
func (s *Service) History(ctx context.Context, sessionID, cuCode string) ([]domain.CPDocument, error) {
	if err := checkKey(sessionID, cuCode); err != nil {
		return nil, err
	}
	versions, err := s.store.GetVersions(ctx, sessionID, cuCode)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, domain.NewError(component, domain.CodeNotFound,
			fmt.Sprintf("no versions for %s in session %s", cuCode, sessionID), nil)
	}
	return versions, nil
}

func (s *Service) latest(ctx context.Context, sessionID, cuCode string) (domain.CPDocument, error) {
	versions, err := s.History(ctx, sessionID, cuCode)
	if err != nil {
		return domain.CPDocument{}, err
	}
	return versions[len(versions)-1], nil
}

func checkKey(sessionID, cuCode string) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(cuCode) == "" {
		return domain.NewError(component, domain.CodeInvalidInput, "session id and cu code are required", nil)
	}
	return nil
}

func docKey(sessionID, cuCode string) string {
	return sessionID + "\x00" + cuCode
}

func codeOr(code, def string) string {
	if c := strings.TrimSpace(code); c != "" {
		return c
	}
	return def
}
