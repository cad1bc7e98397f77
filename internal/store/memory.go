package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pbaille/cpsynth/internal/domain"
)

const component = "store"

// Memory is an in-process store. Documents are kept encoded so callers never
// share slices with the stored history.
type Memory struct {
	mu       sync.Mutex
	cards    map[string][]domain.ActivityCard
	versions map[string][]versionRow
	records  []domain.ReferenceCURecord
	codes    map[string]struct{}
	progress domain.CatalogProgress
	pages    map[int]time.Time
}

type versionRow struct {
	version int
	status  domain.DocStatus
	body    []byte
}

func NewMemory() *Memory {
	return &Memory{
		cards:    make(map[string][]domain.ActivityCard),
		versions: make(map[string][]versionRow),
		codes:    make(map[string]struct{}),
		pages:    make(map[int]time.Time),
	}
}

// GetCards returns the session's cards in insertion order
func (m *Memory) GetCards(ctx context.Context, sessionID string) ([]domain.ActivityCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ActivityCard, len(m.cards[sessionID]))
	copy(out, m.cards[sessionID])
	return out, nil
}

// AppendCard stores card, assigning an id and timestamp when missing
func (m *Memory) AppendCard(ctx context.Context, sessionID string, card domain.ActivityCard) (domain.ActivityCard, error) {
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cards[sessionID] {
		if c.ID == card.ID {
			return domain.ActivityCard{}, domain.NewError(component, domain.CodeConflict, "card "+card.ID+" already exists", nil)
		}
	}
	m.cards[sessionID] = append(m.cards[sessionID], card)
	return card, nil
}

// TagCard writes the card's group once
func (m *Memory) TagCard(ctx context.Context, sessionID, cardID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cards := m.cards[sessionID]
	for i := range cards {
		if cards[i].ID != cardID {
			continue
		}
		return tagOnce(&cards[i], groupID)
	}
	return domain.NewError(component, domain.CodeNotFound, "card "+cardID+" not found", nil)
}

func tagOnce(card *domain.ActivityCard, groupID string) error {
	switch card.GroupID {
	case "":
		card.GroupID = groupID
		return nil
	case groupID:
		return nil
	default:
		return domain.NewError(component, domain.CodeInvalidState,
			fmt.Sprintf("card %s already tagged with %s", card.ID, card.GroupID), nil)
	}
}

// GetVersions returns the history of one document in version order
func (m *Memory) GetVersions(ctx context.Context, sessionID, cuCode string) ([]domain.CPDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.versions[versionKey(sessionID, cuCode)]
	out := make([]domain.CPDocument, 0, len(rows))
	for _, r := range rows {
		doc, err := decodeDoc(r.body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// AppendVersion stores doc as baseVersion+1 if baseVersion is still the latest
func (m *Memory) AppendVersion(ctx context.Context, doc domain.CPDocument, baseVersion int) (domain.CPDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := versionKey(doc.SessionID, doc.CUCode)
	rows := m.versions[key]
	latest := 0
	if len(rows) > 0 {
		latest = rows[len(rows)-1].version
	}
	if latest != baseVersion {
		return domain.CPDocument{}, conflict(doc, baseVersion, latest)
	}
	doc.Version = latest + 1
	body, err := encodeDoc(doc)
	if err != nil {
		return domain.CPDocument{}, err
	}
	m.versions[key] = append(rows, versionRow{version: doc.Version, status: doc.Status, body: body})
	return doc, nil
}

// OverwriteLatestUnlocked replaces the latest version if it is a draft
func (m *Memory) OverwriteLatestUnlocked(ctx context.Context, doc domain.CPDocument) (domain.CPDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := versionKey(doc.SessionID, doc.CUCode)
	rows := m.versions[key]
	if len(rows) == 0 {
		return domain.CPDocument{}, domain.NewError(component, domain.CodeNotFound, "no version to overwrite for "+doc.CUCode, nil)
	}
	last := &rows[len(rows)-1]
	if last.status == domain.StatusLocked {
		return domain.CPDocument{}, domain.NewError(component, domain.CodeInvalidState,
			fmt.Sprintf("version %d of %s is locked", last.version, doc.CUCode), nil)
	}
	doc.Version = last.version
	body, err := encodeDoc(doc)
	if err != nil {
		return domain.CPDocument{}, err
	}
	last.status = doc.Status
	last.body = body
	return doc, nil
}

// HasRecord reports catalog membership by CU code
func (m *Memory) HasRecord(ctx context.Context, cuCode string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.codes[cuCode]
	return ok, nil
}

// AppendRecord adds rec unless its code is present; it reports whether it was added
func (m *Memory) AppendRecord(ctx context.Context, rec domain.ReferenceCURecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[rec.CUCode]; ok {
		return false, nil
	}
	m.codes[rec.CUCode] = struct{}{}
	m.records = append(m.records, rec)
	return true, nil
}

func (m *Memory) CountRecords(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *Memory) ListRecords(ctx context.Context) ([]domain.ReferenceCURecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ReferenceCURecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *Memory) GetProgress(ctx context.Context) (domain.CatalogProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress, nil
}

func (m *Memory) SaveProgress(ctx context.Context, p domain.CatalogProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = p
	return nil
}

// CompletedPages lists the catalog pages read successfully, ascending
func (m *Memory) CompletedPages(ctx context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make([]int, 0, len(m.pages))
	for p := range m.pages {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

func (m *Memory) MarkPageCompleted(ctx context.Context, page int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page] = at
	return nil
}

func versionKey(sessionID, cuCode string) string {
	return sessionID + "\x00" + cuCode
}

func conflict(doc domain.CPDocument, base, latest int) error {
	return domain.NewError(component, domain.CodeConflict,
		fmt.Sprintf("stale base version %d for %s (latest is %d)", base, doc.CUCode, latest), nil)
}

func encodeDoc(doc domain.CPDocument) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return body, nil
}

func decodeDoc(body []byte) (domain.CPDocument, error) {
	var doc domain.CPDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return domain.CPDocument{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
