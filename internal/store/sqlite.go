// Package store implements the card, version and catalog stores on SQLite and
// in memory.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pbaille/cpsynth/internal/domain"
)

//go:embed schema.sql
var schema string

// Store handles database operations
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers, which keeps version appends atomic per key.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetCards returns the session's cards in insertion order
func (s *Store) GetCards(ctx context.Context, sessionID string) ([]domain.ActivityCard, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, raw_text, group_id, created_at FROM cards WHERE session_id = ? ORDER BY seq",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []domain.ActivityCard
	for rows.Next() {
		var c domain.ActivityCard
		if err := rows.Scan(&c.ID, &c.RawText, &c.GroupID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// AppendCard stores card, assigning an id and timestamp when missing
func (s *Store) AppendCard(ctx context.Context, sessionID string, card domain.ActivityCard) (domain.ActivityCard, error) {
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cards (session_id, id, seq, raw_text, group_id, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cards WHERE session_id = ?), ?, ?, ?)`,
		sessionID, card.ID, sessionID, card.RawText, card.GroupID, card.CreatedAt,
	)
	if err != nil {
		return domain.ActivityCard{}, fmt.Errorf("insert card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ActivityCard{}, domain.NewError(component, domain.CodeConflict, "card "+card.ID+" already exists", nil)
	}
	return card, nil
}

// TagCard writes the card's group once
func (s *Store) TagCard(ctx context.Context, sessionID, cardID, groupID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tag: %w", err)
	}
	defer tx.Rollback()

	card := domain.ActivityCard{ID: cardID}
	err = tx.QueryRowContext(ctx,
		"SELECT group_id FROM cards WHERE session_id = ? AND id = ?",
		sessionID, cardID,
	).Scan(&card.GroupID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewError(component, domain.CodeNotFound, "card "+cardID+" not found", nil)
	}
	if err != nil {
		return fmt.Errorf("get card: %w", err)
	}
	if err := tagOnce(&card, groupID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE cards SET group_id = ? WHERE session_id = ? AND id = ?",
		card.GroupID, sessionID, cardID,
	); err != nil {
		return fmt.Errorf("tag card: %w", err)
	}
	return tx.Commit()
}

// GetVersions returns the history of one document in version order
func (s *Store) GetVersions(ctx context.Context, sessionID, cuCode string) ([]domain.CPDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM cp_versions WHERE session_id = ? AND cu_code = ? ORDER BY version",
		sessionID, cuCode,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var docs []domain.CPDocument
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		doc, err := decodeDoc(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// AppendVersion stores doc as baseVersion+1 if baseVersion is still the latest
func (s *Store) AppendVersion(ctx context.Context, doc domain.CPDocument, baseVersion int) (domain.CPDocument, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CPDocument{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	latest, _, err := latestVersion(ctx, tx, doc.SessionID, doc.CUCode)
	if err != nil {
		return domain.CPDocument{}, err
	}
	if latest != baseVersion {
		return domain.CPDocument{}, conflict(doc, baseVersion, latest)
	}

	doc.Version = latest + 1
	body, err := encodeDoc(doc)
	if err != nil {
		return domain.CPDocument{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO cp_versions (session_id, cu_code, version, status, body, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		doc.SessionID, doc.CUCode, doc.Version, string(doc.Status), string(body), time.Now().UTC(),
	); err != nil {
		return domain.CPDocument{}, fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.CPDocument{}, fmt.Errorf("commit append: %w", err)
	}
	return doc, nil
}

// OverwriteLatestUnlocked replaces the latest version if it is a draft
func (s *Store) OverwriteLatestUnlocked(ctx context.Context, doc domain.CPDocument) (domain.CPDocument, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CPDocument{}, fmt.Errorf("begin overwrite: %w", err)
	}
	defer tx.Rollback()

	latest, status, err := latestVersion(ctx, tx, doc.SessionID, doc.CUCode)
	if err != nil {
		return domain.CPDocument{}, err
	}
	if latest == 0 {
		return domain.CPDocument{}, domain.NewError(component, domain.CodeNotFound, "no version to overwrite for "+doc.CUCode, nil)
	}
	if status == domain.StatusLocked {
		return domain.CPDocument{}, domain.NewError(component, domain.CodeInvalidState,
			fmt.Sprintf("version %d of %s is locked", latest, doc.CUCode), nil)
	}

	doc.Version = latest
	body, err := encodeDoc(doc)
	if err != nil {
		return domain.CPDocument{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE cp_versions SET status = ?, body = ?, updated_at = ? WHERE session_id = ? AND cu_code = ? AND version = ?",
		string(doc.Status), string(body), time.Now().UTC(), doc.SessionID, doc.CUCode, latest,
	); err != nil {
		return domain.CPDocument{}, fmt.Errorf("overwrite version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.CPDocument{}, fmt.Errorf("commit overwrite: %w", err)
	}
	return doc, nil
}

func latestVersion(ctx context.Context, tx *sql.Tx, sessionID, cuCode string) (int, domain.DocStatus, error) {
	var version int
	var status string
	err := tx.QueryRowContext(ctx,
		"SELECT version, status FROM cp_versions WHERE session_id = ? AND cu_code = ? ORDER BY version DESC LIMIT 1",
		sessionID, cuCode,
	).Scan(&version, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("latest version: %w", err)
	}
	return version, domain.DocStatus(status), nil
}

// HasRecord reports catalog membership by CU code
func (s *Store) HasRecord(ctx context.Context, cuCode string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM catalog_records WHERE cu_code = ?", cuCode,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("find record: %w", err)
	}
	return n > 0, nil
}

// AppendRecord adds rec unless its code is present; it reports whether it was added
func (s *Store) AppendRecord(ctx context.Context, rec domain.ReferenceCURecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO catalog_records (cu_code, seq, cu_title, cu_description, source_ref, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM catalog_records), ?, ?, ?, ?)`,
		rec.CUCode, rec.CUTitle, rec.CUDescription, rec.SourceRef, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	return n > 0, nil
}

func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM catalog_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *Store) ListRecords(ctx context.Context) ([]domain.ReferenceCURecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT cu_code, cu_title, cu_description, source_ref FROM catalog_records ORDER BY seq",
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var recs []domain.ReferenceCURecord
	for rows.Next() {
		var r domain.ReferenceCURecord
		if err := rows.Scan(&r.CUCode, &r.CUTitle, &r.CUDescription, &r.SourceRef); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// GetProgress returns the zero progress when no build has run
func (s *Store) GetProgress(ctx context.Context) (domain.CatalogProgress, error) {
	var p domain.CatalogProgress
	err := s.db.QueryRowContext(ctx,
		"SELECT last_page, total_count, updated_at FROM catalog_progress WHERE id = 1",
	).Scan(&p.LastPage, &p.TotalCount, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CatalogProgress{}, nil
	}
	if err != nil {
		return domain.CatalogProgress{}, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

func (s *Store) SaveProgress(ctx context.Context, p domain.CatalogProgress) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO catalog_progress (id, last_page, total_count, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_page = excluded.last_page, total_count = excluded.total_count, updated_at = excluded.updated_at`,
		p.LastPage, p.TotalCount, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// CompletedPages lists the catalog pages read successfully, ascending
func (s *Store) CompletedPages(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT page FROM catalog_pages ORDER BY page")
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (s *Store) MarkPageCompleted(ctx context.Context, page int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO catalog_pages (page, completed_at) VALUES (?, ?)
		 ON CONFLICT(page) DO UPDATE SET completed_at = excluded.completed_at`,
		page, at,
	)
	if err != nil {
		return fmt.Errorf("mark page %d: %w", page, err)
	}
	return nil
}
