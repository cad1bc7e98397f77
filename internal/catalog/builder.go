// Package catalog builds the deduplicated reference catalog of competency units
// from an external paged source.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/logger"
)

const component = "catalog"

// Store persists catalog records and build progress.
type Store interface {
	HasRecord(ctx context.Context, cuCode string) (bool, error)
	// AppendRecord adds rec unless its code is present and reports whether it did.
	AppendRecord(ctx context.Context, rec domain.ReferenceCURecord) (bool, error)
	CountRecords(ctx context.Context) (int, error)
	ListRecords(ctx context.Context) ([]domain.ReferenceCURecord, error)
	GetProgress(ctx context.Context) (domain.CatalogProgress, error)
	SaveProgress(ctx context.Context, p domain.CatalogProgress) error
	// CompletedPages lists every page read successfully, in ascending order.
	CompletedPages(ctx context.Context) ([]int, error)
	MarkPageCompleted(ctx context.Context, page int, at time.Time) error
}

// PageSource yields the records on one numbered page of the external source.
type PageSource interface {
	FetchPage(ctx context.Context, page int) ([]domain.ReferenceCURecord, error)
}

// PageRange is an inclusive range of pages. Force re-reads pages that were
// already completed.
type PageRange struct {
	From  int
	To    int
	Force bool
}

// FailedPage reports a page whose fetch failed
type FailedPage struct {
	Page  int    `json:"page"`
	Error string `json:"error"`
}

// IncrementResult summarizes one BuildIncrement call
type IncrementResult struct {
	Added       int          `json:"added"`
	Skipped     int          `json:"skipped"`
	FailedPages []FailedPage `json:"failed_pages"`
	LastPage    int          `json:"last_page"`
	TotalCount  int          `json:"total_count"`
}

type Builder struct {
	store  Store
	source PageSource
	log    *logger.Logger
	now    func() time.Time
}

func NewBuilder(store Store, source PageSource, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.Nop()
	}
	return &Builder{
		store:  store,
		source: source,
		log:    log.With("component", component),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BuildIncrement fetches the pages of r that no earlier build completed and
// appends records whose code is new. A failed page is reported and skipped so
// the next run retries it. LastPage is the end of the contiguous run of
// completed pages starting at page 1.
func (b *Builder) BuildIncrement(ctx context.Context, r PageRange) (IncrementResult, error) {
	if r.From < 1 || r.To < r.From {
		return IncrementResult{}, domain.NewError(component, domain.CodeInvalidInput,
			fmt.Sprintf("invalid page range %d-%d", r.From, r.To), nil)
	}
	if b.source == nil {
		return IncrementResult{}, domain.NewError(component, domain.CodeInvalidState, "no catalog page source configured", nil)
	}

	done, err := b.completed(ctx)
	if err != nil {
		return IncrementResult{}, err
	}

	var pending []int
	for page := r.From; page <= r.To; page++ {
		if r.Force || !done[page] {
			pending = append(pending, page)
		}
	}

	res := IncrementResult{FailedPages: []FailedPage{}, LastPage: contiguous(done)}
	if len(pending) == 0 {
		progress, err := b.store.GetProgress(ctx)
		if err != nil {
			return IncrementResult{}, fmt.Errorf("load progress: %w", err)
		}
		b.log.Info("catalog already covers range", "from", r.From, "to", r.To, "last_page", res.LastPage)
		res.TotalCount = progress.TotalCount
		return res, nil
	}

	seen := make(map[string]bool)
	for _, page := range pending {
		recs, err := b.source.FetchPage(ctx, page)
		if err != nil {
			b.log.Warn("catalog page failed", "page", page, "error", err)
			res.FailedPages = append(res.FailedPages, FailedPage{Page: page, Error: err.Error()})
			continue
		}

		for _, rec := range recs {
			rec.CUCode = strings.TrimSpace(rec.CUCode)
			if rec.CUCode == "" || seen[rec.CUCode] {
				res.Skipped++
				continue
			}
			seen[rec.CUCode] = true
			exists, err := b.store.HasRecord(ctx, rec.CUCode)
			if err != nil {
				return res, fmt.Errorf("find record %s: %w", rec.CUCode, err)
			}
			if exists {
				res.Skipped++
				continue
			}
			added, err := b.store.AppendRecord(ctx, rec)
			if err != nil {
				return res, fmt.Errorf("append record %s: %w", rec.CUCode, err)
			}
			if added {
				res.Added++
			} else {
				res.Skipped++
			}
		}

		if err := b.store.MarkPageCompleted(ctx, page, b.now()); err != nil {
			return res, fmt.Errorf("mark page %d: %w", page, err)
		}
		done[page] = true
	}
	res.LastPage = contiguous(done)

	total, err := b.store.CountRecords(ctx)
	if err != nil {
		return res, fmt.Errorf("count records: %w", err)
	}
	res.TotalCount = total
	if err := b.store.SaveProgress(ctx, domain.CatalogProgress{
		LastPage:   res.LastPage,
		TotalCount: total,
		UpdatedAt:  b.now(),
	}); err != nil {
		return res, fmt.Errorf("save progress: %w", err)
	}

	b.log.Info("catalog increment finished", "from", r.From, "to", r.To, "fetched", len(pending), "added", res.Added,
		"skipped", res.Skipped, "failed", len(res.FailedPages), "last_page", res.LastPage, "total", total)
	return res, nil
}

// completed merges the per-page ledger with the stored marker, which covers
// pages 1..LastPage.
func (b *Builder) completed(ctx context.Context) (map[int]bool, error) {
	progress, err := b.store.GetProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	pages, err := b.store.CompletedPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("load completed pages: %w", err)
	}
	done := make(map[int]bool, len(pages)+progress.LastPage)
	for p := 1; p <= progress.LastPage; p++ {
		done[p] = true
	}
	for _, p := range pages {
		done[p] = true
	}
	return done, nil
}

func contiguous(done map[int]bool) int {
	last := 0
	for done[last+1] {
		last++
	}
	return last
}

// Records lists the catalog in insertion order.
func (b *Builder) Records(ctx context.Context) ([]domain.ReferenceCURecord, error) {
	recs, err := b.store.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

// Progress returns the stored build progress.
func (b *Builder) Progress(ctx context.Context) (domain.CatalogProgress, error) {
	return b.store.GetProgress(ctx)
}
