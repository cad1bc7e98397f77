package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/store"
)

type fakeSource struct {
	pages   map[int][]domain.ReferenceCURecord
	failing map[int]bool
	fetched []int
}

func (f *fakeSource) FetchPage(ctx context.Context, page int) ([]domain.ReferenceCURecord, error) {
	f.fetched = append(f.fetched, page)
	if f.failing[page] {
		return nil, errors.New("connection reset")
	}
	return f.pages[page], nil
}

func rec(code string) domain.ReferenceCURecord {
	return domain.ReferenceCURecord{CUCode: code, CUTitle: "Title " + code, SourceRef: "src/" + code}
}

func newSource() *fakeSource {
	return &fakeSource{
		pages: map[int][]domain.ReferenceCURecord{
			1: {rec("A.01"), rec("A.02")},
			2: {rec("B.01"), rec("A.02")},
			3: {rec("C.01"), rec(" "), rec("C.02")},
		},
		failing: map[int]bool{},
	}
}

func TestBuildIncrement(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	b := NewBuilder(store.NewMemory(), src, nil)

	res, err := b.BuildIncrement(ctx, PageRange{From: 1, To: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)
	assert.Equal(t, 2, res.Skipped, "duplicate code and blank code")
	assert.Empty(t, res.FailedPages)
	assert.Equal(t, 3, res.LastPage)
	assert.Equal(t, 5, res.TotalCount)

	p, err := b.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.LastPage)
	assert.Equal(t, 5, p.TotalCount)
	assert.False(t, p.UpdatedAt.IsZero())

	recs, err := b.Records(ctx)
	require.NoError(t, err)
	codes := make([]string, len(recs))
	for i, r := range recs {
		codes[i] = r.CUCode
	}
	assert.Equal(t, []string{"A.01", "A.02", "B.01", "C.01", "C.02"}, codes)
}

func TestBuildIncrement_Idempotent(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	b := NewBuilder(store.NewMemory(), src, nil)

	_, err := b.BuildIncrement(ctx, PageRange{From: 1, To: 3})
	require.NoError(t, err)

	src.fetched = nil
	res, err := b.BuildIncrement(ctx, PageRange{From: 1, To: 3})
	require.NoError(t, err)
	assert.Zero(t, res.Added)
	assert.Empty(t, src.fetched, "covered pages are not re-read")
	assert.Equal(t, 5, res.TotalCount)

	res, err = b.BuildIncrement(ctx, PageRange{From: 1, To: 3, Force: true})
	require.NoError(t, err)
	assert.Zero(t, res.Added)
	assert.Equal(t, 7, res.Skipped)
	assert.Equal(t, []int{1, 2, 3}, src.fetched)
	assert.Equal(t, 3, res.LastPage)
}

func TestBuildIncrement_PartialFailure(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	src.failing[2] = true
	b := NewBuilder(store.NewMemory(), src, nil)

	res, err := b.BuildIncrement(ctx, PageRange{From: 1, To: 3})
	require.NoError(t, err)
	require.Len(t, res.FailedPages, 1)
	assert.Equal(t, 2, res.FailedPages[0].Page)
	assert.Contains(t, res.FailedPages[0].Error, "connection reset")
	assert.Equal(t, 4, res.Added, "records of pages 1 and 3 are kept")
	assert.Equal(t, 1, res.LastPage, "progress stops before the failed page")

	src.failing[2] = false
	src.fetched = nil
	res, err = b.BuildIncrement(ctx, PageRange{From: 1, To: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, src.fetched, "only the failed page is retried")
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 3, res.LastPage)
	assert.Equal(t, 5, res.TotalCount)
}

func TestBuildIncrement_GapDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(store.NewMemory(), newSource(), nil)

	res, err := b.BuildIncrement(ctx, PageRange{From: 2, To: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Added)
	assert.Zero(t, res.LastPage, "page 1 was never read")
}

func TestBuildIncrement_ResumeRangeAfterFirstPage(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	b := NewBuilder(store.NewMemory(), src, nil)

	res, err := b.BuildIncrement(ctx, PageRange{From: 3, To: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, src.fetched)
	assert.Equal(t, 2, res.Added)
	assert.Zero(t, res.LastPage)

	src.fetched = nil
	res, err = b.BuildIncrement(ctx, PageRange{From: 3, To: 5})
	require.NoError(t, err)
	assert.Empty(t, src.fetched, "completed pages are not re-read")
	assert.Zero(t, res.Added)
	assert.Equal(t, 2, res.TotalCount)

	src.fetched = nil
	res, err = b.BuildIncrement(ctx, PageRange{From: 1, To: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, src.fetched)
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, 5, res.LastPage, "the marker spans the pages filled in later")

	p, err := b.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, p.LastPage)
}

func TestBuildIncrement_StoredMarkerCoversEarlierPages(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveProgress(ctx, domain.CatalogProgress{LastPage: 2}))
	src := newSource()
	b := NewBuilder(mem, src, nil)

	res, err := b.BuildIncrement(ctx, PageRange{From: 1, To: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, src.fetched)
	assert.Equal(t, 3, res.LastPage)
}

func TestBuildIncrement_InvalidRange(t *testing.T) {
	b := NewBuilder(store.NewMemory(), newSource(), nil)
	for _, r := range []PageRange{{From: 0, To: 1}, {From: 3, To: 2}} {
		t.Run(fmt.Sprintf("%d-%d", r.From, r.To), func(t *testing.T) {
			_, err := b.BuildIncrement(context.Background(), r)
			assert.True(t, domain.IsCode(err, domain.CodeInvalidInput))
		})
	}
}

func TestBuildIncrement_NoSource(t *testing.T) {
	b := NewBuilder(store.NewMemory(), nil, nil)
	_, err := b.BuildIncrement(context.Background(), PageRange{From: 1, To: 1})
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState))

	recs, err := b.Records(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}
