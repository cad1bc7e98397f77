package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/cpsynth/internal/catalog"
	"github.com/pbaille/cpsynth/internal/cluster"
	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/matcher"
	"github.com/pbaille/cpsynth/internal/profile"
	"github.com/pbaille/cpsynth/internal/session"
	"github.com/pbaille/cpsynth/internal/similarity"
	"github.com/pbaille/cpsynth/internal/store"
)

// wordEmbedder maps each distinct token to its own dimension.
type wordEmbedder struct {
	dims map[string]int
	err  error
}

func (w *wordEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if w.err != nil {
		return nil, w.err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v := make([]float64, 64)
		for _, tok := range similarity.Tokenize(t) {
			d, ok := w.dims[tok]
			if !ok {
				d = len(w.dims) % 64
				w.dims[tok] = d
			}
			v[d]++
		}
		out[i] = v
	}
	return out, nil
}

type pageSource map[int][]domain.ReferenceCURecord

func (p pageSource) FetchPage(ctx context.Context, page int) ([]domain.ReferenceCURecord, error) {
	recs, ok := p[page]
	if !ok {
		return nil, errors.New("no such page")
	}
	return recs, nil
}

func newTestServer(t *testing.T, emb *wordEmbedder) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	src := pageSource{1: {
		{CUCode: "ADM.01", CUTitle: "Keep attendance records"},
		{CUCode: "FIN.02", CUTitle: "Prepare annual budget"},
	}}
	srv := New(Services{
		Sessions:        session.NewService(mem, cluster.NewEngine(nil), nil),
		Profiles:        profile.NewService(mem, nil),
		Catalog:         catalog.NewBuilder(mem, src, nil),
		Matcher:         matcher.NewEngine(emb, nil),
		ClusterDefaults: cluster.Options{Mode: cluster.ModeLexical, SimilarityThreshold: 0.3, MinClusterSize: 2},
	}, ":0")
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, &wordEmbedder{dims: map[string]int{}}), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCardsToUnits(t *testing.T) {
	h := newTestServer(t, &wordEmbedder{dims: map[string]int{}})

	for _, body := range []map[string]any{
		{"rawText": "Record attendance"},
		{"activity_text": "Log attendance sheet"},
		{"kegiatan": "Prepare annual budget"},
	} {
		rec := do(t, h, http.MethodPost, "/sessions/s1/cards", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodPost, "/sessions/s1/cards", map[string]any{"foo": "bar"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/sessions/s1/units", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/sessions/s1/cluster", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res cluster.Result
	decode(t, rec, &res)
	require.Len(t, res.Clusters, 1)
	assert.Len(t, res.Unassigned, 1)

	rec = do(t, h, http.MethodPost, "/sessions/s1/cluster/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var applied session.ApplyResult
	decode(t, rec, &applied)
	assert.Equal(t, 2, applied.Tagged)

	rec = do(t, h, http.MethodGet, "/sessions/s1/units", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var units struct {
		Units []domain.CompetencyUnit `json:"units"`
	}
	decode(t, rec, &units)
	require.Len(t, units.Units, 1)
	assert.Equal(t, "CU-01", units.Units[0].CUCode)
	assert.Len(t, units.Units[0].WorkActivities, 2)
}

func draftBody(titles ...string) DraftRequest {
	cu := domain.CompetencyUnit{CUCode: "CU-01", CUTitle: "Manage attendance"}
	for _, t := range titles {
		cu.WorkActivities = append(cu.WorkActivities, domain.WorkActivity{WATitle: t})
	}
	return DraftRequest{CU: cu, Save: true}
}

func TestDocumentLifecycle(t *testing.T) {
	h := newTestServer(t, &wordEmbedder{dims: map[string]int{}})

	rec := do(t, h, http.MethodGet, "/sessions/s1/documents/CU-01", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	decode(t, rec, &body)
	assert.Equal(t, domain.CodeNotFound, body.Code)
	assert.Equal(t, "profile", body.Component)

	rec = do(t, h, http.MethodPost, "/sessions/s1/drafts", draftBody("Record attendance", "Plan budget"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/sessions/s1/documents/CU-01/lock", LifecycleRequest{Actor: "fac"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body = ErrorBody{}
	decode(t, rec, &body)
	assert.Equal(t, domain.CodeValidationBlocked, body.Code)
	require.NotEmpty(t, body.Issues)
	assert.Equal(t, "MIN_WA", body.Issues[0].Code)

	rec = do(t, h, http.MethodPost, "/sessions/s1/drafts", draftBody("Record attendance", "Plan budget", "Review reports"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/sessions/s1/documents/CU-01/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var vr domain.ValidationResult
	decode(t, rec, &vr)
	assert.True(t, vr.Passed)

	rec = do(t, h, http.MethodPost, "/sessions/s1/documents/CU-01/lock", LifecycleRequest{Actor: "fac"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/sessions/s1/documents/CU-01/lock", LifecycleRequest{Actor: "fac"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/sessions/s1/documents/CU-01/unlock", LifecycleRequest{Actor: "fac"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/sessions/s1/documents/CU-01/unlock", LifecycleRequest{Actor: "boss", Role: "Admin"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/sessions/s1/documents/CU-01/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Versions []domain.CPDocument `json:"versions"`
	}
	decode(t, rec, &history)
	require.Len(t, history.Versions, 3)
	assert.Equal(t, domain.StatusDraft, history.Versions[2].Status)

	rec = do(t, h, http.MethodGet, "/sessions/s1/documents/CU-01?version=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc domain.CPDocument
	decode(t, rec, &doc)
	assert.Equal(t, domain.StatusLocked, doc.Status)

	rec = do(t, h, http.MethodGet, "/sessions/s1/documents/CU-01?version=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	doc.CUTitle = "Edited"
	rec = do(t, h, http.MethodPut, "/sessions/s1/documents/CU-01", doc)
	require.Equal(t, http.StatusOK, rec.Code)
	var saved domain.CPDocument
	decode(t, rec, &saved)
	assert.Equal(t, 3, saved.Version)
	assert.Equal(t, domain.StatusDraft, saved.Status)
}

func TestCatalogAndMatch(t *testing.T) {
	h := newTestServer(t, &wordEmbedder{dims: map[string]int{}})

	rec := do(t, h, http.MethodPost, "/catalog/build", BuildRequest{From: 1, To: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var inc catalog.IncrementResult
	decode(t, rec, &inc)
	assert.Equal(t, 2, inc.Added)
	require.Len(t, inc.FailedPages, 1)
	assert.Equal(t, 2, inc.FailedPages[0].Page)

	rec = do(t, h, http.MethodGet, "/catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ADM.01"))

	rec = do(t, h, http.MethodPost, "/match", MatchRequest{
		CUs:             []domain.CompetencyUnit{{CUCode: "CU-01", CUTitle: "Keep attendance records"}},
		AcceptThreshold: 1.0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Results []domain.MatchResult `json:"results"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Results, 1)
	assert.Equal(t, domain.DecisionMatch, out.Results[0].Decision)
	assert.Equal(t, "ADM.01", out.Results[0].Candidates[0].CUCode)
}

func TestMatch_EmbeddingUnavailable(t *testing.T) {
	h := newTestServer(t, &wordEmbedder{dims: map[string]int{}, err: errors.New("down")})

	rec := do(t, h, http.MethodPost, "/catalog/build", BuildRequest{From: 1, To: 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/match", MatchRequest{
		CUs: []domain.CompetencyUnit{{CUCode: "CU-01", CUTitle: "Keep attendance records"}},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body ErrorBody
	decode(t, rec, &body)
	assert.Equal(t, domain.CodeEmbeddingUnavailable, body.Code)
}
