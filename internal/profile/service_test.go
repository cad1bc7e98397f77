package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/store"
	"github.com/pbaille/cpsynth/internal/validator"
)

type fakeGenerator struct {
	out   string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.out, f.err
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(store.NewMemory(), nil, opts...)
}

func unit(titles ...string) domain.CompetencyUnit {
	cu := domain.CompetencyUnit{CUCode: "CU-01", CUTitle: "Manage attendance"}
	for _, t := range titles {
		cu.WorkActivities = append(cu.WorkActivities, domain.WorkActivity{WATitle: t})
	}
	return cu
}

func issueCodes(issues []domain.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Code)
	}
	return out
}

func TestGenerateDraft_MeetsStructureRules(t *testing.T) {
	tests := []struct {
		name string
		lang string
		cu   domain.CompetencyUnit
	}{
		{"english categories", "en", unit("Record attendance", "Plan the weekly budget", "Review incident reports")},
		{"default category", "en", unit("Xyzzy handling", "Frobnicate widgets", "Other duties")},
		{"indonesian", "id", unit("Mencatat kehadiran", "Menyusun anggaran", "Memeriksa laporan")},
		{"unknown language falls back", "fr", unit("Prepare the room", "Analyse the data", "Conduct training")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService()
			doc, err := s.GenerateDraft(context.Background(), "s1", tt.cu, DraftOptions{Language: tt.lang})
			require.NoError(t, err)

			assert.Equal(t, domain.StatusDraft, doc.Status)
			assert.Equal(t, 0, doc.Version)
			require.Len(t, doc.WorkActivities, 3)
			for i, wa := range doc.WorkActivities {
				assert.NotEmpty(t, wa.WACode)
				assert.GreaterOrEqual(t, len(wa.WorkSteps), validator.MinWorkSteps, "WA %d", i+1)
				for _, ws := range wa.WorkSteps {
					require.NotNil(t, ws.PerformanceCriterion)
					assert.NotEmpty(t, ws.PerformanceCriterion.PCText)
				}
			}
			for _, code := range issueCodes(doc.Validation.Issues) {
				assert.NotContains(t, []string{validator.CodeMinWA, validator.CodeMinWS, validator.CodeMissingPC}, code)
			}
			assert.True(t, doc.Validation.Passed)
		})
	}
}

func TestGenerateDraft_KeepsExistingSteps(t *testing.T) {
	cu := unit("Record attendance", "Plan budget", "Review reports")
	cu.WorkActivities[0].WACode = "A"
	cu.WorkActivities[0].WorkSteps = []domain.WorkStep{{WSText: "Collect the sign-in sheets"}}

	doc, err := newService().GenerateDraft(context.Background(), "s1", cu, DraftOptions{})
	require.NoError(t, err)

	wa := doc.WorkActivities[0]
	assert.Equal(t, "A", wa.WACode)
	require.Len(t, wa.WorkSteps, validator.MinWorkSteps)
	assert.Equal(t, "Collect the sign-in sheets", wa.WorkSteps[0].WSText)
	assert.Equal(t, "A.1", wa.WorkSteps[0].WSCode)
	require.NotNil(t, wa.WorkSteps[0].PerformanceCriterion, "a step without criterion is seeded")
	assert.Equal(t, "A.3", wa.WorkSteps[2].WSCode)
	assert.Equal(t, "2", doc.WorkActivities[1].WACode)
	assert.Equal(t, "en", doc.Language)
}

func TestGenerateDraft_RequiresKey(t *testing.T) {
	_, err := newService().GenerateDraft(context.Background(), "", unit("Record attendance"), DraftOptions{})
	assert.True(t, domain.IsCode(err, domain.CodeInvalidInput))
}

func TestSubjectOf(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Plan the weekly budget", "the weekly budget"},
		{"Attendance", "attendance"},
		{"Évaluation des risques", "évaluation des risques"},
		{"Ölkontrolle", "ölkontrolle"},
		{"  ", "the work activity"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, subjectOf(tt.title))
		})
	}
}

func TestGenerateDraft_NonASCIITitlesStayValidUTF8(t *testing.T) {
	cu := unit("Évaluation des risques", "Ölkontrolle", "Ärztliche Untersuchung")
	cu.WorkActivities[2].WorkSteps = []domain.WorkStep{{WSText: "Überprüfung der Befunde"}}

	doc, err := newService().GenerateDraft(context.Background(), "s1", cu, DraftOptions{})
	require.NoError(t, err)

	for _, wa := range doc.WorkActivities {
		for _, ws := range wa.WorkSteps {
			assert.True(t, utf8.ValidString(ws.WSText), ws.WSText)
			require.NotNil(t, ws.PerformanceCriterion)
			assert.True(t, utf8.ValidString(ws.PerformanceCriterion.Object), ws.PerformanceCriterion.Object)
			assert.True(t, utf8.ValidString(ws.PerformanceCriterion.PCText), ws.PerformanceCriterion.PCText)
		}
	}
	assert.Equal(t, "Carry out ölkontrolle", doc.WorkActivities[1].WorkSteps[0].WSText)
	assert.Equal(t, "überprüfung der Befunde", doc.WorkActivities[2].WorkSteps[0].PerformanceCriterion.Object)
}

func TestTemplateSteps_EnglishCriteriaAgreeWithSingularVerb(t *testing.T) {
	plan := templateSteps("en", domain.WorkActivity{WATitle: "Plan budget"})
	require.Len(t, plan, 3)
	assert.Equal(t, "Scope of objectives and resources for budget has been determined in line with organisational policy.",
		plan[0].PerformanceCriterion.PCText)

	for _, title := range []string{"Analyse data", "Plan budget", "Perform audit", "Review reports", "Prepare room", "Other duties"} {
		for _, ws := range templateSteps("en", domain.WorkActivity{WATitle: title}) {
			obj := ws.PerformanceCriterion.Object
			for _, plural := range []string{"findings on", "objectives and", "results of", "materials and"} {
				if strings.HasPrefix(obj, plural) {
					t.Errorf("%s: criterion object %q is plural", title, obj)
				}
			}
		}
	}
}

func TestGenerateDraft_Enrich(t *testing.T) {
	good := `Here you go:
{"steps": [
  {"text": "Open the register", "verb": "opened", "object": "register", "qualifier": "before the session"},
  {"text": "Check every name", "verb": "checked", "object": "names", "qualifier": "against the roster"},
  {"text": "File the register", "verb": "filed", "object": "register", "qualifier": "in the office"}
]}`

	t.Run("uses generated steps", func(t *testing.T) {
		gen := &fakeGenerator{out: good}
		s := newService(WithGenerator(gen))
		doc, err := s.GenerateDraft(context.Background(), "s1", unit("Record attendance", "Plan budget", "Review reports"), DraftOptions{Enrich: true})
		require.NoError(t, err)
		assert.Equal(t, 3, gen.calls)
		ws := doc.WorkActivities[0].WorkSteps
		require.Len(t, ws, 3)
		assert.Equal(t, "Open the register", ws[0].WSText)
		assert.Equal(t, "Register has been opened before the session.", ws[0].PerformanceCriterion.PCText)
	})

	fallbacks := []struct {
		name string
		gen  *fakeGenerator
	}{
		{"generator down", &fakeGenerator{err: domain.NewError("generator", domain.CodeGenerationUnavailable, "down", nil)}},
		{"malformed output", &fakeGenerator{out: "not json at all"}},
		{"too few steps", &fakeGenerator{out: `{"steps":[{"text":"Open","verb":"opened","object":"register","qualifier":"early"}]}`}},
	}
	for _, tt := range fallbacks {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(WithGenerator(tt.gen))
			doc, err := s.GenerateDraft(context.Background(), "s1", unit("Record attendance", "Plan budget", "Review reports"), DraftOptions{Enrich: true})
			require.NoError(t, err)
			ws := doc.WorkActivities[0].WorkSteps
			require.Len(t, ws, 3)
			assert.Equal(t, "Carry out attendance following procedures", ws[0].WSText)
			assert.True(t, doc.Validation.Passed)
		})
	}

	t.Run("not asked", func(t *testing.T) {
		gen := &fakeGenerator{out: good}
		s := newService(WithGenerator(gen))
		_, err := s.GenerateDraft(context.Background(), "s1", unit("Record attendance"), DraftOptions{})
		require.NoError(t, err)
		assert.Zero(t, gen.calls)
	})
}

func saveDraft(t *testing.T, s *Service, titles ...string) domain.CPDocument {
	t.Helper()
	ctx := context.Background()
	draft, err := s.GenerateDraft(ctx, "s1", unit(titles...), DraftOptions{})
	require.NoError(t, err)
	saved, err := s.SaveWorking(ctx, draft)
	require.NoError(t, err)
	return saved
}

func TestSaveWorking(t *testing.T) {
	ctx := context.Background()
	s := newService()

	v1 := saveDraft(t, s, "Record attendance", "Plan budget", "Review reports")
	assert.Equal(t, 1, v1.Version)

	v1.CUTitle = "Manage attendance records"
	v1.WorkActivities = v1.WorkActivities[:1]
	again, err := s.SaveWorking(ctx, v1)
	require.NoError(t, err, "errors never block a save")
	assert.Equal(t, 1, again.Version)
	assert.False(t, again.Validation.Passed)
	assert.Contains(t, issueCodes(again.Validation.Issues), validator.CodeMinWA)

	history, err := s.History(ctx, "s1", "CU-01")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Manage attendance records", history[0].CUTitle)
}

func TestLock_SucceedsIffValidationPasses(t *testing.T) {
	ctx := context.Background()

	t.Run("two work activities cannot lock", func(t *testing.T) {
		s := newService()
		saveDraft(t, s, "Record attendance", "Plan budget")

		_, err := s.Lock(ctx, "s1", "CU-01", "facilitator")
		require.Error(t, err)
		var derr *domain.Error
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, domain.CodeValidationBlocked, derr.Code)
		assert.Contains(t, issueCodes(derr.Issues), validator.CodeMinWA)

		history, err := s.History(ctx, "s1", "CU-01")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, domain.StatusDraft, history[0].Status)
	})

	t.Run("valid draft locks", func(t *testing.T) {
		s := newService()
		saveDraft(t, s, "Record attendance", "Plan budget", "Review reports")

		locked, err := s.Lock(ctx, "s1", "CU-01", "facilitator")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusLocked, locked.Status)
		assert.Equal(t, 2, locked.Version)
		assert.Equal(t, "facilitator", locked.Audit.LockedBy)
		assert.NotEmpty(t, locked.Audit.LockID)
		require.NotNil(t, locked.Audit.LockedAt)
		assert.True(t, fixedNow.Equal(*locked.Audit.LockedAt))

		_, err = s.Lock(ctx, "s1", "CU-01", "facilitator")
		assert.True(t, domain.IsCode(err, domain.CodeInvalidState))
	})

	t.Run("nothing to lock", func(t *testing.T) {
		_, err := newService().Lock(ctx, "s1", "CU-09", "facilitator")
		assert.True(t, domain.IsCode(err, domain.CodeNotFound))
	})
}

func TestLockUnlock_VersionsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	s := newService()
	saveDraft(t, s, "Record attendance", "Plan budget", "Review reports")

	admin := Actor{ID: "admin", Privileged: true}
	for i := 0; i < 3; i++ {
		_, err := s.Lock(ctx, "s1", "CU-01", "facilitator")
		require.NoError(t, err)
		unlocked, err := s.Unlock(ctx, "s1", "CU-01", admin)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDraft, unlocked.Status)
		assert.Equal(t, "admin", unlocked.Audit.UnlockedBy)
		assert.Empty(t, unlocked.Audit.LockID)
	}

	history, err := s.History(ctx, "s1", "CU-01")
	require.NoError(t, err)
	require.Len(t, history, 7)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Version, history[i-1].Version)
	}

	latest, err := s.GetVersion(ctx, "s1", "CU-01", Latest)
	require.NoError(t, err)
	assert.Equal(t, 7, latest.Version)

	second, err := s.GetVersion(ctx, "s1", "CU-01", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLocked, second.Status)

	_, err = s.GetVersion(ctx, "s1", "CU-01", 42)
	assert.True(t, domain.IsCode(err, domain.CodeNotFound))
}

func TestSaveWorking_AfterLockAppends(t *testing.T) {
	ctx := context.Background()
	s := newService()
	v1 := saveDraft(t, s, "Record attendance", "Plan budget", "Review reports")
	_, err := s.Lock(ctx, "s1", "CU-01", "facilitator")
	require.NoError(t, err)

	v1.CUTitle = "Edited after lock"
	saved, err := s.SaveWorking(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Version)
	assert.Equal(t, domain.StatusDraft, saved.Status)
	assert.Nil(t, saved.Audit.LockedAt)
}

func TestUnlock_Rules(t *testing.T) {
	ctx := context.Background()
	s := newService()
	saveDraft(t, s, "Record attendance", "Plan budget", "Review reports")

	_, err := s.Unlock(ctx, "s1", "CU-01", Actor{ID: "admin", Privileged: true})
	assert.True(t, domain.IsCode(err, domain.CodeInvalidState), "draft cannot be unlocked")

	_, err = s.Lock(ctx, "s1", "CU-01", "facilitator")
	require.NoError(t, err)
	_, err = s.Unlock(ctx, "s1", "CU-01", Actor{ID: "panelist"})
	assert.True(t, domain.IsCode(err, domain.CodeForbidden))

	history, err := s.History(ctx, "s1", "CU-01")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestLock_ConcurrentCallsLockOnce(t *testing.T) {
	ctx := context.Background()
	s := newService()
	saveDraft(t, s, "Record attendance", "Plan budget", "Review reports")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Lock(ctx, "s1", "CU-01", "facilitator")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, domain.IsCode(err, domain.CodeInvalidState))
	}
	assert.Equal(t, 1, ok)

	history, err := s.History(ctx, "s1", "CU-01")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
