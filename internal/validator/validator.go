// Package validator checks a CP document against the structural rulebook.
package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/phrasing"
	"github.com/pbaille/cpsynth/internal/similarity"
)

// Rule codes
const (
	CodeMinWA               = "MIN_WA"
	CodeMinWS               = "MIN_WS"
	CodeMissingPC           = "MISSING_PC"
	CodeMinPC               = "MIN_PC"
	CodeVOCFail             = "VOC_FAIL"
	CodePCNotOutcomePhrased = "PC_NOT_OUTCOME_PHRASED"
	CodeWSIncomplete        = "WS_INCOMPLETE"
)

const (
	MinWorkActivities = 3
	MinWorkSteps      = 3
)

var (
	verifyStems = []string{
		"verify", "verifi", "check", "confirm", "validat", "ensur", "inspect", "review", "test",
		"memeriksa", "periksa", "memastikan", "verifikasi", "mengecek", "cek", "konfirmasi", "validasi",
	}
	recordStems = []string{
		"record", "file", "filed", "submit", "document", "log", "report", "archiv", "register",
		"mencatat", "catat", "dicatat", "menyimpan", "disimpan", "mengarsipkan", "diarsipkan",
		"menyerahkan", "diserahkan", "melaporkan", "dilaporkan", "dokumentasi", "didokumentasikan",
	}
)

// Validate runs every rule over doc. It never fails; findings are returned as
// issues and Passed is true iff there is no ERROR-level issue.
func Validate(doc domain.CPDocument) domain.ValidationResult {
	var issues []domain.Issue

	if n := len(doc.WorkActivities); n < MinWorkActivities {
		issues = append(issues, errorIssue(CodeMinWA, "CU "+doc.CUCode,
			fmt.Sprintf("competency unit has %d work activities, at least %d required", n, MinWorkActivities)))
	}

	for i, wa := range doc.WorkActivities {
		issues = append(issues, checkActivity(doc.Language, i, wa)...)
	}

	res := domain.ValidationResult{Issues: issues, CheckedAt: time.Now().UTC()}
	if res.Issues == nil {
		res.Issues = []domain.Issue{}
	}
	res.Passed = res.ErrorCount() == 0
	return res
}

func checkActivity(lang string, idx int, wa domain.WorkActivity) []domain.Issue {
	var issues []domain.Issue
	waPath := "WA " + codeOr(wa.WACode, fmt.Sprint(idx+1))

	if n := len(wa.WorkSteps); n < MinWorkSteps {
		issues = append(issues, errorIssue(CodeMinWS, waPath,
			fmt.Sprintf("work activity %q has %d work steps, at least %d required", wa.WATitle, n, MinWorkSteps)))
	}

	var combined []string
	for j, ws := range wa.WorkSteps {
		wsPath := "WS " + codeOr(ws.WSCode, fmt.Sprintf("%d.%d", idx+1, j+1))
		combined = append(combined, ws.WSText)

		pc := ws.PerformanceCriterion
		if pc == nil {
			issues = append(issues, errorIssue(CodeMissingPC, wsPath, "work step has no performance criterion"))
			continue
		}
		combined = append(combined, pc.PCText)

		if strings.TrimSpace(pc.PCText) == "" {
			issues = append(issues, errorIssue(CodeMinPC, wsPath, "performance criterion text is empty"))
		}
		if missing := missingVOQ(pc); len(missing) > 0 {
			issues = append(issues, errorIssue(CodeVOCFail, wsPath,
				"performance criterion is missing "+strings.Join(missing, ", ")))
		}
		if strings.TrimSpace(pc.PCText) != "" && !phrasing.IsOutcomePhrased(lang, pc.PCText) {
			issues = append(issues, domain.Issue{
				Level:   domain.LevelWarning,
				Code:    CodePCNotOutcomePhrased,
				Message: "performance criterion does not read as a completed outcome",
				Path:    wsPath,
			})
		}
	}

	if len(wa.WorkSteps) > 0 {
		tokens := similarity.Tokenize(strings.Join(combined, " "))
		var lacks []string
		if !similarity.HasStem(tokens, verifyStems, 3) {
			lacks = append(lacks, "a verification step")
		}
		if !similarity.HasStem(tokens, recordStems, 3) {
			lacks = append(lacks, "a record/file/submit step")
		}
		if len(lacks) > 0 {
			issues = append(issues, domain.Issue{
				Level:   domain.LevelWarning,
				Code:    CodeWSIncomplete,
				Message: fmt.Sprintf("work activity %q may be incomplete: no %s", wa.WATitle, strings.Join(lacks, " or ")),
				Path:    waPath,
			})
		}
	}
	return issues
}

func missingVOQ(pc *domain.PerformanceCriterion) []string {
	var missing []string
	if strings.TrimSpace(pc.Verb) == "" {
		missing = append(missing, "verb")
	}
	if strings.TrimSpace(pc.Object) == "" {
		missing = append(missing, "object")
	}
	if strings.TrimSpace(pc.Qualifier) == "" {
		missing = append(missing, "qualifier")
	}
	return missing
}

func errorIssue(code, path, msg string) domain.Issue {
	return domain.Issue{Level: domain.LevelError, Code: code, Message: msg, Path: path}
}

func codeOr(code, def string) string {
	if c := strings.TrimSpace(code); c != "" {
		return c
	}
	return def
}
