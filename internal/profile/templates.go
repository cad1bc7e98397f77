package profile

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/phrasing"
	"github.com/pbaille/cpsynth/internal/similarity"
)

// Category selects a work step template set
type Category string

const (
	CategoryAnalyze  Category = "analyze"
	CategoryPlan     Category = "plan"
	CategoryPerform  Category = "perform"
	CategoryEvaluate Category = "evaluate"
	CategoryPrepare  Category = "prepare"
	CategoryDefault  Category = "default"
)

// categoryOrder fixes lookup order so a title with keywords from two
// categories always resolves the same way.
var categoryOrder = []Category{CategoryAnalyze, CategoryPlan, CategoryPerform, CategoryEvaluate, CategoryPrepare}

var categoryKeywords = map[Category][]string{
	CategoryAnalyze: {
		"analyze", "analyse", "identify", "assess", "investigate", "examine", "diagnose",
		"menganalisis", "analisis", "mengidentifikasi", "identifikasi", "mengkaji", "menilai",
	},
	CategoryPlan: {
		"plan", "design", "schedule", "develop", "draft", "budget",
		"merencanakan", "rencana", "merancang", "menyusun", "menjadwalkan",
	},
	CategoryPerform: {
		"perform", "carry", "execute", "conduct", "operate", "implement", "record", "deliver", "install", "maintain",
		"melaksanakan", "melakukan", "mengoperasikan", "menerapkan", "mencatat", "memasang", "merawat",
	},
	CategoryEvaluate: {
		"evaluate", "review", "verify", "check", "monitor", "audit", "inspect", "test",
		"mengevaluasi", "evaluasi", "memeriksa", "memverifikasi", "memantau", "menguji",
	},
	CategoryPrepare: {
		"prepare", "set", "gather", "organize", "organise", "collect", "arrange", "assemble",
		"menyiapkan", "mempersiapkan", "mengumpulkan", "mengatur", "mengorganisasi",
	},
}

// stepTemplate yields one work step; %s is replaced by the WA subject.
type stepTemplate struct {
	text      string
	verb      string
	object    string
	qualifier string
}

// English objects are singular so the rendered "has been" agrees. Every set
// closes with a verification step and a record/submit step so a
// generated draft carries no WS_INCOMPLETE warning.
var templates = map[string]map[Category][]stepTemplate{
	"en": {
		CategoryAnalyze: {
			{"Identify the information needed to analyse %s", "identified", "information needed for %s", "according to workplace requirements"},
			{"Check findings on %s against source data", "checked", "set of findings on %s", "against source data"},
			{"Record the analysis of %s", "recorded", "analysis of %s", "in the approved format"},
		},
		CategoryPlan: {
			{"Determine objectives and resources for %s", "determined", "scope of objectives and resources for %s", "in line with organisational policy"},
			{"Confirm the plan for %s with stakeholders", "confirmed", "plan for %s", "with relevant stakeholders"},
			{"Document and submit the plan for %s", "documented and submitted", "plan for %s", "to the responsible person"},
		},
		CategoryPerform: {
			{"Carry out %s following procedures", "carried out", "%s", "following standard operating procedures"},
			{"Verify the results of %s", "verified", "outcome of %s", "against quality requirements"},
			{"Record the completion of %s", "recorded", "completion of %s", "in the work log"},
		},
		CategoryEvaluate: {
			{"Review %s against agreed criteria", "reviewed", "%s", "against agreed criteria"},
			{"Confirm evaluation findings on %s", "confirmed", "evaluation summary of %s", "with supporting evidence"},
			{"Report the evaluation of %s", "reported", "evaluation of %s", "to the responsible person"},
		},
		CategoryPrepare: {
			{"Gather materials and equipment for %s", "gathered", "set of materials and equipment for %s", "according to the work plan"},
			{"Check the readiness of %s", "checked", "readiness of %s", "against the preparation checklist"},
			{"Record preparation of %s", "recorded", "preparation of %s", "in the preparation log"},
		},
		CategoryDefault: {
			{"Carry out %s", "carried out", "%s", "according to workplace procedures"},
			{"Verify the outcome of %s", "verified", "outcome of %s", "against workplace requirements"},
			{"Record and file the outcome of %s", "recorded and filed", "outcome of %s", "in the designated system"},
		},
	},
	"id": {
		CategoryAnalyze: {
			{"Mengidentifikasi informasi yang diperlukan untuk %s", "diidentifikasi", "informasi untuk %s", "sesuai kebutuhan tempat kerja"},
			{"Memeriksa temuan %s terhadap data sumber", "diperiksa", "temuan %s", "terhadap data sumber"},
			{"Mencatat hasil analisis %s", "dicatat", "hasil analisis %s", "dalam format yang ditetapkan"},
		},
		CategoryPlan: {
			{"Menentukan tujuan dan sumber daya %s", "ditentukan", "tujuan dan sumber daya %s", "sesuai kebijakan organisasi"},
			{"Memastikan rencana %s bersama pemangku kepentingan", "dipastikan", "rencana %s", "bersama pemangku kepentingan"},
			{"Mendokumentasikan dan menyerahkan rencana %s", "didokumentasikan dan diserahkan", "rencana %s", "kepada penanggung jawab"},
		},
		CategoryPerform: {
			{"Melaksanakan %s sesuai prosedur", "dilaksanakan", "%s", "sesuai prosedur operasi standar"},
			{"Memeriksa hasil %s", "diperiksa", "hasil %s", "terhadap persyaratan mutu"},
			{"Mencatat penyelesaian %s", "dicatat", "penyelesaian %s", "dalam buku kerja"},
		},
		CategoryEvaluate: {
			{"Meninjau %s berdasarkan kriteria yang disepakati", "ditinjau", "%s", "berdasarkan kriteria yang disepakati"},
			{"Memastikan temuan evaluasi %s", "dipastikan", "temuan evaluasi %s", "dengan bukti pendukung"},
			{"Melaporkan hasil evaluasi %s", "dilaporkan", "hasil evaluasi %s", "kepada penanggung jawab"},
		},
		CategoryPrepare: {
			{"Mengumpulkan bahan dan peralatan untuk %s", "dikumpulkan", "bahan dan peralatan %s", "sesuai rencana kerja"},
			{"Memeriksa kesiapan %s", "diperiksa", "kesiapan %s", "berdasarkan daftar periksa persiapan"},
			{"Mencatat persiapan %s", "dicatat", "persiapan %s", "dalam catatan persiapan"},
		},
		CategoryDefault: {
			{"Melaksanakan %s", "dilaksanakan", "%s", "sesuai prosedur tempat kerja"},
			{"Memeriksa hasil %s", "diperiksa", "hasil %s", "terhadap persyaratan tempat kerja"},
			{"Mencatat dan menyimpan hasil %s", "dicatat dan disimpan", "hasil %s", "dalam sistem yang ditetapkan"},
		},
	},
}

// SelectCategory picks a template category from a WA title: the leading word
// first, then any word, else default.
func SelectCategory(title string) Category {
	tokens := similarity.Tokenize(title)
	if len(tokens) == 0 {
		return CategoryDefault
	}
	if c, ok := categoryOf(tokens[0]); ok {
		return c
	}
	for _, t := range tokens[1:] {
		if c, ok := categoryOf(t); ok {
			return c
		}
	}
	return CategoryDefault
}

func categoryOf(token string) (Category, bool) {
	for _, c := range categoryOrder {
		for _, kw := range categoryKeywords[c] {
			if token == kw {
				return c, true
			}
		}
	}
	return "", false
}

// subjectOf strips the leading category verb from a WA title.
func subjectOf(title string) string {
	title = strings.TrimSpace(title)
	fields := strings.Fields(title)
	if len(fields) > 1 {
		if _, ok := categoryOf(strings.ToLower(strings.Trim(fields[0], ".,;:"))); ok {
			return strings.Join(fields[1:], " ")
		}
	}
	if title == "" {
		return "the work activity"
	}
	r, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToLower(r)) + title[size:]
}

// templateSteps renders the template set for wa in lang.
func templateSteps(lang string, wa domain.WorkActivity) []domain.WorkStep {
	set, ok := templates[lang]
	if !ok {
		set = templates["en"]
	}
	strategy := phrasing.For(lang)
	subject := subjectOf(wa.WATitle)

	tpls := set[SelectCategory(wa.WATitle)]
	steps := make([]domain.WorkStep, 0, len(tpls))
	for _, tpl := range tpls {
		pc := &domain.PerformanceCriterion{
			Verb:      tpl.verb,
			Object:    fill(tpl.object, subject),
			Qualifier: tpl.qualifier,
		}
		pc.PCText = strategy.Render(pc.Verb, pc.Object, pc.Qualifier)
		steps = append(steps, domain.WorkStep{
			WSText:               fill(tpl.text, subject),
			PerformanceCriterion: pc,
		})
	}
	return steps
}

func fill(pattern, subject string) string {
	if !strings.Contains(pattern, "%s") {
		return pattern
	}
	return fmt.Sprintf(pattern, subject)
}
