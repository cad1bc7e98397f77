package profile

import (
	"context"
	"strings"

	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/generator"
	"github.com/pbaille/cpsynth/internal/phrasing"
)

type suggestedSteps struct {
	Steps []struct {
		Text      string `json:"text"`
		Verb      string `json:"verb"`
		Object    string `json:"object"`
		Qualifier string `json:"qualifier"`
	} `json:"steps"`
}

// enrichSteps asks the generator for work steps. Any failure is logged and
// yields nil so the caller falls back to templates.
func (s *Service) enrichSteps(ctx context.Context, lang string, cu domain.CompetencyUnit, wa domain.WorkActivity) []domain.WorkStep {
	out, err := s.gen.Generate(ctx, buildStepsPrompt(lang, cu, wa))
	if err != nil {
		s.log.Warn("step generation unavailable, using templates", "wa_title", wa.WATitle, "error", err)
		return nil
	}

	var parsed suggestedSteps
	if err := generator.DecodeJSON(out, &parsed); err != nil {
		s.log.Warn("malformed step suggestions, using templates",
			"wa_title", wa.WATitle, "error", err, "output", generator.Truncate(out, 200))
		return nil
	}

	strategy := phrasing.For(lang)
	steps := make([]domain.WorkStep, 0, len(parsed.Steps))
	for _, st := range parsed.Steps {
		text := strings.TrimSpace(st.Text)
		pc := &domain.PerformanceCriterion{
			Verb:      strings.TrimSpace(st.Verb),
			Object:    strings.TrimSpace(st.Object),
			Qualifier: strings.TrimSpace(st.Qualifier),
		}
		if text == "" || pc.Verb == "" || pc.Object == "" || pc.Qualifier == "" {
			continue
		}
		pc.PCText = strategy.Render(pc.Verb, pc.Object, pc.Qualifier)
		steps = append(steps, domain.WorkStep{WSText: text, PerformanceCriterion: pc})
	}
	return steps
}

func buildStepsPrompt(lang string, cu domain.CompetencyUnit, wa domain.WorkActivity) string {
	var sb strings.Builder

	sb.WriteString("Write the work steps for one work activity of an occupational competency unit. Return JSON only.\n\n")
	sb.WriteString("Language: ")
	sb.WriteString(lang)
	sb.WriteString("\nCompetency unit: ")
	sb.WriteString(cu.CUTitle)
	sb.WriteString("\nWork activity: ")
	sb.WriteString(wa.WATitle)
	sb.WriteString("\n\n")
	sb.WriteString(`Return a JSON object with this structure:
{
  "steps": [
    {"text": "imperative work step", "verb": "past participle", "object": "what was acted on", "qualifier": "standard or condition"}
  ]
}

Rules:
- Give 3 to 5 steps in working order
- Include one step that verifies or checks the result
- Include one step that records, files or submits the result
- "verb" is the completed action only (e.g. "recorded"), without "has been"

Return ONLY the JSON, no other text.`)

	return sb.String()
}

// criterionFor seeds a criterion for a step that arrived without one.
func criterionFor(lang, wsText string) *domain.PerformanceCriterion {
	set, ok := templates[lang]
	if !ok {
		set = templates["en"]
	}
	tpl := set[SelectCategory(wsText)][0]
	pc := &domain.PerformanceCriterion{
		Verb:      tpl.verb,
		Object:    subjectOf(wsText),
		Qualifier: tpl.qualifier,
	}
	pc.PCText = phrasing.For(lang).Render(pc.Verb, pc.Object, pc.Qualifier)
	return pc
}
