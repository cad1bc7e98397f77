package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pbaille/cpsynth/internal/generator"
	"github.com/pbaille/cpsynth/internal/similarity"
)

const (
	titleTopWords    = 3
	titleSeparator   = " / "
	titleMinTokenLen = 3
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the and for with from into onto that this these those are was were been has have had
		will shall can may must not all any each per its our their your his her them they
		then than when where which who whom what how out off over under about after before
		dan yang untuk dengan dari ke di pada dalam atau oleh akan telah sudah ini itu
		para serta agar bagi sesuai secara tersebut adalah setiap
	`) {
		stopWords[w] = struct{}{}
	}
}

// suggestTitle asks the generator first and falls back to keywords. It never
// returns an empty title.
func (e *Engine) suggestTitle(ctx context.Context, n int, texts []string) string {
	if e.gen != nil && len(texts) > 0 {
		title, err := e.generateTitle(ctx, texts)
		if err == nil {
			return title
		}
		e.log.Warn("title generation failed, using keywords", "cluster", n, "error", err)
	}
	if title := KeywordTitle(texts); title != "" {
		return title
	}
	return fmt.Sprintf("Cluster %d", n)
}

func (e *Engine) generateTitle(ctx context.Context, texts []string) (string, error) {
	out, err := e.gen.Generate(ctx, buildTitlePrompt(texts))
	if err != nil {
		return "", err
	}
	var parsed struct {
		Title string `json:"title"`
	}
	if err := generator.DecodeJSON(out, &parsed); err != nil {
		return "", err
	}
	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		return "", fmt.Errorf("blank title in model output %q", generator.Truncate(out, 80))
	}
	return title, nil
}

func buildTitlePrompt(texts []string) string {
	var sb strings.Builder
	sb.WriteString("These activity statements were grouped together by a panel of practitioners.\n")
	sb.WriteString("Suggest a short competency unit title (at most 8 words) covering all of them.\n\nStatements:\n")
	for _, t := range texts {
		sb.WriteString("- ")
		sb.WriteString(strings.TrimSpace(t))
		sb.WriteString("\n")
	}
	sb.WriteString("\nReturn ONLY a JSON object: {\"title\": \"...\"}")
	return sb.String()
}

// KeywordTitle joins the most frequent non-stop-word tokens of texts. Ties
// rank by first appearance. It returns "" when no token qualifies.
func KeywordTitle(texts []string) string {
	counts := make(map[string]int)
	var order []string
	for _, text := range texts {
		for _, tok := range similarity.Tokenize(text) {
			if utf8.RuneCountInString(tok) < titleMinTokenLen {
				continue
			}
			if _, stop := stopWords[tok]; stop {
				continue
			}
			if counts[tok] == 0 {
				order = append(order, tok)
			}
			counts[tok]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > titleTopWords {
		order = order[:titleTopWords]
	}
	return strings.Join(order, titleSeparator)
}
