// Package phrasing renders performance criteria for a target language.
//
// A Strategy turns a (verb, object, qualifier) triple into a completed-outcome
// sentence and knows which markers identify such a sentence. New languages are
// added by registering a Strategy; the validator and document model only see
// the interface.
package phrasing

import (
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Strategy renders a performance criterion for one language
type Strategy interface {
	Language() string
	// Render builds the criterion sentence from its VOQ triple.
	Render(verb, object, qualifier string) string
	// OutcomeMarkers lists lowercase phrases that mark a completed outcome.
	OutcomeMarkers() []string
}

var (
	mu       sync.RWMutex
	registry = map[string]Strategy{}
)

func init() {
	Register(English{})
	Register(Indonesian{})
}

// Register adds or replaces the strategy for its language.
func Register(s Strategy) {
	mu.Lock()
	defer mu.Unlock()
	registry[normalizeLang(s.Language())] = s
}

// Lookup returns the strategy for lang.
func Lookup(lang string) (Strategy, bool) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := registry[normalizeLang(lang)]
	return s, ok
}

// For returns the strategy for lang, falling back to English.
func For(lang string) Strategy {
	if s, ok := Lookup(lang); ok {
		return s
	}
	return English{}
}

// Languages lists registered language codes in sorted order.
func Languages() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsOutcomePhrased reports whether text carries an outcome marker of lang.
// Unknown languages accept the markers of every registered language.
func IsOutcomePhrased(lang, text string) bool {
	norm := " " + strings.Join(strings.Fields(strings.ToLower(text)), " ") + " "
	var strategies []Strategy
	if s, ok := Lookup(lang); ok {
		strategies = []Strategy{s}
	} else {
		for _, l := range Languages() {
			s, _ := Lookup(l)
			strategies = append(strategies, s)
		}
	}
	for _, s := range strategies {
		for _, m := range s.OutcomeMarkers() {
			if strings.Contains(norm, " "+m+" ") {
				return true
			}
		}
	}
	return false
}

func normalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// English renders "{Object} has been {verb} {qualifier}."
type English struct{}

func (English) Language() string { return "en" }

func (English) Render(verb, object, qualifier string) string {
	verb = strings.TrimSpace(verb)
	lower := strings.ToLower(verb)
	if verb != "" && !strings.HasPrefix(lower, "has been ") && !strings.HasPrefix(lower, "have been ") {
		verb = "has been " + verb
	}
	return sentence(object, verb, qualifier)
}

func (English) OutcomeMarkers() []string { return []string{"has been", "have been"} }

// Indonesian renders "{Object} telah {verb} {qualifier}."
type Indonesian struct{}

func (Indonesian) Language() string { return "id" }

func (Indonesian) Render(verb, object, qualifier string) string {
	verb = strings.TrimSpace(verb)
	lower := strings.ToLower(verb)
	if verb != "" && !strings.HasPrefix(lower, "telah ") && !strings.HasPrefix(lower, "sudah ") {
		verb = "telah " + verb
	}
	return sentence(object, verb, qualifier)
}

func (Indonesian) OutcomeMarkers() []string { return []string{"telah", "sudah"} }

func sentence(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	s := strings.TrimRight(strings.Join(kept, " "), ". ")
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:] + "."
}
