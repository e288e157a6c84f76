package flow

import (
	"regexp"
	"sort"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/util"
)

// DefaultPhrasebook holds the phrasing variants applied to outgoing bot text.
// The first variant of each entry is the phrase the formatter looks for.
var DefaultPhrasebook = map[string][]string{
	"Thank you":  {"Thank you", "Thanks so much", "Much appreciated"},
	"Great":      {"Great", "Wonderful", "Lovely", "Brilliant"},
	"Perfect":    {"Perfect", "Got it", "Noted"},
	"No problem": {"No problem", "Not at all", "Of course"},
}

type phraseRule struct {
	key      string
	pattern  *regexp.Regexp
	variants []string
}

// Formatter swaps stock phrases for a variant, never reusing the variant it
// picked last time for the same phrase in the same session.
type Formatter struct {
	rules []phraseRule
	pick  func(pool []string, previous string) string
}

// NewFormatter compiles a phrasebook. A nil phrasebook uses DefaultPhrasebook.
func NewFormatter(phrasebook map[string][]string) *Formatter {
	if phrasebook == nil {
		phrasebook = DefaultPhrasebook
	}
	keys := make([]string, 0, len(phrasebook))
	for k := range phrasebook {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f := &Formatter{pick: util.PickDifferent}
	for _, k := range keys {
		variants := phrasebook[k]
		if len(variants) < 2 {
			continue
		}
		f.rules = append(f.rules, phraseRule{
			key:      k,
			pattern:  regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`),
			variants: variants,
		})
	}
	return f
}

// Format rewrites the first occurrence of each known phrase in text. history
// maps phrase keys to the variant used last and is updated in place.
func (f *Formatter) Format(text string, history map[string]string) string {
	if f == nil || text == "" {
		return text
	}
	for _, r := range f.rules {
		loc := r.pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		variant := f.pick(r.variants, history[r.key])
		if history != nil {
			history[r.key] = variant
		}
		text = text[:loc[0]] + variant + text[loc[1]:]
	}
	return text
}

// Examples lists a few phrasings for the AI system prompt.
func (f *Formatter) Examples() string {
	if f == nil || len(f.rules) == 0 {
		return ""
	}
	var parts []string
	for _, r := range f.rules {
		parts = append(parts, strings.Join(r.variants, " / "))
	}
	return strings.Join(parts, "; ")
}
