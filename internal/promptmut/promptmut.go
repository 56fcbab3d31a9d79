// Package promptmut rewrites prompts between generation attempts: subject
// phrases get an emphasis weight that grows with the attempt number, and
// terms that discourage duplicated subjects are added to the negative
// prompt. Every mutation is a pure function of its inputs.
package promptmut

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultNegativeTerms discourage the duplicated-subject failures semantic
// validation usually catches.
var DefaultNegativeTerms = []string{
	"duplicate",
	"ghosting",
	"multiple subjects",
	"cloned",
	"double exposure",
}

// Schedule is the emphasis weight curve. Attempt k (k >= 2) uses
// min(Cap, Base * Growth^(k-2)); attempt 1 is unweighted.
type Schedule struct {
	Base   float64
	Growth float64
	Cap    float64
}

// DefaultSchedule starts at 1.3, grows 20% per attempt and stops at 2.0.
func DefaultSchedule() Schedule {
	return Schedule{Base: 1.3, Growth: 1.2, Cap: 2.0}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Base <= 0 {
		s.Base = d.Base
	}
	if s.Growth <= 0 {
		s.Growth = d.Growth
	}
	if s.Cap <= 0 {
		s.Cap = d.Cap
	}
	return s
}

// Weight is the emphasis for attempt k, rounded to two decimals.
func (s Schedule) Weight(attempt int) float64 {
	if attempt < 2 {
		return 1
	}
	s = s.withDefaults()
	w := math.Min(s.Cap, s.Base*math.Pow(s.Growth, float64(attempt-2)))
	return math.Round(w*100) / 100
}

// formatWeight prints a weight without trailing zeros.
func formatWeight(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64)
}

// Emphasize sets every subject phrase's weight in prompt to w. An existing
// "(phrase:x)" group naming the subject is reweighted and bare occurrences
// are wrapped; text already inside a weighted group is never wrapped again.
// Subjects are applied longest first, so a subject contained in a longer
// weighted subject is left to that phrase. Phrases found nowhere are
// prepended. Matching ignores case; a weight of 1 or less leaves the prompt
// unchanged.
func Emphasize(prompt string, subjects []string, w float64) string {
	if w <= 1 {
		return prompt
	}
	weight := formatWeight(w)
	segs := splitWeighted(prompt)
	var missing []string
	for _, subject := range longestFirst(subjects) {
		word := regexp.MustCompile(`(?i)\b(` + regexp.QuoteMeta(subject) + `)\b`)

		found := false
		for i, seg := range segs {
			if seg.weighted && strings.EqualFold(seg.phrase, subject) {
				segs[i].text = weighted(seg.phrase, weight)
				found = true
			}
		}
		var wrapped bool
		segs, wrapped = wrapBare(segs, word, weight)
		if found || wrapped || covered(segs, missing, word) {
			continue
		}
		missing = append(missing, subject)
	}

	var b strings.Builder
	for _, seg := range segs {
		b.WriteString(seg.text)
	}
	prompt = b.String()
	if len(missing) == 0 {
		return prompt
	}
	for i, m := range missing {
		missing[i] = weighted(m, weight)
	}
	if strings.TrimSpace(prompt) == "" {
		return strings.Join(missing, ", ")
	}
	return strings.Join(missing, ", ") + ", " + prompt
}

// segment is a run of plain prompt text or one "(phrase:w)" group.
type segment struct {
	text     string
	phrase   string
	weighted bool
}

var weightedGroup = regexp.MustCompile(`\(\s*([^():]+?)\s*:\s*[0-9]*\.?[0-9]+\s*\)`)

func splitWeighted(prompt string) []segment {
	var segs []segment
	last := 0
	for _, m := range weightedGroup.FindAllStringSubmatchIndex(prompt, -1) {
		if m[0] > last {
			segs = append(segs, segment{text: prompt[last:m[0]]})
		}
		segs = append(segs, segment{text: prompt[m[0]:m[1]], phrase: prompt[m[2]:m[3]], weighted: true})
		last = m[1]
	}
	if last < len(prompt) {
		segs = append(segs, segment{text: prompt[last:]})
	}
	return segs
}

// wrapBare weights every match of word in the plain segments.
func wrapBare(segs []segment, word *regexp.Regexp, weight string) ([]segment, bool) {
	out := make([]segment, 0, len(segs))
	found := false
	for _, seg := range segs {
		if seg.weighted {
			out = append(out, seg)
			continue
		}
		last := 0
		for _, m := range word.FindAllStringSubmatchIndex(seg.text, -1) {
			found = true
			if m[0] > last {
				out = append(out, segment{text: seg.text[last:m[0]]})
			}
			phrase := seg.text[m[2]:m[3]]
			out = append(out, segment{text: weighted(phrase, weight), phrase: phrase, weighted: true})
			last = m[1]
		}
		if last < len(seg.text) {
			out = append(out, segment{text: seg.text[last:]})
		}
	}
	return out, found
}

// covered reports whether word already sits inside a weighted phrase or a
// phrase queued for prepending.
func covered(segs []segment, missing []string, word *regexp.Regexp) bool {
	for _, seg := range segs {
		if seg.weighted && word.MatchString(seg.phrase) {
			return true
		}
	}
	for _, m := range missing {
		if word.MatchString(m) {
			return true
		}
	}
	return false
}

// longestFirst trims subjects, drops blanks and case-insensitive
// duplicates, and orders them by decreasing length, keeping input order
// among equals.
func longestFirst(subjects []string) []string {
	seen := make(map[string]struct{}, len(subjects))
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func weighted(phrase, weight string) string {
	return "(" + phrase + ":" + weight + ")"
}

// Reinforce appends terms to a comma-separated negative prompt, skipping
// terms already present (compared case-insensitively).
func Reinforce(negative string, terms []string) string {
	seen := make(map[string]struct{})
	var parts []string
	for _, p := range strings.Split(negative, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		seen[strings.ToLower(p)] = struct{}{}
		parts = append(parts, p)
	}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		parts = append(parts, t)
	}
	return strings.Join(parts, ", ")
}

// Mutator derives the prompts for each attempt from the originals.
type Mutator struct {
	Schedule      Schedule
	NegativeTerms []string
}

// Apply returns the positive and negative prompt for attempt k. Attempt 1
// is the originals; later attempts always start again from the originals so
// emphasis does not compound.
func (m Mutator) Apply(positive, negative string, subjects []string, attempt int) (string, string) {
	if attempt < 2 {
		return positive, negative
	}
	terms := m.NegativeTerms
	if terms == nil {
		terms = DefaultNegativeTerms
	}
	return Emphasize(positive, subjects, m.Schedule.Weight(attempt)), Reinforce(negative, terms)
}
