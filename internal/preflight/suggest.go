package preflight

import (
	"path"
	"sort"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

// MaxSuggestions bounds the substitutes proposed per missing resource.
const MaxSuggestions = 3

// minSuggestionScore drops candidates that share almost nothing with the
// missing name.
const minSuggestionScore = 0.2

var modelExtensions = map[string]struct{}{
	".safetensors": {}, ".ckpt": {}, ".pt": {}, ".pth": {}, ".bin": {}, ".gguf": {}, ".sft": {},
}

// Suggest ranks candidates by similarity to name and returns at most limit
// of them, best first. Similarity averages token overlap and normalized edit
// distance over the names stripped of folders and model file extensions.
func Suggest(name string, candidates []string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	target := normalize(name)
	targetTokens := tokens(target)

	type scored struct {
		name  string
		score float64
	}
	var ranked []scored
	for _, c := range candidates {
		if c == name {
			continue
		}
		norm := normalize(c)
		s := 0.5*jaccard(targetTokens, tokens(norm)) + 0.5*levenshtein.Similarity(target, norm, nil)
		if s >= minSuggestionScore {
			ranked = append(ranked, scored{name: c, score: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].name < ranked[j].name
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.name
	}
	return out
}

func normalize(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if _, ok := modelExtensions[strings.ToLower(path.Ext(base))]; ok {
		base = strings.TrimSuffix(base, path.Ext(base))
	}
	return strings.ToLower(base)
}

func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
