package reconcile

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Label candidates are either quoted spans or bare identifier phrases like
// "Процесс 1" / "Stage 12": one capitalized word, any script, followed by an
// integer.
var (
	quotedRe = regexp.MustCompile(`«([^»]+)»|“([^”]+)”|"([^"]+)"`)
	identRe  = regexp.MustCompile(`\p{Lu}\p{L}*[ \t]+\d+`)
)

// ExtractCandidates pulls candidate element labels out of a free-form
// description, in order of first mention. Quoted phrases win over bare
// identifier matches; duplicates (up to confusable folding) keep the first
// occurrence; quoted spans longer than DefaultMaxCandidateLen runes are
// treated as prose, not labels.
func ExtractCandidates(described string) []string {
	return extractCandidates(described, DefaultMaxCandidateLen)
}

func extractCandidates(described string, maxLen int) []string {
	type mention struct {
		start int
		text  string
	}
	var mentions []mention

	// Quoted spans, any of the three delimiter styles. Group 0 is the whole
	// match; exactly one of the three capture groups is non-empty.
	quoted := quotedRe.FindAllStringSubmatchIndex(described, -1)
	inQuotes := make([][2]int, 0, len(quoted))
	for _, m := range quoted {
		inQuotes = append(inQuotes, [2]int{m[0], m[1]})
		for g := 1; g <= 3; g++ {
			lo, hi := m[2*g], m[2*g+1]
			if lo >= 0 {
				mentions = append(mentions, mention{start: m[0], text: described[lo:hi]})
				break
			}
		}
	}

	// Bare identifiers outside any quoted span.
	for _, m := range identRe.FindAllStringIndex(described, -1) {
		insideQuote := false
		for _, q := range inQuotes {
			if m[0] >= q[0] && m[1] <= q[1] {
				insideQuote = true
				break
			}
		}
		if !insideQuote {
			mentions = append(mentions, mention{start: m[0], text: described[m[0]:m[1]]})
		}
	}

	// First-mention order across both rules.
	sort.SliceStable(mentions, func(i, j int) bool {
		return mentions[i].start < mentions[j].start
	})

	seen := make(map[string]bool)
	var out []string
	for _, m := range mentions {
		text := strings.TrimSpace(m.text)
		if text == "" || utf8.RuneCountInString(text) > maxLen {
			continue
		}
		key := Fold(text)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, text)
	}
	return out
}
