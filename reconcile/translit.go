package reconcile

import (
	"strings"
	"unicode"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"golang.org/x/text/unicode/norm"
)

// confusables maps glyphs to the canonical Latin skeleton they are commonly
// mis-rendered as. The table covers Cyrillic letters that OCR models confuse
// with visually similar Latin letters or digits (Процесс 1 coming back as
// npoecc1, Событие 1 as C6bITHe1), plus the digit/letter pairs that get
// swapped in the other direction. Keys are lower case; Fold lowers its input
// before lookup.
var confusables = map[rune]string{
	'а': "a",
	'б': "6",
	'в': "b",
	'г': "r",
	'д': "d",
	'е': "e",
	'ё': "e",
	'ж': "x",
	'з': "3",
	'и': "u",
	'й': "u",
	'к': "k",
	'л': "n",
	'м': "m",
	'н': "h",
	'о': "o",
	'п': "n",
	'р': "p",
	'с': "c",
	'т': "t",
	'у': "y",
	'ф': "f",
	'х': "x",
	'ц': "u",
	'ч': "4",
	'ш': "w",
	'щ': "w",
	'ъ': "b",
	'ы': "bi",
	'ь': "b",
	'э': "3",
	'ю': "io",
	'я': "r",

	'0': "o",
	'l': "1",
}

// Fold normalizes a string to a canonical skeleton for transliteration-aware
// comparison: Unicode NFKC, lower case, whitespace and punctuation dropped,
// confusable glyphs mapped to one representative. Folding both sides of a
// comparison makes a corrupted Latin rendering land near its Cyrillic
// original.
func Fold(s string) string {
	var b strings.Builder
	for _, r := range norm.NFKC.String(s) {
		r = unicode.ToLower(r)
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		if m, ok := confusables[r]; ok {
			b.WriteString(m)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Folded strings are already lower case, so the metric can stay case
// sensitive. Levenshtein Compare is pure and safe for concurrent use.
var levenshtein = metrics.NewLevenshtein()

// Similarity scores two strings in [0,1] using normalized edit distance over
// their folded skeletons. Two strings with nothing comparable on either side
// score zero.
func Similarity(a, b string) float64 {
	fa, fb := Fold(a), Fold(b)
	if fa == "" || fb == "" {
		return 0
	}
	return strutil.Similarity(fa, fb, levenshtein)
}
