package reconcile

import "testing"

func TestFold(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"cyrillic identifier", "Процесс 1", "npouecc1"},
		{"cyrillic with soft letters", "Событие 1", "co6bitue1"},
		{"latin passthrough", "Stage 12", "stage12"},
		{"corrupted latin rendering", "C6bITHe1", "c6bithe1"},
		{"punctuation and padding", "  Этап - 3  ", "3tan3"},
		{"fullwidth compatibility forms", "Ｓｔａｇｅ １", "stage1"},
		{"digit zero to letter", "pr0cess", "process"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Fold(tc.in); got != tc.want {
				t.Errorf("Fold(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("Процесс 1", "Процесс 1"); got != 1.0 {
		t.Errorf("identical strings should score 1.0, got %g", got)
	}

	// The observed corruption pairs must land comfortably above the default
	// threshold, cross pairs comfortably below it.
	corrupted := Similarity("npoecc1", "Процесс 1")
	if corrupted < DefaultAcceptThreshold {
		t.Errorf("corrupted rendering scored %g, below threshold %g", corrupted, DefaultAcceptThreshold)
	}
	if corrupted >= 1.0 {
		t.Errorf("corrupted rendering should not score a perfect match, got %g", corrupted)
	}

	cross := Similarity("npoecc1", "Событие 1")
	if cross >= DefaultAcceptThreshold {
		t.Errorf("cross pair scored %g, expected below threshold %g", cross, DefaultAcceptThreshold)
	}

	if got := Similarity("", "Процесс 1"); got != 0 {
		t.Errorf("empty side must score 0, got %g", got)
	}
	if got := Similarity("...", "—"); got != 0 {
		t.Errorf("punctuation-only sides must score 0, got %g", got)
	}
}
