package textutil_test

import (
	"testing"

	"github.com/agentoven/agentoven/query-gateway/internal/textutil"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "해리", 2},
		{"harry pottre", "harry potter", 2},
		{"kitten", "sitting", 3},
		{"해리포터", "해리포토", 1},
	}
	for _, tt := range tests {
		if got := textutil.Levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("Levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestFold(t *testing.T) {
	if got := textutil.Fold("  Ｈａｒｒｙ   POTTER "); got != "harry potter" {
		t.Errorf("Fold() = %q", got)
	}
}

func TestDigitRuns(t *testing.T) {
	got := textutil.DigitRuns("vol 12 of 2001 and 3")
	want := []string{"12", "2001", "3"}
	if !textutil.SameStrings(got, want) {
		t.Errorf("DigitRuns() = %v, want %v", got, want)
	}
	if textutil.SameStrings(textutil.DigitRuns("vol 2 part 1"), textutil.DigitRuns("vol 1 part 2")) {
		t.Error("DigitRuns() should keep the order digits appear in")
	}
}
