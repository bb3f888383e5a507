// Package guardrails decides whether a spell correction or a rewrite coming
// back from a provider may replace the user's query.
//
// Spell checks, evaluated in order (first failure wins):
//   - empty: candidate is blank
//   - no_change: candidate equals the original after folding
//   - too_long: candidate longer than min(2×original, 200) runes
//   - length_ratio: |len(c)-len(o)| / max(len(o),1) > 0.6
//   - forbidden_char: control characters
//   - numeric_mismatch: digit substrings differ in value, count or order
//   - volume_mismatch: N권 / vol N tokens differ in value, count or order
//   - edit_distance: Levenshtein > max(2, ⌈len(o)/4⌉)
//
// Rewrites may drift further: only empty, no_change and a looser length
// ratio apply, plus numeric_mismatch when the original looks like an ISBN.
package guardrails

import (
	"math"
	"unicode"

	"github.com/agentoven/agentoven/query-gateway/internal/analyzer"
	"github.com/agentoven/agentoven/query-gateway/internal/textutil"
)

// Rejection reasons.
const (
	ReasonEmpty           = "empty"
	ReasonNoChange        = "no_change"
	ReasonTooLong         = "too_long"
	ReasonLengthRatio     = "length_ratio"
	ReasonForbiddenChar   = "forbidden_char"
	ReasonNumericMismatch = "numeric_mismatch"
	ReasonVolumeMismatch  = "volume_mismatch"
	ReasonEditDistance    = "edit_distance"
)

const (
	spellMaxLength      = 200
	spellMaxLengthRatio = 0.6
	rewriteMaxRatio     = 3.0
)

// Result is the verdict for one candidate.
type Result struct {
	Passed  bool   `json:"passed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func pass() Result { return Result{Passed: true} }

func fail(reason, message string) Result {
	return Result{Passed: false, Reason: reason, Message: message}
}

// ── Spell ────────────────────────────────────────────────────

// CheckSpell evaluates a spell correction of original.
func CheckSpell(original, candidate string) Result {
	if r := checkCommon(original, candidate); !r.Passed {
		return r
	}

	origLen := textutil.Len(original)
	candLen := textutil.Len(candidate)

	if limit := min(2*origLen, spellMaxLength); candLen > limit {
		return fail(ReasonTooLong, "candidate exceeds length limit")
	}
	if lengthRatio(origLen, candLen) > spellMaxLengthRatio {
		return fail(ReasonLengthRatio, "candidate length differs too much from original")
	}
	for _, r := range candidate {
		if unicode.IsControl(r) {
			return fail(ReasonForbiddenChar, "candidate contains a control character")
		}
	}
	if !textutil.SameStrings(textutil.DigitRuns(original), textutil.DigitRuns(candidate)) {
		return fail(ReasonNumericMismatch, "candidate changes digit substrings")
	}
	if !sameInts(analyzer.VolumeTokens(original), analyzer.VolumeTokens(candidate)) {
		return fail(ReasonVolumeMismatch, "candidate changes a volume number")
	}

	maxDist := max(2, int(math.Ceil(float64(origLen)/4)))
	if d := textutil.Levenshtein(textutil.Fold(original), textutil.Fold(candidate)); d > maxDist {
		return fail(ReasonEditDistance, "candidate is too far from original")
	}
	return pass()
}

// ── Rewrite ──────────────────────────────────────────────────

// CheckRewrite evaluates a rewrite of original.
func CheckRewrite(original, candidate string) Result {
	if r := checkCommon(original, candidate); !r.Passed {
		return r
	}
	if lengthRatio(textutil.Len(original), textutil.Len(candidate)) > rewriteMaxRatio {
		return fail(ReasonLengthRatio, "rewrite length differs too much from original")
	}
	if analyzer.HasISBNShape(original) &&
		!textutil.SameStrings(textutil.DigitRuns(original), textutil.DigitRuns(candidate)) {
		return fail(ReasonNumericMismatch, "rewrite changes an ISBN-shaped number")
	}
	return pass()
}

// ── Helpers ─────────────────────────────────────────────────

func checkCommon(original, candidate string) Result {
	folded := textutil.Fold(candidate)
	if folded == "" {
		return fail(ReasonEmpty, "candidate is empty")
	}
	if folded == textutil.Fold(original) {
		return fail(ReasonNoChange, "candidate equals original")
	}
	return pass()
}

func lengthRatio(origLen, candLen int) float64 {
	diff := candLen - origLen
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(max(origLen, 1))
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
