// Package privacy redacts personal data from chat state before it is written.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Mode selects how free-text fields are persisted.
type Mode string

const (
	// ModeMaskedRaw keeps text with PII masked.
	ModeMaskedRaw Mode = "masked_raw"
	// ModeHashSummary replaces message fields with a hash and a short redacted preview.
	ModeHashSummary Mode = "hash_summary"
)

// ParseMode maps a config string onto a mode, defaulting to masked_raw.
func ParseMode(s string) Mode {
	if Mode(s) == ModeHashSummary {
		return ModeHashSummary
	}
	return ModeMaskedRaw
}

// pattern is one redaction rule. Rules run in slice order, so the more
// specific shapes (email, card) are masked before the looser phone rule.
type pattern struct {
	label string
	re    *regexp.Regexp
}

var patterns = []pattern{
	{"EMAIL", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"PAYMENT_ID", regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{1,7}\b|\b\d{15,16}\b`)},
	{"PHONE", regexp.MustCompile(`(?:\+82[- ]?|\b0)1[016789][- ]?\d{3,4}[- ]?\d{4}\b|\b0\d{1,2}[- ]\d{3,4}[- ]\d{4}\b`)},
	{"ADDRESS", regexp.MustCompile(`[가-힣]+(?:특별시|광역시|시|도)\s*[가-힣]+(?:시|군|구)\s*(?:[가-힣0-9]+(?:읍|면|동)\s*)?[가-힣0-9]+(?:로|길)\s*\d+(?:-\d+)?`)},
}

// hashFields are the payload keys summarized in hash_summary mode.
var hashFields = map[string]bool{
	"message_text": true,
	"content":      true,
}

const previewRunes = 24

// Redact masks every PII shape in s with [REDACTED:<KIND>].
func Redact(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, "[REDACTED:"+p.label+"]")
	}
	return s
}

// Sanitizer applies a Mode to text and JSON payloads.
type Sanitizer struct {
	mode Mode
}

// New creates a sanitizer for mode.
func New(mode Mode) *Sanitizer {
	return &Sanitizer{mode: mode}
}

// Mode returns the configured mode.
func (s *Sanitizer) Mode() Mode { return s.mode }

// Field sanitizes the value stored under key.
func (s *Sanitizer) Field(key, value string) string {
	if s.mode == ModeHashSummary && hashFields[key] {
		return Summary(value)
	}
	return Redact(value)
}

// Payload returns a sanitized deep copy of m. Nested maps and slices are
// walked; non-string scalars are kept as is.
func (s *Sanitizer) Payload(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = s.value(k, m[k])
	}
	return out
}

func (s *Sanitizer) value(key string, v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return s.Field(key, t)
	case map[string]interface{}:
		return s.Payload(t)
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = s.Field(k, val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = s.value(key, e)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = s.Field(key, e)
		}
		return out
	default:
		return v
	}
}

// Summary renders [HASH:<12-hex>] <redacted preview>. The hash covers the
// original text so equal messages can be correlated without storing them.
func Summary(text string) string {
	sum := sha256.Sum256([]byte(text))
	preview := Redact(text)
	if utf8.RuneCountInString(preview) > previewRunes {
		preview = string([]rune(preview)[:previewRunes]) + "…"
	}
	return strings.TrimSpace("[HASH:" + hex.EncodeToString(sum[:])[:12] + "] " + preview)
}
