// Package analyzer normalizes raw user queries and derives the structural
// signals the rest of the gateway keys on: tokens, script mode, ISBN, volume,
// series hint, and the canonical key.
package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

var (
	// ErrEmptyQuery is returned when normalization leaves nothing.
	ErrEmptyQuery = errors.New("empty_query")
	// ErrInvalidQuery is returned for input that is not valid text.
	ErrInvalidQuery = errors.New("invalid_query")
)

var (
	isbnCandidate = regexp.MustCompile(`[0-9][0-9-]{8,}[0-9Xx]`)
	seriesPattern = regexp.MustCompile(`(\S+?)\s*(?:시리즈|[Ss]eries)`)

	// Tried in order; the first pattern that matches wins.
	volumePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d+)권`),
		regexp.MustCompile(`(?i)vol[.]?\s*(\d+)`),
		regexp.MustCompile(`제\s*(\d+)\s*권`),
	}
)

// Analyzer turns raw text into a models.Analysis. The replacement rule table
// can be swapped at any time; each call reads one snapshot of it.
type Analyzer struct {
	rules atomic.Pointer[RuleSet]
}

// New creates an analyzer with an empty rule table.
func New() *Analyzer {
	a := &Analyzer{}
	a.rules.Store(&RuleSet{})
	return a
}

// SetRules installs a new replacement rule table.
func (a *Analyzer) SetRules(rs *RuleSet) {
	if rs == nil {
		rs = &RuleSet{}
	}
	a.rules.Store(rs)
}

// Rules returns the active rule table.
func (a *Analyzer) Rules() *RuleSet { return a.rules.Load() }

// Analyze normalizes raw and computes every derived field.
func (a *Analyzer) Analyze(raw, locale string) (*models.Analysis, error) {
	if !utf8.ValidString(raw) {
		return nil, ErrInvalidQuery
	}

	nfkc := norm.NFKC.String(raw)
	text := stripControls(nfkc)
	text = a.rules.Load().Apply(text)
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return nil, ErrEmptyQuery
	}

	locale = strings.TrimSpace(locale)
	an := &models.Analysis{
		Raw:     raw,
		NFKC:    nfkc,
		Norm:    normalized,
		NoSpace: strings.ReplaceAll(normalized, " ", ""),
		Tokens:  strings.Split(normalized, " "),
		Locale:  locale,
	}

	counts := countScripts(normalized)
	an.Language = detectLanguage(counts)
	an.ISBN = findISBN(normalized)
	an.Mode = detectMode(counts, an.ISBN != "")
	an.Volume = findVolume(normalized)
	an.SeriesHint = findSeries(normalized)
	an.CanonicalKey = CanonicalKey(an.Norm, an.Mode, locale, an.Volume, an.ISBN, an.SeriesHint)
	an.Confidence = confidence(an.Mode, len(an.Tokens))
	return an, nil
}

// CanonicalKey derives the stable cache key for a normalized query.
func CanonicalKey(normalized string, mode models.QueryMode, locale string, volume *int, isbn, series string) string {
	vol := ""
	if volume != nil {
		vol = strconv.Itoa(*volume)
	}
	material := fmt.Sprintf("%s|mode:%s|locale:%s|vol:%s|isbn:%s|series:%s",
		normalized, mode, locale, vol, isbn, series)
	sum := sha256.Sum256([]byte(material))
	return "ck:" + hex.EncodeToString(sum[:])[:16]
}

// stripControls replaces C0 controls and DEL with spaces, keeping whitespace.
func stripControls(s string) string {
	return strings.Map(func(r rune) rune {
		if (r < 32 || r == 127) && !unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, s)
}

type scriptCounts struct {
	syllables int
	jamo      int
	latin     int
	nonSpace  int
}

func countScripts(s string) scriptCounts {
	var c scriptCounts
	for _, r := range s {
		if r == ' ' {
			continue
		}
		c.nonSpace++
		switch {
		case isHangulSyllable(r):
			c.syllables++
		case isHangulJamo(r):
			c.jamo++
		case r < utf8.RuneSelf && unicode.IsLetter(r):
			c.latin++
		case unicode.Is(unicode.Latin, r):
			c.latin++
		}
	}
	return c
}

func isHangulSyllable(r rune) bool { return r >= 0xAC00 && r <= 0xD7A3 }

func isHangulJamo(r rune) bool {
	return (r >= 0x1100 && r <= 0x11FF) ||
		(r >= 0x3130 && r <= 0x318F) ||
		(r >= 0xA960 && r <= 0xA97F) ||
		(r >= 0xD7B0 && r <= 0xD7FF)
}

func detectLanguage(c scriptCounts) models.Language {
	total := c.syllables + c.latin
	if total == 0 {
		return models.Language{Detected: "unknown"}
	}
	if c.syllables >= c.latin {
		return models.Language{Detected: "ko", Confidence: round3(float64(c.syllables) / float64(total))}
	}
	return models.Language{Detected: "en", Confidence: round3(float64(c.latin) / float64(total))}
}

func detectMode(c scriptCounts, hasISBN bool) models.QueryMode {
	switch {
	case hasISBN:
		return models.ModeISBN
	case c.jamo >= 2 && c.syllables == 0 && c.latin == 0 &&
		float64(c.jamo)/float64(c.nonSpace) >= 0.6:
		return models.ModeChosung
	case c.syllables > 0 && c.latin > 0:
		return models.ModeMixed
	default:
		return models.ModeNormal
	}
}

// findISBN returns the first substring that validates as ISBN-10 or ISBN-13,
// with separators removed.
func findISBN(s string) string {
	for _, cand := range isbnCandidate.FindAllString(s, -1) {
		code := stripNonAlnum(cand)
		if ValidISBN(code) {
			return strings.ToUpper(code)
		}
	}
	return ""
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidISBN checks the ISBN-10 or ISBN-13 checksum of a separator-free code.
func ValidISBN(code string) bool {
	switch len(code) {
	case 10:
		sum := 0
		for i := 0; i < 10; i++ {
			c := code[i]
			var d int
			switch {
			case c >= '0' && c <= '9':
				d = int(c - '0')
			case (c == 'X' || c == 'x') && i == 9:
				d = 10
			default:
				return false
			}
			sum += (i + 1) * d
		}
		return sum%11 == 0
	case 13:
		sum := 0
		for i := 0; i < 13; i++ {
			c := code[i]
			if c < '0' || c > '9' {
				return false
			}
			w := 1
			if i%2 == 1 {
				w = 3
			}
			sum += w * int(c-'0')
		}
		return sum%10 == 0
	}
	return false
}

func findVolume(s string) *int {
	for _, re := range volumePatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				return &v
			}
		}
	}
	return nil
}

func findSeries(s string) string {
	m := seriesPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func confidence(mode models.QueryMode, tokens int) models.Confidence {
	if mode == models.ModeISBN {
		return models.Confidence{NeedSpell: 0, NeedRewrite: 0, NeedRerank: 0.2}
	}
	c := models.Confidence{NeedSpell: 0.2, NeedRewrite: 0.2, NeedRerank: 0.3}
	if mode == models.ModeChosung {
		c.NeedRewrite = math.Max(c.NeedRewrite, 0.9)
	}
	if tokens >= 4 {
		c.NeedRerank = math.Max(c.NeedRerank, 0.6)
	}
	if tokens <= 1 {
		c.NeedSpell = math.Max(c.NeedSpell, 0.4)
	}
	if mode == models.ModeMixed {
		c.NeedSpell = math.Max(c.NeedSpell, 0.3)
	}
	c.NeedSpell = round3(c.NeedSpell)
	c.NeedRewrite = round3(c.NeedRewrite)
	c.NeedRerank = round3(c.NeedRerank)
	return c
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

// VolumeTokens returns every volume number mentioned in s, in order of
// appearance. "제3권" matches two patterns but counts once; "1권 1권" counts twice.
func VolumeTokens(s string) []int {
	type hit struct{ pos, v int }
	seen := make(map[int]bool)
	var hits []hit
	for _, re := range volumePatterns {
		for _, m := range re.FindAllStringSubmatchIndex(s, -1) {
			if seen[m[2]] {
				continue
			}
			v, err := strconv.Atoi(s[m[2]:m[3]])
			if err != nil {
				continue
			}
			seen[m[2]] = true
			hits = append(hits, hit{pos: m[2], v: v})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.v
	}
	return out
}

// HasISBNShape reports whether s contains a digit run that could be an ISBN,
// valid checksum or not.
func HasISBNShape(s string) bool {
	for _, cand := range isbnCandidate.FindAllString(s, -1) {
		n := len(stripNonAlnum(cand))
		if n == 10 || n == 13 {
			return true
		}
	}
	return false
}
