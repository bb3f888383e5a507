// Package spell generates ranked spell-correction candidates from keyboard
// adjacency, an alias dictionary, and whatever providers returned.
//
// Ranking is by edit distance, then source (dictionary, keyboard, provider,
// model), then insertion order. Candidates are deduplicated by folded text,
// keeping the higher-priority source. Output is deterministic for a given
// input, dictionary and config.
package spell

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/agentoven/agentoven/query-gateway/internal/textutil"
	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Config bounds candidate generation.
type Config struct {
	Enabled        bool
	KeyboardLocale string // "en" (QWERTY) or "ko" (2-bul)
	Max            int    // overall bound
	TopK           int    // per-source bound
}

// Generator produces spell candidates. Safe for concurrent use; the
// dictionary can be swapped at any time.
type Generator struct {
	cfg  Config
	dict atomic.Pointer[Dictionary]
}

// New creates a generator without a dictionary.
func New(cfg Config) *Generator {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.KeyboardLocale == "" {
		cfg.KeyboardLocale = "en"
	}
	return &Generator{cfg: cfg}
}

// SetDictionary installs d. A nil d removes the dictionary.
func (g *Generator) SetDictionary(d *Dictionary) { g.dict.Store(d) }

// Dictionary returns the active dictionary, or nil.
func (g *Generator) Dictionary() *Dictionary { return g.dict.Load() }

// Enabled reports whether candidate generation is switched on.
func (g *Generator) Enabled() bool { return g.cfg.Enabled }

type ranked struct {
	models.SpellCandidate
	folded string
	seq    int
}

// Candidates returns up to Max ranked candidates for text. external holds
// provider or model suggestions; their Source is kept as given.
func (g *Generator) Candidates(text string, external ...models.SpellCandidate) []models.SpellCandidate {
	if !g.cfg.Enabled {
		return nil
	}
	original := textutil.Fold(text)
	if original == "" {
		return nil
	}

	var pool []ranked
	push := func(c models.SpellCandidate) {
		folded := textutil.Fold(c.Text)
		if folded == "" || folded == original {
			return
		}
		c.Distance = textutil.Levenshtein(original, folded)
		if c.Score <= 0 || c.Source == models.SourceDictionary || c.Source == models.SourceKeyboard {
			c.Score = score(original, c.Distance)
		}
		pool = append(pool, ranked{SpellCandidate: c, folded: folded, seq: len(pool)})
	}

	dict := g.dict.Load()
	if canonical, ok := dict.Lookup(text); ok {
		push(models.SpellCandidate{Text: canonical, Source: models.SourceDictionary})
	}
	for _, kc := range g.keyboard(original, dict) {
		push(models.SpellCandidate{Text: kc, Source: models.SourceKeyboard})
	}
	for _, c := range external {
		push(c)
	}

	return g.rank(pool)
}

// keyboard yields single adjacent-key substitutions. With a dictionary only
// substitutions that produce a known word are kept.
func (g *Generator) keyboard(original string, dict *Dictionary) []string {
	tokens := strings.Split(original, " ")
	var out []string
	for ti, tok := range tokens {
		runes := []rune(tok)
		for ri, r := range runes {
			for _, sub := range substitutions(r, g.cfg.KeyboardLocale) {
				if sub == r {
					continue
				}
				swapped := make([]rune, len(runes))
				copy(swapped, runes)
				swapped[ri] = sub
				word := string(swapped)
				if dict.Len() > 0 && !dict.Known(word) {
					continue
				}
				parts := make([]string, len(tokens))
				copy(parts, tokens)
				parts[ti] = word
				out = append(out, strings.Join(parts, " "))
			}
		}
	}
	return out
}

func (g *Generator) rank(pool []ranked) []models.SpellCandidate {
	// Dedup by folded text; the better source wins, then the earlier one.
	best := make(map[string]int, len(pool))
	var unique []ranked
	for _, c := range pool {
		if i, ok := best[c.folded]; ok {
			if c.Source.Priority() < unique[i].Source.Priority() {
				c.seq = unique[i].seq
				unique[i] = c
			}
			continue
		}
		best[c.folded] = len(unique)
		unique = append(unique, c)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		a, b := unique[i], unique[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if pa, pb := a.Source.Priority(), b.Source.Priority(); pa != pb {
			return pa < pb
		}
		return a.seq < b.seq
	})

	perSource := make(map[models.CandidateSource]int)
	out := make([]models.SpellCandidate, 0, min(len(unique), g.cfg.Max))
	for _, c := range unique {
		if perSource[c.Source] >= g.cfg.TopK {
			continue
		}
		perSource[c.Source]++
		out = append(out, c.SpellCandidate)
		if len(out) == g.cfg.Max {
			break
		}
	}
	return out
}

// Best returns the top candidate, preferring a dictionary hit.
func Best(cands []models.SpellCandidate) (models.SpellCandidate, bool) {
	for _, c := range cands {
		if c.Source == models.SourceDictionary {
			return c, true
		}
	}
	if len(cands) == 0 {
		return models.SpellCandidate{}, false
	}
	return cands[0], true
}

func score(original string, distance int) float64 {
	n := textutil.Len(original)
	if n == 0 {
		return 0
	}
	s := 1 - float64(distance)/float64(n)
	if s < 0 {
		return 0
	}
	return s
}
