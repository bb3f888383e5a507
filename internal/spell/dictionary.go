package spell

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/query-gateway/internal/filewatch"
	"github.com/agentoven/agentoven/query-gateway/internal/textutil"
)

// dictLine is one JSONL record. Both shapes are accepted:
//
//	{"canonical": "해리 포터", "aliases": ["해리포터", "해리 포타"]}
//	{"alias": "harry poter", "canonical": "harry potter"}
type dictLine struct {
	Canonical string   `json:"canonical"`
	Aliases   []string `json:"aliases"`
	Alias     string   `json:"alias"`
}

// Dictionary maps folded alias keys to canonical forms. It is immutable
// once built; reloads build a new one.
type Dictionary struct {
	aliases map[string]string
	vocab   map[string]bool
}

// NewDictionary builds a dictionary from canonical → aliases pairs.
func NewDictionary(entries map[string][]string) *Dictionary {
	d := &Dictionary{aliases: map[string]string{}, vocab: map[string]bool{}}
	canonicals := make([]string, 0, len(entries))
	for c := range entries {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)
	for _, c := range canonicals {
		d.add(c, entries[c]...)
	}
	return d
}

func (d *Dictionary) add(canonical string, aliases ...string) {
	canonical = strings.TrimSpace(canonical)
	if canonical == "" {
		return
	}
	folded := textutil.Fold(canonical)
	d.vocab[folded] = true
	for _, tok := range strings.Fields(folded) {
		d.vocab[tok] = true
	}
	for _, alias := range aliases {
		key := textutil.Fold(alias)
		if key == "" {
			continue
		}
		for _, k := range []string{key, strings.ReplaceAll(key, " ", "")} {
			if _, taken := d.aliases[k]; !taken {
				d.aliases[k] = canonical
			}
		}
	}
}

// Lookup returns the canonical form for text, trying the folded form and
// then its space-stripped form.
func (d *Dictionary) Lookup(text string) (string, bool) {
	if d == nil {
		return "", false
	}
	key := textutil.Fold(text)
	if c, ok := d.aliases[key]; ok {
		return c, true
	}
	c, ok := d.aliases[strings.ReplaceAll(key, " ", "")]
	return c, ok
}

// Known reports whether word appears in any canonical form.
func (d *Dictionary) Known(word string) bool {
	return d != nil && d.vocab[textutil.Fold(word)]
}

// Len returns the number of alias keys.
func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.aliases)
}

// LoadDictionary reads a JSONL alias file. Malformed lines are skipped.
func LoadDictionary(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	defer f.Close()

	d := &Dictionary{aliases: map[string]string{}, vocab: map[string]bool{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo, skipped := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec dictLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Canonical == "" {
			skipped++
			continue
		}
		aliases := rec.Aliases
		if rec.Alias != "" {
			aliases = append(aliases, rec.Alias)
		}
		d.add(rec.Canonical, aliases...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	if skipped > 0 {
		log.Warn().Str("path", path).Int("skipped", skipped).Int("lines", lineNo).Msg("Spell dictionary has malformed lines")
	}
	return d, nil
}

// WatchDictionary loads path into g and reloads it whenever the file
// changes, until ctx is cancelled.
func WatchDictionary(ctx context.Context, g *Generator, path string) error {
	d, err := LoadDictionary(path)
	if err != nil {
		return err
	}
	g.SetDictionary(d)
	log.Info().Str("path", path).Int("aliases", d.Len()).Msg("📖 Spell dictionary loaded")

	return filewatch.Watch(ctx, path, func() {
		d, err := LoadDictionary(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Spell dictionary reload failed, keeping previous one")
			return
		}
		g.SetDictionary(d)
		log.Info().Str("path", path).Int("aliases", d.Len()).Msg("Spell dictionary reloaded")
	})
}
