package analyzer

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentoven/agentoven/query-gateway/internal/filewatch"
)

// Rule is one ordered replacement. Exactly one of Literal or Regex is set.
type Rule struct {
	Literal string `yaml:"literal"`
	Regex   string `yaml:"regex"`
	Replace string `yaml:"replace"`

	re *regexp.Regexp
}

// RuleSet is an immutable ordered table of replacements.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleSet compiles rules into a table.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{Rules: make([]Rule, 0, len(rules))}
	for i, r := range rules {
		switch {
		case r.Regex != "" && r.Literal != "":
			return nil, fmt.Errorf("rule %d: literal and regex are mutually exclusive", i)
		case r.Regex != "":
			re, err := regexp.Compile(r.Regex)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			r.re = re
		case r.Literal == "":
			return nil, fmt.Errorf("rule %d: empty match", i)
		}
		rs.Rules = append(rs.Rules, r)
	}
	return rs, nil
}

// Apply runs every rule in order.
func (rs *RuleSet) Apply(s string) string {
	if rs == nil {
		return s
	}
	for _, r := range rs.Rules {
		if r.re != nil {
			s = r.re.ReplaceAllString(s, r.Replace)
		} else {
			s = strings.ReplaceAll(s, r.Literal, r.Replace)
		}
	}
	return s
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rules)
}

// LoadRules reads a YAML rule table:
//
//	rules:
//	  - literal: "해리포터"
//	    replace: "해리 포터"
//	  - regex: "(?i)\\bvol\\s+"
//	    replace: "vol."
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var raw RuleSet
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return NewRuleSet(raw.Rules)
}

// WatchRules loads path into a and reloads it whenever the file changes,
// until ctx is cancelled. A table that fails to parse is logged and the
// previous one stays active.
func WatchRules(ctx context.Context, a *Analyzer, path string) error {
	rs, err := LoadRules(path)
	if err != nil {
		return err
	}
	a.SetRules(rs)
	log.Info().Str("path", path).Int("rules", rs.Len()).Msg("📐 Normalization rules loaded")

	return filewatch.Watch(ctx, path, func() {
		rs, err := LoadRules(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Normalization rules reload failed, keeping previous table")
			return
		}
		a.SetRules(rs)
		log.Info().Str("path", path).Int("rules", rs.Len()).Msg("Normalization rules reloaded")
	})
}
