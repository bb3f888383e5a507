// Package understanding extracts structure from normalized text: fielded
// search predicates for /query/prepare and intent plus slots for chat.
package understanding

import (
	"regexp"
	"strings"

	"github.com/agentoven/agentoven/query-gateway/pkg/models"
)

// Entity fields feed retrieval; filter fields narrow it.
var (
	entityFields = []string{"title", "author", "publisher", "series", "isbn"}
	filterFields = map[string]bool{"year": true, "lang": true, "format": true}
)

var predicatePattern = regexp.MustCompile(`(?i)\b(title|author|publisher|series|isbn|year|lang|format):(?:"([^"]*)"|(\S+))`)

// Fielded parses field:value and field:"quoted value" predicates out of an
// analyzed query. Everything that is not a predicate becomes residual text.
func Fielded(an *models.Analysis) *models.Understanding {
	u := &models.Understanding{
		QueryText: an.Norm,
		Intent:    models.IntentNone,
		Slots:     map[string]string{},
		Entities:  map[string][]string{},
		Filters:   map[string]string{},
	}

	residual := predicatePattern.ReplaceAllStringFunc(an.Norm, func(match string) string {
		m := predicatePattern.FindStringSubmatch(match)
		field := strings.ToLower(m[1])
		value := m[2]
		if value == "" {
			value = m[3]
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return " "
		}
		if filterFields[field] {
			u.Filters[field] = value
		} else {
			u.Entities[field] = append(u.Entities[field], value)
		}
		return " "
	})
	u.ResidualText = strings.Join(strings.Fields(residual), " ")

	if an.ISBN != "" {
		if _, ok := u.Entities["isbn"]; !ok {
			u.Entities["isbn"] = []string{an.ISBN}
		}
	}
	if an.SeriesHint != "" {
		if _, ok := u.Entities["series"]; !ok {
			u.Entities["series"] = []string{an.SeriesHint}
		}
	}
	u.PreferredFields = preferredFields(u)
	return u
}

func preferredFields(u *models.Understanding) []string {
	if _, ok := u.Entities["isbn"]; ok {
		return []string{"isbn"}
	}
	var fields []string
	for _, f := range entityFields {
		if _, ok := u.Entities[f]; ok {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return []string{"title", "author"}
	}
	return fields
}
