// Package schema validates checkpoint submissions against a definition's
// field schema. Validation is pure: no storage, no clock, just data in and
// issues out.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"finrisk/internal/domain"
)

// Issue is one validation problem, keyed by the offending submission field.
type Issue struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (i Issue) String() string { return i.Key + ": " + i.Message }

// JoinIssues renders issues as "key: message; key: message" for last_error.
func JoinIssues(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}

// Validate checks data against fields and returns all issues found.
// Unexpected submission keys are reported first (in sorted key order, since
// map iteration is unstable), then per-field issues in schema order. A nil
// or empty result means the submission is acceptable.
func Validate(fields []domain.FieldDefinition, data map[string]any) []Issue {
	var issues []Issue

	expected := make(map[string]bool, len(fields))
	for _, f := range fields {
		if key := strings.TrimSpace(f.Key); key != "" {
			expected[f.Key] = true
		}
	}

	extra := make([]string, 0, len(data))
	for key := range data {
		if !expected[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		issues = append(issues, Issue{Key: key, Message: "Unexpected field"})
	}

	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		value, present := data[key]
		if f.Required && isEmpty(value) {
			issues = append(issues, Issue{Key: key, Message: "This field is required"})
			continue
		}
		if !present || value == nil {
			continue
		}
		issues = append(issues, checkType(f, key, value)...)
	}

	return issues
}

// isEmpty treats nil, whitespace-only strings, and empty collections as
// missing for required-field purposes. false and 0 are real values.
func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

func checkType(f domain.FieldDefinition, key string, value any) []Issue {
	switch strings.TrimSpace(f.Type) {
	case "text", "textarea":
		if _, ok := value.(string); !ok {
			return []Issue{{Key: key, Message: "Expected a string"}}
		}
		return nil
	case "select", "radio":
		s, ok := value.(string)
		if !ok {
			return []Issue{{Key: key, Message: "Expected a string option"}}
		}
		if allowed := optionValues(f); len(allowed) > 0 && !allowed[s] {
			return []Issue{{Key: key, Message: "Value is not in allowed options"}}
		}
		return nil
	case "multi_select", "chips":
		items, ok := asStringSlice(value)
		if !ok {
			return []Issue{{Key: key, Message: "Expected an array of strings"}}
		}
		if allowed := optionValues(f); len(allowed) > 0 {
			for _, item := range items {
				if !allowed[item] {
					return []Issue{{Key: key, Message: "Contains values not in allowed options"}}
				}
			}
		}
		return nil
	case "checkbox":
		if _, ok := value.(bool); !ok {
			return []Issue{{Key: key, Message: "Expected a boolean"}}
		}
		return nil
	case "number", "range":
		n, ok := asNumber(value)
		if !ok {
			return []Issue{{Key: key, Message: "Expected a numeric value"}}
		}
		var issues []Issue
		if f.Min != nil && n < *f.Min {
			issues = append(issues, Issue{Key: key, Message: "Value must be >= " + formatBound(*f.Min)})
		}
		if f.Max != nil && n > *f.Max {
			issues = append(issues, Issue{Key: key, Message: "Value must be <= " + formatBound(*f.Max)})
		}
		return issues
	}
	return []Issue{{Key: key, Message: fmt.Sprintf("Unsupported field type '%s'", strings.TrimSpace(f.Type))}}
}

func optionValues(f domain.FieldDefinition) map[string]bool {
	if len(f.Options) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(f.Options))
	for _, opt := range f.Options {
		allowed[opt.Value] = true
	}
	return allowed
}

func asStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			items = append(items, s)
		}
		return items, true
	}
	return nil, false
}

// asNumber accepts the numeric types a decoded JSON payload or direct Go
// caller can produce. Booleans are explicitly not numbers.
func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// formatBound renders bounds without a trailing ".0" so whole numbers read
// as stored ("Value must be >= 1", not ">= 1.0").
func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
