// Package strings provides string normalization helpers for config and lookup keys.
package strings

import (
	"strings"
)

// DedupeAndTrim removes duplicates and empty strings from a slice,
// trimming whitespace from each element. Order is preserved.
//
//	DedupeAndTrim([]string{"  kafka-1:9092 ", "kafka-2:9092", "kafka-1:9092", ""})
//	// Returns: []string{"kafka-1:9092", "kafka-2:9092"}
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}
	return result
}

// SplitList splits a comma separated value (as env vars carry lists) and
// dedupes the parts.
func SplitList(csv string) []string {
	return DedupeAndTrim(strings.Split(csv, ","))
}

// NormalizeKey lowercases s and collapses runs of whitespace so that
// " 2X / Week" and "2x / week" address the same lookup entry.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
