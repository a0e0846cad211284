// Package cohort answers conjunctive cohort-count queries by joining
// materialized view projections on the subject id, with a text-search
// fallback when coded lookups miss.
package cohort

import (
	"strings"
)

// Words dropped when deriving a core term from a verbose condition label.
var stopWords = map[string]bool{
	"type":      true,
	"stage":     true,
	"grade":     true,
	"mellitus":  true,
	"disorder":  true,
	"disease":   true,
	"syndrome":  true,
	"condition": true,
}

// Severity qualifiers carry no identity for substring matching.
var severityWords = map[string]bool{
	"mild":      true,
	"moderate":  true,
	"severe":    true,
	"acute":     true,
	"chronic":   true,
	"essential": true,
	"primary":   true,
	"secondary": true,
}

var romanNumerals = map[string]bool{
	"i": true, "ii": true, "iii": true, "iv": true,
	"v": true, "vi": true, "vii": true, "viii": true,
	"ix": true, "x": true,
}

const minTermLength = 3

// CoreTerm derives the simplified keyword used for text-substring fallback
// matching: parenthesized qualifiers are stripped, the label is lowercased,
// and stop words, digits, Roman numerals, severity qualifiers, and short
// words are dropped. The first surviving word is the core term; an empty
// string means the label carries no usable term.
func CoreTerm(label string) string {
	cleaned := stripParenthesized(strings.ToLower(label))

	for _, word := range strings.Fields(cleaned) {
		word = strings.Trim(word, ",.;:-")

		if len(word) < minTermLength && !romanNumerals[word] {
			continue
		}

		if stopWords[word] || severityWords[word] || romanNumerals[word] || isDigits(word) {
			continue
		}

		return word
	}

	return ""
}

// stripParenthesized removes every parenthesized span, including nesting.
func stripParenthesized(s string) string {
	var (
		sb    strings.Builder
		depth int
	)

	for _, r := range s {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			sb.WriteRune(r)
		}
	}

	return sb.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return len(s) > 0
}
