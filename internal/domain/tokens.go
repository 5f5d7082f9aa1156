package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it into alphanumeric tokens. Tokens
// shorter than two runes are dropped as noise. The same normalization is
// used for trigger-condition indexing and for query contexts, so the two
// sides always tokenize identically.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// FlattenContext walks a query context and tokenizes every value it can
// reach, flattening nested maps and lists. Keys are not tokenized; only
// values participate in matching.
func FlattenContext(ctx map[string]any) []string {
	var tokens []string
	seen := make(map[string]struct{})
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case nil:
		case string:
			for _, t := range Tokenize(val) {
				if _, ok := seen[t]; !ok {
					seen[t] = struct{}{}
					tokens = append(tokens, t)
				}
			}
		case map[string]any:
			for _, nested := range val {
				walk(nested)
			}
		case []any:
			for _, nested := range val {
				walk(nested)
			}
		default:
			walk(fmt.Sprint(val))
		}
	}
	for _, v := range ctx {
		walk(v)
	}
	return tokens
}
