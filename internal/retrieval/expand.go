package retrieval

import (
	"sort"
	"strings"
)

// synonyms drive deterministic single-word substitutions. The table is
// iterated in sorted key order so expansion output is stable.
var synonyms = map[string][]string{
	"build":     {"create", "construct"},
	"bug":       {"defect", "error"},
	"create":    {"build", "make"},
	"delete":    {"remove"},
	"error":     {"failure", "bug"},
	"fast":      {"quick"},
	"find":      {"locate", "search"},
	"fix":       {"repair", "resolve"},
	"function":  {"method"},
	"implement": {"build", "write"},
	"remove":    {"delete"},
	"test":      {"verify", "check"},
	"update":    {"modify", "change"},
	"use":       {"utilize"},
}

// questionPrefixes are stripped to reformulate questions as statements.
var questionPrefixes = []string{
	"how do i ",
	"how do you ",
	"how to ",
	"how can i ",
	"what is ",
	"what are ",
	"where is ",
	"why does ",
}

// ExpandQuery produces up to max deterministic variants of a query:
// question-to-statement reformulation first, then single-word synonym
// substitutions in sorted order. The original query is not included.
func ExpandQuery(query string, max int) []string {
	if max <= 0 {
		return nil
	}

	var variants []string
	seen := map[string]struct{}{strings.ToLower(query): {}}

	add := func(v string) bool {
		lowered := strings.ToLower(v)
		if _, dup := seen[lowered]; dup {
			return len(variants) < max
		}
		seen[lowered] = struct{}{}
		variants = append(variants, v)
		return len(variants) < max
	}

	lowered := strings.ToLower(query)
	for _, prefix := range questionPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			statement := strings.TrimSuffix(strings.TrimSpace(query[len(prefix):]), "?")
			if statement != "" && !add(statement) {
				return variants
			}
			break
		}
	}

	words := strings.Fields(query)
	positions := make([]int, 0, len(words))
	for i, word := range words {
		if _, ok := synonyms[strings.ToLower(strings.Trim(word, "?.,!"))]; ok {
			positions = append(positions, i)
		}
	}
	sort.Ints(positions)

	for _, pos := range positions {
		base := strings.ToLower(strings.Trim(words[pos], "?.,!"))
		for _, replacement := range synonyms[base] {
			variant := make([]string, len(words))
			copy(variant, words)
			variant[pos] = replacement
			if !add(strings.Join(variant, " ")) {
				return variants
			}
		}
	}
	return variants
}
