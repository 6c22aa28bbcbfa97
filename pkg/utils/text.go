package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Short Portuguese function words that carry no search signal.
var stopwords = map[string]struct{}{
	"a": {}, "o": {}, "e": {}, "as": {}, "os": {}, "de": {}, "da": {}, "do": {},
	"das": {}, "dos": {}, "em": {}, "no": {}, "na": {}, "nos": {}, "nas": {},
	"um": {}, "uma": {}, "para": {}, "por": {}, "com": {}, "que": {}, "se": {},
}

// Fold lowercases s and strips diacritics, so "Educação" and "educacao" compare equal.
func Fold(s string) string {
	// transform.Chain is stateful and must not be shared between goroutines.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Tokenize folds s and splits it into searchable terms, dropping stopwords.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// TextRelevance is the relevance an adapter assigns to a record: 1 when the
// whole query appears as a phrase, otherwise the share of query terms found,
// scaled below the phrase match.
func TextRelevance(query, text string) float64 {
	qTerms := Tokenize(query)
	if len(qTerms) == 0 || text == "" {
		return 0
	}
	tTerms := Tokenize(text)
	if containsPhrase(tTerms, qTerms) {
		return 1
	}
	present := make(map[string]struct{}, len(tTerms))
	for _, t := range tTerms {
		present[t] = struct{}{}
	}
	matches := 0
	for _, q := range qTerms {
		if _, ok := present[q]; ok {
			matches++
		}
	}
	return 0.8 * float64(matches) / float64(len(qTerms))
}

func containsPhrase(text, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(text) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(text); i++ {
		for j := range phrase {
			if text[i+j] != phrase[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
