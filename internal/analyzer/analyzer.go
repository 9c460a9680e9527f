// Package analyzer provides text normalisation for the search engine:
// Unicode-aware tokenisation, stop-word filtering, and n-gram generation
// for fuzzy term matching. All functions are pure.
package analyzer

import (
	"strings"
	"unicode"
)

// Padding is the boundary marker added to both ends of a term before
// n-gram windows are cut. Tokens never contain it, so padded grams can
// not collide with interior ones.
const Padding = '$'

// Tokenize lowercases text and splits it on every maximal run of
// characters that are neither letters nor digits. Empty tokens are
// dropped. Multi-byte characters are handled per code point.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FilterStopWords removes tokens present in the stop set. Tokens are
// already case-normalised, so comparison is exact.
func FilterStopWords(tokens []string, stop map[string]struct{}) []string {
	if len(stop) == 0 {
		return tokens
	}
	kept := tokens[:0:0]
	for _, tok := range tokens {
		if _, isStop := stop[tok]; isStop {
			continue
		}
		kept = append(kept, tok)
	}
	return kept
}

// TermFrequencies folds a token sequence into term counts.
func TermFrequencies(tokens []string) map[string]int {
	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}
	return freqs
}

// Ngrams returns the de-duplicated union of n-grams of every configured
// size. For size n the term is padded with n-1 boundary markers on each
// end and a window of n code points slides across it; windows that are
// pure padding are discarded. Slicing is by rune, never by byte.
func Ngrams(term string, sizes []int) []string {
	runes := []rune(term)
	if len(runes) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	grams := make([]string, 0, len(runes)*len(sizes))
	for _, n := range sizes {
		if n < 1 {
			continue
		}
		padded := make([]rune, 0, len(runes)+2*(n-1))
		for i := 0; i < n-1; i++ {
			padded = append(padded, Padding)
		}
		padded = append(padded, runes...)
		for i := 0; i < n-1; i++ {
			padded = append(padded, Padding)
		}
		for i := 0; i+n <= len(padded); i++ {
			window := padded[i : i+n]
			if allPadding(window) {
				continue
			}
			gram := string(window)
			if _, dup := seen[gram]; dup {
				continue
			}
			seen[gram] = struct{}{}
			grams = append(grams, gram)
		}
	}
	return grams
}

func allPadding(window []rune) bool {
	for _, r := range window {
		if r != Padding {
			return false
		}
	}
	return true
}
