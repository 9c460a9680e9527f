package analyzer

import (
	"reflect"
	"sort"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"simple", "Red Bicycle", []string{"red", "bicycle"}},
		{"punctuation runs", "red--bicycle, for...sale!", []string{"red", "bicycle", "for", "sale"}},
		{"digits kept", "model X200 v2", []string{"model", "x200", "v2"}},
		{"empty", "", nil},
		{"only separators", " -- ,. ", nil},
		{"accented characters", "Café Crème", []string{"café", "crème"}},
		{"cyrillic", "Привет МИР", []string{"привет", "мир"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.text)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestFilterStopWords(t *testing.T) {
	stop := map[string]struct{}{"the": {}, "for": {}}
	got := FilterStopWords([]string{"the", "red", "bicycle", "for", "sale"}, stop)
	want := []string{"red", "bicycle", "sale"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FilterStopWords = %v, want %v", got, want)
	}
}

func TestTermFrequencies(t *testing.T) {
	freqs := TermFrequencies([]string{"red", "bicycle", "red"})
	if freqs["red"] != 2 || freqs["bicycle"] != 1 {
		t.Errorf("unexpected frequencies: %v", freqs)
	}
}

func TestNgramsSingleSize(t *testing.T) {
	got := Ngrams("ab", []int{2})
	sort.Strings(got)
	want := []string{"$a", "ab", "b$"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ngrams(ab, [2]) = %v, want %v", got, want)
	}
}

func TestNgramsUnionAcrossSizes(t *testing.T) {
	got := Ngrams("ab", []int{2, 3})
	set := make(map[string]struct{}, len(got))
	for _, g := range got {
		if _, dup := set[g]; dup {
			t.Fatalf("duplicate gram %q in %v", g, got)
		}
		set[g] = struct{}{}
	}
	for _, want := range []string{"$a", "ab", "b$", "$$a", "$ab", "ab$", "b$$"} {
		if _, ok := set[want]; !ok {
			t.Errorf("missing gram %q in %v", want, got)
		}
	}
	if len(got) != 7 {
		t.Errorf("expected 7 grams, got %d: %v", len(got), got)
	}
}

// Grams must be cut by code point: a byte-wise window over multi-byte
// UTF-8 would split characters in half.
func TestNgramsMultiByte(t *testing.T) {
	for _, gram := range Ngrams("café", []int{2}) {
		runes := []rune(gram)
		if len(runes) != 2 {
			t.Errorf("gram %q has %d code points, want 2", gram, len(runes))
		}
	}
	got := Ngrams("né", []int{2})
	sort.Strings(got)
	want := []string{"$n", "né", "é$"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ngrams(né, [2]) = %v, want %v", got, want)
	}
}

func TestNgramsEmptyTerm(t *testing.T) {
	if got := Ngrams("", []int{2, 3}); got != nil {
		t.Errorf("expected nil for empty term, got %v", got)
	}
}
