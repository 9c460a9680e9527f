package fuzzy

import (
	"context"
	"testing"

	"github.com/kestrelsearch/kestrel/internal/analyzer"
	"github.com/kestrelsearch/kestrel/internal/storage"
)

var ngramSizes = []int{2, 3}

func seedTerms(t *testing.T, backend storage.Backend, collection string, terms ...string) {
	t.Helper()
	ctx := context.Background()
	for _, term := range terms {
		if err := backend.StoreTermPosting(ctx, collection, term, "doc", 1); err != nil {
			t.Fatalf("StoreTermPosting(%q): %v", term, err)
		}
		if err := backend.StoreTermNgrams(ctx, collection, term, analyzer.Ngrams(term, ngramSizes)); err != nil {
			t.Fatalf("StoreTermNgrams(%q): %v", term, err)
		}
	}
}

func TestMatchFindsTypo(t *testing.T) {
	backend := storage.NewMemory()
	seedTerms(t, backend, "site", "bicycle", "tricycle", "zebra")

	m := New(backend, ngramSizes, 0.5, 10)
	got, err := m.Match(context.Background(), "site", "bicycl")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("no candidates for bicycl")
	}
	if got[0].Term != "bicycle" {
		t.Errorf("best candidate = %q, want bicycle", got[0].Term)
	}
	for _, c := range got {
		if c.Term == "zebra" {
			t.Error("unrelated term zebra surfaced as candidate")
		}
		if c.Score <= 0 || c.Score > 1 {
			t.Errorf("candidate %q score %f outside (0, 1]", c.Term, c.Score)
		}
	}
}

func TestMatchShortTermThreshold(t *testing.T) {
	backend := storage.NewMemory()
	seedTerms(t, backend, "site", "ac")

	// A one-edit neighbour of a two-letter term shares almost no grams;
	// only the scaled-down floor lets it through.
	m := New(backend, ngramSizes, 0.5, 10)
	got, err := m.Match(context.Background(), "site", "ab")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 1 || got[0].Term != "ac" {
		t.Fatalf("candidates = %v, want [ac]", got)
	}
}

func TestMatchExcludesQueryTerm(t *testing.T) {
	backend := storage.NewMemory()
	seedTerms(t, backend, "site", "search", "searches")

	m := New(backend, ngramSizes, 0.5, 10)
	got, err := m.Match(context.Background(), "site", "search")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	for _, c := range got {
		if c.Term == "search" {
			t.Error("query term returned as its own candidate")
		}
	}
}

func TestMatchCandidateCap(t *testing.T) {
	backend := storage.NewMemory()
	seedTerms(t, backend, "site",
		"test", "tests", "text", "tent", "best", "rest", "west", "nest")

	m := New(backend, ngramSizes, 0.3, 3)
	got, err := m.Match(context.Background(), "site", "tst")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) > 3 {
		t.Errorf("got %d candidates, cap is 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("candidates out of order: %v", got)
		}
	}
}

func TestMatchEditDistanceFallback(t *testing.T) {
	dir := t.TempDir()
	backend, err := storage.NewFile(dir, 0)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	// The file backend has no similarity search, so matching walks the
	// vocabulary with the edit-distance bound.
	seedTerms(t, backend, "site", "bicycle", "zebra")

	m := New(backend, ngramSizes, 0.5, 10)
	got, err := m.Match(context.Background(), "site", "bicycl")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 1 || got[0].Term != "bicycle" {
		t.Fatalf("candidates = %v, want [bicycle]", got)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
		{"café", "cafe", 1},
	}
	for _, tt := range tests {
		if got := levenshtein([]rune(tt.a), []rune(tt.b)); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
