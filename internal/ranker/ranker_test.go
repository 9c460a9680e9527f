package ranker

import (
	"context"
	"testing"

	"github.com/kestrelsearch/kestrel/internal/fuzzy"
	"github.com/kestrelsearch/kestrel/internal/indexer"
	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
)

func newTestRanker(t *testing.T) (*Ranker, *indexer.Indexer) {
	t.Helper()
	backend := storage.NewMemory()
	cfg := config.DefaultSearchConfig()
	matcher := fuzzy.New(backend, cfg.NgramSizes, cfg.SimilarityThreshold, cfg.MaxFuzzyCandidates)
	return New(backend, matcher, cfg, nil), indexer.New(backend, cfg)
}

func index(t *testing.T, ix *indexer.Indexer, collection string, doc indexer.Document) {
	t.Helper()
	if err := ix.Index(context.Background(), collection, doc); err != nil {
		t.Fatalf("Index(%s): %v", doc.ID, err)
	}
}

func TestSearchScenario(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)

	index(t, ix, "shop", indexer.Document{
		ID:    "1",
		Title: "Red Bicycle",
		Body:  "A red bicycle for sale",
	})
	index(t, ix, "shop", indexer.Document{
		ID:    "2",
		Title: "Blue Car",
		Body:  "A blue car for sale",
	})

	results, err := r.Search(ctx, "shop", "bicycle")
	if err != nil {
		t.Fatalf("Search(bicycle): %v", err)
	}
	if len(results) != 1 || results[0].DocID != "1" {
		t.Fatalf("Search(bicycle) = %v, want only doc 1", results)
	}
	if results[0].Score <= 0 {
		t.Errorf("score = %f, want > 0", results[0].Score)
	}

	// Typo resolves through fuzzy fallback to the same document.
	results, err = r.Search(ctx, "shop", "bicycl")
	if err != nil {
		t.Fatalf("Search(bicycl): %v", err)
	}
	if len(results) != 1 || results[0].DocID != "1" {
		t.Fatalf("Search(bicycl) = %v, want only doc 1", results)
	}

	results, err = r.Search(ctx, "shop", "sale")
	if err != nil {
		t.Fatalf("Search(sale): %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search(sale) = %v, want both documents", results)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)
	index(t, ix, "site", indexer.Document{ID: "1", Body: "content"})

	for _, query := range []string{"", "   ", "the of and"} {
		results, err := r.Search(ctx, "site", query)
		if err != nil {
			t.Fatalf("Search(%q): %v", query, err)
		}
		if len(results) != 0 {
			t.Errorf("Search(%q) = %v, want empty", query, results)
		}
	}
}

func TestSearchAndSemantics(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)

	index(t, ix, "site", indexer.Document{ID: "both", Body: "apple banana"})
	index(t, ix, "site", indexer.Document{ID: "one", Body: "apple cherry"})

	results, err := r.Search(ctx, "site", "apple banana")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].DocID != "both" {
		t.Fatalf("results = %v, want only doc both", results)
	}

	// Removing a term from the document removes it from the conjunction.
	index(t, ix, "site", indexer.Document{ID: "both", Body: "banana"})
	results, err = r.Search(ctx, "site", "apple banana")
	if err != nil {
		t.Fatalf("Search after re-index: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want empty after term removed", results)
	}
}

func TestSearchShortCircuitsOnMissingTerm(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)
	index(t, ix, "site", indexer.Document{ID: "1", Body: "apple"})

	results, err := r.Search(ctx, "site", "apple zzzzzzzz")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want empty when one position matches nothing", results)
	}
}

func TestSearchTitleBoost(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)

	// Same body term frequency and length; only the title differs.
	index(t, ix, "site", indexer.Document{ID: "titled", Title: "fox", Body: "den cave"})
	index(t, ix, "site", indexer.Document{ID: "plain", Title: "owl", Body: "den fox"})

	results, err := r.Search(ctx, "site", "fox")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %v, want 2", results)
	}
	if results[0].DocID != "titled" {
		t.Errorf("title match ranked %v, want titled first", results)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("boosted score %f not above unboosted %f", results[0].Score, results[1].Score)
	}
}

func TestSearchPhraseBoostIsOrderInsensitive(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)

	// Containment, not adjacency: reversed word order still qualifies.
	index(t, ix, "site", indexer.Document{ID: "ordered", Body: "garden shed tools"})
	index(t, ix, "site", indexer.Document{ID: "reversed", Body: "shed garden tools"})
	index(t, ix, "site", indexer.Document{ID: "partial", Body: "garden tools only here"})

	results, err := r.Search(ctx, "site", "garden shed")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %v, want ordered and reversed", results)
	}
	if results[0].Score != results[1].Score {
		t.Errorf("containment boost differs by word order: %v", results)
	}
}

func TestSearchBM25TermFrequencyMonotonic(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)

	// Equal lengths; only the frequency of the query term differs.
	index(t, ix, "site", indexer.Document{ID: "low", Body: "fox den den den"})
	index(t, ix, "site", indexer.Document{ID: "high", Body: "fox fox fox den"})

	results, err := r.Search(ctx, "site", "fox")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %v, want 2", results)
	}
	if results[0].DocID != "high" || results[0].Score <= results[1].Score {
		t.Errorf("higher term frequency did not score higher: %v", results)
	}
}

func TestSearchScoresStayNonNegative(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)

	// Term present in every document: df == N drives idf toward zero
	// but never below it.
	for _, id := range []string{"a", "b", "c"} {
		index(t, ix, "site", indexer.Document{ID: id, Body: "ubiquitous"})
	}
	results, err := r.Search(ctx, "site", "ubiquitous")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %v, want 3", results)
	}
	for _, res := range results {
		if res.Score < 0 {
			t.Errorf("doc %s scored negative: %f", res.DocID, res.Score)
		}
	}
}

func TestSearchDeterministicTieOrder(t *testing.T) {
	ctx := context.Background()
	r, ix := newTestRanker(t)

	for _, id := range []string{"c", "a", "b"} {
		index(t, ix, "site", indexer.Document{ID: id, Body: "same words here"})
	}
	first, err := r.Search(ctx, "site", "words")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Search(ctx, "site", "words")
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("result count changed between runs")
		}
		for j := range again {
			if again[j].DocID != first[j].DocID {
				t.Fatalf("order changed between runs: %v vs %v", first, again)
			}
		}
	}
	// Equal scores fall back to document id order.
	for i := 1; i < len(first); i++ {
		if first[i-1].Score == first[i].Score && first[i-1].DocID > first[i].DocID {
			t.Errorf("tie not broken by doc id: %v", first)
		}
	}
}

func TestSearchMaxResultsCap(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	cfg := config.DefaultSearchConfig()
	cfg.MaxResults = 2
	matcher := fuzzy.New(backend, cfg.NgramSizes, cfg.SimilarityThreshold, cfg.MaxFuzzyCandidates)
	r := New(backend, matcher, cfg, nil)
	ix := indexer.New(backend, cfg)

	for _, id := range []string{"a", "b", "c", "d"} {
		index(t, ix, "site", indexer.Document{ID: id, Body: "common"})
	}
	results, err := r.Search(ctx, "site", "common")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, cap is 2", len(results))
	}
}
