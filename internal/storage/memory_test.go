package storage

import (
	"context"
	"sort"
	"testing"
)

func TestMemoryDocumentRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := DocKey{Collection: "site", DocID: "doc-1"}

	freqs := map[string]int{"quick": 2, "brown": 1, "fox": 1}
	if err := m.StoreDocument(ctx, key, freqs, 4); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	got, err := m.GetDocumentTerms(ctx, key)
	if err != nil {
		t.Fatalf("GetDocumentTerms: %v", err)
	}
	if len(got) != len(freqs) {
		t.Fatalf("got %d terms, want %d", len(got), len(freqs))
	}
	for term, freq := range freqs {
		if got[term] != freq {
			t.Errorf("term %q: got freq %d, want %d", term, got[term], freq)
		}
	}

	length, err := m.GetDocumentLength(ctx, key)
	if err != nil {
		t.Fatalf("GetDocumentLength: %v", err)
	}
	if length != 4 {
		t.Errorf("length = %d, want 4", length)
	}

	if err := m.DeleteDocument(ctx, key); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	got, err = m.GetDocumentTerms(ctx, key)
	if err != nil {
		t.Fatalf("GetDocumentTerms after delete: %v", err)
	}
	if got != nil {
		t.Errorf("terms after delete = %v, want nil", got)
	}
}

func TestMemoryDocumentLengthsAbsentAreZero(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.StoreDocument(ctx, DocKey{"site", "a"}, map[string]int{"x": 1}, 7); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	lengths, err := m.GetDocumentLengths(ctx, "site", []string{"a", "missing"})
	if err != nil {
		t.Fatalf("GetDocumentLengths: %v", err)
	}
	if lengths["a"] != 7 {
		t.Errorf("lengths[a] = %d, want 7", lengths["a"])
	}
	if lengths["missing"] != 0 {
		t.Errorf("lengths[missing] = %d, want 0", lengths["missing"])
	}
}

func TestMemoryPostings(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.StoreTermPosting(ctx, "site", "fox", "a", 2); err != nil {
		t.Fatalf("StoreTermPosting: %v", err)
	}
	if err := m.StoreTermPosting(ctx, "site", "fox", "b", 1); err != nil {
		t.Fatalf("StoreTermPosting: %v", err)
	}
	// Overwrite replaces the previous frequency.
	if err := m.StoreTermPosting(ctx, "site", "fox", "a", 5); err != nil {
		t.Fatalf("StoreTermPosting: %v", err)
	}

	postings, err := m.GetTermPostings(ctx, "site", "fox")
	if err != nil {
		t.Fatalf("GetTermPostings: %v", err)
	}
	if postings["a"] != 5 || postings["b"] != 1 {
		t.Errorf("postings = %v, want a:5 b:1", postings)
	}

	if err := m.RemoveTermPosting(ctx, "site", "fox", "a"); err != nil {
		t.Fatalf("RemoveTermPosting: %v", err)
	}
	postings, err = m.GetTermPostings(ctx, "site", "fox")
	if err != nil {
		t.Fatalf("GetTermPostings: %v", err)
	}
	if _, ok := postings["a"]; ok {
		t.Error("posting for a still present after removal")
	}

	if err := m.RemoveTerm(ctx, "site", "fox"); err != nil {
		t.Fatalf("RemoveTerm: %v", err)
	}
	terms, err := m.AllTerms(ctx, "site")
	if err != nil {
		t.Fatalf("AllTerms: %v", err)
	}
	if len(terms) != 0 {
		t.Errorf("AllTerms = %v, want empty", terms)
	}
}

func TestMemoryTermlessDocumentIsNotAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := DocKey{"site", "empty"}

	if err := m.StoreDocument(ctx, key, nil, 0); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}
	terms, err := m.GetDocumentTerms(ctx, key)
	if err != nil {
		t.Fatalf("GetDocumentTerms: %v", err)
	}
	// nil is reserved for documents that do not exist.
	if terms == nil {
		t.Fatal("stored document reported as absent")
	}
	if len(terms) != 0 {
		t.Errorf("terms = %v, want empty", terms)
	}
}

func TestMemoryCollectionTotals(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, id := range []string{"a", "b", "c"} {
		if err := m.AddToCollection(ctx, DocKey{"site", id}); err != nil {
			t.Fatalf("AddToCollection: %v", err)
		}
	}
	// Adding the same document twice is idempotent.
	if err := m.AddToCollection(ctx, DocKey{"site", "a"}); err != nil {
		t.Fatalf("AddToCollection: %v", err)
	}
	if err := m.RefreshDocCount(ctx, "site"); err != nil {
		t.Fatalf("RefreshDocCount: %v", err)
	}
	count, err := m.TotalDocCount(ctx, "site")
	if err != nil {
		t.Fatalf("TotalDocCount: %v", err)
	}
	if count != 3 {
		t.Errorf("TotalDocCount = %d, want 3", count)
	}

	docs, err := m.CollectionDocuments(ctx, "site")
	if err != nil {
		t.Fatalf("CollectionDocuments: %v", err)
	}
	sort.Strings(docs)
	want := []string{"a", "b", "c"}
	if len(docs) != len(want) {
		t.Fatalf("CollectionDocuments = %v, want %v", docs, want)
	}
	for i := range want {
		if docs[i] != want[i] {
			t.Fatalf("CollectionDocuments = %v, want %v", docs, want)
		}
	}

	if err := m.RemoveFromCollection(ctx, DocKey{"site", "b"}); err != nil {
		t.Fatalf("RemoveFromCollection: %v", err)
	}
	if err := m.RefreshDocCount(ctx, "site"); err != nil {
		t.Fatalf("RefreshDocCount: %v", err)
	}
	count, err = m.TotalDocCount(ctx, "site")
	if err != nil {
		t.Fatalf("TotalDocCount: %v", err)
	}
	if count != 2 {
		t.Errorf("TotalDocCount after removal = %d, want 2", count)
	}

	if err := m.AddTotalLength(ctx, "site", 10); err != nil {
		t.Fatalf("AddTotalLength: %v", err)
	}
	if err := m.AddTotalLength(ctx, "site", -3); err != nil {
		t.Fatalf("AddTotalLength: %v", err)
	}
	total, err := m.TotalLength(ctx, "site")
	if err != nil {
		t.Fatalf("TotalLength: %v", err)
	}
	if total != 7 {
		t.Errorf("TotalLength = %d, want 7", total)
	}
	if err := m.ResetTotalLength(ctx, "site"); err != nil {
		t.Fatalf("ResetTotalLength: %v", err)
	}
	total, _ = m.TotalLength(ctx, "site")
	if total != 0 {
		t.Errorf("TotalLength after reset = %d, want 0", total)
	}
}

func TestMemoryNgrams(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.StoreTermNgrams(ctx, "site", "fox", []string{"'f", "fo", "ox", "x'"}); err != nil {
		t.Fatalf("StoreTermNgrams: %v", err)
	}
	has, err := m.TermHasNgrams(ctx, "site", "fox")
	if err != nil {
		t.Fatalf("TermHasNgrams: %v", err)
	}
	if !has {
		t.Error("TermHasNgrams = false after store")
	}
	has, err = m.TermHasNgrams(ctx, "site", "dog")
	if err != nil {
		t.Fatalf("TermHasNgrams: %v", err)
	}
	if has {
		t.Error("TermHasNgrams = true for unindexed term")
	}

	if err := m.RemoveTermNgrams(ctx, "site", "fox"); err != nil {
		t.Fatalf("RemoveTermNgrams: %v", err)
	}
	has, _ = m.TermHasNgrams(ctx, "site", "fox")
	if has {
		t.Error("TermHasNgrams = true after removal")
	}
}

func TestMemorySimilarTerms(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	grams := func(s string) []string {
		out := make([]string, 0, len(s)+1)
		padded := "'" + s + "'"
		for i := 0; i+2 <= len(padded); i++ {
			out = append(out, padded[i:i+2])
		}
		return out
	}

	for _, term := range []string{"bicycle", "tricycle", "zebra"} {
		if err := m.StoreTermNgrams(ctx, "site", term, grams(term)); err != nil {
			t.Fatalf("StoreTermNgrams(%q): %v", term, err)
		}
	}

	matches, err := m.SimilarTerms(ctx, "site", grams("bicycl"), 0.5)
	if err != nil {
		t.Fatalf("SimilarTerms: %v", err)
	}
	if _, ok := matches["bicycle"]; !ok {
		t.Errorf("SimilarTerms missed bicycle: %v", matches)
	}
	if _, ok := matches["zebra"]; ok {
		t.Errorf("SimilarTerms matched unrelated zebra: %v", matches)
	}
	if score := matches["bicycle"]; score < 0.5 || score > 1 {
		t.Errorf("bicycle score %f outside [0.5, 1]", score)
	}
}

func TestMemoryClearCollection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	keyA := DocKey{"site-a", "1"}
	keyB := DocKey{"site-b", "1"}
	for _, key := range []DocKey{keyA, keyB} {
		if err := m.StoreDocument(ctx, key, map[string]int{"x": 1}, 1); err != nil {
			t.Fatalf("StoreDocument: %v", err)
		}
		if err := m.StoreTermPosting(ctx, key.Collection, "x", key.DocID, 1); err != nil {
			t.Fatalf("StoreTermPosting: %v", err)
		}
		if err := m.AddToCollection(ctx, key); err != nil {
			t.Fatalf("AddToCollection: %v", err)
		}
	}

	if err := m.ClearCollection(ctx, "site-a"); err != nil {
		t.Fatalf("ClearCollection: %v", err)
	}

	terms, err := m.GetDocumentTerms(ctx, keyA)
	if err != nil {
		t.Fatalf("GetDocumentTerms: %v", err)
	}
	if terms != nil {
		t.Error("site-a document survived clear")
	}
	// Collections are isolated: site-b is untouched.
	terms, err = m.GetDocumentTerms(ctx, keyB)
	if err != nil {
		t.Fatalf("GetDocumentTerms: %v", err)
	}
	if terms == nil {
		t.Error("site-b document lost by clearing site-a")
	}
}

func TestMemoryBulkIndex(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	docs := []BulkDocument{
		{
			DocID:      "a",
			TermFreqs:  map[string]int{"fast": 1, "fox": 2},
			Length:     3,
			TitleTerms: []string{"fast"},
			Ngrams:     map[string][]string{"fox": {"'f", "fo", "ox", "x'"}},
		},
		{
			DocID:     "b",
			TermFreqs: map[string]int{"fox": 1},
			Length:    1,
		},
	}
	if err := m.BulkIndex(ctx, "site", docs); err != nil {
		t.Fatalf("BulkIndex: %v", err)
	}

	postings, err := m.GetTermPostings(ctx, "site", "fox")
	if err != nil {
		t.Fatalf("GetTermPostings: %v", err)
	}
	if postings["a"] != 2 || postings["b"] != 1 {
		t.Errorf("fox postings = %v, want a:2 b:1", postings)
	}
	titles, err := m.GetTitleTerms(ctx, DocKey{"site", "a"})
	if err != nil {
		t.Fatalf("GetTitleTerms: %v", err)
	}
	if _, ok := titles["fast"]; !ok {
		t.Errorf("title terms = %v, want fast", titles)
	}
	docIDs, err := m.CollectionDocuments(ctx, "site")
	if err != nil {
		t.Fatalf("CollectionDocuments: %v", err)
	}
	if len(docIDs) != 2 {
		t.Errorf("collection has %d docs, want 2", len(docIDs))
	}
	// Corpus totals are the caller's deferred refresh, not the bulk
	// write's: the stored total must stay untouched.
	total, err := m.TotalLength(ctx, "site")
	if err != nil {
		t.Fatalf("TotalLength: %v", err)
	}
	if total != 0 {
		t.Errorf("TotalLength after BulkIndex = %d, want 0", total)
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name                 string
		shared, sizeA, sizeB int
		want                 float64
	}{
		{"identical", 4, 4, 4, 1.0},
		{"disjoint", 0, 3, 5, 0.0},
		{"half", 2, 3, 3, 0.5},
		{"empty sets", 0, 0, 0, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Jaccard(tt.shared, tt.sizeA, tt.sizeB); got != tt.want {
				t.Errorf("Jaccard(%d, %d, %d) = %f, want %f", tt.shared, tt.sizeA, tt.sizeB, got, tt.want)
			}
		})
	}
}
