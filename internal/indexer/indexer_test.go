package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
)

func newTestIndexer() (*Indexer, *storage.Memory) {
	backend := storage.NewMemory()
	return New(backend, config.DefaultSearchConfig()), backend
}

func TestIndexStoresPostingsAndTitles(t *testing.T) {
	ctx := context.Background()
	ix, backend := newTestIndexer()

	doc := Document{
		ID:    "doc-1",
		Title: "Quick Start",
		Body:  "The quick brown fox jumps over the lazy dog.",
	}
	if err := ix.Index(ctx, "site", doc); err != nil {
		t.Fatalf("Index: %v", err)
	}

	postings, err := backend.GetTermPostings(ctx, "site", "quick")
	if err != nil {
		t.Fatalf("GetTermPostings: %v", err)
	}
	// "quick" appears in title and body.
	if postings["doc-1"] != 2 {
		t.Errorf("quick postings = %v, want doc-1:2", postings)
	}

	titles, err := backend.GetTitleTerms(ctx, storage.DocKey{Collection: "site", DocID: "doc-1"})
	if err != nil {
		t.Fatalf("GetTitleTerms: %v", err)
	}
	if _, ok := titles["quick"]; !ok {
		t.Errorf("title terms = %v, want quick", titles)
	}
	if _, ok := titles["fox"]; ok {
		t.Error("body-only term fox ended up in title terms")
	}

	// Default stop words drop "the".
	if stopPostings, _ := backend.GetTermPostings(ctx, "site", "the"); stopPostings != nil {
		t.Errorf("stop word indexed: %v", stopPostings)
	}

	count, err := backend.TotalDocCount(ctx, "site")
	if err != nil {
		t.Fatalf("TotalDocCount: %v", err)
	}
	if count != 1 {
		t.Errorf("TotalDocCount = %d, want 1", count)
	}
}

func TestIndexOverwriteRemovesStalePostings(t *testing.T) {
	ctx := context.Background()
	ix, backend := newTestIndexer()

	if err := ix.Index(ctx, "site", Document{ID: "d", Body: "alpha beta"}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := ix.Index(ctx, "site", Document{ID: "d", Body: "beta gamma"}); err != nil {
		t.Fatalf("re-Index: %v", err)
	}

	if postings, _ := backend.GetTermPostings(ctx, "site", "alpha"); postings != nil {
		t.Errorf("stale posting survived overwrite: %v", postings)
	}
	postings, err := backend.GetTermPostings(ctx, "site", "gamma")
	if err != nil {
		t.Fatalf("GetTermPostings: %v", err)
	}
	if postings["d"] != 1 {
		t.Errorf("gamma postings = %v, want d:1", postings)
	}

	// "alpha" has no remaining documents, so its vocabulary entry and
	// grams must be gone too.
	terms, err := backend.AllTerms(ctx, "site")
	if err != nil {
		t.Fatalf("AllTerms: %v", err)
	}
	for _, term := range terms {
		if term == "alpha" {
			t.Error("orphaned term alpha still in vocabulary")
		}
	}
	has, err := backend.TermHasNgrams(ctx, "site", "alpha")
	if err != nil {
		t.Fatalf("TermHasNgrams: %v", err)
	}
	if has {
		t.Error("orphaned term alpha still has n-grams")
	}

	total, err := backend.TotalLength(ctx, "site")
	if err != nil {
		t.Fatalf("TotalLength: %v", err)
	}
	if total != 2 {
		t.Errorf("TotalLength = %d, want 2", total)
	}
}

func TestIndexIdenticalContentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ix, backend := newTestIndexer()

	doc := Document{ID: "d", Body: "alpha beta beta"}
	for i := 0; i < 3; i++ {
		if err := ix.Index(ctx, "site", doc); err != nil {
			t.Fatalf("Index round %d: %v", i, err)
		}
	}

	total, _ := backend.TotalLength(ctx, "site")
	if total != 3 {
		t.Errorf("TotalLength = %d, want 3", total)
	}
	count, _ := backend.TotalDocCount(ctx, "site")
	if count != 1 {
		t.Errorf("TotalDocCount = %d, want 1", count)
	}
	postings, _ := backend.GetTermPostings(ctx, "site", "beta")
	if postings["d"] != 2 {
		t.Errorf("beta postings = %v, want d:2", postings)
	}
}

func TestRemoveCleansEverything(t *testing.T) {
	ctx := context.Background()
	ix, backend := newTestIndexer()

	if err := ix.Index(ctx, "site", Document{ID: "a", Title: "Alpha", Body: "alpha beta"}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := ix.Index(ctx, "site", Document{ID: "b", Body: "beta"}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	if err := ix.Remove(ctx, "site", "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if terms, _ := backend.GetDocumentTerms(ctx, storage.DocKey{Collection: "site", DocID: "a"}); terms != nil {
		t.Error("document record survived removal")
	}
	// "beta" still has document b; "alpha" is orphaned.
	if postings, _ := backend.GetTermPostings(ctx, "site", "alpha"); postings != nil {
		t.Error("alpha postings survived removal")
	}
	postings, _ := backend.GetTermPostings(ctx, "site", "beta")
	if postings["b"] != 1 {
		t.Errorf("beta postings = %v, want b:1", postings)
	}

	count, _ := backend.TotalDocCount(ctx, "site")
	if count != 1 {
		t.Errorf("TotalDocCount = %d, want 1", count)
	}
	total, _ := backend.TotalLength(ctx, "site")
	if total != 1 {
		t.Errorf("TotalLength = %d, want 1", total)
	}
}

// termlessBackend reports empty term maps as nil, the way hash-backed
// stores see a document whose tokens were all filtered out.
type termlessBackend struct {
	storage.Backend
}

func (b *termlessBackend) GetDocumentTerms(ctx context.Context, key storage.DocKey) (map[string]int, error) {
	terms, err := b.Backend.GetDocumentTerms(ctx, key)
	if len(terms) == 0 {
		return nil, err
	}
	return terms, err
}

func TestRemoveStopWordOnlyDocument(t *testing.T) {
	ctx := context.Background()
	backend := &termlessBackend{Backend: storage.NewMemory()}
	ix := New(backend, config.DefaultSearchConfig())

	// Every token is a stop word: the document stores with no terms but
	// still occupies a collection-index entry.
	if err := ix.Index(ctx, "site", Document{ID: "quiet", Body: "the and of"}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	count, _ := backend.TotalDocCount(ctx, "site")
	if count != 1 {
		t.Fatalf("TotalDocCount after index = %d, want 1", count)
	}

	if err := ix.Remove(ctx, "site", "quiet"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	count, _ = backend.TotalDocCount(ctx, "site")
	if count != 0 {
		t.Errorf("TotalDocCount after remove = %d, want 0", count)
	}
	docs, _ := backend.CollectionDocuments(ctx, "site")
	if len(docs) != 0 {
		t.Errorf("CollectionDocuments = %v, want empty", docs)
	}
}

func TestRemoveUnknownDocumentIsNoop(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndexer()
	if err := ix.Remove(ctx, "site", "ghost"); err != nil {
		t.Fatalf("Remove of unknown document: %v", err)
	}
}

func TestIndexValidatesInput(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndexer()

	if err := ix.Index(ctx, "", Document{ID: "d"}); !errors.Is(err, kerrors.ErrInvalidInput) {
		t.Errorf("empty collection: err = %v, want ErrInvalidInput", err)
	}
	if err := ix.Index(ctx, "site", Document{}); !errors.Is(err, kerrors.ErrInvalidInput) {
		t.Errorf("empty doc id: err = %v, want ErrInvalidInput", err)
	}
	if err := ix.Remove(ctx, "site", ""); !errors.Is(err, kerrors.ErrInvalidInput) {
		t.Errorf("empty doc id on remove: err = %v, want ErrInvalidInput", err)
	}
}

func TestBulkModeDefersDocCount(t *testing.T) {
	ctx := context.Background()
	ix, backend := newTestIndexer()

	ix.SetBulkMode(true)
	for _, id := range []string{"a", "b", "c"} {
		if err := ix.Index(ctx, "site", Document{ID: id, Body: "word"}); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}
	count, _ := backend.TotalDocCount(ctx, "site")
	if count != 0 {
		t.Errorf("TotalDocCount during bulk mode = %d, want 0", count)
	}

	ix.SetBulkMode(false)
	if err := ix.RefreshTotals(ctx, "site"); err != nil {
		t.Fatalf("RefreshTotals: %v", err)
	}
	count, _ = backend.TotalDocCount(ctx, "site")
	if count != 3 {
		t.Errorf("TotalDocCount after refresh = %d, want 3", count)
	}
	total, _ := backend.TotalLength(ctx, "site")
	if total != 3 {
		t.Errorf("TotalLength after refresh = %d, want 3", total)
	}
}

func TestIndexBatchCountsLengthOnce(t *testing.T) {
	ctx := context.Background()
	ix, backend := newTestIndexer()

	ix.SetBulkMode(true)
	if err := ix.IndexBatch(ctx, "site", []Document{{ID: "a", Body: "quick brown fox"}}); err != nil {
		t.Fatalf("IndexBatch: %v", err)
	}

	// Before any refresh, the stored total must already equal the sum of
	// live document lengths: the bulk write leaves totals to the caller,
	// which adds each length exactly once.
	total, err := backend.TotalLength(ctx, "site")
	if err != nil {
		t.Fatalf("TotalLength: %v", err)
	}
	if total != 3 {
		t.Errorf("TotalLength = %d, want 3", total)
	}
}

func TestIndexBatchBulkPath(t *testing.T) {
	ctx := context.Background()
	ix, backend := newTestIndexer()

	ix.SetBulkMode(true)
	docs := []Document{
		{ID: "a", Title: "Fast", Body: "fast fox"},
		{ID: "b", Body: "fox runs"},
	}
	if err := ix.IndexBatch(ctx, "site", docs); err != nil {
		t.Fatalf("IndexBatch: %v", err)
	}
	if err := ix.RefreshTotals(ctx, "site"); err != nil {
		t.Fatalf("RefreshTotals: %v", err)
	}

	postings, err := backend.GetTermPostings(ctx, "site", "fox")
	if err != nil {
		t.Fatalf("GetTermPostings: %v", err)
	}
	if postings["a"] != 1 || postings["b"] != 1 {
		t.Errorf("fox postings = %v, want a:1 b:1", postings)
	}
	has, err := backend.TermHasNgrams(ctx, "site", "fox")
	if err != nil {
		t.Fatalf("TermHasNgrams: %v", err)
	}
	if !has {
		t.Error("bulk path skipped n-gram generation")
	}
	count, _ := backend.TotalDocCount(ctx, "site")
	if count != 2 {
		t.Errorf("TotalDocCount = %d, want 2", count)
	}
}
