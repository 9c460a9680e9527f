// Package storage defines the persistence contract for the search engine
// and its concrete backends. The indexer and ranker hold no durable state;
// everything they persist flows through the Backend interface, keyed by
// (collection, document) or by term.
package storage

import "context"

// DocKey identifies a document within a collection.
type DocKey struct {
	Collection string
	DocID      string
}

func (k DocKey) String() string {
	return k.Collection + "/" + k.DocID
}

// Backend is the persistence contract every storage medium must satisfy.
// All operations are synchronous; blocking happens at the I/O boundary.
// Per-term posting updates must be individually atomic even though a
// surrounding multi-term update is not a single transaction.
type Backend interface {
	// Document operations. GetDocumentTerms returns nil only when the
	// document does not exist; a stored document whose tokens were all
	// filtered out yields an empty non-nil map.
	GetDocumentTerms(ctx context.Context, key DocKey) (map[string]int, error)
	StoreDocument(ctx context.Context, key DocKey, termFreqs map[string]int, length int) error
	DeleteDocument(ctx context.Context, key DocKey) error
	GetDocumentLength(ctx context.Context, key DocKey) (int, error)
	// GetDocumentLengths returns 0 for absent documents; partial misses
	// are not an error.
	GetDocumentLengths(ctx context.Context, collection string, docIDs []string) (map[string]int, error)

	// Term / posting-list operations.
	StoreTermPosting(ctx context.Context, collection, term, docID string, freq int) error
	RemoveTermPosting(ctx context.Context, collection, term, docID string) error
	GetTermPostings(ctx context.Context, collection, term string) (map[string]int, error)
	AllTerms(ctx context.Context, collection string) ([]string, error)
	RemoveTerm(ctx context.Context, collection, term string) error

	// Title-term operations: a smaller postings-like set per document,
	// used only for ranking boosts.
	StoreTitleTerms(ctx context.Context, key DocKey, terms []string) error
	GetTitleTerms(ctx context.Context, key DocKey) (map[string]struct{}, error)
	DeleteTitleTerms(ctx context.Context, key DocKey) error

	// Collection index and corpus metadata. Both scalar totals must stay
	// recomputable from the raw document data.
	AddToCollection(ctx context.Context, key DocKey) error
	RemoveFromCollection(ctx context.Context, key DocKey) error
	CollectionDocuments(ctx context.Context, collection string) ([]string, error)
	RefreshDocCount(ctx context.Context, collection string) error
	AddTotalLength(ctx context.Context, collection string, delta int64) error
	ResetTotalLength(ctx context.Context, collection string) error
	TotalDocCount(ctx context.Context, collection string) (int64, error)
	TotalLength(ctx context.Context, collection string) (int64, error)

	// N-gram operations backing fuzzy matching.
	StoreTermNgrams(ctx context.Context, collection, term string, ngrams []string) error
	TermHasNgrams(ctx context.Context, collection, term string) (bool, error)
	RemoveTermNgrams(ctx context.Context, collection, term string) error
	ClearNgrams(ctx context.Context, collection string) error

	// Maintenance and introspection.
	ClearCollection(ctx context.Context, collection string) error
	TermCount(ctx context.Context, collection string) (int64, error)
	StorageBytes(ctx context.Context, collection string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// SimilaritySearcher is an optional capability: n-gram Jaccard similarity
// search executed close to the data. Backends without it fall back to
// brute-force edit-distance matching over the term vocabulary.
type SimilaritySearcher interface {
	// SimilarTerms returns terms whose stored n-gram sets have Jaccard
	// similarity >= threshold with the given n-gram set, mapped to their
	// similarity score.
	SimilarTerms(ctx context.Context, collection string, ngrams []string, threshold float64) (map[string]float64, error)
}

// BulkDocument is a fully analysed document handed to the bulk write path.
type BulkDocument struct {
	DocID      string
	TermFreqs  map[string]int
	Length     int
	TitleTerms []string
	// Ngrams carries grams only for terms not yet covered in the backend.
	Ngrams map[string][]string
}

// BulkWriter is an optional fast path for rebuilds: batch-write postings,
// documents, and n-grams instead of one write per term. Only valid when
// the target documents do not already exist (i.e. into a cleared
// collection); corpus totals are left to the caller's deferred refresh.
type BulkWriter interface {
	BulkIndex(ctx context.Context, collection string, docs []BulkDocument) error
}

// Jaccard computes intersection-over-union for two set sizes and their
// intersection size. Shared by backends that score candidates client-side.
func Jaccard(shared, sizeA, sizeB int) float64 {
	union := sizeA + sizeB - shared
	if union <= 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
