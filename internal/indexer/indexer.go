// Package indexer maintains the inverted index: it analyses documents,
// writes postings and per-document state through a storage backend, and
// keeps corpus-level statistics consistent with the document set.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kestrelsearch/kestrel/internal/analyzer"
	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
)

// Document is the unit of ingestion. Title and Body are analysed
// separately; title terms additionally feed the ranking boost.
type Document struct {
	ID    string
	Title string
	Body  string
}

// Indexer writes analysed documents into a backend.
type Indexer struct {
	backend    storage.Backend
	stopWords  map[string]struct{}
	ngramSizes []int
	// bulkMode defers the per-write document-count refresh; rebuilds
	// toggle it around their batch loop.
	bulkMode atomic.Bool
	logger   *slog.Logger
}

// New builds an indexer using the analysis settings from cfg.
func New(backend storage.Backend, cfg config.SearchConfig) *Indexer {
	return &Indexer{
		backend:    backend,
		stopWords:  cfg.StopWordSet(),
		ngramSizes: cfg.NgramSizes,
		logger:     slog.Default().With("component", "indexer"),
	}
}

// SetBulkMode toggles deferred statistics maintenance. While enabled,
// Index and Remove skip the document-count refresh; the caller must call
// RefreshTotals when the bulk operation finishes.
func (ix *Indexer) SetBulkMode(enabled bool) {
	ix.bulkMode.Store(enabled)
}

// analyse tokenises a document and returns its combined term
// frequencies, total token count, and unique title terms.
func (ix *Indexer) analyse(doc Document) (map[string]int, int, []string) {
	titleTokens := analyzer.FilterStopWords(analyzer.Tokenize(doc.Title), ix.stopWords)
	bodyTokens := analyzer.FilterStopWords(analyzer.Tokenize(doc.Body), ix.stopWords)

	tokens := make([]string, 0, len(titleTokens)+len(bodyTokens))
	tokens = append(tokens, titleTokens...)
	tokens = append(tokens, bodyTokens...)

	seen := make(map[string]struct{}, len(titleTokens))
	titleTerms := make([]string, 0, len(titleTokens))
	for _, tok := range titleTokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		titleTerms = append(titleTerms, tok)
	}
	return analyzer.TermFrequencies(tokens), len(tokens), titleTerms
}

// Index analyses doc and writes it into collection, replacing any
// previous version of the same document. Re-indexing identical content
// leaves the index unchanged.
func (ix *Indexer) Index(ctx context.Context, collection string, doc Document) error {
	if collection == "" || doc.ID == "" {
		return fmt.Errorf("%w: collection and document id are required", kerrors.ErrInvalidInput)
	}
	key := storage.DocKey{Collection: collection, DocID: doc.ID}
	freqs, length, titleTerms := ix.analyse(doc)

	oldTerms, err := ix.backend.GetDocumentTerms(ctx, key)
	if err != nil {
		return err
	}
	oldLen := 0
	if oldTerms != nil {
		oldLen, err = ix.backend.GetDocumentLength(ctx, key)
		if err != nil {
			return err
		}
	}

	// Drop postings for terms the new version no longer contains, then
	// garbage-collect terms left with no documents.
	for term := range oldTerms {
		if _, still := freqs[term]; still {
			continue
		}
		if err := ix.backend.RemoveTermPosting(ctx, collection, term, doc.ID); err != nil {
			return err
		}
		if err := ix.collectOrphan(ctx, collection, term); err != nil {
			return err
		}
	}

	if err := ix.backend.StoreDocument(ctx, key, freqs, length); err != nil {
		return err
	}
	if err := ix.backend.StoreTitleTerms(ctx, key, titleTerms); err != nil {
		return err
	}
	for term, freq := range freqs {
		if err := ix.backend.StoreTermPosting(ctx, collection, term, doc.ID, freq); err != nil {
			return err
		}
		if err := ix.ensureNgrams(ctx, collection, term); err != nil {
			return err
		}
	}
	if err := ix.backend.AddToCollection(ctx, key); err != nil {
		return err
	}
	if err := ix.backend.AddTotalLength(ctx, collection, int64(length-oldLen)); err != nil {
		return err
	}
	if !ix.bulkMode.Load() {
		if err := ix.backend.RefreshDocCount(ctx, collection); err != nil {
			return err
		}
	}
	ix.logger.Debug("document indexed",
		"collection", collection,
		"doc_id", doc.ID,
		"terms", len(freqs),
		"length", length)
	return nil
}

// ensureNgrams writes the term's n-grams unless a previous document
// already did, keeping gram generation idempotent per term.
func (ix *Indexer) ensureNgrams(ctx context.Context, collection, term string) error {
	has, err := ix.backend.TermHasNgrams(ctx, collection, term)
	if err != nil || has {
		return err
	}
	return ix.backend.StoreTermNgrams(ctx, collection, term, analyzer.Ngrams(term, ix.ngramSizes))
}

// collectOrphan removes a term's vocabulary entry and n-grams once its
// posting list is empty.
func (ix *Indexer) collectOrphan(ctx context.Context, collection, term string) error {
	postings, err := ix.backend.GetTermPostings(ctx, collection, term)
	if err != nil || len(postings) > 0 {
		return err
	}
	if err := ix.backend.RemoveTerm(ctx, collection, term); err != nil {
		return err
	}
	return ix.backend.RemoveTermNgrams(ctx, collection, term)
}

// Remove deletes a document and every posting referencing it. Removing
// an unknown document is a no-op.
func (ix *Indexer) Remove(ctx context.Context, collection, docID string) error {
	if collection == "" || docID == "" {
		return fmt.Errorf("%w: collection and document id are required", kerrors.ErrInvalidInput)
	}
	key := storage.DocKey{Collection: collection, DocID: docID}
	terms, err := ix.backend.GetDocumentTerms(ctx, key)
	if err != nil {
		return err
	}
	// A document stored with no terms (all tokens filtered out) still
	// owns a length record and a collection-index entry, so removal runs
	// to the end even when the term map is nil or empty. Every step is
	// idempotent for a document that never existed.
	length, err := ix.backend.GetDocumentLength(ctx, key)
	if err != nil {
		return err
	}

	for term := range terms {
		if err := ix.backend.RemoveTermPosting(ctx, collection, term, docID); err != nil {
			return err
		}
		if err := ix.collectOrphan(ctx, collection, term); err != nil {
			return err
		}
	}
	if err := ix.backend.DeleteTitleTerms(ctx, key); err != nil {
		return err
	}
	if err := ix.backend.DeleteDocument(ctx, key); err != nil {
		return err
	}
	if err := ix.backend.RemoveFromCollection(ctx, key); err != nil {
		return err
	}
	if err := ix.backend.AddTotalLength(ctx, collection, -int64(length)); err != nil {
		return err
	}
	if !ix.bulkMode.Load() {
		if err := ix.backend.RefreshDocCount(ctx, collection); err != nil {
			return err
		}
	}
	ix.logger.Debug("document removed", "collection", collection, "doc_id", docID)
	return nil
}

// ClearCollection drops every document, posting, and statistic for the
// collection.
func (ix *Indexer) ClearCollection(ctx context.Context, collection string) error {
	if collection == "" {
		return fmt.Errorf("%w: collection is required", kerrors.ErrInvalidInput)
	}
	return ix.backend.ClearCollection(ctx, collection)
}

// IndexBatch writes a batch of documents. When the backend supports bulk
// writes and bulk mode is on, the whole batch goes down the fast path;
// otherwise documents are indexed one by one. The fast path assumes the
// target collection holds no prior versions of these documents.
func (ix *Indexer) IndexBatch(ctx context.Context, collection string, docs []Document) error {
	writer, ok := ix.backend.(storage.BulkWriter)
	if !ok || !ix.bulkMode.Load() {
		for _, doc := range docs {
			if err := ix.Index(ctx, collection, doc); err != nil {
				return fmt.Errorf("indexing %s: %w", doc.ID, err)
			}
		}
		return nil
	}

	bulk := make([]storage.BulkDocument, 0, len(docs))
	gramsDone := make(map[string]struct{})
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("%w: document id is required", kerrors.ErrInvalidInput)
		}
		freqs, length, titleTerms := ix.analyse(doc)
		grams := make(map[string][]string)
		for term := range freqs {
			if _, done := gramsDone[term]; done {
				continue
			}
			has, err := ix.backend.TermHasNgrams(ctx, collection, term)
			if err != nil {
				return err
			}
			gramsDone[term] = struct{}{}
			if !has {
				grams[term] = analyzer.Ngrams(term, ix.ngramSizes)
			}
		}
		bulk = append(bulk, storage.BulkDocument{
			DocID:      doc.ID,
			TermFreqs:  freqs,
			Length:     length,
			TitleTerms: titleTerms,
			Ngrams:     grams,
		})
	}
	if err := writer.BulkIndex(ctx, collection, bulk); err != nil {
		return err
	}
	var added int64
	for _, doc := range bulk {
		added += int64(doc.Length)
	}
	return ix.backend.AddTotalLength(ctx, collection, added)
}

// RefreshTotals recomputes the collection's document count and total
// token length from the stored documents. Called after bulk operations
// that deferred statistics maintenance.
func (ix *Indexer) RefreshTotals(ctx context.Context, collection string) error {
	if err := ix.backend.RefreshDocCount(ctx, collection); err != nil {
		return err
	}
	docIDs, err := ix.backend.CollectionDocuments(ctx, collection)
	if err != nil {
		return err
	}
	lengths, err := ix.backend.GetDocumentLengths(ctx, collection, docIDs)
	if err != nil {
		return err
	}
	var total int64
	for _, l := range lengths {
		total += int64(l)
	}
	if err := ix.backend.ResetTotalLength(ctx, collection); err != nil {
		return err
	}
	return ix.backend.AddTotalLength(ctx, collection, total)
}
