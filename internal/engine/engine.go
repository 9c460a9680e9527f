// Package engine is the façade the host application talks to. It wires
// the analyzer, indexer, ranker, and rebuild coordinator over one storage
// backend, guards the query path with a circuit breaker, and emits
// operational metrics.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelsearch/kestrel/internal/fuzzy"
	"github.com/kestrelsearch/kestrel/internal/indexer"
	"github.com/kestrelsearch/kestrel/internal/ranker"
	"github.com/kestrelsearch/kestrel/internal/rebuild"
	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
	"github.com/kestrelsearch/kestrel/pkg/metrics"
	"github.com/kestrelsearch/kestrel/pkg/resilience"
	"github.com/kestrelsearch/kestrel/pkg/tracing"
)

// Stats summarises one collection's index.
type Stats struct {
	TotalDocs             int64   `json:"totalDocs"`
	TotalTerms            int64   `json:"totalTerms"`
	TotalTokens           int64   `json:"totalTokens"`
	AvgDocLength          float64 `json:"avgDocLength"`
	EstimatedStorageBytes int64   `json:"estimatedStorageBytes"`
}

// Engine exposes the public operations of the search core.
type Engine struct {
	backend     storage.Backend
	indexer     *indexer.Indexer
	ranker      *ranker.Ranker
	coordinator *rebuild.Coordinator
	breaker     *resilience.Breaker
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New assembles an engine over backend using cfg. m may be nil.
func New(backend storage.Backend, cfg *config.Config, m *metrics.Metrics) *Engine {
	ix := indexer.New(backend, cfg.Search)
	matcher := fuzzy.New(backend, cfg.Search.NgramSizes, cfg.Search.SimilarityThreshold, cfg.Search.MaxFuzzyCandidates)
	return &Engine{
		backend:     backend,
		indexer:     ix,
		ranker:      ranker.New(backend, matcher, cfg.Search, m),
		coordinator: rebuild.New(ix, backend, cfg.Rebuild, m),
		breaker:     resilience.NewBreaker("search", resilience.BreakerConfig{}),
		metrics:     m,
		logger:      slog.Default().With("component", "engine"),
	}
}

// Index analyses and stores a document. An ineligible document (enabled
// false, or a missing identity field) is skipped silently: the host
// filters drafts and disabled content, and skipping must look like
// success to its callers.
func (e *Engine) Index(ctx context.Context, collection, docID, title, body string, enabled bool) error {
	if !enabled || collection == "" || docID == "" {
		e.logger.Debug("skipping ineligible document",
			"collection", collection,
			"doc_id", docID,
			"enabled", enabled)
		return nil
	}
	err := e.indexer.Index(ctx, collection, indexer.Document{ID: docID, Title: title, Body: body})
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.DocsIndexedTotal.Inc()
	}
	return nil
}

// Remove deletes a document from the index. Removing an unknown document
// succeeds.
func (e *Engine) Remove(ctx context.Context, collection, docID string) error {
	if err := e.indexer.Remove(ctx, collection, docID); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.DocsRemovedTotal.Inc()
	}
	return nil
}

// Search runs a ranked query. The circuit breaker sheds searches while
// the backend is failing; a tripped breaker surfaces as an error, never
// as a silently empty result.
func (e *Engine) Search(ctx context.Context, collection, query string) ([]ranker.Result, error) {
	start := time.Now()
	var results []ranker.Result
	err := e.breaker.Execute(func() error {
		var searchErr error
		results, searchErr = e.ranker.Search(ctx, collection, query)
		return searchErr
	})
	if span := tracing.FromContext(ctx); span != nil {
		span.SetAttr("collection", collection)
		span.SetAttr("results", len(results))
	}
	e.observeSearch(start, results, err)
	if err != nil {
		return nil, fmt.Errorf("searching %q in %s: %w", query, collection, err)
	}
	return results, nil
}

func (e *Engine) observeSearch(start time.Time, results []ranker.Result, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.SearchLatency.Observe(time.Since(start).Seconds())
	e.metrics.BreakerState.WithLabelValues("search").Set(float64(e.breaker.State()))
	switch {
	case err != nil:
		e.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
	case len(results) == 0:
		e.metrics.SearchQueriesTotal.WithLabelValues("zero_result").Inc()
	default:
		e.metrics.SearchQueriesTotal.WithLabelValues("hit").Inc()
		e.metrics.SearchResultsCount.Observe(float64(len(results)))
	}
}

// ClearSite drops every document, term, and statistic of a collection.
func (e *Engine) ClearSite(ctx context.Context, collection string) error {
	if collection == "" {
		return fmt.Errorf("%w: collection is required", kerrors.ErrInvalidInput)
	}
	if err := e.backend.ClearCollection(ctx, collection); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.CollectionsCleared.Inc()
	}
	e.logger.Info("collection cleared", "collection", collection)
	return nil
}

// Rebuild clears the collection and repopulates it from source. See
// rebuild.Coordinator for batching and failure semantics.
func (e *Engine) Rebuild(ctx context.Context, collection string, source rebuild.DocumentSource, progress chan<- rebuild.Progress) (rebuild.Summary, error) {
	return e.coordinator.Rebuild(ctx, collection, source, progress)
}

// Stats reports collection-level figures. Storage size is the backend's
// estimate and may cover more than this collection on shared-table
// backends.
func (e *Engine) Stats(ctx context.Context, collection string) (Stats, error) {
	docs, err := e.backend.TotalDocCount(ctx, collection)
	if err != nil {
		return Stats{}, err
	}
	terms, err := e.backend.TermCount(ctx, collection)
	if err != nil {
		return Stats{}, err
	}
	tokens, err := e.backend.TotalLength(ctx, collection)
	if err != nil {
		return Stats{}, err
	}
	bytes, err := e.backend.StorageBytes(ctx, collection)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		TotalDocs:             docs,
		TotalTerms:            terms,
		TotalTokens:           tokens,
		EstimatedStorageBytes: bytes,
	}
	if docs > 0 {
		stats.AvgDocLength = float64(tokens) / float64(docs)
	}
	return stats, nil
}

// Ping verifies the backend is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.backend.Ping(ctx)
}

// Close releases backend resources.
func (e *Engine) Close() error {
	return e.backend.Close()
}
