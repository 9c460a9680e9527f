// Package rebuild clears and repopulates a whole collection from an
// external document source in bounded-size batches, deferring corpus
// statistics maintenance until the pass completes.
package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelsearch/kestrel/internal/indexer"
	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
	"github.com/kestrelsearch/kestrel/pkg/metrics"
)

// DocumentSource streams documents for a rebuild. Next returns up to
// limit documents; an empty page means the source is exhausted.
type DocumentSource interface {
	Next(ctx context.Context, limit int) ([]indexer.Document, error)
}

// SliceSource serves a fixed document slice, mostly for tests and
// one-shot imports.
type SliceSource struct {
	mu   sync.Mutex
	docs []indexer.Document
}

// NewSliceSource wraps docs in a DocumentSource.
func NewSliceSource(docs []indexer.Document) *SliceSource {
	return &SliceSource{docs: docs}
}

func (s *SliceSource) Next(_ context.Context, limit int) ([]indexer.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.docs) == 0 {
		return nil, nil
	}
	if limit > len(s.docs) {
		limit = len(s.docs)
	}
	page := s.docs[:limit]
	s.docs = s.docs[limit:]
	return page, nil
}

// Progress is one batch's outcome, streamed to the caller while the
// rebuild runs.
type Progress struct {
	Batch       int `json:"batch"`
	DocsIndexed int `json:"docsIndexed"`
	DocsFailed  int `json:"docsFailed"`
}

// Summary totals a completed (or aborted) rebuild pass.
type Summary struct {
	BatchesProcessed int `json:"batchesProcessed"`
	DocsIndexed      int `json:"docsIndexed"`
	DocsFailed       int `json:"docsFailed"`
}

// Coordinator drives rebuild passes through an indexer.
type Coordinator struct {
	indexer     *indexer.Indexer
	backend     storage.Backend
	batchSize   int
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New builds a coordinator. m may be nil when metrics are not wired.
func New(ix *indexer.Indexer, backend storage.Backend, cfg config.RebuildConfig, m *metrics.Metrics) *Coordinator {
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		indexer:     ix,
		backend:     backend,
		batchSize:   batchSize,
		concurrency: concurrency,
		metrics:     m,
		logger:      slog.Default().With("component", "rebuild"),
	}
}

// Rebuild clears collection and repopulates it from source. Individual
// document failures are logged and counted without aborting the pass; a
// source failure or context cancellation stops it. progress may be nil;
// when set, one Progress is sent per batch and the caller must drain it.
// Bulk statistics mode is always switched off again, even on failure, and
// a completed pass ends with the corpus totals recomputed from storage.
func (c *Coordinator) Rebuild(ctx context.Context, collection string, source DocumentSource, progress chan<- Progress) (Summary, error) {
	if collection == "" || source == nil {
		return Summary{}, fmt.Errorf("%w: collection and source are required", kerrors.ErrInvalidInput)
	}
	var summary Summary
	defer c.indexer.SetBulkMode(false)

	if err := c.backend.ClearCollection(ctx, collection); err != nil {
		return summary, fmt.Errorf("clearing collection %s: %w", collection, err)
	}
	c.indexer.SetBulkMode(true)

	_, bulkCapable := c.backend.(storage.BulkWriter)
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		docs, err := source.Next(ctx, c.batchSize)
		if err != nil {
			return summary, fmt.Errorf("fetching rebuild batch %d: %w", summary.BatchesProcessed+1, err)
		}
		if len(docs) == 0 {
			break
		}

		indexed, failed := c.processBatch(ctx, collection, docs, bulkCapable)
		summary.BatchesProcessed++
		summary.DocsIndexed += indexed
		summary.DocsFailed += failed

		status := "ok"
		if failed > 0 {
			status = "partial"
		}
		if c.metrics != nil {
			c.metrics.RebuildBatchesTotal.WithLabelValues(status).Inc()
			c.metrics.RebuildFailuresTotal.Add(float64(failed))
		}
		if progress != nil {
			select {
			case progress <- Progress{Batch: summary.BatchesProcessed, DocsIndexed: indexed, DocsFailed: failed}:
			case <-ctx.Done():
				return summary, ctx.Err()
			}
		}
	}

	c.indexer.SetBulkMode(false)
	if err := c.indexer.RefreshTotals(ctx, collection); err != nil {
		return summary, fmt.Errorf("refreshing totals for %s: %w", collection, err)
	}
	c.logger.Info("rebuild completed",
		"collection", collection,
		"batches", summary.BatchesProcessed,
		"indexed", summary.DocsIndexed,
		"failed", summary.DocsFailed)
	return summary, nil
}

// processBatch indexes one page. Bulk-capable backends take the whole
// page in one write; if that write fails the page falls back to
// per-document indexing so individual failures can be isolated. The
// per-document path runs with bounded concurrency.
func (c *Coordinator) processBatch(ctx context.Context, collection string, docs []indexer.Document, bulkCapable bool) (indexed, failed int) {
	if bulkCapable {
		if err := c.indexer.IndexBatch(ctx, collection, docs); err == nil {
			return len(docs), 0
		} else {
			c.logger.Warn("bulk batch write failed, retrying per document",
				"collection", collection,
				"batch_size", len(docs),
				"error", err)
		}
	}

	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, doc := range docs {
		g.Go(func() error {
			if err := c.indexer.Index(gctx, collection, doc); err != nil {
				failures.Add(1)
				c.logger.Error("failed to index document during rebuild",
					"collection", collection,
					"doc_id", doc.ID,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	failed = int(failures.Load())
	return len(docs) - failed, failed
}
