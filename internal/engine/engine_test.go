package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelsearch/kestrel/internal/rebuild"
	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
	"github.com/kestrelsearch/kestrel/pkg/metrics"
)

func newTestEngine() *Engine {
	cfg := &config.Config{
		Search:  config.DefaultSearchConfig(),
		Rebuild: config.RebuildConfig{BatchSize: 4, Concurrency: 2},
	}
	m := metrics.New(prometheus.NewRegistry())
	return New(storage.NewMemory(), cfg, m)
}

func TestEngineIndexAndSearch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if err := e.Index(ctx, "shop", "1", "Red Bicycle", "A red bicycle for sale", true); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := e.Index(ctx, "shop", "2", "Blue Car", "A blue car for sale", true); err != nil {
		t.Fatalf("Index: %v", err)
	}

	results, err := e.Search(ctx, "shop", "bicycle")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].DocID != "1" {
		t.Fatalf("results = %v, want only doc 1", results)
	}
}

func TestEngineSkipsIneligibleDocuments(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	// Disabled documents and missing identity fields succeed without
	// touching the index.
	if err := e.Index(ctx, "shop", "1", "Hidden", "secret draft", false); err != nil {
		t.Fatalf("Index disabled: %v", err)
	}
	if err := e.Index(ctx, "shop", "", "No ID", "text", true); err != nil {
		t.Fatalf("Index without id: %v", err)
	}

	stats, err := e.Stats(ctx, "shop")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalDocs != 0 {
		t.Errorf("TotalDocs = %d, want 0", stats.TotalDocs)
	}
	results, err := e.Search(ctx, "shop", "secret")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("ineligible document is searchable: %v", results)
	}
}

func TestEngineClearSiteResetsStats(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	for _, id := range []string{"a", "b"} {
		if err := e.Index(ctx, "site", id, "", "some indexed words", true); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}
	if err := e.ClearSite(ctx, "site"); err != nil {
		t.Fatalf("ClearSite: %v", err)
	}

	stats, err := e.Stats(ctx, "site")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalDocs != 0 || stats.TotalTokens != 0 || stats.TotalTerms != 0 {
		t.Errorf("stats after clear = %+v, want all zero", stats)
	}
}

func TestEngineStats(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if err := e.Index(ctx, "site", "a", "", "one two three four", true); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := e.Index(ctx, "site", "b", "", "one two", true); err != nil {
		t.Fatalf("Index: %v", err)
	}

	stats, err := e.Stats(ctx, "site")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalDocs != 2 {
		t.Errorf("TotalDocs = %d, want 2", stats.TotalDocs)
	}
	if stats.TotalTokens != 6 {
		t.Errorf("TotalTokens = %d, want 6", stats.TotalTokens)
	}
	if stats.TotalTerms != 4 {
		t.Errorf("TotalTerms = %d, want 4", stats.TotalTerms)
	}
	if stats.AvgDocLength != 3 {
		t.Errorf("AvgDocLength = %f, want 3", stats.AvgDocLength)
	}
}

func TestEngineRebuild(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if err := e.Index(ctx, "site", "stale", "", "old content", true); err != nil {
		t.Fatalf("Index: %v", err)
	}
	summary, err := e.Rebuild(ctx, "site", rebuild.NewSliceSource(nil), nil)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if summary.DocsIndexed != 0 {
		t.Errorf("summary = %+v, want empty rebuild", summary)
	}
	stats, err := e.Stats(ctx, "site")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalDocs != 0 {
		t.Errorf("TotalDocs = %d after rebuild from empty source, want 0", stats.TotalDocs)
	}
}
