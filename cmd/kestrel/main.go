// Command kestrel is the operator CLI for the search engine: index,
// remove, search, clear, rebuild (from a JSON-lines file), and stats
// against the configured storage backend.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/kestrelsearch/kestrel/internal/engine"
	"github.com/kestrelsearch/kestrel/internal/indexer"
	"github.com/kestrelsearch/kestrel/internal/rebuild"
	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
	"github.com/kestrelsearch/kestrel/pkg/logger"
)

const usage = `Usage: kestrel [-config path] <command> [arguments]

Commands:
  index   -collection C -id ID [-title T] [-body B | -file F]
  remove  -collection C -id ID
  search  -collection C -query Q
  clear   -collection C
  rebuild -collection C -file docs.jsonl
  stats   -collection C

The rebuild file holds one JSON document per line: {"id","title","body"}.
`

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("loading config: %v", err)
	}
	logger.Setup("warn", cfg.Logging.Format)

	ctx := context.Background()
	backend, err := storage.FromConfig(ctx, cfg)
	if err != nil {
		fatal("constructing backend: %v", err)
	}
	eng := engine.New(backend, cfg, nil)
	defer eng.Close()

	command := flag.Arg(0)
	args := flag.Args()[1:]
	if err := run(ctx, eng, command, args); err != nil {
		fatal("%s: %v", command, err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func run(ctx context.Context, eng *engine.Engine, command string, args []string) error {
	switch command {
	case "index":
		return runIndex(ctx, eng, args)
	case "remove":
		return runRemove(ctx, eng, args)
	case "search":
		return runSearch(ctx, eng, args)
	case "clear":
		return runClear(ctx, eng, args)
	case "rebuild":
		return runRebuild(ctx, eng, args)
	case "stats":
		return runStats(ctx, eng, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runIndex(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	collection := fs.String("collection", "", "collection id")
	id := fs.String("id", "", "document id")
	title := fs.String("title", "", "document title")
	body := fs.String("body", "", "document body text")
	file := fs.String("file", "", "read body text from file instead of -body")
	fs.Parse(args)

	text := *body
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		text = string(data)
	}
	if err := eng.Index(ctx, *collection, *id, *title, text, true); err != nil {
		return err
	}
	fmt.Printf("indexed %s/%s\n", *collection, *id)
	return nil
}

func runRemove(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	collection := fs.String("collection", "", "collection id")
	id := fs.String("id", "", "document id")
	fs.Parse(args)

	if err := eng.Remove(ctx, *collection, *id); err != nil {
		return err
	}
	fmt.Printf("removed %s/%s\n", *collection, *id)
	return nil
}

func runSearch(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	collection := fs.String("collection", "", "collection id")
	query := fs.String("query", "", "query text")
	fs.Parse(args)

	results, err := eng.Search(ctx, *collection, *query)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for rank, res := range results {
		fmt.Printf("%3d. %-30s %.4f\n", rank+1, res.DocID, res.Score)
	}
	return nil
}

func runClear(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	collection := fs.String("collection", "", "collection id")
	fs.Parse(args)

	if err := eng.ClearSite(ctx, *collection); err != nil {
		return err
	}
	fmt.Printf("cleared %s\n", *collection)
	return nil
}

func runRebuild(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	collection := fs.String("collection", "", "collection id")
	file := fs.String("file", "", "JSON-lines document file")
	fs.Parse(args)

	docs, err := loadDocuments(*file)
	if err != nil {
		return err
	}

	progress := make(chan rebuild.Progress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			fmt.Printf("batch %d: indexed %d, failed %d\n", p.Batch, p.DocsIndexed, p.DocsFailed)
		}
	}()

	summary, err := eng.Rebuild(ctx, *collection, rebuild.NewSliceSource(docs), progress)
	close(progress)
	<-done
	if err != nil {
		return err
	}
	fmt.Printf("rebuild complete: %d batches, %d indexed, %d failed\n",
		summary.BatchesProcessed, summary.DocsIndexed, summary.DocsFailed)
	return nil
}

func loadDocuments(path string) ([]indexer.Document, error) {
	if path == "" {
		return nil, fmt.Errorf("-file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []indexer.Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var doc struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			Body  string `json:"body"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, indexer.Document{ID: doc.ID, Title: doc.Title, Body: doc.Body})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func runStats(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	collection := fs.String("collection", "", "collection id")
	fs.Parse(args)

	stats, err := eng.Stats(ctx, *collection)
	if err != nil {
		return err
	}
	fmt.Printf("documents:      %d\n", stats.TotalDocs)
	fmt.Printf("terms:          %d\n", stats.TotalTerms)
	fmt.Printf("tokens:         %d\n", stats.TotalTokens)
	fmt.Printf("avg doc length: %.2f\n", stats.AvgDocLength)
	fmt.Printf("storage bytes:  %d\n", stats.EstimatedStorageBytes)
	return nil
}
