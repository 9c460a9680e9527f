// Package ranker executes search queries against the inverted index:
// exact term lookup with fuzzy fallback, BM25 scoring with title and
// phrase boosts, and AND-intersection across query terms.
package ranker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/kestrelsearch/kestrel/internal/analyzer"
	"github.com/kestrelsearch/kestrel/internal/fuzzy"
	"github.com/kestrelsearch/kestrel/internal/storage"
	"github.com/kestrelsearch/kestrel/pkg/config"
	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
	"github.com/kestrelsearch/kestrel/pkg/metrics"
)

// Result is one ranked document.
type Result struct {
	DocID string  `json:"docId"`
	Score float64 `json:"score"`
}

// Ranker scores documents against queries. It holds no durable state;
// everything comes from the backend per query.
type Ranker struct {
	backend storage.Backend
	matcher *fuzzy.Matcher
	cfg     config.SearchConfig
	// group collapses concurrent corpus-stat reads for the same
	// collection into one backend round trip.
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a ranker. m may be nil when metrics are not wired.
func New(backend storage.Backend, matcher *fuzzy.Matcher, cfg config.SearchConfig, m *metrics.Metrics) *Ranker {
	return &Ranker{
		backend: backend,
		matcher: matcher,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "ranker"),
	}
}

type corpusStats struct {
	totalDocs int64
	avgLen    float64
}

func (r *Ranker) corpusStats(ctx context.Context, collection string) (corpusStats, error) {
	v, err, _ := r.group.Do(collection, func() (any, error) {
		docs, err := r.backend.TotalDocCount(ctx, collection)
		if err != nil {
			return corpusStats{}, err
		}
		length, err := r.backend.TotalLength(ctx, collection)
		if err != nil {
			return corpusStats{}, err
		}
		if docs < 1 {
			docs = 1
		}
		if length < 1 {
			length = 1
		}
		return corpusStats{
			totalDocs: docs,
			avgLen:    float64(length) / float64(docs),
		}, nil
	})
	if err != nil {
		return corpusStats{}, err
	}
	return v.(corpusStats), nil
}

// match is one resolved query position: the postings to score and the
// original query term used for the title-boost lookup.
type match struct {
	term     string
	postings map[string]int
}

// Search runs the full query pipeline and returns documents ordered by
// score descending, document id ascending on ties. A query with no
// surviving tokens returns an empty result, not an error.
func (r *Ranker) Search(ctx context.Context, collection, query string) ([]Result, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: collection is required", kerrors.ErrInvalidInput)
	}
	tokens := analyzer.FilterStopWords(analyzer.Tokenize(query), r.cfg.StopWordSet())
	if len(tokens) == 0 {
		return nil, nil
	}

	stats, err := r.corpusStats(ctx, collection)
	if err != nil {
		return nil, err
	}

	// Resolve every query position to postings, falling back to fuzzy
	// candidates when the exact term is absent. A position that resolves
	// to nothing empties the whole result under AND semantics.
	positions := make([][]match, 0, len(tokens))
	for _, term := range tokens {
		postings, err := r.backend.GetTermPostings(ctx, collection, term)
		if err != nil {
			return nil, err
		}
		if len(postings) > 0 {
			positions = append(positions, []match{{term: term, postings: postings}})
			continue
		}
		candidates, err := r.matcher.Match(ctx, collection, term)
		if err != nil {
			return nil, err
		}
		if r.metrics != nil {
			r.metrics.FuzzyFallbacksTotal.Inc()
		}
		var resolved []match
		for _, cand := range candidates {
			candPostings, err := r.backend.GetTermPostings(ctx, collection, cand.Term)
			if err != nil {
				return nil, err
			}
			if len(candPostings) == 0 {
				continue
			}
			// The boost lookup keeps the user's term, not the correction.
			resolved = append(resolved, match{term: term, postings: candPostings})
		}
		if len(resolved) == 0 {
			return nil, nil
		}
		positions = append(positions, resolved)
	}

	lengths, err := r.documentLengths(ctx, collection, positions)
	if err != nil {
		return nil, err
	}

	titleCache := make(map[string]map[string]struct{})
	titleTerms := func(docID string) (map[string]struct{}, error) {
		if cached, ok := titleCache[docID]; ok {
			return cached, nil
		}
		terms, err := r.backend.GetTitleTerms(ctx, storage.DocKey{Collection: collection, DocID: docID})
		if err != nil {
			return nil, err
		}
		titleCache[docID] = terms
		return terms, nil
	}

	// Accumulate BM25 contributions per position, then intersect.
	scores := make(map[string]float64)
	var qualified map[string]struct{}
	for _, resolved := range positions {
		positionDocs := make(map[string]struct{})
		for _, m := range resolved {
			df := int64(len(m.postings))
			idf := math.Log(1 + (float64(stats.totalDocs)-float64(df)+0.5)/(float64(df)+0.5))
			for docID, tf := range m.postings {
				docLen := float64(lengths[docID])
				contribution := idf * (float64(tf) * (r.cfg.K1 + 1)) /
					(float64(tf) + r.cfg.K1*(1-r.cfg.B+r.cfg.B*docLen/stats.avgLen))
				titles, err := titleTerms(docID)
				if err != nil {
					return nil, err
				}
				if _, inTitle := titles[m.term]; inTitle {
					contribution *= r.cfg.TitleBoost
				}
				scores[docID] += contribution
				positionDocs[docID] = struct{}{}
			}
		}
		if qualified == nil {
			qualified = positionDocs
			continue
		}
		for docID := range qualified {
			if _, ok := positionDocs[docID]; !ok {
				delete(qualified, docID)
			}
		}
		if len(qualified) == 0 {
			return nil, nil
		}
	}

	results := make([]Result, 0, len(qualified))
	for docID := range qualified {
		score := scores[docID]
		if len(tokens) > 1 {
			boosted, err := r.phraseBoost(ctx, collection, docID, tokens)
			if err != nil {
				return nil, err
			}
			if boosted {
				score *= r.cfg.ExactMatchBoost
			}
		}
		results = append(results, Result{DocID: docID, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if r.cfg.MaxResults > 0 && len(results) > r.cfg.MaxResults {
		results = results[:r.cfg.MaxResults]
	}
	r.logger.Debug("search executed",
		"collection", collection,
		"terms", len(tokens),
		"results", len(results))
	return results, nil
}

// documentLengths batch-fetches lengths for every document any position
// matched. Absent documents read as zero and score with maximal length
// normalisation, which is harmless because their postings are gone too.
func (r *Ranker) documentLengths(ctx context.Context, collection string, positions [][]match) (map[string]int, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, resolved := range positions {
		for _, m := range resolved {
			for docID := range m.postings {
				if _, dup := seen[docID]; dup {
					continue
				}
				seen[docID] = struct{}{}
				ids = append(ids, docID)
			}
		}
	}
	if len(ids) == 0 {
		return map[string]int{}, nil
	}
	return r.backend.GetDocumentLengths(ctx, collection, ids)
}

// phraseBoost reports whether every filtered query token occurs in the
// document's stored term set. This is term-set containment, not
// positional adjacency: out-of-order occurrences still qualify. No
// position index is maintained, so this stays an approximation.
func (r *Ranker) phraseBoost(ctx context.Context, collection, docID string, tokens []string) (bool, error) {
	docTerms, err := r.backend.GetDocumentTerms(ctx, storage.DocKey{Collection: collection, DocID: docID})
	if err != nil {
		return false, err
	}
	for _, tok := range tokens {
		if _, ok := docTerms[tok]; !ok {
			return false, nil
		}
	}
	return true, nil
}
