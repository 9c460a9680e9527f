// Package fuzzy finds indexed terms close to a query term that produced no
// exact match. It prefers backend-side n-gram similarity search and falls
// back to edit-distance scanning over the vocabulary when the backend
// cannot score candidates itself.
package fuzzy

import (
	"context"
	"log/slog"
	"sort"

	"github.com/kestrelsearch/kestrel/internal/analyzer"
	"github.com/kestrelsearch/kestrel/internal/storage"
)

// maxEditDistance bounds the fallback scan. Anything further than two
// edits from the query term is noise at typical term lengths.
const maxEditDistance = 2

// Candidate is an indexed term considered a plausible correction.
type Candidate struct {
	// Term is the indexed term to search with instead.
	Term string
	// Score is in (0, 1]; higher is closer.
	Score float64
}

// Matcher resolves unmatched query terms against a collection vocabulary.
type Matcher struct {
	backend       storage.Backend
	sizes         []int
	baseThreshold float64
	maxCandidates int
	logger        *slog.Logger
}

// New builds a matcher. sizes are the n-gram sizes also used at index
// time; baseThreshold is the similarity floor for full-length terms.
func New(backend storage.Backend, sizes []int, baseThreshold float64, maxCandidates int) *Matcher {
	return &Matcher{
		backend:       backend,
		sizes:         sizes,
		baseThreshold: baseThreshold,
		maxCandidates: maxCandidates,
		logger:        slog.Default().With("component", "fuzzy"),
	}
}

// threshold scales the base similarity floor down for short terms. A
// two-character term shares very few grams even with a one-edit
// neighbour, so the floor has to drop with term length.
func (m *Matcher) threshold(termLen int) float64 {
	switch {
	case termLen <= 2:
		return m.baseThreshold * 0.3
	case termLen == 3:
		return m.baseThreshold * 0.5
	case termLen == 4:
		return m.baseThreshold * 0.7
	default:
		return m.baseThreshold
	}
}

// Match returns up to maxCandidates indexed terms similar to term, best
// first. Ties break on term order so results are deterministic. An empty
// result is not an error.
func (m *Matcher) Match(ctx context.Context, collection, term string) ([]Candidate, error) {
	termLen := len([]rune(term))
	if termLen == 0 {
		return nil, nil
	}
	floor := m.threshold(termLen)

	var scored map[string]float64
	if searcher, ok := m.backend.(storage.SimilaritySearcher); ok {
		grams := analyzer.Ngrams(term, m.sizes)
		matches, err := searcher.SimilarTerms(ctx, collection, grams, floor)
		if err != nil {
			return nil, err
		}
		scored = matches
	} else {
		matches, err := m.scanVocabulary(ctx, collection, term, floor)
		if err != nil {
			return nil, err
		}
		scored = matches
	}
	if len(scored) == 0 {
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(scored))
	for t, score := range scored {
		if t == term {
			continue
		}
		candidates = append(candidates, Candidate{Term: t, Score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Term < candidates[j].Term
	})
	if len(candidates) > m.maxCandidates {
		candidates = candidates[:m.maxCandidates]
	}
	m.logger.Debug("fuzzy candidates resolved",
		"collection", collection,
		"term", term,
		"candidates", len(candidates))
	return candidates, nil
}

// scanVocabulary is the fallback for backends without similarity search:
// load every term and keep those within maxEditDistance edits. Similarity
// is 1 - distance/maxLen so the ordering stays comparable with the n-gram
// path.
func (m *Matcher) scanVocabulary(ctx context.Context, collection, term string, floor float64) (map[string]float64, error) {
	terms, err := m.backend.AllTerms(ctx, collection)
	if err != nil {
		return nil, err
	}
	queryRunes := []rune(term)
	scored := make(map[string]float64)
	for _, candidate := range terms {
		candRunes := []rune(candidate)
		// Length gap alone already exceeds the edit bound.
		if diff := len(candRunes) - len(queryRunes); diff > maxEditDistance || diff < -maxEditDistance {
			continue
		}
		dist := levenshtein(queryRunes, candRunes)
		if dist > maxEditDistance {
			continue
		}
		maxLen := len(queryRunes)
		if len(candRunes) > maxLen {
			maxLen = len(candRunes)
		}
		if maxLen == 0 {
			continue
		}
		score := 1 - float64(dist)/float64(maxLen)
		if score >= floor {
			scored[candidate] = score
		}
	}
	return scored, nil
}

// levenshtein computes edit distance with the classic two-row dynamic
// program.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
