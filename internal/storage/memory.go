package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is the process-local reference backend: plain maps guarded by a
// single RWMutex. It implements every optional capability and doubles as
// the test fake for the indexer, ranker, and rebuild coordinator.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memDocument struct {
	termFreqs  map[string]int
	length     int
	titleTerms map[string]struct{}
}

type memCollection struct {
	docs        map[string]*memDocument
	postings    map[string]map[string]int   // term -> docID -> freq
	ngramTerms  map[string]map[string]struct{} // ngram -> terms containing it
	termNgrams  map[string][]string         // term -> its grams
	members     map[string]struct{}         // collection index
	totalDocs   int64
	totalLength int64
	bytes       int64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

// peek returns the collection without creating it; read paths must not
// mutate the collections map while holding only the read lock.
func (m *Memory) peek(collection string) *memCollection {
	return m.collections[collection]
}

func (m *Memory) coll(collection string) *memCollection {
	c, ok := m.collections[collection]
	if !ok {
		c = &memCollection{
			docs:       make(map[string]*memDocument),
			postings:   make(map[string]map[string]int),
			ngramTerms: make(map[string]map[string]struct{}),
			termNgrams: make(map[string][]string),
			members:    make(map[string]struct{}),
		}
		m.collections[collection] = c
	}
	return c
}

func (m *Memory) GetDocumentTerms(ctx context.Context, key DocKey) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(key.Collection)
	if c == nil {
		return nil, nil
	}
	doc, ok := c.docs[key.DocID]
	if !ok {
		return nil, nil
	}
	out := make(map[string]int, len(doc.termFreqs))
	for term, freq := range doc.termFreqs {
		out[term] = freq
	}
	return out, nil
}

func (m *Memory) StoreDocument(ctx context.Context, key DocKey, termFreqs map[string]int, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(key.Collection)
	freqs := make(map[string]int, len(termFreqs))
	var size int64
	for term, freq := range termFreqs {
		freqs[term] = freq
		size += int64(len(term)) + 8
	}
	c.docs[key.DocID] = &memDocument{
		termFreqs:  freqs,
		length:     length,
		titleTerms: make(map[string]struct{}),
	}
	c.bytes += size + int64(len(key.DocID)) + 16
	return nil
}

func (m *Memory) DeleteDocument(ctx context.Context, key DocKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(key.Collection)
	if doc, ok := c.docs[key.DocID]; ok {
		for term := range doc.termFreqs {
			c.bytes -= int64(len(term)) + 8
		}
		c.bytes -= int64(len(key.DocID)) + 16
		delete(c.docs, key.DocID)
	}
	return nil
}

func (m *Memory) GetDocumentLength(ctx context.Context, key DocKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(key.Collection)
	if c == nil {
		return 0, nil
	}
	doc, ok := c.docs[key.DocID]
	if !ok {
		return 0, nil
	}
	return doc.length, nil
}

func (m *Memory) GetDocumentLengths(ctx context.Context, collection string, docIDs []string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(collection)
	out := make(map[string]int, len(docIDs))
	for _, id := range docIDs {
		if c == nil {
			out[id] = 0
			continue
		}
		if doc, ok := c.docs[id]; ok {
			out[id] = doc.length
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

func (m *Memory) StoreTermPosting(ctx context.Context, collection, term, docID string, freq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(collection)
	docs, ok := c.postings[term]
	if !ok {
		docs = make(map[string]int)
		c.postings[term] = docs
	}
	docs[docID] = freq
	return nil
}

func (m *Memory) RemoveTermPosting(ctx context.Context, collection, term, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(collection)
	if docs, ok := c.postings[term]; ok {
		delete(docs, docID)
	}
	return nil
}

func (m *Memory) GetTermPostings(ctx context.Context, collection, term string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(collection)
	if c == nil {
		return nil, nil
	}
	docs, ok := c.postings[term]
	if !ok {
		return nil, nil
	}
	out := make(map[string]int, len(docs))
	for id, freq := range docs {
		out[id] = freq
	}
	return out, nil
}

func (m *Memory) AllTerms(ctx context.Context, collection string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(collection)
	if c == nil {
		return nil, nil
	}
	terms := make([]string, 0, len(c.postings))
	for term, docs := range c.postings {
		if len(docs) == 0 {
			continue
		}
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms, nil
}

func (m *Memory) RemoveTerm(ctx context.Context, collection, term string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.coll(collection).postings, term)
	return nil
}

func (m *Memory) StoreTitleTerms(ctx context.Context, key DocKey, terms []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(key.Collection)
	doc, ok := c.docs[key.DocID]
	if !ok {
		doc = &memDocument{termFreqs: make(map[string]int), titleTerms: make(map[string]struct{})}
		c.docs[key.DocID] = doc
	}
	doc.titleTerms = make(map[string]struct{}, len(terms))
	for _, term := range terms {
		doc.titleTerms[term] = struct{}{}
	}
	return nil
}

func (m *Memory) GetTitleTerms(ctx context.Context, key DocKey) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(key.Collection)
	if c == nil {
		return nil, nil
	}
	doc, ok := c.docs[key.DocID]
	if !ok {
		return nil, nil
	}
	out := make(map[string]struct{}, len(doc.titleTerms))
	for term := range doc.titleTerms {
		out[term] = struct{}{}
	}
	return out, nil
}

func (m *Memory) DeleteTitleTerms(ctx context.Context, key DocKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.coll(key.Collection).docs[key.DocID]; ok {
		doc.titleTerms = make(map[string]struct{})
	}
	return nil
}

func (m *Memory) AddToCollection(ctx context.Context, key DocKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(key.Collection).members[key.DocID] = struct{}{}
	return nil
}

func (m *Memory) RemoveFromCollection(ctx context.Context, key DocKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.peek(key.Collection); c != nil {
		delete(c.members, key.DocID)
	}
	return nil
}

func (m *Memory) CollectionDocuments(ctx context.Context, collection string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(collection)
	if c == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) RefreshDocCount(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(collection)
	c.totalDocs = int64(len(c.members))
	return nil
}

func (m *Memory) AddTotalLength(ctx context.Context, collection string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(collection).totalLength += delta
	return nil
}

func (m *Memory) ResetTotalLength(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(collection).totalLength = 0
	return nil
}

func (m *Memory) TotalDocCount(ctx context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.peek(collection); c != nil {
		return c.totalDocs, nil
	}
	return 0, nil
}

func (m *Memory) TotalLength(ctx context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.peek(collection); c != nil {
		return c.totalLength, nil
	}
	return 0, nil
}

func (m *Memory) StoreTermNgrams(ctx context.Context, collection, term string, ngrams []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(collection)
	c.termNgrams[term] = append([]string(nil), ngrams...)
	for _, gram := range ngrams {
		terms, ok := c.ngramTerms[gram]
		if !ok {
			terms = make(map[string]struct{})
			c.ngramTerms[gram] = terms
		}
		terms[term] = struct{}{}
	}
	return nil
}

func (m *Memory) TermHasNgrams(ctx context.Context, collection, term string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(collection)
	if c == nil {
		return false, nil
	}
	_, ok := c.termNgrams[term]
	return ok, nil
}

func (m *Memory) RemoveTermNgrams(ctx context.Context, collection, term string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(collection)
	for _, gram := range c.termNgrams[term] {
		if terms, ok := c.ngramTerms[gram]; ok {
			delete(terms, term)
			if len(terms) == 0 {
				delete(c.ngramTerms, gram)
			}
		}
	}
	delete(c.termNgrams, term)
	return nil
}

func (m *Memory) ClearNgrams(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(collection)
	c.ngramTerms = make(map[string]map[string]struct{})
	c.termNgrams = make(map[string][]string)
	return nil
}

func (m *Memory) ClearCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *Memory) TermCount(ctx context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(collection)
	if c == nil {
		return 0, nil
	}
	var n int64
	for _, docs := range c.postings {
		if len(docs) > 0 {
			n++
		}
	}
	return n, nil
}

func (m *Memory) StorageBytes(ctx context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.peek(collection); c != nil {
		return c.bytes, nil
	}
	return 0, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// SimilarTerms scores every indexed term's n-gram set against the query
// grams and keeps those at or above the threshold.
func (m *Memory) SimilarTerms(ctx context.Context, collection string, ngrams []string, threshold float64) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.peek(collection)
	if c == nil {
		return nil, nil
	}
	shared := make(map[string]int)
	for _, gram := range ngrams {
		for term := range c.ngramTerms[gram] {
			shared[term]++
		}
	}
	out := make(map[string]float64)
	for term, n := range shared {
		score := Jaccard(n, len(ngrams), len(c.termNgrams[term]))
		if score >= threshold {
			out[term] = score
		}
	}
	return out, nil
}

// BulkIndex writes a batch of pre-analysed documents under one lock
// acquisition. Valid only into a cleared collection.
func (m *Memory) BulkIndex(ctx context.Context, collection string, docs []BulkDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.coll(collection)
	for _, d := range docs {
		freqs := make(map[string]int, len(d.TermFreqs))
		var size int64
		for term, freq := range d.TermFreqs {
			freqs[term] = freq
			size += int64(len(term)) + 8
			posted, ok := c.postings[term]
			if !ok {
				posted = make(map[string]int)
				c.postings[term] = posted
			}
			posted[d.DocID] = freq
		}
		titles := make(map[string]struct{}, len(d.TitleTerms))
		for _, term := range d.TitleTerms {
			titles[term] = struct{}{}
		}
		c.docs[d.DocID] = &memDocument{termFreqs: freqs, length: d.Length, titleTerms: titles}
		c.members[d.DocID] = struct{}{}
		c.bytes += size + int64(len(d.DocID)) + 16
		for term, grams := range d.Ngrams {
			c.termNgrams[term] = append([]string(nil), grams...)
			for _, gram := range grams {
				terms, ok := c.ngramTerms[gram]
				if !ok {
					terms = make(map[string]struct{})
					c.ngramTerms[gram] = terms
				}
				terms[term] = struct{}{}
			}
		}
	}
	return nil
}

var (
	_ Backend            = (*Memory)(nil)
	_ SimilaritySearcher = (*Memory)(nil)
	_ BulkWriter         = (*Memory)(nil)
)
