package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
	"github.com/kestrelsearch/kestrel/pkg/redis"
)

// Redis implements Backend over a key/value and set layout:
//
//	ks:{coll}:doc:{id}:tf     hash  term -> freq
//	ks:{coll}:doc:{id}:len    string int
//	ks:{coll}:doc:{id}:title  set   title terms
//	ks:{coll}:docs            set   document ids
//	ks:{coll}:term:{t}        hash  docID -> freq
//	ks:{coll}:terms           set   live terms
//	ks:{coll}:ngram:{g}       set   terms containing g
//	ks:{coll}:ngramcard       hash  term -> gram cardinality
//	ks:{coll}:meta            hash  total_docs, total_length
//
// Hash-field sets keep each per-term posting update atomic; the totals
// move only by HINCRBY.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis wraps an established Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		logger: slog.Default().With("component", "redis-backend"),
	}
}

func (r *Redis) rdb() *goredis.Client { return r.client.RDB() }

func rkDocTF(key DocKey) string    { return "ks:" + key.Collection + ":doc:" + key.DocID + ":tf" }
func rkDocLen(key DocKey) string   { return "ks:" + key.Collection + ":doc:" + key.DocID + ":len" }
func rkDocTitle(key DocKey) string { return "ks:" + key.Collection + ":doc:" + key.DocID + ":title" }
func rkDocs(coll string) string    { return "ks:" + coll + ":docs" }
func rkTerm(coll, term string) string  { return "ks:" + coll + ":term:" + term }
func rkTerms(coll string) string       { return "ks:" + coll + ":terms" }
func rkNgram(coll, gram string) string { return "ks:" + coll + ":ngram:" + gram }
func rkNgramCard(coll string) string   { return "ks:" + coll + ":ngramcard" }
func rkMeta(coll string) string        { return "ks:" + coll + ":meta" }

func (r *Redis) wrap(op, key string, err error) error {
	if err == nil || redis.IsNilError(err) {
		return nil
	}
	// Network and server failures are worth retrying at the call site.
	return kerrors.Unavailable(op, key, err)
}

func (r *Redis) GetDocumentTerms(ctx context.Context, key DocKey) (map[string]int, error) {
	fields, err := r.rdb().HGetAll(ctx, rkDocTF(key)).Result()
	if err != nil {
		return nil, r.wrap("get_document_terms", key.String(), err)
	}
	if len(fields) == 0 {
		// An empty hash is indistinguishable from a missing one; the
		// length key decides whether the document itself exists.
		exists, err := r.rdb().Exists(ctx, rkDocLen(key)).Result()
		if err != nil {
			return nil, r.wrap("get_document_terms", key.String(), err)
		}
		if exists == 0 {
			return nil, nil
		}
		return map[string]int{}, nil
	}
	out := make(map[string]int, len(fields))
	for term, raw := range fields {
		freq, convErr := strconv.Atoi(raw)
		if convErr != nil {
			// Treat the field as absent rather than failing the read.
			r.logger.Warn("corrupt term frequency", "key", key.String(), "term", term, "value", raw)
			continue
		}
		out[term] = freq
	}
	return out, nil
}

func (r *Redis) StoreDocument(ctx context.Context, key DocKey, termFreqs map[string]int, length int) error {
	pipe := r.rdb().TxPipeline()
	pipe.Del(ctx, rkDocTF(key))
	if len(termFreqs) > 0 {
		fields := make(map[string]interface{}, len(termFreqs))
		for term, freq := range termFreqs {
			fields[term] = freq
		}
		pipe.HSet(ctx, rkDocTF(key), fields)
	}
	pipe.Set(ctx, rkDocLen(key), length, 0)
	_, err := pipe.Exec(ctx)
	return r.wrap("store_document", key.String(), err)
}

func (r *Redis) DeleteDocument(ctx context.Context, key DocKey) error {
	err := r.rdb().Del(ctx, rkDocTF(key), rkDocLen(key)).Err()
	return r.wrap("delete_document", key.String(), err)
}

func (r *Redis) GetDocumentLength(ctx context.Context, key DocKey) (int, error) {
	raw, err := r.rdb().Get(ctx, rkDocLen(key)).Result()
	if redis.IsNilError(err) {
		return 0, nil
	}
	if err != nil {
		return 0, r.wrap("get_document_length", key.String(), err)
	}
	length, convErr := strconv.Atoi(raw)
	if convErr != nil {
		r.logger.Warn("corrupt document length", "key", key.String(), "value", raw)
		return 0, nil
	}
	return length, nil
}

func (r *Redis) GetDocumentLengths(ctx context.Context, collection string, docIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(docIDs))
	if len(docIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(docIDs))
	for i, id := range docIDs {
		keys[i] = rkDocLen(DocKey{Collection: collection, DocID: id})
	}
	values, err := r.rdb().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, r.wrap("get_document_lengths", collection, err)
	}
	for i, v := range values {
		out[docIDs[i]] = 0
		if s, ok := v.(string); ok {
			if length, convErr := strconv.Atoi(s); convErr == nil {
				out[docIDs[i]] = length
			}
		}
	}
	return out, nil
}

func (r *Redis) StoreTermPosting(ctx context.Context, collection, term, docID string, freq int) error {
	pipe := r.rdb().TxPipeline()
	pipe.HSet(ctx, rkTerm(collection, term), docID, freq)
	pipe.SAdd(ctx, rkTerms(collection), term)
	_, err := pipe.Exec(ctx)
	return r.wrap("store_term_posting", collection+"/"+term, err)
}

func (r *Redis) RemoveTermPosting(ctx context.Context, collection, term, docID string) error {
	err := r.rdb().HDel(ctx, rkTerm(collection, term), docID).Err()
	return r.wrap("remove_term_posting", collection+"/"+term, err)
}

func (r *Redis) GetTermPostings(ctx context.Context, collection, term string) (map[string]int, error) {
	fields, err := r.rdb().HGetAll(ctx, rkTerm(collection, term)).Result()
	if err != nil {
		return nil, r.wrap("get_term_postings", collection+"/"+term, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(fields))
	for id, raw := range fields {
		if freq, convErr := strconv.Atoi(raw); convErr == nil {
			out[id] = freq
		}
	}
	return out, nil
}

func (r *Redis) AllTerms(ctx context.Context, collection string) ([]string, error) {
	terms, err := r.rdb().SMembers(ctx, rkTerms(collection)).Result()
	return terms, r.wrap("all_terms", collection, err)
}

func (r *Redis) RemoveTerm(ctx context.Context, collection, term string) error {
	pipe := r.rdb().TxPipeline()
	pipe.Del(ctx, rkTerm(collection, term))
	pipe.SRem(ctx, rkTerms(collection), term)
	_, err := pipe.Exec(ctx)
	return r.wrap("remove_term", collection+"/"+term, err)
}

func (r *Redis) StoreTitleTerms(ctx context.Context, key DocKey, terms []string) error {
	pipe := r.rdb().TxPipeline()
	pipe.Del(ctx, rkDocTitle(key))
	if len(terms) > 0 {
		members := make([]interface{}, len(terms))
		for i, term := range terms {
			members[i] = term
		}
		pipe.SAdd(ctx, rkDocTitle(key), members...)
	}
	_, err := pipe.Exec(ctx)
	return r.wrap("store_title_terms", key.String(), err)
}

func (r *Redis) GetTitleTerms(ctx context.Context, key DocKey) (map[string]struct{}, error) {
	members, err := r.rdb().SMembers(ctx, rkDocTitle(key)).Result()
	if err != nil {
		return nil, r.wrap("get_title_terms", key.String(), err)
	}
	out := make(map[string]struct{}, len(members))
	for _, term := range members {
		out[term] = struct{}{}
	}
	return out, nil
}

func (r *Redis) DeleteTitleTerms(ctx context.Context, key DocKey) error {
	err := r.rdb().Del(ctx, rkDocTitle(key)).Err()
	return r.wrap("delete_title_terms", key.String(), err)
}

func (r *Redis) AddToCollection(ctx context.Context, key DocKey) error {
	err := r.rdb().SAdd(ctx, rkDocs(key.Collection), key.DocID).Err()
	return r.wrap("add_to_collection", key.String(), err)
}

func (r *Redis) RemoveFromCollection(ctx context.Context, key DocKey) error {
	err := r.rdb().SRem(ctx, rkDocs(key.Collection), key.DocID).Err()
	return r.wrap("remove_from_collection", key.String(), err)
}

func (r *Redis) CollectionDocuments(ctx context.Context, collection string) ([]string, error) {
	ids, err := r.rdb().SMembers(ctx, rkDocs(collection)).Result()
	return ids, r.wrap("collection_documents", collection, err)
}

func (r *Redis) RefreshDocCount(ctx context.Context, collection string) error {
	count, err := r.rdb().SCard(ctx, rkDocs(collection)).Result()
	if err != nil {
		return r.wrap("refresh_doc_count", collection, err)
	}
	err = r.rdb().HSet(ctx, rkMeta(collection), "total_docs", count).Err()
	return r.wrap("refresh_doc_count", collection, err)
}

func (r *Redis) AddTotalLength(ctx context.Context, collection string, delta int64) error {
	err := r.rdb().HIncrBy(ctx, rkMeta(collection), "total_length", delta).Err()
	return r.wrap("add_total_length", collection, err)
}

func (r *Redis) ResetTotalLength(ctx context.Context, collection string) error {
	err := r.rdb().HSet(ctx, rkMeta(collection), "total_length", 0).Err()
	return r.wrap("reset_total_length", collection, err)
}

func (r *Redis) metaInt(ctx context.Context, collection, field string) (int64, error) {
	raw, err := r.rdb().HGet(ctx, rkMeta(collection), field).Result()
	if redis.IsNilError(err) {
		return 0, nil
	}
	if err != nil {
		return 0, r.wrap("get_meta", collection+"/"+field, err)
	}
	n, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil {
		r.logger.Warn("corrupt meta counter", "collection", collection, "field", field, "value", raw)
		return 0, nil
	}
	return n, nil
}

func (r *Redis) TotalDocCount(ctx context.Context, collection string) (int64, error) {
	return r.metaInt(ctx, collection, "total_docs")
}

func (r *Redis) TotalLength(ctx context.Context, collection string) (int64, error) {
	return r.metaInt(ctx, collection, "total_length")
}

func (r *Redis) StoreTermNgrams(ctx context.Context, collection, term string, ngrams []string) error {
	pipe := r.rdb().TxPipeline()
	for _, gram := range ngrams {
		pipe.SAdd(ctx, rkNgram(collection, gram), term)
	}
	pipe.HSet(ctx, rkNgramCard(collection), term, len(ngrams))
	_, err := pipe.Exec(ctx)
	return r.wrap("store_term_ngrams", collection+"/"+term, err)
}

func (r *Redis) TermHasNgrams(ctx context.Context, collection, term string) (bool, error) {
	exists, err := r.rdb().HExists(ctx, rkNgramCard(collection), term).Result()
	return exists, r.wrap("term_has_ngrams", collection+"/"+term, err)
}

func (r *Redis) RemoveTermNgrams(ctx context.Context, collection, term string) error {
	// Membership sets are only discoverable through the term's own grams;
	// recompute them from the vocabulary side is not possible here, so we
	// scan the gram sets that could reference the term.
	iter := r.rdb().Scan(ctx, 0, "ks:"+collection+":ngram:*", 100).Iterator()
	pipe := r.rdb().Pipeline()
	for iter.Next(ctx) {
		pipe.SRem(ctx, iter.Val(), term)
	}
	if err := iter.Err(); err != nil {
		return r.wrap("remove_term_ngrams", collection+"/"+term, err)
	}
	pipe.HDel(ctx, rkNgramCard(collection), term)
	_, err := pipe.Exec(ctx)
	return r.wrap("remove_term_ngrams", collection+"/"+term, err)
}

func (r *Redis) ClearNgrams(ctx context.Context, collection string) error {
	if _, err := r.client.FlushByPattern(ctx, "ks:"+collection+":ngram:*"); err != nil {
		return r.wrap("clear_ngrams", collection, err)
	}
	err := r.rdb().Del(ctx, rkNgramCard(collection)).Err()
	return r.wrap("clear_ngrams", collection, err)
}

// ClearCollection deletes every key under the collection prefix in one
// SCAN pass.
func (r *Redis) ClearCollection(ctx context.Context, collection string) error {
	deleted, err := r.client.FlushByPattern(ctx, "ks:"+collection+":*")
	if err != nil {
		return r.wrap("clear_collection", collection, err)
	}
	r.logger.Info("collection cleared", "collection", collection, "keys_deleted", deleted)
	return nil
}

func (r *Redis) TermCount(ctx context.Context, collection string) (int64, error) {
	n, err := r.rdb().SCard(ctx, rkTerms(collection)).Result()
	return n, r.wrap("term_count", collection, err)
}

func (r *Redis) StorageBytes(ctx context.Context, collection string) (int64, error) {
	// Rough estimate from key count; MEMORY USAGE per key is too costly.
	var total int64
	iter := r.rdb().Scan(ctx, 0, "ks:"+collection+":*", 500).Iterator()
	for iter.Next(ctx) {
		total += int64(len(iter.Val())) + 64
	}
	if err := iter.Err(); err != nil {
		return 0, r.wrap("storage_bytes", collection, err)
	}
	return total, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: redis unreachable: %v", kerrors.ErrConfiguration, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// SimilarTerms gathers candidates from the gram membership sets and scores
// them client-side with the stored cardinalities.
func (r *Redis) SimilarTerms(ctx context.Context, collection string, ngrams []string, threshold float64) (map[string]float64, error) {
	shared := make(map[string]int)
	for _, gram := range ngrams {
		members, err := r.rdb().SMembers(ctx, rkNgram(collection, gram)).Result()
		if err != nil {
			return nil, r.wrap("similar_terms", collection, err)
		}
		for _, term := range members {
			shared[term]++
		}
	}
	if len(shared) == 0 {
		return nil, nil
	}
	out := make(map[string]float64)
	for term, n := range shared {
		raw, err := r.rdb().HGet(ctx, rkNgramCard(collection), term).Result()
		if redis.IsNilError(err) {
			continue
		}
		if err != nil {
			return nil, r.wrap("similar_terms", collection, err)
		}
		card, convErr := strconv.Atoi(raw)
		if convErr != nil {
			continue
		}
		if score := Jaccard(n, len(ngrams), card); score >= threshold {
			out[term] = score
		}
	}
	return out, nil
}

// BulkIndex pipelines a page of pre-analysed documents. Valid only into a
// cleared collection.
func (r *Redis) BulkIndex(ctx context.Context, collection string, docs []BulkDocument) error {
	pipe := r.rdb().Pipeline()
	for _, d := range docs {
		key := DocKey{Collection: collection, DocID: d.DocID}
		if len(d.TermFreqs) > 0 {
			fields := make(map[string]interface{}, len(d.TermFreqs))
			for term, freq := range d.TermFreqs {
				fields[term] = freq
				pipe.HSet(ctx, rkTerm(collection, term), d.DocID, freq)
				pipe.SAdd(ctx, rkTerms(collection), term)
			}
			pipe.HSet(ctx, rkDocTF(key), fields)
		}
		pipe.Set(ctx, rkDocLen(key), d.Length, 0)
		if len(d.TitleTerms) > 0 {
			members := make([]interface{}, len(d.TitleTerms))
			for i, term := range d.TitleTerms {
				members[i] = term
			}
			pipe.SAdd(ctx, rkDocTitle(key), members...)
		}
		pipe.SAdd(ctx, rkDocs(collection), d.DocID)
		for term, grams := range d.Ngrams {
			for _, gram := range grams {
				pipe.SAdd(ctx, rkNgram(collection, gram), term)
			}
			pipe.HSet(ctx, rkNgramCard(collection), term, len(grams))
		}
	}
	_, err := pipe.Exec(ctx)
	return r.wrap("bulk_index", collection, err)
}

var (
	_ Backend            = (*Redis)(nil)
	_ SimilaritySearcher = (*Redis)(nil)
	_ BulkWriter         = (*Redis)(nil)
)
