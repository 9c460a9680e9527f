package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
	"github.com/kestrelsearch/kestrel/pkg/postgres"
	"github.com/kestrelsearch/kestrel/pkg/resilience"
)

// Relational backend over PostgreSQL. One row per posting, per title term,
// and per n-gram membership; corpus totals live in ks_meta and are only
// ever moved by atomic increment upserts. Delete+insert on the totals row
// is forbidden: under concurrent writers it provokes gap-lock deadlocks.
const pgSchema = `
CREATE TABLE IF NOT EXISTS ks_documents (
	collection  TEXT NOT NULL,
	doc_id      TEXT NOT NULL,
	length      INTEGER NOT NULL DEFAULT 0,
	term_freqs  JSONB NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (collection, doc_id)
);
CREATE TABLE IF NOT EXISTS ks_postings (
	collection TEXT NOT NULL,
	term       TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	freq       INTEGER NOT NULL,
	PRIMARY KEY (collection, term, doc_id)
);
CREATE TABLE IF NOT EXISTS ks_titles (
	collection TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	term       TEXT NOT NULL,
	PRIMARY KEY (collection, doc_id, term)
);
CREATE TABLE IF NOT EXISTS ks_meta (
	collection   TEXT PRIMARY KEY,
	total_docs   BIGINT NOT NULL DEFAULT 0,
	total_length BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ks_ngrams (
	collection TEXT NOT NULL,
	ngram      TEXT NOT NULL,
	term       TEXT NOT NULL,
	PRIMARY KEY (collection, ngram, term)
);
CREATE TABLE IF NOT EXISTS ks_ngram_cards (
	collection  TEXT NOT NULL,
	term        TEXT NOT NULL,
	cardinality INTEGER NOT NULL,
	PRIMARY KEY (collection, term)
);
CREATE INDEX IF NOT EXISTS ks_postings_doc_idx ON ks_postings (collection, doc_id);
`

// Postgres implements Backend over a relational schema.
type Postgres struct {
	client *postgres.Client
	retry  resilience.RetryConfig
}

// NewPostgres connects, ensures the schema, and returns the backend.
func NewPostgres(client *postgres.Client) (*Postgres, error) {
	if _, err := client.DB.Exec(pgSchema); err != nil {
		return nil, fmt.Errorf("%w: ensuring schema: %v", kerrors.ErrConfiguration, err)
	}
	return &Postgres{
		client: client,
		retry: resilience.RetryConfig{
			MaxAttempts: 4,
			RetryIf:     kerrors.IsRetryable,
		},
	}, nil
}

// isTransientPG reports whether err is a serialization failure, deadlock,
// or lock-wait timeout worth retrying.
func isTransientPG(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return true
		}
	}
	return false
}

func (p *Postgres) wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if isTransientPG(err) {
		return kerrors.Unavailable(op, key, err)
	}
	return kerrors.NewStorageError(op, key, err, false)
}

func (p *Postgres) GetDocumentTerms(ctx context.Context, key DocKey) (map[string]int, error) {
	var raw []byte
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT term_freqs FROM ks_documents WHERE collection = $1 AND doc_id = $2`,
		key.Collection, key.DocID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, p.wrap("get_document_terms", key.String(), err)
	}
	// A live document always yields a map, even an empty one; nil means
	// the document does not exist.
	out := make(map[string]int)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, kerrors.Corruption("get_document_terms", key.String(), err)
	}
	return out, nil
}

func (p *Postgres) StoreDocument(ctx context.Context, key DocKey, termFreqs map[string]int, length int) error {
	raw, err := json.Marshal(termFreqs)
	if err != nil {
		return kerrors.NewStorageError("store_document", key.String(), err, false)
	}
	if termFreqs == nil {
		raw = []byte("{}")
	}
	_, err = p.client.DB.ExecContext(ctx,
		`INSERT INTO ks_documents (collection, doc_id, length, term_freqs)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, doc_id) DO UPDATE
		 SET length = EXCLUDED.length, term_freqs = EXCLUDED.term_freqs`,
		key.Collection, key.DocID, length, raw)
	return p.wrap("store_document", key.String(), err)
}

func (p *Postgres) DeleteDocument(ctx context.Context, key DocKey) error {
	_, err := p.client.DB.ExecContext(ctx,
		`DELETE FROM ks_documents WHERE collection = $1 AND doc_id = $2`,
		key.Collection, key.DocID)
	return p.wrap("delete_document", key.String(), err)
}

func (p *Postgres) GetDocumentLength(ctx context.Context, key DocKey) (int, error) {
	var length int
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT length FROM ks_documents WHERE collection = $1 AND doc_id = $2`,
		key.Collection, key.DocID).Scan(&length)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return length, p.wrap("get_document_length", key.String(), err)
}

func (p *Postgres) GetDocumentLengths(ctx context.Context, collection string, docIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(docIDs))
	for _, id := range docIDs {
		out[id] = 0
	}
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT doc_id, length FROM ks_documents WHERE collection = $1 AND doc_id = ANY($2)`,
		collection, pq.Array(docIDs))
	if err != nil {
		return nil, p.wrap("get_document_lengths", collection, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var length int
		if err := rows.Scan(&id, &length); err != nil {
			return nil, p.wrap("get_document_lengths", collection, err)
		}
		out[id] = length
	}
	return out, rows.Err()
}

func (p *Postgres) StoreTermPosting(ctx context.Context, collection, term, docID string, freq int) error {
	// Single-row upsert keeps the per-term posting update atomic.
	_, err := p.client.DB.ExecContext(ctx,
		`INSERT INTO ks_postings (collection, term, doc_id, freq)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, term, doc_id) DO UPDATE SET freq = EXCLUDED.freq`,
		collection, term, docID, freq)
	return p.wrap("store_term_posting", collection+"/"+term, err)
}

func (p *Postgres) RemoveTermPosting(ctx context.Context, collection, term, docID string) error {
	_, err := p.client.DB.ExecContext(ctx,
		`DELETE FROM ks_postings WHERE collection = $1 AND term = $2 AND doc_id = $3`,
		collection, term, docID)
	return p.wrap("remove_term_posting", collection+"/"+term, err)
}

func (p *Postgres) GetTermPostings(ctx context.Context, collection, term string) (map[string]int, error) {
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT doc_id, freq FROM ks_postings WHERE collection = $1 AND term = $2`,
		collection, term)
	if err != nil {
		return nil, p.wrap("get_term_postings", collection+"/"+term, err)
	}
	defer rows.Close()
	var out map[string]int
	for rows.Next() {
		var id string
		var freq int
		if err := rows.Scan(&id, &freq); err != nil {
			return nil, p.wrap("get_term_postings", collection+"/"+term, err)
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[id] = freq
	}
	return out, rows.Err()
}

func (p *Postgres) AllTerms(ctx context.Context, collection string) ([]string, error) {
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT DISTINCT term FROM ks_postings WHERE collection = $1 ORDER BY term`,
		collection)
	if err != nil {
		return nil, p.wrap("all_terms", collection, err)
	}
	defer rows.Close()
	var terms []string
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, p.wrap("all_terms", collection, err)
		}
		terms = append(terms, term)
	}
	return terms, rows.Err()
}

func (p *Postgres) RemoveTerm(ctx context.Context, collection, term string) error {
	_, err := p.client.DB.ExecContext(ctx,
		`DELETE FROM ks_postings WHERE collection = $1 AND term = $2`,
		collection, term)
	return p.wrap("remove_term", collection+"/"+term, err)
}

func (p *Postgres) StoreTitleTerms(ctx context.Context, key DocKey, terms []string) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ks_titles WHERE collection = $1 AND doc_id = $2`,
			key.Collection, key.DocID); err != nil {
			return p.wrap("store_title_terms", key.String(), err)
		}
		for _, term := range terms {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ks_titles (collection, doc_id, term) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				key.Collection, key.DocID, term); err != nil {
				return p.wrap("store_title_terms", key.String(), err)
			}
		}
		return nil
	})
}

func (p *Postgres) GetTitleTerms(ctx context.Context, key DocKey) (map[string]struct{}, error) {
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT term FROM ks_titles WHERE collection = $1 AND doc_id = $2`,
		key.Collection, key.DocID)
	if err != nil {
		return nil, p.wrap("get_title_terms", key.String(), err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var term string
		if err := rows.Scan(&term); err != nil {
			return nil, p.wrap("get_title_terms", key.String(), err)
		}
		out[term] = struct{}{}
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteTitleTerms(ctx context.Context, key DocKey) error {
	_, err := p.client.DB.ExecContext(ctx,
		`DELETE FROM ks_titles WHERE collection = $1 AND doc_id = $2`,
		key.Collection, key.DocID)
	return p.wrap("delete_title_terms", key.String(), err)
}

func (p *Postgres) AddToCollection(ctx context.Context, key DocKey) error {
	// ks_documents rows are the collection index.
	return nil
}

func (p *Postgres) RemoveFromCollection(ctx context.Context, key DocKey) error {
	return nil
}

func (p *Postgres) CollectionDocuments(ctx context.Context, collection string) ([]string, error) {
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT doc_id FROM ks_documents WHERE collection = $1 ORDER BY doc_id`,
		collection)
	if err != nil {
		return nil, p.wrap("collection_documents", collection, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, p.wrap("collection_documents", collection, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) RefreshDocCount(ctx context.Context, collection string) error {
	return resilience.Retry(ctx, "refresh_doc_count", p.retry, func() error {
		_, err := p.client.DB.ExecContext(ctx,
			`INSERT INTO ks_meta (collection, total_docs)
			 VALUES ($1, (SELECT count(*) FROM ks_documents WHERE collection = $1))
			 ON CONFLICT (collection) DO UPDATE
			 SET total_docs = (SELECT count(*) FROM ks_documents WHERE collection = $1)`,
			collection)
		return p.wrap("refresh_doc_count", collection, err)
	})
}

func (p *Postgres) AddTotalLength(ctx context.Context, collection string, delta int64) error {
	return resilience.Retry(ctx, "add_total_length", p.retry, func() error {
		// Increment upsert, never delete+insert.
		_, err := p.client.DB.ExecContext(ctx,
			`INSERT INTO ks_meta (collection, total_length) VALUES ($1, $2)
			 ON CONFLICT (collection) DO UPDATE
			 SET total_length = ks_meta.total_length + EXCLUDED.total_length`,
			collection, delta)
		return p.wrap("add_total_length", collection, err)
	})
}

func (p *Postgres) ResetTotalLength(ctx context.Context, collection string) error {
	_, err := p.client.DB.ExecContext(ctx,
		`INSERT INTO ks_meta (collection, total_length) VALUES ($1, 0)
		 ON CONFLICT (collection) DO UPDATE SET total_length = 0`,
		collection)
	return p.wrap("reset_total_length", collection, err)
}

func (p *Postgres) TotalDocCount(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT total_docs FROM ks_meta WHERE collection = $1`, collection).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, p.wrap("total_doc_count", collection, err)
}

func (p *Postgres) TotalLength(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT total_length FROM ks_meta WHERE collection = $1`, collection).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, p.wrap("total_length", collection, err)
}

func (p *Postgres) StoreTermNgrams(ctx context.Context, collection, term string, ngrams []string) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		for _, gram := range ngrams {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ks_ngrams (collection, ngram, term) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				collection, gram, term); err != nil {
				return p.wrap("store_term_ngrams", collection+"/"+term, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ks_ngram_cards (collection, term, cardinality) VALUES ($1, $2, $3)
			 ON CONFLICT (collection, term) DO UPDATE SET cardinality = EXCLUDED.cardinality`,
			collection, term, len(ngrams))
		return p.wrap("store_term_ngrams", collection+"/"+term, err)
	})
}

func (p *Postgres) TermHasNgrams(ctx context.Context, collection, term string) (bool, error) {
	var exists bool
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ks_ngram_cards WHERE collection = $1 AND term = $2)`,
		collection, term).Scan(&exists)
	return exists, p.wrap("term_has_ngrams", collection+"/"+term, err)
}

func (p *Postgres) RemoveTermNgrams(ctx context.Context, collection, term string) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ks_ngrams WHERE collection = $1 AND term = $2`,
			collection, term); err != nil {
			return p.wrap("remove_term_ngrams", collection+"/"+term, err)
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM ks_ngram_cards WHERE collection = $1 AND term = $2`,
			collection, term)
		return p.wrap("remove_term_ngrams", collection+"/"+term, err)
	})
}

func (p *Postgres) ClearNgrams(ctx context.Context, collection string) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ks_ngrams WHERE collection = $1`, collection); err != nil {
			return p.wrap("clear_ngrams", collection, err)
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM ks_ngram_cards WHERE collection = $1`, collection)
		return p.wrap("clear_ngrams", collection, err)
	})
}

// ClearCollection issues one set-oriented delete per table rather than
// iterating document by document.
func (p *Postgres) ClearCollection(ctx context.Context, collection string) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"ks_postings", "ks_titles", "ks_ngrams", "ks_ngram_cards", "ks_documents", "ks_meta"} {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE collection = $1`, table), collection); err != nil {
				return p.wrap("clear_collection", collection, err)
			}
		}
		return nil
	})
}

func (p *Postgres) TermCount(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT count(DISTINCT term) FROM ks_postings WHERE collection = $1`,
		collection).Scan(&n)
	return n, p.wrap("term_count", collection, err)
}

func (p *Postgres) StorageBytes(ctx context.Context, collection string) (int64, error) {
	// Table-level estimate; per-collection attribution is not worth a scan.
	var n int64
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT coalesce(sum(pg_total_relation_size(c.oid)), 0)
		 FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = current_schema() AND c.relname LIKE 'ks\_%'`).Scan(&n)
	return n, p.wrap("storage_bytes", collection, err)
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.client.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: postgres unreachable: %v", kerrors.ErrConfiguration, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.client.Close()
}

// SimilarTerms counts shared grams per candidate in SQL and finishes the
// Jaccard computation client-side using the stored cardinalities.
func (p *Postgres) SimilarTerms(ctx context.Context, collection string, ngrams []string, threshold float64) (map[string]float64, error) {
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT n.term, count(*) AS shared, c.cardinality
		 FROM ks_ngrams n
		 JOIN ks_ngram_cards c ON c.collection = n.collection AND c.term = n.term
		 WHERE n.collection = $1 AND n.ngram = ANY($2)
		 GROUP BY n.term, c.cardinality`,
		collection, pq.Array(ngrams))
	if err != nil {
		return nil, p.wrap("similar_terms", collection, err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var term string
		var shared, card int
		if err := rows.Scan(&term, &shared, &card); err != nil {
			return nil, p.wrap("similar_terms", collection, err)
		}
		if score := Jaccard(shared, len(ngrams), card); score >= threshold {
			out[term] = score
		}
	}
	return out, rows.Err()
}

// BulkIndex writes a page of pre-analysed documents in one transaction.
// Valid only into a cleared collection.
func (p *Postgres) BulkIndex(ctx context.Context, collection string, docs []BulkDocument) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		for _, d := range docs {
			raw, err := json.Marshal(d.TermFreqs)
			if err != nil {
				return kerrors.NewStorageError("bulk_index", collection+"/"+d.DocID, err, false)
			}
			if d.TermFreqs == nil {
				raw = []byte("{}")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ks_documents (collection, doc_id, length, term_freqs) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (collection, doc_id) DO UPDATE
				 SET length = EXCLUDED.length, term_freqs = EXCLUDED.term_freqs`,
				collection, d.DocID, d.Length, raw); err != nil {
				return p.wrap("bulk_index", collection+"/"+d.DocID, err)
			}
			for term, freq := range d.TermFreqs {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO ks_postings (collection, term, doc_id, freq) VALUES ($1, $2, $3, $4)
					 ON CONFLICT (collection, term, doc_id) DO UPDATE SET freq = EXCLUDED.freq`,
					collection, term, d.DocID, freq); err != nil {
					return p.wrap("bulk_index", collection+"/"+d.DocID, err)
				}
			}
			for _, term := range d.TitleTerms {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO ks_titles (collection, doc_id, term) VALUES ($1, $2, $3)
					 ON CONFLICT DO NOTHING`,
					collection, d.DocID, term); err != nil {
					return p.wrap("bulk_index", collection+"/"+d.DocID, err)
				}
			}
			for term, grams := range d.Ngrams {
				for _, gram := range grams {
					if _, err := tx.ExecContext(ctx,
						`INSERT INTO ks_ngrams (collection, ngram, term) VALUES ($1, $2, $3)
						 ON CONFLICT DO NOTHING`,
						collection, gram, term); err != nil {
						return p.wrap("bulk_index", collection+"/"+d.DocID, err)
					}
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO ks_ngram_cards (collection, term, cardinality) VALUES ($1, $2, $3)
					 ON CONFLICT (collection, term) DO UPDATE SET cardinality = EXCLUDED.cardinality`,
					collection, term, len(grams)); err != nil {
					return p.wrap("bulk_index", collection+"/"+d.DocID, err)
				}
			}
		}
		return nil
	})
}

var (
	_ Backend            = (*Postgres)(nil)
	_ SimilaritySearcher = (*Postgres)(nil)
	_ BulkWriter         = (*Postgres)(nil)
)
