package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kestrelsearch/kestrel/pkg/config"
	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
)

// Dynamo implements Backend over a single DynamoDB table with a generic
// pk/sk key schema:
//
//	DOC#{coll}#{id}    / META     document record: len, tf map, title set
//	TERM#{coll}#{term} / DOC#{id} posting: f
//	TERMS#{coll}       / {term}   vocabulary marker
//	COLL#{coll}        / {id}     collection membership
//	META#{coll}        / META     total_docs, total_length (ADD updates)
//	NGRAM#{coll}#{g}   / {term}   gram membership
//	NGRAMCARD#{coll}   / {term}   gram cardinality: n
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name kestrel-index \
//	  --attribute-definitions AttributeName=pk,AttributeType=S AttributeName=sk,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH AttributeName=sk,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type Dynamo struct {
	client *dynamodb.Client
	table  string
	logger *slog.Logger
}

const dynamoBatchSize = 25 // BatchWriteItem hard limit

// NewDynamo loads AWS configuration and returns the backend.
func NewDynamo(ctx context.Context, cfg config.DynamoConfig) (*Dynamo, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("%w: loading aws config: %v", kerrors.ErrConfiguration, err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Dynamo{
		client: client,
		table:  cfg.Table,
		logger: slog.Default().With("component", "dynamo-backend", "table", cfg.Table),
	}, nil
}

func dkey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func dpkDoc(key DocKey) string          { return "DOC#" + key.Collection + "#" + key.DocID }
func dpkTerm(coll, term string) string  { return "TERM#" + coll + "#" + term }
func dpkTerms(coll string) string       { return "TERMS#" + coll }
func dpkColl(coll string) string        { return "COLL#" + coll }
func dpkMeta(coll string) string        { return "META#" + coll }
func dpkNgram(coll, gram string) string { return "NGRAM#" + coll + "#" + gram }
func dpkNgramCard(coll string) string   { return "NGRAMCARD#" + coll }

func (d *Dynamo) wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	// The SDK already retries throttling; anything surfacing here is
	// reported as unavailable and left to the caller's retry policy.
	return kerrors.Unavailable(op, key, err)
}

func attrInt(item map[string]types.AttributeValue, name string) int64 {
	n, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// queryPartition pages through a pk partition and invokes fn per item.
func (d *Dynamo) queryPartition(ctx context.Context, pk string, fn func(map[string]types.AttributeValue)) error {
	var start map[string]types.AttributeValue
	for {
		resp, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return err
		}
		for _, item := range resp.Items {
			fn(item)
		}
		if resp.LastEvaluatedKey == nil {
			return nil
		}
		start = resp.LastEvaluatedKey
	}
}

// batchDelete removes keys in BatchWriteItem chunks.
func (d *Dynamo) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for len(keys) > 0 {
		n := len(keys)
		if n > dynamoBatchSize {
			n = dynamoBatchSize
		}
		requests := make([]types.WriteRequest, 0, n)
		for _, key := range keys[:n] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}
		resp, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{d.table: requests},
		})
		if err != nil {
			return err
		}
		keys = keys[n:]
		// Re-queue unprocessed deletes.
		for _, req := range resp.UnprocessedItems[d.table] {
			if req.DeleteRequest != nil {
				keys = append(keys, req.DeleteRequest.Key)
			}
		}
	}
	return nil
}

func (d *Dynamo) GetDocumentTerms(ctx context.Context, key DocKey) (map[string]int, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       dkey(dpkDoc(key), "META"),
	})
	if err != nil {
		return nil, d.wrap("get_document_terms", key.String(), err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	tf, ok := resp.Item["tf"].(*types.AttributeValueMemberM)
	if !ok {
		return nil, nil
	}
	out := make(map[string]int, len(tf.Value))
	for term, av := range tf.Value {
		if n, ok := av.(*types.AttributeValueMemberN); ok {
			if freq, convErr := strconv.Atoi(n.Value); convErr == nil {
				out[term] = freq
			}
		}
	}
	return out, nil
}

func (d *Dynamo) StoreDocument(ctx context.Context, key DocKey, termFreqs map[string]int, length int) error {
	tf := make(map[string]types.AttributeValue, len(termFreqs))
	for term, freq := range termFreqs {
		tf[term] = &types.AttributeValueMemberN{Value: strconv.Itoa(freq)}
	}
	item := map[string]types.AttributeValue{
		"pk":  &types.AttributeValueMemberS{Value: dpkDoc(key)},
		"sk":  &types.AttributeValueMemberS{Value: "META"},
		"len": &types.AttributeValueMemberN{Value: strconv.Itoa(length)},
		"tf":  &types.AttributeValueMemberM{Value: tf},
	}
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	return d.wrap("store_document", key.String(), err)
}

func (d *Dynamo) DeleteDocument(ctx context.Context, key DocKey) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       dkey(dpkDoc(key), "META"),
	})
	return d.wrap("delete_document", key.String(), err)
}

func (d *Dynamo) GetDocumentLength(ctx context.Context, key DocKey) (int, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.table),
		Key:                  dkey(dpkDoc(key), "META"),
		ProjectionExpression: aws.String("len"),
	})
	if err != nil {
		return 0, d.wrap("get_document_length", key.String(), err)
	}
	if resp.Item == nil {
		return 0, nil
	}
	return int(attrInt(resp.Item, "len")), nil
}

func (d *Dynamo) GetDocumentLengths(ctx context.Context, collection string, docIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(docIDs))
	for _, id := range docIDs {
		out[id] = 0
	}
	// BatchGetItem allows at most 100 keys per request.
	for start := 0; start < len(docIDs); start += 100 {
		end := start + 100
		if end > len(docIDs) {
			end = len(docIDs)
		}
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range docIDs[start:end] {
			keys = append(keys, dkey(dpkDoc(DocKey{Collection: collection, DocID: id}), "META"))
		}
		resp, err := d.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				d.table: {Keys: keys, ProjectionExpression: aws.String("pk, len")},
			},
		})
		if err != nil {
			return nil, d.wrap("get_document_lengths", collection, err)
		}
		prefix := "DOC#" + collection + "#"
		for _, item := range resp.Responses[d.table] {
			pk, ok := item["pk"].(*types.AttributeValueMemberS)
			if !ok || len(pk.Value) <= len(prefix) {
				continue
			}
			out[pk.Value[len(prefix):]] = int(attrInt(item, "len"))
		}
	}
	return out, nil
}

func (d *Dynamo) StoreTermPosting(ctx context.Context, collection, term, docID string, freq int) error {
	// Single-item put keeps the per-term posting update atomic.
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: dpkTerm(collection, term)},
			"sk": &types.AttributeValueMemberS{Value: "DOC#" + docID},
			"f":  &types.AttributeValueMemberN{Value: strconv.Itoa(freq)},
		},
	})
	if err != nil {
		return d.wrap("store_term_posting", collection+"/"+term, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: dpkTerms(collection)},
			"sk": &types.AttributeValueMemberS{Value: term},
		},
	})
	return d.wrap("store_term_posting", collection+"/"+term, err)
}

func (d *Dynamo) RemoveTermPosting(ctx context.Context, collection, term, docID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       dkey(dpkTerm(collection, term), "DOC#"+docID),
	})
	return d.wrap("remove_term_posting", collection+"/"+term, err)
}

func (d *Dynamo) GetTermPostings(ctx context.Context, collection, term string) (map[string]int, error) {
	var out map[string]int
	err := d.queryPartition(ctx, dpkTerm(collection, term), func(item map[string]types.AttributeValue) {
		sk, ok := item["sk"].(*types.AttributeValueMemberS)
		if !ok || len(sk.Value) <= 4 {
			return
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[sk.Value[4:]] = int(attrInt(item, "f"))
	})
	if err != nil {
		return nil, d.wrap("get_term_postings", collection+"/"+term, err)
	}
	return out, nil
}

func (d *Dynamo) AllTerms(ctx context.Context, collection string) ([]string, error) {
	var terms []string
	err := d.queryPartition(ctx, dpkTerms(collection), func(item map[string]types.AttributeValue) {
		if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok {
			terms = append(terms, sk.Value)
		}
	})
	if err != nil {
		return nil, d.wrap("all_terms", collection, err)
	}
	return terms, nil
}

func (d *Dynamo) RemoveTerm(ctx context.Context, collection, term string) error {
	var keys []map[string]types.AttributeValue
	err := d.queryPartition(ctx, dpkTerm(collection, term), func(item map[string]types.AttributeValue) {
		if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok {
			keys = append(keys, dkey(dpkTerm(collection, term), sk.Value))
		}
	})
	if err != nil {
		return d.wrap("remove_term", collection+"/"+term, err)
	}
	keys = append(keys, dkey(dpkTerms(collection), term))
	return d.wrap("remove_term", collection+"/"+term, d.batchDelete(ctx, keys))
}

func (d *Dynamo) StoreTitleTerms(ctx context.Context, key DocKey, terms []string) error {
	if len(terms) == 0 {
		return d.DeleteTitleTerms(ctx, key)
	}
	// The title set lives on the document record so a document read stays
	// a single item fetch.
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              dkey(dpkDoc(key), "META"),
		UpdateExpression: aws.String("SET title = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberSS{Value: terms},
		},
	})
	return d.wrap("store_title_terms", key.String(), err)
}

func (d *Dynamo) GetTitleTerms(ctx context.Context, key DocKey) (map[string]struct{}, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.table),
		Key:                  dkey(dpkDoc(key), "META"),
		ProjectionExpression: aws.String("title"),
	})
	if err != nil {
		return nil, d.wrap("get_title_terms", key.String(), err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	ss, ok := resp.Item["title"].(*types.AttributeValueMemberSS)
	if !ok {
		return nil, nil
	}
	out := make(map[string]struct{}, len(ss.Value))
	for _, term := range ss.Value {
		out[term] = struct{}{}
	}
	return out, nil
}

func (d *Dynamo) DeleteTitleTerms(ctx context.Context, key DocKey) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              dkey(dpkDoc(key), "META"),
		UpdateExpression: aws.String("REMOVE title"),
	})
	return d.wrap("delete_title_terms", key.String(), err)
}

func (d *Dynamo) AddToCollection(ctx context.Context, key DocKey) error {
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: dpkColl(key.Collection)},
			"sk": &types.AttributeValueMemberS{Value: key.DocID},
		},
	})
	return d.wrap("add_to_collection", key.String(), err)
}

func (d *Dynamo) RemoveFromCollection(ctx context.Context, key DocKey) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       dkey(dpkColl(key.Collection), key.DocID),
	})
	return d.wrap("remove_from_collection", key.String(), err)
}

func (d *Dynamo) CollectionDocuments(ctx context.Context, collection string) ([]string, error) {
	var ids []string
	err := d.queryPartition(ctx, dpkColl(collection), func(item map[string]types.AttributeValue) {
		if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok {
			ids = append(ids, sk.Value)
		}
	})
	if err != nil {
		return nil, d.wrap("collection_documents", collection, err)
	}
	return ids, nil
}

func (d *Dynamo) RefreshDocCount(ctx context.Context, collection string) error {
	var count int64
	err := d.queryPartition(ctx, dpkColl(collection), func(map[string]types.AttributeValue) {
		count++
	})
	if err != nil {
		return d.wrap("refresh_doc_count", collection, err)
	}
	_, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              dkey(dpkMeta(collection), "META"),
		UpdateExpression: aws.String("SET total_docs = :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: strconv.FormatInt(count, 10)},
		},
	})
	return d.wrap("refresh_doc_count", collection, err)
}

func (d *Dynamo) AddTotalLength(ctx context.Context, collection string, delta int64) error {
	// ADD is an atomic read-modify-write on the counter attribute.
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              dkey(dpkMeta(collection), "META"),
		UpdateExpression: aws.String("ADD total_length :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
		},
	})
	return d.wrap("add_total_length", collection, err)
}

func (d *Dynamo) ResetTotalLength(ctx context.Context, collection string) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              dkey(dpkMeta(collection), "META"),
		UpdateExpression: aws.String("SET total_length = :z"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":z": &types.AttributeValueMemberN{Value: "0"},
		},
	})
	return d.wrap("reset_total_length", collection, err)
}

func (d *Dynamo) metaInt(ctx context.Context, collection, attr string) (int64, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.table),
		Key:                  dkey(dpkMeta(collection), "META"),
		ProjectionExpression: aws.String(attr),
	})
	if err != nil {
		return 0, d.wrap("get_meta", collection+"/"+attr, err)
	}
	if resp.Item == nil {
		return 0, nil
	}
	return attrInt(resp.Item, attr), nil
}

func (d *Dynamo) TotalDocCount(ctx context.Context, collection string) (int64, error) {
	return d.metaInt(ctx, collection, "total_docs")
}

func (d *Dynamo) TotalLength(ctx context.Context, collection string) (int64, error) {
	return d.metaInt(ctx, collection, "total_length")
}

func (d *Dynamo) StoreTermNgrams(ctx context.Context, collection, term string, ngrams []string) error {
	for _, gram := range ngrams {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.table),
			Item: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: dpkNgram(collection, gram)},
				"sk": &types.AttributeValueMemberS{Value: term},
			},
		})
		if err != nil {
			return d.wrap("store_term_ngrams", collection+"/"+term, err)
		}
	}
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: dpkNgramCard(collection)},
			"sk": &types.AttributeValueMemberS{Value: term},
			"n":  &types.AttributeValueMemberN{Value: strconv.Itoa(len(ngrams))},
		},
	})
	return d.wrap("store_term_ngrams", collection+"/"+term, err)
}

func (d *Dynamo) TermHasNgrams(ctx context.Context, collection, term string) (bool, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       dkey(dpkNgramCard(collection), term),
	})
	if err != nil {
		return false, d.wrap("term_has_ngrams", collection+"/"+term, err)
	}
	return resp.Item != nil, nil
}

func (d *Dynamo) RemoveTermNgrams(ctx context.Context, collection, term string) error {
	// The term's gram list is not stored; regenerate the membership keys
	// by scanning the gram partitions that reference the term.
	var keys []map[string]types.AttributeValue
	err := d.scanPrefix(ctx, "NGRAM#"+collection+"#", func(item map[string]types.AttributeValue) {
		pk, pkOK := item["pk"].(*types.AttributeValueMemberS)
		sk, skOK := item["sk"].(*types.AttributeValueMemberS)
		if pkOK && skOK && sk.Value == term {
			keys = append(keys, dkey(pk.Value, sk.Value))
		}
	})
	if err != nil {
		return d.wrap("remove_term_ngrams", collection+"/"+term, err)
	}
	keys = append(keys, dkey(dpkNgramCard(collection), term))
	return d.wrap("remove_term_ngrams", collection+"/"+term, d.batchDelete(ctx, keys))
}

func (d *Dynamo) ClearNgrams(ctx context.Context, collection string) error {
	var keys []map[string]types.AttributeValue
	collect := func(item map[string]types.AttributeValue) {
		pk, pkOK := item["pk"].(*types.AttributeValueMemberS)
		sk, skOK := item["sk"].(*types.AttributeValueMemberS)
		if pkOK && skOK {
			keys = append(keys, dkey(pk.Value, sk.Value))
		}
	}
	if err := d.scanPrefix(ctx, "NGRAM#"+collection+"#", collect); err != nil {
		return d.wrap("clear_ngrams", collection, err)
	}
	if err := d.queryPartition(ctx, dpkNgramCard(collection), collect); err != nil {
		return d.wrap("clear_ngrams", collection, err)
	}
	return d.wrap("clear_ngrams", collection, d.batchDelete(ctx, keys))
}

// scanPrefix pages a table scan filtered to pk prefixes. Scans are the
// slow path; only clear and vocabulary-wide maintenance use them.
func (d *Dynamo) scanPrefix(ctx context.Context, prefix string, fn func(map[string]types.AttributeValue)) error {
	var start map[string]types.AttributeValue
	for {
		resp, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(d.table),
			FilterExpression: aws.String("begins_with(pk, :p)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberS{Value: prefix},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return err
		}
		for _, item := range resp.Items {
			fn(item)
		}
		if resp.LastEvaluatedKey == nil {
			return nil
		}
		start = resp.LastEvaluatedKey
	}
}

// ClearCollection batch-deletes every item family belonging to the
// collection.
func (d *Dynamo) ClearCollection(ctx context.Context, collection string) error {
	var keys []map[string]types.AttributeValue
	collect := func(item map[string]types.AttributeValue) {
		pk, pkOK := item["pk"].(*types.AttributeValueMemberS)
		sk, skOK := item["sk"].(*types.AttributeValueMemberS)
		if pkOK && skOK {
			keys = append(keys, dkey(pk.Value, sk.Value))
		}
	}
	for _, prefix := range []string{
		"DOC#" + collection + "#",
		"TERM#" + collection + "#",
		"NGRAM#" + collection + "#",
	} {
		if err := d.scanPrefix(ctx, prefix, collect); err != nil {
			return d.wrap("clear_collection", collection, err)
		}
	}
	for _, pk := range []string{
		dpkTerms(collection), dpkColl(collection),
		dpkNgramCard(collection), dpkMeta(collection),
	} {
		if err := d.queryPartition(ctx, pk, collect); err != nil {
			return d.wrap("clear_collection", collection, err)
		}
	}
	return d.wrap("clear_collection", collection, d.batchDelete(ctx, keys))
}

func (d *Dynamo) TermCount(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := d.queryPartition(ctx, dpkTerms(collection), func(map[string]types.AttributeValue) {
		n++
	})
	if err != nil {
		return 0, d.wrap("term_count", collection, err)
	}
	return n, nil
}

func (d *Dynamo) StorageBytes(ctx context.Context, collection string) (int64, error) {
	// Table-level size; DynamoDB offers no per-prefix accounting.
	resp, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	})
	if err != nil {
		return 0, d.wrap("storage_bytes", collection, err)
	}
	if resp.Table == nil || resp.Table.TableSizeBytes == nil {
		return 0, nil
	}
	return *resp.Table.TableSizeBytes, nil
}

func (d *Dynamo) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	})
	if err != nil {
		return fmt.Errorf("%w: dynamodb table %s unreachable: %v", kerrors.ErrConfiguration, d.table, err)
	}
	return nil
}

func (d *Dynamo) Close() error {
	return nil
}

// SimilarTerms queries the gram partitions for candidates and scores them
// with the stored cardinalities.
func (d *Dynamo) SimilarTerms(ctx context.Context, collection string, ngrams []string, threshold float64) (map[string]float64, error) {
	shared := make(map[string]int)
	for _, gram := range ngrams {
		err := d.queryPartition(ctx, dpkNgram(collection, gram), func(item map[string]types.AttributeValue) {
			if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok {
				shared[sk.Value]++
			}
		})
		if err != nil {
			return nil, d.wrap("similar_terms", collection, err)
		}
	}
	if len(shared) == 0 {
		return nil, nil
	}
	cards := make(map[string]int)
	err := d.queryPartition(ctx, dpkNgramCard(collection), func(item map[string]types.AttributeValue) {
		if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok {
			cards[sk.Value] = int(attrInt(item, "n"))
		}
	})
	if err != nil {
		return nil, d.wrap("similar_terms", collection, err)
	}
	out := make(map[string]float64)
	for term, n := range shared {
		if score := Jaccard(n, len(ngrams), cards[term]); score >= threshold {
			out[term] = score
		}
	}
	return out, nil
}

var (
	_ Backend            = (*Dynamo)(nil)
	_ SimilaritySearcher = (*Dynamo)(nil)
)
