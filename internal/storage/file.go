package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
)

// File format: a versioned binary schema, one file per collection.
//
//	header:  magic u32 | version u32 | record count u32  (little endian)
//	records: key length u32 | key bytes | value length u32 | value bytes
//
// Keys are section-prefixed strings ("doc/<id>", "post/<term>", ...);
// values are JSON. Cross-process safety comes from POSIX-style advisory
// locks with a bounded wait: shared for reads, exclusive for writes.
const (
	fileMagic   uint32 = 0x4B534958 // "KSIX"
	fileVersion uint32 = 1

	keyMeta     = "meta"
	prefixDoc   = "doc/"
	prefixPost  = "post/"
	prefixNgram = "ngram/"
)

// lockRetryDelay is the poll interval while waiting on the advisory lock.
const lockRetryDelay = 25 * time.Millisecond

// File is the single-file backend. Every operation loads the collection
// image, applies the change, and rewrites the file atomically via a temp
// file and rename. It intentionally trades throughput for a dependency-free
// persistence medium; it does not implement SimilaritySearcher, so fuzzy
// matching over it falls back to edit-distance scanning.
type File struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger
}

type fileDoc struct {
	TermFreqs  map[string]int `json:"tf"`
	Length     int            `json:"len"`
	TitleTerms []string       `json:"title,omitempty"`
}

type fileMeta struct {
	TotalDocs   int64 `json:"docs"`
	TotalLength int64 `json:"length"`
}

// fileImage is a fully decoded collection file.
type fileImage struct {
	docs       map[string]fileDoc
	postings   map[string]map[string]int
	termNgrams map[string][]string
	meta       fileMeta
}

// NewFile creates a file backend rooted at dir.
func NewFile(dir string, lockTimeout time.Duration) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &File{
		dir:         dir,
		lockTimeout: lockTimeout,
		logger:      slog.Default().With("component", "file-backend"),
	}, nil
}

func (f *File) path(collection string) string {
	return filepath.Join(f.dir, collection+".ksx")
}

func (f *File) lockPath(collection string) string {
	return filepath.Join(f.dir, collection+".lock")
}

// withRead loads the collection image under a shared lock and passes it to fn.
func (f *File) withRead(ctx context.Context, collection string, fn func(*fileImage) error) error {
	lk := flock.New(f.lockPath(collection))
	lockCtx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()
	ok, err := lk.TryRLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		return kerrors.Unavailable("acquire_shared_lock", collection, fmt.Errorf("lock wait exceeded %s: %v", f.lockTimeout, err))
	}
	defer lk.Unlock()

	img, err := f.load(collection)
	if err != nil {
		return err
	}
	return fn(img)
}

// withWrite loads the image under an exclusive lock, applies fn, and
// rewrites the file if fn succeeds.
func (f *File) withWrite(ctx context.Context, collection string, fn func(*fileImage) error) error {
	lk := flock.New(f.lockPath(collection))
	lockCtx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()
	ok, err := lk.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		return kerrors.Unavailable("acquire_exclusive_lock", collection, fmt.Errorf("lock wait exceeded %s: %v", f.lockTimeout, err))
	}
	defer lk.Unlock()

	img, err := f.load(collection)
	if err != nil {
		return err
	}
	if err := fn(img); err != nil {
		return err
	}
	return f.save(collection, img)
}

func newFileImage() *fileImage {
	return &fileImage{
		docs:       make(map[string]fileDoc),
		postings:   make(map[string]map[string]int),
		termNgrams: make(map[string][]string),
	}
}

// load decodes the collection file. A missing file is an empty image. A
// record that fails to decode is treated as absent and logged; only a bad
// header makes the whole file unreadable.
func (f *File) load(collection string) (*fileImage, error) {
	img := newFileImage()
	data, err := os.ReadFile(f.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return img, nil
		}
		return nil, kerrors.Unavailable("read_file", collection, err)
	}
	if len(data) < 12 {
		return nil, kerrors.Corruption("decode_header", collection, fmt.Errorf("file too short: %d bytes", len(data)))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != fileMagic {
		return nil, kerrors.Corruption("decode_header", collection, fmt.Errorf("bad magic bytes %x", magic))
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != fileVersion {
		return nil, kerrors.Corruption("decode_header", collection, fmt.Errorf("unsupported version %d", version))
	}
	count := binary.LittleEndian.Uint32(data[8:12])
	off := 12
	for i := uint32(0); i < count; i++ {
		key, value, next, err := readRecord(data, off)
		if err != nil {
			return nil, kerrors.Corruption("decode_record", collection, err)
		}
		off = next
		if err := img.apply(key, value); err != nil {
			// A single undecodable value becomes a zero value rather
			// than failing the whole collection.
			f.logger.Warn("skipping corrupt record", "collection", collection, "key", key, "error", err)
		}
	}
	return img, nil
}

func readRecord(data []byte, off int) (string, []byte, int, error) {
	if off+4 > len(data) {
		return "", nil, 0, fmt.Errorf("truncated key length at offset %d", off)
	}
	keyLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+keyLen > len(data) {
		return "", nil, 0, fmt.Errorf("truncated key at offset %d", off)
	}
	key := string(data[off : off+keyLen])
	off += keyLen
	if off+4 > len(data) {
		return "", nil, 0, fmt.Errorf("truncated value length at offset %d", off)
	}
	valLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+valLen > len(data) {
		return "", nil, 0, fmt.Errorf("truncated value at offset %d", off)
	}
	value := data[off : off+valLen]
	off += valLen
	return key, value, off, nil
}

func (img *fileImage) apply(key string, value []byte) error {
	switch {
	case key == keyMeta:
		return json.Unmarshal(value, &img.meta)
	case len(key) > len(prefixDoc) && key[:len(prefixDoc)] == prefixDoc:
		var doc fileDoc
		if err := json.Unmarshal(value, &doc); err != nil {
			return err
		}
		img.docs[key[len(prefixDoc):]] = doc
	case len(key) > len(prefixPost) && key[:len(prefixPost)] == prefixPost:
		var posting map[string]int
		if err := json.Unmarshal(value, &posting); err != nil {
			return err
		}
		img.postings[key[len(prefixPost):]] = posting
	case len(key) > len(prefixNgram) && key[:len(prefixNgram)] == prefixNgram:
		var grams []string
		if err := json.Unmarshal(value, &grams); err != nil {
			return err
		}
		img.termNgrams[key[len(prefixNgram):]] = grams
	default:
		return fmt.Errorf("unknown record key %q", key)
	}
	return nil
}

// save rewrites the collection file atomically: temp file, sync, rename.
func (f *File) save(collection string, img *fileImage) error {
	var records [][2][]byte
	add := func(key string, value any) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", key, err)
		}
		records = append(records, [2][]byte{[]byte(key), data})
		return nil
	}
	if err := add(keyMeta, img.meta); err != nil {
		return err
	}
	for id, doc := range img.docs {
		if err := add(prefixDoc+id, doc); err != nil {
			return err
		}
	}
	for term, posting := range img.postings {
		if len(posting) == 0 {
			continue
		}
		if err := add(prefixPost+term, posting); err != nil {
			return err
		}
	}
	for term, grams := range img.termNgrams {
		if err := add(prefixNgram+term, grams); err != nil {
			return err
		}
	}

	size := 12
	for _, rec := range records {
		size += 8 + len(rec[0]) + len(rec[1])
	}
	buf := make([]byte, 0, size)
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], fileMagic)
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint32(scratch[:], fileVersion)
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(records)))
	buf = append(buf, scratch[:]...)
	for _, rec := range records {
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(rec[0])))
		buf = append(buf, scratch[:]...)
		buf = append(buf, rec[0]...)
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(rec[1])))
		buf = append(buf, scratch[:]...)
		buf = append(buf, rec[1]...)
	}

	finalPath := f.path(collection)
	tmpPath := finalPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return kerrors.Unavailable("create_temp_file", collection, err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return kerrors.Unavailable("write_file", collection, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return kerrors.Unavailable("sync_file", collection, err)
	}
	if err := tmp.Close(); err != nil {
		return kerrors.Unavailable("close_file", collection, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return kerrors.Unavailable("rename_file", collection, err)
	}
	return nil
}

func (f *File) GetDocumentTerms(ctx context.Context, key DocKey) (map[string]int, error) {
	var out map[string]int
	err := f.withRead(ctx, key.Collection, func(img *fileImage) error {
		if doc, ok := img.docs[key.DocID]; ok {
			out = make(map[string]int, len(doc.TermFreqs))
			for term, freq := range doc.TermFreqs {
				out[term] = freq
			}
		}
		return nil
	})
	return out, err
}

func (f *File) StoreDocument(ctx context.Context, key DocKey, termFreqs map[string]int, length int) error {
	return f.withWrite(ctx, key.Collection, func(img *fileImage) error {
		freqs := make(map[string]int, len(termFreqs))
		for term, freq := range termFreqs {
			freqs[term] = freq
		}
		prev := img.docs[key.DocID]
		img.docs[key.DocID] = fileDoc{TermFreqs: freqs, Length: length, TitleTerms: prev.TitleTerms}
		return nil
	})
}

func (f *File) DeleteDocument(ctx context.Context, key DocKey) error {
	return f.withWrite(ctx, key.Collection, func(img *fileImage) error {
		delete(img.docs, key.DocID)
		return nil
	})
}

func (f *File) GetDocumentLength(ctx context.Context, key DocKey) (int, error) {
	var length int
	err := f.withRead(ctx, key.Collection, func(img *fileImage) error {
		length = img.docs[key.DocID].Length
		return nil
	})
	return length, err
}

func (f *File) GetDocumentLengths(ctx context.Context, collection string, docIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(docIDs))
	err := f.withRead(ctx, collection, func(img *fileImage) error {
		for _, id := range docIDs {
			out[id] = img.docs[id].Length
		}
		return nil
	})
	return out, err
}

func (f *File) StoreTermPosting(ctx context.Context, collection, term, docID string, freq int) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		posting, ok := img.postings[term]
		if !ok {
			posting = make(map[string]int)
			img.postings[term] = posting
		}
		posting[docID] = freq
		return nil
	})
}

func (f *File) RemoveTermPosting(ctx context.Context, collection, term, docID string) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		if posting, ok := img.postings[term]; ok {
			delete(posting, docID)
		}
		return nil
	})
}

func (f *File) GetTermPostings(ctx context.Context, collection, term string) (map[string]int, error) {
	var out map[string]int
	err := f.withRead(ctx, collection, func(img *fileImage) error {
		if posting, ok := img.postings[term]; ok {
			out = make(map[string]int, len(posting))
			for id, freq := range posting {
				out[id] = freq
			}
		}
		return nil
	})
	return out, err
}

func (f *File) AllTerms(ctx context.Context, collection string) ([]string, error) {
	var terms []string
	err := f.withRead(ctx, collection, func(img *fileImage) error {
		for term, posting := range img.postings {
			if len(posting) > 0 {
				terms = append(terms, term)
			}
		}
		return nil
	})
	return terms, err
}

func (f *File) RemoveTerm(ctx context.Context, collection, term string) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		delete(img.postings, term)
		return nil
	})
}

func (f *File) StoreTitleTerms(ctx context.Context, key DocKey, terms []string) error {
	return f.withWrite(ctx, key.Collection, func(img *fileImage) error {
		doc := img.docs[key.DocID]
		doc.TitleTerms = append([]string(nil), terms...)
		if doc.TermFreqs == nil {
			doc.TermFreqs = make(map[string]int)
		}
		img.docs[key.DocID] = doc
		return nil
	})
}

func (f *File) GetTitleTerms(ctx context.Context, key DocKey) (map[string]struct{}, error) {
	var out map[string]struct{}
	err := f.withRead(ctx, key.Collection, func(img *fileImage) error {
		doc, ok := img.docs[key.DocID]
		if !ok {
			return nil
		}
		out = make(map[string]struct{}, len(doc.TitleTerms))
		for _, term := range doc.TitleTerms {
			out[term] = struct{}{}
		}
		return nil
	})
	return out, err
}

func (f *File) DeleteTitleTerms(ctx context.Context, key DocKey) error {
	return f.withWrite(ctx, key.Collection, func(img *fileImage) error {
		if doc, ok := img.docs[key.DocID]; ok {
			doc.TitleTerms = nil
			img.docs[key.DocID] = doc
		}
		return nil
	})
}

func (f *File) AddToCollection(ctx context.Context, key DocKey) error {
	// Document records are the collection index.
	return nil
}

func (f *File) RemoveFromCollection(ctx context.Context, key DocKey) error {
	return nil
}

func (f *File) CollectionDocuments(ctx context.Context, collection string) ([]string, error) {
	var ids []string
	err := f.withRead(ctx, collection, func(img *fileImage) error {
		for id := range img.docs {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func (f *File) RefreshDocCount(ctx context.Context, collection string) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		img.meta.TotalDocs = int64(len(img.docs))
		return nil
	})
}

func (f *File) AddTotalLength(ctx context.Context, collection string, delta int64) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		img.meta.TotalLength += delta
		return nil
	})
}

func (f *File) ResetTotalLength(ctx context.Context, collection string) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		img.meta.TotalLength = 0
		return nil
	})
}

func (f *File) TotalDocCount(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := f.withRead(ctx, collection, func(img *fileImage) error {
		n = img.meta.TotalDocs
		return nil
	})
	return n, err
}

func (f *File) TotalLength(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := f.withRead(ctx, collection, func(img *fileImage) error {
		n = img.meta.TotalLength
		return nil
	})
	return n, err
}

func (f *File) StoreTermNgrams(ctx context.Context, collection, term string, ngrams []string) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		img.termNgrams[term] = append([]string(nil), ngrams...)
		return nil
	})
}

func (f *File) TermHasNgrams(ctx context.Context, collection, term string) (bool, error) {
	var ok bool
	err := f.withRead(ctx, collection, func(img *fileImage) error {
		_, ok = img.termNgrams[term]
		return nil
	})
	return ok, err
}

func (f *File) RemoveTermNgrams(ctx context.Context, collection, term string) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		delete(img.termNgrams, term)
		return nil
	})
}

func (f *File) ClearNgrams(ctx context.Context, collection string) error {
	return f.withWrite(ctx, collection, func(img *fileImage) error {
		img.termNgrams = make(map[string][]string)
		return nil
	})
}

// ClearCollection removes the collection file outright instead of
// emptying it record by record.
func (f *File) ClearCollection(ctx context.Context, collection string) error {
	lk := flock.New(f.lockPath(collection))
	lockCtx, cancel := context.WithTimeout(ctx, f.lockTimeout)
	defer cancel()
	ok, err := lk.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !ok {
		return kerrors.Unavailable("acquire_exclusive_lock", collection, fmt.Errorf("lock wait exceeded %s: %v", f.lockTimeout, err))
	}
	defer lk.Unlock()
	if err := os.Remove(f.path(collection)); err != nil && !os.IsNotExist(err) {
		return kerrors.Unavailable("remove_file", collection, err)
	}
	return nil
}

func (f *File) TermCount(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := f.withRead(ctx, collection, func(img *fileImage) error {
		for _, posting := range img.postings {
			if len(posting) > 0 {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (f *File) StorageBytes(ctx context.Context, collection string) (int64, error) {
	info, err := os.Stat(f.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, kerrors.Unavailable("stat_file", collection, err)
	}
	return info.Size(), nil
}

func (f *File) Ping(ctx context.Context) error {
	probe := filepath.Join(f.dir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("%w: data directory not writable: %v", kerrors.ErrConfiguration, err)
	}
	return os.Remove(probe)
}

func (f *File) Close() error {
	return nil
}

var _ Backend = (*File)(nil)
