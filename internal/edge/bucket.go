package edge

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Storage is the leveldb database shared by every bucket. Keys are laid out
// as "<bucket>\x00e:<key>" for entries and "<bucket>\x00m:<key>" for metadata.
type Storage struct {
	db *leveldb.DB

	maxEntryBytes int64
	log           zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// OpenStorage opens (or creates) the database at path. MemoryStoragePath
// keeps everything in memory.
func OpenStorage(path string, maxEntryBytes int64, log zerolog.Logger) (*Storage, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == MemoryStoragePath {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Storage{
		db:            db,
		maxEntryBytes: maxEntryBytes,
		log:           log,
		buckets:       map[string]*Bucket{},
	}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Bucket returns the named bucket, loading its index on first use. A
// maxEntries of zero means unbounded; a maxAge of zero means entries never expire.
func (s *Storage) Bucket(name string, maxEntries int, maxAge time.Duration) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &Bucket{
		name:          name,
		prefix:        []byte(name + "\x00"),
		maxEntries:    maxEntries,
		maxAge:        maxAge,
		maxEntryBytes: s.maxEntryBytes,
		db:            s.db,
		now:           time.Now,
		log:           s.log,
		evictLog:      newRateLimitedLogger(s.log, time.Minute),
		index:         map[string]bucketMeta{},
	}
	if err := b.loadIndex(); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	}
	s.buckets[name] = b
	return b, nil
}

type bucketMeta struct {
	Seq      uint64
	StoredAt int64 // unix nanoseconds
	Size     int64
}

// Bucket is a persistent key→response store bounded by entry count and age.
// Once full, the least recently inserted entry is evicted first.
type Bucket struct {
	name          string
	prefix        []byte
	maxEntries    int
	maxAge        time.Duration
	maxEntryBytes int64

	db       *leveldb.DB
	now      func() time.Time
	log      zerolog.Logger
	evictLog *rateLimitedLogger

	mu    sync.Mutex
	index map[string]bucketMeta
	seq   uint64
	total int64
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) entryKey(key string) []byte {
	return append(append(append([]byte{}, b.prefix...), "e:"...), key...)
}

func (b *Bucket) metaKey(key string) []byte {
	return append(append(append([]byte{}, b.prefix...), "m:"...), key...)
}

func (b *Bucket) loadIndex() error {
	metaPrefix := b.metaKey("")
	it := b.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	idx := map[string]bucketMeta{}
	var (
		maxSeq uint64
		total  int64
	)
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta bucketMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
		if meta.Seq > maxSeq {
			maxSeq = meta.Seq
		}
	}
	if err := it.Error(); err != nil {
		return err
	}

	b.mu.Lock()
	b.index = idx
	b.seq = maxSeq
	b.total = total
	b.mu.Unlock()
	return nil
}

func (b *Bucket) expiredLocked(meta bucketMeta, now time.Time) bool {
	if b.maxAge <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, meta.StoredAt)) > b.maxAge
}

// Get returns the entry for key. Expired or corrupted entries are deleted and
// reported absent.
func (b *Bucket) Get(key string) (CacheEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, ok := b.index[key]
	if !ok {
		return CacheEntry{}, false
	}
	if b.expiredLocked(meta, b.now()) {
		b.deleteLocked(key)
		return CacheEntry{}, false
	}
	raw, err := b.db.Get(b.entryKey(key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(raw, &ent); err != nil {
		b.deleteLocked(key)
		return CacheEntry{}, false
	}
	if crc32.ChecksumIEEE(ent.Body) != ent.Hash32 {
		b.log.Warn().Str("bucket", b.name).Str("key", key).Msg("checksum mismatch, dropping entry")
		b.deleteLocked(key)
		return CacheEntry{}, false
	}
	return ent, true
}

// Put stores ent under key as the newest entry, then enforces the entry cap
// and purges expired entries. Set-Cookie is never stored.
func (b *Bucket) Put(key string, ent CacheEntry) error {
	if b.maxEntryBytes > 0 && int64(len(ent.Body)) > b.maxEntryBytes {
		return ErrEntryTooLarge
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	ent.URL = key
	ent.StoredAt = now.UnixNano()
	ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	if _, ok := ent.Header["Set-Cookie"]; ok {
		ent.Header = cloneHeader(ent.Header)
		ent.Header.Del("Set-Cookie")
	}
	raw, err := encodeGob(ent)
	if err != nil {
		return err
	}

	b.seq++
	meta := bucketMeta{Seq: b.seq, StoredAt: ent.StoredAt, Size: int64(len(raw))}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(b.entryKey(key), raw)
	batch.Put(b.metaKey(key), mb)
	if err := b.db.Write(batch, nil); err != nil {
		return err
	}

	if old, ok := b.index[key]; ok {
		b.total -= old.Size
	}
	b.index[key] = meta
	b.total += meta.Size

	b.purgeExpiredLocked(now)
	if b.maxEntries > 0 && len(b.index) > b.maxEntries {
		n := b.evictLocked(len(b.index) - b.maxEntries)
		b.evictLog.Info().
			Str("bucket", b.name).
			Int("evicted", n).
			Int("max_entries", b.maxEntries).
			Msg("bucket at capacity, evicted oldest entries")
	}
	return nil
}

func (b *Bucket) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteLocked(key)
}

// deleteLocked removes key from disk and then from the index. A failed write
// keeps the index entry so it stays consistent with what loadIndex would see.
func (b *Bucket) deleteLocked(key string) bool {
	batch := new(leveldb.Batch)
	batch.Delete(b.entryKey(key))
	batch.Delete(b.metaKey(key))
	if err := b.db.Write(batch, nil); err != nil {
		b.log.Error().Err(err).Str("bucket", b.name).Str("key", key).Msg("delete cache entry")
		return false
	}

	if meta, ok := b.index[key]; ok {
		b.total -= meta.Size
		delete(b.index, key)
	}
	return true
}

// evictLocked drops up to n entries with the lowest insertion sequence and
// returns how many were removed.
func (b *Bucket) evictLocked(n int) int {
	keys := b.keysBySeqLocked()
	if n > len(keys) {
		n = len(keys)
	}
	removed := 0
	for i := 0; i < n; i++ {
		if b.deleteLocked(keys[i]) {
			removed++
		}
	}
	return removed
}

// PurgeExpired deletes every entry older than the bucket's max age.
func (b *Bucket) PurgeExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.purgeExpiredLocked(b.now())
}

func (b *Bucket) purgeExpiredLocked(now time.Time) int {
	if b.maxAge <= 0 {
		return 0
	}
	var expired []string
	for k, m := range b.index {
		if b.expiredLocked(m, now) {
			expired = append(expired, k)
		}
	}
	removed := 0
	for _, k := range expired {
		if b.deleteLocked(k) {
			removed++
		}
	}
	return removed
}

// Keys returns the stored keys from oldest to newest insertion.
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.keysBySeqLocked()
}

func (b *Bucket) keysBySeqLocked() []string {
	out := make([]string, 0, len(b.index))
	for k := range b.index {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return b.index[out[i]].Seq < b.index[out[j]].Seq
	})
	return out
}

func (b *Bucket) Has(key string) bool {
	b.mu.Lock()
	_, ok := b.index[key]
	b.mu.Unlock()
	return ok
}

func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

func (b *Bucket) TotalSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Clear removes every entry of the bucket.
func (b *Bucket) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.index {
		b.deleteLocked(k)
	}
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	if len(b) == 0 {
		return errors.New("empty gob payload")
	}
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
