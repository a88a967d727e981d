// Package storage persists database entries in a leveldb store.
//
// Each database is a key range of the store, prefixed by the database name,
// so databases share a single store on disk while remaining logically
// separate. Writes to a database are serialized by a lock shard keyed by the
// database name, and resolved with last-write-wins.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/ugorji/go/codec"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/log"
)

const (
	entryPrefix = 'e'
	keySep      = 0x00

	lockShards = 64
)

// Storage is a persistent store of database entries.
type Storage struct {
	db *leveldb.DB

	locks [lockShards]sync.Mutex

	// dbs contains the number of keys in each database.
	dbs   map[string]int
	dbsMu sync.Mutex

	totalKeys *atomic.Int64
	sizeBytes *atomic.Int64

	metrics *Metrics

	logger log.Logger
}

// Open opens the store in the given directory, creating it if it doesn't
// exist. If metrics is nil a new set of metrics is created.
func Open(dir string, metrics *Metrics, logger log.Logger) (*Storage, error) {
	if metrics == nil {
		metrics = NewMetrics()
	}
	logger = logger.WithSubsystem("storage")

	db, err := leveldb.OpenFile(dir, &opt.Options{
		// Corruption should abort the start rather than silently dropping
		// entries.
		Strict: opt.DefaultStrict | opt.StrictRecovery,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, errors.Join(errdefs.ErrStorageOpenFailed, err))
	}

	s := &Storage{
		db:        db,
		dbs:       make(map[string]int),
		totalKeys: atomic.NewInt64(0),
		sizeBytes: atomic.NewInt64(0),
		metrics:   metrics,
		logger:    logger,
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load %s: %w", dir, errors.Join(errdefs.ErrStorageOpenFailed, err))
	}

	logger.Info(
		"opened storage",
		zap.String("dir", dir),
		zap.Int64("keys", s.totalKeys.Load()),
		zap.Int64("size", s.sizeBytes.Load()),
	)

	return s, nil
}

// Put writes the entry if it is newer than the existing entry with the same
// key. Returns whether the entry was written.
//
// Put doesn't verify the entry, callers writing untrusted entries must
// first call Verify.
func (s *Storage) Put(e *Entry) (bool, error) {
	if len(e.Value) > MaxValueSize {
		return false, fmt.Errorf("value size %d: %w", len(e.Value), errdefs.ErrPayloadTooLarge)
	}
	if err := validateDbName(e.DbName); err != nil {
		return false, err
	}

	k := entryKey(e.DbName, e.Key)
	b, err := encodeEntry(e)
	if err != nil {
		return false, fmt.Errorf("encode: %w", err)
	}

	mu := s.lock(e.DbName)
	mu.Lock()
	defer mu.Unlock()

	existing, existingSize, err := s.get(k)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return false, err
	}
	if existing != nil && !e.Newer(existing) {
		s.metrics.Writes.With(writeLabels(e, "stale")).Inc()
		return false, nil
	}

	if err := s.db.Put(k, b, nil); err != nil {
		return false, fmt.Errorf("put: %w", err)
	}

	if existing == nil {
		s.totalKeys.Inc()
		s.sizeBytes.Add(int64(len(k) + len(b)))
		s.addKeys(e.DbName, 1)
	} else {
		s.sizeBytes.Add(int64(len(b) - existingSize))
	}
	s.metrics.Writes.With(writeLabels(e, "applied")).Inc()

	return true, nil
}

// Get returns the entry with the given key, or errdefs.ErrNotFound.
func (s *Storage) Get(dbName, key string) (*Entry, error) {
	e, _, err := s.get(entryKey(dbName, key))
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", dbName, key, err)
	}
	return e, nil
}

// Delete removes the entry with the given key. Deleting a missing key is not
// an error.
func (s *Storage) Delete(dbName, key string) error {
	k := entryKey(dbName, key)

	mu := s.lock(dbName)
	mu.Lock()
	defer mu.Unlock()

	_, size, err := s.get(k)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.db.Delete(k, nil); err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	s.totalKeys.Dec()
	s.sizeBytes.Sub(int64(len(k) + size))
	s.addKeys(dbName, -1)
	s.metrics.Deletes.Inc()

	return nil
}

// Databases returns the names of the databases containing at least one
// entry.
func (s *Storage) Databases() []string {
	s.dbsMu.Lock()
	defer s.dbsMu.Unlock()

	names := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys returns the keys in the given database.
func (s *Storage) Keys(dbName string) ([]string, error) {
	prefix := dbPrefix(dbName)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()[len(prefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return keys, nil
}

// Entries returns an iterator over the entries in the given database, as of
// the time Entries is called.
func (s *Storage) Entries(dbName string) (*Iterator, error) {
	return s.iterator(dbPrefix(dbName))
}

// AllEntries returns an iterator over the entries in all databases, as of the
// time AllEntries is called.
func (s *Storage) AllEntries() (*Iterator, error) {
	return s.iterator([]byte{entryPrefix})
}

// Changes returns the replicated entries (excluding local entries) whose
// timestamp is greater than since, or all replicated entries if since is nil.
// Entries are ordered by timestamp then op ID.
func (s *Storage) Changes(since *int64) ([]*Entry, error) {
	it, err := s.AllEntries()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var entries []*Entry
	for it.Next() {
		e := it.Entry()
		if e.Local {
			continue
		}
		if since != nil && e.Timestamp <= *since {
			continue
		}
		entries = append(entries, e)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].OpID < entries[j].OpID
	})
	return entries, nil
}

// TotalKeys returns the number of entries across all databases.
func (s *Storage) TotalKeys() int64 {
	return s.totalKeys.Load()
}

// SizeBytes returns the approximate size of the stored keys and entries.
func (s *Storage) SizeBytes() int64 {
	return s.sizeBytes.Load()
}

func (s *Storage) Metrics() *Metrics {
	return s.metrics
}

func (s *Storage) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func (s *Storage) iterator(prefix []byte) (*Iterator, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Iterator{
		snap: snap,
		it:   snap.NewIterator(util.BytesPrefix(prefix), nil),
	}, nil
}

func (s *Storage) get(k []byte) (*Entry, int, error) {
	b, err := s.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, 0, errdefs.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get: %w", err)
	}
	e, err := decodeEntry(k, b)
	if err != nil {
		return nil, 0, err
	}
	return e, len(b), nil
}

// load scans the store to initialize the key and size bookkeeping.
func (s *Storage) load() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte{entryPrefix}), nil)
	defer it.Release()

	for it.Next() {
		dbName, _, ok := splitEntryKey(it.Key())
		if !ok {
			s.logger.Warn("invalid entry key", zap.Binary("key", it.Key()))
			continue
		}
		s.totalKeys.Inc()
		s.sizeBytes.Add(int64(len(it.Key()) + len(it.Value())))
		s.dbs[dbName]++
	}
	return it.Error()
}

func (s *Storage) addKeys(dbName string, n int) {
	s.dbsMu.Lock()
	defer s.dbsMu.Unlock()

	s.dbs[dbName] += n
	if s.dbs[dbName] <= 0 {
		delete(s.dbs, dbName)
	}
}

func (s *Storage) lock(dbName string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dbName))
	return &s.locks[h.Sum32()%lockShards]
}

func validateDbName(dbName string) error {
	if dbName == "" || bytes.IndexByte([]byte(dbName), keySep) != -1 {
		return fmt.Errorf("%q: %w", dbName, errdefs.ErrMalformedDbName)
	}
	return nil
}

func dbPrefix(dbName string) []byte {
	b := make([]byte, 0, len(dbName)+2)
	b = append(b, entryPrefix)
	b = append(b, dbName...)
	return append(b, keySep)
}

func entryKey(dbName, key string) []byte {
	return append(dbPrefix(dbName), key...)
}

func splitEntryKey(k []byte) (string, string, bool) {
	if len(k) == 0 || k[0] != entryPrefix {
		return "", "", false
	}
	idx := bytes.IndexByte(k, keySep)
	if idx == -1 {
		return "", "", false
	}
	return string(k[1:idx]), string(k[idx+1:]), true
}

func encodeEntry(e *Entry) ([]byte, error) {
	var b []byte
	var handle codec.MsgpackHandle
	if err := codec.NewEncoderBytes(&b, &handle).Encode(e); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeEntry(k []byte, b []byte) (*Entry, error) {
	dbName, key, ok := splitEntryKey(k)
	if !ok {
		return nil, fmt.Errorf("invalid entry key")
	}

	var e Entry
	var handle codec.MsgpackHandle
	if err := codec.NewDecoderBytes(b, &handle).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	e.DbName = dbName
	e.Key = key
	return &e, nil
}
