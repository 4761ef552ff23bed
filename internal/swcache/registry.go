package swcache

import (
	"bytes"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/viccon/sturdyc"
	"github.com/vmihailenco/msgpack/v5"
)

// Key layout inside leveldb:
//
//	p:<partition>              partition marker
//	e:<partition>\x00<key>     msgpack Entry
//	m:<partition>\x00<key>     msgpack entryMeta
//	x:sweep-last               unix millis of the last completed sweep
const (
	prefixPartition = "p:"
	prefixEntry     = "e:"
	prefixMeta      = "m:"
	keySweepLast    = "x:sweep-last"
)

type entryMeta struct {
	Seq      uint64 `msgpack:"seq"`
	StoredAt int64  `msgpack:"stored_at"`
	Size     int64  `msgpack:"size"`
}

type RegistryOptions struct {
	Path     string
	InMemory bool

	// HotCapacity bounds the in-RAM read layer; 0 disables it.
	HotCapacity int
	HotTTL      time.Duration

	Now func() time.Time
}

// Registry is the durable store of cache partitions. Every write is a single
// leveldb batch, so operations are atomic per entry; nothing spans entries.
type Registry struct {
	db  *leveldb.DB
	hot *sturdyc.Client[Entry]
	now func() time.Time

	mu        sync.Mutex
	parts     map[string]map[string]entryMeta
	seq       uint64
	totalSize int64
}

func OpenRegistry(opts RegistryOptions) (*Registry, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if opts.InMemory {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(opts.Path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open registry %q", opts.Path)
	}

	r := &Registry{
		db:    db,
		now:   opts.Now,
		parts: map[string]map[string]entryMeta{},
	}
	if r.now == nil {
		r.now = time.Now
	}
	if opts.HotCapacity > 0 {
		ttl := opts.HotTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		r.hot = sturdyc.New[Entry](opts.HotCapacity, hotShards(opts.HotCapacity), ttl, 10)
	}
	if err := r.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func hotShards(capacity int) int {
	n := capacity / 64
	if n < 1 {
		return 1
	}
	if n > 256 {
		return 256
	}
	return n
}

func (r *Registry) Close() error {
	if err := r.db.Close(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "close registry")
	}
	return nil
}

func (r *Registry) loadIndex() error {
	parts := map[string]map[string]entryMeta{}

	it := r.db.NewIterator(util.BytesPrefix([]byte(prefixPartition)), nil)
	for it.Next() {
		parts[string(bytes.TrimPrefix(it.Key(), []byte(prefixPartition)))] = map[string]entryMeta{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load partitions")
	}

	var (
		total  int64
		maxSeq uint64
	)
	it = r.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()
	for it.Next() {
		name, key, ok := splitStoreKey(it.Key(), prefixMeta)
		if !ok {
			continue
		}
		idx, ok := parts[name]
		if !ok {
			continue
		}
		var meta entryMeta
		if err := msgpack.Unmarshal(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
		if meta.Seq > maxSeq {
			maxSeq = meta.Seq
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "load entry index")
	}

	r.mu.Lock()
	r.parts = parts
	r.totalSize = total
	r.seq = maxSeq
	r.mu.Unlock()
	return nil
}

// Open returns the named partition, creating it when missing.
func (r *Registry) Open(name string) (*Partition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parts[name]; !ok {
		if err := r.db.Put([]byte(prefixPartition+name), []byte{}, nil); err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "create partition %s", name)
		}
		r.parts[name] = map[string]entryMeta{}
	}
	return &Partition{reg: r, name: name}, nil
}

// Lookup returns the named partition without creating it.
func (r *Registry) Lookup(name string) (*Partition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parts[name]; !ok {
		return nil, false
	}
	return &Partition{reg: r, name: name}, true
}

// Names lists partitions in lexical order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.parts))
	for k := range r.parts {
		out = append(out, k)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Delete drops a partition and every entry in it.
func (r *Registry) Delete(name string) (bool, error) {
	r.mu.Lock()
	idx, ok := r.parts[name]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixPartition + name))
	var freed int64
	for key, meta := range idx {
		batch.Delete(storeKey(prefixEntry, name, key))
		batch.Delete(storeKey(prefixMeta, name, key))
		freed += meta.Size
	}
	if err := r.db.Write(batch, nil); err != nil {
		r.mu.Unlock()
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete partition %s", name)
	}
	delete(r.parts, name)
	r.totalSize -= freed
	r.mu.Unlock()

	if r.hot != nil {
		hp := name + "\x00"
		for _, k := range r.hot.ScanKeys() {
			if strings.HasPrefix(k, hp) {
				r.hot.Delete(k)
			}
		}
	}
	return true, nil
}

func (r *Registry) TotalSize() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalSize
}

func (r *Registry) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, idx := range r.parts {
		n += len(idx)
	}
	return n
}

func (r *Registry) LastSweep() (time.Time, bool) {
	b, err := r.db.Get([]byte(keySweepLast), nil)
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (r *Registry) SetLastSweep(t time.Time) error {
	if err := r.db.Put([]byte(keySweepLast), []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "record sweep time")
	}
	return nil
}

// deleteKeysLocked removes keys from a partition in one batch. r.mu must be held.
func (r *Registry) deleteKeysLocked(name string, keys []string) (int, error) {
	idx, ok := r.parts[name]
	if !ok || len(keys) == 0 {
		return 0, nil
	}
	batch := new(leveldb.Batch)
	n := 0
	for _, k := range keys {
		if _, ok := idx[k]; !ok {
			continue
		}
		batch.Delete(storeKey(prefixEntry, name, k))
		batch.Delete(storeKey(prefixMeta, name, k))
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := r.db.Write(batch, nil); err != nil {
		return 0, errors.Wrapf(err, errors.CodeDatabase, "delete entries from %s", name)
	}
	for _, k := range keys {
		if meta, ok := idx[k]; ok {
			r.totalSize -= meta.Size
			delete(idx, k)
			if r.hot != nil {
				r.hot.Delete(hotKey(name, k))
			}
		}
	}
	return n, nil
}

// Partition is a handle on one named partition of the registry.
type Partition struct {
	reg  *Registry
	name string
}

func (p *Partition) Name() string { return p.name }

// Match returns a clone of the stored entry for key.
func (p *Partition) Match(key string) (Entry, bool, error) {
	r := p.reg
	r.mu.Lock()
	var (
		meta entryMeta
		has  bool
	)
	if idx, ok := r.parts[p.name]; ok {
		meta, has = idx[key]
	}
	r.mu.Unlock()
	if !has {
		return Entry{}, false, nil
	}

	hk := hotKey(p.name, key)
	if r.hot != nil {
		if ent, ok := r.hot.Get(hk); ok && ent.Seq == meta.Seq {
			return ent.Clone(), true, nil
		}
	}

	b, err := r.db.Get(storeKey(prefixEntry, p.name, key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, errors.CodeDatabase, "read %s from %s", key, p.name)
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, errors.CodeDatabase, "decode %s from %s", key, p.name)
	}
	if r.hot != nil {
		r.hot.Set(hk, ent)
	}
	return ent.Clone(), true, nil
}

// Put stores a clone of ent under key, overwriting the Sw-Cache-Time header
// with the current time. It returns the entry as stored.
func (p *Partition) Put(key string, ent Entry) (Entry, error) {
	r := p.reg
	stored := ent.Clone()
	if stored.Header == nil {
		stored.Header = make(http.Header)
	}
	ms := r.now().UnixMilli()
	stored.Header.Set(HeaderCacheTime, strconv.FormatInt(ms, 10))
	stored.StoredAt = ms
	stored.Digest = xxhash.Sum64(stored.Body)

	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.parts[p.name]
	if !ok {
		return Entry{}, errors.Newf(errors.CodeNotFound, "partition %s does not exist", p.name)
	}

	r.seq++
	stored.Seq = r.seq
	b, err := encodeEntry(stored)
	if err != nil {
		return Entry{}, errors.Wrapf(err, errors.CodeInternal, "encode %s", key)
	}
	meta := entryMeta{Seq: stored.Seq, StoredAt: ms, Size: int64(len(b))}
	mb, err := msgpack.Marshal(meta)
	if err != nil {
		return Entry{}, errors.Wrapf(err, errors.CodeInternal, "encode meta %s", key)
	}

	batch := new(leveldb.Batch)
	batch.Put(storeKey(prefixEntry, p.name, key), b)
	batch.Put(storeKey(prefixMeta, p.name, key), mb)
	if err := r.db.Write(batch, nil); err != nil {
		return Entry{}, errors.Wrapf(err, errors.CodeDatabase, "write %s to %s", key, p.name)
	}

	if old, ok := idx[key]; ok {
		r.totalSize -= old.Size
	}
	idx[key] = meta
	r.totalSize += meta.Size
	if r.hot != nil {
		r.hot.Set(hotKey(p.name, key), stored)
	}
	return stored.Clone(), nil
}

func (p *Partition) Len() int {
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts[p.name])
}

// Keys returns the partition's keys, oldest write first.
func (p *Partition) Keys() []string {
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	return keysBySeq(r.parts[p.name])
}

// Evict deletes the oldest-written entries until at most maxEntries remain.
func (p *Partition) Evict(maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.parts[p.name]
	over := len(idx) - maxEntries
	if over <= 0 {
		return 0, nil
	}
	return r.deleteKeysLocked(p.name, keysBySeq(idx)[:over])
}

// Sweep deletes entries written more than maxAge before now.
func (p *Partition) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-maxAge).UnixMilli()
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for k, meta := range r.parts[p.name] {
		if meta.StoredAt < cutoff {
			expired = append(expired, k)
		}
	}
	return r.deleteKeysLocked(p.name, expired)
}

func keysBySeq(idx map[string]entryMeta) []string {
	out := make([]string, 0, len(idx))
	for k := range idx {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return idx[out[i]].Seq < idx[out[j]].Seq })
	return out
}

func storeKey(prefix, partition, key string) []byte {
	b := make([]byte, 0, len(prefix)+len(partition)+1+len(key))
	b = append(b, prefix...)
	b = append(b, partition...)
	b = append(b, 0)
	return append(b, key...)
}

func splitStoreKey(k []byte, prefix string) (partition, key string, ok bool) {
	rest := bytes.TrimPrefix(k, []byte(prefix))
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", "", false
	}
	return string(rest[:i]), string(rest[i+1:]), true
}

func hotKey(partition, key string) string { return partition + "\x00" + key }

// ---- encoding ----

func encodeEntry(ent Entry) ([]byte, error) { return msgpack.Marshal(&ent) }

func decodeEntry(b []byte) (Entry, error) {
	var ent Entry
	if err := msgpack.Unmarshal(b, &ent); err != nil {
		return Entry{}, err
	}
	return ent, nil
}
