// Package storage is the public facade over the DOM storage engine: a
// paged on-disk container, a B+-tree index, two page caches, and an
// owner-aware reader/writer lock, composed into the open/close/create,
// put/get/update/remove, range-query, and iterator operations a
// consumer actually calls.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/domstore/internal/storage/addr"
	"github.com/sushant-115/domstore/internal/storage/btree"
	"github.com/sushant-115/domstore/internal/storage/btreecache"
	"github.com/sushant-115/domstore/internal/storage/datacache"
	"github.com/sushant-115/domstore/internal/storage/domstore"
	"github.com/sushant-115/domstore/internal/storage/enginelock"
	enginemetrics "github.com/sushant-115/domstore/internal/storage/metrics"
	"github.com/sushant-115/domstore/internal/storage/pagefile"
	"github.com/sushant-115/domstore/internal/storage/storeerr"
	"github.com/sushant-115/domstore/pkg/logger"
	"github.com/sushant-115/domstore/pkg/telemetry"
)

// OwnerID identifies one open session (one Begin/End pair). It doubles
// as the engine lock's holder key and, internally, resolves to the DOM
// record store's per-owner current-tail-page slot.
type OwnerID = enginelock.OwnerID

// Engine is one open DOM storage file and everything wired around it:
// the B+-tree index, the record store, both page caches, the engine
// lock, and the logger/metrics collaborators injected via Options.
type Engine struct {
	mu sync.Mutex

	pf         *pagefile.File
	dataCache  *datacache.Cache
	btreeCache *btreecache.Cache
	tree       *btree.Tree
	records    *domstore.Store
	lock       *enginelock.RWLock

	metrics     *enginemetrics.Engine
	log         *zap.Logger
	tel         *telemetry.Telemetry
	telShutdown telemetry.ShutdownFunc
	readOnly    bool

	handles    map[OwnerID]domstore.OwnerHandle
	nextHandle uint64

	// lastDataStats/lastBTreeStats are the cumulative cache Stats last
	// reported to the otel counters, so syncCacheMetrics can report the
	// delta rather than re-reporting totals on every call.
	lastDataStats  datacache.Stats
	lastBTreeStats btreecache.Stats
}

// Create creates a new DOM storage file at path and opens it.
func Create(path string, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	pf, err := pagefile.Create(path, o.PageSize)
	if err != nil {
		return nil, err
	}
	e, err := newEngine(pf, o)
	if err != nil {
		pf.Close()
		return nil, err
	}
	return e, nil
}

// Open opens an existing DOM storage file at path.
func Open(path string, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	pf, err := pagefile.Open(path, o.PageSize)
	if err != nil {
		return nil, err
	}
	e, err := newEngine(pf, o)
	if err != nil {
		pf.Close()
		return nil, err
	}
	return e, nil
}

func newEngine(pf *pagefile.File, o Options) (*Engine, error) {
	log := o.Logger
	if log == nil {
		var err error
		log, err = logger.New(logger.Config{Level: "info", Format: "console", OutputFile: "stdout"})
		if err != nil {
			return nil, fmt.Errorf("%w: building default logger: %v", storeerr.ErrIO, err)
		}
	}

	tel, shutdown, err := telemetry.New(o.TelemetryConfig)
	if err != nil {
		return nil, err
	}

	me, err := enginemetrics.New(tel.Meter)
	if err != nil {
		return nil, err
	}

	dataCache := datacache.New(o.DataBuffers)
	btreeCache := btreecache.New(o.BTreeBuffers)
	pf.SetLogger(log)

	tree := btree.Open(pf, btreeCache)
	tree.SetLogger(log)
	records := domstore.New(pf, dataCache)
	records.SetLogger(log)

	return &Engine{
		pf:          pf,
		dataCache:   dataCache,
		btreeCache:  btreeCache,
		tree:        tree,
		records:     records,
		lock:        enginelock.New(o.LockTimeout),
		metrics:     me,
		log:         log,
		tel:         tel,
		telShutdown: shutdown,
		readOnly:    o.ReadOnly,
		handles:     make(map[OwnerID]domstore.OwnerHandle),
	}, nil
}

// checkWritable rejects a write-path call with storeerr.ErrReadOnly if
// the engine was opened with WithReadOnly(true) (spec.md §7's
// ReadOnly error kind).
func (e *Engine) checkWritable() error {
	if e.readOnly {
		return storeerr.ErrReadOnly
	}
	return nil
}

// Begin opens a new session and returns its owner handle, used as the
// key for lock acquisition and as the DOM record store's current-
// document identity (spec.md §4.6.1's "per-owner current append
// target").
func (e *Engine) Begin() OwnerID {
	id := enginelock.NewOwnerID()
	handle := domstore.OwnerHandle(atomic.AddUint64(&e.nextHandle, 1))
	e.mu.Lock()
	e.handles[id] = handle
	e.mu.Unlock()
	return id
}

// End closes owner's session, forgetting its current-tail-page slot.
func (e *Engine) End(owner OwnerID) {
	e.mu.Lock()
	handle, ok := e.handles[owner]
	delete(e.handles, owner)
	e.mu.Unlock()
	if ok {
		e.records.CloseDocument(handle)
	}
}

func (e *Engine) handleFor(owner OwnerID) (domstore.OwnerHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[owner]
	if !ok {
		return 0, fmt.Errorf("%w: owner has no open session, call Begin first", storeerr.ErrInvalidArgument)
	}
	return h, nil
}

// acquire wraps enginelock.RWLock.Acquire with lock-wait and timeout
// metrics, matching the instrumentation points spec.md §4.8 implies
// around every suspension point in the system.
func (e *Engine) acquire(owner OwnerID, mode enginelock.Mode) error {
	start := time.Now()
	err := e.lock.Acquire(owner, mode)
	e.metrics.RecordLockWait(context.Background(), time.Since(start).Seconds())
	if err != nil && e.metrics != nil && e.metrics.LockTimeouts != nil {
		e.metrics.LockTimeouts.Add(context.Background(), 1)
	}
	return err
}

// release drops owner's hold and reports the cache hit/miss counts
// accumulated by both caches during the operation just completed.
func (e *Engine) release(owner OwnerID) {
	e.lock.Release(owner)
	e.syncCacheMetrics()
}

// syncCacheMetrics reports the delta between the caches' current
// cumulative Stats and what was last reported, so the otel counters
// accumulate the same totals the caches track internally.
func (e *Engine) syncCacheMetrics() {
	if e.metrics == nil {
		return
	}
	ds := e.dataCache.Stats()
	bs := e.btreeCache.Stats()

	e.mu.Lock()
	dHits, dMisses := ds.Hits-e.lastDataStats.Hits, ds.Misses-e.lastDataStats.Misses
	bHits, bMisses := bs.Hits-e.lastBTreeStats.Hits, bs.Misses-e.lastBTreeStats.Misses
	e.lastDataStats, e.lastBTreeStats = ds, bs
	e.mu.Unlock()

	ctx := context.Background()
	if dHits > 0 {
		e.metrics.DataCacheHits.Add(ctx, int64(dHits))
	}
	if dMisses > 0 {
		e.metrics.DataCacheMisses.Add(ctx, int64(dMisses))
	}
	if bHits > 0 {
		e.metrics.BTreeCacheHits.Add(ctx, int64(bHits))
	}
	if bMisses > 0 {
		e.metrics.BTreeCacheMisses.Add(ctx, int64(bMisses))
	}
}

// Put stores value under key, minting a fresh address in owner's
// current document and indexing it. A nil key stores the value without
// indexing it, reachable only by the returned address.
func (e *Engine) Put(owner OwnerID, key, value []byte) (addr.Address, error) {
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	handle, err := e.handleFor(owner)
	if err != nil {
		return 0, err
	}
	if err := e.acquire(owner, enginelock.Exclusive); err != nil {
		return 0, err
	}
	defer e.release(owner)

	address, err := e.records.Add(handle, value)
	if err != nil {
		return 0, err
	}
	if key != nil {
		if err := e.tree.AddValue(key, address); err != nil {
			return 0, err
		}
	}
	return address, nil
}

// Get resolves key through the B+-tree and returns the bytes stored at
// its address. ok is false if key is not indexed (KEY_NOT_FOUND is a
// normal return, not an error, per spec.md §4.5) or if resolving it
// failed: per spec.md §7, read-path errors degrade to a null result
// with a log entry rather than surfacing to the caller.
func (e *Engine) Get(owner OwnerID, key []byte) (value []byte, ok bool, err error) {
	if err := e.acquire(owner, enginelock.Shared); err != nil {
		return nil, false, err
	}
	defer e.release(owner)

	address, found, err := e.tree.FindValue(key)
	if err != nil {
		e.log.Warn("read path degraded: key lookup failed", zap.Binary("key", key), zap.Error(err))
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	v, err := e.records.Get(address)
	if err != nil {
		e.log.Warn("read path degraded: record fetch failed",
			zap.Uint32("page", address.Page()), zap.Uint64("address", uint64(address)), zap.Error(err))
		return nil, false, nil
	}
	return v, true, nil
}

// GetAddress returns the bytes stored at address directly, bypassing
// the B+-tree. A nil slice with a nil error means the record could not
// be resolved; per spec.md §7 the underlying failure is logged, not
// surfaced, since this is a read-path operation.
func (e *Engine) GetAddress(owner OwnerID, address addr.Address) ([]byte, error) {
	if err := e.acquire(owner, enginelock.Shared); err != nil {
		return nil, err
	}
	defer e.release(owner)

	v, err := e.records.Get(address)
	if err != nil {
		e.log.Warn("read path degraded: record fetch failed",
			zap.Uint32("page", address.Page()), zap.Uint64("address", uint64(address)), zap.Error(err))
		return nil, nil
	}
	return v, nil
}

// UpdateKey overwrites the bytes stored at key's address in place. The
// new value must be exactly as long as the stored one (spec.md §4.6.4).
func (e *Engine) UpdateKey(owner OwnerID, key, value []byte) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := e.acquire(owner, enginelock.Exclusive); err != nil {
		return err
	}
	defer e.release(owner)

	address, found, err := e.tree.FindValue(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %x", storeerr.ErrKeyNotFound, key)
	}
	return e.records.Update(address, value)
}

// UpdateAddress overwrites the bytes stored at address in place.
func (e *Engine) UpdateAddress(owner OwnerID, address addr.Address, value []byte) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := e.acquire(owner, enginelock.Exclusive); err != nil {
		return err
	}
	defer e.release(owner)
	return e.records.Update(address, value)
}

// RemoveKey deletes the record at key's address and removes key from
// the index.
func (e *Engine) RemoveKey(owner OwnerID, key []byte) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := e.acquire(owner, enginelock.Exclusive); err != nil {
		return err
	}
	defer e.release(owner)

	address, found, err := e.tree.FindValue(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %x", storeerr.ErrKeyNotFound, key)
	}
	if err := e.records.Remove(address); err != nil {
		return err
	}
	return e.tree.RemoveValue(key)
}

// RemoveAddress deletes the record at address without touching the
// index; callers that indexed the address under a key should prefer
// RemoveKey to keep the index consistent.
func (e *Engine) RemoveAddress(owner OwnerID, address addr.Address) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if err := e.acquire(owner, enginelock.Exclusive); err != nil {
		return err
	}
	defer e.release(owner)
	return e.records.Remove(address)
}

// InsertAfter inserts value immediately after the record at address,
// returning the new record's address. See domstore's three insertion
// cases (mid-page shift, mid-chain split, append-new-page).
func (e *Engine) InsertAfter(owner OwnerID, address addr.Address, value []byte) (addr.Address, error) {
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	if err := e.acquire(owner, enginelock.Exclusive); err != nil {
		return 0, err
	}
	defer e.release(owner)
	return e.records.InsertAfter(address, value)
}

// InsertAfterKey resolves key to its address and inserts value after
// it.
func (e *Engine) InsertAfterKey(owner OwnerID, key, value []byte) (addr.Address, error) {
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	if err := e.acquire(owner, enginelock.Exclusive); err != nil {
		return 0, err
	}
	defer e.release(owner)

	address, found, err := e.tree.FindValue(key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %x", storeerr.ErrKeyNotFound, key)
	}
	return e.records.InsertAfter(address, value)
}

// FindKeys returns every key matching q, in ascending key order. A
// query failure degrades to an empty slice with a logged warning
// rather than an error, per spec.md §7's read-path propagation rule.
func (e *Engine) FindKeys(owner OwnerID, q btree.IndexQuery) ([][]byte, error) {
	if err := e.acquire(owner, enginelock.Shared); err != nil {
		return nil, err
	}
	defer e.release(owner)

	var keys [][]byte
	if err := e.tree.Query(q, func(key []byte, _ addr.Address) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	}); err != nil {
		e.log.Warn("read path degraded: key query failed", zap.Error(err))
		return nil, nil
	}
	return keys, nil
}

// FindValues returns the stored bytes for every key matching q, in
// ascending key order. A query or record-fetch failure degrades to an
// empty slice with a logged warning rather than an error, per spec.md
// §7's read-path propagation rule.
func (e *Engine) FindValues(owner OwnerID, q btree.IndexQuery) ([][]byte, error) {
	if err := e.acquire(owner, enginelock.Shared); err != nil {
		return nil, err
	}
	defer e.release(owner)

	var addrs []addr.Address
	if err := e.tree.Query(q, func(_ []byte, a addr.Address) bool {
		addrs = append(addrs, a)
		return true
	}); err != nil {
		e.log.Warn("read path degraded: value query failed", zap.Error(err))
		return nil, nil
	}

	var values [][]byte
	if err := e.records.FindRange(addrs, func(value []byte) bool {
		values = append(values, value)
		return true
	}); err != nil {
		e.log.Warn("read path degraded: record range fetch failed", zap.Int("addresses", len(addrs)), zap.Error(err))
		return nil, nil
	}
	return values, nil
}

// FindRange returns the stored bytes for every key in [low, high].
func (e *Engine) FindRange(owner OwnerID, low, high []byte) ([][]byte, error) {
	return e.FindValues(owner, btree.IndexQuery{Kind: btree.Between, Low: low, High: high})
}

// Iterator returns a lazy forward iterator over the record chain
// starting at start, acquiring and releasing the engine lock on every
// Next/Remove call rather than across the iterator's lifetime.
func (e *Engine) Iterator(owner OwnerID, start addr.Address) (*domstore.Iterator, error) {
	return domstore.NewIterator(e.records, e.lock, owner, start)
}

// FindValueFallback walks up logical ancestors of targetGID until one
// is indexed, then scans that ancestor's descendants in document order
// for targetGID, per spec.md §4.6.8. resolver, keyFor, and decode are
// supplied by the embedding application's document-structure layer.
// Like the engine's other read-path operations, a resolution failure
// degrades to a zero address with a logged warning rather than
// surfacing the error (spec.md §7).
func (e *Engine) FindValueFallback(
	owner OwnerID,
	resolver domstore.ProxyResolver,
	keyFor func(gid int64) []byte,
	decode domstore.RecordDecoder,
	targetGID int64,
) (addr.Address, error) {
	if err := e.acquire(owner, enginelock.Shared); err != nil {
		return 0, err
	}
	defer e.release(owner)

	address, depth, err := domstore.FindValueFallback(e.tree, e.records, resolver, keyFor, decode, targetGID)
	if e.metrics != nil && e.metrics.FallbackDepth != nil {
		e.metrics.FallbackDepth.Record(context.Background(), int64(depth))
	}
	if err != nil {
		if e.metrics != nil && e.metrics.FallbackFailures != nil {
			e.metrics.FallbackFailures.Add(context.Background(), 1)
		}
		e.log.Warn("read path degraded: fallback lookup failed",
			zap.Int64("targetGID", targetGID), zap.Int("depth", depth), zap.Error(err))
		return 0, nil
	}
	return address, nil
}

// Flush writes back every dirty cached page in both caches.
func (e *Engine) Flush() error {
	if err := e.records.Flush(); err != nil {
		return err
	}
	return e.tree.Flush()
}

// Sync fsyncs the underlying file, guaranteeing flushed pages survive
// a crash.
func (e *Engine) Sync() error {
	return e.pf.Flush()
}

// Close flushes, fsyncs, and closes the underlying file, and shuts down
// any telemetry exporters started for this Engine.
func (e *Engine) Close() error {
	var errs []error
	if err := e.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := e.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := e.pf.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.telShutdown != nil {
		if err := e.telShutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
