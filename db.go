// Package leafdb stores key/value pairs in fixed-size slotted leaf blocks
// and logs every block edit as a compact patch. The block file is only
// written at checkpoints and on cache eviction; in between, a block's
// current image is its last persisted version plus its patches, which the
// WAL replays on Open.
package leafdb

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexhholmes/leafdb/internal/base"
	"github.com/alexhholmes/leafdb/internal/cache"
	"github.com/alexhholmes/leafdb/internal/leaf"
	"github.com/alexhholmes/leafdb/internal/patch"
	"github.com/alexhholmes/leafdb/internal/storage"
	"github.com/alexhholmes/leafdb/internal/wal"
)

// BlockID identifies a leaf block. IDs are handed out densely by Allocate
// and Split and are never reused.
type BlockID = base.BlockID

type DB struct {
	mu     sync.Mutex
	opts   Options
	store  storage.Store
	wal    *wal.WAL // Write-ahead log of block patches
	cache  *cache.Cache
	log    Logger
	closed bool // Database closed flag
	err    error

	nextID BlockID

	// Background checkpointer
	stopC chan struct{}  // Shutdown signal
	wg    sync.WaitGroup // Clean shutdown
}

// Open opens or creates the database at path. Blocks live in path, patches
// in path + ".wal".
func Open(path string, options ...Option) (*DB, error) {
	// Apply options
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	codec, _ := opts.compression.codec()

	var (
		store storage.Store
		err   error
	)
	if opts.syncMode == SyncEveryCommit {
		store, err = storage.NewFile(path, opts.blockSize)
	} else {
		store, err = storage.NewMMap(path, opts.blockSize)
	}
	if err != nil {
		return nil, err
	}

	// Open WAL (DB owns WAL lifecycle)
	w, err := wal.NewWAL(path+".wal", opts.walSyncMode(), opts.syncBytes, codec)
	if err != nil {
		store.Close()
		return nil, err
	}

	d := &DB{
		opts:  opts,
		store: store,
		wal:   w,
		log:   opts.logger,
		stopC: make(chan struct{}),
	}
	d.cache, err = cache.NewCache(opts.cacheSize, d.evictFrame)
	if err != nil {
		w.Close()
		store.Close()
		return nil, err
	}

	n, err := store.NumBlocks()
	if err != nil {
		w.Close()
		store.Close()
		return nil, err
	}
	d.nextID = BlockID(n)

	if err := d.recoverFromWAL(); err != nil {
		w.Close()
		store.Close()
		return nil, err
	}

	// Start background checkpoint goroutine
	if opts.checkpointInterval > 0 {
		d.wg.Add(1)
		go d.backgroundCheckpointer()
	}

	return d, nil
}

// recoverFromWAL rebuilds in-memory block images from the persisted
// versions plus their logged patches. A block's records are applied only
// on top of the version they were logged against; older ones were already
// folded into the block file by a checkpoint or an eviction.
func (d *DB) recoverFromWAL() error {
	log := withComponent(d.log, "recovery")
	var applied, skipped, blocks int

	err := d.wal.Replay(func(r wal.Record) error {
		id := r.Patch.BlockID
		if id >= d.nextID {
			d.nextID = id + 1
		}

		f, err := d.frame(id)
		if err != nil {
			return err
		}
		switch {
		case r.Version < f.Version:
			skipped++
			return nil
		case r.Version > f.Version:
			return fmt.Errorf("%w: block %d has patches for version %d but is stored at %d",
				ErrCorruption, id, r.Version, f.Version)
		case r.Counter != f.Counter+1:
			return fmt.Errorf("%w: block %d version %d: patch %d follows patch %d",
				ErrCorruption, id, r.Version, r.Counter, f.Counter)
		}

		if err := patch.Apply(f.Block, r.Patch); err != nil {
			return fmt.Errorf("%w: %w", ErrCorruption, err)
		}
		if f.Counter == 0 {
			blocks++
		}
		f.Counter = r.Counter
		d.cache.MarkDirty(f)
		applied++
		return nil
	})

	var tail *wal.TailError
	if errors.As(err, &tail) {
		log.Warn("dropping unreadable wal tail", "offset", tail.Offset, "error", tail.Err)
		if err := d.wal.Truncate(tail.Offset); err != nil {
			return fmt.Errorf("truncate wal tail: %w", err)
		}
	} else if err != nil {
		return err
	}

	if applied > 0 || skipped > 0 {
		log.Info("recovered from wal", "blocks", blocks, "applied", applied, "skipped", skipped)
	}
	return nil
}

// frame returns the cached frame for id, loading it from the block file on
// a miss. Caller must hold d.mu.
func (d *DB) frame(id BlockID) (*cache.Frame, error) {
	if f, ok := d.cache.Get(id); ok {
		return f, nil
	}
	data, version, err := d.store.ReadBlock(id)
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", id, err)
	}
	f := &cache.Frame{
		ID:      id,
		Block:   leaf.Load(data, d.opts.leaf),
		Version: version,
	}
	d.cache.Put(f)
	return f, nil
}

// block returns a live leaf block. Caller must hold d.mu.
func (d *DB) block(id BlockID) (*cache.Frame, error) {
	if d.closed {
		return nil, ErrDatabaseClosed
	}
	if id >= d.nextID {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, id)
	}
	f, err := d.frame(id)
	if err != nil {
		return nil, err
	}
	if k := f.Block.Kind(); k != leaf.Kind {
		return nil, fmt.Errorf("%w: block %d has kind %#04x", ErrCorruption, id, k)
	}
	return f, nil
}

// writable is block for mutations. Caller must hold d.mu.
func (d *DB) writable(id BlockID) (*cache.Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.block(id)
}

// mutate runs fn with a patch collector attached to each frame, then logs
// whatever fn recorded. fn must leave the blocks untouched when it fails.
// Caller must hold d.mu.
func (d *DB) mutate(fn func() error, frames ...*cache.Frame) error {
	cols := make([]*patch.Collector, len(frames))
	for i, f := range frames {
		cols[i] = patch.NewCollector(f.ID)
		f.Block.SetRecorder(cols[i])
	}
	defer func() {
		for _, f := range frames {
			f.Block.SetRecorder(nil)
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	return d.commit(frames, cols)
}

// commit numbers the collected patches and makes them durable. The blocks
// already hold the edits, so a failure here leaves memory ahead of the log
// and the database refuses further writes.
func (d *DB) commit(frames []*cache.Frame, cols []*patch.Collector) error {
	var records []wal.Record
	counters := make([]uint32, len(frames))
	for i, f := range frames {
		counters[i] = f.Counter
		for _, p := range cols[i].Patches() {
			counters[i]++
			records = append(records, wal.Record{Version: f.Version, Counter: counters[i], Patch: p})
		}
	}
	if len(records) == 0 {
		return nil
	}

	if err := d.wal.Append(records...); err != nil {
		return d.fail(err)
	}
	if err := d.wal.Flush(); err != nil {
		return d.fail(err)
	}
	if err := d.wal.Sync(); err != nil {
		return d.fail(err)
	}

	for i, f := range frames {
		if counters[i] != f.Counter {
			f.Counter = counters[i]
			d.cache.MarkDirty(f)
		}
	}

	if d.opts.commitHook != nil {
		for i, f := range frames {
			if cols[i].Len() == 0 {
				continue
			}
			var batch []byte
			for _, p := range cols[i].Patches() {
				// Every patch was logged above, so it encodes.
				batch, _ = p.AppendBinary(batch)
			}
			d.opts.commitHook(f.ID, batch)
		}
	}
	return nil
}

// fail poisons the database after an I/O error that left memory and disk
// out of step. Reads keep working; writes and checkpoints are refused.
func (d *DB) fail(err error) error {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %w", ErrDatabaseFailed, err)
		d.log.Error("database failed", "error", err)
	}
	return d.err
}

func (d *DB) checkPair(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > d.opts.leaf.MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > d.opts.leaf.MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// Allocate creates a new empty block.
func (d *DB) Allocate() (BlockID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrDatabaseClosed
	}
	if d.err != nil {
		return 0, d.err
	}
	f := d.newFrame()
	if err := d.mutate(func() error { f.Block.Reset(); return nil }, f); err != nil {
		return 0, err
	}
	return f.ID, nil
}

// newFrame reserves the next block ID with an unformatted, never persisted
// block. Caller must hold d.mu.
func (d *DB) newFrame() *cache.Frame {
	f := &cache.Frame{
		ID:    d.nextID,
		Block: leaf.Load(make([]byte, d.opts.blockSize), d.opts.leaf),
	}
	d.nextID++
	d.cache.Put(f)
	return f
}

// Get returns a copy of the value stored under key in block id.
func (d *DB) Get(id BlockID, key []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.block(id)
	if err != nil {
		return nil, err
	}
	v, ok := f.Block.Lookup(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

// Put stores key/value in block id, replacing any previous value. It fails
// with ErrBlockFull when the pair would eat into the block's epsilon
// margin; the caller is expected to split and retry.
func (d *DB) Put(id BlockID, key, value []byte) error {
	if err := d.checkPair(key, value); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.writable(id)
	if err != nil {
		return err
	}
	if f.Block.IsFull(key, value) {
		return ErrBlockFull
	}
	return d.mutate(func() error {
		f.Block.Insert(key, value)
		return nil
	}, f)
}

// Delete removes key from block id and reports whether it was present.
func (d *DB) Delete(id BlockID, key []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.writable(id)
	if err != nil {
		return false, err
	}
	var found bool
	err = d.mutate(func() error {
		found = f.Block.Remove(key)
		return nil
	}, f)
	return found, err
}

// Split moves the upper half of block id into a newly allocated block and
// returns that block with the separator key to promote.
func (d *DB) Split(id BlockID) (BlockID, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.writable(id)
	if err != nil {
		return 0, nil, err
	}
	if f.Block.Len() < 2 {
		return 0, nil, fmt.Errorf("%w: block %d has %d", ErrBlockTooSmall, id, f.Block.Len())
	}

	right := d.newFrame()
	var median []byte
	err = d.mutate(func() error {
		median = f.Block.Split(right.Block)
		return nil
	}, f, right)
	if err != nil {
		return 0, nil, err
	}
	return right.ID, median, nil
}

// Merge moves every pair of sibling into block id and returns the parent
// separator that no longer delimits anything. sibling is left as it was;
// it is the caller's to drop from the parent.
func (d *DB) Merge(id, sibling BlockID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, s, err := d.pair(id, sibling)
	if err != nil {
		return nil, err
	}
	if !f.Block.IsMergable(s.Block) {
		return nil, ErrNotMergable
	}
	var sep []byte
	err = d.mutate(func() error {
		sep = f.Block.Merge(s.Block)
		return nil
	}, f)
	return sep, err
}

// Level moves pairs from sibling into block id across their shared edge
// until the two are within one pair of each other. ok is false when
// nothing could move; merging is then the better fix.
func (d *DB) Level(id, sibling BlockID) (oldSep, newSep []byte, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, s, err := d.pair(id, sibling)
	if err != nil {
		return nil, nil, false, err
	}
	err = d.mutate(func() error {
		oldSep, newSep, ok = f.Block.Level(s.Block)
		return nil
	}, f, s)
	if err != nil {
		return nil, nil, false, err
	}
	return oldSep, newSep, ok, nil
}

// pair loads two distinct writable blocks. Caller must hold d.mu.
func (d *DB) pair(id, sibling BlockID) (*cache.Frame, *cache.Frame, error) {
	if id == sibling {
		return nil, nil, fmt.Errorf("%w: block %d paired with itself", ErrInvalidOptions, id)
	}
	f, err := d.writable(id)
	if err != nil {
		return nil, nil, err
	}
	s, err := d.writable(sibling)
	if err != nil {
		return nil, nil, err
	}
	return f, s, nil
}

// IsFull reports whether key/value would eat into block id's epsilon margin.
func (d *DB) IsFull(id BlockID, key, value []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.block(id)
	if err != nil {
		return false, err
	}
	return f.Block.IsFull(key, value), nil
}

// IsUnderfull reports whether block id has fallen below its low-water mark.
func (d *DB) IsUnderfull(id BlockID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.block(id)
	if err != nil {
		return false, err
	}
	return f.Block.IsUnderfull(), nil
}

// IsMergable reports whether sibling's pairs would fit into block id.
func (d *DB) IsMergable(id, sibling BlockID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.block(id)
	if err != nil {
		return false, err
	}
	s, err := d.block(sibling)
	if err != nil {
		return false, err
	}
	return f.Block.IsMergable(s.Block), nil
}

// Validate checks block id's structural invariants.
func (d *DB) Validate(id BlockID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.block(id)
	if err != nil {
		return err
	}
	return f.Block.Validate()
}

// Scan calls fn for each pair of block id in key order until fn returns
// false. Keys and values are only valid during the call.
func (d *DB) Scan(id BlockID, fn func(key, value []byte) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := d.block(id)
	if err != nil {
		return err
	}
	for k, v := range f.Block.Pairs() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

// NumBlocks returns the number of block IDs handed out so far.
func (d *DB) NumBlocks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.nextID)
}

// Apply replays a batch of encoded patches produced by another database's
// CommitHook and logs them here. All patches must target one block: an
// existing block, or the next unallocated ID when the batch formats a fresh
// block. The batch is applied to a copy of the block and takes effect only
// if every patch applies and the result validates; otherwise nothing
// changes and no block is allocated.
func (d *DB) Apply(batch []byte) error {
	patches, err := patch.DecodeAll(batch)
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		return patch.Corruptf("empty patch batch")
	}
	id := patches[0].BlockID
	for _, p := range patches[1:] {
		if p.BlockID != id {
			return patch.Corruptf("batch mixes blocks %d and %d", id, p.BlockID)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDatabaseClosed
	}
	if d.err != nil {
		return d.err
	}

	var f *cache.Frame
	scratch := make([]byte, d.opts.blockSize)
	switch {
	case id > d.nextID:
		return fmt.Errorf("%w: %d, next block is %d", ErrBlockNotFound, id, d.nextID)
	case id < d.nextID:
		if f, err = d.block(id); err != nil {
			return err
		}
		copy(scratch, f.Block.Bytes())
	}

	b := leaf.Load(scratch, d.opts.leaf)
	if err := patch.ApplyAll(b, patches); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: block %d: %w", ErrApply, id, err)
	}

	if f == nil {
		f = d.newFrame()
	}
	copy(f.Block.Bytes(), scratch)

	col := patch.NewCollector(id)
	for _, p := range patches {
		col.Add(p.Op)
	}
	return d.commit([]*cache.Frame{f}, []*patch.Collector{col})
}

// Checkpoint writes every dirty block to the block file as its next
// version, syncs it, and empties the WAL.
func (d *DB) Checkpoint() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDatabaseClosed
	}
	return d.checkpoint()
}

// checkpoint writes WAL patches into the block file and truncates the WAL.
// Caller must hold d.mu.
func (d *DB) checkpoint() error {
	if d.err != nil {
		return d.err
	}

	dirty := d.cache.Dirty()
	for _, f := range dirty {
		if err := d.store.WriteBlock(f.ID, f.Block.Bytes(), f.Version+1); err != nil {
			return d.fail(fmt.Errorf("checkpoint block %d: %w", f.ID, err))
		}
	}
	if len(dirty) > 0 {
		if err := d.store.Sync(); err != nil {
			return d.fail(fmt.Errorf("checkpoint sync: %w", err))
		}
	}
	for _, f := range dirty {
		f.Version++
		f.Counter = 0
		d.cache.Clean(f)
	}

	if d.wal.Size() > 0 {
		if err := d.wal.Truncate(0); err != nil {
			return d.fail(fmt.Errorf("checkpoint wal truncate: %w", err))
		}
	}
	d.cache.ClearErr()
	return nil
}

// evictFrame writes back a dirty frame the cache is about to drop. The
// block file is synced before the frame's version moves on, since patches
// logged after this point name the new version. Called with d.mu held.
func (d *DB) evictFrame(f *cache.Frame) error {
	if d.err != nil {
		return d.err
	}
	if err := d.store.WriteBlock(f.ID, f.Block.Bytes(), f.Version+1); err != nil {
		return d.fail(fmt.Errorf("evict block %d: %w", f.ID, err))
	}
	if err := d.store.Sync(); err != nil {
		return d.fail(fmt.Errorf("evict sync: %w", err))
	}
	f.Version++
	f.Counter = 0
	f.Dirty = false
	return nil
}

// Stats reports cache and I/O counters.
type Stats struct {
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
	EvictFlushes   uint64
	BlockReads     uint64
	BlockWrites    uint64
	WALBytes       int64
	DirtyBlocks    int
}

// Stats returns cache and I/O counters.
func (d *DB) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	cs := d.cache.Stats()
	ss := d.store.Stats()
	return Stats{
		CacheHits:      cs.Hits,
		CacheMisses:    cs.Misses,
		CacheEvictions: cs.Evictions,
		EvictFlushes:   cs.Flushes,
		BlockReads:     ss.Reads,
		BlockWrites:    ss.Writes,
		WALBytes:       d.wal.Size(),
		DirtyBlocks:    len(d.cache.Dirty()),
	}
}

// backgroundCheckpointer periodically checkpoints the WAL to disk
func (d *DB) backgroundCheckpointer() {
	defer d.wg.Done()

	log := withComponent(d.log, "checkpointer")
	ticker := time.NewTicker(d.opts.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			var err error
			if !d.closed && d.err == nil {
				err = d.checkpoint()
			}
			d.mu.Unlock()
			if err != nil {
				log.Error("background checkpoint failed", "error", err)
			}

		case <-d.stopC:
			return
		}
	}
}

// Close stops the background checkpointer, checkpoints and closes the files.
// A failed database skips the checkpoint; its WAL still holds every patch
// that was acknowledged.
func (d *DB) Close() error {
	// Stop background goroutines
	select {
	case <-d.stopC:
		// Already closed
	default:
		close(d.stopC)
		d.wg.Wait()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDatabaseClosed
	}
	d.closed = true

	var errs []error
	if d.err == nil {
		if err := d.wal.ForceSync(); err != nil {
			errs = append(errs, err)
		} else if err := d.checkpoint(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, d.wal.Close(), d.store.Close())
	return errors.Join(errs...)
}
