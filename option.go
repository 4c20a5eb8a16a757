package leafdb

import (
	"fmt"
	"time"

	"github.com/alexhholmes/leafdb/internal/base"
	"github.com/alexhholmes/leafdb/internal/cache"
	"github.com/alexhholmes/leafdb/internal/leaf"
	"github.com/alexhholmes/leafdb/internal/patch"
	"github.com/alexhholmes/leafdb/internal/wal"
)

// SyncMode controls when database writes are fsynced to disk
type SyncMode int

const (
	// SyncEveryCommit fsyncs the WAL on every mutation. Blocks are stored
	// with positioned file I/O.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs the WAL when at least N bytes have been written since
	// the last fsync. Blocks are stored with mmap I/O.
	// - Some data loss possible on crash (up to N bytes)
	SyncBytes

	// SyncOff disables WAL fsync entirely (testing/bulk loads only). Blocks
	// are stored with mmap I/O.
	// - All unflushed data lost on crash
	SyncOff
)

// Compression selects the WAL batch codec.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
)

func (c Compression) codec() (wal.Codec, error) {
	switch c {
	case CompressionNone:
		return wal.CodecNone, nil
	case CompressionSnappy:
		return wal.CodecSnappy, nil
	case CompressionZstd:
		return wal.CodecZstd, nil
	}
	return 0, fmt.Errorf("%w: compression %d", ErrInvalidOptions, c)
}

// CommitHook observes every commit, once per block it touched, as the
// concatenated patch records Apply accepts. Batches arrive in log order and
// each leaves its block well formed. It runs with the database lock held
// and must not call back into the DB.
type CommitHook func(id BlockID, batch []byte)

// Options configures database behavior.
type Options struct {
	syncMode           SyncMode
	syncBytes          int // Number of bytes to write before fsync when SyncMode is SyncBytes.
	cacheSize          int // Maximum number of blocks held in memory.
	compression        Compression
	blockSize          int
	leaf               leaf.Config
	checkpointInterval time.Duration // 0 disables the background checkpointer.
	logger             Logger
	commitHook         CommitHook
}

// DefaultOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		syncMode:           SyncEveryCommit,
		syncBytes:          1024 * 1024, // 1MB
		cacheSize:          1024,
		compression:        CompressionNone,
		blockSize:          base.BlockSize,
		leaf:               leaf.DefaultConfig(),
		checkpointInterval: 200 * time.Millisecond,
		logger:             DiscardLogger{},
	}
}

// Option configures database options using the functional options pattern.
type Option func(*Options)

// WithSyncEveryCommit configures the database to fsync on every commit.
// This provides maximum durability (zero data loss) but lower throughput.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() Option {
	return func(opts *Options) {
		opts.syncMode = SyncEveryCommit
	}
}

// WithSyncBytes fsyncs the WAL once n bytes have accumulated.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncBytes(n int) Option {
	return func(opts *Options) {
		opts.syncMode = SyncBytes
		opts.syncBytes = n
	}
}

// WithSyncOff disables fsync entirely.
// This provides maximum throughput but all unflushed data is lost on crash.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() Option {
	return func(opts *Options) {
		opts.syncMode = SyncOff
	}
}

// WithCacheSize sets the maximum number of blocks kept in memory. Dirty
// blocks pushed out of the cache are written back first.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheSize(blocks int) Option {
	return func(opts *Options) {
		opts.cacheSize = blocks
	}
}

// WithCompression compresses WAL batches.
//
//goland:noinspection GoUnusedExportedFunction
func WithCompression(c Compression) Option {
	return func(opts *Options) {
		opts.compression = c
	}
}

// WithBlockSize sets the block size for a new database. Reopening an
// existing database with a different size is not detected.
//
//goland:noinspection GoUnusedExportedFunction
func WithBlockSize(n int) Option {
	return func(opts *Options) {
		opts.blockSize = n
	}
}

// WithLeafLimits sets the key and value size ceilings, which also fix the
// epsilon margin every block keeps free, and the underfull ratio.
//
//goland:noinspection GoUnusedExportedFunction
func WithLeafLimits(maxKeySize, maxValueSize int, underfullRatio float64) Option {
	return func(opts *Options) {
		opts.leaf = leaf.Config{
			MaxKeySize:     maxKeySize,
			MaxValueSize:   maxValueSize,
			UnderfullRatio: underfullRatio,
		}
	}
}

// WithCheckpointInterval sets how often dirty blocks are written back and
// the WAL truncated. Zero disables background checkpoints.
//
//goland:noinspection GoUnusedExportedFunction
func WithCheckpointInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.checkpointInterval = d
	}
}

// WithLogger sets the logger.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.logger = l
	}
}

// WithCommitHook installs a hook that sees every committed patch batch, for
// shipping them to a replica.
//
//goland:noinspection GoUnusedExportedFunction
func WithCommitHook(fn CommitHook) Option {
	return func(opts *Options) {
		opts.commitHook = fn
	}
}

func (o Options) validate() error {
	if o.blockSize < leaf.HeaderSize || o.blockSize > base.MaxBlockSize {
		return fmt.Errorf("%w: block size %d", ErrInvalidBlockSize, o.blockSize)
	}
	// The header and offset array of a full block go out as one MemCopy.
	if o.blockSize+patch.HeaderSize+4 > patch.MaxSize {
		return fmt.Errorf("%w: block size %d too large to log", ErrInvalidBlockSize, o.blockSize)
	}
	cfg := o.leaf
	if cfg.MaxKeySize < 1 || cfg.MaxValueSize < 0 {
		return fmt.Errorf("%w: key limit %d, value limit %d", ErrInvalidOptions, cfg.MaxKeySize, cfg.MaxValueSize)
	}
	if cfg.UnderfullRatio < 0 || cfg.UnderfullRatio >= 1 {
		return fmt.Errorf("%w: underfull ratio %v", ErrInvalidOptions, cfg.UnderfullRatio)
	}
	// A split must leave both halves able to take one more maximal pair.
	if need := cfg.MinBlockSize(); need > o.blockSize {
		return fmt.Errorf("%w: %d byte block cannot hold limits needing %d", ErrInvalidOptions, o.blockSize, need)
	}
	if o.syncMode == SyncBytes && o.syncBytes <= 0 {
		return fmt.Errorf("%w: sync bytes %d", ErrInvalidOptions, o.syncBytes)
	}
	if o.cacheSize < cache.MinCacheSize {
		return fmt.Errorf("%w: cache of %d blocks, need %d", ErrInvalidOptions, o.cacheSize, cache.MinCacheSize)
	}
	if _, err := o.compression.codec(); err != nil {
		return err
	}
	if o.logger == nil {
		return fmt.Errorf("%w: nil logger", ErrInvalidOptions)
	}
	return nil
}

func (o Options) walSyncMode() wal.SyncMode {
	switch o.syncMode {
	case SyncBytes:
		return wal.SyncBytes
	case SyncOff:
		return wal.SyncOff
	default:
		return wal.SyncEveryCommit
	}
}
