package leafdb

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/leafdb/internal/base"
	"github.com/alexhholmes/leafdb/internal/leaf"
	"github.com/alexhholmes/leafdb/internal/patch"
)

type recordLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
	infos  []string
}

func (l *recordLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func openTestDB(t *testing.T, path string, options ...Option) *DB {
	t.Helper()
	options = append([]Option{WithCheckpointInterval(0)}, options...)
	db, err := Open(path, options...)
	require.NoError(t, err)
	return db
}

// crash drops the database on the floor: no checkpoint, no final sync.
func crash(t *testing.T, db *DB) {
	t.Helper()
	close(db.stopC)
	db.wg.Wait()

	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	require.NoError(t, db.wal.Close())
	require.NoError(t, db.store.Close())
}

func key(i int) []byte { return []byte(fmt.Sprintf("key%05d", i)) }

func value(i, size int) []byte {
	return bytes.Repeat([]byte{byte('a' + i%26)}, size)
}

func contents(t *testing.T, db *DB, id BlockID) map[string]string {
	t.Helper()
	m := make(map[string]string)
	require.NoError(t, db.Scan(id, func(k, v []byte) bool {
		m[string(k)] = string(v)
		return true
	}))
	return m
}

func rawBlock(t *testing.T, db *DB, id BlockID) []byte {
	t.Helper()
	db.mu.Lock()
	defer db.mu.Unlock()
	f, err := db.block(id)
	require.NoError(t, err)
	return bytes.Clone(f.Block.Bytes())
}

func TestBasicOperations(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer db.Close()

	id, err := db.Allocate()
	require.NoError(t, err)
	require.NoError(t, db.Validate(id))

	require.NoError(t, db.Put(id, []byte("b"), []byte("2")))
	require.NoError(t, db.Put(id, []byte("a"), []byte("1")))
	require.NoError(t, db.Put(id, []byte("b"), []byte("two")))

	v, err := db.Get(id, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(v))

	_, err = db.Get(id, []byte("zzz"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	found, err := db.Delete(id, []byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	found, err = db.Delete(id, []byte("a"))
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, map[string]string{"b": "two"}, contents(t, db, id))
	require.NoError(t, db.Validate(id))
}

func TestPutValidation(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer db.Close()

	id, err := db.Allocate()
	require.NoError(t, err)

	assert.ErrorIs(t, db.Put(id, nil, []byte("v")), ErrKeyEmpty)
	assert.ErrorIs(t, db.Put(id, make([]byte, 251), nil), ErrKeyTooLarge)
	assert.ErrorIs(t, db.Put(id, []byte("k"), make([]byte, 513)), ErrValueTooLarge)
	assert.ErrorIs(t, db.Put(id+1, []byte("k"), nil), ErrBlockNotFound)
	_, err = db.Get(99, []byte("k"))
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

// fill puts pairs into id until the block reports full and returns what
// went in, plus the first pair that was refused.
func fill(t *testing.T, db *DB, id BlockID, start int) (map[string]string, int) {
	t.Helper()
	want := make(map[string]string)
	for i := start; ; i++ {
		k, v := key(i), value(i, 100)
		err := db.Put(id, k, v)
		if err == ErrBlockFull {
			full, ferr := db.IsFull(id, k, v)
			require.NoError(t, ferr)
			assert.True(t, full)
			return want, i
		}
		require.NoError(t, err)
		want[string(k)] = string(v)
	}
}

func TestSplitFullBlock(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer db.Close()

	id, err := db.Allocate()
	require.NoError(t, err)
	want, next := fill(t, db, id, 0)

	right, median, err := db.Split(id)
	require.NoError(t, err)
	assert.Equal(t, id+1, right)
	require.NoError(t, db.Validate(id))
	require.NoError(t, db.Validate(right))

	left := contents(t, db, id)
	upper := contents(t, db, right)
	for k := range left {
		assert.Less(t, k, string(median))
	}
	for k := range upper {
		assert.GreaterOrEqual(t, k, string(median))
	}
	merged := make(map[string]string)
	for k, v := range left {
		merged[k] = v
	}
	for k, v := range upper {
		merged[k] = v
	}
	assert.Equal(t, want, merged)

	// The refused pair sorts last, so it now fits on the right.
	require.NoError(t, db.Put(right, key(next), value(next, 100)))

	underfull, err := db.IsUnderfull(id)
	require.NoError(t, err)
	assert.False(t, underfull)
}

func TestSplitNeedsTwoPairs(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer db.Close()

	id, err := db.Allocate()
	require.NoError(t, err)
	require.NoError(t, db.Put(id, []byte("only"), nil))
	_, _, err = db.Split(id)
	assert.ErrorIs(t, err, ErrBlockTooSmall)
}

func TestMergeAndLevel(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer db.Close()

	left, err := db.Allocate()
	require.NoError(t, err)
	want, _ := fill(t, db, left, 0)
	right, median, err := db.Split(left)
	require.NoError(t, err)

	mergable, err := db.IsMergable(left, right)
	require.NoError(t, err)
	require.True(t, mergable)

	// Empty most of the left block, then pull pairs back across.
	for k := range contents(t, db, left) {
		if len(contents(t, db, left)) == 1 {
			break
		}
		_, err := db.Delete(left, []byte(k))
		require.NoError(t, err)
		delete(want, k)
	}
	oldSep, newSep, ok, err := db.Level(left, right)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, median, oldSep)
	firstRight := ""
	require.NoError(t, db.Scan(right, func(k, _ []byte) bool {
		firstRight = string(k)
		return false
	}))
	assert.Equal(t, firstRight, string(newSep))

	sep, err := db.Merge(left, right)
	require.NoError(t, err)
	assert.Equal(t, newSep, sep)
	assert.Equal(t, want, contents(t, db, left))
	require.NoError(t, db.Validate(left))

	_, err = db.Merge(left, left)
	assert.Error(t, err)
}

func TestMergeRefusesOverfullPair(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer db.Close()

	a, err := db.Allocate()
	require.NoError(t, err)
	b, err := db.Allocate()
	require.NoError(t, err)
	fill(t, db, a, 0)
	fill(t, db, b, 1000)

	before := rawBlock(t, db, b)
	_, err = db.Merge(a, b)
	assert.ErrorIs(t, err, ErrNotMergable)
	assert.Equal(t, before, rawBlock(t, db, b))
}

func TestRecoveryWithoutCheckpoint(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionZstd} {
		t.Run(fmt.Sprint(c), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.db")
			db := openTestDB(t, path, WithCompression(c))

			rng := rand.New(rand.NewPCG(uint64(c), 1))
			id, err := db.Allocate()
			require.NoError(t, err)
			blocks := []BlockID{id}
			for i := 0; i < 400; i++ {
				target := blocks[rng.IntN(len(blocks))]
				k := key(rng.IntN(1000))
				switch err := db.Put(target, k, value(i, rng.IntN(200))); err {
				case nil:
				case ErrBlockFull:
					right, _, err := db.Split(target)
					require.NoError(t, err)
					blocks = append(blocks, right)
				default:
					require.NoError(t, err)
				}
				if rng.IntN(4) == 0 {
					_, err := db.Delete(target, key(rng.IntN(1000)))
					require.NoError(t, err)
				}
			}

			images := make(map[BlockID][]byte)
			for _, id := range blocks {
				images[id] = rawBlock(t, db, id)
			}
			crash(t, db)

			log := &recordLogger{}
			db = openTestDB(t, path, WithCompression(c), WithLogger(log))
			defer db.Close()
			assert.Equal(t, uint64(len(blocks)), db.NumBlocks())
			for _, id := range blocks {
				assert.Equal(t, images[id], rawBlock(t, db, id), "block %d", id)
				require.NoError(t, db.Validate(id))
			}
			assert.Equal(t, []string{"recovered from wal"}, log.infos)
		})
	}
}

func TestRecoveryAfterCheckpoint(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openTestDB(t, path)

	id, err := db.Allocate()
	require.NoError(t, err)
	require.NoError(t, db.Put(id, []byte("before"), []byte("1")))
	require.NoError(t, db.Checkpoint())
	assert.Equal(t, int64(0), db.Stats().WALBytes)
	assert.Equal(t, 0, db.Stats().DirtyBlocks)

	require.NoError(t, db.Put(id, []byte("after"), []byte("2")))
	_, err = db.Delete(id, []byte("before"))
	require.NoError(t, err)
	crash(t, db)

	db = openTestDB(t, path)
	defer db.Close()
	assert.Equal(t, map[string]string{"after": "2"}, contents(t, db, id))
}

func TestRecoveryDropsTornTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openTestDB(t, path)
	id, err := db.Allocate()
	require.NoError(t, err)
	require.NoError(t, db.Put(id, []byte("k"), []byte("v")))
	crash(t, db)

	// Half a batch header, as a crash mid-write would leave.
	f, err := os.OpenFile(path+".wal", os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x4c, 0x41, 0x57, 0x4c, 0x00, 0x10})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log := &recordLogger{}
	db = openTestDB(t, path, WithLogger(log))
	defer db.Close()
	assert.Equal(t, []string{"dropping unreadable wal tail"}, log.warns)

	v, err := db.Get(id, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	// The log is writable again after the cut.
	require.NoError(t, db.Put(id, []byte("k2"), []byte("v2")))
}

func TestEvictionWritesBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	db := openTestDB(t, path, WithCacheSize(16))

	var ids []BlockID
	for i := 0; i < 48; i++ {
		id, err := db.Allocate()
		require.NoError(t, err)
		require.NoError(t, db.Put(id, key(i), value(i, 10)))
		ids = append(ids, id)
	}
	stats := db.Stats()
	assert.Positive(t, stats.EvictFlushes)
	assert.Positive(t, stats.BlockWrites)

	// Touch evicted blocks again so they pick up patches on a new version.
	for i, id := range ids {
		require.NoError(t, db.Put(id, []byte("extra"), value(i, 5)))
	}
	crash(t, db)

	db = openTestDB(t, path, WithCacheSize(16))
	defer db.Close()
	for i, id := range ids {
		assert.Equal(t, map[string]string{
			string(key(i)): string(value(i, 10)),
			"extra":        string(value(i, 5)),
		}, contents(t, db, id), "block %d", id)
	}
}

func TestReplicationByApply(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var shipped [][]byte
	primary := openTestDB(t, filepath.Join(dir, "primary.db"), WithCommitHook(func(_ BlockID, batch []byte) {
		shipped = append(shipped, batch)
	}))
	defer primary.Close()
	replica := openTestDB(t, filepath.Join(dir, "replica.db"))
	defer replica.Close()

	id, err := primary.Allocate()
	require.NoError(t, err)
	_, next := fill(t, primary, id, 0)
	right, _, err := primary.Split(id)
	require.NoError(t, err)
	require.NoError(t, primary.Put(right, key(next), value(next, 100)))
	_, err = primary.Delete(id, key(3))
	require.NoError(t, err)

	for _, batch := range shipped {
		require.NoError(t, replica.Apply(batch))
	}
	assert.Equal(t, primary.NumBlocks(), replica.NumBlocks())
	for _, b := range []BlockID{id, right} {
		assert.Equal(t, rawBlock(t, primary, b), rawBlock(t, replica, b), "block %d", b)
	}

	// Replayed patches are durable on the replica too.
	path := filepath.Join(dir, "replica.db")
	image := rawBlock(t, replica, right)
	crash(t, replica)
	reopened := openTestDB(t, path)
	defer reopened.Close()
	assert.Equal(t, image, rawBlock(t, reopened, right))

	assert.ErrorIs(t, reopened.Apply([]byte{1, 2, 3}), ErrCorruptPatch)
}

func TestBackgroundCheckpoint(t *testing.T) {
	t.Parallel()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"), WithCheckpointInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer db.Close()

	id, err := db.Allocate()
	require.NoError(t, err)
	require.NoError(t, db.Put(id, []byte("k"), []byte("v")))

	assert.Eventually(t, func() bool {
		s := db.Stats()
		return s.WALBytes == 0 && s.DirtyBlocks == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncModes(t *testing.T) {
	t.Parallel()

	for name, opt := range map[string]Option{
		"every_commit": WithSyncEveryCommit(),
		"bytes":        WithSyncBytes(4096),
		"off":          WithSyncOff(),
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.db")
			db := openTestDB(t, path, opt)
			id, err := db.Allocate()
			require.NoError(t, err)
			require.NoError(t, db.Put(id, []byte("k"), []byte("v")))
			require.NoError(t, db.Close())

			db = openTestDB(t, path, opt)
			defer db.Close()
			v, err := db.Get(id, []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, "v", string(v))
		})
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	id, err := db.Allocate()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Close(), ErrDatabaseClosed)
	_, err = db.Get(id, []byte("k"))
	assert.ErrorIs(t, err, ErrDatabaseClosed)
	assert.ErrorIs(t, db.Put(id, []byte("k"), nil), ErrDatabaseClosed)
	_, err = db.Allocate()
	assert.ErrorIs(t, err, ErrDatabaseClosed)
	assert.ErrorIs(t, db.Checkpoint(), ErrDatabaseClosed)
}

func TestOptionValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opt  Option
	}{
		{"tiny_block", WithBlockSize(512)},
		{"huge_block", WithBlockSize(70000)},
		{"zero_key_limit", WithLeafLimits(0, 10, 0.25)},
		{"bad_ratio", WithLeafLimits(16, 16, 1.5)},
		{"small_cache", WithCacheSize(2)},
		{"sync_bytes_zero", WithSyncBytes(0)},
		{"bad_compression", WithCompression(Compression(9))},
		{"nil_logger", WithLogger(nil)},
		{"split_halves_too_small", func(o *Options) {
			WithBlockSize(415)(o)
			WithLeafLimits(10, 84, 0.25)(o)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(filepath.Join(t.TempDir(), "test.db"), tt.opt)
			assert.Error(t, err)
		})
	}

	smallest := openTestDB(t, filepath.Join(t.TempDir(), "test.db"), WithBlockSize(416), WithLeafLimits(10, 84, 0.25))
	require.NoError(t, smallest.Close())

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"), WithBlockSize(1024), WithLeafLimits(16, 64, 0.25))
	defer db.Close()
	id, err := db.Allocate()
	require.NoError(t, err)
	assert.ErrorIs(t, db.Put(id, make([]byte, 17), nil), ErrKeyTooLarge)
}

func encodeBatch(t *testing.T, patches ...patch.Patch) []byte {
	t.Helper()
	var buf []byte
	for _, p := range patches {
		var err error
		buf, err = p.AppendBinary(buf)
		require.NoError(t, err)
	}
	return buf
}

func TestApplyOnlyExtendsWithFreshBlocks(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer db.Close()

	id, err := db.Allocate()
	require.NoError(t, err)
	walBytes := db.Stats().WALBytes

	err = db.Apply(encodeBatch(t, patch.Patch{BlockID: 200000, Op: patch.ErasePresence{Index: 0}}))
	assert.ErrorIs(t, err, ErrBlockNotFound)
	err = db.Apply(encodeBatch(t, patch.Patch{BlockID: 1 << 40, Op: patch.MemCopy{Dest: 0, Data: []byte{1}}}))
	assert.ErrorIs(t, err, ErrBlockNotFound)

	// The next ID, but the batch does not format a leaf.
	err = db.Apply(encodeBatch(t, patch.Patch{BlockID: id + 1, Op: patch.ErasePresence{Index: 0}}))
	assert.ErrorIs(t, err, ErrApply)
	err = db.Apply(encodeBatch(t, patch.Patch{BlockID: id + 1, Op: patch.MemCopy{Dest: 100, Data: []byte{1}}}))
	assert.ErrorIs(t, err, ErrApply)

	assert.Equal(t, uint64(1), db.NumBlocks())
	assert.Equal(t, walBytes, db.Stats().WALBytes, "rejected batches are not logged")
	require.NoError(t, db.Validate(id))

	header := leaf.Init(make([]byte, base.BlockSize), leaf.DefaultConfig()).Bytes()[:leaf.HeaderSize]
	require.NoError(t, db.Apply(encodeBatch(t, patch.Patch{BlockID: id + 1, Op: patch.MemCopy{Dest: 0, Data: header}})))
	assert.Equal(t, uint64(2), db.NumBlocks())
	require.NoError(t, db.Validate(id+1))

	next, err := db.Allocate()
	require.NoError(t, err)
	assert.Equal(t, id+2, next)
}

func TestApplyRejectsCorruptingBatch(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer db.Close()

	id, err := db.Allocate()
	require.NoError(t, err)
	require.NoError(t, db.Put(id, []byte("a"), []byte("1")))
	before := rawBlock(t, db, id)

	tests := []struct {
		name    string
		batch   []byte
		wantErr error
	}{
		{"pair_count_past_slots", encodeBatch(t,
			patch.Patch{BlockID: id, Op: patch.MemCopy{Dest: 4, Data: []byte{3, 0}}}), ErrApply},
		{"insert_after_bad_header", encodeBatch(t,
			patch.Patch{BlockID: id, Op: patch.MemCopy{Dest: 4, Data: []byte{3, 0}}},
			patch.Patch{BlockID: id, Op: patch.Insert{Key: []byte("z"), Value: []byte("9")}}), ErrApply},
		{"second_patch_misfits", encodeBatch(t,
			patch.Patch{BlockID: id, Op: patch.Insert{Key: []byte("b"), Value: []byte("2")}},
			patch.Patch{BlockID: id, Op: patch.ErasePresence{Index: 9}}), ErrApply},
		{"mixed_blocks", encodeBatch(t,
			patch.Patch{BlockID: id, Op: patch.Remove{Key: []byte("a")}},
			patch.Patch{BlockID: id + 1, Op: patch.Remove{Key: []byte("a")}}), ErrCorruptPatch},
		{"trailing_garbage", append(encodeBatch(t,
			patch.Patch{BlockID: id, Op: patch.Remove{Key: []byte("a")}}), 1, 2), ErrCorruptPatch},
		{"empty", nil, ErrCorruptPatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, db.Apply(tt.batch), tt.wantErr)
			assert.Equal(t, before, rawBlock(t, db, id))

			_, err := db.Get(id, []byte("z"))
			assert.ErrorIs(t, err, ErrKeyNotFound)
			v, err := db.Get(id, []byte("a"))
			require.NoError(t, err)
			assert.Equal(t, "1", string(v))
		})
	}

	// The database is still writable.
	require.NoError(t, db.Put(id, []byte("b"), []byte("2")))
}
