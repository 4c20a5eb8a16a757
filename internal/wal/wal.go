// Package wal persists block patch histories. Records are appended in
// batches; each batch is checksummed and optionally compressed, so a torn
// write at the tail is detected on replay and cut off.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/leafdb/internal/patch"
)

// SyncMode controls when the WAL is fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs on every commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when bytesPerSync bytes have been written.
	// - Higher throughput than per-commit fsync
	// - Data loss window: up to bytesPerSync bytes on power failure
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed data lost on crash
	SyncOff
)

// Batch format:
//
//	[Magic:4][Codec:1][RawLen:4][PayloadLen:4][Checksum:8][Payload:PayloadLen]
//
// Checksum is xxhash64 of the stored (possibly compressed) payload. The
// decompressed payload is RawLen bytes of back-to-back records.
const (
	batchMagic      uint32 = 0x4c57414c // "LAWL"
	BatchHeaderSize        = 4 + 1 + 4 + 4 + 8

	maxBatchSize = 64 << 20
)

// TailError reports that replay stopped at a batch that could not be read.
// Everything before Offset was replayed; the rest of the file is garbage,
// usually a write torn by a crash.
type TailError struct {
	Offset int64
	Err    error
}

func (e *TailError) Error() string {
	return fmt.Sprintf("wal: unreadable tail at offset %d: %v", e.Offset, e.Err)
}

func (e *TailError) Unwrap() error { return e.Err }

// WAL is an append-only log of block patches.
type WAL struct {
	file   *os.File
	mu     sync.Mutex
	offset int64 // Current write position

	// Sync configuration
	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int // Bytes written since last fsync

	codec Codec
	comp  *compressor

	// Records appended since the last Flush
	pending      []byte
	pendingCount int
}

// NewWAL opens or creates a WAL file with the specified sync mode and batch
// compression.
func NewWAL(path string, syncMode SyncMode, bytesPerSync int, codec Codec) (*WAL, error) {
	if !codec.valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	// get current file size to set offset
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	comp, err := newCompressor()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:         file,
		offset:       info.Size(),
		syncMode:     syncMode,
		bytesPerSync: bytesPerSync,
		codec:        codec,
		comp:         comp,
	}, nil
}

// Append buffers records for the next Flush.
func (w *WAL) Append(records ...Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	mark := len(w.pending)
	for _, r := range records {
		var err error
		w.pending, err = appendRecord(w.pending, r)
		if err != nil {
			w.pending = w.pending[:mark]
			return fmt.Errorf("wal append: block %d counter %d: %w", r.Patch.BlockID, r.Counter, err)
		}
	}
	w.pendingCount += len(records)
	return nil
}

// Flush writes the buffered records as a single batch.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingCount == 0 {
		return nil
	}
	if size := len(w.pending); size > maxBatchSize {
		w.discardPending()
		return fmt.Errorf("wal flush: batch of %d bytes exceeds %d", size, maxBatchSize)
	}

	payload, err := w.comp.compress(w.codec, w.pending)
	if err != nil {
		w.discardPending()
		return err
	}

	buf := make([]byte, BatchHeaderSize, BatchHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], batchMagic)
	buf[4] = byte(w.codec)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(w.pending)))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[13:21], xxhash.Sum64(payload))
	buf = append(buf, payload...)

	// A failed batch is dropped whole; the caller never saw it commit.
	w.discardPending()
	if _, err := w.file.WriteAt(buf, w.offset); err != nil {
		return err
	}

	w.offset += int64(len(buf))
	w.bytesSinceSync += len(buf)
	return nil
}

func (w *WAL) discardPending() {
	w.pending = w.pending[:0]
	w.pendingCount = 0
}

// Sync conditionally fsyncs the WAL based on sync mode configuration
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.syncMode {
	case SyncEveryCommit:
		return w.syncUnsafe()

	case SyncBytes:
		if w.bytesSinceSync >= w.bytesPerSync {
			return w.syncUnsafe()
		}
		return nil

	case SyncOff:
		return nil

	default:
		return fmt.Errorf("unknown wal sync mode: %d", w.syncMode)
	}
}

// ForceSync unconditionally fsyncs the WAL regardless of sync mode.
// Used during Close() and checkpoint to ensure durability.
func (w *WAL) ForceSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.syncUnsafe()
}

// syncUnsafe performs fsync and resets the byte counter.
// Caller must hold w.mu.
func (w *WAL) syncUnsafe() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.bytesSinceSync = 0
	return nil
}

// Size returns the number of bytes written to the log.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Replay reads every batch in file order, sorts the records with
// SortRecords and hands them to fn. Reading stops at the first batch that
// fails to decode; the records before it are still replayed and a
// *TailError locating the bad batch is returned afterwards. An error from
// fn aborts the replay and is returned as is.
func (w *WAL) Replay(fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := make([]byte, w.offset)
	if _, err := w.file.ReadAt(data, 0); err != nil && err != io.EOF {
		return fmt.Errorf("wal replay read error: %w", err)
	}

	var (
		records []Record
		tail    *TailError
	)
	for off := 0; off < len(data); {
		recs, n, err := w.readBatch(data[off:])
		if err != nil {
			tail = &TailError{Offset: int64(off), Err: err}
			break
		}
		records = append(records, recs...)
		off += n
	}

	SortRecords(records)
	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	if tail != nil {
		return tail
	}
	return nil
}

// readBatch decodes the batch at the front of buf and returns its records
// and encoded length.
func (w *WAL) readBatch(buf []byte) ([]Record, int, error) {
	if len(buf) < BatchHeaderSize {
		return nil, 0, patch.Corruptf("truncated batch header: %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf); magic != batchMagic {
		return nil, 0, patch.Corruptf("bad batch magic %#08x", magic)
	}
	codec := Codec(buf[4])
	rawLen := int(binary.LittleEndian.Uint32(buf[5:9]))
	payloadLen := int(binary.LittleEndian.Uint32(buf[9:13]))
	checksum := binary.LittleEndian.Uint64(buf[13:21])

	if rawLen > maxBatchSize || payloadLen > maxBatchSize {
		return nil, 0, patch.Corruptf("batch of %d/%d bytes exceeds %d", rawLen, payloadLen, maxBatchSize)
	}
	end := BatchHeaderSize + payloadLen
	if end > len(buf) {
		return nil, 0, patch.Corruptf("truncated batch: %d of %d bytes", len(buf), end)
	}
	payload := buf[BatchHeaderSize:end]
	if sum := xxhash.Sum64(payload); sum != checksum {
		return nil, 0, patch.Corruptf("batch checksum %#016x, want %#016x", sum, checksum)
	}

	raw, err := w.comp.decompress(codec, payload, rawLen)
	if err != nil {
		return nil, 0, err
	}
	recs, err := DecodeRecords(raw)
	if err != nil {
		return nil, 0, err
	}
	return recs, end, nil
}

// Extract scans r for batches and hands every record it can recover to fn,
// in file order. Unlike Replay it does not stop at a corrupt batch: it
// resynchronizes on the next batch magic and keeps going. It returns the
// number of corrupt regions it skipped. Meant for diagnostics.
func Extract(r io.Reader, fn func(Record) error) (skipped int, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	comp, err := newCompressor()
	if err != nil {
		return 0, err
	}
	defer comp.close()
	w := &WAL{comp: comp}

	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], batchMagic)

	for off := 0; off < len(data); {
		recs, n, err := w.readBatch(data[off:])
		if err == nil {
			for _, rec := range recs {
				if err := fn(rec); err != nil {
					return skipped, err
				}
			}
			off += n
			continue
		}

		skipped++
		next := bytes.Index(data[off+1:], magic[:])
		if next < 0 {
			break
		}
		off += 1 + next
	}
	return skipped, nil
}

// Truncate cuts the log to size bytes. Truncate(0) is used after a
// checkpoint, when every logged patch is reflected in the block file; a
// positive size drops an unreadable tail found by Replay.
// SAFETY: Only call this once the dropped records are durable elsewhere or
// known to be garbage.
func (w *WAL) Truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if size < 0 || size > w.offset {
		return fmt.Errorf("wal truncate: size %d outside [0, %d]", size, w.offset)
	}
	if err := w.file.Truncate(size); err != nil {
		return err
	}
	w.offset = size
	w.bytesSinceSync = 0
	return w.file.Sync()
}

// Close closes the WAL file. Buffered records that were never flushed are
// dropped.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.comp.close()
	return w.file.Close()
}
