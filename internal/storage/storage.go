// Package storage persists leaf blocks in a single file of fixed-size slots.
//
// Slot layout:
//
//	┌──────────────────────┬───────────────┬────────────────┐
//	│ Block data           │ Version: u64  │ Checksum: u64  │
//	└──────────────────────┴───────────────┴────────────────┘
//
// Checksum is xxhash64 of the block data and version. A slot whose trailer
// and data are all zero was never written and reads back as an all-zero
// block at version 0.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/leafdb/internal/base"
)

// TrailerSize is the per-slot overhead.
const TrailerSize = 8 + 8

// Store reads and writes versioned blocks by ID.
type Store interface {
	// ReadBlock returns a copy of the block and its persisted version.
	ReadBlock(id base.BlockID) ([]byte, uint64, error)
	// WriteBlock stores data as the given version of block id.
	WriteBlock(id base.BlockID, data []byte, version uint64) error
	// NumBlocks returns one past the highest block ID ever written.
	NumBlocks() (uint64, error)
	BlockSize() int
	Sync() error
	Stats() Stats
	Close() error
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
}

func checkBlockSize(size int) error {
	if size < 8 || size > base.MaxBlockSize {
		return fmt.Errorf("%w: %d", base.ErrInvalidBlockSize, size)
	}
	return nil
}

func slotSize(blockSize int) int64 { return int64(blockSize) + TrailerSize }

func slotOffset(id base.BlockID, blockSize int) int64 {
	return int64(id) * slotSize(blockSize)
}

// frameSlot fills slot with data, version and checksum.
func frameSlot(slot, data []byte, version uint64) {
	n := copy(slot, data)
	binary.LittleEndian.PutUint64(slot[n:], version)
	binary.LittleEndian.PutUint64(slot[n+8:], xxhash.Sum64(slot[:n+8]))
}

// unframeSlot verifies slot and returns a copy of its block and version.
func unframeSlot(id base.BlockID, slot []byte) ([]byte, uint64, error) {
	n := len(slot) - TrailerSize
	version := binary.LittleEndian.Uint64(slot[n:])
	checksum := binary.LittleEndian.Uint64(slot[n+8:])

	data := make([]byte, n)
	copy(data, slot[:n])
	if version == 0 && checksum == 0 && isZero(data) {
		return data, 0, nil
	}
	if sum := xxhash.Sum64(slot[:n+8]); sum != checksum {
		return nil, 0, fmt.Errorf("%w: block %d checksum %#016x, want %#016x", base.ErrInvalidChecksum, id, sum, checksum)
	}
	return data, version, nil
}

func written(slot []byte) bool {
	return !isZero(slot[len(slot)-TrailerSize:])
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
