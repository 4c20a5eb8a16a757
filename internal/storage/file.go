package storage

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/alexhholmes/leafdb/internal/base"
)

// File implements Store with positioned reads and writes.
type File struct {
	file      *os.File
	blockSize int

	// Stats counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

// NewFile opens or creates a block file.
func NewFile(path string, blockSize int) (*File, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &File{file: file, blockSize: blockSize}, nil
}

func (f *File) BlockSize() int { return f.blockSize }

// ReadBlock reads and verifies one slot. Slots past the end of the file
// read as never written.
func (f *File) ReadBlock(id base.BlockID) ([]byte, uint64, error) {
	slot := make([]byte, slotSize(f.blockSize))

	f.reads.Add(1)
	n, err := f.file.ReadAt(slot, slotOffset(id, f.blockSize))
	f.read.Add(uint64(n))
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	if n != len(slot) && n != 0 {
		return nil, 0, fmt.Errorf("short read: got %d bytes, expected %d", n, len(slot))
	}
	return unframeSlot(id, slot)
}

// WriteBlock writes one slot.
func (f *File) WriteBlock(id base.BlockID, data []byte, version uint64) error {
	if len(data) != f.blockSize {
		return fmt.Errorf("%w: %d byte block in %d byte store", base.ErrInvalidBlockSize, len(data), f.blockSize)
	}
	slot := make([]byte, slotSize(f.blockSize))
	frameSlot(slot, data, version)

	f.writes.Add(1)
	n, err := f.file.WriteAt(slot, slotOffset(id, f.blockSize))
	f.written.Add(uint64(n))
	if err != nil {
		return err
	}
	if n != len(slot) {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, len(slot))
	}
	return nil
}

// NumBlocks derives the block count from the file size.
func (f *File) NumBlocks() (uint64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64((info.Size() + slotSize(f.blockSize) - 1) / slotSize(f.blockSize)), nil
}

// Sync flushes buffered writes to disk
func (f *File) Sync() error {
	return f.file.Sync()
}

// Stats returns I/O statistics
func (f *File) Stats() Stats {
	return Stats{
		Reads:   f.reads.Load(),
		Writes:  f.writes.Load(),
		Read:    f.read.Load(),
		Written: f.written.Load(),
	}
}

// Close closes the file
func (f *File) Close() error {
	return f.file.Close()
}
