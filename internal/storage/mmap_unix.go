// mmap_unix.go
//go:build linux || darwin

package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/alexhholmes/leafdb/internal/base"
)

// growthSize is the mapping granularity. Files grow sparsely in chunks of
// this size to reduce remap frequency.
const growthSize = 64 * 1024 * 1024

var errClosed = errors.New("storage closed")

// MMap implements Store using memory-mapped I/O
type MMap struct {
	mu        sync.RWMutex // guards remaps
	file      *os.File
	mmapData  []byte
	mmapSize  int64
	blockSize int

	// Stats counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
}

// NewMMap creates a new memory-mapped block file
func NewMMap(path string, blockSize int) (*MMap, error) {
	if err := checkBlockSize(blockSize); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	size := info.Size()
	if size == 0 || size%growthSize != 0 {
		// Sparse preallocation up to the next chunk boundary
		size = roundUp(max(size, 1))
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, err
		}
	}

	data, err := syscall.Mmap(int(file.Fd()), 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &MMap{
		file:      file,
		mmapData:  data,
		mmapSize:  size,
		blockSize: blockSize,
	}, nil
}

func roundUp(n int64) int64 {
	return ((n + growthSize - 1) / growthSize) * growthSize
}

func (m *MMap) BlockSize() int { return m.blockSize }

// ReadBlock copies a block out of the mapped region. Slots beyond the
// mapping read as never written.
func (m *MMap) ReadBlock(id base.BlockID) ([]byte, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mmapData == nil {
		return nil, 0, errClosed
	}

	n := slotSize(m.blockSize)
	offset := slotOffset(id, m.blockSize)
	m.reads.Add(1)
	if offset+n > m.mmapSize {
		return make([]byte, m.blockSize), 0, nil
	}
	m.read.Add(uint64(n))

	// unframeSlot copies, so the result survives a remap
	return unframeSlot(id, m.mmapData[offset:offset+n])
}

// WriteBlock writes a block into the mapped region, growing it as needed.
func (m *MMap) WriteBlock(id base.BlockID, data []byte, version uint64) error {
	if len(data) != m.blockSize {
		return fmt.Errorf("%w: %d byte block in %d byte store", base.ErrInvalidBlockSize, len(data), m.blockSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mmapData == nil {
		return errClosed
	}

	n := slotSize(m.blockSize)
	offset := slotOffset(id, m.blockSize)
	if offset+n > m.mmapSize {
		if err := m.grow(offset + n); err != nil {
			return err
		}
	}

	m.writes.Add(1)
	frameSlot(m.mmapData[offset:offset+n], data, version)
	m.written.Add(uint64(n))
	return nil
}

// grow remaps the file to cover at least minSize bytes.
// Caller must hold m.mu.
func (m *MMap) grow(minSize int64) error {
	newSize := roundUp(minSize)

	// Start async flush to reduce munmap blocking time
	_ = unix.Msync(m.mmapData, unix.MS_ASYNC)

	if err := syscall.Munmap(m.mmapData); err != nil {
		return err
	}
	m.mmapData = nil

	// Grow file (sparse allocation)
	if err := m.file.Truncate(newSize); err != nil {
		return err
	}

	data, err := syscall.Mmap(int(m.file.Fd()), 0, int(newSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	m.mmapData = data
	m.mmapSize = newSize
	return nil
}

// NumBlocks scans back from the end of the mapping for the highest slot
// that was ever written. The file itself is preallocated, so its size says
// nothing.
func (m *MMap) NumBlocks() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mmapData == nil {
		return 0, errClosed
	}
	n := slotSize(m.blockSize)
	for id := m.mmapSize/n - 1; id >= 0; id-- {
		if written(m.mmapData[id*n : (id+1)*n]) {
			return uint64(id + 1), nil
		}
	}
	return 0, nil
}

// Sync flushes the memory-mapped region to disk
func (m *MMap) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mmapData == nil {
		return errClosed
	}
	if err := unix.Msync(m.mmapData, unix.MS_SYNC); err != nil {
		return err
	}
	return m.file.Sync()
}

// Stats returns I/O statistics
func (m *MMap) Stats() Stats {
	return Stats{
		Reads:   m.reads.Load(),
		Writes:  m.writes.Load(),
		Read:    m.read.Load(),
		Written: m.written.Load(),
	}
}

// Close unmaps the region and closes the file
func (m *MMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mmapData != nil {
		if err := syscall.Munmap(m.mmapData); err != nil {
			return err
		}
		m.mmapData = nil
	}
	return m.file.Close()
}
