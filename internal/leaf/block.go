// Package leaf implements the slotted leaf block of the B-tree: its byte
// layout, the allocator that carves pairs out of the free region, and the
// lookup/insert/remove/split/merge/level algorithms built on top of it.
package leaf

import (
	"encoding/binary"
	"fmt"

	"github.com/alexhholmes/leafdb/internal/base"
)

const (
	// Kind tags a block as a leaf in the shared node header ("LF").
	Kind uint16 = 0x4c46

	HeaderSize = 8 // Kind(2) + Flags(2) + PairCount(2) + Frontmost(2)
	SlotSize   = 2

	offKind      = 0
	offFlags     = 2
	offPairCount = 4
	offFrontmost = 6
)

// Config carries the engine limits a block is sized against.
type Config struct {
	MaxKeySize     int
	MaxValueSize   int
	UnderfullRatio float64 // low-water mark as a fraction of BlockSize-Epsilon
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxKeySize:     base.MaxKeySize,
		MaxValueSize:   base.MaxValueSize,
		UnderfullRatio: 0.25,
	}
}

// Epsilon is the slack kept free before a block reports full: one maximal
// pair. Without it a split followed by an insert could immediately satisfy
// the merge condition again.
func (c Config) Epsilon() int {
	return keySizeLen + c.MaxKeySize + valueSizeLen + c.MaxValueSize
}

// MinBlockSize is the smallest block whose split halves can each still take
// a maximal pair. A block that accepted its last pair holds at most
// Size-Header-Epsilon bytes of pairs and slots. The byte-midpoint split
// leaves the halves at most one pair+slot apart, so the larger half is at
// most (Size-Header+SlotSize)/2. Taking a maximal pair with the margin to
// spare needs another SlotSize+2*Epsilon, which solves to
// Header+3*SlotSize+4*Epsilon. The slot term is rounded up to a slot per
// epsilon.
func (c Config) MinBlockSize() int {
	return HeaderSize + 4*(c.Epsilon()+SlotSize)
}

// Block is a leaf node laid over a caller-owned buffer. The block never
// allocates or frees the buffer, it only reshapes its interior.
//
// LEAF BLOCK LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (8 bytes)                                                    │
// │ Kind, Flags, PairCount, Frontmost                                   │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Offset[0..PairCount-1] (2 bytes each, sorted by key) →              │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Free region                                                         │
// ├─────────────────────────────────────────────────────────────────────┤
// │ ← Pairs, packed toward the block end, starting at Frontmost         │
// │   [KeySize:2][Key][ValueSize:4][Value] ...                          │
// └─────────────────────────────────────────────────────────────────────┘
type Block struct {
	buf []byte
	cfg Config
	rec Recorder
}

// Load wraps an existing block buffer without touching its contents.
func Load(buf []byte, cfg Config) *Block {
	if len(buf) < HeaderSize || len(buf) > base.MaxBlockSize {
		panic(fmt.Sprintf("leaf: block size %d out of range", len(buf)))
	}
	return &Block{buf: buf, cfg: cfg}
}

// Init formats buf as an empty leaf block.
func Init(buf []byte, cfg Config) *Block {
	b := Load(buf, cfg)
	b.Reset()
	return b
}

// SetRecorder installs the recorder that receives every edit made by the
// mutating operations. A nil recorder disables recording.
func (b *Block) SetRecorder(r Recorder) {
	b.rec = r
}

func (b *Block) record() Recorder {
	if b.rec == nil {
		return discard{}
	}
	return b.rec
}

// Reset formats the block as empty. Flags are cleared.
func (b *Block) Reset() {
	binary.LittleEndian.PutUint16(b.buf[offKind:], Kind)
	binary.LittleEndian.PutUint16(b.buf[offFlags:], 0)
	b.setLen(0)
	b.setFrontmost(len(b.buf))
	b.record().MemCopy(0, b.buf[:HeaderSize])
}

// Bytes returns the underlying buffer.
func (b *Block) Bytes() []byte { return b.buf }

// Config returns the limits the block was loaded with.
func (b *Block) Config() Config { return b.cfg }

// Kind returns the node kind tag from the shared header.
func (b *Block) Kind() uint16 { return binary.LittleEndian.Uint16(b.buf[offKind:]) }

// Size returns the block size in bytes.
func (b *Block) Size() int { return len(b.buf) }

// Len returns the number of live pairs.
func (b *Block) Len() int { return int(binary.LittleEndian.Uint16(b.buf[offPairCount:])) }

// Frontmost returns the lowest offset occupied by pair data.
func (b *Block) Frontmost() int { return int(binary.LittleEndian.Uint16(b.buf[offFrontmost:])) }

// IsEmpty reports whether the block holds no pairs.
func (b *Block) IsEmpty() bool { return b.Len() == 0 }

// Free returns the bytes between the end of the offset array and Frontmost.
func (b *Block) Free() int { return b.Frontmost() - b.slotsEnd() }

// Used returns header, offset array and pair data bytes.
func (b *Block) Used() int { return b.slotsEnd() + b.Size() - b.Frontmost() }

func (b *Block) setLen(n int) {
	binary.LittleEndian.PutUint16(b.buf[offPairCount:], uint16(n))
}

func (b *Block) setFrontmost(off int) {
	binary.LittleEndian.PutUint16(b.buf[offFrontmost:], uint16(off))
}

func (b *Block) slotsEnd() int { return HeaderSize + b.Len()*SlotSize }

func (b *Block) slot(i int) int {
	return int(binary.LittleEndian.Uint16(b.buf[HeaderSize+i*SlotSize:]))
}

func (b *Block) setSlot(i, off int) {
	binary.LittleEndian.PutUint16(b.buf[HeaderSize+i*SlotSize:], uint16(off))
}

// insertSlot opens slot i and points it at off. The caller guarantees one
// free slot width.
func (b *Block) insertSlot(i, off int) {
	n := b.Len()
	start := HeaderSize + i*SlotSize
	end := HeaderSize + n*SlotSize
	copy(b.buf[start+SlotSize:end+SlotSize], b.buf[start:end])
	b.setLen(n + 1)
	b.setSlot(i, off)
}

// deleteSlot closes slot i and zeroes the vacated tail slot.
func (b *Block) deleteSlot(i int) {
	n := b.Len()
	start := HeaderSize + i*SlotSize
	end := HeaderSize + n*SlotSize
	copy(b.buf[start:end-SlotSize], b.buf[start+SlotSize:end])
	clear(b.buf[end-SlotSize : end])
	b.setLen(n - 1)
}

// PairAt returns the pair stored at off.
func (b *Block) PairAt(off int) (Pair, error) {
	if off < b.Frontmost() || off >= b.Size() {
		return Pair{}, fmt.Errorf("%w: pair offset %d outside [%d, %d)", base.ErrInvalidOffset, off, b.Frontmost(), b.Size())
	}
	key, value, _, ok := DecodePair(b.buf[off:])
	if !ok {
		return Pair{}, fmt.Errorf("%w: pair at %d runs past block end", base.ErrInvalidOffset, off)
	}
	return Pair{Offset: off, Key: key, Value: value}, nil
}

// pairAt is PairAt for offsets taken from the block's own offset array.
func (b *Block) pairAt(off int) Pair {
	p, err := b.PairAt(off)
	if err != nil {
		panic(fmt.Sprintf("leaf: %v", err))
	}
	return p
}

func (b *Block) pairAtSlot(i int) Pair { return b.pairAt(b.slot(i)) }

func (b *Block) keyAt(i int) []byte { return b.pairAtSlot(i).Key }

// allocate carves size bytes from the top of the free region, just below
// Frontmost. It never compacts.
func (b *Block) allocate(size int) (int, error) {
	if b.Free() < size {
		return 0, base.ErrOutOfSpace
	}
	off := b.Frontmost() - size
	b.setFrontmost(off)
	return off, nil
}

// free zeroes the pair at off. Only a pair at Frontmost returns its bytes to
// the free region directly, any other pair leaves a hole that shiftPairs
// must close.
func (b *Block) free(off int) {
	size := b.pairAt(off).Size()
	clear(b.buf[off : off+size])
	if off == b.Frontmost() {
		b.setFrontmost(off + size)
	}
}

// shiftPairs moves the bytes in [Frontmost, from) by delta, zero-fills what
// they vacate, and re-points every slot below from. A positive delta moves
// pairs toward the block end.
func (b *Block) shiftPairs(from, delta int) {
	if delta == 0 {
		return
	}
	front := b.Frontmost()
	copy(b.buf[front+delta:from+delta], b.buf[front:from])
	if delta > 0 {
		clear(b.buf[front : front+delta])
	} else {
		clear(b.buf[from+delta : from])
	}
	for i, n := 0, b.Len(); i < n; i++ {
		if off := b.slot(i); off < from {
			b.setSlot(i, off+delta)
		}
	}
	b.setFrontmost(front + delta)
}

// placePair allocates size bytes and links them into slot i.
func (b *Block) placePair(i, size int) int {
	if b.Free() < size+SlotSize {
		panic(fmt.Sprintf("leaf: no room for %d byte pair, %d bytes free", size, b.Free()))
	}
	off, _ := b.allocate(size)
	b.insertSlot(i, off)
	return off
}

// removeAt frees slot i's pair, closes the hole and drops the slot.
func (b *Block) removeAt(i int) (off, size int) {
	off = b.slot(i)
	size = b.pairAt(off).Size()
	front := b.Frontmost()
	b.free(off)
	if off != front {
		b.shiftPairs(off, size)
	}
	b.deleteSlot(i)
	return off, size
}
