package leaf

import (
	"fmt"
	"math"

	"github.com/alexhholmes/leafdb/internal/base"
)

// The Replay methods re-execute one recorded edit. Their input comes off
// disk or the network, so unlike the live operations they bounds-check
// everything and return errors instead of panicking. They never record.

func (b *Block) checkHeader() error {
	front := b.Frontmost()
	if front > b.Size() || b.slotsEnd() > front {
		return fmt.Errorf("%w: pair count %d, frontmost %d", base.ErrCorruptBlock, b.Len(), front)
	}
	return nil
}

func (b *Block) checkRange(off, n int) error {
	if off < 0 || n < 0 || off+n > b.Size() {
		return fmt.Errorf("%w: range [%d, %d) outside %d byte block", base.ErrInvalidOffset, off, off+n, b.Size())
	}
	return nil
}

// ReplayMemCopy overwrites len(data) bytes at dest.
func (b *Block) ReplayMemCopy(dest int, data []byte) error {
	if err := b.checkRange(dest, len(data)); err != nil {
		return err
	}
	copy(b.buf[dest:], data)
	return nil
}

// ReplayMemMove moves n bytes from src to dest; the ranges may overlap.
func (b *Block) ReplayMemMove(dest, src, n int) error {
	if err := b.checkRange(dest, n); err != nil {
		return err
	}
	if err := b.checkRange(src, n); err != nil {
		return err
	}
	copy(b.buf[dest:dest+n], b.buf[src:src+n])
	return nil
}

// ReplayShiftPairs shifts the pairs below from by delta.
func (b *Block) ReplayShiftPairs(from, delta int) error {
	if err := b.checkHeader(); err != nil {
		return err
	}
	front := b.Frontmost()
	if from < front || from > b.Size() {
		return fmt.Errorf("%w: shift origin %d outside [%d, %d]", base.ErrInvalidOffset, from, front, b.Size())
	}
	if front+delta < b.slotsEnd() || from+delta > b.Size() {
		return fmt.Errorf("%w: shift of [%d, %d) by %d leaves the data region", base.ErrOutOfSpace, front, from, delta)
	}
	b.shiftPairs(from, delta)
	return nil
}

// ReplayInsertPair allocates room for an encoded pair and links it at index.
func (b *Block) ReplayInsertPair(index int, pair []byte) error {
	if err := b.checkHeader(); err != nil {
		return err
	}
	if index < 0 || index > b.Len() {
		return fmt.Errorf("%w: slot index %d beyond %d pairs", base.ErrInvalidOffset, index, b.Len())
	}
	if _, _, n, ok := DecodePair(pair); !ok || n != len(pair) {
		return fmt.Errorf("%w: malformed %d byte pair", base.ErrCorruptBlock, len(pair))
	}
	if b.Free() < len(pair)+SlotSize {
		return fmt.Errorf("%w: %d byte pair, %d bytes free", base.ErrOutOfSpace, len(pair), b.Free())
	}
	off := b.placePair(index, len(pair))
	copy(b.buf[off:], pair)
	return nil
}

// ReplayInsert re-runs Insert. Insert is only ever recorded against a
// well-formed block, and it searches the keys, so the block is validated
// first.
func (b *Block) ReplayInsert(key, value []byte) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if len(key) > math.MaxUint16 || uint64(len(value)) > math.MaxUint32 {
		return fmt.Errorf("%w: key %d bytes, value %d bytes", base.ErrOutOfSpace, len(key), len(value))
	}
	need := PairSize(key, value) + SlotSize
	avail := b.Free()
	if i, found := b.search(key); found {
		avail += b.pairAtSlot(i).Size() + SlotSize
	}
	if avail < need {
		return fmt.Errorf("%w: %d byte pair, %d bytes available", base.ErrOutOfSpace, need-SlotSize, avail)
	}
	b.withoutRecorder(func() { b.Insert(key, value) })
	return nil
}

// ReplayRemove re-runs Remove. Removing an absent key is not an error.
// The block is validated first, as for ReplayInsert.
func (b *Block) ReplayRemove(key []byte) error {
	if err := b.Validate(); err != nil {
		return err
	}
	b.withoutRecorder(func() { b.Remove(key) })
	return nil
}

// ReplayErasePresence drops slot index from the offset array without
// touching pair data.
func (b *Block) ReplayErasePresence(index int) error {
	if err := b.checkHeader(); err != nil {
		return err
	}
	if index < 0 || index >= b.Len() {
		return fmt.Errorf("%w: slot index %d beyond %d pairs", base.ErrInvalidOffset, index, b.Len())
	}
	b.deleteSlot(index)
	return nil
}

func (b *Block) withoutRecorder(fn func()) {
	rec := b.rec
	b.rec = nil
	defer func() { b.rec = rec }()
	fn()
}
