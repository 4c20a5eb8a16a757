package leaf

import (
	"bytes"
	"iter"
	"sort"
)

// search returns the slot index of key, or the index it would be inserted
// at when absent.
func (b *Block) search(key []byte) (int, bool) {
	n := b.Len()
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(b.keyAt(i), key) >= 0
	})
	return i, i < n && bytes.Equal(b.keyAt(i), key)
}

// Lookup returns the value stored under key. The value aliases the block.
func (b *Block) Lookup(key []byte) ([]byte, bool) {
	i, found := b.search(key)
	if !found {
		return nil, false
	}
	return b.pairAtSlot(i).Value, true
}

// Insert stores key/value and reports whether an existing pair was
// replaced. The caller must have checked IsFull first; a pair that does not
// physically fit panics.
func (b *Block) Insert(key, value []byte) bool {
	size := PairSize(key, value)
	i, found := b.search(key)
	if !found {
		off := b.placePair(i, size)
		encodePair(b.buf[off:off+size], key, value)
		b.record().InsertPair(i, b.buf[off:off+size])
		return false
	}

	off := b.slot(i)
	if b.pairAt(off).Size() == size {
		// Same footprint: overwrite in place.
		encodePair(b.buf[off:off+size], key, value)
		b.record().MemCopy(off, b.buf[off:off+size])
		return true
	}

	// Never grow into a neighbour: free, close the hole, reallocate.
	b.removeAt(i)
	off = b.placePair(i, size)
	encodePair(b.buf[off:off+size], key, value)
	b.record().Insert(key, value)
	return true
}

// Remove deletes key and reports whether it was present.
func (b *Block) Remove(key []byte) bool {
	i, found := b.search(key)
	if !found {
		return false
	}
	off, size := b.removeAt(i)
	b.record().ShiftPairs(off, size)
	b.record().ErasePresence(i)
	return true
}

// IsFull reports whether inserting key/value would eat into the epsilon
// margin.
func (b *Block) IsFull(key, value []byte) bool {
	return b.Used()+SlotSize+PairSize(key, value)+b.cfg.Epsilon() > b.Size()
}

// IsUnderfull reports whether the block has fallen below its low-water mark.
func (b *Block) IsUnderfull() bool {
	return float64(b.Used()) < b.cfg.UnderfullRatio*float64(b.Size()-b.cfg.Epsilon())
}

// IsMergable reports whether both blocks' pairs fit in one block with the
// epsilon margin to spare.
func (b *Block) IsMergable(sibling *Block) bool {
	combined := b.Used() + sibling.Used() - HeaderSize
	return combined+b.cfg.Epsilon() <= b.Size()
}

// FirstKey returns the smallest key in the block, or nil when empty.
func (b *Block) FirstKey() []byte {
	if b.IsEmpty() {
		return nil
	}
	return b.keyAt(0)
}

// Pairs iterates the block's pairs in key order. Keys and values alias the
// block.
func (b *Block) Pairs() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		for i := 0; i < b.Len(); i++ {
			p := b.pairAtSlot(i)
			if !yield(p.Key, p.Value) {
				return
			}
		}
	}
}

// Compare orders two blocks by their first key. Empty blocks sort first.
func Compare(a, b *Block) int {
	switch {
	case a.IsEmpty() && b.IsEmpty():
		return 0
	case a.IsEmpty():
		return -1
	case b.IsEmpty():
		return 1
	}
	return bytes.Compare(a.keyAt(0), b.keyAt(0))
}
