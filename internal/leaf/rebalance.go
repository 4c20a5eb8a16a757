package leaf

import (
	"bytes"
	"fmt"
	"sort"
)

// Split moves the upper half of the pairs, by occupied bytes, into right,
// which is re-initialized first. It returns the smallest key moved, the
// separator to promote to the parent.
func (b *Block) Split(right *Block) []byte {
	n := b.Len()
	if n < 2 {
		panic(fmt.Sprintf("leaf: cannot split block with %d pairs", n))
	}
	if right.Size() != b.Size() {
		panic(fmt.Sprintf("leaf: split into %d byte block from %d byte block", right.Size(), b.Size()))
	}

	mid := b.splitIndex()
	right.Reset()
	for i := mid; i < n; i++ {
		p := b.pairAtSlot(i)
		size := p.Size()
		off := right.placePair(i-mid, size)
		copy(right.buf[off:off+size], b.buf[p.Offset:p.Offset+size])
		right.record().InsertPair(i-mid, right.buf[off:off+size])
	}
	b.truncate(mid)

	return bytes.Clone(right.keyAt(0))
}

// splitIndex picks the number of pairs the left block keeps: the index
// nearest the byte-size midpoint, ties going to the larger left half. Both
// halves keep at least one pair.
func (b *Block) splitIndex() int {
	n := b.Len()
	sizes := make([]int, n)
	total := 0
	for i := range sizes {
		sizes[i] = b.pairAtSlot(i).Size() + SlotSize
		total += sizes[i]
	}

	best, bestDiff := 1, total
	left := 0
	for i := 1; i < n; i++ {
		left += sizes[i-1]
		diff := left - (total - left)
		if diff < 0 {
			diff = -diff
		}
		if diff <= bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}

// truncate keeps slots [0, keep) and repacks their pairs against the block
// end. Pairs are moved highest offset first, so every move targets bytes at
// or above its source and no unmoved pair is overwritten.
func (b *Block) truncate(keep int) {
	type reloc struct{ slot, off, size int }

	kept := make([]reloc, keep)
	for i := range kept {
		off := b.slot(i)
		kept[i] = reloc{slot: i, off: off, size: b.pairAt(off).Size()}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].off > kept[j].off })

	cursor := b.Size()
	for _, k := range kept {
		dest := cursor - k.size
		if dest != k.off {
			copy(b.buf[dest:dest+k.size], b.buf[k.off:k.off+k.size])
			b.record().MemMove(dest, k.off, k.size)
		}
		b.setSlot(k.slot, dest)
		cursor = dest
	}

	oldEnd := b.slotsEnd()
	clear(b.buf[HeaderSize+keep*SlotSize : oldEnd])
	b.setLen(keep)
	b.setFrontmost(cursor)
	b.record().MemCopy(offPairCount, b.buf[offPairCount:oldEnd])
}

// Merge moves every pair of sibling into b and returns the parent separator
// that no longer delimits anything: the first key of whichever block held
// the larger keys. The caller must have checked IsMergable. sibling is left
// untouched; reclaiming it is the caller's job.
func (b *Block) Merge(sibling *Block) []byte {
	if !b.IsMergable(sibling) {
		panic("leaf: merge of blocks that do not fit in one block")
	}
	if sibling.IsEmpty() {
		return nil
	}

	siblingRight := Compare(b, sibling) < 0
	var sep []byte
	if siblingRight {
		sep = bytes.Clone(sibling.keyAt(0))
	} else {
		sep = bytes.Clone(b.keyAt(0))
	}

	for j := 0; j < sibling.Len(); j++ {
		p := sibling.pairAtSlot(j)
		idx := j
		if siblingRight {
			idx = b.Len()
		}
		size := p.Size()
		off := b.placePair(idx, size)
		copy(b.buf[off:off+size], sibling.buf[p.Offset:p.Offset+size])
		b.record().InsertPair(idx, b.buf[off:off+size])
	}
	return sep
}

// Level migrates pairs one at a time from sibling into b across their shared
// edge, for as long as each move strictly shrinks the difference in occupied
// bytes, b stays clear of its epsilon margin and sibling keeps one pair. The
// final imbalance is therefore within one pair. It returns the parent
// separator to replace and its replacement, or ok=false if nothing moved and
// the caller should merge instead.
//
// An empty b has no key to place it against sibling, so it is never
// leveled; merge it instead. The merge always fits, since sibling alone
// is kept clear of the epsilon margin.
func (b *Block) Level(sibling *Block) (oldSep, newSep []byte, ok bool) {
	if b.IsEmpty() || sibling.Len() < 2 {
		return nil, nil, false
	}

	siblingRight := Compare(b, sibling) < 0
	if siblingRight {
		oldSep = bytes.Clone(sibling.keyAt(0))
	} else {
		oldSep = bytes.Clone(b.keyAt(0))
	}

	moved := 0
	for sibling.Len() > 1 {
		idx := sibling.Len() - 1
		if siblingRight {
			idx = 0
		}
		p := sibling.pairAtSlot(idx)
		size := p.Size()
		if sibling.Used()-b.Used() <= size+SlotSize || b.IsFull(p.Key, p.Value) {
			break
		}

		key, value := bytes.Clone(p.Key), bytes.Clone(p.Value)
		sibling.removeAt(idx)
		sibling.record().Remove(key)

		at := 0
		if siblingRight {
			at = b.Len()
		}
		off := b.placePair(at, size)
		encodePair(b.buf[off:off+size], key, value)
		b.record().Insert(key, value)
		moved++
	}
	if moved == 0 {
		return nil, nil, false
	}

	if siblingRight {
		newSep = bytes.Clone(sibling.keyAt(0))
	} else {
		newSep = bytes.Clone(b.keyAt(0))
	}
	return oldSep, newSep, true
}
