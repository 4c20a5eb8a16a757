package leaf

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/alexhholmes/leafdb/internal/base"
)

// Validate recomputes the block invariants from scratch: keys strictly
// ascending, every offset inside [Frontmost, Size) framing a pair that
// overlaps no other, Frontmost equal to the lowest pair offset, the offset
// array clear of pair data, and pair data packed without holes. It is meant
// for tests and debugging, not the hot path.
func (b *Block) Validate() error {
	if k := b.Kind(); k != Kind {
		return fmt.Errorf("%w: kind %#04x is not a leaf", base.ErrCorruptBlock, k)
	}
	front, size := b.Frontmost(), b.Size()
	if front > size {
		return fmt.Errorf("%w: frontmost %d past block end %d", base.ErrCorruptBlock, front, size)
	}
	if end := b.slotsEnd(); end > front {
		return fmt.Errorf("%w: offset array end %d overlaps pair data at %d", base.ErrCorruptBlock, end, front)
	}

	type span struct{ off, end int }
	n := b.Len()
	spans := make([]span, 0, n)
	var prev []byte
	data := 0
	for i := 0; i < n; i++ {
		p, err := b.PairAt(b.slot(i))
		if err != nil {
			return fmt.Errorf("%w: slot %d: %v", base.ErrCorruptBlock, i, err)
		}
		if i > 0 && bytes.Compare(prev, p.Key) >= 0 {
			return fmt.Errorf("%w: slot %d key %q not above %q", base.ErrCorruptBlock, i, p.Key, prev)
		}
		prev = p.Key
		spans = append(spans, span{p.Offset, p.Offset + p.Size()})
		data += p.Size()
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].off < spans[j].off })
	for i := 1; i < len(spans); i++ {
		if spans[i-1].end > spans[i].off {
			return fmt.Errorf("%w: pairs at %d and %d overlap", base.ErrCorruptBlock, spans[i-1].off, spans[i].off)
		}
	}

	lowest := size
	if n > 0 {
		lowest = spans[0].off
	}
	if front != lowest {
		return fmt.Errorf("%w: frontmost %d, lowest pair at %d", base.ErrCorruptBlock, front, lowest)
	}
	if data != size-front {
		return fmt.Errorf("%w: %d pair bytes in %d byte data region", base.ErrCorruptBlock, data, size-front)
	}
	return nil
}
