package patch

import (
	"bytes"

	"github.com/alexhholmes/leafdb/internal/base"
	"github.com/alexhholmes/leafdb/internal/leaf"
)

// Collector records the edits made to one block as patches. Byte payloads
// are copied, so the patches stay valid after the block changes again.
type Collector struct {
	id      base.BlockID
	patches []Patch
}

var _ leaf.Recorder = (*Collector)(nil)

// NewCollector returns a Collector whose patches target block id.
func NewCollector(id base.BlockID) *Collector {
	return &Collector{id: id}
}

// Patches returns the patches collected so far, oldest first.
func (c *Collector) Patches() []Patch { return c.patches }

// Len returns the number of patches collected.
func (c *Collector) Len() int { return len(c.patches) }

// Reset discards the collected patches.
func (c *Collector) Reset() { c.patches = c.patches[:0] }

// Add appends op as if the block had recorded it.
func (c *Collector) Add(op Op) {
	c.patches = append(c.patches, Patch{BlockID: c.id, Op: op})
}

func (c *Collector) MemCopy(dest int, data []byte) {
	c.Add(MemCopy{Dest: uint16(dest), Data: bytes.Clone(data)})
}

func (c *Collector) MemMove(dest, src, n int) {
	c.Add(MemMove{Dest: uint16(dest), Src: uint16(src), Len: uint16(n)})
}

func (c *Collector) ShiftPairs(from, delta int) {
	c.Add(ShiftPairs{From: uint16(from), Delta: int32(delta)})
}

func (c *Collector) InsertPair(index int, pair []byte) {
	c.Add(InsertPair{Index: uint16(index), Pair: bytes.Clone(pair)})
}

func (c *Collector) Insert(key, value []byte) {
	c.Add(Insert{Key: bytes.Clone(key), Value: cloneNonNil(value)})
}

func (c *Collector) Remove(key []byte) {
	c.Add(Remove{Key: bytes.Clone(key)})
}

func (c *Collector) ErasePresence(index int) {
	c.Add(ErasePresence{Index: uint16(index)})
}

func cloneNonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return bytes.Clone(b)
}
