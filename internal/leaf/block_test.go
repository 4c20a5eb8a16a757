package leaf

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/leafdb/internal/base"
)

func newBlock(t *testing.T, size int) *Block {
	t.Helper()
	b := Init(make([]byte, size), DefaultConfig())
	require.NoError(t, b.Validate())
	return b
}

func key(i int) []byte { return []byte(fmt.Sprintf("key%05d", i)) }

func TestPairCodec(t *testing.T) {
	t.Parallel()

	buf := AppendPair(nil, []byte("ab"), []byte("xyz"))
	assert.Equal(t, PairSize([]byte("ab"), []byte("xyz")), len(buf))
	assert.Equal(t, []byte{0x02, 0x00, 'a', 'b', 0x03, 0x00, 0x00, 0x00, 'x', 'y', 'z'}, buf)

	k, v, n, ok := DecodePair(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, "ab", string(k))
	assert.Equal(t, "xyz", string(v))

	for cut := 0; cut < len(buf); cut++ {
		_, _, _, ok := DecodePair(buf[:cut])
		assert.False(t, ok, "decode of %d byte prefix", cut)
	}
}

func TestInitEmptyBlock(t *testing.T) {
	t.Parallel()

	b := newBlock(t, base.BlockSize)
	assert.Equal(t, Kind, b.Kind())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, base.BlockSize, b.Frontmost())
	assert.Equal(t, HeaderSize, b.Used())
	assert.Equal(t, base.BlockSize-HeaderSize, b.Free())
	assert.True(t, b.IsEmpty())
	assert.Nil(t, b.FirstKey())
}

func TestHeaderByteLayout(t *testing.T) {
	t.Parallel()

	b := newBlock(t, 64)
	b.Insert([]byte("k"), []byte("v"))

	// Kind "LF", flags 0, one pair, frontmost 64-8=56, slot[0]=56
	expected := []byte{0x46, 0x4c, 0x00, 0x00, 0x01, 0x00, 56, 0x00, 56, 0x00}
	assert.Equal(t, expected, b.Bytes()[:len(expected)])
	assert.Equal(t, []byte{0x01, 0x00, 'k', 0x01, 0x00, 0x00, 0x00, 'v'}, b.Bytes()[56:])
}

func TestAllocateOutOfSpace(t *testing.T) {
	t.Parallel()

	b := newBlock(t, 32)
	off, err := b.allocate(24)
	require.NoError(t, err)
	assert.Equal(t, 8, off)
	assert.Equal(t, 8, b.Frontmost())

	_, err = b.allocate(1)
	assert.ErrorIs(t, err, base.ErrOutOfSpace)
	assert.Equal(t, 8, b.Frontmost(), "failed allocate must not move frontmost")
}

func TestPairAtBounds(t *testing.T) {
	t.Parallel()

	b := newBlock(t, 128)
	b.Insert([]byte("a"), []byte("1"))

	p, err := b.PairAt(b.Frontmost())
	require.NoError(t, err)
	assert.Equal(t, "a", string(p.Key))
	assert.Equal(t, "1", string(p.Value))

	_, err = b.PairAt(b.Frontmost() - 1)
	assert.ErrorIs(t, err, base.ErrInvalidOffset)
	_, err = b.PairAt(b.Size())
	assert.ErrorIs(t, err, base.ErrInvalidOffset)

	// A frame whose value length runs past the block end.
	binary.LittleEndian.PutUint32(b.Bytes()[b.Frontmost()+3:], 1000)
	_, err = b.PairAt(b.Frontmost())
	assert.ErrorIs(t, err, base.ErrInvalidOffset)
}

func TestShiftPairs(t *testing.T) {
	t.Parallel()

	b := newBlock(t, 128)
	b.Insert([]byte("a"), []byte("1"))
	b.Insert([]byte("b"), []byte("2"))
	b.Insert([]byte("c"), []byte("3"))

	// Pairs were allocated top down: a highest, c at frontmost.
	front := b.Frontmost()
	aOff, cOff := b.slot(0), b.slot(2)
	require.Equal(t, front, cOff)

	// Open an 8 byte hole just below a.
	b.shiftPairs(aOff, -8)
	assert.Equal(t, front-8, b.Frontmost())
	assert.Equal(t, aOff, b.slot(0), "pairs at or above origin stay put")
	assert.Equal(t, cOff-8, b.slot(2))
	assert.Equal(t, make([]byte, 8), b.Bytes()[aOff-8:aOff])

	// Close it again.
	b.shiftPairs(aOff-8, 8)
	assert.Equal(t, front, b.Frontmost())
	require.NoError(t, b.Validate())
	for i, want := range []string{"1", "2", "3"} {
		v, ok := b.Lookup([]byte{byte('a' + i)})
		require.True(t, ok)
		assert.Equal(t, want, string(v))
	}
}

func TestFreeFrontmostAdvances(t *testing.T) {
	t.Parallel()

	b := newBlock(t, 128)
	b.Insert([]byte("a"), []byte("1"))
	b.Insert([]byte("b"), []byte("2"))

	front := b.Frontmost()
	b.free(front)
	assert.Equal(t, front+8, b.Frontmost())
	assert.Equal(t, make([]byte, 8), b.Bytes()[front:front+8])

	// Freeing a pair that is not frontmost leaves a hole.
	b2 := newBlock(t, 128)
	b2.Insert([]byte("a"), []byte("1"))
	b2.Insert([]byte("b"), []byte("2"))
	front = b2.Frontmost()
	b2.free(b2.slot(0))
	assert.Equal(t, front, b2.Frontmost())
}

func TestValidateDetectsCorruption(t *testing.T) {
	t.Parallel()

	fill := func() *Block {
		b := newBlock(t, 256)
		for i := 0; i < 5; i++ {
			b.Insert(key(i), []byte("value"))
		}
		require.NoError(t, b.Validate())
		return b
	}

	tests := []struct {
		name    string
		corrupt func(b *Block)
	}{
		{"kind", func(b *Block) { binary.LittleEndian.PutUint16(b.Bytes(), 0xBEEF) }},
		{"unsorted", func(b *Block) {
			s0, s1 := b.slot(0), b.slot(1)
			b.setSlot(0, s1)
			b.setSlot(1, s0)
		}},
		{"offset_below_frontmost", func(b *Block) { b.setSlot(0, b.Frontmost()-1) }},
		{"frontmost_too_low", func(b *Block) { b.setFrontmost(b.Frontmost() - 4) }},
		{"frontmost_past_end", func(b *Block) { b.setFrontmost(b.Size() + 1) }},
		{"slots_collide", func(b *Block) { b.setLen(200) }},
		{"overlap", func(b *Block) { b.setSlot(1, b.slot(0)+1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := fill()
			tt.corrupt(b)
			assert.ErrorIs(t, b.Validate(), base.ErrCorruptBlock)
		})
	}
}

func TestLoadRejectsBadSizes(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { Load(make([]byte, HeaderSize-1), DefaultConfig()) })
	assert.Panics(t, func() { Load(make([]byte, base.MaxBlockSize+1), DefaultConfig()) })
	assert.NotPanics(t, func() { Load(make([]byte, base.MaxBlockSize), DefaultConfig()) })
}
