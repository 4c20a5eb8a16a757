package leaf

import "encoding/binary"

const (
	keySizeLen   = 2 // u16 key length prefix
	valueSizeLen = 4 // u32 value length prefix
)

// Pair is a view of one key/value record inside a block. Key and Value alias
// the block buffer and are only valid until the block is next mutated.
//
// Layout: [KeySize:2][Key][ValueSize:4][Value]
type Pair struct {
	Offset int
	Key    []byte
	Value  []byte
}

// Size returns the encoded size of the pair.
func (p Pair) Size() int {
	return PairSize(p.Key, p.Value)
}

// PairSize returns the encoded size of a key/value pair.
func PairSize(key, value []byte) int {
	return keySizeLen + len(key) + valueSizeLen + len(value)
}

// AppendPair appends the encoded pair to dst.
func AppendPair(dst, key, value []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(key)))
	dst = append(dst, key...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(value)))
	return append(dst, value...)
}

// encodePair writes the pair into dst, which must be exactly PairSize bytes.
func encodePair(dst, key, value []byte) {
	binary.LittleEndian.PutUint16(dst, uint16(len(key)))
	n := keySizeLen + copy(dst[keySizeLen:], key)
	binary.LittleEndian.PutUint32(dst[n:], uint32(len(value)))
	copy(dst[n+valueSizeLen:], value)
}

// DecodePair reads one pair from the front of buf. It returns the number of
// bytes the pair occupies, or ok=false if the framing runs past buf.
func DecodePair(buf []byte) (key, value []byte, n int, ok bool) {
	if len(buf) < keySizeLen {
		return nil, nil, 0, false
	}
	ks := int(binary.LittleEndian.Uint16(buf))
	vs := keySizeLen + ks
	if len(buf) < vs+valueSizeLen {
		return nil, nil, 0, false
	}
	vlen := int(binary.LittleEndian.Uint32(buf[vs:]))
	start := vs + valueSizeLen
	if vlen > len(buf)-start {
		return nil, nil, 0, false
	}
	end := start + vlen
	return buf[keySizeLen:vs:vs], buf[start:end:end], end, true
}
