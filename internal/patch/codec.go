package patch

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/alexhholmes/leafdb/internal/base"
	"github.com/alexhholmes/leafdb/internal/leaf"
)

// Record layout, little endian:
//
//	┌───────────────┬───────────────┬────────┬───────────────────┐
//	│ TotalSize: u16│ BlockID: u64  │ Op: i8 │ Payload           │
//	└───────────────┴───────────────┴────────┴───────────────────┘
//
// TotalSize counts the whole record, header included.
const (
	HeaderSize = 2 + base.BlockIDSize + 1

	// MaxSize is the largest record TotalSize can describe.
	MaxSize = math.MaxUint16
)

// Size returns the encoded size of the record.
func (p Patch) Size() int {
	return HeaderSize + p.Op.payloadSize()
}

// AppendBinary appends the encoded record to dst.
func (p Patch) AppendBinary(dst []byte) ([]byte, error) {
	if p.Op == nil {
		return dst, fmt.Errorf("patch for block %d has no op", p.BlockID)
	}
	size := p.Size()
	if size > MaxSize {
		return dst, fmt.Errorf("%s record of %d bytes exceeds %d", p.Op.Code(), size, MaxSize)
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(size))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(p.BlockID))
	dst = append(dst, byte(p.Op.Code()))
	return p.Op.appendPayload(dst), nil
}

// MarshalBinary encodes the record.
func (p Patch) MarshalBinary() ([]byte, error) {
	if p.Op == nil {
		return p.AppendBinary(nil)
	}
	return p.AppendBinary(make([]byte, 0, p.Size()))
}

// Decode reads one record from the front of buf and returns it together with
// the number of bytes consumed. Byte payloads alias buf. Every failure is a
// *DeserializationError.
func Decode(buf []byte) (Patch, int, error) {
	if len(buf) < HeaderSize {
		return Patch{}, 0, Corruptf("truncated header: %d of %d bytes", len(buf), HeaderSize)
	}
	total := int(binary.LittleEndian.Uint16(buf))
	if total < HeaderSize {
		return Patch{}, 0, Corruptf("total size %d below header size %d", total, HeaderSize)
	}
	if total > len(buf) {
		return Patch{}, 0, Corruptf("truncated record: %d of %d bytes", len(buf), total)
	}

	id := base.BlockID(binary.LittleEndian.Uint64(buf[2:]))
	code := OpCode(int8(buf[2+base.BlockIDSize]))
	op, err := decodeOp(code, buf[HeaderSize:total])
	if err != nil {
		return Patch{}, 0, err
	}
	return Patch{BlockID: id, Op: op}, total, nil
}

// DecodeAll decodes consecutive records until buf is exhausted. On a
// malformed record it returns the records decoded so far along with the
// error.
func DecodeAll(buf []byte) ([]Patch, error) {
	var out []Patch
	for len(buf) > 0 {
		p, n, err := Decode(buf)
		if err != nil {
			return out, err
		}
		out = append(out, p)
		buf = buf[n:]
	}
	return out, nil
}

func decodeOp(code OpCode, payload []byte) (Op, error) {
	switch code {
	case OpMemCopy:
		if len(payload) < 4 {
			return nil, Corruptf("%s payload of %d bytes", code, len(payload))
		}
		n := int(binary.LittleEndian.Uint16(payload[2:]))
		if len(payload) != 4+n {
			return nil, Corruptf("%s of %d bytes in %d byte payload", code, n, len(payload))
		}
		return MemCopy{Dest: binary.LittleEndian.Uint16(payload), Data: payload[4:]}, nil

	case OpMemMove:
		if len(payload) != 6 {
			return nil, Corruptf("%s payload of %d bytes", code, len(payload))
		}
		return MemMove{
			Dest: binary.LittleEndian.Uint16(payload),
			Src:  binary.LittleEndian.Uint16(payload[2:]),
			Len:  binary.LittleEndian.Uint16(payload[4:]),
		}, nil

	case OpShiftPairs:
		if len(payload) != 6 {
			return nil, Corruptf("%s payload of %d bytes", code, len(payload))
		}
		return ShiftPairs{
			From:  binary.LittleEndian.Uint16(payload),
			Delta: int32(binary.LittleEndian.Uint32(payload[2:])),
		}, nil

	case OpInsertPair:
		if len(payload) < 2 {
			return nil, Corruptf("%s payload of %d bytes", code, len(payload))
		}
		pair := payload[2:]
		if _, _, n, ok := leaf.DecodePair(pair); !ok || n != len(pair) {
			return nil, Corruptf("%s with malformed %d byte pair", code, len(pair))
		}
		return InsertPair{Index: binary.LittleEndian.Uint16(payload), Pair: pair}, nil

	case OpInsert:
		key, value, n, ok := leaf.DecodePair(payload)
		if !ok || n != len(payload) {
			return nil, Corruptf("%s with malformed %d byte key/value", code, len(payload))
		}
		return Insert{Key: key, Value: value}, nil

	case OpRemove:
		if len(payload) < 2 {
			return nil, Corruptf("%s payload of %d bytes", code, len(payload))
		}
		n := int(binary.LittleEndian.Uint16(payload))
		if len(payload) != 2+n {
			return nil, Corruptf("%s key of %d bytes in %d byte payload", code, n, len(payload))
		}
		return Remove{Key: payload[2:]}, nil

	case OpErasePresence:
		if len(payload) != 2 {
			return nil, Corruptf("%s payload of %d bytes", code, len(payload))
		}
		return ErasePresence{Index: binary.LittleEndian.Uint16(payload)}, nil
	}
	return nil, Corruptf("unknown op code %d", int8(code))
}

func (o MemCopy) payloadSize() int { return 4 + len(o.Data) }

func (o MemCopy) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, o.Dest)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(o.Data)))
	return append(dst, o.Data...)
}

func (MemMove) payloadSize() int { return 6 }

func (o MemMove) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, o.Dest)
	dst = binary.LittleEndian.AppendUint16(dst, o.Src)
	return binary.LittleEndian.AppendUint16(dst, o.Len)
}

func (ShiftPairs) payloadSize() int { return 6 }

func (o ShiftPairs) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, o.From)
	return binary.LittleEndian.AppendUint32(dst, uint32(o.Delta))
}

func (o InsertPair) payloadSize() int { return 2 + len(o.Pair) }

func (o InsertPair) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, o.Index)
	return append(dst, o.Pair...)
}

func (o Insert) payloadSize() int { return leaf.PairSize(o.Key, o.Value) }

func (o Insert) appendPayload(dst []byte) []byte {
	return leaf.AppendPair(dst, o.Key, o.Value)
}

func (o Remove) payloadSize() int { return 2 + len(o.Key) }

func (o Remove) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(o.Key)))
	return append(dst, o.Key...)
}

func (ErasePresence) payloadSize() int { return 2 }

func (o ErasePresence) appendPayload(dst []byte) []byte {
	return binary.LittleEndian.AppendUint16(dst, o.Index)
}
