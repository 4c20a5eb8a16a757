// Package patch implements the block patch log: compact, self-describing
// records of the edits made to a leaf block. Replaying a block's patches in
// order against its last persisted image reproduces the in-memory image
// byte for byte.
package patch

import (
	"fmt"

	"github.com/alexhholmes/leafdb/internal/base"
)

// OpCode identifies a patch variant on disk. Values are fixed.
type OpCode int8

const (
	OpMemCopy       OpCode = 0
	OpMemMove       OpCode = 1
	OpShiftPairs    OpCode = 2
	OpInsertPair    OpCode = 3
	OpInsert        OpCode = 4
	OpRemove        OpCode = 5
	OpErasePresence OpCode = 6
)

func (c OpCode) String() string {
	switch c {
	case OpMemCopy:
		return "MemCopy"
	case OpMemMove:
		return "MemMove"
	case OpShiftPairs:
		return "ShiftPairs"
	case OpInsertPair:
		return "InsertPair"
	case OpInsert:
		return "Insert"
	case OpRemove:
		return "Remove"
	case OpErasePresence:
		return "ErasePresence"
	default:
		return fmt.Sprintf("OpCode(%d)", int8(c))
	}
}

// Op is one entry of the patch catalog. The set of implementations is
// closed; Apply switches over all of them.
type Op interface {
	Code() OpCode
	payloadSize() int
	appendPayload(dst []byte) []byte
}

// Patch is one entry of a block's patch log.
type Patch struct {
	BlockID base.BlockID
	Op      Op
}

func (p Patch) String() string {
	return fmt.Sprintf("patch{block=%d op=%s size=%d}", p.BlockID, p.Op.Code(), p.Size())
}

// MemCopy overwrites len(Data) bytes at Dest.
type MemCopy struct {
	Dest uint16
	Data []byte
}

// MemMove moves Len bytes from Src to Dest. The ranges may overlap.
type MemMove struct {
	Dest, Src, Len uint16
}

// ShiftPairs moves the pair bytes between the frontmost offset and From by
// Delta and re-points the slots below From.
type ShiftPairs struct {
	From  uint16
	Delta int32
}

// InsertPair links an encoded pair at slot Index.
type InsertPair struct {
	Index uint16
	Pair  []byte
}

// Insert is a logical insert-or-replace of Key.
type Insert struct {
	Key, Value []byte
}

// Remove is a logical delete of Key. Absent keys are ignored.
type Remove struct {
	Key []byte
}

// ErasePresence drops slot Index without touching pair data.
type ErasePresence struct {
	Index uint16
}

func (MemCopy) Code() OpCode       { return OpMemCopy }
func (MemMove) Code() OpCode       { return OpMemMove }
func (ShiftPairs) Code() OpCode    { return OpShiftPairs }
func (InsertPair) Code() OpCode    { return OpInsertPair }
func (Insert) Code() OpCode        { return OpInsert }
func (Remove) Code() OpCode        { return OpRemove }
func (ErasePresence) Code() OpCode { return OpErasePresence }
