package patch

import (
	"fmt"

	"github.com/alexhholmes/leafdb/internal/leaf"
)

// Apply replays p against b. The block is bounds-checked throughout, so a
// well-framed patch that does not fit the block yields an error wrapping
// ErrApply rather than a panic. Apply does not check p.BlockID.
func Apply(b *leaf.Block, p Patch) error {
	var err error
	switch op := p.Op.(type) {
	case MemCopy:
		err = b.ReplayMemCopy(int(op.Dest), op.Data)
	case MemMove:
		err = b.ReplayMemMove(int(op.Dest), int(op.Src), int(op.Len))
	case ShiftPairs:
		err = b.ReplayShiftPairs(int(op.From), int(op.Delta))
	case InsertPair:
		err = b.ReplayInsertPair(int(op.Index), op.Pair)
	case Insert:
		err = b.ReplayInsert(op.Key, op.Value)
	case Remove:
		err = b.ReplayRemove(op.Key)
	case ErasePresence:
		err = b.ReplayErasePresence(int(op.Index))
	default:
		err = fmt.Errorf("unknown op %T", p.Op)
	}
	if err != nil {
		return fmt.Errorf("%w: block %d %s: %w", ErrApply, p.BlockID, opName(p.Op), err)
	}
	return nil
}

// ApplyAll applies patches in order and stops at the first failure.
func ApplyAll(b *leaf.Block, patches []Patch) error {
	for i, p := range patches {
		if err := Apply(b, p); err != nil {
			return fmt.Errorf("patch %d of %d: %w", i+1, len(patches), err)
		}
	}
	return nil
}

func opName(op Op) string {
	if op == nil {
		return "nil"
	}
	return op.Code().String()
}
