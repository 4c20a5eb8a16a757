package base

const (
	// BlockSize is the default size of a leaf block, in bytes.
	BlockSize = 4096

	// MaxBlockSize is the largest block a u16 frontmost offset can describe.
	MaxBlockSize = 65535

	// MaxKeySize is the default ceiling on key length, in bytes.
	MaxKeySize = 250

	// MaxValueSize is the default ceiling on value length, in bytes.
	// A block must hold several maximal pairs plus the epsilon margin, so this
	// stays well below BlockSize/4.
	MaxValueSize = 512

	// BlockIDSize is the on-disk width of a BlockID.
	BlockIDSize = 8
)

// BlockID identifies a block in the block file. IDs are dense and never reused.
type BlockID uint64
