package leafdb

import (
	"errors"

	"github.com/alexhholmes/leafdb/internal/base"
	"github.com/alexhholmes/leafdb/internal/patch"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrDatabaseClosed = errors.New("database is closed")
	ErrDatabaseFailed = errors.New("database failed and must be reopened")
	ErrKeyEmpty       = errors.New("key cannot be empty")
	ErrKeyTooLarge    = errors.New("key too large")
	ErrValueTooLarge  = errors.New("value too large")
	ErrCorruption     = errors.New("data corruption detected")
	ErrInvalidOptions = errors.New("invalid options")

	ErrBlockNotFound = errors.New("block not found")
	ErrBlockFull     = errors.New("block is full")
	ErrBlockTooSmall = errors.New("block needs at least two pairs to split")
	ErrNotMergable   = errors.New("blocks do not fit in one block")

	ErrInvalidOffset    = base.ErrInvalidOffset
	ErrOutOfSpace       = base.ErrOutOfSpace
	ErrCorruptBlock     = base.ErrCorruptBlock
	ErrInvalidBlockSize = base.ErrInvalidBlockSize
	ErrInvalidChecksum  = base.ErrInvalidChecksum
	ErrCorruptPatch     = patch.ErrCorruptPatch
	ErrApply            = patch.ErrApply
)
