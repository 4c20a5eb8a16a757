package base

import "errors"

var (
	ErrInvalidOffset    = errors.New("invalid offset: out of bounds")
	ErrOutOfSpace       = errors.New("out of space in block")
	ErrCorruptBlock     = errors.New("corrupt block")
	ErrInvalidBlockSize = errors.New("invalid block size")
	ErrInvalidChecksum  = errors.New("invalid checksum")
)
