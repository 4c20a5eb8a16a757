// mmap_unsupported.go
//go:build !linux && !darwin

package storage

// On unsupported platforms, MMap falls back to File
type MMap struct {
	*File
}

func NewMMap(path string, blockSize int) (*MMap, error) {
	f, err := NewFile(path, blockSize)
	if err != nil {
		return nil, err
	}
	return &MMap{File: f}, nil
}

// All methods automatically delegate to File
