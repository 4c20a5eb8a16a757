package leaf

// Recorder receives the edits a mutating operation makes to a block, in the
// order they are made. Replaying the same edits, through the Replay methods,
// against the pre-mutation bytes reproduces the post-mutation bytes exactly.
type Recorder interface {
	MemCopy(dest int, data []byte)
	MemMove(dest, src, n int)
	ShiftPairs(from, delta int)
	InsertPair(index int, pair []byte)
	Insert(key, value []byte)
	Remove(key []byte)
	ErasePresence(index int)
}

type discard struct{}

func (discard) MemCopy(int, []byte)    {}
func (discard) MemMove(int, int, int)  {}
func (discard) ShiftPairs(int, int)    {}
func (discard) InsertPair(int, []byte) {}
func (discard) Insert([]byte, []byte)  {}
func (discard) Remove([]byte)          {}
func (discard) ErasePresence(int)      {}
