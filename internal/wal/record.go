package wal

import (
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/alexhholmes/leafdb/internal/patch"
)

// Record is one patch in a block's history. Version is the block's
// persisted version the patch applies on top of; Counter numbers the
// patches since that version, starting at 1.
type Record struct {
	Version uint64
	Counter uint32
	Patch   patch.Patch
}

// RecordHeaderSize Record format: [Version:8][Counter:4][Patch:N]
const RecordHeaderSize = 8 + 4

func appendRecord(dst []byte, r Record) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint64(dst, r.Version)
	dst = binary.LittleEndian.AppendUint32(dst, r.Counter)
	return r.Patch.AppendBinary(dst)
}

// DecodeRecords decodes a batch payload. It fails with a
// *patch.DeserializationError on the first malformed record.
func DecodeRecords(buf []byte) ([]Record, error) {
	var out []Record
	for len(buf) > 0 {
		if len(buf) < RecordHeaderSize {
			return out, patch.Corruptf("truncated record header: %d bytes", len(buf))
		}
		version := binary.LittleEndian.Uint64(buf)
		counter := binary.LittleEndian.Uint32(buf[8:])
		p, n, err := patch.Decode(buf[RecordHeaderSize:])
		if err != nil {
			return out, err
		}
		out = append(out, Record{Version: version, Counter: counter, Patch: p})
		buf = buf[RecordHeaderSize+n:]
	}
	return out, nil
}

// SortRecords orders records by block, then version, then counter. Records
// that compare equal keep their log order.
func SortRecords(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		if c := cmp.Compare(a.Patch.BlockID, b.Patch.BlockID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Version, b.Version); c != 0 {
			return c
		}
		return cmp.Compare(a.Counter, b.Counter)
	})
}
