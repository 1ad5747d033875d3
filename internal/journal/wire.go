// Package journal implements the write-ahead journal layer from spec.md
// §4.2–§4.5: JournalFile (an append-only log of tagged records gated by
// checkpoints), JournalledResource (a per-resource view combining a
// backing slicefile.Accessor with pending journal pages) and
// JournalledSystem (journal numbering, recovery, checkpointing and the
// background persister thread).
package journal

import "encoding/binary"

// Record kinds, spec.md §3.
type Kind uint64

const (
	KindPageMod     Kind = 1
	KindResourceTag Kind = 2
	KindSetSize     Kind = 3
	KindDelete      Kind = 6
	KindCheckpoint  Kind = 100
)

func (k Kind) String() string {
	switch k {
	case KindPageMod:
		return "PAGE_MOD"
	case KindResourceTag:
		return "RESOURCE_TAG"
	case KindSetSize:
		return "SET_SIZE"
	case KindDelete:
		return "DELETE"
	case KindCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// recordFramingSize is the 12-byte kind+size prefix every record carries
// before its payload (spec.md §6: "u64 kind || u32 size || payload[size]").
const recordFramingSize = 8 + 4

// pageModHeaderSize is the size of a PAGE_MOD record's fixed payload
// prefix before the modified bytes: id(8) + page(8) + offset(4) + length(4).
const pageModHeaderSize = 8 + 8 + 4 + 4

// buildPageReadSize is the number of bytes build_page reads at a PAGE_MOD
// record's file position before overlaying the payload: the 12-byte
// framing plus the 24-byte fixed PAGE_MOD prefix (spec.md §4.2).
const buildPageReadSize = recordFramingSize + pageModHeaderSize

// putString encodes s as spec.md's wire string: u32 len || u16[len]
// (UTF-16 code units, big-endian).
func putString(buf []byte, s string) []byte {
	units := encodeUTF16(s)
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(units)))
	buf = append(buf, hdr...)
	for _, u := range units {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], u)
		buf = append(buf, b[:]...)
	}
	return buf
}

func stringWireLen(s string) int {
	return 4 + 2*len(encodeUTF16(s))
}
