package journal

import (
	"encoding/binary"
	"unicode/utf16"
)

func encodeUTF16(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func readString(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", 0, errShortRecord
	}
	n := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	end := off + 2*n
	if end > len(buf) {
		return "", 0, errShortRecord
	}
	units := make([]uint16, n)
	for i := 0; i < n; i++ {
		units[i] = binary.BigEndian.Uint16(buf[off+2*i:])
	}
	return string(utf16.Decode(units)), end - off + 4, nil
}
