package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/storage"
)

// EntryHeaderLen is the fixed part of a listing row:
// size u32 | name length u16 | is directory u8 | pad u8.
const EntryHeaderLen = 8

// EncodeListing packs entries until limit bytes would be exceeded.
// It returns the encoding and the number of entries that fit.
func EncodeListing(entries []storage.Entry, limit int) ([]byte, int) {
	out := make([]byte, 0, 256)
	for i, e := range entries {
		name := e.Name
		if len(name) > 0xFFFF {
			name = name[:0xFFFF]
		}
		if len(out)+EntryHeaderLen+len(name) > limit {
			return out, i
		}
		out = binary.LittleEndian.AppendUint32(out, e.Size)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(name)))
		dir := byte(0)
		if e.IsDir {
			dir = 1
		}
		out = append(out, dir, 0)
		out = append(out, name...)
	}
	return out, len(entries)
}

// DecodeListing parses an encoded listing.
func DecodeListing(b []byte) ([]storage.Entry, error) {
	var out []storage.Entry
	for len(b) > 0 {
		if len(b) < EntryHeaderLen {
			return out, fmt.Errorf("%w: entry header", protocol.ErrTruncated)
		}
		size := binary.LittleEndian.Uint32(b[0:4])
		n := int(binary.LittleEndian.Uint16(b[4:6]))
		isDir := b[6] != 0
		b = b[EntryHeaderLen:]
		if len(b) < n {
			return out, fmt.Errorf("%w: entry name", protocol.ErrTruncated)
		}
		out = append(out, storage.Entry{Name: string(b[:n]), Size: size, IsDir: isDir})
		b = b[n:]
	}
	return out, nil
}
