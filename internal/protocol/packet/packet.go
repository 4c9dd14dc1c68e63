// Package packet provides the growable byte buffer with a read cursor that
// every layer of the device protocol passes around.
package packet

import (
	"encoding/binary"
	"slices"

	"github.com/danmuck/camlink/internal/protocol"
)

// Packet is a byte region plus a read cursor. The cursor never exceeds the
// region length; edits before or across the cursor clamp it.
//
// A borrowed packet aliases memory it does not own. It is never written
// through: the first mutating call copies the region.
type Packet struct {
	buf      []byte
	pos      int
	borrowed bool
}

// New returns an owned, zero-filled packet of n bytes.
func New(n int) *Packet {
	if n < 0 {
		n = 0
	}
	return &Packet{buf: make([]byte, n)}
}

// Copy returns an owned packet holding a copy of src.
func Copy(src []byte) *Packet {
	return &Packet{buf: slices.Clone(src)}
}

// Take returns a packet that owns src. The caller must not reuse src.
func Take(src []byte) *Packet {
	return &Packet{buf: src}
}

// Wrap returns a packet borrowing src without copying.
func Wrap(src []byte) *Packet {
	return &Packet{buf: src, borrowed: true}
}

// Valid reports whether the packet holds a region.
func (p *Packet) Valid() bool { return p != nil && p.buf != nil }

// Borrowed reports whether the region is still aliased from the creator.
func (p *Packet) Borrowed() bool { return p.borrowed }

// Size is the total region length.
func (p *Packet) Size() int { return len(p.buf) }

// Len is the number of bytes remaining after the cursor.
func (p *Packet) Len() int { return len(p.buf) - p.pos }

// Position is the cursor offset.
func (p *Packet) Position() int { return p.pos }

// Bytes returns the bytes after the cursor. The slice aliases the packet.
func (p *Packet) Bytes() []byte { return p.buf[p.pos:] }

// Full returns the whole region regardless of the cursor.
func (p *Packet) Full() []byte { return p.buf }

// Clear drops the region. Valid reports false afterwards.
func (p *Packet) Clear() {
	p.buf = nil
	p.pos = 0
	p.borrowed = false
}

// Reset empties the packet, keeping owned capacity.
func (p *Packet) Reset() {
	if p.borrowed || p.buf == nil {
		p.buf = make([]byte, 0, 16)
		p.borrowed = false
	} else {
		p.buf = p.buf[:0]
	}
	p.pos = 0
}

// Set replaces the region with a copy of src and rewinds.
func (p *Packet) Set(src []byte) {
	p.buf = slices.Clone(src)
	if p.buf == nil {
		p.buf = []byte{}
	}
	p.pos = 0
	p.borrowed = false
}

func (p *Packet) own() {
	if p.borrowed {
		p.buf = slices.Clone(p.buf)
		p.borrowed = false
	}
	if p.buf == nil {
		p.buf = []byte{}
	}
}

// Insert places src at index. A relative index is measured from the cursor.
// Indexes past the end append. Insertion strictly before the cursor shifts
// the cursor so it keeps pointing at the same byte.
func (p *Packet) Insert(src []byte, index int, relative bool) {
	if len(src) == 0 {
		return
	}
	p.own()
	if relative {
		index += p.pos
	}
	index = max(0, min(index, len(p.buf)))
	p.buf = slices.Insert(p.buf, index, src...)
	if index < p.pos {
		p.pos += len(src)
	}
}

// Remove deletes up to n bytes at index and returns how many were removed.
// A range that covers the cursor moves the cursor to index.
func (p *Packet) Remove(n, index int, relative bool) int {
	if relative {
		index += p.pos
	}
	if n <= 0 || index < 0 || index >= len(p.buf) {
		return 0
	}
	n = min(n, len(p.buf)-index)
	p.own()
	p.buf = slices.Delete(p.buf, index, index+n)
	if index < p.pos {
		if index+n <= p.pos {
			p.pos -= n
		} else {
			p.pos = index
		}
	}
	return n
}

// Grow appends n zero bytes.
func (p *Packet) Grow(n int) {
	if n <= 0 {
		return
	}
	p.own()
	p.buf = append(p.buf, make([]byte, n)...)
}

// Shrink drops up to n bytes from the end and returns how many were dropped.
func (p *Packet) Shrink(n int) int {
	n = max(0, min(n, len(p.buf)))
	if n == 0 {
		return 0
	}
	p.own()
	p.buf = p.buf[:len(p.buf)-n]
	p.pos = min(p.pos, len(p.buf))
	return n
}

// Forward advances the cursor by up to n bytes, stopping at the end.
// It returns the distance moved.
func (p *Packet) Forward(n int) int {
	n = max(0, min(n, len(p.buf)-p.pos))
	p.pos += n
	return n
}

// Back moves the cursor toward the start by up to n bytes.
func (p *Packet) Back(n int) int {
	n = max(0, min(n, p.pos))
	p.pos -= n
	return n
}

// Rewind moves the cursor to the start.
func (p *Packet) Rewind() { p.pos = 0 }

// Write appends b at the end of the region.
func (p *Packet) Write(b []byte) (int, error) {
	p.own()
	p.buf = append(p.buf, b...)
	return len(b), nil
}

// WriteByte appends c at the end of the region.
func (p *Packet) WriteByte(c byte) error {
	p.own()
	p.buf = append(p.buf, c)
	return nil
}

// PutUint16 appends v little-endian.
func (p *Packet) PutUint16(v uint16) {
	p.own()
	p.buf = binary.LittleEndian.AppendUint16(p.buf, v)
}

// PutUint32 appends v little-endian.
func (p *Packet) PutUint32(v uint32) {
	p.own()
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

// ReadByte consumes one byte at the cursor.
func (p *Packet) ReadByte() (byte, error) {
	if p.Len() < 1 {
		return 0, protocol.ErrTruncated
	}
	c := p.buf[p.pos]
	p.pos++
	return c, nil
}

// Uint16 consumes a little-endian uint16 at the cursor.
func (p *Packet) Uint16() (uint16, error) {
	if p.Len() < 2 {
		return 0, protocol.ErrTruncated
	}
	v := binary.LittleEndian.Uint16(p.buf[p.pos:])
	p.pos += 2
	return v, nil
}

// Uint32 consumes a little-endian uint32 at the cursor.
func (p *Packet) Uint32() (uint32, error) {
	if p.Len() < 4 {
		return 0, protocol.ErrTruncated
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v, nil
}
