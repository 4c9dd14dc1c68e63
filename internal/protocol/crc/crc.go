// Package crc computes the payload checksum carried in every wire header:
// a reflected CRC-32 over polynomial 0x3764F388 with zero preset and no
// final inversion.
package crc

import "hash/crc32"

const Polynomial uint32 = 0x3764F388

var table = crc32.MakeTable(Polynomial)

// Checksum returns the checksum of b.
func Checksum(b []byte) uint32 {
	return Update(0, b)
}

// Update continues a running checksum with b.
func Update(sum uint32, b []byte) uint32 {
	// crc32 inverts on entry and exit; undo both to keep the zero preset.
	return ^crc32.Update(^sum, table, b)
}

// Verify reports whether b matches the expected checksum.
func Verify(b []byte, want uint32) bool {
	return Checksum(b) == want
}
