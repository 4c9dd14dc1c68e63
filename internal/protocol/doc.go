// Package protocol owns the device wire contract.
//
// Ownership boundary:
// - control and response code bytes
// - packet buffer primitives (packet)
// - integrity checksum (crc)
// - wire header, envelope and chunk reassembly (frame)
package protocol
