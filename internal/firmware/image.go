// Package firmware stores update images in two alternating slots and keeps
// the boot selection in a small TOML state file.
package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/camlink/internal/protocol/crc"
)

// Image layout: image header, first segment header, application descriptor.
const (
	imageHeaderLen   = 24
	segmentHeaderLen = 8
	appDescLen       = 256

	// ImageHeaderLen is the leading part of an image that describes it.
	ImageHeaderLen = imageHeaderLen + segmentHeaderLen + appDescLen
	// HeaderRecordLen is the start payload of an update: checksum + header.
	HeaderRecordLen = 4 + ImageHeaderLen

	ImageMagic   byte   = 0xE9
	AppDescMagic uint32 = 0xABCD5432

	appDescOffset = imageHeaderLen + segmentHeaderLen
	versionOffset = appDescOffset + 16
	versionLen    = 32
)

var (
	ErrHeaderSize     = errors.New("firmware: invalid header record size")
	ErrHeaderChecksum = errors.New("firmware: header checksum mismatch")
	ErrImageMagic     = errors.New("firmware: bad image magic")
)

// ImageHeader is a validated header record.
type ImageHeader struct {
	Version string
	Raw     []byte
}

// ParseHeaderRecord validates [crc u32][image header] and extracts the
// application version.
func ParseHeaderRecord(rec []byte) (ImageHeader, error) {
	if len(rec) != HeaderRecordLen {
		return ImageHeader{}, fmt.Errorf("%w: %d", ErrHeaderSize, len(rec))
	}
	want := binary.LittleEndian.Uint32(rec[0:4])
	raw := rec[4:]
	if !crc.Verify(raw, want) {
		return ImageHeader{}, ErrHeaderChecksum
	}
	if raw[0] != ImageMagic {
		return ImageHeader{}, fmt.Errorf("%w: 0x%02x", ErrImageMagic, raw[0])
	}
	if binary.LittleEndian.Uint32(raw[appDescOffset:]) != AppDescMagic {
		return ImageHeader{}, fmt.Errorf("%w: application descriptor", ErrImageMagic)
	}
	version := raw[versionOffset : versionOffset+versionLen]
	if i := bytes.IndexByte(version, 0); i >= 0 {
		version = version[:i]
	}
	return ImageHeader{Version: string(version), Raw: append([]byte(nil), raw...)}, nil
}

// BuildHeaderRecord produces a header record for version. Tools and tests
// use it to wrap images.
func BuildHeaderRecord(version string) []byte {
	raw := make([]byte, ImageHeaderLen)
	raw[0] = ImageMagic
	binary.LittleEndian.PutUint32(raw[appDescOffset:], AppDescMagic)
	copy(raw[versionOffset:versionOffset+versionLen-1], version)
	return SealHeader(raw)
}

// SealHeader prefixes an image header with its checksum.
func SealHeader(raw []byte) []byte {
	rec := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(raw)), crc.Checksum(raw))
	return append(rec, raw...)
}
