package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/crc"
	"github.com/danmuck/camlink/internal/protocol/packet"
)

const (
	Magic     uint16 = 0xBEEF
	HeaderLen        = 8
	// MaxWirePayload is the largest payload a u16 size field can declare.
	MaxWirePayload = 0xFFFF
)

var ErrShortHeader = errors.New("frame: short header")

// Header is the fixed wire header. PayloadLen counts the command byte and
// body; Checksum covers exactly those bytes.
type Header struct {
	Magic      uint16
	PayloadLen uint16
	Checksum   uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Command byte
	Body    []byte
}

// Limits constrains how much memory a single message may claim.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 16 * 1024}
}

func (l Limits) maxPayload() int {
	if l.MaxPayloadBytes <= 0 || l.MaxPayloadBytes > MaxWirePayload {
		return MaxWirePayload
	}
	return l.MaxPayloadBytes
}

// CheckHeader validates magic and declared size against limits.
func CheckHeader(h Header, limits Limits) error {
	if h.Magic != Magic {
		return protocol.ErrInvalidMagic
	}
	if h.PayloadLen == 0 {
		return protocol.ErrEmptyPayload
	}
	if int(h.PayloadLen) > limits.maxPayload() {
		return fmt.Errorf("%w: %d > %d", protocol.ErrPayloadTooLarge, h.PayloadLen, limits.maxPayload())
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[4:8], h.Checksum)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Magic:      binary.LittleEndian.Uint16(b[0:2]),
		PayloadLen: binary.LittleEndian.Uint16(b[2:4]),
		Checksum:   binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Seal prefixes command to the bytes after p's cursor and then inserts the
// header in front of both, leaving the cursor on the first header byte.
func Seal(command byte, p *packet.Packet) error {
	p.Insert([]byte{command}, 0, true)
	if p.Len() > MaxWirePayload {
		return fmt.Errorf("%w: %d", protocol.ErrPayloadTooLarge, p.Len())
	}
	h := Header{
		Magic:      Magic,
		PayloadLen: uint16(p.Len()),
		Checksum:   crc.Checksum(p.Bytes()),
	}
	p.Insert(EncodeHeader(h), 0, true)
	return nil
}

// Encode builds a complete wire message.
func Encode(command byte, body []byte) ([]byte, error) {
	p := packet.New(0)
	_, _ = p.Write(body)
	if err := Seal(command, p); err != nil {
		return nil, err
	}
	return p.Bytes(), nil
}

// ReadFrame reads and verifies one message from a byte stream.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := CheckHeader(h, limits); err != nil {
		return Frame{}, err
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	if !crc.Verify(payload, h.Checksum) {
		return Frame{}, protocol.ErrChecksumMismatch
	}
	return Frame{Header: h, Command: payload[0], Body: payload[1:]}, nil
}

// WriteFrame writes command and body as one message.
func WriteFrame(w io.Writer, command byte, body []byte, limits Limits) error {
	if len(body)+1 > limits.maxPayload() {
		return fmt.Errorf("%w: %d", protocol.ErrPayloadTooLarge, len(body)+1)
	}
	msg, err := Encode(command, body)
	if err != nil {
		return err
	}
	_, err = w.Write(msg)
	return err
}
