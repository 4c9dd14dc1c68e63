// Package client speaks the device protocol over a byte stream, normally the
// access point socket.
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/camlink/internal/command/directory"
	"github.com/danmuck/camlink/internal/command/ota"
	"github.com/danmuck/camlink/internal/command/remove"
	"github.com/danmuck/camlink/internal/command/transfer"
	"github.com/danmuck/camlink/internal/firmware"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/crc"
	"github.com/danmuck/camlink/internal/protocol/frame"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/rs/zerolog/log"
)

// FlashChunkSize is the image bytes carried per firmware data request.
const FlashChunkSize = 8 * 1024

var (
	ErrUnexpectedReply = errors.New("client: unexpected reply")
	ErrEndedEarly      = errors.New("client: command ended early")
	ErrImageTooShort   = errors.New("client: image shorter than its header")
)

// ResponseError is a dispatcher or handler refusal.
type ResponseError struct {
	Command byte
	Code    byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("client: device replied 0x%02x to 0x%02x", e.Code, e.Command)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

type Client struct {
	rw      io.ReadWriter
	limits  frame.Limits
	timeout time.Duration
	// Poll is the delay before re-asking a handler that answered wait.
	Poll time.Duration
}

// Dial connects to a device socket.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := New(conn)
	c.timeout = timeout
	return c, nil
}

func New(rw io.ReadWriter) *Client {
	return &Client{
		rw:      rw,
		limits:  frame.Limits{MaxPayloadBytes: frame.MaxWirePayload},
		timeout: 5 * time.Second,
		Poll:    50 * time.Millisecond,
	}
}

func (c *Client) Close() error {
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Send writes one request.
func (c *Client) Send(cmd byte, body ...byte) error {
	c.deadline()
	return frame.WriteFrame(c.rw, cmd, body, c.limits)
}

// Recv reads one reply.
func (c *Client) Recv() (frame.Frame, error) {
	c.deadline()
	f, err := frame.ReadFrame(c.rw, c.limits)
	if err != nil {
		return frame.Frame{}, err
	}
	log.Trace().Str("component", "client").Uint8("cmd", f.Command).Int("body", len(f.Body)).Msg("recv")
	return f, nil
}

// Query returns the code of the running command, if any.
func (c *Client) Query() (byte, bool, error) {
	if err := c.Send(protocol.ControlQuery); err != nil {
		return 0, false, err
	}
	f, err := c.expect(protocol.ControlQuery)
	if err != nil {
		return 0, false, err
	}
	if f.Body[0] == protocol.ResponseNotStarted {
		return 0, false, nil
	}
	return f.Body[0], true, nil
}

// Cancel ends the running command and drains its end output.
func (c *Client) Cancel() error {
	code, running, err := c.Query()
	if err != nil || !running {
		return err
	}
	if err := c.Send(protocol.ControlEnd); err != nil {
		return err
	}
	_, err = c.finish(code)
	return err
}

// List returns the entries under path. An empty or unreadable directory
// yields no entries.
func (c *Client) List(path string) ([]storage.Entry, error) {
	if err := c.begin(protocol.CommandDirectory, []byte(path)); err != nil {
		return nil, err
	}
	out, err := c.finish(protocol.CommandDirectory)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return directory.DecodeListing(out[0])
}

// Delete removes path on the device.
func (c *Client) Delete(path string) error {
	if err := c.begin(protocol.CommandDelete, []byte(path)); err != nil {
		return err
	}
	out, err := c.finish(protocol.CommandDelete)
	if err != nil {
		return err
	}
	if len(out) == 0 || len(out[0]) != 1 || out[0][0] != remove.Deleted {
		return &ResponseError{Command: protocol.CommandDelete, Code: remove.Failed}
	}
	return nil
}

// Fetch copies a stored file into w.
func (c *Client) Fetch(path string, w io.Writer) (int64, error) {
	return c.pull(protocol.CommandSendFile, []byte(path), w)
}

// Snap copies the newest camera frame into w.
func (c *Client) Snap(w io.Writer) (int64, error) {
	return c.pull(protocol.CommandCamera, nil, w)
}

func (c *Client) pull(code byte, arg []byte, w io.Writer) (int64, error) {
	if err := c.begin(code, arg); err != nil {
		return 0, err
	}
	var total int64
	var seq uint16
	for {
		if err := c.Send(protocol.SubSendNext); err != nil {
			return total, err
		}
		f, err := c.Recv()
		if err != nil {
			return total, err
		}
		switch {
		case f.Command == code && len(f.Body) == 1 && f.Body[0] == protocol.ResponseWait:
			time.Sleep(c.Poll)
			continue
		case f.Command == protocol.ControlEnd:
			return total, fmt.Errorf("%w: 0x%02x", ErrEndedEarly, code)
		case f.Command != protocol.SubSendNext || len(f.Body) < 2:
			return total, fmt.Errorf("%w: {0x%02x %x}", ErrUnexpectedReply, f.Command, f.Body)
		}

		got := binary.LittleEndian.Uint16(f.Body)
		if got != seq {
			return total, fmt.Errorf("%w: unit %d, expected %d", ErrUnexpectedReply, got, seq)
		}
		n, err := w.Write(f.Body[2:])
		total += int64(n)
		if err != nil {
			return total, err
		}
		if len(f.Body)-2 < transfer.UnitSize {
			break
		}
		seq++
	}

	out, err := c.finish(code)
	if err != nil {
		return total, err
	}
	if len(out) == 0 || len(out[0]) != 1 || out[0][0] != transfer.EndMarker {
		return total, fmt.Errorf("%w: missing end marker", ErrUnexpectedReply)
	}
	return total, nil
}

// Flash sends image, whose first bytes are its image header, and finalizes
// the update. The device restarts on success.
func (c *Client) Flash(image []byte) error {
	if len(image) < firmware.ImageHeaderLen {
		return ErrImageTooShort
	}
	if err := c.begin(protocol.CommandFirmware, firmware.SealHeader(image[:firmware.ImageHeaderLen])); err != nil {
		return err
	}

	rest := image[firmware.ImageHeaderLen:]
	var seq uint16
	for off := 0; off < len(rest); {
		chunk := rest[off:min(off+FlashChunkSize, len(rest))]
		body := make([]byte, 0, 7+len(chunk))
		body = append(body, ota.SubData)
		body = binary.LittleEndian.AppendUint16(body, seq)
		body = binary.LittleEndian.AppendUint32(body, crc.Checksum(chunk))
		body = append(body, chunk...)
		if err := c.Send(body[0], body[1:]...); err != nil {
			return err
		}
		f, err := c.Recv()
		if err != nil {
			return err
		}
		switch {
		case f.Command == protocol.CommandFirmware && len(f.Body) == 1 && f.Body[0] == protocol.ResponseOK:
			off += len(chunk)
			seq++
		case f.Command == ota.SubData && len(f.Body) == 3 && f.Body[0] == ota.Resync:
			want := binary.LittleEndian.Uint16(f.Body[1:])
			log.Debug().Str("component", "client").Uint16("seq", seq).Uint16("expected", want).Msg("resync")
			if int(want)*FlashChunkSize > len(rest) {
				return fmt.Errorf("%w: resync to %d", ErrUnexpectedReply, want)
			}
			seq = want
			off = int(want) * FlashChunkSize
		case f.Command == protocol.ControlEnd:
			return fmt.Errorf("%w: firmware", ErrEndedEarly)
		default:
			return fmt.Errorf("%w: {0x%02x %x}", ErrUnexpectedReply, f.Command, f.Body)
		}
	}

	total := binary.LittleEndian.AppendUint32(nil, uint32(len(image)))
	if err := c.Send(ota.SubFinalize, total...); err != nil {
		return err
	}
	_, err := c.finish(protocol.CommandFirmware)
	return err
}

// begin starts code and checks the acknowledgement.
func (c *Client) begin(code byte, arg []byte) error {
	if err := c.Send(protocol.ControlStart, append([]byte{code}, arg...)...); err != nil {
		return err
	}
	f, err := c.expect(protocol.ControlStart)
	if err != nil {
		return err
	}
	if f.Body[0] != code {
		return &ResponseError{Command: protocol.ControlStart, Code: f.Body[0]}
	}
	return nil
}

// finish reads replies until the end notice for code and returns the bodies
// sent under code before it.
func (c *Client) finish(code byte) ([][]byte, error) {
	var out [][]byte
	for {
		f, err := c.Recv()
		if err != nil {
			return out, err
		}
		switch {
		case f.Command == protocol.ControlEnd && len(f.Body) == 1 && f.Body[0] == code:
			return out, nil
		case f.Command == protocol.ControlEnd:
			return out, &ResponseError{Command: protocol.ControlEnd, Code: firstByte(f.Body)}
		case f.Command == protocol.ControlInvalidPacket:
			return out, &ResponseError{Command: f.Command, Code: firstByte(f.Body)}
		case f.Command == code:
			out = append(out, f.Body)
		default:
			return out, fmt.Errorf("%w: {0x%02x %x}", ErrUnexpectedReply, f.Command, f.Body)
		}
	}
}

// expect reads one single byte reply under cmd.
func (c *Client) expect(cmd byte) (frame.Frame, error) {
	f, err := c.Recv()
	if err != nil {
		return frame.Frame{}, err
	}
	if f.Command == protocol.ControlInvalidPacket && len(f.Body) == 1 {
		return frame.Frame{}, &ResponseError{Command: f.Command, Code: f.Body[0]}
	}
	if f.Command != cmd || len(f.Body) != 1 {
		return frame.Frame{}, fmt.Errorf("%w: {0x%02x %x}", ErrUnexpectedReply, f.Command, f.Body)
	}
	return f, nil
}

func (c *Client) deadline() {
	if d, ok := c.rw.(deadliner); ok && c.timeout > 0 {
		_ = d.SetDeadline(time.Now().Add(c.timeout))
	}
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
