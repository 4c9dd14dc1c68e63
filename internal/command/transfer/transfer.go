// Package transfer streams a byte source to the client in fixed size units
// that the client pulls one at a time and may re-request by sequence number.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/rs/zerolog/log"
)

// UnitSize is the number of source bytes per reply.
const UnitSize = 8 * 1024

// EndMarker follows the last unit when a transfer ran to completion.
const EndMarker byte = 0xFF

// MaxSourceSize is the largest source addressable by a u16 sequence.
const MaxSourceSize = int64(UnitSize) << 16

var (
	ErrNotReady = errors.New("transfer: source not ready")
	ErrTooLarge = errors.New("transfer: source too large")
)

// Source is what a transfer reads from.
type Source interface {
	io.ReaderAt
	io.Closer
}

// Opener resolves the start payload into a Source.
type Opener func(arg []byte) (Source, error)

// Handler serves one source per command run.
//
// Sub-commands: 0x10 sends unit seq and advances; 0x11 [seq u16] rewinds to
// seq and sends it. A short unit, including an empty one when the source
// length is a multiple of UnitSize, completes the command.
type Handler struct {
	command.Base
	open Opener
	src  Source
	seq  uint16
	done bool
	unit []byte
}

func New(code byte, budget int, open Opener) *Handler {
	return &Handler{
		Base: command.NewBase(code, budget),
		open: open,
		unit: make([]byte, UnitSize),
	}
}

func (h *Handler) Start(p *packet.Packet) command.Result {
	h.Touch()
	h.seq = 0
	h.done = false
	src, err := h.open(p.Bytes())
	p.Reset()
	if err != nil {
		log.Warn().
			Str("component", "transfer").
			Str("command", protocol.CodeName(h.Code())).
			Err(err).
			Msg("open source")
		return command.Error
	}
	h.src = src
	return command.Continue
}

func (h *Handler) Receive(p *packet.Packet) command.Result {
	h.Touch()
	sub, _ := p.ReadByte()
	switch sub {
	case protocol.SubSendNext:
		return h.sendNext(p)
	case protocol.SubResend:
		if p.Len() != 2 {
			p.Reset()
			return command.Error
		}
		seq, _ := p.Uint16()
		h.seq = seq
		h.done = false
		return h.sendNext(p)
	default:
		p.Reset()
		return command.Error
	}
}

func (h *Handler) End(p *packet.Packet) {
	p.Reset()
	if h.src != nil {
		if err := h.src.Close(); err != nil {
			log.Debug().Str("component", "transfer").Err(err).Msg("close source")
		}
		h.src = nil
	}
	if h.done {
		_ = p.WriteByte(EndMarker)
	}
	h.done = false
	h.seq = 0
}

// Seq is the next unit to send.
func (h *Handler) Seq() uint16 { return h.seq }

func (h *Handler) sendNext(p *packet.Packet) command.Result {
	p.Reset()
	if h.src == nil {
		return command.Error
	}
	n, err := h.src.ReadAt(h.unit, int64(h.seq)*UnitSize)
	switch {
	case errors.Is(err, ErrNotReady):
		return command.Wait
	case err != nil && !errors.Is(err, io.EOF):
		log.Warn().
			Str("component", "transfer").
			Uint16("seq", h.seq).
			Err(err).
			Msg("read unit")
		return command.Error
	}

	p.PutUint16(h.seq)
	_, _ = p.Write(h.unit[:n])
	if n < UnitSize {
		h.done = true
		return command.Complete
	}
	h.seq++
	return command.Continue
}

type statter interface {
	Stat() (fs.FileInfo, error)
}

// checkSize rejects sources that a u16 sequence cannot cover.
func checkSize(src Source) error {
	st, ok := src.(statter)
	if !ok {
		return nil
	}
	info, err := st.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= MaxSourceSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	return nil
}
