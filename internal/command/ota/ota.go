// Package ota receives a firmware image in sequenced, checksummed chunks,
// writes it to the inactive slot and reboots into it.
//
// Start carries the header record. Sub-command 0x10 carries
// [seq u16][crc u32][chunk]; a chunk out of sequence or failing its checksum
// is answered with [0xFF][expected seq u16] and not written. Sub-command
// 0x11 carries [total u32] and finalizes when it matches the bytes written.
package ota

import (
	"errors"
	"fmt"

	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/firmware"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/crc"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/rs/zerolog/log"
)

const (
	SubData     = protocol.SubSendNext
	SubFinalize = protocol.SubResend

	// Resync prefixes the expected sequence number in a rejection.
	Resync byte = 0xFF
)

var (
	ErrSameVersion    = errors.New("ota: image matches running version")
	ErrInvalidVersion = errors.New("ota: image matches last invalid version")
	ErrSizeMismatch   = errors.New("ota: total size mismatch")
)

// Slots is the firmware storage the handler writes through.
type Slots interface {
	RunningVersion() string
	InvalidVersion() string
	Next() (firmware.Target, error)
	MarkBootable(t firmware.Target, version string) error
}

type stage uint8

const (
	stageHeader stage = iota
	stageWriting
	stageFinalized
)

type Handler struct {
	command.Base
	slots   Slots
	restart firmware.Restarter

	stage   stage
	target  firmware.Target
	version string
	seq     uint16
	written uint32
}

func New(slots Slots, restart firmware.Restarter, budget int) *Handler {
	return &Handler{
		Base:    command.NewBase(protocol.CommandFirmware, budget),
		slots:   slots,
		restart: restart,
	}
}

func (h *Handler) Start(p *packet.Packet) command.Result {
	h.Touch()
	h.reset()
	rec := append([]byte(nil), p.Bytes()...)
	p.Reset()
	if err := h.begin(rec); err != nil {
		log.Warn().Str("component", "ota").Err(err).Msg("update refused")
		return command.Error
	}
	log.Info().
		Str("component", "ota").
		Str("version", h.version).
		Msg("update started")
	return command.Continue
}

func (h *Handler) Receive(p *packet.Packet) command.Result {
	h.Touch()
	sub, _ := p.ReadByte()
	switch sub {
	case SubData:
		return h.data(p)
	case SubFinalize:
		return h.finalize(p)
	default:
		p.Reset()
		return command.Error
	}
}

func (h *Handler) End(p *packet.Packet) {
	p.Reset()
	if h.stage == stageWriting && h.target != nil {
		if err := h.target.Abort(); err != nil {
			log.Warn().Str("component", "ota").Err(err).Msg("abort")
		}
		log.Info().Str("component", "ota").Uint32("written", h.written).Msg("update abandoned")
	}
	h.reset()
}

// Expected is the next chunk sequence number.
func (h *Handler) Expected() uint16 { return h.seq }

func (h *Handler) begin(rec []byte) error {
	hdr, err := firmware.ParseHeaderRecord(rec)
	if err != nil {
		return err
	}
	if hdr.Version == h.slots.RunningVersion() {
		return fmt.Errorf("%w: %s", ErrSameVersion, hdr.Version)
	}
	if inv := h.slots.InvalidVersion(); inv != "" && inv == hdr.Version {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, hdr.Version)
	}
	target, err := h.slots.Next()
	if err != nil {
		return err
	}
	if err := target.Begin(); err != nil {
		return err
	}
	if _, err := target.Write(hdr.Raw); err != nil {
		target.Abort()
		return err
	}
	h.target = target
	h.version = hdr.Version
	h.written = uint32(len(hdr.Raw))
	h.stage = stageWriting
	return nil
}

func (h *Handler) data(p *packet.Packet) command.Result {
	if h.stage != stageWriting {
		p.Reset()
		return command.Error
	}
	seq, err := p.Uint16()
	if err != nil {
		p.Reset()
		return command.Error
	}
	sum, err := p.Uint32()
	if err != nil {
		p.Reset()
		return command.Error
	}
	chunk := p.Bytes()
	if seq != h.seq || !crc.Verify(chunk, sum) {
		log.Debug().
			Str("component", "ota").
			Uint16("got", seq).
			Uint16("expected", h.seq).
			Msg("chunk rejected")
		p.Reset()
		_ = p.WriteByte(Resync)
		p.PutUint16(h.seq)
		return command.Continue
	}
	if _, err := h.target.Write(chunk); err != nil {
		log.Error().Str("component", "ota").Err(err).Msg("write chunk")
		h.abort()
		p.Reset()
		return command.Error
	}
	h.written += uint32(len(chunk))
	h.seq++
	p.Reset()
	return command.Continue
}

func (h *Handler) finalize(p *packet.Packet) command.Result {
	total, err := p.Uint32()
	p.Reset()
	if err != nil || h.stage != stageWriting {
		h.abort()
		return command.Error
	}
	if total != h.written {
		log.Warn().
			Str("component", "ota").
			Err(ErrSizeMismatch).
			Uint32("total", total).
			Uint32("written", h.written).
			Msg("finalize refused")
		h.abort()
		return command.Error
	}
	if err := h.target.Finalize(); err != nil {
		log.Error().Str("component", "ota").Err(err).Msg("finalize")
		h.abort()
		return command.Error
	}
	h.stage = stageFinalized
	if err := h.slots.MarkBootable(h.target, h.version); err != nil {
		log.Error().Str("component", "ota").Err(err).Msg("mark bootable")
		return command.Error
	}
	log.Info().
		Str("component", "ota").
		Str("version", h.version).
		Uint32("bytes", h.written).
		Msg("update complete")
	if h.restart != nil {
		if err := h.restart.Restart(h.version); err != nil {
			log.Error().Str("component", "ota").Err(err).Msg("restart")
		}
	}
	return command.Complete
}

func (h *Handler) abort() {
	if h.target != nil && h.stage == stageWriting {
		if err := h.target.Abort(); err != nil {
			log.Warn().Str("component", "ota").Err(err).Msg("abort")
		}
	}
	h.reset()
}

func (h *Handler) reset() {
	h.stage = stageHeader
	h.target = nil
	h.version = ""
	h.seq = 0
	h.written = 0
}
