package frame

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/crc"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/rs/zerolog/log"
)

var ErrOversizedChunk = errors.New("frame: chunk exceeds declared message size")

// Sink receives reassembly outcomes.
type Sink interface {
	// Deliver hands over a verified payload. The cursor sits on the command
	// byte and the receiver owns the packet.
	Deliver(payload *packet.Packet)
	// Invalid reports a rejected chunk or message.
	Invalid(reason error)
	// TimedOut reports that a partial message expired.
	TimedOut()
}

// Reassembler turns transport chunks into verified payloads. It holds at most
// one message in progress and is not safe for concurrent use.
type Reassembler struct {
	sink    Sink
	limits  Limits
	timeout time.Duration

	stash   [HeaderLen]byte
	stashed int

	header  Header
	partial *packet.Packet
	elapsed time.Duration
}

func NewReassembler(sink Sink, limits Limits, timeout time.Duration) *Reassembler {
	return &Reassembler{sink: sink, limits: limits, timeout: timeout}
}

// Pending reports whether a message is partially received.
func (r *Reassembler) Pending() bool {
	return r.stashed > 0 || r.partial != nil
}

// Reset drops any partial message without reporting it.
func (r *Reassembler) Reset() {
	r.stashed = 0
	r.partial = nil
	r.elapsed = 0
}

// OnChunk consumes one chunk exactly as the transport delivered it.
func (r *Reassembler) OnChunk(raw []byte) {
	if len(raw) == 0 {
		return
	}
	switch {
	case r.partial != nil:
		r.continueMessage(raw)
	case r.stashed > 0:
		r.continueHeader(raw)
	default:
		r.elapsed = 0
		r.begin(raw)
	}
}

// Tick advances the partial message clock by d.
func (r *Reassembler) Tick(d time.Duration) {
	if !r.Pending() {
		return
	}
	r.elapsed += d
	if r.elapsed < r.timeout {
		return
	}
	log.Debug().
		Str("component", "reassembler").
		Dur("elapsed", r.elapsed).
		Msg("partial message expired")
	r.Reset()
	r.sink.TimedOut()
}

func (r *Reassembler) begin(raw []byte) {
	if len(raw) < HeaderLen {
		if !hasMagicPrefix(raw) {
			r.reject(protocol.ErrInvalidMagic)
			return
		}
		r.stashed = copy(r.stash[:], raw)
		return
	}

	h, err := DecodeHeader(raw)
	if err != nil {
		r.reject(err)
		return
	}
	if err := CheckHeader(h, r.limits); err != nil {
		r.reject(err)
		return
	}

	total := HeaderLen + int(h.PayloadLen)
	switch {
	case len(raw) == total:
		r.complete(h, packet.Copy(raw[HeaderLen:]))
	case len(raw) < total:
		r.header = h
		r.partial = packet.New(total)
		copy(r.partial.Full(), raw)
		r.partial.Forward(len(raw))
	default:
		r.reject(fmt.Errorf("%w: %d > %d", ErrOversizedChunk, len(raw), total))
	}
}

func (r *Reassembler) continueHeader(raw []byte) {
	n := copy(r.stash[r.stashed:], raw)
	r.stashed += n
	if !hasMagicPrefix(r.stash[:r.stashed]) {
		r.reject(protocol.ErrInvalidMagic)
		return
	}
	if r.stashed < HeaderLen {
		return
	}
	joined := make([]byte, 0, HeaderLen+len(raw)-n)
	joined = append(joined, r.stash[:]...)
	joined = append(joined, raw[n:]...)
	r.stashed = 0
	r.begin(joined)
}

func (r *Reassembler) continueMessage(raw []byte) {
	if len(raw) > r.partial.Len() {
		r.reject(fmt.Errorf("%w: %d > %d remaining", ErrOversizedChunk, len(raw), r.partial.Len()))
		return
	}
	copy(r.partial.Bytes(), raw)
	r.partial.Forward(len(raw))
	if r.partial.Len() > 0 {
		return
	}
	msg := r.partial
	r.partial = nil
	msg.Rewind()
	msg.Forward(HeaderLen)
	r.complete(r.header, msg)
}

func (r *Reassembler) complete(h Header, payload *packet.Packet) {
	if !crc.Verify(payload.Bytes(), h.Checksum) {
		r.reject(protocol.ErrChecksumMismatch)
		return
	}
	r.elapsed = 0
	r.sink.Deliver(payload)
}

func (r *Reassembler) reject(err error) {
	log.Debug().
		Str("component", "reassembler").
		Err(err).
		Msg("chunk rejected")
	r.Reset()
	r.sink.Invalid(err)
}

func hasMagicPrefix(b []byte) bool {
	magic := [2]byte{byte(Magic & 0xFF), byte(Magic >> 8)}
	for i := 0; i < len(b) && i < len(magic); i++ {
		if b[i] != magic[i] {
			return false
		}
	}
	return true
}
