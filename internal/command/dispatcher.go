package command

import (
	"fmt"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/rs/zerolog/log"
)

// Responder sends one reply. The bytes after p's cursor become the body
// behind command.
type Responder interface {
	Respond(command byte, p *packet.Packet) error
}

// EndReason records why the active command stopped.
type EndReason string

const (
	EndComplete  EndReason = "complete"
	EndCancelled EndReason = "cancelled"
	EndTimeout   EndReason = "timeout"
	EndError     EndReason = "error"
	EndShutdown  EndReason = "shutdown"
)

// Observer is told about command lifecycle transitions.
type Observer interface {
	CommandStarted(code byte)
	CommandEnded(code byte, reason EndReason)
}

type nopObserver struct{}

func (nopObserver) CommandStarted(byte)           {}
func (nopObserver) CommandEnded(byte, EndReason) {}

// Dispatcher is the command state machine: Idle when no handler is active,
// Running otherwise.
type Dispatcher struct {
	handlers []Handler
	active   int
	last     byte
	out      Responder
	observer Observer
}

func NewDispatcher(out Responder) *Dispatcher {
	return &Dispatcher{active: -1, out: out, observer: nopObserver{}}
}

// SetObserver installs o. A nil observer disables notifications.
func (d *Dispatcher) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	d.observer = o
}

// ActiveCode returns the running handler's code.
func (d *Dispatcher) ActiveCode() (byte, bool) {
	if d.active < 0 {
		return 0, false
	}
	return d.handlers[d.active].Code(), true
}

// Dispatch routes one verified payload. Every request gets at least one
// reply; the returned error classifies rejected or failed requests.
func (d *Dispatcher) Dispatch(p *packet.Packet) error {
	code, err := p.ReadByte()
	if err != nil {
		d.reply(protocol.ControlInvalidPacket, protocol.ResponseInvalidPacket)
		return ErrEmptyRequest
	}
	if d.active < 0 {
		return d.dispatchIdle(code, p)
	}
	return d.dispatchRunning(code, p)
}

// Tick gives the active handler its idle step.
func (d *Dispatcher) Tick() error {
	if d.active < 0 {
		return nil
	}
	h := d.handlers[d.active]
	p := packet.New(0)
	return d.apply(h, h.Idle(p), d.last, p, false)
}

// Shutdown ends the active command, if any, with the regular end sequence.
func (d *Dispatcher) Shutdown() {
	if d.active < 0 {
		return
	}
	d.finish(d.handlers[d.active], EndShutdown)
}

func (d *Dispatcher) dispatchIdle(code byte, p *packet.Packet) error {
	if code != protocol.ControlStart {
		d.reply(code, protocol.ResponseNotStarted)
		return fmt.Errorf("%w: 0x%02x", ErrNotRunning, code)
	}
	target, err := p.ReadByte()
	if err != nil {
		d.reply(protocol.ControlStart, protocol.ResponseInvalidCommand)
		return fmt.Errorf("%w: missing target", ErrUnknownCommand)
	}
	idx := d.index(target)
	if idx < 0 {
		d.reply(protocol.ControlStart, protocol.ResponseInvalidCommand)
		return fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, target)
	}

	h := d.handlers[idx]
	res := h.Start(p)
	if !res.Running() {
		d.reply(protocol.ControlStart, protocol.ResponseNotStarted)
		return fmt.Errorf("%w: 0x%02x returned %s", ErrStartFailed, target, res)
	}

	d.active = idx
	d.last = target
	d.reply(protocol.ControlStart, target)
	d.forward(target, p)
	d.observer.CommandStarted(target)
	log.Debug().
		Str("component", "dispatcher").
		Str("command", protocol.CodeName(target)).
		Msg("command started")
	return nil
}

func (d *Dispatcher) dispatchRunning(code byte, p *packet.Packet) error {
	h := d.handlers[d.active]
	switch code {
	case protocol.ControlStart:
		d.reply(protocol.ControlStart, protocol.ResponseAlreadyRunning)
		return fmt.Errorf("%w: 0x%02x", ErrAlreadyRunning, h.Code())
	case protocol.ControlQuery:
		d.reply(protocol.ControlQuery, h.Code())
		return nil
	case protocol.ControlEnd:
		d.finish(h, EndCancelled)
		return nil
	case protocol.ControlInvalidPacket:
		d.reply(protocol.ControlInvalidPacket, protocol.ResponseInvalidPacket)
		return fmt.Errorf("%w: 0x%02x", ErrReservedCode, code)
	}

	d.last = code
	p.Back(1)
	return d.apply(h, h.Receive(p), code, p, true)
}

// apply maps a handler result onto replies and state. Bare acknowledgements
// are only sent for requests, never for idle steps.
func (d *Dispatcher) apply(h Handler, res Result, code byte, p *packet.Packet, ack bool) error {
	switch res {
	case Continue, Wait:
		if p.Len() > 0 {
			d.send(code, p)
		} else if ack {
			body := protocol.ResponseOK
			if res == Wait {
				body = protocol.ResponseWait
			}
			d.reply(h.Code(), body)
		}
		return nil
	case Complete:
		d.forward(code, p)
		d.finish(h, EndComplete)
		return nil
	case Timeout:
		d.forward(code, p)
		d.finish(h, EndTimeout)
		return fmt.Errorf("%w: 0x%02x", ErrTaskTimeout, h.Code())
	default:
		d.forward(code, p)
		d.finish(h, EndError)
		return fmt.Errorf("%w: 0x%02x", ErrTaskFailed, h.Code())
	}
}

func (d *Dispatcher) finish(h Handler, reason EndReason) {
	p := packet.New(0)
	h.End(p)
	d.forward(h.Code(), p)
	d.active = -1
	d.reply(protocol.ControlEnd, h.Code())
	d.observer.CommandEnded(h.Code(), reason)
	log.Debug().
		Str("component", "dispatcher").
		Str("command", protocol.CodeName(h.Code())).
		Str("reason", string(reason)).
		Msg("command ended")
}

func (d *Dispatcher) reply(code, body byte) {
	d.send(code, packet.Copy([]byte{body}))
}

func (d *Dispatcher) forward(code byte, p *packet.Packet) {
	if p.Len() > 0 {
		d.send(code, p)
	}
}

func (d *Dispatcher) send(code byte, p *packet.Packet) {
	if err := d.out.Respond(code, p); err != nil {
		log.Warn().
			Str("component", "dispatcher").
			Str("command", protocol.CodeName(code)).
			Err(err).
			Msg("reply dropped")
	}
}
