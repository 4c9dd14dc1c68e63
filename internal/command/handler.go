package command

import (
	"time"

	"github.com/danmuck/camlink/internal/protocol/packet"
)

// Result is what a handler reports after each step.
type Result uint8

const (
	Continue Result = iota
	Wait
	Complete
	Timeout
	Error
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Wait:
		return "wait"
	case Complete:
		return "complete"
	case Timeout:
		return "timeout"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Running reports whether the command stays active after this result.
func (r Result) Running() bool {
	return r == Continue || r == Wait
}

// Handler is one command implementation.
//
// Every step receives the packet that triggered it and replaces its content
// with the reply: whatever follows the cursor when the call returns is sent
// back. Handlers reset the packet before writing and leave it empty when
// there is nothing to say.
//
// Start sees the bytes after the start code and target code. Receive sees
// the sub-command byte first. Idle is called once per tick with an empty
// packet. End always runs exactly once per successful Start.
type Handler interface {
	Code() byte
	Start(p *packet.Packet) Result
	Receive(p *packet.Packet) Result
	Idle(p *packet.Packet) Result
	End(p *packet.Packet)
}

// Ticks converts a timeout into a number of dispatcher ticks.
func Ticks(timeout, tick time.Duration) int {
	if tick <= 0 || timeout <= 0 {
		return 1
	}
	n := int(timeout / tick)
	if n < 1 {
		n = 1
	}
	return n
}

// Base carries the handler code and the idle countdown. Handlers embed it
// and override the steps they need.
type Base struct {
	code      byte
	budget    int
	remaining int
}

func NewBase(code byte, budget int) Base {
	if budget < 1 {
		budget = 1
	}
	return Base{code: code, budget: budget, remaining: budget}
}

func (b *Base) Code() byte { return b.code }

// Touch restores the full idle budget.
func (b *Base) Touch() { b.remaining = b.budget }

// Remaining returns the idle ticks left before Timeout.
func (b *Base) Remaining() int { return b.remaining }

func (b *Base) Start(p *packet.Packet) Result {
	b.Touch()
	p.Reset()
	return Continue
}

func (b *Base) Receive(p *packet.Packet) Result {
	b.Touch()
	p.Reset()
	return Continue
}

// Idle counts down the budget and reports Timeout once it is spent.
func (b *Base) Idle(p *packet.Packet) Result {
	p.Reset()
	if b.remaining > 0 {
		b.remaining--
	}
	if b.remaining == 0 {
		return Timeout
	}
	return Wait
}

func (b *Base) End(p *packet.Packet) {
	p.Reset()
}
