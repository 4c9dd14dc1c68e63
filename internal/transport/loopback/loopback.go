// Package loopback is an in-memory transport. Inbound chunks are injected by
// the caller and outbound messages collected from a channel.
package loopback

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/camlink/internal/transport"
)

var ErrOutboxFull = errors.New("loopback: outbox full")

type Port struct {
	*transport.Endpoint
	sent chan []byte

	mu   sync.Mutex
	busy int
}

func New(name string, queueSize int, retry transport.RetryPolicy) *Port {
	return &Port{
		Endpoint: transport.NewEndpoint(name, queueSize, retry),
		sent:     make(chan []byte, 256),
	}
}

func (p *Port) Run(ctx context.Context) error {
	p.Queue().Run(ctx, p.write)
	return nil
}

func (p *Port) Close() error {
	p.SetConnected(false)
	return nil
}

// Sent yields every message the send worker transmitted.
func (p *Port) Sent() <-chan []byte { return p.sent }

func (p *Port) Connect() { p.SetConnected(true) }

func (p *Port) Disconnect() { p.SetConnected(false) }

// Inject delivers chunk as if it arrived from the peer.
func (p *Port) Inject(chunk []byte) { p.Deliver(chunk) }

// SetBusy makes the next n writes report a congested link.
func (p *Port) SetBusy(n int) {
	p.mu.Lock()
	p.busy = n
	p.mu.Unlock()
}

func (p *Port) write(msg []byte) error {
	p.mu.Lock()
	if p.busy > 0 {
		p.busy--
		p.mu.Unlock()
		return transport.ErrBusy
	}
	p.mu.Unlock()
	select {
	case p.sent <- append([]byte(nil), msg...):
		return nil
	default:
		return ErrOutboxFull
	}
}
