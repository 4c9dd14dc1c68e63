package transport

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/camlink/internal/observability"
	"github.com/rs/zerolog/log"
)

// Endpoint is the state every port shares: the connection flag, the send
// queue and the attached receiver. Ports embed it.
type Endpoint struct {
	name      string
	queue     *SendQueue
	connected atomic.Bool

	mu   sync.RWMutex
	recv Receiver
}

func NewEndpoint(name string, queueSize int, retry RetryPolicy) *Endpoint {
	return &Endpoint{name: name, queue: NewSendQueue(name, queueSize, retry)}
}

func (e *Endpoint) Name() string { return e.name }

func (e *Endpoint) Connected() bool { return e.connected.Load() }

func (e *Endpoint) Queue() *SendQueue { return e.queue }

func (e *Endpoint) Enqueue(msg []byte) error {
	if !e.Connected() {
		return ErrNotConnected
	}
	return e.queue.Offer(msg)
}

func (e *Endpoint) Attach(r Receiver) {
	e.mu.Lock()
	e.recv = r
	e.mu.Unlock()
}

// SetConnected records a connection change and tells the receiver. Queued
// messages are discarded when the peer goes away.
func (e *Endpoint) SetConnected(connected bool) {
	if e.connected.Swap(connected) == connected {
		return
	}
	if !connected {
		if n := e.queue.Drain(); n > 0 {
			log.Debug().Str("component", "transport").Str("transport", e.name).Int("dropped", n).Msg("send queue cleared")
		}
	}
	observability.SetConnected(e.name, connected)
	log.Info().Str("component", "transport").Str("transport", e.name).Bool("connected", connected).Msg("connection changed")
	if r := e.receiver(); r != nil {
		r.ConnectionChanged(e.name, connected)
	}
}

// Deliver passes an inbound chunk to the receiver.
func (e *Endpoint) Deliver(chunk []byte) {
	if r := e.receiver(); r != nil {
		r.Receive(e.name, chunk)
	}
}

func (e *Endpoint) receiver() Receiver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recv
}
