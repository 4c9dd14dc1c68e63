// Package transport moves framed messages between the protocol engine and a
// physical link. Each port owns a bounded send queue drained by one worker;
// the Link picks whichever port currently has a peer.
package transport

import (
	"context"
	"errors"
)

var (
	ErrQueueFull    = errors.New("transport: send queue full")
	ErrNotConnected = errors.New("transport: not connected")
	// ErrBusy marks a transient write failure that is worth retrying.
	ErrBusy = errors.New("transport: link busy")
)

// Receiver consumes inbound chunks and connection changes. Implementations
// must not retain chunk after returning.
type Receiver interface {
	Receive(port string, chunk []byte)
	ConnectionChanged(port string, connected bool)
}

// Port is one physical transport.
type Port interface {
	Name() string
	Connected() bool
	// Enqueue hands a complete wire message to the send worker without
	// blocking.
	Enqueue(msg []byte) error
	Attach(r Receiver)
	// Run serves the transport until ctx is cancelled.
	Run(ctx context.Context) error
	Close() error
}
