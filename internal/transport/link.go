package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/camlink/internal/observability"
)

// Link sends through the first connected port, in the order given.
type Link struct {
	ports    []Port
	attempts int
	delay    time.Duration
}

// NewLink retries a full queue up to attempts times, delay apart.
func NewLink(attempts int, delay time.Duration, ports ...Port) *Link {
	return &Link{ports: ports, attempts: attempts, delay: delay}
}

func (l *Link) Ports() []Port { return l.ports }

// Active returns the preferred connected port.
func (l *Link) Active() (Port, bool) {
	for _, p := range l.ports {
		if p.Connected() {
			return p, true
		}
	}
	return nil, false
}

func (l *Link) Connected() bool {
	_, ok := l.Active()
	return ok
}

// Attach installs r on every port.
func (l *Link) Attach(r Receiver) {
	for _, p := range l.ports {
		p.Attach(r)
	}
}

// Send enqueues msg on the active port. A full queue is retried; a missing
// peer fails at once.
func (l *Link) Send(ctx context.Context, msg []byte) error {
	for attempt := 0; ; attempt++ {
		p, ok := l.Active()
		if !ok {
			observability.RecordSend("none", "not_connected")
			return ErrNotConnected
		}
		err := p.Enqueue(msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrQueueFull) {
			observability.RecordSend(p.Name(), "rejected")
			return err
		}
		if attempt >= l.attempts {
			observability.RecordSend(p.Name(), "queue_full")
			return fmt.Errorf("%s: %w after %d attempts", p.Name(), err, attempt+1)
		}
		timer := time.NewTimer(l.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
