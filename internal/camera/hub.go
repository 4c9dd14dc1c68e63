// Package camera holds the most recent captured frame for the protocol side.
// Capture itself runs elsewhere and only publishes here.
package camera

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrFrameHeld = errors.New("camera: frame already held")

// Frame is one encoded still.
type Frame struct {
	Seq      uint64
	Captured time.Time
	Data     []byte
}

// Hub keeps the latest frame. A held frame is pinned for a reader and is not
// replaced until released; newer frames queue as latest behind it.
type Hub struct {
	mu     sync.Mutex
	seq    uint64
	latest *Frame
	held   *Frame

	linkActive atomic.Bool
}

func NewHub() *Hub {
	return &Hub{}
}

// Publish stores data as the newest frame. data must not be modified after.
func (h *Hub) Publish(data []byte, at time.Time) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.latest = &Frame{Seq: h.seq, Captured: at, Data: data}
	return h.seq
}

// Latest returns the newest frame without holding it.
func (h *Hub) Latest() (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return Frame{}, false
	}
	return *h.latest, true
}

// Acquire pins the newest frame for one reader.
func (h *Hub) Acquire() (Frame, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held != nil {
		return Frame{}, false, ErrFrameHeld
	}
	if h.latest == nil {
		return Frame{}, false, nil
	}
	h.held = h.latest
	return *h.held, true, nil
}

// Release unpins the held frame.
func (h *Hub) Release() {
	h.mu.Lock()
	h.held = nil
	h.mu.Unlock()
}

// Seq returns the sequence number of the newest frame.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// SetLinkActive records whether a client link is up. Capture uses it to
// pause motion triggering while a client is attached.
func (h *Hub) SetLinkActive(active bool) {
	h.linkActive.Store(active)
}

func (h *Hub) LinkActive() bool {
	return h.linkActive.Load()
}
