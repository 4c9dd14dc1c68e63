package rfcomm

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/testutil/testlog"
	"github.com/danmuck/camlink/internal/transport"
	"go.bug.st/serial"
)

// fakeSerial implements the parts of serial.Port the link uses.
type fakeSerial struct {
	serial.Port
	mu      sync.Mutex
	in      chan []byte
	written []byte
	closed  chan struct{}
}

func newFakeSerial() *fakeSerial {
	return &fakeSerial{in: make(chan []byte, 4), closed: make(chan struct{})}
}

func (f *fakeSerial) SetReadTimeout(time.Duration) error { return nil }

func (f *fakeSerial) Read(p []byte) (int, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeSerial) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeSerial) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written...)
}

type recorder struct {
	chunks  chan []byte
	changes chan bool
}

func (r *recorder) Receive(_ string, chunk []byte)      { r.chunks <- append([]byte(nil), chunk...) }
func (r *recorder) ConnectionChanged(_ string, up bool) { r.changes <- up }

func TestPortServesOpenedDevice(t *testing.T) {
	testlog.Start(t)
	dev := newFakeSerial()
	cfg := DefaultConfig()
	cfg.ReopenDelay = time.Hour
	var opened atomic.Bool
	port := NewWithOpener(cfg, func(name string, mode *serial.Mode) (serial.Port, error) {
		if name != cfg.Device || mode.BaudRate != cfg.Baud {
			t.Errorf("open %q baud=%d", name, mode.BaudRate)
		}
		if opened.Swap(true) {
			return nil, errors.New("gone")
		}
		return dev, nil
	})
	rec := &recorder{chunks: make(chan []byte, 4), changes: make(chan bool, 4)}
	port.Attach(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go port.Run(ctx)

	if up := <-rec.changes; !up {
		t.Fatalf("expected connect")
	}
	dev.in <- []byte{0xEF, 0xBE}
	if got := <-rec.chunks; len(got) != 2 || got[0] != 0xEF {
		t.Fatalf("chunk=%x", got)
	}
	if err := port.Enqueue([]byte("reply")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for string(dev.Written()) != "reply" {
		if time.Now().After(deadline) {
			t.Fatalf("written=%q", dev.Written())
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(dev.in)
	if up := <-rec.changes; up {
		t.Fatalf("expected disconnect after eof")
	}
	if err := port.Enqueue([]byte("late")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("enqueue after close err=%v", err)
	}
}

func TestPortRetriesUnavailableDevice(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ReopenDelay = time.Millisecond
	var mu sync.Mutex
	attempts := 0
	ctx, cancel := context.WithCancel(context.Background())
	port := NewWithOpener(cfg, func(string, *serial.Mode) (serial.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 3 {
			cancel()
		}
		return nil, errors.New("no such device")
	})
	if err := port.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts < 3 || port.Connected() {
		t.Fatalf("attempts=%d connected=%v", attempts, port.Connected())
	}
}
