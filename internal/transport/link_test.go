package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/testutil/testlog"
	"github.com/danmuck/camlink/internal/transport"
	"github.com/danmuck/camlink/internal/transport/loopback"
)

type events struct {
	chunks  chan []byte
	changes chan bool
}

func newEvents() *events {
	return &events{chunks: make(chan []byte, 8), changes: make(chan bool, 8)}
}

func (e *events) Receive(_ string, chunk []byte) { e.chunks <- chunk }

func (e *events) ConnectionChanged(_ string, connected bool) { e.changes <- connected }

func retry() transport.RetryPolicy {
	return transport.RetryPolicy{Attempts: 3, Backoff: transport.Backoff{Delay: time.Millisecond}}
}

func TestLinkPrefersFirstConnectedPort(t *testing.T) {
	testlog.Start(t)
	bt := loopback.New("ble", 4, retry())
	ap := loopback.New("ap", 4, retry())
	link := transport.NewLink(3, time.Millisecond, bt, ap)

	if err := link.Send(context.Background(), []byte{1}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	ap.Connect()
	if p, ok := link.Active(); !ok || p.Name() != "ap" {
		t.Fatalf("active=%v ok=%v", p, ok)
	}
	bt.Connect()
	if p, _ := link.Active(); p.Name() != "ble" {
		t.Fatalf("ble must win when both are up, got %s", p.Name())
	}
}

func TestLinkRetriesFullQueueThenFails(t *testing.T) {
	testlog.Start(t)
	ap := loopback.New("ap", 1, retry())
	ap.Connect()
	link := transport.NewLink(2, time.Millisecond, ap)
	if err := link.Send(context.Background(), []byte{1}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	start := time.Now()
	err := link.Send(context.Background(), []byte{2})
	if !errors.Is(err, transport.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if time.Since(start) < 2*time.Millisecond {
		t.Fatalf("queue full was not retried")
	}
}

func TestLinkSendSucceedsOnceWorkerDrains(t *testing.T) {
	testlog.Start(t)
	ap := loopback.New("ap", 1, retry())
	ap.Connect()
	link := transport.NewLink(255, time.Millisecond, ap)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = link.Send(ctx, []byte{1})
	go ap.Run(ctx)
	if err := link.Send(ctx, []byte{2}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	for want := byte(1); want <= 2; want++ {
		select {
		case msg := <-ap.Sent():
			if msg[0] != want {
				t.Fatalf("got %v want %d", msg, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not sent", want)
		}
	}
}

func TestEndpointNotifiesAndClearsQueueOnDisconnect(t *testing.T) {
	testlog.Start(t)
	ev := newEvents()
	ap := loopback.New("ap", 4, retry())
	link := transport.NewLink(0, time.Millisecond, ap)
	link.Attach(ev)

	ap.Connect()
	if !<-ev.changes {
		t.Fatalf("expected connect notification")
	}
	_ = ap.Enqueue([]byte{1})
	ap.Inject([]byte{9})
	if chunk := <-ev.chunks; chunk[0] != 9 {
		t.Fatalf("chunk=%v", chunk)
	}
	ap.Disconnect()
	if <-ev.changes {
		t.Fatalf("expected disconnect notification")
	}
	if ap.Queue().Len() != 0 {
		t.Fatalf("queue must be cleared on disconnect")
	}
	if err := ap.Enqueue([]byte{2}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestBusyPortRetriesInWorker(t *testing.T) {
	testlog.Start(t)
	ap := loopback.New("ap", 4, retry())
	ap.Connect()
	ap.SetBusy(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ap.Run(ctx)
	_ = ap.Enqueue([]byte{7})
	select {
	case msg := <-ap.Sent():
		if msg[0] != 7 {
			t.Fatalf("msg=%v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("busy write never retried")
	}
}
