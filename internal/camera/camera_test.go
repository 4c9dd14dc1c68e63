package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/testutil/testlog"
)

func TestHubHoldsFrameUntilRelease(t *testing.T) {
	testlog.Start(t)
	h := NewHub()
	if _, ok, err := h.Acquire(); ok || err != nil {
		t.Fatalf("empty hub: ok=%v err=%v", ok, err)
	}
	h.Publish([]byte{1}, time.Now())
	f, ok, err := h.Acquire()
	if !ok || err != nil || f.Seq != 1 {
		t.Fatalf("acquire: %+v ok=%v err=%v", f, ok, err)
	}
	h.Publish([]byte{2}, time.Now())
	if _, _, err := h.Acquire(); !errors.Is(err, ErrFrameHeld) {
		t.Fatalf("expected ErrFrameHeld, got %v", err)
	}
	h.Release()
	f, ok, _ = h.Acquire()
	if !ok || f.Seq != 2 || f.Data[0] != 2 {
		t.Fatalf("newest frame after release: %+v", f)
	}
}

func TestLinkActiveFlag(t *testing.T) {
	testlog.Start(t)
	h := NewHub()
	h.SetLinkActive(true)
	if !h.LinkActive() {
		t.Fatalf("link flag not stored")
	}
}

func TestWatcherSkipsIncompleteJPEG(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	hub := NewHub()
	w := NewWatcher(dir, hub)

	partial := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(partial, []byte{0xFF, 0xD8, 0x00, 0x00}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.consider(partial) {
		t.Fatalf("partial jpeg must not publish")
	}
	if err := os.WriteFile(partial, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !w.consider(partial) || hub.Seq() != 1 {
		t.Fatalf("complete jpeg not published")
	}
	if w.consider(filepath.Join(dir, "notes.txt")) {
		t.Fatalf("non-jpeg must be ignored")
	}
}

func TestWatcherRunPublishesNewFiles(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWatcher(dir, hub).Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for hub.Seq() == 0 && time.Now().Before(deadline) {
		_ = os.WriteFile(filepath.Join(dir, "f.jpg"), []byte{0xFF, 0xD8, 0x42, 0xFF, 0xD9}, 0o644)
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if hub.Seq() == 0 {
		t.Fatalf("no frame published")
	}
}
