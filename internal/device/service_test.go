package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/client"
	"github.com/danmuck/camlink/internal/config"
	"github.com/danmuck/camlink/internal/firmware"
	"github.com/danmuck/camlink/internal/testutil/testlog"
)

func testConfig(t *testing.T) config.DeviceConfig {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DeviceID = "cam-test"
	cfg.StorageRoot = filepath.Join(root, "sd")
	cfg.FirmwareDir = filepath.Join(root, "fw")
	cfg.Heartbeat = 20 * time.Millisecond
	cfg.AP.Addr = "127.0.0.1:0"
	cfg.Admin.Addr = ""
	return cfg
}

func serveService(t *testing.T, s *Service) (context.CancelFunc, <-chan error, *client.Client) {
	t.Helper()
	if err := s.bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx) }()
	select {
	case <-s.ap.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("socket not ready")
	}
	c, err := client.Dial(ctx, s.ap.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return cancel, done, c
}

func TestServiceServesAndShutsDown(t *testing.T) {
	testlog.Start(t)
	s := NewService(testConfig(t))
	cancel, done, c := serveService(t, s)

	if _, err := c.List(""); err != nil {
		t.Fatalf("list: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if st := s.Engine().Status(); !st.Connected || st.Transport != "ap" {
		t.Fatalf("status=%+v", st)
	}
	if !s.hub.LinkActive() {
		t.Fatalf("link not reported to camera hub")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestServiceRestartsAfterUpdate(t *testing.T) {
	testlog.Start(t)
	RestartGrace = 20 * time.Millisecond
	s := NewService(testConfig(t))
	_, done, c := serveService(t, s)

	image := append(firmware.BuildHeaderRecord("9.9.9")[4:], make([]byte, 1000)...)
	if err := c.Flash(image); err != nil {
		t.Fatalf("flash: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, firmware.ErrRestartRequested) {
			t.Fatalf("serve err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop for restart")
	}

	// The next boot promotes the new slot.
	slots, err := firmware.OpenSlots(s.cfg.FirmwareDir)
	if err != nil {
		t.Fatalf("reopen slots: %v", err)
	}
	if err := slots.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if v := slots.RunningVersion(); v != "9.9.9" {
		t.Fatalf("running version=%q", v)
	}
}

func TestBootstrapRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Heartbeat = 0
	if err := NewService(cfg).bootstrap(); !errors.Is(err, ErrInvalidHeartbeat) {
		t.Fatalf("err=%v", err)
	}
	cfg = testConfig(t)
	cfg.AP.Enabled = false
	if err := NewService(cfg).bootstrap(); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
}
