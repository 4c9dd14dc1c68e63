package client

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/command/directory"
	"github.com/danmuck/camlink/internal/command/ota"
	"github.com/danmuck/camlink/internal/command/remove"
	"github.com/danmuck/camlink/internal/command/transfer"
	"github.com/danmuck/camlink/internal/engine"
	"github.com/danmuck/camlink/internal/firmware"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/danmuck/camlink/internal/testutil/testlog"
	"github.com/danmuck/camlink/internal/transport"
	"github.com/danmuck/camlink/internal/transport/socket"
)

type device struct {
	store    *storage.Store
	slots    *firmware.Slots
	hub      *camera.Hub
	restarts chan string
	client   *Client
}

func startDevice(t *testing.T) *device {
	t.Helper()
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	slots, err := firmware.OpenSlots(t.TempDir())
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	hub := camera.NewHub()
	restarts := make(chan string, 1)

	cfg := socket.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	port := socket.New(cfg)
	eng := engine.New(engine.DefaultConfig(), transport.NewLink(255, time.Millisecond, port), nil)
	budget := command.Ticks(3*time.Second, eng.Config().Tick)
	err = eng.Register(
		directory.New(store, 1, budget),
		transfer.NewFile(store, budget),
		remove.New(store, budget),
		transfer.NewFrame(hub, budget),
		ota.New(slots, firmware.RestartFunc(func(v string) error {
			restarts <- v
			return nil
		}), budget),
	)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = port.Run(ctx) }()
	go func() { _ = eng.Run(ctx) }()
	select {
	case <-port.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("socket not ready")
	}
	c, err := Dial(ctx, port.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return &device{store: store, slots: slots, hub: hub, restarts: restarts, client: c}
}

func (d *device) put(t *testing.T, name string, data []byte) {
	t.Helper()
	p := filepath.Join(d.store.Root(), name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestListFetchDelete(t *testing.T) {
	testlog.Start(t)
	d := startDevice(t)
	clip := make([]byte, 3*transfer.UnitSize)
	rand.New(rand.NewSource(3)).Read(clip)
	d.put(t, "clips/one.bin", clip)
	d.put(t, "notes.txt", []byte("hello"))

	entries, err := d.client.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["clips/"] || !names["notes.txt"] {
		t.Fatalf("entries=%+v", entries)
	}

	var buf bytes.Buffer
	n, err := d.client.Fetch("clips/one.bin", &buf)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if n != int64(len(clip)) || !bytes.Equal(buf.Bytes(), clip) {
		t.Fatalf("fetched %d bytes, want %d", n, len(clip))
	}

	if err := d.client.Delete("notes.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.store.Root(), "notes.txt")); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
	var re *ResponseError
	if err := d.client.Delete("notes.txt"); !errors.As(err, &re) || re.Code != remove.Failed {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestFetchMissingFileIsRefused(t *testing.T) {
	testlog.Start(t)
	d := startDevice(t)
	var re *ResponseError
	_, err := d.client.Fetch("nope.bin", &bytes.Buffer{})
	if !errors.As(err, &re) || re.Code != protocol.ResponseNotStarted {
		t.Fatalf("err=%v", err)
	}
	if _, running, err := d.client.Query(); err != nil || running {
		t.Fatalf("query running=%v err=%v", running, err)
	}
}

func TestSnapWaitsForFrame(t *testing.T) {
	testlog.Start(t)
	d := startDevice(t)
	jpeg := append([]byte{0xFF, 0xD8}, bytes.Repeat([]byte{0x42}, 10000)...)
	jpeg = append(jpeg, 0xFF, 0xD9)
	go func() {
		time.Sleep(150 * time.Millisecond)
		d.hub.Publish(jpeg, time.Now())
	}()
	var buf bytes.Buffer
	if _, err := d.client.Snap(&buf); err != nil {
		t.Fatalf("snap: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), jpeg) {
		t.Fatalf("frame mismatch: %d bytes", buf.Len())
	}
}

func TestCancelEndsTransfer(t *testing.T) {
	testlog.Start(t)
	d := startDevice(t)
	d.put(t, "big.bin", make([]byte, 2*transfer.UnitSize))
	if err := d.client.begin(protocol.CommandSendFile, []byte("big.bin")); err != nil {
		t.Fatalf("begin: %v", err)
	}
	code, running, err := d.client.Query()
	if err != nil || !running || code != protocol.CommandSendFile {
		t.Fatalf("query code=0x%02x running=%v err=%v", code, running, err)
	}
	if err := d.client.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, running, _ := d.client.Query(); running {
		t.Fatalf("still running after cancel")
	}
}

func TestFlashWritesInactiveSlot(t *testing.T) {
	testlog.Start(t)
	d := startDevice(t)
	image := firmware.BuildHeaderRecord("2.0.0")[4:]
	body := make([]byte, 2*FlashChunkSize+100)
	rand.New(rand.NewSource(9)).Read(body)
	image = append(image, body...)

	if err := d.client.Flash(image); err != nil {
		t.Fatalf("flash: %v", err)
	}
	select {
	case v := <-d.restarts:
		if v != "2.0.0" {
			t.Fatalf("restart version=%q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no restart")
	}
	st := d.slots.State()
	if st.Boot != "b" || st.PendingVersion != "2.0.0" {
		t.Fatalf("state=%+v", st)
	}
	got, err := os.ReadFile(d.slots.ImagePath("b"))
	if err != nil {
		t.Fatalf("read slot: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Fatalf("slot image differs: %d bytes want %d", len(got), len(image))
	}

	var re *ResponseError
	if err := d.client.Flash(image[:10]); !errors.Is(err, ErrImageTooShort) {
		t.Fatalf("short image err=%v", err)
	}
	if err := d.client.begin(0x7E, nil); !errors.As(err, &re) || re.Code != protocol.ResponseInvalidCommand {
		t.Fatalf("unknown command err=%v", err)
	}
}
