package transfer

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/danmuck/camlink/internal/testutil/testlog"
)

func newStoreWith(t *testing.T, name string, data []byte) *storage.Store {
	t.Helper()
	s, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.Root(), name), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return s
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func unit(t *testing.T, p *packet.Packet) (uint16, []byte) {
	t.Helper()
	b := p.Bytes()
	if len(b) < 2 {
		t.Fatalf("unit too short: %x", b)
	}
	return binary.LittleEndian.Uint16(b), append([]byte(nil), b[2:]...)
}

// pull drives send-next until the handler stops continuing.
func pull(t *testing.T, h *Handler) ([]byte, int, command.Result) {
	t.Helper()
	var out []byte
	units := 0
	for i := 0; i < 1000; i++ {
		p := packet.Copy([]byte{protocol.SubSendNext})
		res := h.Receive(p)
		seq, data := unit(t, p)
		if int(seq) != units {
			t.Fatalf("seq=%d want %d", seq, units)
		}
		units++
		out = append(out, data...)
		if res != command.Continue {
			return out, units, res
		}
	}
	t.Fatalf("transfer never finished")
	return nil, 0, command.Error
}

func TestFileTransferUnitCounts(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		size  int
		units int
	}{
		{0, 1},
		{1, 1},
		{UnitSize - 1, 1},
		{UnitSize, 2},
		{UnitSize + 1, 2},
		{3 * UnitSize, 4},
		{20000, 3},
	}
	for _, tc := range cases {
		data := randomBytes(tc.size)
		h := NewFile(newStoreWith(t, "f.bin", data), 10)
		if res := h.Start(packet.Copy([]byte("/f.bin"))); res != command.Continue {
			t.Fatalf("size=%d start=%s", tc.size, res)
		}
		got, units, res := pull(t, h)
		if res != command.Complete || units != tc.units || !bytes.Equal(got, data) {
			t.Fatalf("size=%d res=%s units=%d want %d equal=%v", tc.size, res, units, tc.units, bytes.Equal(got, data))
		}
		end := packet.New(0)
		h.End(end)
		if !bytes.Equal(end.Bytes(), []byte{EndMarker}) {
			t.Fatalf("size=%d end output=%x", tc.size, end.Bytes())
		}
	}
}

func TestResendReturnsSameUnit(t *testing.T) {
	testlog.Start(t)
	data := randomBytes(3*UnitSize + 100)
	h := NewFile(newStoreWith(t, "f.bin", data), 10)
	h.Start(packet.Copy([]byte("f.bin")))

	for i := 0; i < 3; i++ {
		h.Receive(packet.Copy([]byte{protocol.SubSendNext}))
	}
	p := packet.Copy([]byte{protocol.SubResend, 0x01, 0x00})
	if res := h.Receive(p); res != command.Continue {
		t.Fatalf("resend result=%s", res)
	}
	seq, got := unit(t, p)
	if seq != 1 || !bytes.Equal(got, data[UnitSize:2*UnitSize]) {
		t.Fatalf("resend seq=%d equal=%v", seq, bytes.Equal(got, data[UnitSize:2*UnitSize]))
	}
	if h.Seq() != 2 {
		t.Fatalf("next seq=%d", h.Seq())
	}
}

func TestResendOfFinalUnitCompletes(t *testing.T) {
	testlog.Start(t)
	data := randomBytes(UnitSize)
	h := NewFile(newStoreWith(t, "f.bin", data), 10)
	h.Start(packet.Copy([]byte("f.bin")))
	p := packet.Copy([]byte{protocol.SubResend, 0x01, 0x00})
	if res := h.Receive(p); res != command.Complete {
		t.Fatalf("terminal unit result=%s", res)
	}
	if seq, body := unit(t, p); seq != 1 || len(body) != 0 {
		t.Fatalf("terminal unit seq=%d len=%d", seq, len(body))
	}
}

func TestMalformedSubCommandsError(t *testing.T) {
	testlog.Start(t)
	h := NewFile(newStoreWith(t, "f.bin", []byte("x")), 10)
	h.Start(packet.Copy([]byte("f.bin")))
	for _, req := range [][]byte{
		{protocol.SubResend, 0x01},
		{protocol.SubResend, 0x01, 0x00, 0x00},
		{0x42},
	} {
		p := packet.Copy(req)
		if res := h.Receive(p); res != command.Error || p.Len() != 0 {
			t.Fatalf("req=%x res=%s out=%x", req, res, p.Bytes())
		}
	}
}

func TestStartFailsForMissingFile(t *testing.T) {
	testlog.Start(t)
	h := NewFile(newStoreWith(t, "f.bin", nil), 10)
	if res := h.Start(packet.Copy([]byte("/missing.bin"))); res != command.Error {
		t.Fatalf("start=%s", res)
	}
}

func TestEndWithoutCompletionHasNoMarker(t *testing.T) {
	testlog.Start(t)
	h := NewFile(newStoreWith(t, "f.bin", randomBytes(2*UnitSize)), 10)
	h.Start(packet.Copy([]byte("f.bin")))
	h.Receive(packet.Copy([]byte{protocol.SubSendNext}))
	end := packet.New(0)
	h.End(end)
	if end.Len() != 0 {
		t.Fatalf("cancelled transfer must not emit marker: %x", end.Bytes())
	}
}

func TestFrameTransferWaitsForFrameAndReleases(t *testing.T) {
	testlog.Start(t)
	hub := camera.NewHub()
	h := NewFrame(hub, 10)
	if res := h.Start(packet.New(0)); res != command.Continue {
		t.Fatalf("start=%s", res)
	}
	p := packet.Copy([]byte{protocol.SubSendNext})
	if res := h.Receive(p); res != command.Wait || p.Len() != 0 {
		t.Fatalf("no frame: res=%s out=%x", res, p.Bytes())
	}

	frame := randomBytes(UnitSize + 10)
	hub.Publish(frame, time.Now())
	got, units, res := pull(t, h)
	if res != command.Complete || units != 2 || !bytes.Equal(got, frame) {
		t.Fatalf("frame transfer res=%s units=%d", res, units)
	}
	h.End(packet.New(0))
	if _, ok, err := hub.Acquire(); !ok || err != nil {
		t.Fatalf("frame must be released on end: ok=%v err=%v", ok, err)
	}
}
