package remove

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/camlink/internal/command"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/packet"
	"github.com/danmuck/camlink/internal/storage"
	"github.com/danmuck/camlink/internal/testutil/testlog"
)

type recorder struct {
	codes  []byte
	bodies [][]byte
}

func (r *recorder) Respond(code byte, p *packet.Packet) error {
	r.codes = append(r.codes, code)
	r.bodies = append(r.bodies, append([]byte(nil), p.Bytes()...))
	return nil
}

func TestDeleteThroughDispatcher(t *testing.T) {
	testlog.Start(t)
	s, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	target := filepath.Join(s.Root(), "old.avi")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := &recorder{}
	d := command.NewDispatcher(rec)
	if err := d.Register(New(s, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Dispatch(packet.Copy(append([]byte{protocol.ControlStart, protocol.CommandDelete}, "/old.avi"...))); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
	wantCodes := []byte{protocol.ControlStart, protocol.CommandDelete, protocol.ControlEnd}
	if !bytes.Equal(rec.codes, wantCodes) || rec.bodies[1][0] != Deleted {
		t.Fatalf("codes=%x bodies=%x", rec.codes, rec.bodies)
	}
}

func TestDeleteMissingFileFails(t *testing.T) {
	testlog.Start(t)
	s, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	h := New(s, 10)
	h.Start(packet.Copy([]byte("/missing")))
	p := packet.New(0)
	if res := h.Idle(p); res != command.Error || !bytes.Equal(p.Bytes(), []byte{Failed}) {
		t.Fatalf("res=%s out=%x", res, p.Bytes())
	}
}
