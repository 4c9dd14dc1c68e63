package transfer

import (
	"io"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/storage"
)

// NewFile serves stored files; the start payload is the device path.
func NewFile(store *storage.Store, budget int) *Handler {
	return New(protocol.CommandSendFile, budget, func(arg []byte) (Source, error) {
		f, err := store.Open(string(arg))
		if err != nil {
			return nil, err
		}
		if err := checkSize(f); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	})
}

// NewFrame serves the newest camera frame. The frame is pinned on the first
// read and released when the command ends.
func NewFrame(hub *camera.Hub, budget int) *Handler {
	return New(protocol.CommandCamera, budget, func([]byte) (Source, error) {
		return &frameSource{hub: hub}, nil
	})
}

type frameSource struct {
	hub   *camera.Hub
	frame []byte
	held  bool
}

func (s *frameSource) ReadAt(b []byte, off int64) (int, error) {
	if !s.held {
		f, ok, err := s.hub.Acquire()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrNotReady
		}
		s.frame = f.Data
		s.held = true
	}
	if off >= int64(len(s.frame)) {
		return 0, io.EOF
	}
	n := copy(b, s.frame[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (s *frameSource) Close() error {
	if s.held {
		s.hub.Release()
		s.held = false
		s.frame = nil
	}
	return nil
}
