package firmware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

const stateFile = "boot.toml"

var (
	ErrRegionClosed = errors.New("firmware: region not open")
	ErrForeignSlot  = errors.New("firmware: target does not belong to these slots")
)

// Target receives one image.
type Target interface {
	Begin() error
	Write(p []byte) (int, error)
	Abort() error
	Finalize() error
}

// BootState is persisted next to the slot images.
type BootState struct {
	Boot           string `toml:"boot"`
	Running        string `toml:"running"`
	RunningVersion string `toml:"running_version"`
	PendingVersion string `toml:"pending_version"`
	InvalidVersion string `toml:"invalid_version"`
}

// Slots manages slots "a" and "b" under dir.
type Slots struct {
	dir   string
	mu    sync.Mutex
	state BootState
}

// OpenSlots loads the boot state from dir, creating defaults when absent.
func OpenSlots(dir string) (*Slots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("firmware: slot dir: %w", err)
	}
	s := &Slots{dir: dir, state: BootState{Boot: "a", Running: "a"}}
	p := filepath.Join(dir, stateFile)
	if _, err := os.Stat(p); err == nil {
		if _, err := toml.DecodeFile(p, &s.state); err != nil {
			return nil, fmt.Errorf("firmware: decode %s: %w", p, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// Activate promotes a slot marked bootable before the last restart.
func (s *Slots) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Boot == s.state.Running {
		return nil
	}
	log.Info().
		Str("component", "firmware").
		Str("slot", s.state.Boot).
		Str("version", s.state.PendingVersion).
		Msg("activating slot")
	s.state.Running = s.state.Boot
	s.state.RunningVersion = s.state.PendingVersion
	s.state.PendingVersion = ""
	return s.save()
}

// Reject marks the boot slot invalid and falls back to the running slot.
func (s *Slots) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Boot == s.state.Running {
		return nil
	}
	s.state.InvalidVersion = s.state.PendingVersion
	s.state.PendingVersion = ""
	s.state.Boot = s.state.Running
	return s.save()
}

func (s *Slots) State() BootState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Slots) RunningVersion() string { return s.State().RunningVersion }

func (s *Slots) InvalidVersion() string { return s.State().InvalidVersion }

// Next returns a region over the slot that is not running.
func (s *Slots) Next() (Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := "b"
	if s.state.Running == "b" {
		slot = "a"
	}
	return &Region{owner: s, slot: slot, path: s.imagePath(slot)}, nil
}

// MarkBootable selects t's slot for the next boot.
func (s *Slots) MarkBootable(t Target, version string) error {
	r, ok := t.(*Region)
	if !ok || r.owner != s {
		return ErrForeignSlot
	}
	if !r.finalized {
		return fmt.Errorf("firmware: slot %s not finalized", r.slot)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Boot = r.slot
	s.state.PendingVersion = version
	return s.save()
}

// ImagePath returns where slot's image lives.
func (s *Slots) ImagePath(slot string) string { return s.imagePath(slot) }

func (s *Slots) imagePath(slot string) string {
	return filepath.Join(s.dir, "slot_"+slot+".bin")
}

func (s *Slots) save() error {
	tmp := filepath.Join(s.dir, stateFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(s.state); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, stateFile))
}

// Region writes one slot image through a temporary file.
type Region struct {
	owner     *Slots
	slot      string
	path      string
	f         *os.File
	written   int64
	finalized bool
}

func (r *Region) Slot() string { return r.slot }

func (r *Region) Written() int64 { return r.written }

func (r *Region) Begin() error {
	if r.f != nil {
		return fmt.Errorf("firmware: slot %s already open", r.slot)
	}
	f, err := os.Create(r.path + ".part")
	if err != nil {
		return fmt.Errorf("firmware: begin slot %s: %w", r.slot, err)
	}
	r.f = f
	r.written = 0
	r.finalized = false
	return nil
}

func (r *Region) Write(p []byte) (int, error) {
	if r.f == nil {
		return 0, ErrRegionClosed
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *Region) Abort() error {
	if r.f == nil {
		return nil
	}
	r.f.Close()
	r.f = nil
	return os.Remove(r.path + ".part")
}

func (r *Region) Finalize() error {
	if r.f == nil {
		return ErrRegionClosed
	}
	if err := r.f.Sync(); err != nil {
		r.Abort()
		return err
	}
	if err := r.f.Close(); err != nil {
		r.f = nil
		os.Remove(r.path + ".part")
		return err
	}
	r.f = nil
	if err := os.Rename(r.path+".part", r.path); err != nil {
		os.Remove(r.path + ".part")
		return err
	}
	r.finalized = true
	return nil
}
