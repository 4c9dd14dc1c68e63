package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/camlink/internal/testutil/testlog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func writeFile(t *testing.T, s *Store, rel string, size int) {
	t.Helper()
	p := filepath.Join(s.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestOpenReadsUnderRoot(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	writeFile(t, s, "DCIM/a.jpg", 10)

	f, err := s.Open("/DCIM/a.jpg")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	buf := make([]byte, 4)
	if n, err := f.ReadAt(buf, 6); err != nil || n != 4 {
		t.Fatalf("read at: n=%d err=%v", n, err)
	}
}

func TestPathsCannotEscapeRoot(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	for _, name := range []string{"../etc/passwd", "/DCIM/../../x"} {
		if _, err := s.Open(name); !errors.Is(err, ErrEscapesRoot) {
			t.Fatalf("%s: expected ErrEscapesRoot, got %v", name, err)
		}
	}
	if _, err := s.Open("  "); !errors.Is(err, ErrMissingPath) {
		t.Fatalf("expected ErrMissingPath, got %v", err)
	}
}

func TestOpenRejectsDirectories(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	writeFile(t, s, "DCIM/a.jpg", 1)
	if _, err := s.Open("/DCIM"); err == nil {
		t.Fatalf("directories must not open as files")
	}
}

func TestRemove(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	writeFile(t, s, "a.bin", 3)
	if err := s.Remove("/a.bin"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove("/a.bin"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if err := s.Remove("/"); !errors.Is(err, ErrRootImmutable) {
		t.Fatalf("expected ErrRootImmutable, got %v", err)
	}
}

func TestListLevels(t *testing.T) {
	testlog.Start(t)
	s := newTestStore(t)
	writeFile(t, s, "b.bin", 5)
	writeFile(t, s, "DCIM/c.jpg", 7)

	flat, err := s.List("/", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(flat) != 2 || flat[0].Name != "DCIM/" || !flat[0].IsDir || flat[1].Name != "b.bin" || flat[1].Size != 5 {
		t.Fatalf("flat listing: %+v", flat)
	}

	deep, err := s.List("", 2)
	if err != nil {
		t.Fatalf("list deep: %v", err)
	}
	if len(deep) != 3 || deep[1].Name != "DCIM/c.jpg" || deep[1].Size != 7 {
		t.Fatalf("deep listing: %+v", deep)
	}

	if _, err := s.List("/b.bin", 1); !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("expected ErrNotDirectory, got %v", err)
	}
}
