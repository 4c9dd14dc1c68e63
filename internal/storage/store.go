// Package storage exposes the device's removable media as a rooted tree.
// Device paths are slash separated and always resolve under the root.
package storage

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrMissingPath   = errors.New("storage: missing path")
	ErrEscapesRoot   = errors.New("storage: path escapes root")
	ErrRootImmutable = errors.New("storage: root cannot be removed")
	ErrNotDirectory  = errors.New("storage: not a directory")
)

// File is an open stored file.
type File interface {
	io.ReaderAt
	io.Closer
}

// Entry is one directory listing row.
type Entry struct {
	Name  string
	Size  uint32
	IsDir bool
}

// Store resolves device paths under root.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	resolved := strings.TrimSpace(root)
	if resolved == "" {
		return nil, fmt.Errorf("storage: empty root")
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Open opens a stored file for random reads.
func (s *Store) Open(name string) (File, error) {
	p, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("storage: %s is a directory", name)
	}
	return f, nil
}

// Remove deletes a file or an empty directory.
func (s *Store) Remove(name string) error {
	p, err := s.resolve(name)
	if err != nil {
		return err
	}
	if p == s.root {
		return ErrRootImmutable
	}
	return os.Remove(p)
}

// List returns the entries under dir. levels above one descends into
// subdirectories; nested names carry their parent prefix. Directory names
// end in a slash.
func (s *Store) List(dir string, levels int) ([]Entry, error) {
	p, err := s.resolveDir(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	var out []Entry
	if err := s.walk(p, "", max(levels, 1), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) walk(dir, prefix string, levels int, out *[]Entry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, de := range entries {
		name := path.Join(prefix, de.Name())
		if de.IsDir() {
			*out = append(*out, Entry{Name: name + "/", IsDir: true})
			if levels > 1 {
				if err := s.walk(filepath.Join(dir, de.Name()), name, levels-1, out); err != nil {
					return err
				}
			}
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		*out = append(*out, Entry{Name: name, Size: clampSize(info.Size())})
	}
	return nil
}

func (s *Store) resolveDir(name string) (string, error) {
	if strings.Trim(strings.TrimSpace(name), "/") == "" {
		return s.root, nil
	}
	return s.resolve(name)
}

func (s *Store) resolve(name string) (string, error) {
	rel := strings.TrimSpace(name)
	if rel == "" {
		return "", ErrMissingPath
	}
	rel = strings.TrimLeft(filepath.FromSlash(rel), string(os.PathSeparator))
	p := filepath.Clean(filepath.Join(s.root, rel))
	if !isWithin(p, s.root) {
		return "", fmt.Errorf("%w: %s", ErrEscapesRoot, name)
	}
	return p, nil
}

func isWithin(p string, root string) bool {
	p = filepath.Clean(p)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}

func clampSize(n int64) uint32 {
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	if n < 0 {
		return 0
	}
	return uint32(n)
}
