package camera

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

var jpegEOI = []byte{0xFF, 0xD9}

// Watcher publishes complete JPEG files dropped into a capture directory.
type Watcher struct {
	dir string
	hub *Hub
}

func NewWatcher(dir string, hub *Hub) *Watcher {
	return &Watcher{dir: dir, hub: hub}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("camera: capture dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("camera: watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("camera: watch %s: %w", w.dir, err)
	}
	log.Info().Str("component", "camera").Str("dir", w.dir).Msg("watching capture directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.consider(event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Str("component", "camera").Err(err).Msg("watcher error")
		}
	}
}

// consider publishes name when it is a finished JPEG. Files still being
// written lack the end-of-image marker and are picked up on a later event.
func (w *Watcher) consider(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
	default:
		return false
	}
	data, err := os.ReadFile(name)
	if err != nil || !complete(data) {
		return false
	}
	seq := w.hub.Publish(data, time.Now())
	log.Debug().
		Str("component", "camera").
		Str("file", filepath.Base(name)).
		Int("bytes", len(data)).
		Uint64("seq", seq).
		Msg("frame published")
	return true
}

func complete(data []byte) bool {
	return len(data) >= 4 && data[0] == 0xFF && data[1] == 0xD8 && bytes.HasSuffix(data, jpegEOI)
}
