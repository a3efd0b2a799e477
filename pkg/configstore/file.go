// Package configstore provides ConfigStore implementations for the
// fleet manager: a YAML file store with change watching and a SQLite
// store.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/toolhost/mcpfleet/pkg/mcpfleet"
)

// fileDoc is the on-disk layout of the YAML store.
type fileDoc struct {
	Servers []mcpfleet.ServerConfig `yaml:"servers"`
}

// FileStore persists the fleet's server configurations to one YAML
// file. Writes go through a temp file and rename, so readers never see
// a partial document.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore builds a store backed by the given path. The file does
// not need to exist yet.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: filepath.Clean(path), logger: logger}
}

// Save writes the full snapshot atomically.
func (s *FileStore) Save(_ context.Context, configs []mcpfleet.ServerConfig) error {
	raw, err := yaml.Marshal(fileDoc{Servers: configs})
	if err != nil {
		return fmt.Errorf("configstore: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".servers-*.yaml")
	if err != nil {
		return fmt.Errorf("configstore: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("configstore: write: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("configstore: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("configstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("configstore: rename: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is an empty fleet, not an
// error.
func (s *FileStore) Load(_ context.Context) ([]mcpfleet.ServerConfig, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: read: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("configstore: parse %s: %w", s.path, err)
	}
	return doc.Servers, nil
}

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the file on external changes and delivers each new
// snapshot on the returned channel until ctx is cancelled. Rewrites via
// rename (including the store's own Save) are observed as well.
func (s *FileStore) Watch(ctx context.Context) (<-chan []mcpfleet.ServerConfig, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("configstore: watcher: %w", err)
	}
	// Watch the directory, not the file: renames replace the inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("configstore: watch %s: %w", filepath.Dir(s.path), err)
	}

	ch := make(chan []mcpfleet.ServerConfig, 1)
	go func() {
		defer close(ch)
		defer watcher.Close()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					fire = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watch error", "error", err)
			case <-fire:
				timer = nil
				fire = nil
				configs, err := s.Load(ctx)
				if err != nil {
					s.logger.Warn("config reload failed", "path", s.path, "error", err)
					continue
				}
				select {
				case ch <- configs:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
