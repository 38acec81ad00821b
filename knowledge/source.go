package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Source reports a modification marker for the documents behind a cache.
// The marker must not decrease while the documents are unchanged.
type Source interface {
	Marker() (int64, error)
}

// FileSource uses a single file's modification time as its marker. A
// missing file reports zero.
type FileSource struct {
	Path string
}

// Marker implements Source.
func (s FileSource) Marker() (int64, error) {
	info, err := os.Stat(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

// GlobSource uses the newest modification time among the files matching
// Pattern below Dir.
type GlobSource struct {
	Dir     string
	Pattern string
}

// Files returns the matching file paths joined onto Dir.
func (s GlobSource) Files() ([]string, error) {
	if _, err := os.Stat(s.Dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(s.Dir), s.Pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", s.Pattern, err)
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, filepath.Join(s.Dir, filepath.FromSlash(m)))
	}
	return files, nil
}

// Marker implements Source.
func (s GlobSource) Marker() (int64, error) {
	files, err := s.Files()
	if err != nil {
		return 0, err
	}
	var newest int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if ts := info.ModTime().UnixNano(); ts > newest {
			newest = ts
		}
	}
	return newest, nil
}

// WatchSource advances its marker on filesystem events instead of polling
// modification times. The poll interval of the cache still applies; the
// watcher only makes change detection independent of mtime resolution.
type WatchSource struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	dirs    map[string]bool
	files   map[string]bool
	gen     atomic.Int64
}

// NewWatchSource watches the given paths. Directories are watched for any
// change; for files the parent directory is watched and events are
// filtered to that file name.
func NewWatchSource(paths []string, logger *slog.Logger) (*WatchSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &WatchSource{
		watcher: fsw,
		logger:  logger,
		dirs:    make(map[string]bool),
		files:   make(map[string]bool),
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		dir := abs
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			dir = filepath.Dir(abs)
			w.files[abs] = true
		} else {
			w.dirs[abs] = true
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		logger.Debug("Watching knowledge path", "path", abs)
	}
	return w, nil
}

// Marker implements Source.
func (w *WatchSource) Marker() (int64, error) {
	return w.gen.Load(), nil
}

// Run processes watcher events until ctx is done or the watcher closes.
func (w *WatchSource) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Knowledge watcher error", "error", err)
		}
	}
}

func (w *WatchSource) handle(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || !(w.files[abs] || w.dirs[filepath.Dir(abs)]) {
		return
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	w.gen.Add(1)
	w.logger.Debug("Knowledge source changed", "path", event.Name, "op", event.Op.String())
}

// Close stops the watcher.
func (w *WatchSource) Close() error {
	return w.watcher.Close()
}
