package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ErrNoSounds = errors.New("no sound files available")

// Library indexes the playable clips in one directory and keeps the index
// current while Watch runs.
type Library struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	files []string
}

func NewLibrary(dir string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Library{dir: dir, logger: logger}
	if err := l.Refresh(); err != nil && !os.IsNotExist(err) {
		logger.Warn("sound library scan failed", "dir", dir, "error", err)
	}
	return l
}

func (l *Library) Dir() string { return l.dir }

func isClip(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", ".wave":
		return true
	}
	return false
}

// Refresh rescans the directory.
func (l *Library) Refresh() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.mu.Lock()
		l.files = nil
		l.mu.Unlock()
		return err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isClip(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(l.dir, e.Name()))
	}
	sort.Strings(files)
	l.mu.Lock()
	l.files = files
	l.mu.Unlock()
	return nil
}

func (l *Library) Files() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.files...)
}

// Random picks one clip uniformly.
func (l *Library) Random() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.files) == 0 {
		return "", ErrNoSounds
	}
	return l.files[rand.IntN(len(l.files))], nil
}

// Resolve maps a request filename to a path. Relative names are looked up
// in the library directory and may not escape it.
func (l *Library) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty filename")
	}
	path := name
	if !filepath.IsAbs(name) {
		path = filepath.Join(l.dir, name)
		rel, err := filepath.Rel(l.dir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("filename %q escapes sound directory", name)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("sound %q: %w", name, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("sound %q is a directory", name)
	}
	return path, nil
}

// Watch rescans on directory changes until ctx is done. Bursts of events
// collapse into one rescan.
func (l *Library) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create sound dir: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.Refresh()

	const settle = 200 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isClip(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("sound watcher error", "error", err)
		case <-timerCh:
			timerCh = nil
			if err := l.Refresh(); err != nil {
				l.logger.Warn("sound library rescan failed", "error", err)
				continue
			}
			l.logger.Debug("sound library rescanned", "clips", len(l.Files()))
		}
	}
}
