package script

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader serves hook scripts from a directory of .js files, keyed by file
// name ("on_get.js", ...). The directory is watched; edits swap the handle
// atomically so in-flight runs keep the script they started with while new
// runs pick up the fresh source.
type Loader struct {
	dir     string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	scripts map[string]*Script

	done chan struct{}
}

// NewLoader scans dir for hook sources and starts watching it for changes.
func NewLoader(dir string, log *slog.Logger) (*Loader, error) {
	if log == nil {
		log = slog.Default()
	}

	l := &Loader{
		dir:     dir,
		log:     log.With("component", "script_loader", "dir", dir),
		scripts: make(map[string]*Script),
		done:    make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan hook directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		if err := l.loadFile(entry.Name()); err != nil {
			return nil, err
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch hook directory %s: %w", dir, err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch hook directory %s: %w", dir, err)
	}
	l.watcher = w

	go l.watch(context.Background())
	return l, nil
}

// Get returns the current script for a hook file name, or nil when the hook
// does not exist.
func (l *Loader) Get(name string) *Script {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scripts[name]
}

// Names returns the hook file names currently loaded.
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.scripts))
	for name := range l.scripts {
		out = append(out, name)
	}
	return out
}

func (l *Loader) Close() error {
	close(l.done)
	return l.watcher.Close()
}

func (l *Loader) loadFile(name string) error {
	src, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return fmt.Errorf("read hook %s: %w", name, err)
	}
	l.mu.Lock()
	l.scripts[name] = Load(name, string(src))
	l.mu.Unlock()
	return nil
}

func (l *Loader) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".js") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := l.loadFile(name); err != nil {
					l.log.Warn("hook reload failed", "hook", name, "error", err)
					continue
				}
				l.log.Info("hook reloaded", "hook", name)
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				l.mu.Lock()
				delete(l.scripts, name)
				l.mu.Unlock()
				l.log.Info("hook removed", "hook", name)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("hook watcher error", "error", err)
		}
	}
}
