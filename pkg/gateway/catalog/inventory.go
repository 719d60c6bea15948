package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Inventory is the process-wide vehicle inventory cache. The backing file is
// a JSON array of profiles. The cache is rebuilt wholesale when the file's
// mtime changes; readers always get a complete snapshot, never a partially
// mutated one. An optional fsnotify watcher marks the cache dirty as soon as
// the file is written, so the next read reloads without waiting for the
// mtime check interval.
type Inventory struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	profiles []Profile
	modTime  time.Time
	loaded   bool

	dirty   atomic.Bool
	watcher *fsnotify.Watcher
}

func NewInventory(path string, logger *slog.Logger) *Inventory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inventory{path: path, logger: logger}
}

// Watch starts a filesystem watcher on the inventory file's directory.
// Watching the directory instead of the file survives editors and pipelines
// that replace the file by rename.
func (inv *Inventory) Watch() error {
	if inv.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inventory watcher: %w", err)
	}
	dir := filepath.Dir(inv.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	inv.watcher = w

	target := filepath.Clean(inv.path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					inv.dirty.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				inv.logger.Warn("inventory watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (inv *Inventory) Close() error {
	if inv.watcher != nil {
		return inv.watcher.Close()
	}
	return nil
}

// Profiles returns the current inventory snapshot, reloading the file first
// if it changed. A missing or unreadable file yields an empty inventory; a
// read error never poisons a previously loaded snapshot.
func (inv *Inventory) Profiles() []Profile {
	if inv == nil || inv.path == "" {
		return nil
	}
	if inv.needsReload() {
		inv.reload()
	}

	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]Profile, len(inv.profiles))
	copy(out, inv.profiles)
	return out
}

func (inv *Inventory) needsReload() bool {
	if inv.dirty.Load() {
		return true
	}
	inv.mu.RLock()
	loaded, cached := inv.loaded, inv.modTime
	inv.mu.RUnlock()
	if !loaded {
		return true
	}
	st, err := os.Stat(inv.path)
	if err != nil {
		return false
	}
	return !st.ModTime().Equal(cached)
}

func (inv *Inventory) reload() {
	inv.dirty.Store(false)

	st, err := os.Stat(inv.path)
	if err != nil {
		inv.mu.Lock()
		if !inv.loaded {
			inv.profiles = nil
			inv.loaded = true
		}
		inv.mu.Unlock()
		return
	}

	raw, err := os.ReadFile(inv.path)
	if err != nil {
		inv.logger.Warn("inventory read failed", "path", inv.path, "error", err)
		return
	}
	var parsed []Profile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		inv.logger.Warn("inventory parse failed", "path", inv.path, "error", err)
		return
	}

	profiles := make([]Profile, 0, len(parsed))
	for _, p := range parsed {
		p = Sanitize(p)
		if p.ID == "" && p.Title == "" && p.Model == "" {
			continue
		}
		profiles = append(profiles, p)
	}

	inv.mu.Lock()
	inv.profiles = profiles
	inv.modTime = st.ModTime()
	inv.loaded = true
	inv.mu.Unlock()

	inv.logger.Info("inventory loaded", "path", inv.path, "profiles", len(profiles))
}
