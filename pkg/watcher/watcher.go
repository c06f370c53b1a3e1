// Package watcher reports removals and renames made to a vault outside the
// application so open windows can follow them.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultPairWindow is how long a rename waits for the matching create before
// it is reported as a delete.
const DefaultPairWindow = 150 * time.Millisecond

// Config holds configuration for the watcher
type Config struct {
	Root       string
	PairWindow time.Duration
	Logger     zerolog.Logger

	// OnDelete is called with a removed file or directory.
	OnDelete func(path string)
	// OnRename is called when a path moved within the vault.
	OnRename func(oldPath, newPath string)
}

// VaultWatcher monitors one vault directory tree.
type VaultWatcher struct {
	watcher *fsnotify.Watcher
	cfg     Config
	logger  zerolog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Owned by the event loop.
	pendingRename string
	pairTimer     *time.Timer
}

// New creates a watcher for cfg.Root. Call Start to begin receiving events.
func New(cfg Config) (*VaultWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if cfg.PairWindow <= 0 {
		cfg.PairWindow = DefaultPairWindow
	}
	cfg.Root = filepath.Clean(cfg.Root)

	return &VaultWatcher{
		watcher: fsw,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "watcher").Str("vault", cfg.Root).Logger(),
		done:    make(chan struct{}),
	}, nil
}

// Start watches the vault recursively and starts the event loop.
func (w *VaultWatcher) Start() error {
	if err := w.addRecursive(w.cfg.Root); err != nil {
		_ = w.watcher.Close()
		return fmt.Errorf("failed to watch vault: %w", err)
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.logger.Info().Msg("Vault watcher started")
	return nil
}

// Stop ends the event loop and releases the watch descriptors. It is safe to
// call more than once.
func (w *VaultWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		w.logger.Info().Msg("Vault watcher stopped")
	})
	return err
}

// Root returns the watched vault.
func (w *VaultWatcher) Root() string {
	return w.cfg.Root
}

func (w *VaultWatcher) eventLoop() {
	defer w.wg.Done()
	defer w.stopPairTimer()

	for {
		var pairC <-chan time.Time
		if w.pairTimer != nil {
			pairC = w.pairTimer.C
		}

		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case <-pairC:
			// The rename target is outside the vault.
			old := w.pendingRename
			w.pendingRename = ""
			w.pairTimer = nil
			w.emitDelete(old)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *VaultWatcher) handleEvent(event fsnotify.Event) {
	if w.shouldIgnore(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		if w.pendingRename != "" {
			old := w.pendingRename
			w.stopPairTimer()
			w.emitRename(old, event.Name)
		}
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
		}

	case event.Has(fsnotify.Rename):
		if w.pendingRename != "" {
			// A second rename before any create: the first one left the vault.
			old := w.pendingRename
			w.stopPairTimer()
			w.emitDelete(old)
		}
		w.pendingRename = event.Name
		w.pairTimer = time.NewTimer(w.cfg.PairWindow)

	case event.Has(fsnotify.Remove):
		w.emitDelete(event.Name)
	}
}

func (w *VaultWatcher) stopPairTimer() {
	if w.pairTimer != nil {
		w.pairTimer.Stop()
		w.pairTimer = nil
	}
	w.pendingRename = ""
}

func (w *VaultWatcher) emitDelete(path string) {
	w.logger.Debug().Str("path", path).Msg("External delete detected")
	if w.cfg.OnDelete != nil {
		w.cfg.OnDelete(path)
	}
}

func (w *VaultWatcher) emitRename(oldPath, newPath string) {
	w.logger.Debug().Str("from", oldPath).Str("to", newPath).Msg("External rename detected")
	if w.cfg.OnRename != nil {
		w.cfg.OnRename(oldPath, newPath)
	}
}

// addRecursive adds a directory and all its subdirectories to the watcher
func (w *VaultWatcher) addRecursive(path string) error {
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == path {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.cfg.Root && w.shouldIgnore(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("Failed to watch path")
		}
		return nil
	})
}

// shouldIgnore skips dotfiles and dot-directories below the vault root. The
// atomic writer's temp files are dotfiles, so the core's own saves never
// surface here.
func (w *VaultWatcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.cfg.Root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if len(part) > 0 && part[0] == '.' && part != ".." {
			return true
		}
	}
	return false
}
