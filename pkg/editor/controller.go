// Package editor implements the per-window file session: one open file, its
// in-memory buffer, and the rules that move the buffer to disk and the index.
package editor

import (
	"context"
	"sync"
	"time"

	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/internal/tracing"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultDebounce is the autosave quiet period.
const DefaultDebounce = 4 * time.Second

// State is the lifecycle state of a Controller.
type State int

const (
	Idle State = iota
	OpenClean
	OpenDirty
	Switching
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OpenClean:
		return "open_clean"
	case OpenDirty:
		return "open_dirty"
	case Switching:
		return "switching"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// IndexTrigger asks for a file to be reindexed. It must not block.
type IndexTrigger interface {
	IndexFile(path string)
}

// Config wires a Controller to its window.
type Config struct {
	WindowID string
	FS       vaultfs.Filesystem
	Index    IndexTrigger
	Debounce time.Duration
	Logger   zerolog.Logger

	// OnContentLoaded is told about every completed switch.
	OnContentLoaded func(path, content string)
	// OnError receives failures that do not abort the operation that hit them.
	OnError func(err error)
	// OnUnsaved receives a buffer that is being replaced although it could
	// not be written.
	OnUnsaved func(path, content string, err error)
}

// Controller owns the open file of one window.
//
// opMu serializes switch, flush, rename, delete and close. mu guards the
// fields below it and is never held across I/O.
type Controller struct {
	cfg      Config
	logger   zerolog.Logger
	debounce *debouncer

	opMu sync.Mutex

	mu           sync.Mutex
	index        IndexTrigger
	path         string
	content      string
	gen          uint64
	savedGen     uint64
	needsReindex bool
	switching    bool
	closed       bool
	history      []string
}

func New(cfg Config) *Controller {
	observability.EnsureRegistered()

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	c := &Controller{
		cfg:    cfg,
		index:  cfg.Index,
		logger: cfg.Logger.With().Str("component", "editor").Str("window_id", cfg.WindowID).Logger(),
	}
	c.debounce = newDebouncer(cfg.Debounce, c.debouncedFlush)
	return c
}

// WindowID returns the owning window.
func (c *Controller) WindowID() string {
	return c.cfg.WindowID
}

// SetIndex replaces the index trigger, e.g. once the window binds a vault.
func (c *Controller) SetIndex(index IndexTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = index
}

func (c *Controller) reportError(err error) {
	if err != nil && c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// OpenByPath makes path the open file. The current buffer is written first
// when dirty and queued for reindexing when it changed. A missing or
// unreadable file opens as empty content. Write and index failures are
// reported but never abort the switch.
func (c *Controller) OpenByPath(ctx context.Context, path string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "vaultd.editor", "editor.open",
		attribute.String("window_id", c.cfg.WindowID),
		attribute.String("path", path),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.switching = true
	c.mu.Unlock()

	start := time.Now()
	c.debounce.cancel()

	var content string
	for {
		// Buffers are only replaced once everything typed so far is on disk
		// (or was handed to OnUnsaved).
		flushed, flushErr := c.flushLocked(ctx, "switch", true)
		if flushErr != nil {
			span.RecordError(flushErr)
			c.reportError(flushErr)
			c.mu.Lock()
			unsaved := c.content
			c.mu.Unlock()
			if c.cfg.OnUnsaved != nil {
				c.cfg.OnUnsaved(flushed.path, unsaved, flushErr)
			}
		}
		c.indexFile(flushed)

		text, err := c.cfg.FS.ReadFile(path)
		if err != nil {
			if !vaultfs.IsNotExist(err) {
				logger.Warn().Err(err).Str("path", path).Msg("Failed to read file, opening empty")
			}
			text = ""
		}

		c.mu.Lock()
		if c.gen != flushed.gen && flushErr == nil {
			// An edit landed after the flush; write and reindex it before
			// replacing.
			c.mu.Unlock()
			continue
		}
		c.path = path
		c.content = text
		c.gen++
		c.savedGen = c.gen
		c.needsReindex = false
		c.switching = false
		if n := len(c.history); n == 0 || c.history[n-1] != path {
			c.history = append(c.history, path)
		}
		content = text
		c.mu.Unlock()
		break
	}
	c.debounce.cancel()

	observability.RecordSwitch(time.Since(start))
	logger.Debug().Str("path", path).Dur("duration", time.Since(start)).Msg("File opened")

	if c.cfg.OnContentLoaded != nil {
		c.cfg.OnContentLoaded(path, content)
	}
	return nil
}

// ApplyEdit replaces the buffer and restarts the autosave timer. It never
// writes to disk.
func (c *Controller) ApplyEdit(content string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.path == "" {
		c.mu.Unlock()
		return ErrNoFileOpen
	}
	c.content = content
	c.gen++
	c.needsReindex = true
	c.mu.Unlock()

	c.debounce.arm()
	return nil
}

// debouncedFlush runs on the timer goroutine.
func (c *Controller) debouncedFlush(seq uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.debounce.current(seq) {
		return
	}
	c.debounce.fired(seq)

	ctx := tracing.NewWindowContext(context.Background(), c.cfg.WindowID)
	if _, _, err := c.flushOnceLocked(ctx, "debounce"); err != nil {
		c.logger.Warn().Err(err).Msg("Autosave failed")
		c.reportError(err)
	}
}

// SaveNow writes a dirty buffer immediately, replacing any pending autosave.
func (c *Controller) SaveNow(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.debounce.cancel()
	_, err := c.flushLocked(ctx, "save", false)
	return err
}

// OnWindowClosing writes a dirty buffer, triggers a pending reindex and moves
// to Closed. The write error, if any, is returned so the caller can rescue
// the buffer.
func (c *Controller) OnWindowClosing(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "vaultd.editor", "editor.close",
		attribute.String("window_id", c.cfg.WindowID),
	)
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.debounce.cancel()
	var (
		path string
		err  error
	)
	for {
		var flushed flushResult
		flushed, err = c.flushLocked(ctx, "close", true)
		path = flushed.path
		c.indexFile(flushed)

		c.mu.Lock()
		if c.gen != flushed.gen && err == nil {
			c.mu.Unlock()
			continue
		}
		c.closed = true
		c.mu.Unlock()
		break
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.logger.Debug().Str("path", path).Bool("write_failed", err != nil).Msg("Controller closed")
	return err
}

// CloseFile writes a dirty buffer, triggers a pending reindex and returns to
// Idle. Used when the window leaves its vault. On a write failure the file
// stays open so nothing is lost.
func (c *Controller) CloseFile(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.debounce.cancel()
	for {
		flushed, err := c.flushLocked(ctx, "release", true)
		if err != nil {
			// The file stays open, so its reindex stays pending too.
			c.mu.Lock()
			c.needsReindex = c.needsReindex || flushed.reindex
			c.mu.Unlock()
			return err
		}
		c.indexFile(flushed)

		c.mu.Lock()
		if c.gen != flushed.gen {
			c.mu.Unlock()
			continue
		}
		c.path = ""
		c.content = ""
		c.gen++
		c.savedGen = c.gen
		c.needsReindex = false
		c.mu.Unlock()
		return nil
	}
}

// flushResult is what one flushLocked call settled on.
type flushResult struct {
	path    string
	gen     uint64
	reindex bool
}

// flushLocked writes the buffer until the written generation is the current
// one. With takeReindex a pending reindex is claimed in the same critical
// section that finds the buffer settled (or the write failed), so an edit
// arriving after that point marks the file again. opMu must be held.
func (c *Controller) flushLocked(ctx context.Context, trigger string, takeReindex bool) (flushResult, error) {
	for {
		path, gen, err := c.flushOnceLocked(ctx, trigger)

		c.mu.Lock()
		settled := err != nil || c.gen == gen || c.path != path
		res := flushResult{path: path, gen: gen}
		if settled && takeReindex {
			res.reindex = c.needsReindex && path != ""
			c.needsReindex = false
		}
		c.mu.Unlock()

		if settled {
			return res, err
		}
	}
}

// indexFile hands a claimed reindex to the index trigger.
func (c *Controller) indexFile(f flushResult) {
	if !f.reindex {
		return
	}
	c.mu.Lock()
	index := c.index
	c.mu.Unlock()
	if index != nil {
		index.IndexFile(f.path)
	}
}

// flushOnceLocked writes the current buffer if it is dirty. opMu must be held.
func (c *Controller) flushOnceLocked(ctx context.Context, trigger string) (string, uint64, error) {
	c.mu.Lock()
	path, content, gen := c.path, c.content, c.gen
	dirty := path != "" && gen != c.savedGen
	c.mu.Unlock()

	if !dirty {
		return path, gen, nil
	}

	_, span := tracing.StartSpan(ctx, "vaultd.editor", "editor.flush",
		attribute.String("path", path),
		attribute.String("trigger", trigger),
	)
	defer span.End()

	start := time.Now()
	err := c.cfg.FS.WriteFile(path, content)
	observability.RecordFlush(trigger, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return path, gen, &WriteError{Path: path, Err: err}
	}

	c.mu.Lock()
	if c.path == path && gen > c.savedGen {
		c.savedGen = gen
	}
	c.mu.Unlock()

	c.logger.Debug().Str("path", path).Str("trigger", trigger).Int("bytes", len(content)).Msg("Buffer written")
	return path, gen, nil
}

// OnExternalDelete forgets the open file when path (or a directory holding
// it) was deleted. The buffer is discarded and nothing is written back.
// History is kept. It reports whether the open file was affected.
func (c *Controller) OnExternalDelete(path string) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.applyDeleteLocked(path)
}

func (c *Controller) applyDeleteLocked(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.path == "" || !vaultfs.Within(path, c.path) {
		return false
	}
	c.debounce.cancel()
	c.logger.Info().Str("path", c.path).Msg("Open file deleted")
	c.path = ""
	c.content = ""
	c.gen++
	c.savedGen = c.gen
	c.needsReindex = false
	return true
}

// OnRename rewrites history entries and the open path from oldPath to
// newPath, exactly or as a directory prefix. The buffer is not reloaded.
func (c *Controller) OnRename(oldPath, newPath string) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.applyRenameLocked(oldPath, newPath)
}

func (c *Controller) applyRenameLocked(oldPath, newPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	for i, p := range c.history {
		if moved, ok := rebase(p, oldPath, newPath); ok {
			c.history[i] = moved
		}
	}

	moved, ok := rebase(c.path, oldPath, newPath)
	if !ok {
		return false
	}
	c.logger.Info().Str("from", c.path).Str("to", moved).Msg("Open file renamed")
	c.path = moved
	return true
}

// rebase maps p from under oldPath to under newPath.
func rebase(p, oldPath, newPath string) (string, bool) {
	if p == "" || !vaultfs.Within(oldPath, p) {
		return p, false
	}
	return newPath + p[len(oldPath):], true
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return Closed
	case c.switching:
		return Switching
	case c.path == "":
		return Idle
	case c.gen != c.savedGen:
		return OpenDirty
	default:
		return OpenClean
	}
}

func (c *Controller) CurrentPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *Controller) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// History returns a copy of the visited paths, oldest first.
func (c *Controller) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

func (c *Controller) NeedsWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path != "" && c.gen != c.savedGen
}

func (c *Controller) NeedsReindex() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsReindex
}

// AutosavePending reports whether an autosave timer is armed.
func (c *Controller) AutosavePending() bool {
	return c.debounce.pending()
}
