package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/internal/tracing"
	"github.com/harun/vaultd/pkg/dirstore"
	"github.com/harun/vaultd/pkg/editor"
	"github.com/harun/vaultd/pkg/index"
	"github.com/harun/vaultd/pkg/relay"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/harun/vaultd/pkg/watcher"
	"github.com/harun/vaultd/pkg/window"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCloseTimeout = 5 * time.Second
	DefaultExtension    = ".md"
	DefaultSearchLimit  = 10
)

var (
	ErrNoVault       = errors.New("no vault selected")
	ErrWindowExists  = errors.New("window already open")
	ErrCloseTimeout  = errors.New("window close timed out")
	ErrInvalidName   = errors.New("invalid name")
	ErrNotADirectory = errors.New("not a directory")
)

// UI is the outbound side of one window.
type UI interface {
	ContentLoaded(path, content string)
	PrepareForClose()
	ShowError(message string) error
}

// Config wires a Manager.
type Config struct {
	FS       vaultfs.Filesystem
	Store    dirstore.Store
	Registry *window.Registry
	Resolver *window.Resolver
	Relay    *relay.Relay
	Logger   zerolog.Logger

	Debounce         time.Duration
	CloseTimeout     time.Duration
	DefaultExtension string
	// RecoveryDir receives buffers that could not be written on close.
	RecoveryDir string
	// WatchVaults starts a filesystem watcher for every bound vault.
	WatchVaults bool
}

type windowSession struct {
	id      string
	ui      UI
	ctrl    *editor.Controller
	watcher *watcher.VaultWatcher
}

// Manager owns every live window.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	windows map[string]*windowSession

	// closing counts timed-out closes whose flush is still running. Their
	// vaults stay bound until the flush returns.
	closing sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	observability.EnsureRegistered()

	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.DefaultExtension == "" {
		cfg.DefaultExtension = DefaultExtension
	}
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "session").Logger(),
		windows: make(map[string]*windowSession),
	}
}

func (m *Manager) lookup(windowID string) (*windowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.windows[windowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", window.ErrUnknownWindow, windowID)
	}
	return ws, nil
}

// controllers returns every live controller in window-id order.
func (m *Manager) controllers() []*editor.Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.windows))
	for id := range m.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ctrls := make([]*editor.Controller, 0, len(ids))
	for _, id := range ids {
		ctrls = append(ctrls, m.windows[id].ctrl)
	}
	return ctrls
}

// Windows returns the ids of the live windows.
func (m *Manager) Windows() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.windows))
	for id := range m.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Controller returns the controller of windowID.
func (m *Manager) Controller(windowID string) (*editor.Controller, error) {
	ws, err := m.lookup(windowID)
	if err != nil {
		return nil, err
	}
	return ws.ctrl, nil
}

// OpenWindow registers a new window and binds it to the vault of the previous
// session when that vault is free. An empty directory means the user has to
// pick one.
func (m *Manager) OpenWindow(ctx context.Context, windowID string, ui UI) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "vaultd.session", "session.open_window",
		attribute.String("window_id", windowID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	m.mu.Lock()
	if _, exists := m.windows[windowID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrWindowExists, windowID)
	}
	ws := &windowSession{id: windowID, ui: ui}
	ws.ctrl = editor.New(editor.Config{
		WindowID:        windowID,
		FS:              m.cfg.FS,
		Debounce:        m.cfg.Debounce,
		Logger:          m.cfg.Logger,
		OnContentLoaded: ui.ContentLoaded,
		OnError:         m.cfg.Relay.PublishError,
		OnUnsaved: func(path, content string, err error) {
			m.saveRecovery(windowID, path, content)
		},
	})
	m.windows[windowID] = ws
	m.mu.Unlock()

	m.cfg.Relay.Attach(windowID, ui.ShowError)

	dir, err := m.cfg.Resolver.ResolveForNewWindow(ctx, windowID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to resolve vault for new window")
		dir = ""
	}
	if dir != "" {
		m.attachVault(ctx, ws, dir)
	}

	logger.Info().Str("directory", dir).Msg("Window opened")
	return dir, nil
}

// WindowReady marks the window interactive, delivers queued errors and opens
// the welcome note on first use.
func (m *Manager) WindowReady(ctx context.Context, windowID string) error {
	ws, err := m.lookup(windowID)
	if err != nil {
		return err
	}
	m.cfg.Relay.DrainOn(windowID)
	return m.maybeOpenWelcome(ctx, ws)
}

// WindowLoading marks the window as reloading; errors queue until it is
// ready again.
func (m *Manager) WindowLoading(windowID string) error {
	if _, err := m.lookup(windowID); err != nil {
		return err
	}
	m.cfg.Relay.SetLoading(windowID)
	return nil
}

// CurrentVault returns the directory windowID is bound to, if any.
func (m *Manager) CurrentVault(windowID string) string {
	rec, ok := m.cfg.Registry.Lookup(windowID)
	if !ok {
		return ""
	}
	return rec.Directory
}

// SelectDirectory binds windowID to a directory the user picked. The
// directory is created when missing. Invalid and occupied directories are
// returned as errors.
func (m *Manager) SelectDirectory(ctx context.Context, windowID, directory string) (string, error) {
	ws, err := m.lookup(windowID)
	if err != nil {
		return "", err
	}
	dir, err := window.NormalizeDirectory(directory)
	if err != nil {
		return "", err
	}

	if !m.cfg.FS.IsDirectory(dir) {
		if m.cfg.FS.Exists(dir) {
			return "", fmt.Errorf("%w: %s is a file", window.ErrInvalidDirectory, dir)
		}
		if err := m.cfg.FS.CreateDirectory(dir); err != nil {
			return "", fmt.Errorf("%w: %v", window.ErrInvalidDirectory, err)
		}
	}

	current := m.CurrentVault(windowID)
	if current == dir {
		return dir, nil
	}
	if _, taken := m.cfg.Registry.ActiveDirectories()[dir]; taken {
		return "", fmt.Errorf("%w: %s", window.ErrDirectoryOccupied, dir)
	}
	if current != "" {
		// The open note belongs to the old vault.
		if err := ws.ctrl.CloseFile(ctx); err != nil {
			return "", err
		}
	}

	rec, err := m.cfg.Registry.Bind(ctx, windowID, dir)
	if err != nil {
		return "", err
	}
	m.attachVault(ctx, ws, rec.Directory)
	return rec.Directory, nil
}

// attachVault connects the controller to the window's index, restarts the
// vault watcher and queues a full index sync.
func (m *Manager) attachVault(ctx context.Context, ws *windowSession, dir string) {
	ctx = tracing.WithVault(ctx, dir)
	logger := tracing.LoggerFromContext(ctx, m.logger)

	rec, ok := m.cfg.Registry.Lookup(ws.id)
	if !ok {
		return
	}
	ws.ctrl.SetIndex(rec.Index)

	if m.cfg.WatchVaults {
		m.mu.Lock()
		old := ws.watcher
		ws.watcher = nil
		m.mu.Unlock()
		if old != nil {
			_ = old.Stop()
		}

		w, err := watcher.New(watcher.Config{
			Root:   dir,
			Logger: m.cfg.Logger,
			OnDelete: func(path string) {
				if err := m.ExternalDelete(context.Background(), path, false); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("Failed to apply external delete")
				}
			},
			OnRename: func(oldPath, newPath string) {
				if err := m.ExternalRename(context.Background(), oldPath, newPath); err != nil {
					logger.Warn().Err(err).Str("from", oldPath).Msg("Failed to apply external rename")
				}
			},
		})
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			logger.Warn().Err(err).Str("directory", dir).Msg("Vault watcher unavailable")
		} else {
			m.mu.Lock()
			ws.watcher = w
			m.mu.Unlock()
		}
	}

	rec.Index.Resync()
}

// OpenFile opens path in windowID. Relative paths resolve against the vault.
func (m *Manager) OpenFile(ctx context.Context, windowID, path string) error {
	ws, err := m.lookup(windowID)
	if err != nil {
		return err
	}
	abs, err := m.ResolvePath(windowID, path)
	if err != nil {
		return err
	}
	if err := ws.ctrl.OpenByPath(ctx, abs); err != nil {
		return err
	}
	observability.RecordFileAudit(ctx, "open", windowID, map[string]interface{}{"path": abs})
	return nil
}

// ApplyEdit stores new buffer content for windowID.
func (m *Manager) ApplyEdit(windowID, content string) error {
	ws, err := m.lookup(windowID)
	if err != nil {
		return err
	}
	return ws.ctrl.ApplyEdit(content)
}

// Save writes the buffer of windowID now. A failed write is relayed as well as
// returned.
func (m *Manager) Save(ctx context.Context, windowID string) error {
	ws, err := m.lookup(windowID)
	if err != nil {
		return err
	}
	if err := ws.ctrl.SaveNow(ctx); err != nil {
		m.cfg.Relay.PublishError(err)
		return err
	}
	return nil
}

// Search queries the index of windowID's vault.
func (m *Manager) Search(ctx context.Context, windowID, query string, limit int) ([]index.Result, error) {
	if _, err := m.lookup(windowID); err != nil {
		return nil, err
	}
	rec, ok := m.cfg.Registry.Lookup(windowID)
	if !ok {
		return nil, ErrNoVault
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return rec.Index.Search(ctx, query, limit)
}

// CloseWindow tears windowID down: the UI is told to prepare, the buffer is
// flushed (bounded by the close timeout), the directory is remembered and
// released, and the window leaves the relay. A buffer that could not be
// written is relayed as an error and saved to the recovery directory. The
// returned error is the flush failure, if any; teardown completes regardless.
//
// When the flush outlives the timeout the window is dropped at once, but its
// vault stays bound until the flush returns so no other window can open a
// note the late write would overwrite.
func (m *Manager) CloseWindow(ctx context.Context, windowID string) error {
	ws, err := m.lookup(windowID)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "vaultd.session", "session.close_window",
		attribute.String("window_id", windowID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	ws.ui.PrepareForClose()

	outcome := "clean"
	done := make(chan error, 1)
	go func() { done <- ws.ctrl.OnWindowClosing(ctx) }()

	timer := time.NewTimer(m.cfg.CloseTimeout)
	var closeErr error
	timedOut := false
	select {
	case closeErr = <-done:
		timer.Stop()
		if closeErr != nil {
			outcome = "failed"
		}
	case <-timer.C:
		closeErr = fmt.Errorf("%w after %s", ErrCloseTimeout, m.cfg.CloseTimeout)
		outcome = "timeout"
		timedOut = true
	}

	if closeErr != nil {
		span.RecordError(closeErr)
		logger.Error().Err(closeErr).Msg("Window closed with unsaved content")
		m.saveRecovery(windowID, ws.ctrl.CurrentPath(), ws.ctrl.Content())
	}

	m.mu.Lock()
	delete(m.windows, windowID)
	m.mu.Unlock()

	if timedOut {
		m.closing.Add(1)
		go func() {
			defer m.closing.Done()
			lateErr := <-done
			logger.Warn().Err(lateErr).Msg("Late close flush finished, releasing vault")
			m.releaseVault(context.WithoutCancel(ctx), ws)
		}()
	} else {
		m.releaseVault(ctx, ws)
	}

	m.cfg.Relay.Detach(windowID)
	if closeErr != nil {
		m.cfg.Relay.PublishError(closeErr)
	}

	observability.RecordTeardown(outcome)
	logger.Info().Str("outcome", outcome).Msg("Window closed")
	return closeErr
}

// releaseVault remembers the window's directory, unbinds it and stops the
// vault watcher.
func (m *Manager) releaseVault(ctx context.Context, ws *windowSession) {
	if rec, ok := m.cfg.Registry.Lookup(ws.id); ok {
		if err := m.cfg.Store.Set(ctx, dirstore.KeyDirectoryFromPreviousSession, rec.Directory); err != nil {
			m.logger.Warn().Err(err).Str("window_id", ws.id).Msg("Failed to remember directory")
		}
		m.cfg.Registry.Unbind(ctx, rec.Directory)
	} else {
		m.cfg.Registry.Release(ctx, ws.id)
	}

	m.mu.Lock()
	w := ws.watcher
	ws.watcher = nil
	m.mu.Unlock()
	if w != nil {
		_ = w.Stop()
	}
}

// CloseAll closes every window in parallel.
func (m *Manager) CloseAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range m.Windows() {
		id := id
		g.Go(func() error {
			if err := m.CloseWindow(ctx, id); err != nil && !errors.Is(err, window.ErrUnknownWindow) {
				return fmt.Errorf("window %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if !m.waitClosing(ctx) {
		m.logger.Warn().Msg("Vaults still held by unfinished close flushes")
	}
	return err
}

// waitClosing waits for timed-out close flushes, bounded by ctx.
func (m *Manager) waitClosing(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.closing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
