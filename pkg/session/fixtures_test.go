package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/vaultd/pkg/dirstore"
	"github.com/harun/vaultd/pkg/index"
	"github.com/harun/vaultd/pkg/relay"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/harun/vaultd/pkg/window"
	"github.com/rs/zerolog"
)

type handle struct {
	mu        sync.Mutex
	directory string
	indexed   []string
	removed   []string
	resyncs   int
	closed    bool
}

func (h *handle) IndexFile(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.indexed = append(h.indexed, path)
}

func (h *handle) RemoveFile(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, path)
}

func (h *handle) Resync() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resyncs++
}

func (h *handle) Search(_ context.Context, query string, limit int) ([]index.Result, error) {
	return []index.Result{{Path: h.directory + "/hit.md", Content: query}}, nil
}

func (h *handle) Retarget(directory string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.directory = directory
	return nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *handle) snapshot() (indexed, removed []string, resyncs int, closed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.indexed...), append([]string(nil), h.removed...), h.resyncs, h.closed
}

// flakyFS fails writes below a prefix on demand.
type flakyFS struct {
	*vaultfs.FS
	mu         sync.Mutex
	failPrefix string
	block      chan struct{}
}

func (f *flakyFS) WriteFile(path, content string) error {
	f.mu.Lock()
	prefix, block := f.failPrefix, f.block
	f.mu.Unlock()

	if block != nil && !strings.HasPrefix(path, "/data") {
		<-block
	}
	if prefix != "" && strings.HasPrefix(path, prefix) {
		return errors.New("disk full")
	}
	return f.FS.WriteFile(path, content)
}

func (f *flakyFS) failBelow(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPrefix = prefix
}

func (f *flakyFS) blockWrites() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	return f.block
}

type ui struct {
	mu       sync.Mutex
	loads    []string
	errors   []string
	prepared int
}

func (u *ui) ContentLoaded(path, content string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.loads = append(u.loads, path)
}

func (u *ui) PrepareForClose() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prepared++
}

func (u *ui) ShowError(message string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errors = append(u.errors, message)
	return nil
}

func (u *ui) shown() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.errors...)
}

func (u *ui) loaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.loads...)
}

type env struct {
	fs       *flakyFS
	store    *dirstore.MemoryStore
	registry *window.Registry
	relay    *relay.Relay
	mgr      *Manager

	mu      sync.Mutex
	handles map[string]*handle
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		fs:      &flakyFS{FS: vaultfs.NewMemory()},
		store:   dirstore.NewMemoryStore(),
		relay:   relay.New(zerolog.Nop()),
		handles: make(map[string]*handle),
	}
	e.registry = window.NewRegistry(e.store, func(directory string) (window.IndexHandle, error) {
		h := &handle{directory: directory}
		e.mu.Lock()
		e.handles[directory] = h
		e.mu.Unlock()
		return h, nil
	}, zerolog.Nop())

	e.mgr = NewManager(Config{
		FS:           e.fs,
		Store:        e.store,
		Registry:     e.registry,
		Resolver:     window.NewResolver(e.store, e.registry, e.fs, zerolog.Nop()),
		Relay:        e.relay,
		Logger:       zerolog.Nop(),
		Debounce:     time.Hour,
		CloseTimeout: time.Second,
		RecoveryDir:  "/data/recovery",
	})
	// Skip the welcome note unless a test asks for it.
	_ = e.store.Set(context.Background(), dirstore.KeyHasUserOpenedAppBefore, "true")
	t.Cleanup(func() { _ = e.mgr.CloseAll(context.Background()) })
	return e
}

func (e *env) handle(directory string) *handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[directory]
}
