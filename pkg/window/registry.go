// Package window tracks which vault directory each editor window is bound to.
package window

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/pkg/dirstore"
	"github.com/harun/vaultd/pkg/index"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidDirectory  = errors.New("invalid vault directory")
	ErrDirectoryOccupied = errors.New("vault directory already bound to another window")
	ErrUnknownWindow     = errors.New("unknown window")
	ErrIndexUnavailable  = errors.New("search index unavailable")
)

// IndexHandle is the per-window handle on a vault index. It survives rebinds:
// Retarget moves it to the new directory.
type IndexHandle interface {
	IndexFile(path string)
	RemoveFile(path string)
	Resync()
	Search(ctx context.Context, query string, limit int) ([]index.Result, error)
	Retarget(directory string) error
	Close() error
}

// IndexOpener creates the index handle for a newly bound window.
type IndexOpener func(directory string) (IndexHandle, error)

// IndexErrorFunc is told about index handles that could not be opened.
type IndexErrorFunc func(directory string, err error)

// unavailableIndex stands in for an index that failed to open. Writes are
// dropped; Retarget fails so the next bind tries a real index again.
type unavailableIndex struct{}

func (unavailableIndex) IndexFile(string)  {}
func (unavailableIndex) RemoveFile(string) {}
func (unavailableIndex) Resync()           {}
func (unavailableIndex) Close() error      { return nil }

func (unavailableIndex) Search(context.Context, string, int) ([]index.Result, error) {
	return nil, ErrIndexUnavailable
}

func (unavailableIndex) Retarget(string) error {
	return ErrIndexUnavailable
}

// Record is the registry entry of a live window.
type Record struct {
	WindowID  string
	Directory string
	Index     IndexHandle
}

// Registry is the authoritative table of windows bound to vaults.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*Record
	store      dirstore.Store
	openIndex  IndexOpener
	onIndexErr IndexErrorFunc
	logger     zerolog.Logger
}

func NewRegistry(store dirstore.Store, openIndex IndexOpener, logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()
	return &Registry{
		records:   make(map[string]*Record),
		store:     store,
		openIndex: openIndex,
		logger:    logger.With().Str("component", "window_registry").Logger(),
	}
}

// OnIndexError sets the handler for index open failures. A window whose
// index cannot be opened is still bound, without search.
func (r *Registry) OnIndexError(fn IndexErrorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onIndexErr = fn
}

// openHandleLocked opens the index of dir, falling back to unavailableIndex.
// r.mu must be held.
func (r *Registry) openHandleLocked(dir string) (IndexHandle, error) {
	handle, err := r.openIndex(dir)
	if err != nil {
		return unavailableIndex{}, fmt.Errorf("failed to open index for %s: %w", dir, err)
	}
	return handle, nil
}

// NormalizeDirectory validates directory and returns its clean absolute form.
func NormalizeDirectory(directory string) (string, error) {
	if strings.TrimSpace(directory) == "" {
		return "", ErrInvalidDirectory
	}
	abs, err := filepath.Abs(directory)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	return abs, nil
}

// Bind associates windowID with directory. A first bind opens a fresh index
// handle; a rebind updates the record in place and retargets the existing
// handle. Binding a directory held by a different window fails with
// ErrDirectoryOccupied. Every successful bind is remembered as the directory
// of the previous session.
func (r *Registry) Bind(ctx context.Context, windowID, directory string) (Record, error) {
	dir, err := NormalizeDirectory(directory)
	if err != nil {
		observability.RecordBind("invalid")
		return Record{}, err
	}

	r.mu.Lock()
	for id, rec := range r.records {
		if id != windowID && rec.Directory == dir {
			r.mu.Unlock()
			observability.RecordBind("occupied")
			return Record{}, fmt.Errorf("%w: %s", ErrDirectoryOccupied, dir)
		}
	}

	outcome := "rebound"
	var indexErr error
	rec, exists := r.records[windowID]
	if !exists {
		var handle IndexHandle
		handle, indexErr = r.openHandleLocked(dir)
		rec = &Record{WindowID: windowID, Directory: dir, Index: handle}
		r.records[windowID] = rec
		outcome = "bound"
	} else if rec.Directory != dir {
		if err := rec.Index.Retarget(dir); err != nil {
			if cerr := rec.Index.Close(); cerr != nil {
				r.logger.Warn().Err(cerr).Str("window_id", windowID).Msg("Failed to close index handle")
			}
			rec.Index, indexErr = r.openHandleLocked(dir)
		}
		rec.Directory = dir
	}
	snapshot := *rec
	count := len(r.records)
	onIndexErr := r.onIndexErr
	r.mu.Unlock()

	if indexErr != nil {
		r.logger.Error().Err(indexErr).Str("window_id", windowID).Msg("Vault bound without search index")
		if onIndexErr != nil {
			onIndexErr(dir, indexErr)
		}
	}

	observability.RecordBind(outcome)
	observability.SetActiveWindows(count)
	observability.RecordVaultAudit(ctx, "bind", windowID, dir, "success")

	if err := r.store.Set(ctx, dirstore.KeyDirectoryFromPreviousSession, dir); err != nil {
		r.logger.Warn().Err(err).Str("directory", dir).Msg("Failed to remember directory")
	}

	r.logger.Info().Str("window_id", windowID).Str("directory", dir).Str("outcome", outcome).Msg("Window bound")
	return snapshot, nil
}

// Lookup returns the record of windowID.
func (r *Registry) Lookup(windowID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[windowID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Unbind removes every record bound to directory and closes their handles.
func (r *Registry) Unbind(ctx context.Context, directory string) int {
	dir, err := NormalizeDirectory(directory)
	if err != nil {
		return 0
	}

	r.mu.Lock()
	var removed []*Record
	for id, rec := range r.records {
		if rec.Directory == dir {
			removed = append(removed, rec)
			delete(r.records, id)
		}
	}
	count := len(r.records)
	r.mu.Unlock()

	r.closeRecords(ctx, removed)
	observability.SetActiveWindows(count)
	return len(removed)
}

// Release removes the record of windowID, whatever directory it holds.
func (r *Registry) Release(ctx context.Context, windowID string) bool {
	r.mu.Lock()
	rec, ok := r.records[windowID]
	delete(r.records, windowID)
	count := len(r.records)
	r.mu.Unlock()

	if ok {
		r.closeRecords(ctx, []*Record{rec})
	}
	observability.SetActiveWindows(count)
	return ok
}

func (r *Registry) closeRecords(ctx context.Context, records []*Record) {
	for _, rec := range records {
		if err := rec.Index.Close(); err != nil {
			r.logger.Warn().Err(err).Str("window_id", rec.WindowID).Msg("Failed to close index handle")
		}
		observability.RecordVaultAudit(ctx, "unbind", rec.WindowID, rec.Directory, "success")
		r.logger.Info().Str("window_id", rec.WindowID).Str("directory", rec.Directory).Msg("Window unbound")
	}
}

// ActiveDirectories returns the set of bound directories.
func (r *Registry) ActiveDirectories() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dirs := make(map[string]struct{}, len(r.records))
	for _, rec := range r.records {
		dirs[rec.Directory] = struct{}{}
	}
	return dirs
}

// Records returns a snapshot of every record.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// Len returns the number of bound windows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
