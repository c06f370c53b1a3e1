package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/internal/tracing"
	"github.com/harun/vaultd/pkg/editor"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/harun/vaultd/pkg/window"
	"go.opentelemetry.io/otel/attribute"
)

// indexFor returns the index handle of the vault holding path.
func (m *Manager) indexFor(path string) (window.IndexHandle, bool) {
	for _, rec := range m.cfg.Registry.Records() {
		if vaultfs.Within(rec.Directory, path) {
			return rec.Index, true
		}
	}
	return nil, false
}

// ExternalDelete removes path (a file or a directory) from every window. With
// deleteOnDisk the removal itself is performed first; otherwise it already
// happened outside the application. Windows showing the path, or a file
// beneath it, go idle and never write it back. History is left alone.
func (m *Manager) ExternalDelete(ctx context.Context, path string, deleteOnDisk bool) error {
	path = filepath.Clean(path)
	ctx, span := tracing.StartSpan(ctx, "vaultd.session", "session.delete",
		attribute.String("path", path),
		attribute.Bool("on_disk", deleteOnDisk),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	var remove func() error
	if deleteOnDisk {
		remove = func() error { return m.cfg.FS.Remove(path) }
	}

	idle, err := editor.DeleteAcross(ctx, m.controllers(), path, remove)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}

	if ix, ok := m.indexFor(path); ok {
		ix.RemoveFile(path)
	}

	for _, c := range idle {
		logger.Info().Str("window_id", c.WindowID()).Str("path", path).Msg("Open file removed")
	}
	observability.RecordFileAudit(ctx, "delete", "", map[string]interface{}{
		"path":    path,
		"on_disk": deleteOnDisk,
		"windows": len(idle),
	})
	return nil
}

// Rename moves oldPath to newPath on disk and rebinds every window to the new
// location without reloading any buffer.
func (m *Manager) Rename(ctx context.Context, oldPath, newPath string) error {
	return m.rename(ctx, filepath.Clean(oldPath), filepath.Clean(newPath), true)
}

// ExternalRename applies a move that already happened outside the
// application.
func (m *Manager) ExternalRename(ctx context.Context, oldPath, newPath string) error {
	return m.rename(ctx, filepath.Clean(oldPath), filepath.Clean(newPath), false)
}

func (m *Manager) rename(ctx context.Context, oldPath, newPath string, onDisk bool) error {
	ctx, span := tracing.StartSpan(ctx, "vaultd.session", "session.rename",
		attribute.String("from", oldPath),
		attribute.String("to", newPath),
		attribute.Bool("on_disk", onDisk),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if oldPath == newPath {
		return nil
	}

	var move func() error
	if onDisk {
		move = func() error {
			if !m.cfg.FS.Exists(oldPath) {
				return fmt.Errorf("%s does not exist", oldPath)
			}
			if m.cfg.FS.Exists(newPath) {
				return fmt.Errorf("%s already exists", newPath)
			}
			return m.cfg.FS.Rename(oldPath, newPath)
		}
	}

	moved, err := editor.RenameAcross(ctx, m.controllers(), oldPath, newPath, move)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to rename %s: %w", oldPath, err)
	}

	if ix, ok := m.indexFor(oldPath); ok {
		ix.RemoveFile(oldPath)
	}
	if ix, ok := m.indexFor(newPath); ok {
		if m.cfg.FS.IsDirectory(newPath) {
			ix.Resync()
		} else {
			ix.IndexFile(newPath)
		}
	}

	for _, c := range moved {
		logger.Info().Str("window_id", c.WindowID()).Str("path", newPath).Msg("Open file moved")
	}
	observability.RecordFileAudit(ctx, "rename", "", map[string]interface{}{
		"from":    oldPath,
		"to":      newPath,
		"on_disk": onDisk,
	})
	return nil
}
