package window

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/vaultd/pkg/dirstore"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/rs/zerolog"
)

// Resolver picks the vault a new window starts in.
type Resolver struct {
	store    dirstore.Store
	registry *Registry
	fs       vaultfs.Filesystem
	logger   zerolog.Logger
}

func NewResolver(store dirstore.Store, registry *Registry, fs vaultfs.Filesystem, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		registry: registry,
		fs:       fs,
		logger:   logger.With().Str("component", "vault_resolver").Logger(),
	}
}

// ResolveForNewWindow binds windowID to the directory of the previous session
// and returns it. An empty result means the user has to choose a vault: either
// nothing was remembered, the remembered directory is open in another window,
// or it no longer exists on disk.
func (r *Resolver) ResolveForNewWindow(ctx context.Context, windowID string) (string, error) {
	remembered, err := r.store.Get(ctx, dirstore.KeyDirectoryFromPreviousSession)
	if err != nil {
		return "", fmt.Errorf("failed to read previous directory: %w", err)
	}
	if remembered == "" {
		return "", nil
	}

	dir, err := NormalizeDirectory(remembered)
	if err != nil {
		r.logger.Warn().Err(err).Str("directory", remembered).Msg("Ignoring remembered directory")
		return "", nil
	}

	logger := r.logger.With().Str("window_id", windowID).Str("directory", dir).Logger()

	if _, taken := r.registry.ActiveDirectories()[dir]; taken {
		logger.Info().Err(ErrDirectoryOccupied).Msg("Previous directory already open")
		return "", nil
	}
	if !r.fs.IsDirectory(dir) {
		logger.Info().Msg("Previous directory no longer exists")
		return "", nil
	}

	if _, err := r.registry.Bind(ctx, windowID, dir); err != nil {
		if errors.Is(err, ErrDirectoryOccupied) {
			logger.Info().Err(err).Msg("Previous directory taken while resolving")
			return "", nil
		}
		return "", err
	}
	return dir, nil
}
