package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultRecoveryAge is how long recovery files are kept.
const DefaultRecoveryAge = 7 * 24 * time.Hour

const recoveryTimeFormat = "20060102-150405.000"

// saveRecovery keeps a buffer that could not be written to its note.
func (m *Manager) saveRecovery(windowID, path, content string) string {
	if m.cfg.RecoveryDir == "" || path == "" {
		return ""
	}

	base := filepath.Base(path)
	name := fmt.Sprintf("%s-%s-%s", time.Now().UTC().Format(recoveryTimeFormat), windowID, base)
	target := filepath.Join(m.cfg.RecoveryDir, name)

	header := fmt.Sprintf("<!-- recovered from %s -->\n", path)
	if err := m.cfg.FS.WriteFile(target, header+content); err != nil {
		m.logger.Error().Err(err).Str("window_id", windowID).Str("path", path).Msg("Failed to write recovery file")
		return ""
	}

	m.logger.Warn().
		Str("window_id", windowID).
		Str("path", path).
		Str("recovery", target).
		Msg("Unsaved content written to recovery file")
	m.cfg.Relay.Publish(fmt.Sprintf("Unsaved changes to %s were kept in %s", base, target))
	return target
}

// RecoveryFiles lists the recovery files, oldest first.
func (m *Manager) RecoveryFiles() ([]string, error) {
	if m.cfg.RecoveryDir == "" || !m.cfg.FS.IsDirectory(m.cfg.RecoveryDir) {
		return nil, nil
	}

	var files []string
	err := m.cfg.FS.Walk(m.cfg.RecoveryDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != m.cfg.RecoveryDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasPrefix(info.Name(), ".") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery files: %w", err)
	}
	return files, nil
}

// PruneRecovery deletes recovery files older than maxAge and returns how many
// were removed.
func (m *Manager) PruneRecovery(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultRecoveryAge
	}
	files, err := m.RecoveryFiles()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0
	for _, path := range files {
		stamp := filepath.Base(path)
		if len(stamp) < len(recoveryTimeFormat) {
			continue
		}
		created, err := time.Parse(recoveryTimeFormat, stamp[:len(recoveryTimeFormat)])
		if err != nil || created.After(cutoff) {
			continue
		}
		if err := m.cfg.FS.Remove(path); err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("Failed to delete recovery file")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.Info().Int("deleted", deleted).Msg("Cleaned up old recovery files")
	}
	return deleted, nil
}
