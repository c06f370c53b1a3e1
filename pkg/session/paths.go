package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/pkg/dirstore"
	"github.com/harun/vaultd/pkg/vaultfs"
)

// WelcomeNoteName is opened the first time a user reaches an empty window.
const WelcomeNoteName = "Welcome to Vaultd"

const welcomeNote = `## Welcome to Vaultd

Vaultd keeps your notes as plain markdown files in a folder you choose.

### Writing

- Just type. Changes are saved a few seconds after you stop.
- Switching notes or closing the window always saves first.
- Link to another note by name and it is created on first open.

### Finding things

Every saved note is indexed. Search looks for the words you type and, when an
embeddings key is configured, for notes with a similar meaning.

### Several vaults

Each window holds one vault. Open another window to work in a second vault at
the same time.
`

const (
	invalidPathChars = `<>:"|?*`
	invalidNameChars = invalidPathChars + `/\`
)

func invalidCharacter(s, set string) (rune, bool) {
	for _, r := range s {
		if r < 0x20 || strings.ContainsRune(set, r) {
			return r, true
		}
	}
	return 0, false
}

// ResolvePath maps path to an absolute path inside the vault of windowID.
// Relative paths join the vault root; absolute ones must already lie in it.
func (m *Manager) ResolvePath(windowID, path string) (string, error) {
	vault := m.CurrentVault(windowID)
	if vault == "" {
		return "", ErrNoVault
	}
	if filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		if !vaultfs.Within(vault, clean) {
			return "", fmt.Errorf("%w: %s", vaultfs.ErrPathEscape, path)
		}
		return clean, nil
	}
	return vaultfs.SafeJoin(vault, path)
}

// OpenRelativePath opens a note by its vault-relative name, creating it when
// missing. Names without an extension get the default one. A created note
// holds contentOnCreate, or a heading with its name when that is empty, and
// is queued for indexing.
func (m *Manager) OpenRelativePath(ctx context.Context, windowID, relPath, contentOnCreate string) (string, error) {
	ws, err := m.lookup(windowID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("%w: empty note name", ErrInvalidName)
	}
	if r, bad := invalidCharacter(relPath, invalidPathChars); bad {
		return "", fmt.Errorf("%w: character %q cannot be included in note name %s", ErrInvalidName, r, relPath)
	}

	if filepath.Ext(relPath) == "" {
		relPath += m.cfg.DefaultExtension
	}
	abs, err := m.ResolvePath(windowID, relPath)
	if err != nil {
		return "", err
	}

	if !m.cfg.FS.Exists(abs) {
		content := contentOnCreate
		if content == "" {
			base := filepath.Base(abs)
			content = "## " + strings.TrimSuffix(base, filepath.Ext(base)) + "\n"
		}
		if err := m.cfg.FS.WriteFile(abs, content); err != nil {
			return "", fmt.Errorf("failed to create note %s: %w", abs, err)
		}
		if ix, ok := m.indexFor(abs); ok {
			ix.IndexFile(abs)
		}
		observability.RecordFileAudit(ctx, "create", windowID, map[string]interface{}{"path": abs})
	}

	if err := ws.ctrl.OpenByPath(ctx, abs); err != nil {
		return "", err
	}
	return abs, nil
}

// CreateDirectory creates name next to the open note, or in the vault root
// when no note is open.
func (m *Manager) CreateDirectory(ctx context.Context, windowID, name string) (string, error) {
	ws, err := m.lookup(windowID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty directory name", ErrInvalidName)
	}
	if r, bad := invalidCharacter(name, invalidNameChars); bad {
		return "", fmt.Errorf("%w: cannot put %q in directory name", ErrInvalidName, r)
	}

	vault := m.CurrentVault(windowID)
	if vault == "" {
		return "", ErrNoVault
	}
	parent := vault
	if current := ws.ctrl.CurrentPath(); current != "" {
		parent = filepath.Dir(current)
	}

	dir, err := vaultfs.SafeJoin(vault, filepath.Join(mustRel(vault, parent), name))
	if err != nil {
		return "", err
	}
	if err := m.cfg.FS.CreateDirectory(dir); err != nil {
		return "", err
	}
	observability.RecordFileAudit(ctx, "mkdir", windowID, map[string]interface{}{"path": dir})
	return dir, nil
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "."
	}
	return rel
}

// maybeOpenWelcome opens the welcome note in an empty window the first time
// the application is used.
func (m *Manager) maybeOpenWelcome(ctx context.Context, ws *windowSession) error {
	if ws.ctrl.CurrentPath() != "" || m.CurrentVault(ws.id) == "" {
		return nil
	}

	opened, err := m.cfg.Store.Get(ctx, dirstore.KeyHasUserOpenedAppBefore)
	if err != nil {
		return fmt.Errorf("failed to read first-use flag: %w", err)
	}
	if opened != "" {
		return nil
	}
	if err := m.cfg.Store.Set(ctx, dirstore.KeyHasUserOpenedAppBefore, "true"); err != nil {
		return fmt.Errorf("failed to store first-use flag: %w", err)
	}

	_, err = m.OpenRelativePath(ctx, ws.id, WelcomeNoteName, welcomeNote)
	return err
}
