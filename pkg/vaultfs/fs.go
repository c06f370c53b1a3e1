// Package vaultfs is the filesystem seen by the window core. Production code
// runs on the OS filesystem; tests run on an in-memory one.
package vaultfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrPathEscape is returned when a relative path resolves outside its vault.
var ErrPathEscape = errors.New("path escapes vault")

// Filesystem is the set of file operations the core performs.
type Filesystem interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	CreateDirectory(path string) error
	Exists(path string) bool
	IsDirectory(path string) bool
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Walk(root string, fn filepath.WalkFunc) error
}

// FS implements Filesystem on top of an afero.Fs.
type FS struct {
	fs afero.Fs
}

// New wraps an afero filesystem.
func New(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

// NewOS returns a Filesystem backed by the operating system.
func NewOS() *FS {
	return New(afero.NewOsFs())
}

// NewMemory returns an empty in-memory Filesystem.
func NewMemory() *FS {
	return New(afero.NewMemMapFs())
}

// Afero exposes the underlying filesystem.
func (f *FS) Afero() afero.Fs {
	return f.fs
}

func (f *FS) ReadFile(path string) (string, error) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes content through a temporary sibling file and a rename so a
// crash mid-write never leaves a truncated note behind.
func (f *FS) WriteFile(path, content string) error {
	dir := filepath.Dir(path)
	if err := f.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := f.fs.Rename(tmpName, path); err != nil {
		_ = f.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func (f *FS) CreateDirectory(path string) error {
	if err := f.fs.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

func (f *FS) Exists(path string) bool {
	ok, err := afero.Exists(f.fs, path)
	return err == nil && ok
}

func (f *FS) IsDirectory(path string) bool {
	ok, err := afero.IsDir(f.fs, path)
	return err == nil && ok
}

// Remove deletes a file or a whole directory tree. Removing a missing path is
// not an error.
func (f *FS) Remove(path string) error {
	if err := f.fs.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func (f *FS) Rename(oldPath, newPath string) error {
	if err := f.fs.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := f.fs.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename %s: %w", oldPath, err)
	}
	return nil
}

func (f *FS) Walk(root string, fn filepath.WalkFunc) error {
	return afero.Walk(f.fs, root, fn)
}

// SafeJoin resolves relPath against vault and rejects results outside it.
func SafeJoin(vault, relPath string) (string, error) {
	absPath, err := filepath.Abs(filepath.Join(vault, filepath.FromSlash(relPath)))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	vaultAbs, err := filepath.Abs(vault)
	if err != nil {
		return "", fmt.Errorf("resolve vault path: %w", err)
	}
	if !Within(vaultAbs, absPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, relPath)
	}
	return absPath, nil
}

// Within reports whether path equals dir or lies beneath it.
func Within(dir, path string) bool {
	if path == dir {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

// IsNotExist reports whether err means the path is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
