// Package session ties editor windows to vaults.
//
// Invariants:
// - A window owns exactly one editor.Controller for its whole life.
// - Closing a window flushes its buffer before its directory is released.
// - Rename and delete reach every window, never only the one that asked.
// - A buffer that cannot be written on close is kept in a recovery file.
//
// Usage:
//
//	mgr := session.NewManager(session.Config{...})
//	dir, _ := mgr.OpenWindow(ctx, "w1", ui)
//	_ = mgr.WindowReady(ctx, "w1")
//	_ = mgr.OpenFile(ctx, "w1", "notes/today.md")
//	_ = mgr.CloseWindow(ctx, "w1")
package session
