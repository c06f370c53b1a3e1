package editor

import (
	"context"
	"sort"
)

// lockAll takes the operation lock of every controller in window-id order.
func lockAll(ctrls []*Controller) func() {
	sorted := append([]*Controller(nil), ctrls...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].cfg.WindowID < sorted[j].cfg.WindowID })
	for _, c := range sorted {
		c.opMu.Lock()
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			sorted[i].opMu.Unlock()
		}
	}
}

// RenameAcross renames oldPath to newPath for a set of windows. Every dirty
// buffer is written first, rename performs the move on disk, and only when it
// succeeds are open paths and histories rewritten. No controller can write
// between the move and the rewrite. It returns the controllers whose open
// file moved.
func RenameAcross(ctx context.Context, ctrls []*Controller, oldPath, newPath string, rename func() error) ([]*Controller, error) {
	unlock := lockAll(ctrls)
	defer unlock()

	for _, c := range ctrls {
		if _, err := c.flushLocked(ctx, "rename", false); err != nil {
			// The buffer stays dirty and follows the file to its new path.
			c.reportError(err)
		}
	}

	if rename != nil {
		if err := rename(); err != nil {
			return nil, err
		}
	}

	var moved []*Controller
	for _, c := range ctrls {
		if c.applyRenameLocked(oldPath, newPath) {
			moved = append(moved, c)
		}
	}
	return moved, nil
}

// DeleteAcross runs remove and then drops path from every window that has it
// (or a file beneath it) open. Buffers of those windows are discarded. It
// returns the controllers that went idle.
func DeleteAcross(ctx context.Context, ctrls []*Controller, path string, remove func() error) ([]*Controller, error) {
	unlock := lockAll(ctrls)
	defer unlock()

	if remove != nil {
		if err := remove(); err != nil {
			return nil, err
		}
	}

	var idle []*Controller
	for _, c := range ctrls {
		if c.applyDeleteLocked(path) {
			idle = append(idle, c)
		}
	}
	return idle, nil
}
