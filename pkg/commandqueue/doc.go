// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A keyed task that is still waiting absorbs later submissions with the same key.
//
// Usage:
//
//	queue := commandqueue.New(logger)
//	defer queue.Close()
//	err := queue.Enqueue(ctx, "index:/vaults/main", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
