package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrLaneReset   = errors.New("lane reset")
	ErrQueueClosed = errors.New("command queue closed")
)

// Task is one unit of work executed on a lane.
type Task func(ctx context.Context) error

// DoneFunc receives the task outcome.
type DoneFunc func(err error)

type taskRecord struct {
	id         string
	key        string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	done       []DoneFunc
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	waiting     map[string]*taskRecord
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger
}

// New creates an empty CommandQueue. Lanes are created on first use with a
// concurrency of one.
func New(logger zerolog.Logger) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "commandqueue").Logger(),
	}
}

// laneLocked returns the lane, creating it if needed. cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{
			concurrency: 1,
			waiting:     make(map[string]*taskRecord),
		}
		cq.lanes[lane] = ls
		cq.logger.Debug().Str("lane", lane).Msg("Lane initialized")
	}
	return ls
}

// Submit queues task on lane without waiting for it. When key is non-empty and
// a task with the same key is still waiting on that lane, the submission is
// folded into it and Submit reports false; done is then called with the
// outcome of the earlier task.
func (cq *CommandQueue) Submit(ctx context.Context, lane, key string, task Task, done DoneFunc) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return false, ErrQueueClosed
	}

	ls := cq.laneLocked(lane)
	if key != "" {
		if existing, ok := ls.waiting[key]; ok {
			if done != nil {
				existing.done = append(existing.done, done)
			}
			cq.mu.Unlock()
			cq.logger.Debug().Str("lane", lane).Str("key", key).Msg("Task coalesced")
			return false, nil
		}
	}

	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		key:        key,
		task:       task,
		ctx:        context.WithoutCancel(ctx),
		enqueuedAt: time.Now(),
	}
	if done != nil {
		record.done = append(record.done, done)
	}
	ls.queue = append(ls.queue, record)
	if key != "" {
		ls.waiting[key] = record
	}
	queueSize := len(ls.queue)

	cq.processLaneLocked(lane, ls)
	cq.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	return true, nil
}

// Enqueue queues task on lane and waits for it to finish or for ctx to end.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}

	result := make(chan error, 1)
	if _, err := cq.Submit(ctx, lane, "", task, func(err error) { result <- err }); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processLaneLocked starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLaneLocked(lane string, ls *laneState) {
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		if record.key != "" && ls.waiting[record.key] == record {
			delete(ls.waiting, record.key)
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"vaultd.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	err := record.task(runCtx)
	duration := time.Since(startTime)

	cq.mu.Lock()
	ls := cq.lanes[lane]
	ls.running--
	queueSize := len(ls.queue)
	cq.processLaneLocked(lane, ls)
	cq.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("wait", startTime.Sub(record.enqueuedAt)).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	finish(record, err)
}

func finish(record *taskRecord, err error) {
	for _, done := range record.done {
		done(err)
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return ls.running
	}
	return 0
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
	}
	return stats
}

// ResetLane rejects every queued task of lane with ErrLaneReset. Tasks already
// running are left to finish.
func (cq *CommandQueue) ResetLane(lane string) int {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if !ok {
		cq.mu.Unlock()
		return 0
	}
	dropped := ls.queue
	ls.queue = nil
	ls.waiting = make(map[string]*taskRecord)
	running := ls.running
	if running == 0 {
		delete(cq.lanes, lane)
	}
	cq.mu.Unlock()

	for _, record := range dropped {
		finish(record, ErrLaneReset)
	}

	cq.logger.Info().Str("lane", lane).Int("dropped", len(dropped)).Msg("Lane reset")
	observability.RecordQueueEnqueue(lane, 0)
	return len(dropped)
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls := cq.laneLocked(lane)
	ls.concurrency = concurrency
	cq.processLaneLocked(lane, ls)
}

// WaitForActive waits for queued and running tasks to drain, up to timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		cq.mu.Lock()
		for _, ls := range cq.lanes {
			if ls.running > 0 || len(ls.queue) > 0 {
				drained = false
				break
			}
		}
		cq.mu.Unlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	var dropped []*taskRecord
	for _, ls := range cq.lanes {
		dropped = append(dropped, ls.queue...)
		ls.queue = nil
		ls.waiting = make(map[string]*taskRecord)
	}
	cq.mu.Unlock()

	for _, record := range dropped {
		finish(record, ErrQueueClosed)
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}
