package daemon

import (
	"context"
	"fmt"

	"github.com/harun/vaultd/internal/tracing"
	"github.com/harun/vaultd/pkg/session"
	"github.com/robfig/cron/v3"
)

// RecoveryPruneSpec is when old recovery files are deleted.
const RecoveryPruneSpec = "@daily"

// EventLoop runs the scheduled maintenance jobs: reconciling every bound
// vault's index with the disk, pruning recovery files and logging queue
// stats.
type EventLoop struct {
	daemon *Daemon
	cron   *cron.Cron
}

func NewEventLoop(d *Daemon) (*EventLoop, error) {
	e := &EventLoop{
		daemon: d,
		cron:   cron.New(),
	}

	if spec := d.config.Index.ReconcileCron; spec != "" {
		if _, err := e.cron.AddFunc(spec, e.reconcile); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
		}
	}
	if _, err := e.cron.AddFunc(RecoveryPruneSpec, e.pruneRecovery); err != nil {
		return nil, fmt.Errorf("invalid prune schedule: %w", err)
	}
	if _, err := e.cron.AddFunc("@every 1m", e.logQueueStats); err != nil {
		return nil, fmt.Errorf("invalid stats schedule: %w", err)
	}
	return e, nil
}

func (e *EventLoop) Start() {
	e.cron.Start()
	e.daemon.logger.Info().Int("jobs", len(e.cron.Entries())).Msg("Event loop started")
}

// Stop waits for running jobs, bounded by ctx.
func (e *EventLoop) Stop(ctx context.Context) {
	select {
	case <-e.cron.Stop().Done():
	case <-ctx.Done():
		e.daemon.logger.Warn().Msg("Timeout waiting for maintenance jobs")
	}
	e.daemon.logger.Info().Msg("Event loop stopped")
}

// reconcile resyncs every bound vault so edits made outside the application
// reach the index.
func (e *EventLoop) reconcile() {
	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, e.daemon.logger)

	records := e.daemon.registry.Records()
	for _, rec := range records {
		rec.Index.Resync()
	}
	logger.Debug().Int("vaults", len(records)).Msg("Index reconcile queued")
}

func (e *EventLoop) pruneRecovery() {
	deleted, err := e.daemon.sessions.PruneRecovery(session.DefaultRecoveryAge)
	if err != nil {
		e.daemon.logger.Warn().Err(err).Msg("Recovery prune failed")
		return
	}
	if deleted > 0 {
		e.daemon.logger.Info().Int("deleted", deleted).Msg("Recovery files pruned")
	}
}

func (e *EventLoop) logQueueStats() {
	for lane, laneStats := range e.daemon.queue.GetStats() {
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Queue stats")
		}
	}
}
