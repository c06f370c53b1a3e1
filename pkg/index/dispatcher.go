package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/pkg/commandqueue"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/rs/zerolog"
)

// ErrorFunc is told about index jobs that failed. Index failures never reach
// the editor that triggered them.
type ErrorFunc func(vault, path string, err error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Dir       string
	FS        vaultfs.Filesystem
	Queue     *commandqueue.CommandQueue
	Embedder  EmbeddingProvider
	ChunkSize int
	Logger    zerolog.Logger
	OnError   ErrorFunc
}

// Manager opens Dispatchers bound to vault directories.
type Manager struct {
	cfg ManagerConfig
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("index directory is required")
	}
	if cfg.FS == nil {
		return nil, errors.New("filesystem is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("command queue is required")
	}
	return &Manager{cfg: cfg}, nil
}

func (m *Manager) openIndex(vault string) (*Index, error) {
	return Open(Options{
		Vault:     vault,
		DBPath:    DBPathFor(m.cfg.Dir, vault),
		FS:        m.cfg.FS,
		Logger:    m.cfg.Logger,
		Embedder:  m.cfg.Embedder,
		ChunkSize: m.cfg.ChunkSize,
	})
}

// Open returns a Dispatcher for vault.
func (m *Manager) Open(vault string) (*Dispatcher, error) {
	ix, err := m.openIndex(vault)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		mgr:    m,
		index:  ix,
		lane:   laneFor(ix.Vault()),
		logger: m.cfg.Logger.With().Str("component", "index_dispatcher").Logger(),
	}, nil
}

func laneFor(vault string) string {
	return "index:" + vault
}

// Dispatcher is a window's handle on its vault index. Mutating calls are
// queued on the vault lane and return immediately.
type Dispatcher struct {
	mgr    *Manager
	logger zerolog.Logger

	mu     sync.RWMutex
	index  *Index
	lane   string
	closed bool
}

func (d *Dispatcher) current() (*Index, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index, d.lane, d.closed
}

// Vault returns the directory the dispatcher currently serves.
func (d *Dispatcher) Vault() string {
	ix, _, _ := d.current()
	return ix.Vault()
}

func (d *Dispatcher) submit(key, path string, job func(ctx context.Context, ix *Index) error) {
	ix, lane, closed := d.current()
	if closed {
		return
	}

	_, err := d.mgr.cfg.Queue.Submit(context.Background(), lane, key, func(ctx context.Context) error {
		start := time.Now()
		err := job(ctx, ix)
		observability.RecordIndex(time.Since(start), err == nil)
		return err
	}, func(err error) {
		if err == nil || errors.Is(err, commandqueue.ErrLaneReset) || errors.Is(err, commandqueue.ErrQueueClosed) {
			return
		}
		d.logger.Warn().Err(err).Str("vault", ix.Vault()).Str("path", path).Msg("Index job failed")
		if d.mgr.cfg.OnError != nil {
			d.mgr.cfg.OnError(ix.Vault(), path, err)
		}
	})
	if err != nil {
		d.logger.Debug().Err(err).Str("path", path).Msg("Index job not queued")
	}
}

// IndexFile queues a reindex of path.
func (d *Dispatcher) IndexFile(path string) {
	d.submit("index:"+path, path, func(ctx context.Context, ix *Index) error {
		_, err := ix.IndexFile(ctx, path)
		return err
	})
}

// RemoveFile queues removal of path (file or directory) from the index.
func (d *Dispatcher) RemoveFile(path string) {
	d.submit("remove:"+path, path, func(ctx context.Context, ix *Index) error {
		return ix.RemoveFile(ctx, path)
	})
}

// Resync queues a full walk of the vault.
func (d *Dispatcher) Resync() {
	d.submit("sync", "", func(ctx context.Context, ix *Index) error {
		_, err := ix.Sync(ctx)
		return err
	})
}

// Search queries the index synchronously.
func (d *Dispatcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	ix, _, closed := d.current()
	if closed {
		return nil, errors.New("index closed")
	}
	return ix.Search(ctx, query, limit)
}

// Status reports the current index.
func (d *Dispatcher) Status() Status {
	ix, _, _ := d.current()
	return ix.Status()
}

// Retarget points the dispatcher at another vault. Jobs already queued for the
// old vault still run; the old database closes after them.
func (d *Dispatcher) Retarget(vault string) error {
	vault = filepath.Clean(vault)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("index closed")
	}
	if d.index.Vault() == vault {
		d.mu.Unlock()
		return nil
	}
	next, err := d.mgr.openIndex(vault)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to open index for %s: %w", vault, err)
	}
	old, oldLane := d.index, d.lane
	d.index, d.lane = next, laneFor(next.Vault())
	d.mu.Unlock()

	d.retire(old, oldLane)
	return nil
}

// Close stops accepting jobs. Jobs already queued, such as the reindex issued
// by a closing window, run before the database closes.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ix, lane := d.index, d.lane
	d.mu.Unlock()

	d.retire(ix, lane)
	return nil
}

func (d *Dispatcher) retire(ix *Index, lane string) {
	q := d.mgr.cfg.Queue
	if _, err := q.Submit(context.Background(), lane, "", func(context.Context) error {
		return ix.Close()
	}, nil); err != nil {
		ix.Close()
	}
}
