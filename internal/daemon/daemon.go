package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/vaultd/internal/config"
	"github.com/harun/vaultd/internal/logger"
	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/internal/tracing"
	"github.com/harun/vaultd/pkg/commandqueue"
	"github.com/harun/vaultd/pkg/dirstore"
	"github.com/harun/vaultd/pkg/gateway"
	"github.com/harun/vaultd/pkg/index"
	"github.com/harun/vaultd/pkg/relay"
	"github.com/harun/vaultd/pkg/session"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/harun/vaultd/pkg/window"
	"github.com/rs/zerolog"
)

// ShutdownTimeout bounds the whole of Stop.
const ShutdownTimeout = 30 * time.Second

// Daemon wires the session core to its storage and the gateway.
type Daemon struct {
	config *config.Config
	logs   *logger.Logger
	logger zerolog.Logger

	// Core modules
	fs       *vaultfs.FS
	store    *dirstore.SQLiteStore
	queue    *commandqueue.CommandQueue
	indexMgr *index.Manager
	registry *window.Registry
	relay    *relay.Relay
	sessions *session.Manager

	// Services
	gatewayServer *gateway.Server

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.ApplyDerivedPaths(cfg); err != nil {
		return nil, err
	}

	d := &Daemon{
		config: cfg,
		logs:   log,
		logger: log.Component("daemon"),
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("vaultd"); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger")
	}

	store, err := dirstore.OpenSQLite(d.config.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open directory store: %w", err)
	}
	d.store = store

	d.fs = vaultfs.NewOS()
	d.queue = commandqueue.New(d.logs.Component("queue"))
	d.relay = relay.New(d.logs.Component("relay"))

	var embedder index.EmbeddingProvider
	if d.config.Index.Embeddings.Enabled() {
		embedder = index.NewOpenAIProvider(d.config.Index.Embeddings.APIKey, d.config.Index.Embeddings.Model)
		d.logger.Info().Str("model", d.config.Index.Embeddings.Model).Msg("Embeddings enabled")
	}

	d.indexMgr, err = index.NewManager(index.ManagerConfig{
		Dir:       d.config.Index.Dir,
		FS:        d.fs,
		Queue:     d.queue,
		Embedder:  embedder,
		ChunkSize: d.config.Index.ChunkSize,
		Logger:    d.logs.Component("index"),
		OnError: func(vault, path string, err error) {
			d.relay.PublishError(fmt.Errorf("failed to index %s: %w", path, err))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create index manager: %w", err)
	}

	d.registry = window.NewRegistry(d.store, func(directory string) (window.IndexHandle, error) {
		return d.indexMgr.Open(directory)
	}, d.logs.Component("registry"))
	d.registry.OnIndexError(func(directory string, err error) {
		d.relay.PublishError(fmt.Errorf("search is unavailable for %s: %w", directory, err))
	})

	d.sessions = session.NewManager(session.Config{
		FS:               d.fs,
		Store:            d.store,
		Registry:         d.registry,
		Resolver:         window.NewResolver(d.store, d.registry, d.fs, d.logs.Component("resolver")),
		Relay:            d.relay,
		Logger:           d.logs.Zerolog(),
		Debounce:         d.config.Editor.AutosaveDebounce(),
		CloseTimeout:     d.config.Editor.CloseTimeout(),
		DefaultExtension: d.config.Editor.DefaultExtension,
		RecoveryDir:      filepath.Join(d.config.DataDir, "recovery"),
		WatchVaults:      true,
	})

	d.logger.Info().Str("data_dir", d.config.DataDir).Msg("Core modules initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	if d.config.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway.shared_secret is required (run `vaultd config init`)")
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: d.config.Gateway.SharedSecret,
		Sessions:     d.sessions,
		Logger:       d.logs.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	d.eventLoop, err = NewEventLoop(d)
	if err != nil {
		return err
	}
	d.lifecycle = NewLifecycleManager(d)
	return nil
}

// Start writes the PID file, starts the gateway and the maintenance jobs.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting vaultd daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.eventLoop.Start()

	d.mu.Lock()
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop closes every window (flushing its buffer), drains the index queue and
// releases storage.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping vaultd daemon")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.sessions.CloseAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Windows closed with errors")
	}

	d.eventLoop.Stop(ctx)

	if !d.queue.WaitForActive(5 * time.Second) {
		logger.Warn().Msg("Index jobs still pending at shutdown")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeCore()

	logger.Info().Msg("Daemon stopped")
	return nil
}

// closeCore releases what initializeCoreModules opened.
func (d *Daemon) closeCore() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close directory store")
		}
	}
	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Windows   int
	Vaults    int
	Addr      string
}

func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Windows: len(d.sessions.Windows()),
		Vaults:  d.registry.Len(),
		Addr:    d.gatewayServer.Addr(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessions
}

func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}
