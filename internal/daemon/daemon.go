package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/reza/vizier/internal/config"
	"github.com/reza/vizier/internal/logger"
	"github.com/reza/vizier/internal/observability"
	"github.com/reza/vizier/internal/tracing"
	"github.com/reza/vizier/pkg/agent"
	"github.com/reza/vizier/pkg/bridge"
	"github.com/reza/vizier/pkg/codegen"
	"github.com/reza/vizier/pkg/dispatch"
	"github.com/reza/vizier/pkg/gateway"
	"github.com/reza/vizier/pkg/history"
	"github.com/reza/vizier/pkg/notifier"
	"github.com/reza/vizier/pkg/pipeline"
	"github.com/reza/vizier/pkg/session"
	"github.com/reza/vizier/pkg/turnqueue"
	"github.com/reza/vizier/pkg/viewer"
)

// Daemon wires the Vizier runtime together: the viewer thread and its
// bridge, the capability registry, the turn runner and the gateway.
type Daemon struct {
	config   *config.Config
	configMu sync.RWMutex
	logger   *logger.Logger

	// Core modules
	events       *notifier.Notifier
	bridge       *bridge.Bridge
	viewer       *viewer.Viewer
	viewerLoop   *viewer.Loop
	turns        *turnqueue.Queue
	sessionMgr   *session.Manager
	historyStore *history.Store
	registry     *dispatch.Registry
	agentRunner  *agent.Runner
	codegen      *codegen.Codegen

	// Services
	gatewayServer *gateway.Server
	scheduler     *cron.Cron
	configWatcher *config.Watcher

	// Internal
	tracker   *turnTracker
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("vizier-daemon"); err != nil {
		zl := log.GetZerolog()
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracker:        &turnTracker{},
		tracingEnabled: true,
	}

	if err := d.initializeCoreModules(); err != nil {
		d.teardownPartial()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.teardownPartial()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules initializes all core modules in dependency order.
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	d.events = notifier.New(zl)

	d.bridge = bridge.New(bridge.Config{
		QueueSize: d.config.Bridge.QueueSize,
		Logger:    zl,
	})
	d.viewer = viewer.New(zl)
	d.viewerLoop = viewer.NewLoop(d.bridge, zl)
	zl.Info().Msg("Viewer and bridge initialized")

	d.turns = turnqueue.New()
	zl.Info().Msg("Turn queue initialized")

	sessionMgr, err := session.New(d.config.Session.Dir)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.sessionMgr = sessionMgr
	zl.Info().Str("dir", d.config.Session.Dir).Msg("Session manager initialized")

	historyStore, err := history.New(d.config.History.Path, zl)
	if err != nil {
		return fmt.Errorf("failed to create history store: %w", err)
	}
	d.historyStore = historyStore
	zl.Info().Str("path", d.config.History.Path).Msg("History store initialized")

	d.registry = dispatch.New(dispatch.Config{
		Events: d.events,
		Toolkit: dispatch.Toolkit{
			Executor:  d.bridge,
			Pipelines: d.newPipeline,
		},
		Logger: zl,
	})
	zl.Info().Msg("Capability registry initialized")

	profiles := make([]agent.AuthProfile, 0, len(d.config.AI.Profiles))
	for _, p := range d.config.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}

	runner, err := agent.NewRunner(agent.Config{
		Sessions:     d.sessionMgr,
		Capabilities: d.registry,
		Turns:        d.turns,
		Events:       &trackedEvents{Notifier: d.events, tracker: d.tracker},
		Logger:       zl,
		AuthProfiles: profiles,
		TurnConfig: agent.TurnConfig{
			Model:        d.config.Turn.Model,
			Temperature:  d.config.Turn.Temperature,
			MaxTokens:    d.config.Turn.MaxTokens,
			SystemPrompt: d.config.Turn.SystemPrompt,
			MaxRetries:   d.config.Turn.MaxRetries,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.agentRunner = runner
	zl.Info().Str("model", d.config.Turn.Model).Int("profiles", len(profiles)).Msg("Agent runner initialized")

	d.codegen = codegen.New(d.agentRunner, d.viewer, zl)
	if err := viewer.RegisterCapabilities(d.registry, d.viewer, d.codegen, d.codegen); err != nil {
		return fmt.Errorf("failed to register viewer capabilities: %w", err)
	}
	zl.Info().Strs("ops", d.viewer.Ops()).Msg("Viewer capabilities registered")

	return nil
}

// initializeServices initializes the gateway and the maintenance scheduler.
func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	server, err := gateway.NewServer(gateway.Config{
		Port:           d.config.Gateway.Port,
		SharedSecret:   d.config.Gateway.SharedSecret,
		Notifier:       d.events,
		Runner:         &trackedRunner{Runner: d.agentRunner, tracker: d.tracker},
		Turns:          d.turns,
		OutboundBuffer: d.config.Gateway.OutboundBuffer,
		Logger:         zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	d.scheduler = cron.New()
	if schedule := d.config.Session.CleanupSchedule; schedule != "" {
		if _, err := d.scheduler.AddFunc(schedule, d.runMaintenance); err != nil {
			return fmt.Errorf("failed to schedule maintenance: %w", err)
		}
	}

	return nil
}

// newPipeline builds a repair pipeline against the bridge, recording every
// attempt under the session and turn currently in flight.
func (d *Daemon) newPipeline(onAttempt func(pipeline.Attempt)) (*pipeline.Pipeline, error) {
	d.configMu.RLock()
	maxAttempts := d.config.Pipeline.MaxAttempts
	attemptTimeout := time.Duration(d.config.Pipeline.AttemptTimeoutSeconds) * time.Second
	d.configMu.RUnlock()

	sessionKey, turn := d.tracker.current()
	record := d.historyStore.Recorder(sessionKey, turn)

	return pipeline.New(pipeline.Config{
		Executor:       d.bridge,
		MaxAttempts:    maxAttempts,
		AttemptTimeout: attemptTimeout,
		Logger:         d.logger.GetZerolog(),
		OnAttempt: func(attempt pipeline.Attempt) {
			record(attempt)
			if onAttempt != nil {
				onAttempt(attempt)
			}
		},
	})
}

// Start starts the daemon services. The viewer loop is not started here; run
// it on the main goroutine with RunViewerLoop.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	d.scheduler.Start()

	watcher, err := config.NewWatcher(d.configPathHint(), d.applyConfig, d.logger.GetZerolog())
	if err == nil {
		if werr := watcher.Start(); werr != nil {
			zl := d.logger.GetZerolog()
			zl.Warn().Err(werr).Msg("Config watcher not started")
		} else {
			d.configWatcher = watcher
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	zl := d.logger.GetZerolog()
	zl.Info().
		Int("port", d.config.Gateway.Port).
		Msg("Vizier daemon started")
	return nil
}

// RunViewerLoop runs the viewer consumer loop on the calling goroutine,
// blocking until the bridge shuts down. Call it from main so the viewer
// state lives on the main thread.
func (d *Daemon) RunViewerLoop() error {
	return d.viewerLoop.Run()
}

// Run starts the daemon, installs signal handling and blocks on the viewer
// loop until shutdown.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		zl := d.logger.GetZerolog()
		zl.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		if err := d.Stop(); err != nil {
			zl.Error().Err(err).Msg("Shutdown error")
		}
	}()

	err := d.RunViewerLoop()
	d.wg.Wait()
	return err
}

// Stop gracefully stops the daemon. Closing the bridge ends the viewer loop,
// which unblocks Run.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	zl := d.logger.GetZerolog()
	zl.Info().Msg("Stopping Vizier daemon")

	if d.configWatcher != nil {
		d.configWatcher.Stop()
	}

	if err := d.gatewayServer.Stop(); err != nil {
		zl.Warn().Err(err).Msg("Gateway shutdown error")
	}

	schedCtx := d.scheduler.Stop()
	select {
	case <-schedCtx.Done():
	case <-time.After(5 * time.Second):
		zl.Warn().Msg("Scheduler jobs still running at shutdown")
	}

	d.turns.WaitForActive(5 * time.Second)
	if err := d.turns.Close(); err != nil {
		zl.Warn().Err(err).Msg("Turn queue shutdown error")
	}

	d.cancel()
	_ = d.bridge.Close()

	if err := d.historyStore.Close(); err != nil {
		zl.Warn().Err(err).Msg("History store close error")
	}
	if err := d.sessionMgr.Close(); err != nil {
		zl.Warn().Err(err).Msg("Session manager close error")
	}

	if err := d.lifecycle.Stop(); err != nil {
		zl.Warn().Err(err).Msg("Lifecycle shutdown error")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
		d.tracingEnabled = false
	}

	zl.Info().Msg("Vizier daemon stopped")
	return nil
}

// runMaintenance removes stale transcripts and prunes old attempt history.
func (d *Daemon) runMaintenance() {
	zl := d.logger.GetZerolog()

	d.configMu.RLock()
	staleAfter := time.Duration(d.config.Session.StaleAfterDays) * 24 * time.Hour
	retention := time.Duration(d.config.History.RetentionDays) * 24 * time.Hour
	d.configMu.RUnlock()

	if staleAfter > 0 {
		removed, err := d.sessionMgr.CleanupStale(staleAfter)
		if err != nil {
			zl.Warn().Err(err).Msg("Transcript cleanup failed")
		} else if removed > 0 {
			zl.Info().Int("removed", removed).Msg("Stale transcripts removed")
		}
	}

	if retention > 0 {
		ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
		defer cancel()
		pruned, err := d.historyStore.Prune(ctx, retention)
		if err != nil {
			zl.Warn().Err(err).Msg("History prune failed")
		} else if pruned > 0 {
			zl.Info().Int64("pruned", pruned).Msg("Old attempt history pruned")
		}
	}
}

// applyConfig picks up the reloadable settings from a changed config file.
func (d *Daemon) applyConfig(cfg *config.Config) {
	zl := d.logger.GetZerolog()

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	d.configMu.Lock()
	d.config.Logging.Level = cfg.Logging.Level
	d.config.Pipeline = cfg.Pipeline
	d.config.Session.StaleAfterDays = cfg.Session.StaleAfterDays
	d.config.History.RetentionDays = cfg.History.RetentionDays
	d.configMu.Unlock()

	zl.Info().
		Str("log_level", cfg.Logging.Level).
		Int("max_attempts", cfg.Pipeline.MaxAttempts).
		Msg("Reloadable settings applied")
}

// configPathHint returns the path the watcher should observe.
func (d *Daemon) configPathHint() string {
	return config.NewLoader("").GetConfigPath()
}

// teardownPartial releases what New managed to build before failing.
func (d *Daemon) teardownPartial() {
	d.cancel()
	if d.bridge != nil {
		_ = d.bridge.Close()
	}
	if d.turns != nil {
		_ = d.turns.Close()
	}
	if d.historyStore != nil {
		_ = d.historyStore.Close()
	}
	if d.sessionMgr != nil {
		_ = d.sessionMgr.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// Status describes the daemon's runtime state.
type Status struct {
	Running  bool          `json:"running"`
	PID      int           `json:"pid"`
	Uptime   time.Duration `json:"uptime"`
	Port     int           `json:"port"`
	Sessions int           `json:"sessions"`
	Queued   int           `json:"queued_requests"`
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
		Port:    d.config.Gateway.Port,
		Queued:  d.bridge.Depth(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.Sessions = len(d.gatewayServer.Sessions())
	}
	return status
}
