package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ehcore/internal/analytics"
	"ehcore/internal/api"
	"ehcore/internal/config"
	"ehcore/internal/errs"
	"ehcore/internal/events"
	"ehcore/internal/fallback"
	"ehcore/internal/gallery"
	"ehcore/internal/httpclient"
	"ehcore/internal/logger"
	"ehcore/internal/network"
	"ehcore/internal/orchestrator"
	"ehcore/internal/resume"
	"ehcore/internal/retry"
	"ehcore/internal/session"
	"ehcore/internal/state"
	"ehcore/internal/storage"

	"log/slog"
)

// engine bundles every long-lived component the CLI commands share, wired
// once per process the way main.go wires core.NewEngine/config.ConfigManager
// /api.ControlServer in the teacher.
type engine struct {
	Logger       *slog.Logger
	Storage      *storage.Storage
	Config       *config.ConfigManager
	Bus          *events.Bus
	Sessions     *session.Store
	States       *state.Store
	Resume       *resume.Store
	Stats        *analytics.StatsManager
	Queue        *orchestrator.Queue
	Processor    *gallery.Processor
	Orchestrator *orchestrator.Orchestrator
	API          *api.Server

	dataDir string
}

// newEngine opens storage, wires every component in dependency order, and
// starts the orchestrator's background bus subscriptions (it does not call
// StartSequence; that is an explicit inbound command).
func newEngine(dataDir string) (*engine, error) {
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving default data dir: %w", err)
		}
		dataDir = filepath.Join(base, "ehcore")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	log, uiSink, err := logger.New(os.Stdout, filepath.Join(dataDir, "logs"))
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	store, err := storage.Open(filepath.Join(dataDir, "engine.db"))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	cfg := config.NewConfigManager(store)
	bus := events.New(log)
	uiSink.SetBus(bus)

	resumeStore, err := resume.Open(filepath.Join(dataDir, "unified_resume_data.json"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening resume store: %w", err)
	}

	sessions := session.NewStore()
	states := state.NewStore()
	downloadPathFn := func() (string, error) { return dataDir, nil }
	stats := analytics.NewStatsManager(store, downloadPathFn)

	policy := errs.NewPolicy()
	breaker := retry.NewCircuitBreaker()
	userAgent := cfg.GetUserAgent()
	if userAgent == "" {
		userAgent = "ehcore/1.0"
	}
	timeout := cfg.GetHTTPTimeout()

	fallbackClient := httpclient.New(userAgent, timeout)
	fallbackExec := fallback.New(fallbackClient, fallback.Options{})

	congestion := network.NewCongestionController(1, 8)

	metadataExec := retry.NewExecutor(policy, breaker, log, errs.StageMetadata)
	imagePageExec := retry.NewExecutor(policy, breaker, log, errs.StageImagePage)
	imageFetchExec := retry.NewExecutor(policy, breaker, log, errs.StageImageFetch)
	metadataExec.Bus = bus
	imagePageExec.Bus = bus
	imageFetchExec.Bus = bus

	proc := &gallery.Processor{
		NewClient: func() *httpclient.Client { return httpclient.New(userAgent, timeout) },
		Metadata:  gallery.HTMLMetadataFetcher{},
		Naming:    gallery.DefaultNamingProvider{},
		Saver:     gallery.NewSaver(),
		Fallback:  fallbackExec,

		Sessions: sessions,
		States:   states,
		Resume:   resumeStore,
		Bus:      bus,
		Policy:   policy,
		Logger:   log,

		MetadataExecutor:   metadataExec,
		ImagePageExecutor:  imagePageExec,
		ImageFetchExecutor: imageFetchExec,

		Stats:      stats,
		Congestion: congestion,
	}

	queue := orchestrator.NewQueue()
	orch := orchestrator.NewOrchestrator(queue, proc, bus, states, stats, log)

	backupDir := filepath.Join(dataDir, "backups")
	apiServer := api.NewServer(orch, cfg, stats, store, bus, backupDir)

	return &engine{
		Logger:       log,
		Storage:      store,
		Config:       cfg,
		Bus:          bus,
		Sessions:     sessions,
		States:       states,
		Resume:       resumeStore,
		Stats:        stats,
		Queue:        queue,
		Processor:    proc,
		Orchestrator: orch,
		API:          apiServer,
		dataDir:      dataDir,
	}, nil
}

// Close releases every component with teardown to do, in reverse wiring
// order.
func (e *engine) Close() {
	e.Orchestrator.Close()
	e.Resume.Close()
	e.Storage.Close()
}

// controlToken prints the bearer token a freshly started control API
// requires, the same "tell the operator the generated secret" step the
// teacher's engine/server.go performs on first run.
func controlToken(e *engine, out io.Writer) {
	fmt.Fprintf(out, "control API token: %s\n", e.Config.GetControlAPIToken())
}

// resolvePort picks the port the CLI flag, config, or default supplies, in
// that priority order.
func resolvePort(e *engine, flagPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return e.Config.GetControlAPIPort()
}
