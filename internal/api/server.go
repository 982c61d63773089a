// Package api exposes the engine's control surface described in
// SPEC_FULL.md §6 (Inbound/Outbound commands) as a small loopback-only
// HTTP+SSE API, operationalizing "the GUI layer" boundary without a
// literal widget tree — the widget tree itself is out of scope.
//
// Grounded in the teacher's internal/api/server.go ControlServer: the
// same chi.Mux plus middleware.Logger/middleware.Recoverer/custom
// securityMiddleware/concurrencyLimitMiddleware chain, the same
// loopback-enforced net.Listen in Start, and the same bearer-token
// header check pattern (renamed from the teacher's X-Tachyon-Token to
// X-Ehcore-Token and sourced from config.ConfigManager.GetControlAPIToken
// instead of an AI-interface-specific token).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ehcore/internal/analytics"
	"ehcore/internal/config"
	"ehcore/internal/events"
	"ehcore/internal/gallery"
	"ehcore/internal/network"
	"ehcore/internal/orchestrator"
	"ehcore/internal/storage"
)

// maxConcurrentRequests bounds simultaneous in-flight control requests,
// the same fixed-ceiling shape as the teacher's concurrencyLimitMiddleware
// but without an AI-specific knob to read it from.
const maxConcurrentRequests = 8

// Server is the loopback HTTP control surface for one engine instance.
type Server struct {
	orch    *orchestrator.Orchestrator
	cfg     *config.ConfigManager
	stats   *analytics.StatsManager
	store   *storage.Storage
	bus     *events.Bus
	backups string // directory backup bundles are written to/read from

	router     *chi.Mux
	httpServer *http.Server
	activeReqs int64
}

// NewServer wires the control API's routes. backupDir is the directory
// backup bundles (SPEC_FULL.md §6) are written to and read from.
func NewServer(orch *orchestrator.Orchestrator, cfg *config.ConfigManager, stats *analytics.StatsManager, store *storage.Storage, bus *events.Bus, backupDir string) *Server {
	s := &Server{
		orch:    orch,
		cfg:     cfg,
		stats:   stats,
		store:   store,
		bus:     bus,
		backups: backupDir,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Start binds the loopback listener and serves until Shutdown is called.
// Like the teacher's ControlServer.Start, it enforces loopback at the
// listener itself as well as in securityMiddleware.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control API failed to bind %s: %w", addr, err)
	}
	s.httpServer = &http.Server{Handler: s.router}
	go s.httpServer.Serve(ln)
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/sequence/start", s.handleStart)
	s.router.Post("/v1/sequence/pause", s.handlePause)
	s.router.Post("/v1/sequence/resume", s.handleResume)
	s.router.Post("/v1/sequence/stop", s.handleStop)
	s.router.Post("/v1/sequence/skip", s.handleSkip)
	s.router.Post("/v1/sequence/restart", s.handleRestart)
	s.router.Post("/v1/sequence/clear", s.handleClear)

	s.router.Post("/v1/queue", s.handleEnqueue)
	s.router.Post("/v1/restore", s.handleRestore)
	s.router.Post("/v1/backup", s.handleBackup)
	s.router.Get("/v1/events", s.handleEvents)
	s.router.Get("/v1/analytics/errors", s.handleErrorSummary)
	s.router.Get("/v1/analytics", s.handleAnalytics)
	s.router.Post("/v1/diagnostics/speedtest", s.handleSpeedTest)
	s.router.Get("/v1/status", s.handleStatus)
}

// securityMiddleware enforces loopback origin and bearer-token auth, the
// same two-gate chain as the teacher's version with the AI-feature-flag
// gate dropped (this API has no runtime disable switch).
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" && host != "" {
			http.Error(w, "forbidden: loopback only", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Ehcore-Token")
		if token == "" {
			if authz := r.Header.Get("Authorization"); len(authz) > 7 && authz[:7] == "Bearer " {
				token = authz[7:]
			}
		}
		if token != s.cfg.GetControlAPIToken() {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/events" {
			// SSE holds its connection open for the stream's lifetime; it
			// must not count against the request-concurrency ceiling.
			next.ServeHTTP(w, r)
			return
		}
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)
		if current > maxConcurrentRequests {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// The seven start/pause/resume/stop/skip/restart/clear handlers below all
// return 202 Accepted: SPEC_FULL.md §6 names these as non-blocking
// commands, matching the original's fire-and-forget inbound queue.

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.orch.StartSequence(context.Background())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.orch.Pause()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.orch.Resume()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	go s.orch.Stop()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	go s.orch.SkipCurrent()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	go s.orch.RestartCurrent()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	go s.orch.ClearAll()
	w.WriteHeader(http.StatusAccepted)
}

// EnqueueRequest is the POST /v1/queue body.
type EnqueueRequest struct {
	URL          string `json:"url"`
	BaseDir      string `json:"base_dir"`
	SaveFolder   string `json:"save_folder"`
	Priority     int    `json:"priority"`
	RangeEnabled bool   `json:"range_enabled"`
	RangeStart   int    `json:"range_start"`
	RangeEnd     int    `json:"range_end"`
	FolderPolicy string `json:"folder_policy"`
	FilePolicy   string `json:"file_policy"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.Priority == 0 {
		req.Priority = 1
	}
	folderPolicy := gallery.DuplicatePolicy(req.FolderPolicy)
	if folderPolicy == "" {
		folderPolicy = gallery.DuplicateRename
	}
	filePolicy := gallery.DuplicatePolicy(req.FilePolicy)
	if filePolicy == "" {
		filePolicy = gallery.DuplicateSkip
	}

	task := gallery.GalleryTask{
		URL:          req.URL,
		BaseDir:      req.BaseDir,
		SaveFolder:   req.SaveFolder,
		RangeEnabled: req.RangeEnabled,
		RangeStart:   req.RangeStart,
		RangeEnd:     req.RangeEnd,
		FolderPolicy: folderPolicy,
		FilePolicy:   filePolicy,
	}
	s.orch.Queue.Push(task, req.Priority)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"url": req.URL})
}

// handleBackup writes a timestamped backup bundle (settings.json +
// resume_points.json) to s.backups, per SPEC_FULL.md §6's filesystem
// layout for backup_YYYYMMDD_HHMMSS directories.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	dir := filepath.Join(s.backups, "backup_"+time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	settings, err := s.cfg.ExportSettings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.orch.Processor.Resume.BackupTo(filepath.Join(dir, "resume_points.json")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"backup_dir": dir})
}

// RestoreRequest is the POST /v1/restore body: the backup directory
// produced by an earlier POST /v1/backup.
type RestoreRequest struct {
	BackupDir string `json:"backup_dir"`
}

// handleRestore implements restore_from_backup: it atomically replaces
// both the live resume store and the config settings from the named
// backup bundle, per SPEC_FULL.md §6.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.BackupDir == "" {
		http.Error(w, "backup_dir is required", http.StatusBadRequest)
		return
	}

	settingsPath := filepath.Join(req.BackupDir, "settings.json")
	if data, err := os.ReadFile(settingsPath); err == nil {
		var settings map[string]string
		if err := json.Unmarshal(data, &settings); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.ImportSettings(settings); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	resumePath := filepath.Join(req.BackupDir, "resume_points.json")
	if _, err := os.Stat(resumePath); err == nil {
		if err := s.orch.Processor.Resume.RestoreFrom(resumePath); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// handleEvents streams every bus event as an SSE feed, the operational
// stand-in for the GUI's direct event-bus subscription (SPEC_FULL.md
// §4.7/§6): one subscriber per connection, torn down on disconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan events.Event, 64)
	kinds := []events.Kind{
		events.KindDownloadStarted, events.KindDownloadProgress, events.KindDownloadCompleted,
		events.KindDownloadError, events.KindDownloadPaused, events.KindDownloadResumed,
		events.KindUrlStarted, events.KindUrlCompleted, events.KindUrlSkipped,
		events.KindProgressBarCreated, events.KindProgressBarUpdated, events.KindProgressBarRemoved,
		events.KindGuiUpdateRequired, events.KindStatusChanged, events.KindCircuitOpened,
		events.KindManualInterventionRequired,
	}
	var unsubs []func()
	for _, k := range kinds {
		k := k
		unsubs = append(unsubs, s.bus.Subscribe(k, func(ev events.Event) {
			select {
			case ch <- ev:
			default:
			}
		}))
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleErrorSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.stats.GetErrorSummary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(summary)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.stats.GetAnalytics())
}

// handleSpeedTest runs a one-off network probe and persists it to the
// analytics store, per SPEC_FULL.md §2.2's diagnostics endpoint.
func (s *Server) handleSpeedTest(w http.ResponseWriter, r *http.Request) {
	result, err := network.RunSpeedTest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	rec := storage.SpeedTestHistory{
		DownloadSpeed:  result.DownloadSpeed,
		UploadSpeed:    result.UploadSpeed,
		Ping:           result.Ping,
		Jitter:         result.Jitter,
		ISP:            result.ISP,
		ServerName:     result.ServerName,
		ServerLocation: result.ServerLocation,
		Timestamp:      result.Timestamp,
	}
	if err := s.store.RecordSpeedTest(rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"queue_len": s.orch.Queue.Len(),
	})
}
