package server

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/models"
)

// handleShutdown handles POST /shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

// registerRoutes sets up all REST API routes on the mux (spec.md §6 HTTP
// control plane, a thin adapter over the transfer services).
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	mux.HandleFunc("/debug/memstats", s.handleMemstats)

	// Jobs
	mux.HandleFunc("/jobs", s.routeJobsRoot)
	mux.HandleFunc("/jobs/", s.routeJobs)

	// Worker lifecycle
	mux.HandleFunc("/worker/status", s.handleWorkerStatus)
	mux.HandleFunc("/worker/pause", s.handleWorkerPause)
	mux.HandleFunc("/worker/resume", s.handleWorkerResume)
	mux.HandleFunc("/worker/stop", s.handleWorkerStop)

	// Settings
	mux.HandleFunc("/settings/transfer", s.handleSettings)
	mux.HandleFunc("/settings/transfer/preview", s.handleSettingsPreview)

	// Credentials (supplemented operator surface, spec.md §4.6 / SPEC_FULL.md)
	mux.HandleFunc("/accounts/", s.handleAccountUpsert)
}

// routeJobsRoot dispatches /jobs: POST creates a job, GET lists jobs.
func (s *Server) routeJobsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// routeJobs dispatches /jobs/{id}, /jobs/{id}/start, /jobs/{id}/cancel,
// and /jobs/{id}/rerun-metadata.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		WriteError(w, http.StatusNotFound, "job id is required")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetJob(w, r, id)
		case http.MethodDelete:
			s.handleDeleteJob(w, r, id)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	switch parts[1] {
	case "start":
		s.handleStartJob(w, r, id)
	case "cancel":
		s.handleCancelJob(w, r, id)
	case "rerun-metadata":
		s.handleRerunMetadata(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// --- Job handlers ---

type createJobRequest struct {
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	SportTypes []int  `json:"sport_types,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid start_date, expected YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid end_date, expected YYYY-MM-DD")
		return
	}

	id, err := s.app.Orchestrator.CreateJob(r.Context(), start, end, req.SportTypes)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	jobs, err := s.app.Store.ListJobs(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.app.Store.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}

	status := r.URL.Query().Get("status")
	itemsLimit := 0
	if l := r.URL.Query().Get("items_limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			itemsLimit = v
		}
	}
	items, err := s.app.Store.ListItems(r.Context(), id, status, itemsLimit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job":   job,
		"items": items,
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.app.Worker.ProcessJob(r.Context(), id); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.app.Worker.Start()
	WriteJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.app.Orchestrator.CancelJob(r.Context(), id); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.app.Orchestrator.DeleteJob(r.Context(), id); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRerunMetadata(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	err := s.app.Orchestrator.RerunMetadata(r.Context(), id, s.app.Renderer, s.app.Factory, s.app.Secrets, s.app.Config.Clients.Sink.Platform)
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "rerun-metadata complete"})
}

// --- Worker handlers ---

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, s.app.Worker.StatusSnapshot())
}

func (s *Server) handleWorkerPause(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.app.Worker.Pause()
	WriteJSON(w, http.StatusOK, s.app.Worker.StatusSnapshot())
}

func (s *Server) handleWorkerResume(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.app.Worker.Resume()
	WriteJSON(w, http.StatusOK, s.app.Worker.StatusSnapshot())
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ok := s.app.Worker.Stop(true, 30*time.Second)
	WriteJSON(w, http.StatusOK, map[string]interface{}{"drained": ok})
}

// --- Settings handlers ---

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.app.Settings.Get(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var partial models.Settings
		if !DecodeJSON(w, r, &partial) {
			return
		}
		saved, fieldErrs, err := s.app.Settings.Save(r.Context(), partial)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(fieldErrs) > 0 {
			WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "validation_error",
				"fields": fieldErrs,
			})
			return
		}
		WriteJSON(w, http.StatusOK, saved)
	default:
		w.Header().Set("Allow", "GET, PUT")
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

type previewRequest struct {
	Activity models.Activity  `json:"activity"`
	Settings *models.Settings `json:"settings,omitempty"`
}

func (s *Server) handleSettingsPreview(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req previewRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	result, err := s.app.Settings.Preview(r.Context(), req.Activity, req.Settings)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// --- Credential handler ---

type accountUpsertRequest struct {
	Role     string `json:"role"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleAccountUpsert implements PUT /accounts/{platform} for operator-driven
// credential provisioning (spec.md §4.6 credentials are opaque to everything
// but SecretStore; this endpoint is the only way to populate them).
func (s *Server) handleAccountUpsert(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}
	platform := PathParam(r, "/accounts/", "")
	if platform == "" {
		WriteError(w, http.StatusBadRequest, "platform is required in path")
		return
	}
	var req accountUpsertRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Role != "source" && req.Role != "sink" {
		WriteError(w, http.StatusBadRequest, "role must be 'source' or 'sink'")
		return
	}
	if err := s.app.SetAccount(r.Context(), platform, req.Role, req.Email, req.Password); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"environment":      s.app.Config.Environment,
		"source_platform":  s.app.Config.Clients.Source.Platform,
		"sink_platform":    s.app.Config.Clients.Sink.Platform,
		"db_path":          s.app.Config.Storage.DBPath,
		"cache_path":       s.app.Config.Storage.CachePath,
		"logging_level":    s.app.Config.Logging.Level,
		"worker":           s.app.Worker.StatusSnapshot(),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	correlationID := r.URL.Query().Get("correlation_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	uptime := time.Since(s.app.StartupTime).Round(time.Second)

	resp := map[string]interface{}{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"commit":     common.GetGitCommit(),
		"uptime":     uptime.String(),
		"started_at": s.app.StartupTime,
		"worker":     s.app.Worker.StatusSnapshot(),
	}

	if correlationID != "" {
		logs, err := s.app.Logger.GetMemoryLogsForCorrelation(correlationID)
		if err == nil {
			resp["correlation_logs"] = logs
		}
	}

	logs, err := s.app.Logger.GetMemoryLogsWithLimit(limit)
	if err == nil {
		resp["recent_logs"] = logs
	}

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMemstats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"heap_alloc_bytes": m.HeapAlloc,
		"heap_inuse_bytes": m.HeapInuse,
		"heap_idle_bytes":  m.HeapIdle,
		"sys_bytes":        m.Sys,
		"num_gc":           m.NumGC,
		"heap_alloc_mb":    float64(m.HeapAlloc) / 1024 / 1024,
		"heap_inuse_mb":    float64(m.HeapInuse) / 1024 / 1024,
		"heap_idle_mb":     float64(m.HeapIdle) / 1024 / 1024,
		"sys_mb":           float64(m.Sys) / 1024 / 1024,
	})
}
