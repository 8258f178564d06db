package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/rescueplan/config"
	"github.com/liamcoop/rescueplan/incidents"
	"github.com/liamcoop/rescueplan/internal/logger"
	"github.com/liamcoop/rescueplan/inventory"
	"github.com/liamcoop/rescueplan/pipeline"
	"github.com/liamcoop/rescueplan/runstore"
)

type Server struct {
	db        *sql.DB
	knowledge *config.CachedProvider
	inventory inventory.Repository
	orch      *pipeline.Orchestrator
	incidents *incidents.Manager
	runs      *runstore.Store
	commit    bool
	timeout   time.Duration
	router    *chi.Mux
}

// NewServer wires the knowledge source, inventory, run store and pipeline
// described by settings.
func NewServer(ctx context.Context, settings config.Settings) (*Server, error) {
	var db *sql.DB
	if settings.Knowledge.Source == config.SourcePostgres || settings.Inventory.Source == config.SourcePostgres {
		var err error
		db, err = sql.Open("postgres", settings.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	}

	var source config.Provider
	if settings.Knowledge.Source == config.SourcePostgres {
		source = config.NewPostgresProvider(db)
	} else {
		source = config.NewYAMLProvider(settings.Knowledge.Path)
	}
	knowledge := config.NewCachedProvider(source, config.CacheConfig{TTL: settings.Knowledge.CacheTTL})

	logger.Info("Loading planning knowledge", "source", settings.Knowledge.Source)
	k, err := knowledge.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge: %w", err)
	}
	if err := config.Validate(k); err != nil {
		return nil, fmt.Errorf("invalid knowledge: %w", err)
	}
	logger.Info("Loaded planning knowledge", "rules", len(k.Rules), "tasks", len(k.Tasks), "hard_rules", len(k.HardRules), "soft_rules", len(k.SoftRules))

	var inv inventory.Repository
	if settings.Inventory.Source == config.SourcePostgres {
		inv = inventory.NewPostgresRepository(db)
	} else {
		mem := inventory.NewInMemoryRepository()
		if settings.Inventory.SeedPath != "" {
			resources, err := config.LoadInventory(settings.Inventory.SeedPath)
			if err != nil {
				return nil, err
			}
			for _, r := range resources {
				if err := mem.Upsert(ctx, r); err != nil {
					return nil, fmt.Errorf("failed to seed inventory: %w", err)
				}
			}
			logger.Info("Seeded in-memory inventory", "resources", len(resources))
		}
		inv = mem
	}

	var runs *runstore.Store
	if settings.RunStore.Path != "" {
		runs, err = runstore.Open(settings.RunStore.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		if err := runs.Migrate(ctx); err != nil {
			runs.Close()
			return nil, fmt.Errorf("failed to migrate run store: %w", err)
		}
	}

	orch, err := pipeline.New(pipeline.Config{
		Matcher:   settings.Matcher,
		Optimizer: settings.Optimizer,
		Scoring:   settings.Scoring,
	}, knowledge, inv)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	s := newServer(orch, inv, runs, settings.Pipeline.Commit, settings.Server.RequestTimeout)
	s.db = db
	s.knowledge = knowledge
	return s, nil
}

func newServer(orch *pipeline.Orchestrator, inv inventory.Repository, runs *runstore.Store, commit bool, timeout time.Duration) *Server {
	var sink incidents.ResultSink
	if runs != nil {
		sink = runs
	}
	s := &Server{
		inventory: inv,
		orch:      orch,
		incidents: incidents.NewManager(orch, sink),
		runs:      runs,
		commit:    commit,
		timeout:   timeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/api/v1/health", s.handleHealth)

	// Planning
	r.Post("/api/v1/plans", s.handlePlan)
	r.Route("/api/v1/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{runId}", s.handleGetRun)
		r.Get("/{runId}/trace", s.handleGetTrace)
	})
	r.Route("/api/v1/incidents", func(r chi.Router) {
		r.Get("/", s.handleListIncidents)
		r.Get("/{incidentId}", s.handleGetIncident)
		r.Post("/{incidentId}/cancel", s.handleCancelIncident)
		r.Delete("/{incidentId}", s.handleCloseIncident)
	})

	// Knowledge
	r.Get("/api/v1/rules", s.handleListRules)
	r.Post("/api/v1/rules/evaluate", s.handleEvaluate)
	r.Post("/api/v1/knowledge/reload", s.handleReloadKnowledge)

	// Inventory
	r.Route("/api/v1/resources", func(r chi.Router) {
		r.Get("/", s.handleListResources)
		r.Get("/{resourceId}", s.handleGetResource)
		r.Put("/{resourceId}", s.handlePutResource)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown cancels in-flight runs and closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.incidents.Shutdown(ctx)
	if s.runs != nil {
		if cerr := s.runs.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "unhealthy", err)
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:          "healthy",
		ActiveIncidents: len(s.incidents.Active()),
		Counters:        logger.Counters(),
	})
}

// Plan handler. The run is bound to the request context, so a client
// disconnect or the request timeout cancels it.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Context == nil {
		respondError(w, http.StatusBadRequest, "context is required", nil)
		return
	}
	if req.IncidentID == "" {
		req.IncidentID = uuid.NewString()
	}
	commit := s.commit
	if req.Commit != nil {
		commit = *req.Commit
	}

	res, err := s.incidents.Submit(r.Context(), pipeline.Request{
		RunID:      req.RunID,
		IncidentID: req.IncidentID,
		Context:    req.Context,
		Commit:     commit,
	})
	if err != nil {
		if errors.Is(err, incidents.ErrClosed) {
			respondError(w, http.StatusServiceUnavailable, "server is shutting down", err)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to submit plan", err)
		return
	}

	respondJSON(w, planStatus(res), res)
}

// planStatus maps a run result to an HTTP status. Failed runs still carry
// the full result in the body.
func planStatus(res *pipeline.Result) int {
	if res.Completed() {
		return http.StatusOK
	}
	switch res.Reason {
	case pipeline.ReasonInvalidContext:
		return http.StatusBadRequest
	case pipeline.ReasonCanceled, pipeline.ReasonReservationConflict:
		return http.StatusConflict
	case pipeline.ReasonInfeasible, pipeline.ReasonCycleDetected:
		return http.StatusUnprocessableEntity
	case pipeline.ReasonInventoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// List runs handler
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		respondError(w, http.StatusNotFound, "run store is disabled", nil)
		return
	}

	filter := runstore.Filter{
		IncidentID: r.URL.Query().Get("incident"),
		Status:     pipeline.Status(r.URL.Query().Get("status")),
		Limit:      100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	runs, err := s.runs.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	respondJSON(w, http.StatusOK, RunsListResponse{Runs: runs})
}

// Get run handler. Falls back to the latest in-memory results when the run
// store is disabled or has not seen the run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	if s.runs != nil {
		res, err := s.runs.Get(r.Context(), runID)
		if err == nil {
			respondJSON(w, http.StatusOK, res)
			return
		}
		if !errors.Is(err, runstore.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, "failed to get run", err)
			return
		}
	}
	if res, ok := s.incidents.Result(runID); ok {
		respondJSON(w, http.StatusOK, res)
		return
	}
	respondError(w, http.StatusNotFound, "run not found", nil)
}

// Get trace handler
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	if s.runs != nil {
		trace, err := s.runs.Trace(r.Context(), runID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to get trace", err)
			return
		}
		if len(trace) > 0 {
			respondJSON(w, http.StatusOK, TraceResponse{RunID: runID, Trace: trace})
			return
		}
	}
	if res, ok := s.incidents.Result(runID); ok {
		respondJSON(w, http.StatusOK, TraceResponse{RunID: runID, Trace: res.Trace})
		return
	}
	respondError(w, http.StatusNotFound, "run not found", nil)
}

// List incidents handler
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	list := s.incidents.List()
	if r.URL.Query().Get("active") == "true" {
		list = s.incidents.Active()
	}
	if list == nil {
		list = []incidents.Status{}
	}
	respondJSON(w, http.StatusOK, IncidentsListResponse{Incidents: list})
}

// Get incident handler
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	status, err := s.incidents.Get(chi.URLParam(r, "incidentId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "incident not found", err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Cancel incident handler
func (s *Server) handleCancelIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "incidentId")

	canceled, err := s.incidents.Cancel(incidentID)
	if err != nil {
		respondError(w, http.StatusNotFound, "incident not found", err)
		return
	}
	respondJSON(w, http.StatusOK, CancelResponse{IncidentID: incidentID, Canceled: canceled})
}

// Close incident handler. Releases the incident's committed plan.
func (s *Server) handleCloseIncident(w http.ResponseWriter, r *http.Request) {
	if err := s.incidents.Close(r.Context(), chi.URLParam(r, "incidentId")); err != nil {
		if errors.Is(err, incidents.ErrNotFound) {
			respondError(w, http.StatusNotFound, "incident not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to close incident", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, err := s.orch.Engine(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: engine.Rules()})
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Context == nil {
		respondError(w, http.StatusBadRequest, "context is required", nil)
		return
	}

	engine, err := s.orch.Engine(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load rules", err)
		return
	}

	startTime := time.Now()
	results := engine.EvaluateAll(req.Context)
	evaluationTime := time.Since(startTime)

	wanted := make(map[string]bool, len(req.RuleIDs))
	for _, id := range req.RuleIDs {
		wanted[id] = true
	}
	response := EvaluateResponse{
		Results:        []EvaluationResultResponse{},
		EvaluationTime: evaluationTime.String(),
	}
	for _, res := range results {
		if len(wanted) > 0 && !wanted[res.RuleID] {
			continue
		}
		out := EvaluationResultResponse{
			RuleID:   res.RuleID,
			RuleName: res.RuleName,
			Weight:   res.Weight,
			Matched:  res.Matched,
			Reason:   res.Reason,
		}
		if res.Error != nil {
			msg := res.Error.Error()
			out.Error = &msg
		}
		response.Results = append(response.Results, out)
	}

	respondJSON(w, http.StatusOK, response)
}

// Reload knowledge handler. Drops the cached snapshot and validates the new
// one; runs already in flight keep the snapshot they started with.
func (s *Server) handleReloadKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.knowledge == nil {
		respondError(w, http.StatusNotFound, "knowledge is not cached", nil)
		return
	}
	s.knowledge.Invalidate()

	engine, err := s.orch.Engine(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to reload knowledge", err)
		return
	}
	logger.Info("Reloaded planning knowledge", "rules", len(engine.Rules()))
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "reloaded",
		"rules":  len(engine.Rules()),
	})
}

// List resources handler
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.inventory.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "failed to read inventory", err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := resources[:0]
		for _, res := range resources {
			if string(res.Status) == status {
				filtered = append(filtered, res)
			}
		}
		resources = filtered
	}
	respondJSON(w, http.StatusOK, ResourcesListResponse{Resources: resources})
}

// Get resource handler
func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.inventory.Get(r.Context(), chi.URLParam(r, "resourceId"))
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			respondError(w, http.StatusNotFound, "resource not found", err)
			return
		}
		respondError(w, http.StatusServiceUnavailable, "failed to read inventory", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Put resource handler. Creates or replaces a resource and bumps its
// version, so plans built on the old state fail their reservation. Status
// changes on reserved resources go through plan release instead.
func (s *Server) handlePutResource(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceId")

	var req ResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	resource := req.toResource(resourceID)
	if req.Status == "" {
		// An omitted status keeps the current one.
		if existing, err := s.inventory.Get(r.Context(), resourceID); err == nil {
			resource.Status = existing.Status
		}
	}
	if err := validateResource(resource); err != nil {
		respondError(w, http.StatusBadRequest, "invalid resource", err)
		return
	}

	if err := s.inventory.Upsert(r.Context(), resource); err != nil {
		if errors.Is(err, inventory.ErrReserved) {
			respondError(w, http.StatusConflict, "resource status is managed by its reservation", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to store resource", err)
		return
	}
	stored, err := s.inventory.Get(r.Context(), resourceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read stored resource", err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
	case status >= 400:
		logger.WarnHttp4xx()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	settings, err := config.LoadSettings(os.Getenv("RESCUEPLAN_CONFIG"))
	if err != nil {
		logger.Fatal("Failed to load settings", "error", err)
	}

	ctx := context.Background()
	server, err := NewServer(ctx, settings)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(settings.Server.Port),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: settings.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Server starting", "port", settings.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to drain runs", "error", err)
	}
	logger.Info("Server stopped")

	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
}
