package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/adlens/adlens/models"
	"github.com/go-chi/chi/v5"
)

// Server handles HTTP requests and coordinates validation, compilation
// and the sync pipeline.
type Server struct {
	log       *slog.Logger
	reg       *models.Registry
	validator *models.SemanticValidator
	compiler  *Compiler
	limiter   *SlidingWindowLimiter
	store     models.AppStore
	chConn    driver.Conn
	syncer    *Syncer
}

func NewServer(log *slog.Logger, reg *models.Registry, validator *models.SemanticValidator, compiler *Compiler, limiter *SlidingWindowLimiter, store models.AppStore, chConn driver.Conn, syncer *Syncer) *Server {
	return &Server{
		log:       log,
		reg:       reg,
		validator: validator,
		compiler:  compiler,
		limiter:   limiter,
		store:     store,
		chConn:    chConn,
		syncer:    syncer,
	}
}

// QueryRequest is the submission envelope for a semantic query.
type QueryRequest struct {
	WorkspaceID string               `json:"workspaceId"`
	Query       models.SemanticQuery `json:"query"`
}

// QueryResponse carries the validation outcome and, when valid, the
// compiled result.
type QueryResponse struct {
	Validation models.ValidationResult   `json:"validation"`
	Result     *models.CompilationResult `json:"result,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.WorkspaceID == "" {
		http.Error(w, "workspaceId is required", http.StatusBadRequest)
		return
	}
	if _, ok := s.store.GetWorkspace(req.WorkspaceID); !ok {
		http.Error(w, "unknown workspace", http.StatusNotFound)
		return
	}
	if !s.limiter.Allow(req.WorkspaceID, queryProvider(req.Query)) {
		http.Error(w, "rate limit exceeded, slow down", http.StatusTooManyRequests)
		return
	}

	validation := s.validator.Validate(req.Query)
	if !validation.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, QueryResponse{Validation: validation})
		return
	}

	result, err := s.compiler.Compile(r.Context(), req.WorkspaceID, req.Query)
	if err != nil {
		var ce *models.CompileError
		if errors.As(err, &ce) {
			s.log.Error("compilation failed",
				slog.String("workspace", req.WorkspaceID),
				slog.String("layer", string(ce.Layer)),
				slog.String("stage", ce.Stage),
				slog.Any("error", ce.Err))
			// Only the user-safe message leaves the process.
			http.Error(w, ce.UserMessage, http.StatusBadGateway)
			return
		}
		s.log.Error("compilation failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, QueryResponse{Validation: validation, Result: result})
}

// queryProvider extracts the provider a query targets for rate-limit
// keying; queries without a provider filter share one bucket.
func queryProvider(q models.SemanticQuery) models.Provider {
	for _, f := range q.Filters {
		if f.Dimension == models.DimensionProvider && f.Operator == models.OpEq {
			return models.Provider(f.Value)
		}
	}
	return "all"
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Metrics())
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	ws, err := s.store.CreateWorkspace(req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var conn models.Connection
	if err := json.NewDecoder(r.Body).Decode(&conn); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if conn.WorkspaceID == "" || conn.Provider == "" {
		http.Error(w, "workspaceId and provider are required", http.StatusBadRequest)
		return
	}
	if _, ok := s.store.GetWorkspace(conn.WorkspaceID); !ok {
		http.Error(w, "unknown workspace", http.StatusNotFound)
		return
	}
	if conn.AccountTimezone == "" {
		conn.AccountTimezone = "UTC"
	}
	if conn.SyncFrequency == "" {
		conn.SyncFrequency = "realtime"
	}
	created, err := s.store.CreateConnection(conn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleListEntities serves the entity catalog the sync pipeline
// reconciles for a connection.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "id")
	if _, ok := s.store.GetConnection(connID); !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	entities, err := s.store.Entities(connID)
	if err != nil {
		s.log.Error("failed to list entities", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entities == nil {
		entities = []models.Entity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	mode := models.SyncMode(r.URL.Query().Get("mode"))
	switch mode {
	case "":
		mode = models.SyncRealtime
	case models.SyncRealtime, models.SyncBackfill, models.SyncAttribution:
	default:
		http.Error(w, "unknown sync mode", http.StatusBadRequest)
		return
	}
	if err := s.syncer.RunPass(r.Context(), mode); err != nil {
		s.log.Error("sync pass failed", slog.Any("error", err))
		http.Error(w, "sync pass failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(mode)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	err := s.chConn.Ping(ctx)
	response := map[string]any{
		"connected": err == nil,
		"timestamp": time.Now().Unix(),
	}
	if err != nil {
		response["error"] = err.Error()
		s.log.Warn("clickhouse ping failed", slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
