// Package api serves the REST control surface of the orchestrator loop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/orchestrator"
	"github.com/joescharf/overseer/internal/pubsub"
	"github.com/joescharf/overseer/internal/store"
)

// Loop is the control surface of a scheduler.
type Loop interface {
	Start(ctx context.Context, projectRef string) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	ManualTick(ctx context.Context) (*orchestrator.TickContext, error)
	UpdateConfig(ctx context.Context, patch models.ConfigPatch) (models.OrchestratorConfig, error)
	Status() orchestrator.Status
}

// Server provides the REST API handlers.
type Server struct {
	store  store.Store
	loop   Loop
	events *pubsub.Broker[orchestrator.Event]
	logger *slog.Logger
}

// NewServer creates a new API server. events may be nil, which disables the
// event stream.
func NewServer(s store.Store, loop Loop, events *pubsub.Broker[orchestrator.Event]) *Server {
	return &Server{store: s, loop: loop, events: events, logger: slog.Default()}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/projects", s.listProjects)
	mux.HandleFunc("POST /api/v1/projects", s.createProject)
	mux.HandleFunc("GET /api/v1/projects/{id}", s.getProject)

	mux.HandleFunc("GET /api/v1/loop", s.loopStatus)
	mux.HandleFunc("POST /api/v1/loop/start", s.loopStart)
	mux.HandleFunc("POST /api/v1/loop/stop", s.loopStop)
	mux.HandleFunc("POST /api/v1/loop/pause", s.loopPause)
	mux.HandleFunc("POST /api/v1/loop/resume", s.loopResume)
	mux.HandleFunc("POST /api/v1/loop/tick", s.loopTick)
	mux.HandleFunc("PATCH /api/v1/loop/config", s.loopConfig)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("DELETE /api/v1/sessions/cleanup", s.cleanupSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)

	mux.HandleFunc("GET /api/v1/activity", s.listActivity)
	mux.HandleFunc("GET /api/v1/chat", s.listChat)
	mux.HandleFunc("POST /api/v1/chat", s.postChat)

	mux.HandleFunc("GET /api/v1/events", s.streamEvents)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLoopError maps control errors to HTTP statuses.
func writeLoopError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, orchestrator.ErrDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// projectID returns the project a request targets: the project_id query
// parameter, else the loop's project.
func (s *Server) projectID(r *http.Request) string {
	if id := r.URL.Query().Get("project_id"); id != "" {
		return id
	}
	return s.loop.Status().ProjectID
}

func queryLimit(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

// --- Projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if p.Name == "" || p.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}
	if err := s.store.CreateProject(r.Context(), &p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- Loop ---

func (s *Server) loopStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Status())
}

type startRequest struct {
	ProjectID string `json:"projectId"`
}

func (s *Server) loopStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if err := s.loop.Start(r.Context(), req.ProjectID); err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) loopStop(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.Stop(r.Context()); err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) loopPause(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.Pause(); err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) loopResume(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.Resume(); err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) loopTick(w http.ResponseWriter, r *http.Request) {
	tc, err := s.loop.ManualTick(r.Context())
	if err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) loopConfig(w http.ResponseWriter, r *http.Request) {
	var patch models.ConfigPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config patch: "+err.Error())
		return
	}
	if patch.Provider != nil && *patch.Provider != models.ProviderHosted && *patch.Provider != models.ProviderLocal {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", *patch.Provider))
		return
	}
	cfg, err := s.loop.UpdateConfig(r.Context(), patch)
	if err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Sessions ---

type sessionResponse struct {
	*models.AgentSession
	ProjectName string `json:"ProjectName,omitempty"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		WorkerID:  r.URL.Query().Get("worker_id"),
		Limit:     queryLimit(r, 50),
	}
	if statusFilter := r.URL.Query().Get("status"); statusFilter != "" {
		for _, st := range strings.Split(statusFilter, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.Statuses = append(filter.Statuses, models.SessionStatus(st))
			}
		}
	}

	sessions, err := s.store.ListAgentSessions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	nameCache := make(map[string]string)
	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		name, ok := nameCache[sess.ProjectID]
		if !ok {
			if p, err := s.store.GetProject(r.Context(), sess.ProjectID); err == nil {
				name = p.Name
			}
			nameCache[sess.ProjectID] = name
		}
		result = append(result, sessionResponse{AgentSession: sess, ProjectName: name})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetAgentSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLoopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	retention := 30 * 24 * time.Hour
	if v := r.URL.Query().Get("retention"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid retention: "+v)
			return
		}
		retention = d
	}
	count, err := s.store.PurgeTerminatedSessions(r.Context(), time.Now().Add(-retention))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": count})
}

// --- Activity & chat ---

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	projectID := s.projectID(r)
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	acts, err := s.store.ListActivity(r.Context(), projectID, queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

func (s *Server) listChat(w http.ResponseWriter, r *http.Request) {
	projectID := s.projectID(r)
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	msgs, err := s.store.ListChatMessages(r.Context(), projectID, queryLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type chatRequest struct {
	ProjectID string `json:"projectId"`
	Message   string `json:"message"`
}

func (s *Server) postChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = s.loop.Status().ProjectID
	}
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	msg := &models.ChatMessage{ProjectID: projectID, Role: models.ChatRoleUser, Content: req.Message}
	if err := s.store.AppendChatMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// --- Events ---

type eventMessage struct {
	Type      pubsub.EventType   `json:"type"`
	Payload   orchestrator.Event `json:"payload"`
	Timestamp time.Time          `json:"timestamp"`
}

// streamEvents writes loop events as server-sent events until the client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := s.events.Subscribe(r.Context())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range ch {
		data, err := json.Marshal(eventMessage{Type: ev.Type, Payload: ev.Payload, Timestamp: ev.Timestamp})
		if err != nil {
			s.logger.Warn("encode event", "type", ev.Type, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}
