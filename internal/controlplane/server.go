package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/taskpilot/internal/deps"
	"github.com/fentz26/taskpilot/internal/models"
)

// Server provides the HTTP API for taskpilot.
type Server struct {
	service *Service
	addr    string
	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		addr:    addr,
		logger:  logger.With("component", "http"),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	// Scheduler & agents
	s.mux.HandleFunc("/scheduler/status", s.handleSchedulerStatus)
	s.mux.HandleFunc("/scheduler/run/", s.handleRunAgent)
	s.mux.HandleFunc("/agents", s.handleAgents)

	// Audit
	s.mux.HandleFunc("/audit", s.handleAudit)
	s.mux.HandleFunc("/audit/summary", s.handleAuditSummary)

	// Tasks
	s.mux.HandleFunc("/tasks", s.handleTasks)
	s.mux.HandleFunc("/tasks/", s.handleTaskByID)
	s.mux.HandleFunc("/bottlenecks", s.handleBottlenecks)

	// Users & notifications
	s.mux.HandleFunc("/users", s.handleUsers)
	s.mux.HandleFunc("/notifications", s.handleNotifications)
	s.mux.HandleFunc("/notifications/broadcast", s.handleBroadcast)
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("starting taskpilot API", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrUnknownAgent):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(ErrInvalidInput, errors.New("invalid json"))
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Join(ErrInvalidInput, errors.New(key+" must be a non-negative integer"))
	}
	return n, nil
}

// --- Health & Scheduler ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SchedulerStatus())
}

type runAgentResponse struct {
	Message    string `json:"message"`
	Agent      string `json:"agent"`
	Processed  int    `json:"processed"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// handleRunAgent handles POST /scheduler/run/{name}
func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/scheduler/run/"), "/")
	if name == "" {
		http.Error(w, "agent name required", http.StatusBadRequest)
		return
	}

	res, err := s.service.RunAgent(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := runAgentResponse{
		Message:    "Agent " + name + " triggered successfully",
		Agent:      res.Agent,
		Processed:  res.Processed,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health, err := s.service.AgentHealth(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if health == nil {
		health = []models.AgentHealth{}
	}
	writeJSON(w, http.StatusOK, health)
}

// --- Audit ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.service.AuditLog(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	days, err := queryInt(r, "days", 7)
	if err != nil {
		s.writeError(w, err)
		return
	}
	summary, err := s.service.AuditSummary(r.Context(), days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Tasks ---

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id}/* plus the high-risk and overdue views.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case taskID == "high-risk" && action == "" && r.Method == http.MethodGet:
		s.taskView(w, r, s.service.HighRiskTasks)
	case taskID == "overdue" && action == "" && r.Method == http.MethodGet:
		s.taskView(w, r, s.service.OverdueTasks)
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "analysis" && r.Method == http.MethodGet:
		s.analyzeTask(w, r, taskID)
	case action == "dependencies" && r.Method == http.MethodPost:
		s.addDependency(w, r, taskID)
	case action == "status" && r.Method == http.MethodPost:
		s.updateStatus(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskInput
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	task, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) taskView(w http.ResponseWriter, r *http.Request, view func(context.Context) ([]models.Task, error)) {
	tasks, err := view(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.service.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) analyzeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	analysis, err := s.service.AnalyzeTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

type addDependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

func (s *Server) addDependency(w http.ResponseWriter, r *http.Request, taskID string) {
	var req addDependencyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.service.AddDependency(r.Context(), taskID, req.DependsOn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type statusRequest struct {
	Status     models.TaskStatus `json:"status"`
	ActorEmail string            `json:"actor_email"`
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.service.UpdateStatus(r.Context(), taskID, req.Status, req.ActorEmail)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bottlenecks, err := s.service.Bottlenecks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bottlenecks == nil {
		bottlenecks = []deps.Bottleneck{}
	}
	writeJSON(w, http.StatusOK, bottlenecks)
}

// --- Users & Notifications ---

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req CreateUserInput
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		u, err := s.service.CreateUser(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, u)
	case http.MethodGet:
		users, err := s.service.ListUsers(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if users == nil {
			users = []models.User{}
		}
		writeJSON(w, http.StatusOK, users)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleNotifications handles GET /notifications?email=&limit=
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	email := r.URL.Query().Get("email")
	if email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.service.Notifications(r.Context(), email, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req BroadcastInput
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	count, err := s.service.Broadcast(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	target := strconv.Itoa(count) + " users"
	if req.RecipientEmail != "" {
		target = "user " + req.RecipientEmail
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Message sent to " + target, "count": count})
}
