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

	"github.com/dalejefferson/CodingIDE-sub002/internal/board"
	"github.com/dalejefferson/CodingIDE-sub002/internal/logbuf"
	"github.com/dalejefferson/CodingIDE-sub002/internal/ports"
	"github.com/dalejefferson/CodingIDE-sub002/internal/supervisor"
	"github.com/dalejefferson/CodingIDE-sub002/internal/ticket"
	"github.com/dalejefferson/CodingIDE-sub002/internal/worktree"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf.Buffer.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// EventSource hands out change notification subscriptions.
type EventSource interface {
	Subscribe(buffer int) (<-chan protocol.Event, func())
}

// BoardService is the interface the API server needs from the board.
type BoardService interface {
	List(status protocol.TicketStatus) ([]protocol.Ticket, error)
	Get(id string) (protocol.Ticket, error)
	Create(req protocol.CreateTicketRequest) (protocol.Ticket, error)
	Update(id string, patch protocol.TicketPatch) (protocol.Ticket, error)
	Delete(id string) error
	Transition(ctx context.Context, id string, to protocol.TicketStatus) (protocol.Ticket, error)
	Reorder(ctx context.Context, id string, to protocol.TicketStatus, index int) ([]protocol.Ticket, error)
	SetWorktree(ctx context.Context, id, base string) (protocol.Ticket, error)
	SetPRD(id, content string) (protocol.Ticket, error)
	GeneratePRD(ctx context.Context, id string) (protocol.Ticket, error)
	ApprovePRD(id string) (protocol.Ticket, error)
	Execute(ctx context.Context, id string) (protocol.RunStatus, error)
	RunStatus(id string) (protocol.RunStatus, error)
	Output(id string) ([]byte, error)
	Stop(ctx context.Context, id string) error
	Cleanup(ctx context.Context, id string) (protocol.Ticket, error)
	Runs(ctx context.Context, id string, limit int) ([]protocol.RunRecord, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the board REST API server.
type Server struct {
	svc    BoardService
	events EventSource
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	srv    *http.Server

	// closing is closed on shutdown; hijacked websocket connections are not
	// tracked by http.Server.Shutdown.
	closing chan struct{}
}

// NewServer creates a new API server. events and logs may be nil.
func NewServer(svc BoardService, events EventSource, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:     svc,
		events:  events,
		cfg:     cfg,
		logger:  logger.With("component", "api"),
		logs:    logs,
		closing: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/workflow", s.requireAuth(s.handleWorkflow))
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleCreateTicket))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("PATCH /api/tickets/{id}", s.requireAuth(s.handleUpdateTicket))
	mux.HandleFunc("DELETE /api/tickets/{id}", s.requireAuth(s.handleDeleteTicket))
	mux.HandleFunc("POST /api/tickets/{id}/transition", s.requireAuth(s.handleTransition))
	mux.HandleFunc("POST /api/tickets/{id}/reorder", s.requireAuth(s.handleReorder))
	mux.HandleFunc("PUT /api/tickets/{id}/prd", s.requireAuth(s.handleSetPRD))
	mux.HandleFunc("POST /api/tickets/{id}/prd/generate", s.requireAuth(s.handleGeneratePRD))
	mux.HandleFunc("POST /api/tickets/{id}/prd/approve", s.requireAuth(s.handleApprovePRD))
	mux.HandleFunc("PUT /api/tickets/{id}/worktree", s.requireAuth(s.handleSetWorktree))
	mux.HandleFunc("POST /api/tickets/{id}/run", s.requireAuth(s.handleExecute))
	mux.HandleFunc("GET /api/tickets/{id}/run", s.requireAuth(s.handleRunStatus))
	mux.HandleFunc("DELETE /api/tickets/{id}/run", s.requireAuth(s.handleStop))
	mux.HandleFunc("GET /api/tickets/{id}/run/output", s.requireAuth(s.handleOutput))
	mux.HandleFunc("POST /api/tickets/{id}/cleanup", s.requireAuth(s.handleCleanup))
	mux.HandleFunc("GET /api/tickets/{id}/runs", s.requireAuth(s.handleRuns))
	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		close(s.closing)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth checks the Bearer token. Browsers cannot set headers on a
// websocket handshake, so a token query parameter is accepted too.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token != s.cfg.Key {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workflowColumn struct {
	Status       protocol.TicketStatus   `json:"status"`
	Destinations []protocol.TicketStatus `json:"destinations"`
}

// handleWorkflow lists the columns in board order with the moves each allows.
func (s *Server) handleWorkflow(w http.ResponseWriter, _ *http.Request) {
	cols := make([]workflowColumn, 0, len(protocol.Statuses))
	for _, st := range protocol.Statuses {
		dests := ticket.Destinations(st)
		if dests == nil {
			dests = []protocol.TicketStatus{}
		}
		cols = append(cols, workflowColumn{Status: st, Destinations: dests})
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.svc.List(protocol.TicketStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateTicketRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.Create(req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	var patch protocol.TicketPatch
	if !decode(w, r, &patch) {
		return
	}
	t, err := s.svc.Update(r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	Status protocol.TicketStatus `json:"status"`
}

// transitionResponse carries the ticket even when the agent failed to
// start, because the transition itself was applied.
type transitionResponse struct {
	Ticket   protocol.Ticket `json:"ticket"`
	RunError string          `json:"runError,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.Transition(r.Context(), r.PathValue("id"), req.Status)
	switch {
	case errors.Is(err, board.ErrStartFailed):
		writeJSON(w, http.StatusOK, transitionResponse{Ticket: t, RunError: err.Error()})
	case err != nil:
		s.fail(w, err)
	default:
		writeJSON(w, http.StatusOK, transitionResponse{Ticket: t})
	}
}

type reorderRequest struct {
	Status protocol.TicketStatus `json:"status"`
	Index  int                   `json:"index"`
}

type reorderResponse struct {
	Tickets []protocol.Ticket `json:"tickets"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !decode(w, r, &req) {
		return
	}
	all, err := s.svc.Reorder(r.Context(), r.PathValue("id"), req.Status, req.Index)
	if all == nil {
		all = []protocol.Ticket{}
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reorderResponse{Tickets: all})
	case errors.Is(err, board.ErrStartFailed):
		writeJSON(w, http.StatusOK, reorderResponse{Tickets: all, Error: err.Error()})
	case errors.Is(err, ticket.ErrInvalidTransition), errors.Is(err, ticket.ErrNotFound):
		// Rejected moves still return the unchanged board.
		writeJSON(w, statusFor(err), reorderResponse{Tickets: all, Error: err.Error()})
	default:
		s.fail(w, err)
	}
}

type prdRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSetPRD(w http.ResponseWriter, r *http.Request) {
	var req prdRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.SetPRD(r.PathValue("id"), req.Content)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGeneratePRD(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GeneratePRD(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleApprovePRD(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.ApprovePRD(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type worktreeRequest struct {
	BasePath string `json:"base_path"`
}

func (s *Server) handleSetWorktree(w http.ResponseWriter, r *http.Request) {
	var req worktreeRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.SetWorktree(r.Context(), r.PathValue("id"), req.BasePath)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.RunStatus(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Stop(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Output(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Cleanup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.svc.Runs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		Limit:     200,
		MinLevel:  slog.LevelDebug,
		Ticket:    q.Get("ticket"),
		Component: q.Get("component"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	writeJSON(w, http.StatusOK, s.logs.Query(f))
}

// --- Helpers ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ticket.ErrNotFound), errors.Is(err, board.ErrNoRun):
		return http.StatusNotFound
	case errors.Is(err, board.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ticket.ErrInvalidTransition),
		errors.Is(err, board.ErrConflict),
		errors.Is(err, worktree.ErrAlreadyExists),
		errors.Is(err, supervisor.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, board.ErrNoBasePath),
		errors.Is(err, board.ErrNoPRD),
		errors.Is(err, worktree.ErrInvalidBase),
		errors.Is(err, supervisor.ErrNoWorktree),
		errors.Is(err, supervisor.ErrUnsafePath):
		return http.StatusUnprocessableEntity
	case errors.Is(err, board.ErrPRDUnavailable), errors.Is(err, ports.ErrExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
	}
	writeError(w, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
