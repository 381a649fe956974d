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

	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/transcript"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// ErrRunInProgress is returned by StartRun while a batch is already running.
var ErrRunInProgress = errors.New("a triage run is already in progress")

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// TriageService is the interface the API server needs from the triage job.
type TriageService interface {
	ListTickets(filter ticket.Filter) ([]*ticket.StoredTicket, error)
	GetTicket(id string) (*ticket.StoredTicket, error)
	OverrideTicket(id string, o ticket.Override) (*ticket.StoredTicket, error)
	Stats() (*ticket.Stats, error)
	// StartRun launches a batch in the background and returns its run ID.
	StartRun() (string, error)
	TriageOne(ctx context.Context, item protocol.FeedbackItem) (protocol.TicketRecord, error)
	// Transcripts lists archived deliberations for a run. It returns an
	// empty slice when archiving is disabled.
	Transcripts(runID string) ([]transcript.Transcript, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the triage REST API server.
type Server struct {
	svc    TriageService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	mux    *http.ServeMux
	srv    *http.Server
}

// NewServer creates a new API server. logs may be nil.
func NewServer(svc TriageService, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	s.mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	s.mux.HandleFunc("PATCH /api/tickets/{id}", s.requireAuth(s.handlePatchTicket))
	s.mux.HandleFunc("GET /api/metrics", s.requireAuth(s.handleMetrics))
	s.mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	s.mux.HandleFunc("POST /api/runs", s.requireAuth(s.handleStartRun))
	s.mux.HandleFunc("GET /api/runs/{id}/transcripts", s.requireAuth(s.handleTranscripts))
	s.mux.HandleFunc("POST /api/feedback", s.requireAuth(s.handlePostFeedback))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Mount registers an extra handler, e.g. webhook intake under
// "/api/webhook/". The handler does its own authentication.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
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
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ticket.Filter{
		RunID: q.Get("run_id"),
		Query: q.Get("q"),
	}
	if v := q.Get("category"); v != "" {
		c, ok := protocol.ParseCategory(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown category: " + v})
			return
		}
		filter.Category = c
	}
	if v := q.Get("priority"); v != "" {
		p, ok := protocol.ParsePriority(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown priority: " + v})
			return
		}
		filter.Priority = p
	}
	if v := q.Get("source_type"); v != "" {
		st, ok := protocol.ParseSourceType(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown source type: " + v})
			return
		}
		filter.SourceType = st
	}
	if v := q.Get("review_status"); v != "" {
		rs, ok := ticket.ParseReviewStatus(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown review status: " + v})
			return
		}
		filter.ReviewStatus = rs
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	tickets, err := s.svc.ListTickets(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tickets == nil {
		tickets = []*ticket.StoredTicket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTicket(r.PathValue("id"))
	if err != nil {
		writeTicketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePatchTicket(w http.ResponseWriter, r *http.Request) {
	var o ticket.Override
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if o.Empty() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no fields to update"})
		return
	}

	id := r.PathValue("id")
	t, err := s.svc.OverrideTicket(id, o)
	if err != nil {
		writeTicketError(w, err)
		return
	}
	s.logger.Info("ticket overridden", "ticket", id, "review_status", t.ReviewStatus)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	st, err := s.svc.Stats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStartRun(w http.ResponseWriter, _ *http.Request) {
	runID, err := s.svc.StartRun()
	if errors.Is(err, ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": runID})
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	ts, err := s.svc.Transcripts(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ts == nil {
		ts = []transcript.Transcript{}
	}
	writeJSON(w, http.StatusOK, ts)
}

type postFeedbackRequest struct {
	ID         string `json:"id"`
	SourceType string `json:"source_type"`
	Text       string `json:"text"`
}

func (s *Server) handlePostFeedback(w http.ResponseWriter, r *http.Request) {
	var req postFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and text are required"})
		return
	}
	st := protocol.SourceReview
	if req.SourceType != "" {
		var ok bool
		if st, ok = protocol.ParseSourceType(req.SourceType); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown source type: " + req.SourceType})
			return
		}
	}

	rec, err := s.svc.TriageOne(r.Context(), protocol.FeedbackItem{ID: req.ID, SourceType: st, Text: req.Text})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		Limit:    200,
		MinLevel: slog.LevelDebug,
		Item:     q.Get("item"),
		RunID:    q.Get("run_id"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(strings.ToLower(lvl))
	}
	if s := q.Get("since"); s != "" {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	writeJSON(w, http.StatusOK, s.logs.Query(f))
}

// --- Helpers ---

func writeTicketError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
	case errors.Is(err, ticket.ErrInvalidOverride):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ticket.ErrAmbiguous):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error() + "; address it by key"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
