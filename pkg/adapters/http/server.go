package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/aretw0/termstore"
	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
	"github.com/aretw0/termstore/pkg/selector"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stores resolves the active session store. *selector.Selector satisfies it.
type Stores interface {
	Provider(ctx context.Context) (ports.SessionStore, error)
	Mode() domain.ProviderMode
	SwitchMode(ctx context.Context, mode domain.ProviderMode, migrate bool) error
}

// EventObserver receives every event of the active store, e.g. *observability.Metrics.
type EventObserver interface {
	Observe(e domain.Event)
}

// Server serves the admin API over the active session store.
type Server struct {
	Stores  Stores
	Streams *StreamManager

	gatherer  prometheus.Gatherer
	observers []EventObserver
	logger    *slog.Logger

	mu          sync.Mutex
	attached    ports.SessionStore
	unsubscribe func()
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer exposes the registry on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithObserver forwards store events to o. Observers follow mode switches.
func WithObserver(o EventObserver) Option {
	return func(s *Server) {
		s.observers = append(s.observers, o)
	}
}

// NewServer creates a server without routing. Use Handler to mount it.
func NewServer(stores Stores, opts ...Option) *Server {
	s := &Server{
		Stores:  stores,
		Streams: NewStreamManager(),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Streams.logger = s.logger
	return s
}

// NewHandler creates a new HTTP handler for the store selector.
func NewHandler(stores Stores, opts ...Option) http.Handler {
	return NewServer(stores, opts...).Handler()
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/capabilities", s.GetCapabilities)
	r.Get("/mode", s.GetMode)
	r.Put("/mode", s.SwitchMode)
	r.Post("/sync", s.Sync)
	r.Post("/flush", s.Flush)
	r.Post("/cleanup", s.Cleanup)
	r.Get("/events", s.SubscribeEvents)

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Get("/sessions", s.ListSessions)
		r.Get("/focus", s.GetFocused)
	})
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.GetSession)
		r.Delete("/", s.DeleteSession)
		r.Post("/suspend", s.SuspendSession)
		r.Post("/resume", s.ResumeSession)
		r.Put("/focus", s.SetFocus)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return enableCORS(r)
}

// Close detaches from the store.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.attached = nil
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// store returns the active provider and makes sure its events reach the
// stream manager and the observers.
func (s *Server) store(ctx context.Context) (ports.SessionStore, error) {
	p, err := s.Stores.Provider(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached != p {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.attached = p
		s.unsubscribe = p.Subscribe(s.dispatch)
	}
	return p, nil
}

func (s *Server) dispatch(e domain.Event) {
	for _, o := range s.observers {
		o.Observe(e)
	}
	s.Streams.Broadcast(e)
}

// GetHealth handles the GET /healthz request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err != nil {
		s.fail(w, "healthz", err)
		return
	}
	health := p.HealthCheck(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err != nil {
		s.fail(w, "info", err)
		return
	}
	info, err := p.StorageInfo(r.Context())
	if err != nil {
		s.fail(w, "info", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"app":     "termstore-http",
		"version": strings.TrimSpace(termstore.Version),
		"storage": info,
	})
}

// GetCapabilities handles the GET /capabilities request.
func (s *Server) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, selector.AllCapabilities())
}

// GetMode handles the GET /mode request.
func (s *Server) GetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modeBody{Mode: string(s.Stores.Mode())})
}

type modeBody struct {
	Mode    string `json:"mode"`
	Migrate bool   `json:"migrate,omitempty"`
}

// SwitchMode handles the PUT /mode request.
func (s *Server) SwitchMode(w http.ResponseWriter, r *http.Request) {
	var body modeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("SwitchMode: Invalid request body", "err", err)
		return
	}
	mode, err := domain.ParseProviderMode(body.Mode)
	if err != nil {
		s.fail(w, "switch mode", err)
		return
	}
	if err := s.Stores.SwitchMode(r.Context(), mode, body.Migrate); err != nil {
		s.fail(w, "switch mode", err)
		return
	}
	s.logger.Info("Provider mode switched", "mode", string(mode), "migrate", body.Migrate)
	writeJSON(w, http.StatusOK, modeBody{Mode: string(mode), Migrate: body.Migrate})
}

// Sync handles the POST /sync request.
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err == nil {
		err = p.Sync(r.Context())
	}
	if err != nil {
		s.fail(w, "sync", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Flush handles the POST /flush request.
func (s *Server) Flush(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err == nil {
		err = p.Flush(r.Context())
	}
	if err != nil {
		s.fail(w, "flush", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cleanup handles the POST /cleanup request.
func (s *Server) Cleanup(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err != nil {
		s.fail(w, "cleanup", err)
		return
	}
	n, err := p.Cleanup(r.Context())
	if err != nil {
		s.fail(w, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// ListSessions handles the GET /projects/{projectID}/sessions request.
// Query parameters: all, order, desc, offset, limit.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	p, err := s.store(r.Context())
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	sessions, err := p.ListSessions(r.Context(), chi.URLParam(r, "projectID"), opts)
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func listOptions(r *http.Request) (domain.ListOptions, error) {
	q := r.URL.Query()
	opts := domain.ListOptions{OrderBy: domain.OrderBy(q.Get("order"))}
	switch opts.OrderBy {
	case "", domain.OrderByCreatedAt, domain.OrderByUpdatedAt, domain.OrderByTabName:
	default:
		return opts, &domain.StorageError{Kind: domain.ErrValidation, Op: "list", Detail: "unknown order " + q.Get("order")}
	}
	var err error
	if opts.IncludeTerminal, err = queryBool(q.Get("all")); err != nil {
		return opts, err
	}
	if opts.Descending, err = queryBool(q.Get("desc")); err != nil {
		return opts, err
	}
	if opts.Offset, err = queryInt(q.Get("offset")); err != nil {
		return opts, err
	}
	if opts.Limit, err = queryInt(q.Get("limit")); err != nil {
		return opts, err
	}
	return opts, nil
}

func queryBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &domain.StorageError{Kind: domain.ErrValidation, Op: "list", Detail: "invalid boolean " + v}
	}
	return b, nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &domain.StorageError{Kind: domain.ErrValidation, Op: "list", Detail: "invalid count " + v}
	}
	return n, nil
}

// GetFocused handles the GET /projects/{projectID}/focus request.
func (s *Server) GetFocused(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err != nil {
		s.fail(w, "focused", err)
		return
	}
	ids, err := p.GetFocusedSessions(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, "focused", err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// GetSession handles the GET /sessions/{id} request.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err != nil {
		s.fail(w, "get", err)
		return
	}
	sess, err := p.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles the DELETE /sessions/{id} request.
func (s *Server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store(r.Context())
	if err != nil {
		s.fail(w, "delete", err)
		return
	}
	ok, err := p.DeleteSession(r.Context(), id)
	if err != nil {
		s.fail(w, "delete", err)
		return
	}
	if !ok {
		s.fail(w, "delete", domain.NotFound("delete", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SuspendSession handles the POST /sessions/{id}/suspend request.
func (s *Server) SuspendSession(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err == nil {
		err = p.SuspendSession(r.Context(), chi.URLParam(r, "id"))
	}
	if err != nil {
		s.fail(w, "suspend", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeSession handles the POST /sessions/{id}/resume request.
func (s *Server) ResumeSession(w http.ResponseWriter, r *http.Request) {
	p, err := s.store(r.Context())
	if err != nil {
		s.fail(w, "resume", err)
		return
	}
	res, err := p.ResumeSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetFocus handles the PUT /sessions/{id}/focus request.
func (s *Server) SetFocus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Focused bool `json:"focused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("SetFocus: Invalid request body", "err", err)
		return
	}
	p, err := s.store(r.Context())
	if err == nil {
		err = p.SetSessionFocus(r.Context(), chi.URLParam(r, "id"), body.Focused)
	}
	if err != nil {
		s.fail(w, "focus", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps storage error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProtectedState),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSyncConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "op", op, "err", err)
	} else {
		s.logger.Debug("Request rejected", "op", op, "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
