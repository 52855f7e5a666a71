package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/standby/internal/controller"
	"github.com/FairForge/standby/internal/registry"
)

// Supervisor is the controller surface the API exposes. Implemented
// by controller.Controller.
type Supervisor interface {
	Register(ctx context.Context, rec registry.Record) error
	Deregister(ctx context.Context, id string) error
	Rebuild(id string) error
	Reset(id string) error
	Status(id string) (controller.ReplicaStatus, error)
	StatusAll() []controller.ReplicaStatus
}

// Server is the admin HTTP surface: replica registration, status,
// manual rebuild/reset, health and metrics.
type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	supervisor Supervisor

	// limiter throttles the mutating endpoints; a scripted retry loop
	// must not be able to queue rebuilds faster than they resolve.
	limiter *rate.Limiter

	requestCount int64
	startTime    time.Time
}

// NewServer builds the admin server on the given port.
func NewServer(port int, supervisor Supervisor, logger *zap.Logger) *Server {
	s := &Server{
		logger:     logger,
		router:     mux.NewRouter(),
		supervisor: supervisor,
		limiter:    rate.NewLimiter(rate.Limit(2), 5),
		startTime:  time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/api/v1/replicas", s.handleList).Methods("GET")
	s.router.HandleFunc("/api/v1/replicas", s.limited(s.handleRegister)).Methods("POST")
	s.router.HandleFunc("/api/v1/replicas/{id}", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/replicas/{id}", s.limited(s.handleDeregister)).Methods("DELETE")
	s.router.HandleFunc("/api/v1/replicas/{id}/rebuild", s.limited(s.handleRebuild)).Methods("POST")
	s.router.HandleFunc("/api/v1/replicas/{id}/reset", s.limited(s.handleReset)).Methods("POST")

	s.router.Use(s.loggingMiddleware)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("admin api listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

type registerRequest struct {
	ID        string `json:"id"`
	Endpoint  string `json:"endpoint"`
	DataDir   string `json:"data_dir"`
	ServiceID string `json:"service_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	err := s.supervisor.Register(r.Context(), registry.Record{
		ID:        req.ID,
		Endpoint:  req.Endpoint,
		DataDir:   req.DataDir,
		ServiceID: req.ServiceID,
	})
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID, "state": "uninitialized"})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.supervisor.StatusAll())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := s.supervisor.Status(id)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.supervisor.Deregister(r.Context(), id); err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.supervisor.Rebuild(id); err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": "rebuilding"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.supervisor.Reset(id); err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": "uninitialized"})
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrNotRegistered):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, controller.ErrAlreadyRegistered),
		errors.Is(err, controller.ErrRebuildInProgress),
		errors.Is(err, controller.ErrNotResettable):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, controller.ErrBusy):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusBadRequest, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
