package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/glimte/deskflow/contracts"
	"github.com/glimte/deskflow/desk"
	"github.com/glimte/deskflow/scheduler"
	"github.com/glimte/deskflow/storage"
)

// Prefix is the path every scheduler route lives under
const Prefix = "/scheduler/api/v1"

// Scheduler is the scheduler surface exposed over HTTP
type Scheduler interface {
	AddSchedule(ctx context.Context, spec scheduler.JobSpec) (scheduler.JobInfo, error)
	RemoveSchedule(ctx context.Context, id string) error
	Jobs() []scheduler.JobInfo
	Job(id string) (scheduler.JobInfo, error)
	JobCount() int
	IsRunning() bool
	RunNow(id string) error
}

// Desks reads desk state from the device gateway
type Desks interface {
	ListDesks(ctx context.Context) ([]string, error)
	Desk(ctx context.Context, id string) (*desk.Desk, error)
}

// Mover moves every desk at once
type Mover interface {
	MoveAll(ctx context.Context, action string, positionMM int, meta map[string]string) []contracts.DeskResult
}

// OccupancyReader returns the latest sensor reading for a desk
type OccupancyReader interface {
	Latest(ctx context.Context, deskID string) (storage.OccupancyRecord, error)
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthHandler serves h at /healthz
func WithHealthHandler(h http.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithOccupancy enables the occupancy route
func WithOccupancy(reader OccupancyReader) Option {
	return func(s *Server) {
		s.occupancy = reader
	}
}

// Server is the scheduler HTTP surface
type Server struct {
	scheduler Scheduler
	desks     Desks
	mover     Mover
	occupancy OccupancyReader
	health    http.Handler
	logger    *slog.Logger
}

// New creates the HTTP surface
func New(sched Scheduler, desks Desks, mover Mover, options ...Option) *Server {
	s := &Server{
		scheduler: sched,
		desks:     desks,
		mover:     mover,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	if s.health != nil {
		router.Handle("/healthz", s.health).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix(Prefix).Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	v1.HandleFunc("/schedules", s.handleCreateSchedule).Methods(http.MethodPost)
	v1.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}", s.handleDeleteSchedule).Methods(http.MethodDelete)
	v1.HandleFunc("/schedules/{id}/run", s.handleRunSchedule).Methods(http.MethodPost)

	v1.HandleFunc("/desks", s.handleListDesks).Methods(http.MethodGet)
	v1.HandleFunc("/desks/position", s.handleSetPosition).Methods(http.MethodPost)

	if s.occupancy != nil {
		v1.HandleFunc("/occupancy/{desk_id}", s.handleOccupancy).Methods(http.MethodGet)
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, "Not Found")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
	// A subrouter answers method mismatches itself
	for _, rt := range []*mux.Router{router, v1} {
		rt.NotFoundHandler = notFound
		rt.MethodNotAllowedHandler = notAllowed
	}

	// Middleware wraps the router so unmatched requests pass through it
	return s.loggingMiddleware(corsMiddleware(router))
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, detail string) {
	sendJSON(w, status, errorResponse{Detail: detail})
}

// sendServiceError mirrors the upstream status of device gateway errors
// and falls back to 500 with fallback as detail
func (s *Server) sendServiceError(w http.ResponseWriter, err error, fallback string) {
	var svcErr *desk.ServiceError
	if errors.As(err, &svcErr) && svcErr.StatusCode >= 400 {
		sendError(w, svcErr.StatusCode, svcErr.Message)
		return
	}
	s.logger.Error(fallback, "error", err)
	sendError(w, http.StatusInternalServerError, fallback)
}
