package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/health"
	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/observability/metrics"
	"github.com/nimburion/jobexec/pkg/version"
)

// JobAdmin is the operator view of the job store. *jobs.Scheduler implements it.
type JobAdmin interface {
	FailedJobs(ctx context.Context, limit int) ([]*jobs.Job, error)
	RetryJob(ctx context.Context, id int64, retries int) (*jobs.Job, error)
	UnlockJob(ctx context.Context, id int64) (*jobs.Job, error)
}

// ManagementServer serves the operator endpoints:
//
//	GET  /health            liveness, always 200
//	GET  /ready             readiness, 503 when a registered check fails
//	GET  /metrics           Prometheus exposition
//	GET  /version           build metadata
//	GET  /jobs/failed       parked jobs, ?limit=N
//	POST /jobs/{id}/retry   restore retries, ?retries=N
//	POST /jobs/{id}/unlock  release a stuck lock
type ManagementServer struct {
	*Server
	router          *mux.Router
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	admin           JobAdmin
	info            version.Info
	log             logger.Logger
}

// Options groups the collaborators of the management server.
type Options struct {
	Config          config.ManagementConfig
	ServiceName     string
	Logger          logger.Logger
	HealthRegistry  *health.Registry
	MetricsRegistry *metrics.Registry
	// Admin is optional; without it the /jobs routes are not registered.
	Admin JobAdmin
}

// NewManagementServer builds the router and the underlying HTTP server.
func NewManagementServer(opts Options) (*ManagementServer, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Config.Address == "" {
		return nil, fmt.Errorf("management address is required")
	}
	if opts.HealthRegistry == nil {
		opts.HealthRegistry = health.NewRegistry()
	}
	if opts.MetricsRegistry == nil {
		opts.MetricsRegistry = metrics.NewRegistry()
	}

	r := mux.NewRouter()
	s := &ManagementServer{
		router:          r,
		healthRegistry:  opts.HealthRegistry,
		metricsRegistry: opts.MetricsRegistry,
		admin:           opts.Admin,
		info:            version.Current(opts.ServiceName),
		log:             opts.Logger,
	}
	r.Use(requestID(), instrument(opts.Logger, opts.MetricsRegistry.Requests()), recovery(opts.Logger))
	s.registerEndpoints()

	s.Server = NewServer(ServerConfig{
		Address:      opts.Config.Address,
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
	}, r, opts.Logger)
	return s, nil
}

func (s *ManagementServer) registerEndpoints() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metricsRegistry.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	if s.admin == nil {
		return
	}
	s.router.HandleFunc("/jobs/failed", s.handleFailedJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id:[0-9]+}/retry", s.handleRetryJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{id:[0-9]+}/unlock", s.handleUnlockJob).Methods(http.MethodPost)
}

// Handler returns the routed handler, middleware included.
func (s *ManagementServer) Handler() http.Handler {
	return s.router
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.healthRegistry.Check(r.Context())
	if !result.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *ManagementServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.info)
}

func (s *ManagementServer) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", jobs.ErrInvalidArgument))
			return
		}
		limit = n
	}

	failed, err := s.admin.FailedJobs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]JobView, 0, len(failed))
	for _, job := range failed {
		views = append(views, NewJobView(job))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *ManagementServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	retries := 0
	if raw := r.URL.Query().Get("retries"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: retries must be a non-negative integer", jobs.ErrInvalidArgument))
			return
		}
		retries = n
	}

	job, err := s.admin.RetryJob(r.Context(), id, retries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("job retried by operator", "job_id", id, "retries", job.Retries)
	writeJSON(w, http.StatusOK, NewJobView(job))
}

func (s *ManagementServer) handleUnlockJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.admin.UnlockJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("job unlocked by operator", "job_id", id)
	writeJSON(w, http.StatusOK, NewJobView(job))
}

func (s *ManagementServer) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid job id", jobs.ErrInvalidArgument))
		return 0, false
	}
	return id, true
}

// JobView is the operator representation of a job, served as JSON by the
// management API and printed as YAML by the jobs command.
type JobView struct {
	ID                int64      `json:"id" yaml:"id"`
	DueDate           time.Time  `json:"due_date" yaml:"due_date"`
	LockOwner         string     `json:"lock_owner,omitempty" yaml:"lock_owner,omitempty"`
	LockTime          *time.Time `json:"lock_time,omitempty" yaml:"lock_time,omitempty"`
	Retries           int        `json:"retries" yaml:"retries"`
	Exception         string     `json:"exception,omitempty" yaml:"exception,omitempty"`
	Exclusive         bool       `json:"exclusive" yaml:"exclusive"`
	ProcessInstanceID string     `json:"process_instance_id,omitempty" yaml:"process_instance_id,omitempty"`
	Suspended         bool       `json:"suspended" yaml:"suspended"`
	Kind              string     `json:"kind" yaml:"kind"`
	Handler           string     `json:"handler" yaml:"handler"`
	TimerName         string     `json:"timer_name,omitempty" yaml:"timer_name,omitempty"`
	Repeat            string     `json:"repeat,omitempty" yaml:"repeat,omitempty"`
	Version           int64      `json:"version" yaml:"version"`
}

// NewJobView converts a job for the management API.
func NewJobView(job *jobs.Job) JobView {
	view := JobView{
		ID:                job.ID,
		DueDate:           job.DueDate,
		LockOwner:         job.LockOwner,
		Retries:           job.Retries,
		Exception:         job.Exception,
		Exclusive:         job.Exclusive,
		ProcessInstanceID: job.ProcessInstanceID,
		Suspended:         job.Suspended,
		Kind:              string(job.Payload.Kind),
		Handler:           job.Payload.Handler,
		TimerName:         job.Payload.Name,
		Repeat:            job.Payload.Repeat,
		Version:           job.Version,
	}
	if !job.LockTime.IsZero() {
		lockTime := job.LockTime
		view.LockTime = &lockTime
	}
	return view
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps the jobs error kinds to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, jobs.ErrInvalidArgument), errors.Is(err, jobs.ErrValidation):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, jobs.ErrConflict), errors.Is(err, jobs.ErrStaleWrite):
		return http.StatusConflict, "conflict"
	case errors.Is(err, jobs.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

func (s *ManagementServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	id := RequestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		s.log.Error("management request failed", "request_id", id, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error(), RequestID: id})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
