package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"export-job-service/internal/config"
	"export-job-service/internal/errs"
	"export-job-service/internal/models"
	"export-job-service/internal/syncer"
	"export-job-service/internal/telemetry"
)

// Store is the read/write surface the API needs from Postgres.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobsByRequester(ctx context.Context, requester string, limit int) ([]models.Job, error)
	ListThirdPartyItems(ctx context.Context, source, resourceType string, limit int) ([]models.ThirdPartyItem, error)
	GetSyncExecution(ctx context.Context, id string) (models.SyncExecution, error)
}

// Enqueuer is the producer's view of the work queue.
type Enqueuer interface {
	Send(ctx context.Context, item models.WorkItem) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter gates export creation per requester.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Orchestrator starts retry executions for third-party syncs.
type Orchestrator interface {
	Start(ctx context.Context, resourceType string, limit int) (string, error)
}

// Server wires HTTP handlers for the export producer and status reader.
type Server struct {
	cfg          config.Config
	store        Store
	queue        Enqueuer
	limiter      Limiter
	orchestrator Orchestrator
	validate     *validator.Validate
	logger       *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, q Enqueuer, limiter Limiter, orch Orchestrator, logger *zap.Logger) *Server {
	return &Server{
		cfg:          cfg,
		store:        st,
		queue:        q,
		limiter:      limiter,
		orchestrator: orch,
		validate:     validator.New(),
		logger:       logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/exports", s.handleCreateExport)
	r.Get("/exports", s.handleListExports)
	r.Get("/exports/{jobID}", s.handleGetExport)
	r.Get("/dlq", s.handleDLQ)

	r.Post("/sync-with-retry", s.handleSyncWithRetry)
	r.Get("/sync-executions/{executionID}", s.handleGetSyncExecution)
	r.Get("/third-party", s.handleListThirdParty)
	return r
}

type createExportRequest struct {
	Kind      string            `json:"kind" validate:"required,oneof=users orders"`
	Format    string            `json:"format" validate:"omitempty,oneof=csv json"`
	Filters   map[string]string `json:"filters"`
	Requester string            `json:"requester"`
}

type createExportResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if req.Format == "" {
		req.Format = models.FormatCSV
	}

	limKey := "rl:anonymous"
	if req.Requester != "" {
		limKey = "rl:" + req.Requester
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), limKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	now := time.Now().UTC()
	job := models.Job{
		JobID:     uuid.New().String(),
		Kind:      req.Kind,
		Format:    req.Format,
		Filters:   req.Filters,
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cfg.JobTTL),
	}
	if req.Requester != "" {
		job.Requester = &req.Requester
	}

	// The store write happens before the enqueue: if the enqueue fails the
	// reader can still discover the pending record, instead of the queue
	// carrying a message with no backing row.
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create export job")
		return
	}
	item := models.WorkItem{JobID: job.JobID, Kind: job.Kind, Format: job.Format, Filters: job.Filters}
	if err := s.queue.Send(r.Context(), item); err != nil {
		// Not retried here; the caller resubmits. The pending row remains
		// visible to the status reader.
		s.logger.Error("enqueue work item", zap.String("job_id", job.JobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue export job")
		return
	}

	telemetry.ExportsCreated.Inc()
	s.logger.Info("export job accepted",
		zap.String("job_id", job.JobID),
		zap.String("kind", job.Kind),
		zap.String("format", job.Format))
	writeJSON(w, http.StatusAccepted, createExportResponse{JobID: job.JobID, State: job.State})
}

// jobProjection shapes a job by its current state: in-flight jobs expose
// only identity and timestamps, completed jobs add the artifact descriptor,
// failed jobs add the error detail.
type jobProjection struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	Format      string    `json:"format"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ArtifactKey *string   `json:"artifact_key,omitempty"`
	DownloadURL *string   `json:"download_url,omitempty"`
	RecordCount *int      `json:"record_count,omitempty"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
}

func projectJob(job models.Job) jobProjection {
	p := jobProjection{
		JobID:     job.JobID,
		Kind:      job.Kind,
		Format:    job.Format,
		State:     job.State,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	switch job.State {
	case models.StateCompleted:
		p.ArtifactKey = job.ArtifactKey
		p.DownloadURL = job.DownloadURL
		p.RecordCount = job.RecordCount
	case models.StateFailed:
		p.ErrorDetail = job.ErrorDetail
	}
	return p
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get export job")
		return
	}
	writeJSON(w, http.StatusOK, projectJob(job))
}

const listPageSize = 50

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("requester")
	if requester == "" {
		writeError(w, http.StatusBadRequest, "requester query parameter is required")
		return
	}
	jobs, err := s.store.ListJobsByRequester(r.Context(), requester, listPageSize)
	if err != nil {
		s.logger.Error("list jobs", zap.String("requester", requester), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list export jobs")
		return
	}
	out := make([]jobProjection, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, projectJob(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSyncWithRetry(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		resource = "posts"
	}
	if !syncer.ValidResource(resource) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid resource type %q", resource))
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	if limit < 1 || limit > 100 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	executionID, err := s.orchestrator.Start(r.Context(), resource, limit)
	if err != nil {
		s.logger.Error("start sync execution", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}
	s.logger.Info("sync execution started",
		zap.String("execution_id", executionID),
		zap.String("resource_type", resource),
		zap.Int("limit", limit))
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

func (s *Server) handleGetSyncExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	exec, err := s.store.GetSyncExecution(r.Context(), id)
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get sync execution", zap.String("execution_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListThirdParty(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.store.ListThirdPartyItems(r.Context(), q.Get("source"), q.Get("resource_type"), limit)
	if err != nil {
		s.logger.Error("list third party items", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "required":
			return fmt.Sprintf("%s is required", fe.Field())
		case "oneof":
			return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
	return "invalid request"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
