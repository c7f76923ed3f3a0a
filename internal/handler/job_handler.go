package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"research-orchestrator/internal/export"
	"research-orchestrator/internal/metrics"
	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
	"research-orchestrator/internal/resolver"
	"research-orchestrator/internal/service"
)

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	orchestrator *service.Orchestrator
	exporter     *export.Service
	metrics      *metrics.Metrics
	validate     *validator.Validate
	logger       *logrus.Entry
}

// NewJobHandler creates a new job handler
func NewJobHandler(orchestrator *service.Orchestrator, exporter *export.Service, m *metrics.Metrics, logger *logrus.Entry) *JobHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &JobHandler{
		orchestrator: orchestrator,
		exporter:     exporter,
		metrics:      m,
		validate:     validator.New(),
		logger:       logger,
	}
}

// Routes returns the API mux wrapped in the CORS middleware
func (h *JobHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("POST /jobs/retry", h.RetryFailed)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /jobs/{id}/start", h.StartJob)
	mux.HandleFunc("POST /jobs/{id}/pause", h.PauseJob)
	mux.HandleFunc("POST /jobs/{id}/resume", h.ResumeJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("POST /jobs/{id}/restart", h.RestartJob)
	mux.HandleFunc("GET /jobs/{id}/progress", h.GetProgress)
	mux.HandleFunc("GET /jobs/{id}/items", h.ListItems)
	mux.HandleFunc("GET /jobs/{id}/export", h.ExportJob)
	mux.HandleFunc("GET /metrics", h.GetMetrics)
	mux.Handle("GET /metrics/prometheus", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	job, err := h.orchestrator.CreateJob(r.Context(), &req)
	if err != nil {
		h.writeError(w, "job creation failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /jobs?status=&kind=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Kind:   models.JobKind(r.URL.Query().Get("kind")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		http.Error(w, "invalid kind", http.StatusBadRequest)
		return
	}

	jobs, err := h.orchestrator.ListJobs(r.Context(), filter)
	if err != nil {
		h.writeError(w, "failed to list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orchestrator.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, "failed to retrieve job", err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /jobs/{id}
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.orchestrator.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, "failed to delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartJob handles POST /jobs/{id}/start
func (h *JobHandler) StartJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "start", h.orchestrator.Start)
}

// PauseJob handles POST /jobs/{id}/pause
func (h *JobHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause", h.orchestrator.Pause)
}

// ResumeJob handles POST /jobs/{id}/resume
func (h *JobHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume", h.orchestrator.Resume)
}

// CancelJob handles POST /jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.orchestrator.Cancel)
}

// transition applies a lifecycle operation and answers with the job as stored afterwards
func (h *JobHandler) transition(w http.ResponseWriter, r *http.Request, op string, apply func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := apply(r.Context(), id); err != nil {
		h.writeError(w, op+" failed", err)
		return
	}
	job, err := h.orchestrator.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, "failed to retrieve job", err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// RestartJob handles POST /jobs/{id}/restart
func (h *JobHandler) RestartJob(w http.ResponseWriter, r *http.Request) {
	newID, err := h.orchestrator.Restart(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, "restart failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"job_id": newID})
}

// RetryFailed handles POST /jobs/retry
func (h *JobHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req models.RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	ids, err := h.orchestrator.RetryFailed(r.Context(), req)
	if err != nil {
		h.writeError(w, "retry failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string][]string{"job_ids": ids})
}

// GetProgress handles GET /jobs/{id}/progress
func (h *JobHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.orchestrator.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, "failed to retrieve progress", err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

// ListItems handles GET /jobs/{id}/items?status=
func (h *JobHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	var statuses []models.ItemStatus
	for _, s := range r.URL.Query()["status"] {
		status := models.ItemStatus(s)
		if !status.Valid() {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		statuses = append(statuses, status)
	}

	items, err := h.orchestrator.ListItems(r.Context(), r.PathValue("id"), statuses...)
	if err != nil {
		h.writeError(w, "failed to list items", err)
		return
	}
	if items == nil {
		items = []*models.Item{}
	}
	h.writeJSON(w, http.StatusOK, items)
}

// ExportJob handles GET /jobs/{id}/export?format=csv|xlsx
func (h *JobHandler) ExportJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatCSV
	}

	aw := &attachmentWriter{ResponseWriter: w, contentType: format.ContentType(), filename: fmt.Sprintf("job-%s.%s", id, format)}
	if err := h.exporter.Export(r.Context(), aw, id, format); err != nil {
		if aw.started {
			h.logger.WithError(err).WithField("job_id", id).Error("export aborted mid-stream")
			return
		}
		h.writeError(w, "export failed", err)
	}
}

// attachmentWriter sets the download headers on the first write, so errors raised before
// any output can still be answered with a proper status.
type attachmentWriter struct {
	http.ResponseWriter
	contentType string
	filename    string
	started     bool
}

func (w *attachmentWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		w.Header().Set("Content-Type", w.contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, w.filename))
	}
	return w.ResponseWriter.Write(p)
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

func (h *JobHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("error encoding response")
	}
}

func (h *JobHandler) writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error(msg)
	}
	http.Error(w, msg+": "+err.Error(), status)
}

// statusFor maps service and store errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, repository.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyRunning),
		errors.Is(err, service.ErrNotPending),
		errors.Is(err, service.ErrNotProcessing),
		errors.Is(err, service.ErrAlreadyLive),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, repository.ErrJobFinished),
		errors.Is(err, service.ErrNothingToRetry),
		errors.Is(err, service.ErrNotRestartable):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptySelection),
		errors.Is(err, service.ErrUnknownKind),
		errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, resolver.ErrInvalidFilter),
		errors.Is(err, resolver.ErrNoResolver),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
