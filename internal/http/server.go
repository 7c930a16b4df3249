package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ExecutionRequest is the body of POST /executions.
type ExecutionRequest struct {
	DatasetID           string               `json:"dataset_id"`
	Stages              []models.StageConfig `json:"stages"`
	EnforcedPredecessor *models.PluginType   `json:"enforced_predecessor,omitempty"`
	Priority            int                  `json:"priority"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	svc *service.WorkflowService
	log logrus.FieldLogger
}

// NewRouter exposes the workflow service, a health check and the metrics
// gathered by gatherer.
func NewRouter(svc *service.WorkflowService, gatherer prometheus.Gatherer, log logrus.FieldLogger) http.Handler {
	h := &handler{svc: svc, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", h.listExecutions)
		r.Post("/", h.addExecution)
		r.Get("/{id}", h.getExecution)
		r.Post("/{id}/cancel", h.cancelExecution)
	})
	r.Get("/workflows/{datasetID}", h.getWorkflow)
	r.Put("/workflows/{datasetID}", h.saveWorkflow)
	r.Put("/schedules/{datasetID}", h.schedule)
	r.Delete("/schedules/{datasetID}", h.unschedule)
	return r
}

// StartServer serves handler on port until ctx is cancelled.
func StartServer(ctx context.Context, port string, handler http.Handler, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting Metis orchestrator HTTP server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) addExecution(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	e, err := h.svc.AddWorkflowInQueue(r.Context(), req.DatasetID, req.Stages, req.EnforcedPredecessor, req.Priority)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.ExecutionStatus(q.Get("status"))
	if status == "" {
		status = models.QueuedExecutionStatus
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	page, err := h.svc.ListExecutions(r.Context(), status, q.Get("next_page"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": page.Executions,
		"next_page":  page.NextToken,
	})
}

func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	by := r.URL.Query().Get("by")
	if err := h.svc.CancelExecution(r.Context(), chi.URLParam(r, "id"), by); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.svc.GetWorkflow(r.Context(), chi.URLParam(r, "datasetID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *handler) saveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	wf.DatasetID = chi.URLParam(r, "datasetID")
	if err := h.svc.SaveWorkflow(r.Context(), wf); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	var sw models.ScheduledWorkflow
	if err := json.NewDecoder(r.Body).Decode(&sw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	sw.DatasetID = chi.URLParam(r, "datasetID")
	if err := h.svc.ScheduleWorkflow(r.Context(), sw); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unschedule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnscheduleWorkflow(r.Context(), chi.URLParam(r, "datasetID")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps service errors onto HTTP statuses.
func (h *handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrBadContent):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrPluginExecutionNotAllowed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrExecutionFinished):
		status = http.StatusConflict
	default:
		h.log.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
