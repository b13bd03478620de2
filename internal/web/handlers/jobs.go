package handlers

import (
	"net/http"

	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/service"
)

// ReconcileResponse is the reply of a synchronous reconciliation.
type ReconcileResponse struct {
	Job   *model.Job           `json:"job"`
	Stats model.ReconcileStats `json:"stats"`
}

// StartFetch starts a fetch job.
func (h *APIHandler) StartFetch(w http.ResponseWriter, r *http.Request) {
	job, err := h.Service.StartFetchJob(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// StartImport starts an import job. The body may select mode and file.
func (h *APIHandler) StartImport(w http.ResponseWriter, r *http.Request) {
	var req service.ImportRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	job, err := h.Service.StartImportJob(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// StartReconcile runs reconciliation and replies once it has finished.
func (h *APIHandler) StartReconcile(w http.ResponseWriter, r *http.Request) {
	job, stats, err := h.Service.StartReconcileJob(r.Context())
	if err != nil && job == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		h.Log.WithError(err).WithField("job_id", job.ID).Warn("reconciliation failed")
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Job: job, Stats: stats})
}

// ListJobs lists jobs, optionally filtered by ?type=.
func (h *APIHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	list, err := h.Service.ListJobs(r.Context(), r.URL.Query().Get("type"), int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetJob returns one job with its first log lines.
func (h *APIHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid job id")
		return
	}
	view, err := h.Service.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// JobLogs returns log lines after ?after= for tailing.
func (h *APIHandler) JobLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid job id")
		return
	}
	after, ok := queryInt(r, "after")
	if !ok {
		badRequest(w, "invalid after")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	logs, err := h.Service.JobLogs(r.Context(), id, after, int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.JobLogLine{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// CancelJob requests cancellation of a running job.
func (h *APIHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid job id")
		return
	}
	if err := h.Service.CancelJob(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancel_requested": true})
}
