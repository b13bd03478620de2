package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/service"
)

// Service is the trigger surface the API exposes.
type Service interface {
	StartFetchJob(ctx context.Context) (*model.Job, error)
	StartImportJob(ctx context.Context, req service.ImportRequest) (*model.Job, error)
	StartReconcileJob(ctx context.Context) (*model.Job, model.ReconcileStats, error)
	GetJob(ctx context.Context, id int64) (*service.JobView, error)
	ListJobs(ctx context.Context, typ string, limit int) ([]model.Job, error)
	JobLogs(ctx context.Context, id, afterID int64, limit int) ([]model.JobLogLine, error)
	CancelJob(ctx context.Context, id int64) error

	CreateLocalPoint(ctx context.Context, req service.CreateLocalPointRequest) (*model.AddressPoint, error)
	ListPendingPoints(ctx context.Context, limit int) ([]model.AddressPoint, error)
	ListReconcileQueue(ctx context.Context, status string, limit int) ([]model.ReconcileQueueItem, error)
	ResolveQueueItem(ctx context.Context, itemID int64, req service.ResolveRequest) (*service.Resolution, error)

	RegisterUpload(ctx context.Context, name string, src io.Reader, mode string) (*model.ImportedFile, error)
	ListFiles(ctx context.Context, limit int) ([]model.ImportedFile, error)
	DatasetState(ctx context.Context) (*service.StateView, error)
	LockStatus(typ string) (*lock.Status, error)
	ClearLock(ctx context.Context, typ string) (*service.ClearedLock, error)
}

// Pinger checks the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// APIHandler serves the JSON API.
type APIHandler struct {
	Service Service
	DB      Pinger
	Log     logrus.FieldLogger
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string     `json:"error"`
	Lock  *lock.Info `json:"lock,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to client errors; anything else is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrAlreadyRunning), errors.Is(err, model.ErrDuplicateLocalPoint),
		errors.Is(err, model.ErrJobFinished), errors.Is(err, model.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrUnknownImportMode),
		errors.Is(err, model.ErrEmptyArchive), errors.Is(err, model.ErrNoHeaderRow):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		resp.Error = "internal error"
	}
	var held *lock.HeldError
	if errors.As(err, &held) {
		resp.Lock = held.Info
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

// queryInt reads an optional non-negative integer parameter.
func queryInt(r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, err == nil && n >= 0
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Health pings the database.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		h.Log.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetState returns the dataset marker and counts.
func (h *APIHandler) GetState(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.DatasetState(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetLock reports one execution lock.
func (h *APIHandler) GetLock(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.LockStatus(mux.Vars(r)["type"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ClearLock removes a stale execution lock.
func (h *APIHandler) ClearLock(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.Service.ClearLock(r.Context(), mux.Vars(r)["type"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cleared)
}
