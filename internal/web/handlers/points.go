package handlers

import (
	"net/http"

	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/service"
)

// CreatePoint registers a staff-entered pending point.
func (h *APIHandler) CreatePoint(w http.ResponseWriter, r *http.Request) {
	var req service.CreateLocalPointRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	p, err := h.Service.CreateLocalPoint(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// PendingPoints lists points awaiting reconciliation.
func (h *APIHandler) PendingPoints(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	list, err := h.Service.ListPendingPoints(r.Context(), int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.AddressPoint{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ListQueue lists review items by ?status= (pending by default).
func (h *APIHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	items, err := h.Service.ListReconcileQueue(r.Context(), r.URL.Query().Get("status"), int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.ReconcileQueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ResolveQueueItem records a staff decision on a review item.
func (h *APIHandler) ResolveQueueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid queue item id")
		return
	}
	var req service.ResolveRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	res, err := h.Service.ResolveQueueItem(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
