package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/addrsync/internal/model"
)

// maxUpload bounds a single uploaded extract.
const maxUpload = 2 << 30

// UploadFile stores the raw request body as a new source file named by the
// path, registered for import in ?mode= (delta by default).
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxUpload)
	rec, err := h.Service.RegisterUpload(r.Context(), mux.Vars(r)["name"], body, r.URL.Query().Get("mode"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListFiles lists registered source files.
func (h *APIHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	list, err := h.Service.ListFiles(r.Context(), int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.ImportedFile{}
	}
	writeJSON(w, http.StatusOK, list)
}
