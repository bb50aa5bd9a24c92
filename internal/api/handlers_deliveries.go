package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/storage"
)

type DeliveryHandler struct {
	store storage.Storage
}

func NewDeliveryHandler(store storage.Storage) *DeliveryHandler {
	return &DeliveryHandler{store: store}
}

// List returns the most recent deliveries, optionally filtered by ?status=.
func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of: pending, delivered, failed")
		return
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), status, listLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageId")
	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
