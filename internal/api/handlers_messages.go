package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/notifyrelay/internal/intake"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/models"
	"github.com/shohag/notifyrelay/internal/storage"
)

type MessageHandler struct {
	store   storage.Storage
	intake  Submitter
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewMessageHandler(store storage.Storage, submitter Submitter, m *metrics.Metrics, log zerolog.Logger) *MessageHandler {
	return &MessageHandler{store: store, intake: submitter, metrics: m, log: log}
}

const maxRequestSize = 64 * 1024 // 64KB

func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	var req intake.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.metrics.Intake("invalid")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := intake.Parse(req)
	if err != nil {
		var verr *intake.ValidationError
		if errors.As(err, &verr) {
			h.metrics.Intake("invalid")
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to accept message")
		return
	}

	res, err := h.intake.Submit(r.Context(), sub)
	if err != nil {
		h.log.Error().Err(err).Str("channel", req.Channel).Msg("Intake failed")
		writeError(w, http.StatusInternalServerError, "failed to accept message")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type messageResponse struct {
	Message  *models.Message  `json:"message"`
	Delivery *models.Delivery `json:"delivery"`
	Attempts []models.Attempt `json:"attempts"`
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	d, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	attempts, err := h.store.GetAttemptsByMessage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}
	if attempts == nil {
		attempts = []models.Attempt{}
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Message:  msg,
		Delivery: d,
		Attempts: attempts,
	})
}
