package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

const maxRequestBodySize = 1 << 20

// Engine is the part of the notification engine the API exposes.
type Engine interface {
	Enqueue(ctx context.Context, req domain.NotificationRequest) (string, error)
	Status() domain.EngineStatus
}

// RecordReader looks up delivery records.
type RecordReader interface {
	Get(ctx context.Context, id string) (*domain.DeliveryRecord, error)
}

type NotifyHandler struct {
	engine   Engine
	records  RecordReader
	validate *validator.Validate
	logger   *slog.Logger
}

func NewNotifyHandler(engine Engine, records RecordReader, logger *slog.Logger) *NotifyHandler {
	return &NotifyHandler{
		engine:   engine,
		records:  records,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("handler", "notify"),
	}
}

func (h *NotifyHandler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications", h.handleEnqueue)
	r.Get("/notifications/status", h.handleStatus)
	r.Get("/deliveries/{id}", h.handleGetDelivery)
}

func (h *NotifyHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	var req EnqueueRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(ctx, "Failed to decode enqueue request", "error", err)
		writeJSON(w, http.StatusBadRequest, GenericErrorResponse{Error: "invalid request payload", Details: err.Error()})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		reason := h.reasonFor(err)
		logger.InfoContext(ctx, "Enqueue request failed validation", "reason", reason, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, EnqueueResponse{Accepted: false, Reason: reason})
		return
	}

	id, err := h.engine.Enqueue(ctx, req.toDomain())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, EnqueueResponse{Accepted: false, Reason: domain.RejectionReason(err)})
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{Accepted: true, MessageID: id})
}

// reasonFor maps a DTO validation failure onto the engine's rejection
// reasons. A disabled engine wins over any field error.
func (h *NotifyHandler) reasonFor(err error) string {
	if !h.engine.Status().Enabled {
		return domain.ReasonDisabled
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Kind":
			return domain.ReasonInvalidKind
		case "Recipient":
			return domain.ReasonInvalidRecipient
		case "Body":
			return domain.ReasonEmptyBody
		}
	}
	return "invalid_request"
}

func (h *NotifyHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *NotifyHandler) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rec, err := h.records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, GenericErrorResponse{Error: "delivery record not found"})
			return
		}
		h.logger.ErrorContext(ctx, "Failed to load delivery record", "error", err, "message_id", id)
		writeJSON(w, http.StatusInternalServerError, GenericErrorResponse{Error: "failed to load delivery record"})
		return
	}
	writeJSON(w, http.StatusOK, newDeliveryRecordResponse(rec))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
