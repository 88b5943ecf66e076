package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/theraptrack/golang_services/internal/notification_service/app"
	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

// WebhookHandler receives gateway status callbacks.
type WebhookHandler struct {
	ingestor app.StatusIngestor
	validate *validator.Validate
	logger   *slog.Logger
}

func NewWebhookHandler(ingestor app.StatusIngestor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingestor: ingestor,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "webhook_handler"),
	}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/vonage/status", h.HandleStatus)
}

// HandleStatus acknowledges every well-formed callback with 200, including
// callbacks for unknown messages and ones that failed to apply; the gateway
// has nothing useful to do with an error.
func (h *WebhookHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	var cb domain.StatusCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		logger.WarnContext(ctx, "Malformed status callback", "error", err, "payload_size", len(raw))
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(cb); err != nil {
		logger.WarnContext(ctx, "Status callback failed validation", "error", err)
		http.Error(w, "Missing message_uuid or status", http.StatusBadRequest)
		return
	}

	logger.InfoContext(ctx, "Received status callback", "provider_message_id", cb.MessageUUID, "status", cb.Status)
	if err := h.ingestor.Ingest(ctx, cb); err != nil {
		logger.ErrorContext(ctx, "Failed to ingest status callback", "error", err, "provider_message_id", cb.MessageUUID)
	}
	w.WriteHeader(http.StatusOK)
}
