package http

import (
	"time"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

// EnqueueRequest is the body of POST /api/v1/notifications.
type EnqueueRequest struct {
	Kind           string            `json:"kind" validate:"required,oneof=confirmation reminder custom"`
	Recipient      string            `json:"recipient" validate:"required,max=32"`
	Body           string            `json:"body" validate:"required,max=4096"`
	CorrelationIDs map[string]string `json:"correlation_ids,omitempty" validate:"omitempty,max=16,dive,keys,min=1,max=64,endkeys,max=128"`
}

func (r EnqueueRequest) toDomain() domain.NotificationRequest {
	return domain.NotificationRequest{
		Kind:           domain.Kind(r.Kind),
		Recipient:      r.Recipient,
		Body:           r.Body,
		CorrelationIDs: domain.CorrelationIDs(r.CorrelationIDs),
	}
}

// EnqueueResponse is returned for both accepted and rejected requests.
type EnqueueResponse struct {
	Accepted  bool   `json:"accepted"`
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// DeliveryRecordResponse is the public view of a delivery record. The
// recipient is not echoed back.
type DeliveryRecordResponse struct {
	ID                string                `json:"id"`
	Kind              domain.Kind           `json:"kind"`
	Status            domain.DeliveryStatus `json:"status"`
	ProviderMessageID *string               `json:"provider_message_id,omitempty"`
	ErrorDetail       *string               `json:"error_detail,omitempty"`
	AttemptCount      int                   `json:"attempt_count"`
	CorrelationIDs    map[string]string     `json:"correlation_ids,omitempty"`
	SentAt            *time.Time            `json:"sent_at,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

func newDeliveryRecordResponse(rec *domain.DeliveryRecord) DeliveryRecordResponse {
	return DeliveryRecordResponse{
		ID:                rec.ID,
		Kind:              rec.Kind,
		Status:            rec.Status,
		ProviderMessageID: rec.ProviderMessageID,
		ErrorDetail:       rec.ErrorDetail,
		AttemptCount:      rec.AttemptCount,
		CorrelationIDs:    rec.CorrelationIDs,
		SentAt:            rec.SentAt,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

// GenericErrorResponse for API errors.
type GenericErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
