package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/theraptrack/golang_services/internal/notification_service/recipient"
)

const (
	VonageProductionURL = "https://api.nexmo.com/v1/messages"
	VonageSandboxURL    = "https://messages-sandbox.nexmo.com/v1/messages"

	signedTokenTTL = 15 * time.Minute
	maxDetailLen   = 500
)

// VonageMessageRequest is the Messages API body for a WhatsApp text.
type VonageMessageRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Channel     string `json:"channel"`
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
}

type VonageMessageResponse struct {
	MessageUUID string `json:"message_uuid"`
}

// VonageErrorResponse follows the RFC 7807 problem shape the API returns.
type VonageErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// VonageURL picks the endpoint; override wins when set.
func VonageURL(sandbox bool, override string) string {
	if override != "" {
		return override
	}
	if sandbox {
		return VonageSandboxURL
	}
	return VonageProductionURL
}

// vonageClient is the HTTP half shared by both auth modes.
type vonageClient struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
}

func newVonageClient(logger *slog.Logger, apiURL string, httpClient *http.Client, name string) vonageClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return vonageClient{
		logger:     logger.With("provider", name),
		httpClient: httpClient,
		apiURL:     apiURL,
	}
}

func (c *vonageClient) send(ctx context.Context, details SendRequestDetails, authorize func(*http.Request) error) (*SendResponseDetails, error) {
	logger := c.logger.With(
		"internal_message_id", details.InternalMessageID,
		"recipient_ref", recipient.Fingerprint(details.Recipient),
	)

	reqBytes, err := json.Marshal(VonageMessageRequest{
		From:        strings.TrimPrefix(details.Sender, "+"),
		To:          strings.TrimPrefix(details.Recipient, "+"),
		Channel:     "whatsapp",
		MessageType: "text",
		Text:        details.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %w", ErrRequestNotBuilt, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestNotBuilt, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if err := authorize(httpReq); err != nil {
		logger.ErrorContext(ctx, "Failed to authorize gateway request", "error", err)
		return nil, fmt.Errorf("%w: authorize: %w", ErrRequestNotBuilt, err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.WarnContext(ctx, "Gateway request failed", "error", err)
		return nil, &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		logger.WarnContext(ctx, "Failed to read gateway response", "status_code", httpResp.StatusCode, "error", readErr)
		if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
			return nil, &TransportError{Err: readErr}
		}
		return nil, &TransportError{StatusCode: httpResp.StatusCode, RawDetail: readErr.Error(), Err: readErr}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		detail := errorDetail(respBody)
		logger.WarnContext(ctx, "Gateway rejected message", "status_code", httpResp.StatusCode, "detail", detail)
		return nil, &TransportError{StatusCode: httpResp.StatusCode, RawDetail: detail}
	}

	var ok VonageMessageResponse
	if err := json.Unmarshal(respBody, &ok); err != nil || ok.MessageUUID == "" {
		logger.WarnContext(ctx, "Gateway accepted message without a message_uuid", "status_code", httpResp.StatusCode, "body", truncate(string(respBody)))
	}

	logger.InfoContext(ctx, "Message accepted by gateway", "status_code", httpResp.StatusCode, "provider_message_id", ok.MessageUUID)
	return &SendResponseDetails{
		ProviderMessageID: ok.MessageUUID,
		ProviderStatus:    fmt.Sprintf("ACCEPTED_%d", httpResp.StatusCode),
	}, nil
}

func errorDetail(body []byte) string {
	var problem VonageErrorResponse
	if err := json.Unmarshal(body, &problem); err == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if problem.Title != "" {
			return problem.Title
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	if len(s) > maxDetailLen {
		return s[:maxDetailLen]
	}
	return s
}

// SignedCredentialTransport authenticates every call with a short-lived
// RS256 token issued for the gateway application.
type SignedCredentialTransport struct {
	client        vonageClient
	applicationID string
	privateKey    *rsa.PrivateKey
	now           func() time.Time
}

func NewSignedCredentialTransport(logger *slog.Logger, apiURL, applicationID string, privateKeyPEM []byte, httpClient *http.Client) (*SignedCredentialTransport, error) {
	if applicationID == "" {
		return nil, fmt.Errorf("%w: application id is empty", ErrNoCredentials)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse application private key: %w", err)
	}
	return &SignedCredentialTransport{
		client:        newVonageClient(logger, apiURL, httpClient, "vonage-signed"),
		applicationID: applicationID,
		privateKey:    key,
		now:           time.Now,
	}, nil
}

func (t *SignedCredentialTransport) Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error) {
	return t.client.send(ctx, details, func(r *http.Request) error {
		token, err := t.token()
		if err != nil {
			return err
		}
		r.Header.Set("Authorization", "Bearer "+token)
		return nil
	})
}

func (t *SignedCredentialTransport) GetName() string { return "vonage-signed" }

func (t *SignedCredentialTransport) token() (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"application_id": t.applicationID,
		"iat":            now.Unix(),
		"exp":            now.Add(signedTokenTTL).Unix(),
		"jti":            uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.privateKey)
}

// KeySecretTransport sends the account key and secret as basic auth.
type KeySecretTransport struct {
	client    vonageClient
	apiKey    string
	apiSecret string
}

func NewKeySecretTransport(logger *slog.Logger, apiURL, apiKey, apiSecret string, httpClient *http.Client) (*KeySecretTransport, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("%w: api key and secret are required", ErrNoCredentials)
	}
	return &KeySecretTransport{
		client:    newVonageClient(logger, apiURL, httpClient, "vonage-keysecret"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}, nil
}

func (t *KeySecretTransport) Send(ctx context.Context, details SendRequestDetails) (*SendResponseDetails, error) {
	return t.client.send(ctx, details, func(r *http.Request) error {
		r.SetBasicAuth(t.apiKey, t.apiSecret)
		return nil
	})
}

func (t *KeySecretTransport) GetName() string { return "vonage-keysecret" }
