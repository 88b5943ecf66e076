package provider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func generateKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

var testDetails = SendRequestDetails{
	InternalMessageID: "msg-1",
	Recipient:         "+919876543210",
	Sender:            "+14155550100",
	Content:           "Your appointment is confirmed",
}

func TestKeySecretTransport_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)

		var body VonageMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "14155550100", body.From)
		assert.Equal(t, "919876543210", body.To)
		assert.Equal(t, "whatsapp", body.Channel)
		assert.Equal(t, "text", body.MessageType)
		assert.Equal(t, "Your appointment is confirmed", body.Text)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(VonageMessageResponse{MessageUUID: "aaaaaaaa-bbbb-cccc-dddd-0123456789ab"})
	}))
	defer server.Close()

	tr, err := NewKeySecretTransport(testLogger(), server.URL, "key", "secret", server.Client())
	require.NoError(t, err)
	assert.Equal(t, "vonage-keysecret", tr.GetName())

	resp, err := tr.Send(context.Background(), testDetails)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-0123456789ab", resp.ProviderMessageID)
	assert.Equal(t, "ACCEPTED_202", resp.ProviderStatus)
}

func TestSignedCredentialTransport_Send_Success(t *testing.T) {
	key, pemBytes := generateKey(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "Bearer "))

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(tok *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err)
		assert.True(t, token.Valid)
		assert.Equal(t, "app-123", claims["application_id"])
		assert.NotEmpty(t, claims["jti"])
		assert.NotNil(t, claims["exp"])

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message_uuid":"uuid-signed"}`))
	}))
	defer server.Close()

	tr, err := NewSignedCredentialTransport(testLogger(), server.URL, "app-123", pemBytes, server.Client())
	require.NoError(t, err)
	assert.Equal(t, "vonage-signed", tr.GetName())

	resp, err := tr.Send(context.Background(), testDetails)
	require.NoError(t, err)
	assert.Equal(t, "uuid-signed", resp.ProviderMessageID)
}

func TestSignedCredentialTransport_TokensAreUnique(t *testing.T) {
	_, pemBytes := generateKey(t)
	tr, err := NewSignedCredentialTransport(testLogger(), "http://unused", "app-123", pemBytes, nil)
	require.NoError(t, err)

	a, err := tr.token()
	require.NoError(t, err)
	b, err := tr.token()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewSignedCredentialTransport_InvalidKey(t *testing.T) {
	_, err := NewSignedCredentialTransport(testLogger(), "http://unused", "app-123", []byte("not a key"), nil)
	assert.Error(t, err)

	_, pemBytes := generateKey(t)
	_, err = NewSignedCredentialTransport(testLogger(), "http://unused", "", pemBytes, nil)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestVonageTransport_Send_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"type":"https://developer.nexmo.com/api-errors/messages-olympus#1120","title":"Invalid sender","detail":"The number is not whitelisted for the Sandbox"}`))
	}))
	defer server.Close()

	tr, err := NewKeySecretTransport(testLogger(), server.URL, "key", "secret", server.Client())
	require.NoError(t, err)

	resp, err := tr.Send(context.Background(), testDetails)
	require.Error(t, err)
	assert.Nil(t, resp)

	var tErr *TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, http.StatusUnprocessableEntity, tErr.StatusCode)
	assert.Equal(t, "The number is not whitelisted for the Sandbox", tErr.RawDetail)
	assert.Equal(t, NoteRecipientNotRegistered, Classify(err, true).Note)
	assert.True(t, Classify(err, false).Permanent())
}

func TestVonageTransport_Send_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"title":"Unauthorized"}`))
	}))
	defer server.Close()

	tr, err := NewKeySecretTransport(testLogger(), server.URL, "key", "wrong", server.Client())
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), testDetails)
	require.Error(t, err)
	var tErr *TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, "Unauthorized", tErr.RawDetail)
	assert.True(t, Classify(err, true).Permanent())
}

func TestVonageTransport_Send_NonJSONErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	tr, err := NewKeySecretTransport(testLogger(), server.URL, "key", "secret", server.Client())
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), testDetails)
	var tErr *TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, http.StatusBadGateway, tErr.StatusCode)
	assert.Equal(t, "upstream unavailable", tErr.RawDetail)
	assert.False(t, Classify(err, false).Permanent())
}

func TestVonageTransport_Send_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	tr, err := NewKeySecretTransport(testLogger(), url, "key", "secret", nil)
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), testDetails)
	var tErr *TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, 0, tErr.StatusCode)
	assert.False(t, Classify(err, false).Permanent())
}

func TestNewTransport_Selection(t *testing.T) {
	_, pemBytes := generateKey(t)

	tr, err := NewTransport(Options{ApplicationID: "app", PrivateKeyPEM: pemBytes, APIKey: "k", APISecret: "s"}, testLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, "vonage-signed", tr.GetName())

	tr, err = NewTransport(Options{APIKey: "k", APISecret: "s"}, testLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, "vonage-keysecret", tr.GetName())

	tr, err = NewTransport(Options{Mode: ModeMock}, testLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", tr.GetName())

	_, err = NewTransport(Options{}, testLogger(), nil)
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = NewTransport(Options{Mode: "carrier-pigeon"}, testLogger(), nil)
	assert.Error(t, err)
}

func TestVonageURL(t *testing.T) {
	assert.Equal(t, VonageSandboxURL, VonageURL(true, ""))
	assert.Equal(t, VonageProductionURL, VonageURL(false, ""))
	assert.Equal(t, "http://localhost:9999", VonageURL(true, "http://localhost:9999"))
}

func TestVonageTransport_Send_RequestNotBuilt(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer server.Close()

	t.Run("BadURL", func(t *testing.T) {
		tr, err := NewKeySecretTransport(testLogger(), "://no-scheme", "key", "secret", nil)
		require.NoError(t, err)

		_, err = tr.Send(context.Background(), testDetails)
		assert.ErrorIs(t, err, ErrRequestNotBuilt)
		assert.True(t, Classify(err, false).Permanent())
		assert.True(t, Classify(err, true).Permanent())
	})

	t.Run("AuthorizeFails", func(t *testing.T) {
		c := newVonageClient(testLogger(), server.URL, nil, "test")
		signErr := errors.New("key is invalid")

		_, err := c.send(context.Background(), testDetails, func(*http.Request) error { return signErr })
		assert.ErrorIs(t, err, ErrRequestNotBuilt)
		assert.ErrorIs(t, err, signErr)
		assert.True(t, Classify(err, false).Permanent())
		assert.Equal(t, 0, hits)
	})
}
