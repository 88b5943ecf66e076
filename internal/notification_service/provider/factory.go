package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// Transport modes accepted by NewTransport.
const (
	ModeAuto      = "auto"
	ModeSigned    = "signed"
	ModeKeySecret = "keysecret"
	ModeMock      = "mock"
)

// Options selects and configures a transport once at startup.
type Options struct {
	Mode           string
	Sandbox        bool
	BaseURL        string
	APIKey         string
	APISecret      string
	ApplicationID  string
	PrivateKeyPEM  []byte
	PrivateKeyPath string
}

// NewTransport builds the transport for opts. In auto mode a configured
// application id and private key win over key/secret.
func NewTransport(opts Options, logger *slog.Logger, httpClient *http.Client) (Transport, error) {
	apiURL := VonageURL(opts.Sandbox, opts.BaseURL)

	keyPEM := opts.PrivateKeyPEM
	if len(keyPEM) == 0 && opts.PrivateKeyPath != "" {
		b, err := os.ReadFile(opts.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		keyPEM = b
	}

	switch opts.Mode {
	case ModeMock:
		return NewMockTransport(), nil
	case ModeSigned:
		return NewSignedCredentialTransport(logger, apiURL, opts.ApplicationID, keyPEM, httpClient)
	case ModeKeySecret:
		return NewKeySecretTransport(logger, apiURL, opts.APIKey, opts.APISecret, httpClient)
	case ModeAuto, "":
		if opts.ApplicationID != "" && len(keyPEM) > 0 {
			return NewSignedCredentialTransport(logger, apiURL, opts.ApplicationID, keyPEM, httpClient)
		}
		if opts.APIKey != "" && opts.APISecret != "" {
			return NewKeySecretTransport(logger, apiURL, opts.APIKey, opts.APISecret, httpClient)
		}
		return nil, ErrNoCredentials
	default:
		return nil, fmt.Errorf("unknown transport mode %q", opts.Mode)
	}
}
