package http

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// WebhookAuth verifies the HS256 bearer token the gateway attaches to signed
// webhooks. When the token carries a payload_hash claim it must match the
// SHA-256 of the body. An empty secret disables the check.
func WebhookAuth(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authHeader := r.Header.Get("Authorization")
			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
				logger.WarnContext(ctx, "Webhook without bearer token")
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				logger.WarnContext(ctx, "Webhook token rejected", "error", err)
				http.Error(w, "Invalid signature", http.StatusUnauthorized)
				return
			}

			if want, ok := claims["payload_hash"].(string); ok && want != "" {
				r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
				body, err := io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, "Error reading request body", http.StatusBadRequest)
					return
				}
				sum := sha256.Sum256(body)
				if !strings.EqualFold(hex.EncodeToString(sum[:]), want) {
					logger.WarnContext(ctx, "Webhook payload hash mismatch")
					http.Error(w, "Invalid signature", http.StatusUnauthorized)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			next.ServeHTTP(w, r)
		})
	}
}
