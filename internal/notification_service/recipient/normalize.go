// Package recipient turns user-entered phone numbers into the canonical
// +<country><number> form the gateway dials.
package recipient

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/theraptrack/golang_services/internal/notification_service/domain"
)

var (
	internationalPattern = regexp.MustCompile(`^\+\d{1,4}\d{7,15}$`)
	countryCodePattern   = regexp.MustCompile(`^\+\d{1,4}$`)
	digitsPattern        = regexp.MustCompile(`^\d+$`)
)

// Normalizer validates and canonicalizes phone numbers. Ten-digit national
// numbers get the configured default country code.
type Normalizer struct {
	defaultCountryCode string
}

// NewNormalizer accepts the default country code with or without a leading
// plus, e.g. "+91" or "91".
func NewNormalizer(defaultCountryCode string) (*Normalizer, error) {
	code := strings.TrimSpace(defaultCountryCode)
	if !strings.HasPrefix(code, "+") {
		code = "+" + code
	}
	if !countryCodePattern.MatchString(code) {
		return nil, fmt.Errorf("invalid default country code %q", defaultCountryCode)
	}
	return &Normalizer{defaultCountryCode: code}, nil
}

// Normalize returns the canonical number or a *domain.ValidationError.
func (n *Normalizer) Normalize(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '+' {
			return r
		}
		return -1
	}, raw)

	switch {
	case strings.HasPrefix(cleaned, "+"):
		if internationalPattern.MatchString(cleaned) {
			return cleaned, nil
		}
	case digitsPattern.MatchString(cleaned):
		switch l := len(cleaned); {
		case l == 10:
			return n.defaultCountryCode + cleaned, nil
		case l >= 11 && l <= 15:
			return "+" + cleaned, nil
		}
	}

	return "", &domain.ValidationError{
		Field:  "recipient",
		Reason: domain.ReasonInvalidRecipient,
		Detail: fmt.Sprintf("invalid phone number format: %q", raw),
	}
}

// Fingerprint is a short stable reference to a number for log lines, so raw
// numbers never reach the logs.
func Fingerprint(canonical string) string {
	sum := sha3.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:6])
}
