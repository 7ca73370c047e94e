package http

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxPaymentTokenLength bounds the size of a settlement token in the Payment header
const MaxPaymentTokenLength = 16 * 1024

// Token pattern - base64, base64url and dotted JWT style tokens
var paymentTokenRegex = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]+$`)

// ValidatePaymentHeader validates a Payment header value and returns the
// settlement token it carries. It checks:
// - the header is not empty
// - the token length is bounded
// - the token only contains token characters
func ValidatePaymentHeader(header string) (string, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return "", fmt.Errorf("payment header is empty")
	}
	if len(token) > MaxPaymentTokenLength {
		return "", fmt.Errorf("invalid payment header: token longer than %d bytes", MaxPaymentTokenLength)
	}
	if !paymentTokenRegex.MatchString(token) {
		return "", fmt.Errorf("invalid payment header format: unexpected characters in token")
	}
	return token, nil
}
