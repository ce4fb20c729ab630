package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey  = errors.New("ai: api key is required")
	ErrRateLimited    = errors.New("ai: rate limited")
	ErrQuotaExhausted = errors.New("ai: quota exhausted")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a non-streaming chat completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// statusError maps an upstream HTTP failure to the package sentinels so
// callers can tell retryable throttling from exhausted credit.
func statusError(provider string, status int, body string) error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = fmt.Sprintf("status %d", status)
	}
	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: %s", provider, ErrRateLimited, msg)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%s: %w: %s", provider, ErrQuotaExhausted, msg)
	default:
		return fmt.Errorf("%s: %s", provider, msg)
	}
}
