package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	apperrors "github.com/reward-settler/internal/errors"
)

// Field limits imposed by Farcaster mini app notification hosts
const (
	maxTitleLen          = 32
	maxBodyLen           = 128
	maxNotificationIDLen = 128
)

// ErrTokenRevoked means the host reported the token invalid. It is permanent.
var ErrTokenRevoked = errors.New("notification token revoked")

// Message is one notification
type Message struct {
	NotificationID string
	Title          string
	Body           string
	TargetURL      string
}

type deliveryRequest struct {
	NotificationID string   `json:"notificationId"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	TargetURL      string   `json:"targetUrl"`
	Tokens         []string `json:"tokens"`
}

type deliveryResult struct {
	SuccessfulTokens  []string `json:"successfulTokens"`
	InvalidTokens     []string `json:"invalidTokens"`
	RateLimitedTokens []string `json:"rateLimitedTokens"`
}

type deliveryResponse struct {
	Result *deliveryResult `json:"result"`
	deliveryResult
}

// Sender posts notifications to a token's delivery URL
type Sender struct {
	client *http.Client
}

// NewSender creates a sender with a per-request timeout
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sender{client: &http.Client{Timeout: timeout}}
}

// Send delivers msg to one token. Rate limits, 5xx and timeouts are
// transient; an invalid token returns ErrTokenRevoked.
func (s *Sender) Send(ctx context.Context, url, token string, msg Message) error {
	payload, err := json.Marshal(deliveryRequest{
		NotificationID: truncate(msg.NotificationID, maxNotificationIDLen),
		Title:          truncate(msg.Title, maxTitleLen),
		Body:           truncate(msg.Body, maxBodyLen),
		TargetURL:      msg.TargetURL,
		Tokens:         []string{token},
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewInvalidParameterError("deliveryUrl", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if apperrors.IsTransient(err) {
			return apperrors.NewProviderTimeoutError("notification_host")
		}
		return apperrors.NewProviderError("notification_host", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewProviderRateLimitError("notification_host")
	case resp.StatusCode >= 500:
		return apperrors.NewProviderError("notification_host", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.NewInvalidPayloadError(fmt.Sprintf("notification host returned %d: %s", resp.StatusCode, body))
	}

	var out deliveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return apperrors.NewProviderError("notification_host", fmt.Errorf("failed to decode response: %w", err))
	}
	result := out.deliveryResult
	if out.Result != nil {
		result = *out.Result
	}

	switch {
	case contains(result.SuccessfulTokens, token):
		return nil
	case contains(result.InvalidTokens, token):
		return ErrTokenRevoked
	case contains(result.RateLimitedTokens, token):
		return apperrors.NewProviderRateLimitError("notification_host")
	}
	return apperrors.NewProviderError("notification_host", errors.New("token missing from delivery result"))
}

// truncate cuts s to at most n characters, never splitting a rune
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
